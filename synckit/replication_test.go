package synckit_test

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c0deZ3R0/docsync/cursor"
	syncErrors "github.com/c0deZ3R0/docsync/errors"
	"github.com/c0deZ3R0/docsync/logging"
	"github.com/c0deZ3R0/docsync/storage/memory"
	"github.com/c0deZ3R0/docsync/synckit"
)

func newStorage() *memory.Storage {
	return memory.New(memory.WithLogger(logging.Discard()))
}

func newInstance(t *testing.T, s *memory.Storage, name string, mode synckit.ConflictMode) synckit.StorageInstance {
	t.Helper()
	inst, err := s.CreateInstance(context.Background(), synckit.InstanceConfig{
		DatabaseName:   "test",
		CollectionName: name,
		ConflictMode:   mode,
		Logger:         logging.Discard(),
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = inst.Close() })
	return inst
}

func put(t *testing.T, inst synckit.StorageInstance, rows ...synckit.WriteRow) synckit.BulkWriteResponse {
	t.Helper()
	resp, err := inst.BulkWrite(context.Background(), rows, "app")
	require.NoError(t, err)
	require.Empty(t, resp.Errors)
	return resp
}

func get(t *testing.T, inst synckit.StorageInstance, id string) *synckit.DocumentState {
	t.Helper()
	docs, err := inst.FindByID(context.Background(), []string{id}, true)
	require.NoError(t, err)
	if len(docs) == 0 {
		return nil
	}
	return &docs[0]
}

var fastRetry = synckit.RetryConfig{
	MaxAttempts:  3,
	InitialDelay: time.Millisecond,
	MaxDelay:     5 * time.Millisecond,
	Multiplier:   2,
}

func newReplication(t *testing.T, local synckit.StorageInstance, remote synckit.RemoteEndpoint, opts ...synckit.ReplicationOption) *synckit.Replication {
	t.Helper()
	base := []synckit.ReplicationOption{
		synckit.WithLogger(logging.Discard()),
		synckit.WithRetryConfig(fastRetry),
		synckit.WithTimeout(time.Second),
	}
	rep, err := synckit.NewReplication(local, remote, append(base, opts...)...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = rep.Stop(context.Background()) })
	return rep
}

// runOnce runs a non-live replication to completion.
func runOnce(t *testing.T, local synckit.StorageInstance, remote synckit.RemoteEndpoint, opts ...synckit.ReplicationOption) *synckit.Replication {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	rep := newReplication(t, local, remote, append([]synckit.ReplicationOption{synckit.WithLive(false)}, opts...)...)
	require.NoError(t, rep.Start(ctx))
	require.NoError(t, rep.AwaitInitialReplication(ctx))
	require.Eventually(t, func() bool { return rep.Status().State == synckit.StateStopped },
		2*time.Second, 5*time.Millisecond)
	return rep
}

func requireSame(t *testing.T, a, b synckit.StorageInstance, ids ...string) {
	t.Helper()
	for _, id := range ids {
		da, db := get(t, a, id), get(t, b, id)
		require.NotNil(t, da, id)
		require.NotNil(t, db, id)
		assert.Equal(t, da.Rev, db.Rev, id)
		assert.Equal(t, da.Deleted, db.Deleted, id)
		assert.True(t, synckit.SameDocument(*da, *db), id)
	}
}

func TestReplication_LiveConvergence(t *testing.T) {
	storage := newStorage()
	local := newInstance(t, storage, "client", synckit.ConflictModeImmediate)
	master := newInstance(t, storage, "server", synckit.ConflictModeImmediate)

	a := synckit.NewDocument("a", map[string]any{"n": 1.0})
	b := synckit.NewDocument("b", map[string]any{"n": 2.0})
	put(t, local, synckit.WriteRow{Document: a}, synckit.WriteRow{Document: b})
	put(t, master, synckit.WriteRow{Document: synckit.NewDocument("c", map[string]any{"n": 3.0})})

	rep := newReplication(t, local, synckit.NewInstanceEndpoint(master), synckit.WithReplicationID("live"))
	require.NoError(t, rep.Subscribe(func(*synckit.RoundResult) { panic("subscriber bug") }))

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	require.NoError(t, rep.Start(ctx))
	require.NoError(t, rep.AwaitInSync(ctx))
	assert.Equal(t, synckit.StateLive, rep.Status().State)
	requireSame(t, local, master, "a", "b", "c")

	t.Run("remote change", func(t *testing.T) {
		put(t, master, synckit.WriteRow{Document: synckit.NewDocument("d", map[string]any{"n": 4.0})})
		require.NoError(t, rep.AwaitInSync(ctx))
		requireSame(t, local, master, "d")
	})

	t.Run("local update", func(t *testing.T) {
		a2 := synckit.Update(a, map[string]any{"n": 10.0})
		put(t, local, synckit.WriteRow{Document: a2, Previous: &a})
		require.NoError(t, rep.AwaitInSync(ctx))
		requireSame(t, local, master, "a")
		assert.Equal(t, a2.Rev, get(t, master, "a").Rev)
	})

	t.Run("local delete", func(t *testing.T) {
		cur := get(t, local, "b")
		put(t, local, synckit.WriteRow{Document: synckit.MarkDeleted(*cur), Previous: cur})
		require.NoError(t, rep.AwaitInSync(ctx))
		requireSame(t, local, master, "b")
		assert.True(t, get(t, master, "b").Deleted)

		alive, err := master.FindByID(ctx, []string{"b"}, false)
		require.NoError(t, err)
		assert.Empty(t, alive)
	})

	st := rep.Stats()
	assert.GreaterOrEqual(t, st.DocumentsPushed, uint64(3))
	assert.GreaterOrEqual(t, st.DocumentsPulled, uint64(2))
	assert.Zero(t, st.Errors)
	assert.False(t, rep.Status().Errored)
}

func TestReplication_NonLiveStopsAfterInitialSync(t *testing.T) {
	storage := newStorage()
	local := newInstance(t, storage, "client", synckit.ConflictModeImmediate)
	master := newInstance(t, storage, "server", synckit.ConflictModeImmediate)
	put(t, master, synckit.WriteRow{Document: synckit.NewDocument("x", map[string]any{})})

	rep := runOnce(t, local, synckit.NewInstanceEndpoint(master))
	requireSame(t, local, master, "x")

	// The stream is closed once the replication stopped.
	_, ok := <-rep.Errors()
	assert.False(t, ok)
}

func TestReplication_PullPagesInBatches(t *testing.T) {
	storage := newStorage()
	local := newInstance(t, storage, "client", synckit.ConflictModeImmediate)
	master := newInstance(t, storage, "server", synckit.ConflictModeImmediate)

	rows := make([]synckit.WriteRow, 12)
	for i := range rows {
		rows[i] = synckit.WriteRow{Document: synckit.NewDocument(fmt.Sprintf("doc-%02d", i), map[string]any{"i": float64(i)})}
	}
	put(t, master, rows...)

	var (
		mu     sync.Mutex
		rounds []int
	)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	checkpoints := synckit.NewMemoryCheckpointStore()
	rep := newReplication(t, local, synckit.NewInstanceEndpoint(master),
		synckit.WithReplicationID("pages"),
		synckit.WithLive(false),
		synckit.WithPullOnly(),
		synckit.WithBatchSize(5),
		synckit.WithCheckpointStore(checkpoints))
	require.NoError(t, rep.Subscribe(func(res *synckit.RoundResult) {
		mu.Lock()
		defer mu.Unlock()
		rounds = append(rounds, res.Documents)
	}))
	require.NoError(t, rep.Start(ctx))
	require.NoError(t, rep.AwaitInitialReplication(ctx))

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(rounds) == 3
	}, 2*time.Second, 5*time.Millisecond)
	mu.Lock()
	sort.Ints(rounds)
	assert.Equal(t, []int{2, 5, 5}, rounds)
	mu.Unlock()

	all, err := master.ChangesSince(ctx, nil, 100)
	require.NoError(t, err)
	cp, err := checkpoints.LoadCheckpoint(ctx, "pages", synckit.DirectionPull)
	require.NoError(t, err)
	assert.True(t, cursor.Equal(all.Checkpoint, cp))
	assert.Equal(t, uint64(12), rep.Stats().DocumentsPulled)
}

func TestReplication_PushWithOneConflictingRow(t *testing.T) {
	storage := newStorage()
	local := newInstance(t, storage, "client", synckit.ConflictModeImmediate)
	master := newInstance(t, storage, "server", synckit.ConflictModeImmediate)

	put(t, local,
		synckit.WriteRow{Document: synckit.NewDocument("a", map[string]any{"v": "local"})},
		synckit.WriteRow{Document: synckit.NewDocument("b", map[string]any{"v": "local"})},
		synckit.WriteRow{Document: synckit.NewDocument("c", map[string]any{"v": "local"})})
	put(t, master, synckit.WriteRow{Document: synckit.NewDocument("b", map[string]any{"v": "master"})})

	var (
		mu      sync.Mutex
		results []synckit.RoundResult
	)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	rep := newReplication(t, local, synckit.NewInstanceEndpoint(master),
		synckit.WithLive(false), synckit.WithPushOnly())
	require.NoError(t, rep.Subscribe(func(res *synckit.RoundResult) {
		mu.Lock()
		defer mu.Unlock()
		results = append(results, *res)
	}))
	require.NoError(t, rep.Start(ctx))
	require.NoError(t, rep.AwaitInitialReplication(ctx))

	requireSame(t, local, master, "a", "b", "c")
	assert.Equal(t, "master", get(t, local, "b").Data["v"], "the default handler keeps the master state")
	assert.Equal(t, "local", get(t, master, "a").Data["v"])
	assert.Equal(t, uint64(1), rep.Stats().Conflicts)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		for _, r := range results {
			if r.Conflicts == 1 {
				return r.Documents == 2
			}
		}
		return false
	}, 2*time.Second, 5*time.Millisecond)
}

func TestReplication_ConcurrentEditsConverge(t *testing.T) {
	storage := newStorage()
	master := newInstance(t, storage, "server", synckit.ConflictModeImmediate)
	clientA := newInstance(t, storage, "client-a", synckit.ConflictModeImmediate)
	clientB := newInstance(t, storage, "client-b", synckit.ConflictModeImmediate)
	endpoint := synckit.NewInstanceEndpoint(master)

	put(t, master, synckit.WriteRow{Document: synckit.NewDocument("todo", map[string]any{"title": "t0", "done": false})})

	storeA, storeB := synckit.NewMemoryCheckpointStore(), synckit.NewMemoryCheckpointStore()
	optsA := []synckit.ReplicationOption{synckit.WithReplicationID("a"), synckit.WithCheckpointStore(storeA),
		synckit.WithConflictHandler(synckit.MergeFields())}
	optsB := []synckit.ReplicationOption{synckit.WithReplicationID("b"), synckit.WithCheckpointStore(storeB),
		synckit.WithConflictHandler(synckit.MergeFields())}

	runOnce(t, clientA, endpoint, optsA...)
	runOnce(t, clientB, endpoint, optsB...)
	requireSame(t, clientA, clientB, "todo")

	base := get(t, clientA, "todo")
	put(t, clientA, synckit.WriteRow{Document: synckit.Update(*base, map[string]any{"title": "t1", "done": false}), Previous: base})
	put(t, clientB, synckit.WriteRow{Document: synckit.Update(*base, map[string]any{"title": "t0", "done": true}), Previous: base})

	runOnce(t, clientA, endpoint, optsA...)
	runOnce(t, clientB, endpoint, optsB...)
	runOnce(t, clientA, endpoint, optsA...)

	requireSame(t, clientA, master, "todo")
	requireSame(t, clientB, master, "todo")
	assert.Equal(t, map[string]any{"title": "t1", "done": true}, get(t, master, "todo").Data)
}

func TestReplication_ConcurrentPatchAndDelete(t *testing.T) {
	storage := newStorage()
	master := newInstance(t, storage, "server", synckit.ConflictModeImmediate)
	clientA := newInstance(t, storage, "client-a", synckit.ConflictModeImmediate)
	clientB := newInstance(t, storage, "client-b", synckit.ConflictModeImmediate)
	endpoint := synckit.NewInstanceEndpoint(master)
	put(t, master, synckit.WriteRow{Document: synckit.NewDocument("x", map[string]any{"v": 1.0})})

	optsA := []synckit.ReplicationOption{synckit.WithReplicationID("a"), synckit.WithCheckpointStore(synckit.NewMemoryCheckpointStore())}
	optsB := []synckit.ReplicationOption{synckit.WithReplicationID("b"), synckit.WithCheckpointStore(synckit.NewMemoryCheckpointStore())}
	runOnce(t, clientA, endpoint, optsA...)
	runOnce(t, clientB, endpoint, optsB...)

	base := get(t, clientA, "x")
	put(t, clientA, synckit.WriteRow{Document: synckit.MarkDeleted(*base), Previous: base})
	patched, err := synckit.ApplyMergePatch(*base, []byte(`{"v": 2}`))
	require.NoError(t, err)
	put(t, clientB, synckit.WriteRow{Document: patched, Previous: base})

	runOnce(t, clientA, endpoint, optsA...)
	runOnce(t, clientB, endpoint, optsB...)
	runOnce(t, clientA, endpoint, optsA...)

	// The delete reached the master first and the default handler keeps it.
	requireSame(t, clientA, master, "x")
	requireSame(t, clientB, master, "x")
	assert.True(t, get(t, clientB, "x").Deleted)
}

func TestReplication_ResumesFromCheckpoint(t *testing.T) {
	storage := newStorage()
	local := newInstance(t, storage, "client", synckit.ConflictModeImmediate)
	master := newInstance(t, storage, "server", synckit.ConflictModeImmediate)
	meta := newInstance(t, storage, "client-meta", synckit.ConflictModeImmediate)
	endpoint := synckit.NewInstanceEndpoint(master)

	for i := 0; i < 3; i++ {
		put(t, master, synckit.WriteRow{Document: synckit.NewDocument(fmt.Sprintf("first-%d", i), map[string]any{})})
	}
	opts := []synckit.ReplicationOption{
		synckit.WithReplicationID("resume"),
		synckit.WithPullOnly(),
		synckit.WithCheckpointStore(synckit.NewInstanceCheckpointStore(meta, nil)),
	}
	first := runOnce(t, local, endpoint, opts...)
	assert.Equal(t, uint64(3), first.Stats().DocumentsPulled)

	for i := 0; i < 2; i++ {
		put(t, master, synckit.WriteRow{Document: synckit.NewDocument(fmt.Sprintf("second-%d", i), map[string]any{})})
	}
	// A fresh store over the same metadata instance, as after a restart.
	opts[2] = synckit.WithCheckpointStore(synckit.NewInstanceCheckpointStore(meta, nil))
	second := runOnce(t, local, endpoint, opts...)
	assert.Equal(t, uint64(2), second.Stats().DocumentsPulled)
	requireSame(t, local, master, "first-0", "second-1")
}

// flakyEndpoint fails the first n pulls with a transient network error.
type flakyEndpoint struct {
	synckit.RemoteEndpoint
	failures atomic.Int32
	calls    atomic.Int32
}

func (f *flakyEndpoint) PullChanges(ctx context.Context, cp cursor.Cursor, n int) (synckit.ChangesPage, error) {
	f.calls.Add(1)
	if f.failures.Add(-1) >= 0 {
		return synckit.ChangesPage{}, syncErrors.NewNetworkError(syncErrors.OpTransport, errors.New("connection reset"))
	}
	return f.RemoteEndpoint.PullChanges(ctx, cp, n)
}

func TestReplication_RetriesTransientFailures(t *testing.T) {
	storage := newStorage()
	local := newInstance(t, storage, "client", synckit.ConflictModeImmediate)
	master := newInstance(t, storage, "server", synckit.ConflictModeImmediate)
	put(t, master, synckit.WriteRow{Document: synckit.NewDocument("x", map[string]any{})})

	flaky := &flakyEndpoint{RemoteEndpoint: synckit.NewInstanceEndpoint(master)}
	flaky.failures.Store(2)
	rep := runOnce(t, local, flaky, synckit.WithPullOnly())

	requireSame(t, local, master, "x")
	assert.Equal(t, int32(3), flaky.calls.Load())
	assert.Zero(t, rep.Stats().Errors)
}

func TestReplication_PausesWhenRetriesRunOut(t *testing.T) {
	storage := newStorage()
	local := newInstance(t, storage, "client", synckit.ConflictModeImmediate)
	master := newInstance(t, storage, "server", synckit.ConflictModeImmediate)

	flaky := &flakyEndpoint{RemoteEndpoint: synckit.NewInstanceEndpoint(master)}
	flaky.failures.Store(1 << 20)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	rep := newReplication(t, local, flaky, synckit.WithPullOnly(), synckit.WithPollInterval(0))
	require.NoError(t, rep.Start(ctx))
	err := rep.AwaitInitialReplication(ctx)
	require.Error(t, err)
	assert.True(t, syncErrors.IsRetryable(err))

	select {
	case re := <-rep.Errors():
		assert.Equal(t, synckit.DirectionPull, re.Direction)
		assert.True(t, re.Retried)
		assert.Equal(t, fastRetry.MaxAttempts, re.Attempts)
	case <-ctx.Done():
		t.Fatal("no error reported")
	}

	require.Eventually(t, func() bool { return rep.Status().State == synckit.StateLive },
		time.Second, 5*time.Millisecond)
	st := rep.Status()
	assert.True(t, st.PullPaused)
	assert.True(t, st.Errored)

	// ReSync resumes the direction once the endpoint recovers.
	flaky.failures.Store(0)
	rep.ReSync()
	require.NoError(t, rep.AwaitInSync(ctx))
	assert.False(t, rep.Status().PullPaused)
}

// rejectingEndpoint refuses one document id as invalid.
type rejectingEndpoint struct {
	synckit.RemoteEndpoint
	reject string
}

func (e rejectingEndpoint) PushRows(ctx context.Context, rows []synckit.WriteRow) ([]synckit.WriteError, error) {
	var (
		keep []synckit.WriteRow
		errs []synckit.WriteError
	)
	for _, row := range rows {
		if row.Document.ID == e.reject {
			errs = append(errs, synckit.WriteError{DocumentID: row.Document.ID, Status: synckit.StatusInvalid, Row: row, Message: "schema"})
			continue
		}
		keep = append(keep, row)
	}
	more, err := e.RemoteEndpoint.PushRows(ctx, keep)
	return append(errs, more...), err
}

func TestReplication_InvalidRowsAreReportedAndSkipped(t *testing.T) {
	storage := newStorage()
	local := newInstance(t, storage, "client", synckit.ConflictModeImmediate)
	master := newInstance(t, storage, "server", synckit.ConflictModeImmediate)
	put(t, local,
		synckit.WriteRow{Document: synckit.NewDocument("a", map[string]any{})},
		synckit.WriteRow{Document: synckit.NewDocument("bad", map[string]any{})},
		synckit.WriteRow{Document: synckit.NewDocument("c", map[string]any{})})

	endpoint := rejectingEndpoint{RemoteEndpoint: synckit.NewInstanceEndpoint(master), reject: "bad"}
	rep := runOnce(t, local, endpoint, synckit.WithPushOnly())

	requireSame(t, local, master, "a", "c")
	assert.Nil(t, get(t, master, "bad"))

	re, ok := <-rep.Errors()
	require.True(t, ok)
	assert.Equal(t, "bad", re.DocumentID)
	assert.Equal(t, syncErrors.KindInvalid, syncErrors.KindOf(re))
	assert.True(t, rep.Status().Errored)
	assert.Equal(t, uint64(2), rep.Stats().DocumentsPushed)
}

func TestReplication_Lifecycle(t *testing.T) {
	storage := newStorage()
	local := newInstance(t, storage, "client", synckit.ConflictModeImmediate)
	master := newInstance(t, storage, "server", synckit.ConflictModeImmediate)
	ctx := context.Background()

	t.Run("stop before start", func(t *testing.T) {
		rep := newReplication(t, local, synckit.NewInstanceEndpoint(master))
		require.NoError(t, rep.Stop(ctx))
		err := rep.AwaitInitialReplication(ctx)
		assert.Equal(t, syncErrors.KindClosed, syncErrors.KindOf(err))
		assert.Error(t, rep.Start(ctx))
	})

	t.Run("stop is idempotent", func(t *testing.T) {
		rep := newReplication(t, local, synckit.NewInstanceEndpoint(master))
		require.NoError(t, rep.Start(ctx))
		assert.Error(t, rep.Start(ctx), "second start")
		require.NoError(t, rep.AwaitInitialReplication(ctx))

		require.NoError(t, rep.Stop(ctx))
		require.NoError(t, rep.Stop(ctx))
		assert.Equal(t, synckit.StateStopped, rep.Status().State)
		assert.Error(t, rep.Subscribe(func(*synckit.RoundResult) {}))
		assert.Error(t, rep.AwaitInSync(ctx))
	})

	t.Run("invalid construction", func(t *testing.T) {
		_, err := synckit.NewReplication(nil, synckit.NewInstanceEndpoint(master))
		assert.Equal(t, syncErrors.KindInvalid, syncErrors.KindOf(err))
		_, err = synckit.NewReplication(local, synckit.NewInstanceEndpoint(master), synckit.WithBatchSize(0))
		assert.Equal(t, syncErrors.KindInvalid, syncErrors.KindOf(err))
	})
}

func TestReplication_AwaitInSyncAfterFailedInitialSync(t *testing.T) {
	storage := newStorage()
	local := newInstance(t, storage, "client", synckit.ConflictModeImmediate)
	master := newInstance(t, storage, "server", synckit.ConflictModeImmediate)
	put(t, master, synckit.WriteRow{Document: synckit.NewDocument("x", map[string]any{"n": 1})})

	flaky := &flakyEndpoint{RemoteEndpoint: synckit.NewInstanceEndpoint(master)}
	flaky.failures.Store(int32(fastRetry.MaxAttempts))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	rep := newReplication(t, local, flaky, synckit.WithPullOnly(), synckit.WithPollInterval(0))
	require.NoError(t, rep.Start(ctx))
	require.Error(t, rep.AwaitInitialReplication(ctx))

	rep.ReSync()
	require.NoError(t, rep.AwaitInSync(ctx))
	requireSame(t, local, master, "x")
	assert.False(t, rep.Status().PullPaused)

	// The initial sync keeps its own outcome.
	assert.Error(t, rep.AwaitInitialReplication(ctx))
}

// hangingPushEndpoint blocks every push until its context ends.
type hangingPushEndpoint struct {
	synckit.RemoteEndpoint
	entered chan struct{}
	once    sync.Once
}

func (e *hangingPushEndpoint) PushRows(ctx context.Context, rows []synckit.WriteRow) ([]synckit.WriteError, error) {
	e.once.Do(func() { close(e.entered) })
	<-ctx.Done()
	return nil, ctx.Err()
}

func TestReplication_PullProgressesWhilePushHangs(t *testing.T) {
	storage := newStorage()
	local := newInstance(t, storage, "client", synckit.ConflictModeImmediate)
	master := newInstance(t, storage, "server", synckit.ConflictModeImmediate)

	remote := &hangingPushEndpoint{RemoteEndpoint: synckit.NewInstanceEndpoint(master), entered: make(chan struct{})}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	rep := newReplication(t, local, remote,
		synckit.WithPollInterval(20*time.Millisecond),
		synckit.WithTimeout(2*time.Second))
	require.NoError(t, rep.Start(ctx))
	require.NoError(t, rep.AwaitInitialReplication(ctx))

	put(t, local, synckit.WriteRow{Document: synckit.NewDocument("mine", map[string]any{})})
	select {
	case <-remote.entered:
	case <-ctx.Done():
		t.Fatal("push never started")
	}

	put(t, master, synckit.WriteRow{Document: synckit.NewDocument("theirs", map[string]any{})})
	require.Eventually(t, func() bool { return get(t, local, "theirs") != nil },
		time.Second, 5*time.Millisecond, "pull waited for the hanging push")
	assert.Nil(t, get(t, master, "mine"))
}

// blockingInstance holds the first replication write until release is
// closed.
type blockingInstance struct {
	synckit.StorageInstance
	entered chan struct{}
	release chan struct{}
	once    sync.Once
}

func (b *blockingInstance) BulkWrite(ctx context.Context, rows []synckit.WriteRow, writeContext string) (synckit.BulkWriteResponse, error) {
	if writeContext != "app" {
		b.once.Do(func() {
			close(b.entered)
			<-b.release
		})
	}
	return b.StorageInstance.BulkWrite(ctx, rows, writeContext)
}

func TestReplication_StopDuringPullMergeKeepsPageWhole(t *testing.T) {
	storage := newStorage()
	master := newInstance(t, storage, "server", synckit.ConflictModeImmediate)
	ids := []string{"a", "b", "c", "d"}
	for _, id := range ids {
		put(t, master, synckit.WriteRow{Document: synckit.NewDocument(id, map[string]any{})})
	}
	local := &blockingInstance{
		StorageInstance: newInstance(t, storage, "client", synckit.ConflictModeImmediate),
		entered:         make(chan struct{}),
		release:         make(chan struct{}),
	}

	checkpoints := synckit.NewMemoryCheckpointStore()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	rep := newReplication(t, local, synckit.NewInstanceEndpoint(master),
		synckit.WithPullOnly(),
		synckit.WithPollInterval(0),
		synckit.WithBatchSize(10),
		synckit.WithReplicationID("stop-mid-merge"),
		synckit.WithCheckpointStore(checkpoints))
	require.NoError(t, rep.Start(ctx))

	select {
	case <-local.entered:
	case <-ctx.Done():
		t.Fatal("merge never started")
	}

	stopped := make(chan error, 1)
	go func() { stopped <- rep.Stop(ctx) }()
	select {
	case err := <-stopped:
		t.Fatalf("Stop returned while a page was being merged: %v", err)
	case <-time.After(50 * time.Millisecond):
	}
	close(local.release)
	require.NoError(t, <-stopped)

	for _, id := range ids {
		assert.NotNil(t, get(t, local, id), id)
	}
	want, err := master.ChangesSince(context.Background(), nil, 10)
	require.NoError(t, err)
	got, err := checkpoints.LoadCheckpoint(context.Background(), "stop-mid-merge", synckit.DirectionPull)
	require.NoError(t, err)
	c, err := cursor.Compare(got, want.Checkpoint)
	require.NoError(t, err)
	assert.Zero(t, c, "checkpoint must cover exactly the merged page")
}
