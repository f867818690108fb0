// Package storagetest holds the behaviour every storage backend must show.
// Backends call Run from their own tests with a factory for fresh
// instances.
package storagetest

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c0deZ3R0/docsync/cursor"
	syncErrors "github.com/c0deZ3R0/docsync/errors"
	"github.com/c0deZ3R0/docsync/synckit"
)

// Factory opens a new, empty instance for one subtest. Instances opened
// for the same name must share data.
type Factory func(t *testing.T, name string, mode synckit.ConflictMode) synckit.StorageInstance

// Run runs the contract suite.
func Run(t *testing.T, open Factory) {
	t.Run("InsertAndFind", func(t *testing.T) { testInsertAndFind(t, open) })
	t.Run("CompareAndSwap", func(t *testing.T) { testCompareAndSwap(t, open) })
	t.Run("IdempotentResend", func(t *testing.T) { testIdempotentResend(t, open) })
	t.Run("RowIsolation", func(t *testing.T) { testRowIsolation(t, open) })
	t.Run("Tombstones", func(t *testing.T) { testTombstones(t, open) })
	t.Run("ChangesSince", func(t *testing.T) { testChangesSince(t, open) })
	t.Run("ChangeFeed", func(t *testing.T) { testChangeFeed(t, open) })
	t.Run("Query", func(t *testing.T) { testQuery(t, open) })
	t.Run("ConflictTasks", func(t *testing.T) { testConflictTasks(t, open) })
	t.Run("MalformedTaskResolution", func(t *testing.T) { testMalformedTaskResolution(t, open) })
	t.Run("UnknownTask", func(t *testing.T) { testUnknownTask(t, open) })
	t.Run("Cleanup", func(t *testing.T) { testCleanup(t, open) })
	t.Run("Closed", func(t *testing.T) { testClosed(t, open) })
}

func uniqueName(t *testing.T) string {
	return fmt.Sprintf("c%d", time.Now().UnixNano())
}

func write(t *testing.T, inst synckit.StorageInstance, rows ...synckit.WriteRow) synckit.BulkWriteResponse {
	t.Helper()
	resp, err := inst.BulkWrite(context.Background(), rows, "test")
	require.NoError(t, err)
	return resp
}

func find(t *testing.T, inst synckit.StorageInstance, id string) *synckit.DocumentState {
	t.Helper()
	docs, err := inst.FindByID(context.Background(), []string{id}, true)
	require.NoError(t, err)
	if len(docs) == 0 {
		return nil
	}
	return &docs[0]
}

func testInsertAndFind(t *testing.T, open Factory) {
	inst := open(t, uniqueName(t), synckit.ConflictModeImmediate)
	doc := synckit.NewDocument("a", map[string]any{"name": "alice", "age": float64(30)})

	resp := write(t, inst, synckit.WriteRow{Document: doc})
	require.Empty(t, resp.Errors)
	require.Len(t, resp.Success, 1)

	got := find(t, inst, "a")
	require.NotNil(t, got)
	assert.Equal(t, doc.Rev, got.Rev)
	assert.Equal(t, "alice", got.Data["name"])
	assert.True(t, synckit.SameDocument(doc, *got))

	missing, err := inst.FindByID(context.Background(), []string{"nope"}, true)
	require.NoError(t, err)
	assert.Empty(t, missing)
}

func testCompareAndSwap(t *testing.T, open Factory) {
	inst := open(t, uniqueName(t), synckit.ConflictModeImmediate)
	v1 := synckit.NewDocument("a", map[string]any{"n": float64(1)})
	write(t, inst, synckit.WriteRow{Document: v1})

	v2 := synckit.Update(v1, map[string]any{"n": float64(2)})
	resp := write(t, inst, synckit.WriteRow{Document: v2, Previous: v1.Ptr()})
	require.Empty(t, resp.Errors)

	// Writing against the stale v1 must conflict and carry v2.
	stale := synckit.Update(v1, map[string]any{"n": float64(3)})
	resp = write(t, inst, synckit.WriteRow{Document: stale, Previous: v1.Ptr()})
	require.Len(t, resp.Errors, 1)
	we := resp.Errors[0]
	assert.Equal(t, synckit.StatusConflict, we.Status)
	require.NotNil(t, we.RealMaster)
	assert.Equal(t, v2.Rev, we.RealMaster.Rev)

	// An insert over a live document conflicts too.
	resp = write(t, inst, synckit.WriteRow{Document: synckit.NewDocument("a", map[string]any{"n": float64(9)})})
	require.Len(t, resp.Errors, 1)
	assert.True(t, resp.Errors[0].IsConflict())

	assert.Equal(t, v2.Rev, find(t, inst, "a").Rev)
}

func testIdempotentResend(t *testing.T, open Factory) {
	inst := open(t, uniqueName(t), synckit.ConflictModeImmediate)
	v1 := synckit.NewDocument("a", map[string]any{"n": float64(1)})
	row := synckit.WriteRow{Document: v1}
	write(t, inst, row)

	page, err := inst.ChangesSince(context.Background(), nil, 10)
	require.NoError(t, err)

	resp := write(t, inst, row)
	assert.Empty(t, resp.Errors)

	after, err := inst.ChangesSince(context.Background(), page.Checkpoint, 10)
	require.NoError(t, err)
	assert.Empty(t, after.Documents, "resending the same revision must not create a change")
}

func testRowIsolation(t *testing.T, open Factory) {
	inst := open(t, uniqueName(t), synckit.ConflictModeImmediate)
	b := synckit.NewDocument("b", map[string]any{"v": "master"})
	write(t, inst, synckit.WriteRow{Document: b})

	rows := []synckit.WriteRow{
		{Document: synckit.NewDocument("a", map[string]any{"v": "1"})},
		{Document: synckit.NewDocument("b", map[string]any{"v": "2"})},
		{Document: synckit.DocumentState{Data: map[string]any{"v": "no id"}}},
		{Document: synckit.NewDocument("c", map[string]any{"v": "3"})},
	}
	resp := write(t, inst, rows...)
	require.Len(t, resp.Errors, 2)

	statuses := map[string]int{}
	for _, we := range resp.Errors {
		statuses[we.DocumentID] = we.Status
	}
	assert.Equal(t, synckit.StatusConflict, statuses["b"])
	assert.Equal(t, synckit.StatusInvalid, statuses[""])
	assert.NotNil(t, find(t, inst, "a"))
	assert.NotNil(t, find(t, inst, "c"))
	assert.Equal(t, "master", find(t, inst, "b").Data["v"])
}

func testTombstones(t *testing.T, open Factory) {
	inst := open(t, uniqueName(t), synckit.ConflictModeImmediate)
	v1 := synckit.NewDocument("a", map[string]any{"n": float64(1)})
	write(t, inst, synckit.WriteRow{Document: v1})
	del := synckit.MarkDeleted(v1)
	require.Empty(t, write(t, inst, synckit.WriteRow{Document: del, Previous: v1.Ptr()}).Errors)

	live, err := inst.FindByID(context.Background(), []string{"a"}, false)
	require.NoError(t, err)
	assert.Empty(t, live)

	got := find(t, inst, "a")
	require.NotNil(t, got)
	assert.True(t, got.Deleted)

	page, err := inst.ChangesSince(context.Background(), nil, 10)
	require.NoError(t, err)
	require.Len(t, page.Documents, 1)
	assert.True(t, page.Documents[0].Deleted)

	// Re-inserting over a tombstone is allowed.
	again := synckit.NewDocument("a", map[string]any{"n": float64(2)})
	assert.Empty(t, write(t, inst, synckit.WriteRow{Document: again}).Errors)
}

func testChangesSince(t *testing.T, open Factory) {
	inst := open(t, uniqueName(t), synckit.ConflictModeImmediate)
	ctx := context.Background()
	for i := 0; i < 12; i++ {
		write(t, inst, synckit.WriteRow{Document: synckit.NewDocument(fmt.Sprintf("d%02d", i), map[string]any{"i": float64(i)})})
	}

	var (
		cp    cursor.Cursor
		sizes []int
		seen  []string
	)
	for {
		page, err := inst.ChangesSince(ctx, cp, 5)
		require.NoError(t, err)
		if len(page.Documents) == 0 {
			break
		}
		sizes = append(sizes, len(page.Documents))
		for _, d := range page.Documents {
			seen = append(seen, d.ID)
		}
		c, err := cursor.Compare(page.Checkpoint, cp)
		require.NoError(t, err)
		require.Positive(t, c, "page checkpoints must move forward")
		cp = page.Checkpoint
	}
	assert.Equal(t, []int{5, 5, 2}, sizes)
	require.Len(t, seen, 12)
	assert.Equal(t, "d00", seen[0])
	assert.Equal(t, "d11", seen[11])

	// An updated document moves to the end and appears once.
	d0 := find(t, inst, "d00")
	write(t, inst, synckit.WriteRow{Document: synckit.Update(*d0, map[string]any{"i": float64(100)}), Previous: d0})
	page, err := inst.ChangesSince(ctx, cp, 5)
	require.NoError(t, err)
	require.Len(t, page.Documents, 1)
	assert.Equal(t, "d00", page.Documents[0].ID)
}

func testChangeFeed(t *testing.T, open Factory) {
	inst := open(t, uniqueName(t), synckit.ConflictModeImmediate)
	sub := inst.ChangeFeed().Subscribe()
	defer sub.Close()

	v1 := synckit.NewDocument("a", map[string]any{"n": float64(1)})
	_, err := inst.BulkWrite(context.Background(), []synckit.WriteRow{{Document: v1}}, "app")
	require.NoError(t, err)

	select {
	case batch := <-sub.C():
		assert.Equal(t, "app", batch.Context)
		require.Len(t, batch.Events, 1)
		assert.Equal(t, synckit.OperationInsert, batch.Events[0].Operation)
		assert.Equal(t, "a", batch.Events[0].DocumentID)
		assert.NotNil(t, batch.Checkpoint)
		assert.NotEmpty(t, batch.ID)
	case <-time.After(5 * time.Second):
		t.Fatal("no change batch received")
	}

	// A write that stores nothing publishes nothing.
	_, err = inst.BulkWrite(context.Background(), []synckit.WriteRow{{Document: v1}}, "app")
	require.NoError(t, err)
	select {
	case batch := <-sub.C():
		t.Fatalf("unexpected batch %+v", batch)
	case <-time.After(100 * time.Millisecond):
	}
}

func testQuery(t *testing.T, open Factory) {
	inst := open(t, uniqueName(t), synckit.ConflictModeImmediate)
	write(t, inst,
		synckit.WriteRow{Document: synckit.NewDocument("a", map[string]any{"team": "x", "score": float64(3)})},
		synckit.WriteRow{Document: synckit.NewDocument("b", map[string]any{"team": "y", "score": float64(1)})},
		synckit.WriteRow{Document: synckit.NewDocument("c", map[string]any{"team": "x", "score": float64(2)})},
	)

	docs, err := inst.Query(context.Background(), synckit.PreparedQuery{
		Selector:  map[string]any{"team": "x"},
		SortField: "score",
	})
	require.NoError(t, err)
	require.Len(t, docs, 2)
	assert.Equal(t, "c", docs[0].ID)
	assert.Equal(t, "a", docs[1].ID)
}

func testConflictTasks(t *testing.T, open Factory) {
	inst := open(t, uniqueName(t), synckit.ConflictModeTasks)
	ctx := context.Background()
	v1 := synckit.NewDocument("a", map[string]any{"n": float64(1)})
	write(t, inst, synckit.WriteRow{Document: v1})
	v2 := synckit.Update(v1, map[string]any{"n": float64(2)})
	write(t, inst, synckit.WriteRow{Document: v2, Previous: v1.Ptr()})

	sub := inst.ConflictTasks().Subscribe()
	defer sub.Close()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		task := <-sub.C()
		assert.Equal(t, "a", task.Input.RealMasterState.ID)
		assert.Equal(t, v2.Rev, task.Input.RealMasterState.Rev)
		merged := task.Input.RealMasterState.Clone()
		merged.Data["n"] = float64(5)
		assert.NoError(t, inst.ResolveConflictTask(ctx, synckit.ConflictResolution{
			TaskID: task.ID,
			Output: synckit.ConflictOutput{Resolved: &merged},
		}))
	}()

	stale := synckit.Update(v1, map[string]any{"n": float64(3)})
	resp, err := inst.BulkWrite(ctx, []synckit.WriteRow{{Document: stale, Previous: v1.Ptr()}}, "remote")
	require.NoError(t, err)
	wg.Wait()

	require.Len(t, resp.Errors, 1)
	we := resp.Errors[0]
	require.True(t, we.IsConflict())
	assert.Equal(t, float64(5), we.RealMaster.Data["n"])

	got := find(t, inst, "a")
	assert.Equal(t, we.RealMaster.Rev, got.Rev)
	assert.Equal(t, 3, got.Height())
}

func testMalformedTaskResolution(t *testing.T, open Factory) {
	inst := open(t, uniqueName(t), synckit.ConflictModeTasks)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	v1 := synckit.NewDocument("b", map[string]any{"n": float64(1)})
	write(t, inst, synckit.WriteRow{Document: v1})
	v2 := synckit.Update(v1, map[string]any{"n": float64(2)})
	write(t, inst, synckit.WriteRow{Document: v2, Previous: v1.Ptr()})

	// Every task is answered with neither isEqual nor a resolved state.
	sub := inst.ConflictTasks().Subscribe()
	defer sub.Close()
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case task, ok := <-sub.C():
				if !ok {
					return
				}
				_ = inst.ResolveConflictTask(ctx, synckit.ConflictResolution{TaskID: task.ID})
			}
		}
	}()

	a := synckit.NewDocument("a", map[string]any{})
	stale := synckit.Update(v1, map[string]any{"n": float64(3)})
	resp, err := inst.BulkWrite(ctx, []synckit.WriteRow{
		{Document: a},
		{Document: stale, Previous: v1.Ptr()},
	}, "remote")
	require.NoError(t, err)

	require.Len(t, resp.Success, 1)
	assert.Equal(t, "a", resp.Success[0].ID)
	require.Len(t, resp.Errors, 1)
	assert.True(t, resp.Errors[0].IsConflict())
	assert.Equal(t, v2.Rev, resp.Errors[0].RealMaster.Rev)

	got := find(t, inst, "a")
	require.NotNil(t, got)
	assert.Equal(t, a.Rev, got.Rev)
	assert.Equal(t, v2.Rev, find(t, inst, "b").Rev)
}

func testUnknownTask(t *testing.T, open Factory) {
	inst := open(t, uniqueName(t), synckit.ConflictModeTasks)
	err := inst.ResolveConflictTask(context.Background(), synckit.ConflictResolution{TaskID: "missing"})
	require.Error(t, err)
	assert.ErrorIs(t, err, syncErrors.ErrUnknownTask)
	assert.True(t, syncErrors.IsFatal(err))
}

func testCleanup(t *testing.T, open Factory) {
	inst := open(t, uniqueName(t), synckit.ConflictModeImmediate)
	v1 := synckit.NewDocument("a", map[string]any{"n": float64(1)})
	live := synckit.NewDocument("b", map[string]any{"n": float64(1)})
	write(t, inst, synckit.WriteRow{Document: v1}, synckit.WriteRow{Document: live})
	write(t, inst, synckit.WriteRow{Document: synckit.MarkDeleted(v1), Previous: v1.Ptr()})

	done, err := inst.Cleanup(context.Background(), time.Hour)
	require.NoError(t, err)
	assert.True(t, done)
	assert.NotNil(t, find(t, inst, "a"), "young tombstones are kept")

	done, err = inst.Cleanup(context.Background(), 0)
	require.NoError(t, err)
	assert.True(t, done)
	assert.Nil(t, find(t, inst, "a"))
	assert.NotNil(t, find(t, inst, "b"))
}

func testClosed(t *testing.T, open Factory) {
	inst := open(t, uniqueName(t), synckit.ConflictModeImmediate)
	require.NoError(t, inst.Close())
	require.NoError(t, inst.Close())

	_, err := inst.FindByID(context.Background(), []string{"a"}, true)
	require.Error(t, err)
	assert.ErrorIs(t, err, syncErrors.ErrClosed)
}
