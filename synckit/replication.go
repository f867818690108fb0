package synckit

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/google/uuid"

	"github.com/c0deZ3R0/docsync/cursor"
	syncErrors "github.com/c0deZ3R0/docsync/errors"
	"github.com/c0deZ3R0/docsync/logging"
)

// State is the lifecycle state of a Replication.
type State int

const (
	StateCreated State = iota
	StateInitialSync
	StateLive
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateInitialSync:
		return "initial-sync"
	case StateLive:
		return "live"
	case StateStopped:
		return "stopped"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// Status is a point-in-time view of a replication. Errored is set while a
// direction is paused or when its last drain reported errors.
type Status struct {
	State      State
	Errored    bool
	PushPaused bool
	PullPaused bool
}

// ReplicationError is one entry of the error stream.
type ReplicationError struct {
	Direction  Direction
	DocumentID string
	Cause      error
	Retried    bool
	Attempts   int
	Time       time.Time
}

func (e *ReplicationError) Error() string {
	if e.DocumentID != "" {
		return fmt.Sprintf("%s %s: %v", e.Direction, e.DocumentID, e.Cause)
	}
	return fmt.Sprintf("%s: %v", e.Direction, e.Cause)
}

func (e *ReplicationError) Unwrap() error { return e.Cause }

// RoundResult describes one push or pull round.
type RoundResult struct {
	Direction  Direction
	StartTime  time.Time
	Duration   time.Duration
	Documents  int
	Conflicts  int
	Skipped    int
	Checkpoint cursor.Cursor
	Err        error

	more bool
}

// Stats are cumulative counters.
type Stats struct {
	DocumentsPushed uint64
	DocumentsPulled uint64
	Conflicts       uint64
	Errors          uint64
}

var errStopped = syncErrors.E(syncErrors.OpReplicate, syncErrors.KindClosed, "replication stopped")

// Replication keeps a local storage instance and a remote endpoint in sync.
type Replication struct {
	id          string
	opts        replicationOptions
	local       StorageInstance
	remote      RemoteEndpoint
	logger      *slog.Logger
	checkpoints CheckpointStore
	retry       *retryer

	push *pushEngine
	pull *pullEngine

	// metaMu serializes the checkpoint and assumed-master work of both
	// directions. Remote calls run outside it. While a pull fetch is in
	// flight, pushFence collects the documents pushes recorded meanwhile;
	// a pulled page touching one of them may predate the push and is
	// fetched again.
	metaMu    sync.Mutex
	pushFence mapset.Set[string]

	mu          sync.RWMutex
	state       State
	paused      map[Direction]bool
	dirty       map[Direction]bool
	notified    bool
	lastKnown   cursor.Cursor
	initialErr  error
	subscribers []func(*RoundResult)
	subs        []Subscription
	cancel      context.CancelFunc

	initialDone chan struct{}
	initialOnce sync.Once
	stopped     chan struct{}
	stopOnce    sync.Once
	wg          sync.WaitGroup

	pushSignal *loopSignal
	pullSignal *loopSignal

	errs   *Feed[*ReplicationError]
	errSub *FeedSubscription[*ReplicationError]

	reports   map[Direction]*atomic.Uint64
	pushed    atomic.Uint64
	pulled    atomic.Uint64
	conflicts atomic.Uint64
	errCount  atomic.Uint64
}

// NewReplication creates a replication between local and remote. It does
// nothing until Start.
func NewReplication(local StorageInstance, remote RemoteEndpoint, opts ...ReplicationOption) (*Replication, error) {
	if local == nil || remote == nil {
		return nil, syncErrors.E(syncErrors.OpReplicate, syncErrors.Component("replication"), syncErrors.KindInvalid,
			errors.New("local instance and remote endpoint are required"))
	}
	o := defaultReplicationOptions()
	for _, opt := range opts {
		if err := opt(&o); err != nil {
			return nil, syncErrors.E(syncErrors.OpReplicate, syncErrors.Component("replication"), syncErrors.KindInvalid, err)
		}
	}

	logger := logging.For(o.logger, logging.Component("replication"))
	if o.id == "" {
		o.id = uuid.NewString()
		logger.Warn("No replication id configured, checkpoints will not be found again after a restart", "replication_id", o.id)
	}
	logger = logger.With("replication_id", o.id)
	if o.checkpoints == nil {
		o.checkpoints = NewMemoryCheckpointStore()
	}

	r := &Replication{
		id:          o.id,
		opts:        o,
		local:       local,
		remote:      remote,
		logger:      logger,
		checkpoints: o.checkpoints,
		retry:       &retryer{config: o.retry, timeout: o.timeout, logger: logger},
		paused:      make(map[Direction]bool),
		dirty:       make(map[Direction]bool),
		initialDone: make(chan struct{}),
		stopped:     make(chan struct{}),
		pushSignal:  newLoopSignal(),
		pullSignal:  newLoopSignal(),
		errs: NewFeed[*ReplicationError](FeedConfig{
			Name:   "replication-errors",
			Buffer: o.errorBuffer,
			Policy: PolicyDrop,
			Logger: o.logger,
		}),
		reports: map[Direction]*atomic.Uint64{
			DirectionPush: new(atomic.Uint64),
			DirectionPull: new(atomic.Uint64),
		},
	}
	r.errSub = r.errs.Subscribe()
	r.push = &pushEngine{r: r, resubmit: make(map[string]WriteRow)}
	r.pull = &pullEngine{r: r}
	return r, nil
}

// ID returns the replication identifier.
func (r *Replication) ID() string { return r.id }

// Start begins the initial sync and, for live replications, keeps both
// directions running until Stop or until ctx ends.
func (r *Replication) Start(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	r.mu.Lock()
	switch r.state {
	case StateCreated:
	case StateStopped:
		r.mu.Unlock()
		return errStopped
	default:
		r.mu.Unlock()
		return syncErrors.E(syncErrors.OpReplicate, syncErrors.KindInvalid, "replication already started")
	}
	r.state = StateInitialSync
	runCtx, cancel := context.WithCancel(ctx)
	r.cancel = cancel
	r.mu.Unlock()

	r.logger.Info("Starting replication",
		"live", r.opts.live,
		"push", r.opts.push,
		"pull", r.opts.pull,
		"push_batch_size", r.opts.pushBatchSize,
		"pull_batch_size", r.opts.pullBatchSize)

	if r.opts.push {
		sub := r.local.ChangeFeed().Subscribe()
		r.addSub(sub)
		r.wg.Add(1)
		go r.watchLocal(runCtx, sub)
	}
	if r.opts.pull && r.opts.live {
		if s, ok := r.remote.(Subscriber); ok {
			sub, err := s.Subscribe(runCtx, r.onRemoteNotification)
			if err != nil {
				r.logger.Warn("Remote notifications unavailable, falling back to polling", "error", err)
			} else {
				r.addSub(sub)
				r.mu.Lock()
				r.notified = true
				r.mu.Unlock()
			}
		}
	}

	r.wg.Add(1)
	go r.run(runCtx)
	return nil
}

func (r *Replication) addSub(s Subscription) {
	r.mu.Lock()
	r.subs = append(r.subs, s)
	r.mu.Unlock()
}

func (r *Replication) run(ctx context.Context) {
	defer r.wg.Done()

	err := r.initialSync(ctx)
	if ctx.Err() != nil {
		err = errStopped
	}
	r.finishInitial(err)
	if ctx.Err() != nil {
		return
	}
	if err != nil {
		r.logger.Warn("Initial replication finished with errors", "error", err)
	} else {
		r.logger.Info("Initial replication complete")
	}

	if !r.opts.live {
		go r.Stop(context.Background())
		return
	}

	r.setState(StateLive)
	if r.opts.push {
		r.wg.Add(1)
		go r.pushLoop(ctx)
	}
	if r.opts.pull {
		r.wg.Add(1)
		go r.pullLoop(ctx)
	}
}

func (r *Replication) initialSync(ctx context.Context) error {
	var (
		wg               sync.WaitGroup
		pullErr, pushErr error
	)
	if r.opts.pull {
		wg.Add(1)
		go func() {
			defer wg.Done()
			pullErr = r.drain(ctx, DirectionPull)
		}()
	}
	if r.opts.push {
		wg.Add(1)
		go func() {
			defer wg.Done()
			pushErr = r.drain(ctx, DirectionPush)
		}()
	}
	wg.Wait()
	return errors.Join(pullErr, pushErr)
}

func (r *Replication) finishInitial(err error) {
	r.initialOnce.Do(func() {
		r.mu.Lock()
		r.initialErr = err
		r.mu.Unlock()
		close(r.initialDone)
	})
}

func (r *Replication) setState(s State) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state != StateStopped {
		r.state = s
	}
}

func (r *Replication) signal(dir Direction) *loopSignal {
	if dir == DirectionPush {
		return r.pushSignal
	}
	return r.pullSignal
}

// drain runs one direction until it has no more work and records the
// outcome for waiters.
func (r *Replication) drain(ctx context.Context, dir Direction) error {
	sig := r.signal(dir)
	ticket := sig.begin()
	before := r.reports[dir].Load()

	var err error
	if dir == DirectionPush {
		err = r.push.drain(ctx)
	} else {
		err = r.pull.drain(ctx)
	}

	if ctx.Err() == nil {
		reported := r.reports[dir].Load() != before
		r.mu.Lock()
		r.paused[dir] = err != nil
		r.dirty[dir] = err != nil || reported
		r.mu.Unlock()
		if err != nil {
			r.logger.Warn("Direction paused until the next trigger", "direction", dir, "error", err)
		}
	}
	sig.done(ticket, err)
	return err
}

func (r *Replication) pushLoop(ctx context.Context) {
	defer r.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case <-r.pushSignal.trigger:
		}
		if r.opts.debounce > 0 {
			timer := time.NewTimer(r.opts.debounce)
			select {
			case <-ctx.Done():
				timer.Stop()
				return
			case <-timer.C:
			}
		}
		_ = r.drain(ctx, DirectionPush)
	}
}

func (r *Replication) pullLoop(ctx context.Context) {
	defer r.wg.Done()

	r.mu.RLock()
	notified := r.notified
	r.mu.RUnlock()

	var tick <-chan time.Time
	if !notified && r.opts.pollInterval > 0 {
		ticker := time.NewTicker(r.opts.pollInterval)
		defer ticker.Stop()
		tick = ticker.C
	}
	for {
		select {
		case <-ctx.Done():
			return
		case <-r.pullSignal.trigger:
		case <-tick:
		}
		_ = r.drain(ctx, DirectionPull)
	}
}

// watchLocal turns local change batches into push requests, ignoring the
// replication's own writes.
func (r *Replication) watchLocal(ctx context.Context, sub *FeedSubscription[ChangeEventBatch]) {
	defer r.wg.Done()
	own := map[string]bool{pullWriteContext(r.id): true, pushWriteContext(r.id): true}
	for {
		select {
		case <-ctx.Done():
			return
		case batch, ok := <-sub.C():
			if !ok {
				return
			}
			if own[batch.Context] {
				continue
			}
			r.pushSignal.request()
		}
	}
}

func (r *Replication) onRemoteNotification(n RemoteNotification) {
	if n.Checkpoint != nil {
		r.observeRemote(n.Checkpoint)
	}
	r.pullSignal.request()
}

// observeRemote raises the last known remote position.
func (r *Replication) observeRemote(cp cursor.Cursor) {
	if cp == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if c, err := cursor.Compare(cp, r.lastKnown); err == nil && c > 0 {
		r.lastKnown = cp
	}
}

// fencePushed adds docs to the fence of an in-flight pull fetch. Callers
// hold metaMu.
func (r *Replication) fencePushed(docs []DocumentState) {
	if r.pushFence == nil {
		return
	}
	for _, d := range docs {
		r.pushFence.Add(d.ID)
	}
}

// report publishes an error record. It never blocks.
func (r *Replication) report(e *ReplicationError) {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	r.errCount.Add(1)
	r.reports[e.Direction].Add(1)
	r.opts.metrics.RecordErrors(e.Direction, syncErrors.KindOf(e.Cause).String())
	r.logger.Warn("Replication error",
		"direction", e.Direction,
		"document_id", e.DocumentID,
		"retried", e.Retried,
		"error", e.Cause)
	r.errs.Publish(context.Background(), e)
}

// finishRound records metrics and notifies round subscribers.
func (r *Replication) finishRound(res *RoundResult, err error) {
	if res == nil {
		return
	}
	res.Duration = time.Since(res.StartTime)
	res.Err = err
	r.opts.metrics.RecordRoundDuration(res.Direction, res.Duration)
	r.opts.metrics.RecordDocuments(res.Direction, res.Documents)
	if res.Conflicts > 0 {
		r.opts.metrics.RecordConflicts(res.Direction, res.Conflicts)
		r.conflicts.Add(uint64(res.Conflicts))
	}
	if res.Direction == DirectionPush {
		r.pushed.Add(uint64(res.Documents))
	} else {
		r.pulled.Add(uint64(res.Documents))
	}
	r.logger.Debug("Round finished",
		"direction", res.Direction,
		"documents", res.Documents,
		"conflicts", res.Conflicts,
		"skipped", res.Skipped,
		"duration", res.Duration)
	r.notifySubscribers(res)
}

// Subscribe registers fn for every finished round.
func (r *Replication) Subscribe(fn func(*RoundResult)) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state == StateStopped {
		return errStopped
	}
	r.subscribers = append(r.subscribers, fn)
	return nil
}

func (r *Replication) notifySubscribers(result *RoundResult) {
	r.mu.RLock()
	subscribers := make([]func(*RoundResult), len(r.subscribers))
	copy(subscribers, r.subscribers)
	r.mu.RUnlock()

	for _, handler := range subscribers {
		go func(h func(*RoundResult)) {
			defer func() {
				if rec := recover(); rec != nil {
					r.logger.Error("Subscriber panic recovered",
						"panic", rec,
						"direction", result.Direction)
				}
			}()
			h(result)
		}(handler)
	}
}

// Errors returns the error stream. It is closed by Stop.
func (r *Replication) Errors() <-chan *ReplicationError { return r.errSub.C() }

// SubscribeErrors returns an additional error stream subscription.
func (r *Replication) SubscribeErrors() *FeedSubscription[*ReplicationError] {
	return r.errs.Subscribe()
}

// Status returns the current state and error flags.
func (r *Replication) Status() Status {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return Status{
		State:      r.state,
		Errored:    r.dirty[DirectionPush] || r.dirty[DirectionPull],
		PushPaused: r.paused[DirectionPush],
		PullPaused: r.paused[DirectionPull],
	}
}

// Stats returns cumulative counters.
func (r *Replication) Stats() Stats {
	return Stats{
		DocumentsPushed: r.pushed.Load(),
		DocumentsPulled: r.pulled.Load(),
		Conflicts:       r.conflicts.Load(),
		Errors:          r.errCount.Load(),
	}
}

// AwaitInitialReplication blocks until the initial pull has caught up and
// every local change present at start has been pushed. It returns the error
// that ended the initial sync, if any.
func (r *Replication) AwaitInitialReplication(ctx context.Context) error {
	select {
	case <-r.initialDone:
		r.mu.RLock()
		defer r.mu.RUnlock()
		return r.initialErr
	case <-ctx.Done():
		return ctx.Err()
	}
}

// AwaitInSync blocks until, at one point in time, no local write is waiting
// to be pushed and the pull checkpoint has reached the last known remote
// position. Errors of earlier rounds, including those of the initial sync,
// do not matter once the directions have caught up again.
func (r *Replication) AwaitInSync(ctx context.Context) error {
	select {
	case <-r.initialDone:
	case <-ctx.Done():
		return ctx.Err()
	}
	for {
		if r.Status().State == StateStopped {
			if r.opts.live {
				return errStopped
			}
			return nil
		}

		var pushTicket, pullTicket uint64
		if r.opts.push {
			pushTicket = r.pushSignal.request()
		}
		if r.opts.pull {
			pullTicket = r.pullSignal.request()
		}
		if err := r.awaitTickets(ctx, pushTicket, pullTicket); err != nil {
			if errors.Is(err, errStopped) && !r.opts.live {
				// A one-shot replication that finished its initial sync
				// has nothing left to wait for.
				return nil
			}
			return err
		}

		ok, err := r.inSync(ctx)
		if err != nil {
			return err
		}
		if ok {
			return nil
		}
	}
}

func (r *Replication) awaitTickets(ctx context.Context, push, pull uint64) error {
	if r.opts.push {
		if err := r.pushSignal.wait(ctx, push, r.stopped); err != nil {
			return err
		}
	}
	if r.opts.pull {
		if err := r.pullSignal.wait(ctx, pull, r.stopped); err != nil {
			return err
		}
	}
	return nil
}

func (r *Replication) inSync(ctx context.Context) (bool, error) {
	if r.opts.push {
		pending, err := r.push.hasPending(ctx)
		if err != nil || pending {
			return false, err
		}
	}
	if r.opts.pull {
		cp, err := r.checkpoints.LoadCheckpoint(ctx, r.id, DirectionPull)
		if err != nil {
			return false, err
		}
		r.mu.RLock()
		known := r.lastKnown
		r.mu.RUnlock()
		if c, err := cursor.Compare(cp, known); err != nil || c < 0 {
			return false, err
		}
	}
	return true, nil
}

// ReSync asks both directions to run now, resuming a paused direction.
func (r *Replication) ReSync() {
	if r.opts.pull {
		r.pullSignal.request()
	}
	if r.opts.push {
		r.pushSignal.request()
	}
}

// Stop ends the replication and waits for in-flight rounds. A pull page
// that is being merged is finished first. Stop is idempotent.
func (r *Replication) Stop(ctx context.Context) error {
	r.stopOnce.Do(func() {
		r.mu.Lock()
		r.state = StateStopped
		cancel := r.cancel
		r.mu.Unlock()
		if cancel != nil {
			cancel()
		}
		close(r.stopped)
		r.logger.Info("Stopping replication")
	})

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}

	r.finishInitial(errStopped)
	r.mu.Lock()
	subs := r.subs
	r.subs = nil
	r.mu.Unlock()
	for _, s := range subs {
		if err := s.Close(); err != nil {
			r.logger.Debug("Closing subscription failed", "error", err)
		}
	}
	r.errs.Close()
	return nil
}
