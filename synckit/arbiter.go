package synckit

import (
	"context"
	"log/slog"
	"sync"

	syncErrors "github.com/c0deZ3R0/docsync/errors"
	"github.com/c0deZ3R0/docsync/logging"
)

// Arbiter answers the conflict tasks of a storage instance with a conflict
// handler. It is what a server runs so that conflicting pushes are decided
// on the master side.
type Arbiter struct {
	instance StorageInstance
	handler  ConflictHandler
	logger   *slog.Logger
	onError  func(ConflictTask, error)

	mu     sync.Mutex
	sub    *FeedSubscription[ConflictTask]
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// ArbiterOption configures an Arbiter.
type ArbiterOption func(*Arbiter)

func WithArbiterLogger(l *slog.Logger) ArbiterOption {
	return func(a *Arbiter) { a.logger = logging.For(l, logging.Component("arbiter")) }
}

// WithArbiterErrorHandler is called when a task could not be resolved by
// the handler. The task is then answered with the master state.
func WithArbiterErrorHandler(fn func(ConflictTask, error)) ArbiterOption {
	return func(a *Arbiter) { a.onError = fn }
}

// NewArbiter creates an arbiter. A nil handler keeps the master state.
func NewArbiter(instance StorageInstance, handler ConflictHandler, opts ...ArbiterOption) *Arbiter {
	if handler == nil {
		handler = DefaultConflictHandler
	}
	a := &Arbiter{
		instance: instance,
		handler:  handler,
		logger:   logging.For(nil, logging.Component("arbiter")),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Start subscribes to the task stream. Tasks are answered concurrently so
// one slow handler call does not hold up unrelated writers.
func (a *Arbiter) Start(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.sub != nil {
		return syncErrors.E(syncErrors.OpConflictResolve, syncErrors.KindInvalid, "arbiter already started")
	}
	ctx, cancel := context.WithCancel(ctx)
	a.cancel = cancel
	a.sub = a.instance.ConflictTasks().Subscribe()

	a.wg.Add(1)
	go a.loop(ctx, a.sub)
	return nil
}

func (a *Arbiter) loop(ctx context.Context, sub *FeedSubscription[ConflictTask]) {
	defer a.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case task, ok := <-sub.C():
			if !ok {
				return
			}
			a.wg.Add(1)
			go func() {
				defer a.wg.Done()
				a.handle(ctx, task)
			}()
		}
	}
}

func (a *Arbiter) handle(ctx context.Context, task ConflictTask) {
	out, err := resolveConflict(ctx, a.handler, task.Input)
	if err != nil {
		a.logger.Warn("Conflict handler failed, keeping master state",
			"task_id", task.ID,
			"document_id", task.Input.RealMasterState.ID,
			"error", err)
		if a.onError != nil {
			a.onError(task, err)
		}
		master := task.Input.RealMasterState.Clone()
		out = ConflictOutput{Resolved: &master}
	}

	err = a.instance.ResolveConflictTask(context.WithoutCancel(ctx), ConflictResolution{TaskID: task.ID, Output: out})
	if err != nil {
		a.logger.Error("Resolving conflict task failed", "task_id", task.ID, "error", err)
		if a.onError != nil {
			a.onError(task, err)
		}
		return
	}
	a.logger.Debug("Conflict task resolved",
		"task_id", task.ID,
		"document_id", task.Input.RealMasterState.ID,
		"is_equal", out.IsEqual)
}

// Stop unsubscribes and waits for in-flight tasks.
func (a *Arbiter) Stop() error {
	a.mu.Lock()
	sub, cancel := a.sub, a.cancel
	a.mu.Unlock()
	if sub == nil {
		return nil
	}
	cancel()
	err := sub.Close()
	a.wg.Wait()
	return err
}
