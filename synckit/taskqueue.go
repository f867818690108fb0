package synckit

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	syncErrors "github.com/c0deZ3R0/docsync/errors"
	"github.com/c0deZ3R0/docsync/logging"
)

// TaskQueue is the conflict task stream backends embed. A writer that hits
// a conflict emits a task and blocks until a subscriber resolves it.
type TaskQueue struct {
	feed   *Feed[ConflictTask]
	logger *slog.Logger

	mu      sync.Mutex
	pending map[string]chan ConflictOutput
	closed  bool
	quit    chan struct{}
}

// NewTaskQueue creates an empty queue.
func NewTaskQueue(logger *slog.Logger) *TaskQueue {
	return &TaskQueue{
		feed: NewFeed[ConflictTask](FeedConfig{
			Name:   "conflict-tasks",
			Buffer: 16,
			Policy: PolicyBlock,
			Logger: logger,
		}),
		logger:  logging.For(logger, logging.Component("conflict-tasks")),
		pending: make(map[string]chan ConflictOutput),
		quit:    make(chan struct{}),
	}
}

// Feed is the stream subscribers receive tasks from.
func (q *TaskQueue) Feed() *Feed[ConflictTask] { return q.feed }

// Pending returns the number of tasks awaiting resolution.
func (q *TaskQueue) Pending() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}

// Emit publishes a task for input and waits for its resolution. The boolean
// is false when nobody is subscribed, in which case the caller reports a
// plain conflict.
func (q *TaskQueue) Emit(ctx context.Context, writeContext string, input ConflictInput) (ConflictOutput, bool, error) {
	if q.feed.Len() == 0 {
		return ConflictOutput{}, false, nil
	}

	task := ConflictTask{ID: uuid.NewString(), Context: writeContext, Input: input}
	wait := make(chan ConflictOutput, 1)

	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return ConflictOutput{}, false, syncErrors.ErrClosed
	}
	q.pending[task.ID] = wait
	q.mu.Unlock()

	if q.feed.Publish(ctx, task) == 0 {
		q.forget(task.ID)
		return ConflictOutput{}, false, nil
	}
	q.logger.Debug("Conflict task emitted", "task_id", task.ID, "document_id", input.RealMasterState.ID)

	select {
	case out := <-wait:
		return out, true, nil
	case <-ctx.Done():
		q.forget(task.ID)
		return ConflictOutput{}, false, ctx.Err()
	case <-q.quit:
		return ConflictOutput{}, false, syncErrors.ErrClosed
	}
}

func (q *TaskQueue) forget(id string) {
	q.mu.Lock()
	delete(q.pending, id)
	q.mu.Unlock()
}

// Resolve delivers a resolution. Each task is resolved at most once.
func (q *TaskQueue) Resolve(res ConflictResolution) error {
	q.mu.Lock()
	wait, ok := q.pending[res.TaskID]
	if ok {
		delete(q.pending, res.TaskID)
	}
	q.mu.Unlock()

	if !ok {
		return syncErrors.NewWithComponent(syncErrors.OpResolveTask, "conflict-tasks", syncErrors.ErrUnknownTask).
			WithMetadata("task_id", res.TaskID)
	}
	wait <- res.Output
	return nil
}

// Close releases blocked writers and closes the task stream.
func (q *TaskQueue) Close() {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.closed = true
	close(q.quit)
	q.pending = make(map[string]chan ConflictOutput)
	q.mu.Unlock()
	q.feed.Close()
}

// Arbitrate routes a conflicting row through the task stream and returns
// the decision to apply. Without subscribers the conflict stands, and so
// it does when the task cannot be resolved: the wait ended or the
// resolution is malformed. Either way only this row is affected.
//
// An IsEqual resolution stores the row's document. A resolution equal to
// the current state keeps the conflict. Any other resolution is stored on
// top of the current state and the row is still reported as a conflict
// carrying the new stored state, so the writer learns what won.
func (q *TaskQueue) Arbitrate(ctx context.Context, writeContext string, row WriteRow, current DocumentState) (WriteDecision, bool) {
	conflict := WriteDecision{Action: WriteConflict, Current: &current}

	input := ConflictInput{NewState: row.Document, AssumedMasterState: row.Previous, RealMasterState: current}
	out, handled, err := q.Emit(ctx, writeContext, input)
	if err != nil {
		q.logger.Warn("Conflict task not resolved, keeping the conflict",
			"document_id", row.Document.ID,
			"error", err)
		return conflict, false
	}
	if !handled {
		return conflict, false
	}
	if err := ValidateResolution(input, out); err != nil {
		q.logger.Warn("Malformed conflict task resolution, keeping the conflict",
			"document_id", row.Document.ID,
			"error", err)
		return conflict, false
	}

	if out.IsEqual {
		doc := row.Document
		if doc.Rev == "" || doc.Height() <= current.Height() {
			doc = NextState(&current, doc)
		}
		return WriteDecision{Action: WriteStore, Document: doc, Current: &current}, false
	}

	stored := settle(current, out)
	if stored.Rev == current.Rev {
		return conflict, false
	}
	// The caller stores the resolution, then reports a conflict against it.
	return WriteDecision{Action: WriteStore, Document: stored, Current: &current,
		Reason: fmt.Sprintf("resolved by task against %s", current.Rev)}, true
}
