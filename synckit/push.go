package synckit

import (
	"context"
	"fmt"
	"sync"
	"time"

	mapset "github.com/deckarep/golang-set/v2"

	"github.com/c0deZ3R0/docsync/cursor"
	syncErrors "github.com/c0deZ3R0/docsync/errors"
)

// pushEngine sends local changes to the remote endpoint. Rows that lost a
// conflict and were resolved into a new state wait in resubmit and go out
// first in the next round.
type pushEngine struct {
	r *Replication

	mu       sync.Mutex
	resubmit map[string]WriteRow
	order    []string
}

func (p *pushEngine) drain(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	conflictRun := 0
	for {
		res, err := p.round(ctx)
		p.r.finishRound(res, err)
		if err != nil {
			return err
		}
		if res.Conflicts > 0 {
			conflictRun++
			if conflictRun >= p.r.opts.maxConflictRun {
				err := syncErrors.NewConflictError(syncErrors.OpPush,
					fmt.Errorf("%d consecutive push rounds ended in conflicts", conflictRun))
				p.r.report(&ReplicationError{Direction: DirectionPush, Cause: err})
				return err
			}
		} else {
			conflictRun = 0
		}
		if !res.more {
			return nil
		}
		if err := ctx.Err(); err != nil {
			return err
		}
	}
}

// queued returns the resubmission rows in the order they were queued.
func (p *pushEngine) queued(limit int) []WriteRow {
	rows := make([]WriteRow, 0, len(p.order))
	for _, id := range p.order {
		if len(rows) >= limit {
			break
		}
		rows = append(rows, p.resubmit[id])
	}
	return rows
}

func (p *pushEngine) setResubmit(rows map[string]WriteRow, order []string) {
	p.resubmit = rows
	p.order = p.order[:0]
	for _, id := range order {
		if _, ok := rows[id]; ok {
			p.order = append(p.order, id)
		}
	}
}

// pushBatch is what a round sends, together with the local page it came
// from.
type pushBatch struct {
	rows     []WriteRow
	page     ChangesPage
	scanned  bool
	pageFull bool
}

// round sends one batch. The remote call runs outside metaMu so a slow or
// failing master does not hold up the pull direction.
func (p *pushEngine) round(ctx context.Context) (*RoundResult, error) {
	r := p.r
	res := &RoundResult{Direction: DirectionPush, StartTime: time.Now()}

	batch, err := p.prepare(ctx, res)
	if err != nil || batch == nil {
		return res, err
	}

	var writeErrs []WriteError
	attempts, err := r.retry.do(ctx, "push", func(ctx context.Context) error {
		var callErr error
		writeErrs, callErr = r.remote.PushRows(ctx, batch.rows)
		return callErr
	})
	if err != nil {
		if ctx.Err() == nil {
			r.report(&ReplicationError{
				Direction: DirectionPush,
				Cause:     err,
				Retried:   attempts > 1,
				Attempts:  attempts,
			})
		}
		return res, err
	}

	r.metaMu.Lock()
	defer r.metaMu.Unlock()
	return res, p.apply(ctx, res, batch, writeErrs, attempts)
}

// prepare collects the rows of the next round. It returns nil when there is
// nothing to send.
func (p *pushEngine) prepare(ctx context.Context, res *RoundResult) (*pushBatch, error) {
	r := p.r
	limit := r.opts.pushBatchSize

	r.metaMu.Lock()
	defer r.metaMu.Unlock()

	b := &pushBatch{rows: p.queued(limit)}
	carried := mapset.NewThreadUnsafeSet[string]()
	for _, row := range b.rows {
		carried.Add(row.Document.ID)
	}

	cp, err := r.checkpoints.LoadCheckpoint(ctx, r.id, DirectionPush)
	if err != nil {
		return nil, p.storageFailure(err)
	}
	res.Checkpoint = cp

	room := limit - len(b.rows)
	if room > 0 {
		b.page, err = r.local.ChangesSince(ctx, cp, room)
		if err != nil {
			return nil, p.storageFailure(err)
		}
		b.scanned = true

		ids := make([]string, 0, len(b.page.Documents))
		for _, d := range b.page.Documents {
			if !carried.Contains(d.ID) {
				ids = append(ids, d.ID)
			}
		}
		assumed, err := r.checkpoints.LoadAssumedMaster(ctx, r.id, ids)
		if err != nil {
			return nil, p.storageFailure(err)
		}
		for _, d := range b.page.Documents {
			if carried.Contains(d.ID) {
				continue
			}
			row := WriteRow{Document: d}
			if a, ok := assumed[d.ID]; ok {
				if a.Rev == d.Rev {
					// Already on the master, typically a pulled document.
					res.Skipped++
					continue
				}
				row.Previous = a.Ptr()
			}
			b.rows = append(b.rows, row)
		}
	}
	b.pageFull = b.scanned && len(b.page.Documents) >= room

	if len(b.rows) == 0 {
		if b.scanned && b.page.Checkpoint != nil {
			if err := r.checkpoints.SaveCheckpoint(context.WithoutCancel(ctx), r.id, DirectionPush, b.page.Checkpoint); err != nil {
				return nil, p.storageFailure(err)
			}
			res.Checkpoint = b.page.Checkpoint
		}
		res.more = b.pageFull
		return nil, nil
	}
	return b, nil
}

// apply records the master's answer to a batch. Callers hold metaMu.
func (p *pushEngine) apply(ctx context.Context, res *RoundResult, b *pushBatch, writeErrs []WriteError, attempts int) error {
	r := p.r

	// The response is applied in full even if the replication is stopping.
	mctx := context.WithoutCancel(ctx)

	failed := make(map[string]WriteError, len(writeErrs))
	for _, we := range writeErrs {
		failed[we.DocumentID] = we
	}

	var (
		assumedUpdates []DocumentState
		localRows      []WriteRow
		next           = make(map[string]WriteRow)
		nextOrder      []string
	)
	for _, row := range b.rows {
		id := row.Document.ID
		we, rejected := failed[id]
		if !rejected {
			assumedUpdates = append(assumedUpdates, row.Document)
			res.Documents++
			continue
		}
		if !we.IsConflict() {
			res.Skipped++
			r.report(&ReplicationError{
				Direction:  DirectionPush,
				DocumentID: id,
				Cause:      syncErrors.NewValidationError(syncErrors.OpPush, we),
				Attempts:   attempts,
			})
			continue
		}

		res.Conflicts++
		real := we.RealMaster.Clone()
		out, err := resolveConflict(mctx, r.opts.handler, ConflictInput{
			NewState:           row.Document,
			AssumedMasterState: row.Previous,
			RealMasterState:    real,
		})
		if err != nil {
			res.Skipped++
			r.report(&ReplicationError{Direction: DirectionPush, DocumentID: id, Cause: err, Attempts: attempts})
			continue
		}

		final := settle(real, out)
		assumedUpdates = append(assumedUpdates, real)
		if final.Rev != row.Document.Rev {
			localRows = append(localRows, WriteRow{Document: final, Previous: row.Document.Ptr()})
		}
		if final.Rev != real.Rev {
			next[id] = WriteRow{Document: final, Previous: real.Ptr()}
			nextOrder = append(nextOrder, id)
		}
		r.logger.Debug("Push conflict resolved",
			"document_id", id,
			"real_rev", real.Rev,
			"final_rev", final.Rev)
	}

	if len(localRows) > 0 {
		resp, err := r.local.BulkWrite(mctx, localRows, pushWriteContext(r.id))
		if err != nil {
			return p.storageFailure(err)
		}
		for _, we := range resp.Errors {
			// The application wrote again; its newer state is pushed later
			// against the real master recorded below.
			delete(next, we.DocumentID)
			r.logger.Debug("Local document changed during push, keeping newer state",
				"document_id", we.DocumentID, "status", we.Status)
		}
	}
	if err := r.checkpoints.SaveAssumedMaster(mctx, r.id, assumedUpdates); err != nil {
		return p.storageFailure(err)
	}
	r.fencePushed(assumedUpdates)
	p.setResubmit(next, nextOrder)

	if b.scanned && res.Conflicts == 0 && len(next) == 0 && b.page.Checkpoint != nil {
		if err := r.checkpoints.SaveCheckpoint(mctx, r.id, DirectionPush, b.page.Checkpoint); err != nil {
			return p.storageFailure(err)
		}
		res.Checkpoint = b.page.Checkpoint
	}
	res.more = res.Conflicts > 0 || len(next) > 0 || b.pageFull
	return nil
}

func (p *pushEngine) storageFailure(err error) error {
	if syncErrors.KindOf(err) == syncErrors.KindOther {
		err = syncErrors.NewStorageError(syncErrors.OpPush, err)
	}
	p.r.report(&ReplicationError{Direction: DirectionPush, Cause: err})
	return err
}

// hasPending reports whether any local state still differs from what the
// master is assumed to hold, or a resolution is waiting to be resent.
func (p *pushEngine) hasPending(ctx context.Context) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.order) > 0 {
		return true, nil
	}

	r := p.r
	cp, err := r.checkpoints.LoadCheckpoint(ctx, r.id, DirectionPush)
	if err != nil {
		return false, err
	}
	for {
		page, err := r.local.ChangesSince(ctx, cp, r.opts.pushBatchSize)
		if err != nil {
			return false, err
		}
		if len(page.Documents) == 0 {
			return false, nil
		}
		ids := make([]string, len(page.Documents))
		for i, d := range page.Documents {
			ids[i] = d.ID
		}
		assumed, err := r.checkpoints.LoadAssumedMaster(ctx, r.id, ids)
		if err != nil {
			return false, err
		}
		for _, d := range page.Documents {
			if a, ok := assumed[d.ID]; !ok || a.Rev != d.Rev {
				return true, nil
			}
		}
		if len(page.Documents) < r.opts.pushBatchSize || page.Checkpoint == nil {
			return false, nil
		}
		if c, err := cursor.Compare(page.Checkpoint, cp); err != nil || c <= 0 {
			return false, err
		}
		cp = page.Checkpoint
	}
}
