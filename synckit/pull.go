package synckit

import (
	"context"
	"errors"
	"sync"
	"time"

	mapset "github.com/deckarep/golang-set/v2"

	syncErrors "github.com/c0deZ3R0/docsync/errors"
)

// mergeAttempts bounds how often a pulled document is merged again after
// the application changed it locally mid-merge.
const mergeAttempts = 3

// maxStalePages bounds how many pages in a row are fetched again because a
// push recorded one of their documents while they were in flight.
const maxStalePages = 3

var errLocalChurn = errors.New("local document kept changing during merge")

func overlaps(fence mapset.Set[string], docs []DocumentState) bool {
	if fence == nil || fence.Cardinality() == 0 {
		return false
	}
	for _, d := range docs {
		if fence.Contains(d.ID) {
			return true
		}
	}
	return false
}

// pullEngine applies remote changes to the local instance.
type pullEngine struct {
	r  *Replication
	mu sync.Mutex

	// stale counts consecutive pages dropped for overlapping a push.
	stale int
}

func (p *pullEngine) drain(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	for {
		res, err := p.round(ctx)
		p.r.finishRound(res, err)
		if err != nil {
			return err
		}
		if !res.more {
			return nil
		}
		if err := ctx.Err(); err != nil {
			return err
		}
	}
}

// round fetches and merges one page. The page checkpoint is saved once
// the page is merged, including when some of its documents were skipped
// because the conflict handler failed or the application kept changing
// them locally. Skipped documents are reported on the error stream and are
// only pulled again when the master changes them.
//
// The fetch runs outside metaMu unless pages keep overlapping concurrent
// pushes, in which case it is made under the lock so pull still makes
// progress.
func (p *pullEngine) round(ctx context.Context) (*RoundResult, error) {
	r := p.r
	res := &RoundResult{Direction: DirectionPull, StartTime: time.Now()}
	limit := r.opts.pullBatchSize

	r.metaMu.Lock()
	locked := true
	defer func() {
		if locked {
			r.metaMu.Unlock()
		}
	}()

	cp, err := r.checkpoints.LoadCheckpoint(ctx, r.id, DirectionPull)
	if err != nil {
		return res, p.storageFailure(err)
	}
	res.Checkpoint = cp

	fenced := p.stale < maxStalePages
	if fenced {
		r.pushFence = mapset.NewThreadUnsafeSet[string]()
		r.metaMu.Unlock()
		locked = false
	}

	var page ChangesPage
	attempts, err := r.retry.do(ctx, "pull", func(ctx context.Context) error {
		var callErr error
		page, callErr = r.remote.PullChanges(ctx, cp, limit)
		return callErr
	})

	if fenced {
		r.metaMu.Lock()
		locked = true
		fence := r.pushFence
		r.pushFence = nil
		if err == nil && overlaps(fence, page.Documents) {
			p.stale++
			r.logger.Debug("Pulled page overlaps a concurrent push, fetching again", "stale_pages", p.stale)
			res.more = true
			return res, nil
		}
	}
	p.stale = 0

	if err != nil {
		if ctx.Err() == nil {
			r.report(&ReplicationError{
				Direction: DirectionPull,
				Cause:     err,
				Retried:   attempts > 1,
				Attempts:  attempts,
			})
		}
		return res, err
	}
	if len(page.Documents) == 0 {
		if page.Checkpoint != nil {
			r.observeRemote(page.Checkpoint)
		} else {
			r.observeRemote(cp)
		}
		return res, nil
	}

	// A fetched page is merged and checkpointed in full even when the
	// replication is stopping.
	mctx := context.WithoutCancel(ctx)

	assumed, needPush, err := p.merge(mctx, latestPerDocument(page.Documents), res)
	if err != nil {
		return res, p.storageFailure(err)
	}
	if err := r.checkpoints.SaveAssumedMaster(mctx, r.id, assumed); err != nil {
		return res, p.storageFailure(err)
	}
	if page.Checkpoint != nil {
		if err := r.checkpoints.SaveCheckpoint(mctx, r.id, DirectionPull, page.Checkpoint); err != nil {
			return res, p.storageFailure(err)
		}
		res.Checkpoint = page.Checkpoint
	}

	res.more = len(page.Documents) >= limit
	if !res.more {
		r.observeRemote(res.Checkpoint)
	}
	if needPush && r.opts.push {
		r.pushSignal.request()
	}
	return res, nil
}

// latestPerDocument keeps the last state of every document in a page,
// preserving the order of those last occurrences.
func latestPerDocument(docs []DocumentState) []DocumentState {
	last := make(map[string]int, len(docs))
	for i, d := range docs {
		last[d.ID] = i
	}
	out := make([]DocumentState, 0, len(last))
	for i, d := range docs {
		if last[d.ID] == i {
			out = append(out, d)
		}
	}
	return out
}

// merge writes pulled documents into the local instance. It returns the
// master states to record as assumed and whether a conflict resolution
// produced a local state the master has not seen.
func (p *pullEngine) merge(ctx context.Context, docs []DocumentState, res *RoundResult) ([]DocumentState, bool, error) {
	r := p.r
	var (
		assumedUpdates []DocumentState
		needPush       bool
		pending        = docs
	)

	for attempt := 0; attempt < mergeAttempts && len(pending) > 0; attempt++ {
		ids := make([]string, len(pending))
		for i, d := range pending {
			ids[i] = d.ID
		}
		found, err := r.local.FindByID(ctx, ids, true)
		if err != nil {
			return nil, false, err
		}
		locals := make(map[string]DocumentState, len(found))
		for _, d := range found {
			locals[d.ID] = d
		}
		assumed, err := r.checkpoints.LoadAssumedMaster(ctx, r.id, ids)
		if err != nil {
			return nil, false, err
		}

		var (
			rows     []WriteRow
			ready    = make(map[string]bool, len(pending))
			resolved = make(map[string]bool)
		)
		for _, d := range pending {
			l, hasLocal := locals[d.ID]
			a, hasAssumed := assumed[d.ID]
			switch {
			case !hasLocal:
				rows = append(rows, WriteRow{Document: d})
			case l.Rev == d.Rev:
			case hasAssumed && l.Rev == a.Rev, SameDocument(l, d):
				rows = append(rows, WriteRow{Document: d, Previous: l.Ptr()})
			default:
				res.Conflicts++
				input := ConflictInput{NewState: l, RealMasterState: d}
				if hasAssumed {
					input.AssumedMasterState = a.Ptr()
				}
				out, err := resolveConflict(ctx, r.opts.handler, input)
				if err != nil {
					res.Skipped++
					r.report(&ReplicationError{Direction: DirectionPull, DocumentID: d.ID, Cause: err})
					continue
				}
				final := settle(d, out)
				if final.Rev != l.Rev {
					rows = append(rows, WriteRow{Document: final, Previous: l.Ptr()})
				}
				if final.Rev != d.Rev {
					resolved[d.ID] = true
				}
				r.logger.Debug("Pull conflict resolved",
					"document_id", d.ID,
					"local_rev", l.Rev,
					"master_rev", d.Rev,
					"final_rev", final.Rev)
			}
			ready[d.ID] = true
		}

		var churned []string
		if len(rows) > 0 {
			resp, err := r.local.BulkWrite(ctx, rows, pullWriteContext(r.id))
			if err != nil {
				return nil, false, err
			}
			for _, we := range resp.Errors {
				delete(ready, we.DocumentID)
				if we.IsConflict() {
					churned = append(churned, we.DocumentID)
					continue
				}
				res.Skipped++
				r.report(&ReplicationError{
					Direction:  DirectionPull,
					DocumentID: we.DocumentID,
					Cause:      syncErrors.NewValidationError(syncErrors.OpPull, we),
				})
			}
		}

		retry := make([]DocumentState, 0, len(churned))
		again := make(map[string]bool, len(churned))
		for _, id := range churned {
			again[id] = true
		}
		for _, d := range pending {
			switch {
			case ready[d.ID]:
				assumedUpdates = append(assumedUpdates, d)
				res.Documents++
				needPush = needPush || resolved[d.ID]
			case again[d.ID]:
				retry = append(retry, d)
			}
		}
		pending = retry
	}

	for _, d := range pending {
		res.Skipped++
		r.report(&ReplicationError{
			Direction:  DirectionPull,
			DocumentID: d.ID,
			Cause:      syncErrors.NewConflictError(syncErrors.OpPull, errLocalChurn),
		})
	}
	return assumedUpdates, needPush, nil
}

func (p *pullEngine) storageFailure(err error) error {
	if syncErrors.KindOf(err) == syncErrors.KindOther {
		err = syncErrors.NewStorageError(syncErrors.OpPull, err)
	}
	p.r.report(&ReplicationError{Direction: DirectionPull, Cause: err})
	return err
}
