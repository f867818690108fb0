package synckit

import (
	"context"
	"fmt"
	"time"
)

// WriteAction is what a backend must do with a row.
type WriteAction int

const (
	// WriteStore persists Decision.Document.
	WriteStore WriteAction = iota
	// WriteSkip accepts the row without storing anything; the same
	// revision is already current.
	WriteSkip
	// WriteConflict rejects the row; the current state differs from the
	// row's assumption.
	WriteConflict
	// WriteReject rejects a malformed row.
	WriteReject
)

// WriteDecision is the outcome of DecideWrite.
type WriteDecision struct {
	Action   WriteAction
	Document DocumentState
	Current  *DocumentState
	Reason   string
}

// DecideWrite implements the compare-and-swap rules shared by every backend.
// current is the stored state or nil.
//
// A row whose document revision equals the current revision is accepted
// without a write, which makes resending a row idempotent. An insert (no
// Previous) is accepted when nothing is stored or the stored state is a
// tombstone. Any other row is accepted only when Previous.Rev equals the
// current revision. A document without a revision gets one derived from the
// current state.
func DecideWrite(current *DocumentState, row WriteRow) WriteDecision {
	doc := row.Document
	if doc.ID == "" {
		return WriteDecision{Action: WriteReject, Current: current, Reason: "document id is required"}
	}
	if row.Previous != nil && row.Previous.ID != "" && row.Previous.ID != doc.ID {
		return WriteDecision{Action: WriteReject, Current: current,
			Reason: fmt.Sprintf("previous state belongs to %q", row.Previous.ID)}
	}

	if current != nil && doc.Rev != "" && doc.Rev == current.Rev {
		return WriteDecision{Action: WriteSkip, Document: current.Clone(), Current: current}
	}

	switch {
	case current == nil:
	case row.Previous == nil && current.Deleted:
	case row.Previous != nil && row.Previous.Rev == current.Rev:
	default:
		return WriteDecision{Action: WriteConflict, Current: current}
	}

	if doc.Rev == "" {
		doc = NextState(current, doc)
	} else {
		doc = doc.Clone()
		if doc.UpdatedAt == 0 {
			doc.UpdatedAt = time.Now().UnixMilli()
		}
	}
	return WriteDecision{Action: WriteStore, Document: doc, Current: current}
}

// Event returns the change event for a stored decision.
func (d WriteDecision) Event() ChangeEvent {
	op := OperationUpdate
	switch {
	case d.Document.Deleted:
		op = OperationDelete
	case d.Current == nil || d.Current.Deleted:
		op = OperationInsert
	}
	ev := ChangeEvent{Operation: op, DocumentID: d.Document.ID, Document: d.Document.Clone()}
	if d.Current != nil {
		ev.Previous = d.Current.Ptr()
	}
	return ev
}

// ConflictError builds the WriteError for a conflicting row.
func (d WriteDecision) ConflictError(row WriteRow) WriteError {
	we := WriteError{DocumentID: row.Document.ID, Status: StatusConflict, Row: row}
	if d.Current != nil {
		we.RealMaster = d.Current.Ptr()
	}
	return we
}

// RejectError builds the WriteError for a malformed row.
func (d WriteDecision) RejectError(row WriteRow) WriteError {
	return WriteError{DocumentID: row.Document.ID, Status: StatusInvalid, Row: row, Message: d.Reason}
}

// RowResult is how a backend applies one row of a bulk write. Store is the
// state to persist, nil when nothing is written. Success and Error are the
// entries for the BulkWriteResponse; exactly one of them is set.
type RowResult struct {
	Store   *DocumentState
	Event   *ChangeEvent
	Success *DocumentState
	Error   *WriteError
}

// ApplyRow decides row against current. With ConflictModeTasks a conflict
// is first offered to the task queue, which may block until a subscriber
// resolves it, so callers must not hold locks ResolveConflictTask needs.
// The outcome only concerns row; a failed task leaves a plain conflict.
func ApplyRow(ctx context.Context, tasks *TaskQueue, mode ConflictMode, writeContext string, current *DocumentState, row WriteRow) RowResult {
	d := DecideWrite(current, row)
	switch d.Action {
	case WriteReject:
		we := d.RejectError(row)
		return RowResult{Error: &we}
	case WriteSkip:
		return RowResult{Success: d.Document.Ptr()}
	case WriteStore:
		return storedResult(d)
	}

	if mode == ConflictModeTasks && tasks != nil && current != nil {
		ad, report := tasks.Arbitrate(ctx, writeContext, row, *current)
		if ad.Action == WriteStore {
			res := storedResult(ad)
			if report {
				res.Success = nil
				res.Error = &WriteError{
					DocumentID: row.Document.ID,
					Status:     StatusConflict,
					Row:        row,
					RealMaster: ad.Document.Ptr(),
					Message:    ad.Reason,
				}
			}
			return res
		}
	}
	we := d.ConflictError(row)
	return RowResult{Error: &we}
}

func storedResult(d WriteDecision) RowResult {
	ev := d.Event()
	doc := d.Document
	return RowResult{Store: &doc, Event: &ev, Success: doc.Ptr()}
}
