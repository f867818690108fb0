package synckit

import (
	"context"
	"fmt"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"

	syncErrors "github.com/c0deZ3R0/docsync/errors"
)

// ConflictInput carries the three states that take part in a conflict.
// NewState is the state a writer wants to establish, AssumedMasterState
// the master state it based that on (nil for an insert) and RealMasterState
// what the master actually holds.
type ConflictInput struct {
	NewState           DocumentState  `json:"newDocumentState"`
	AssumedMasterState *DocumentState `json:"assumedMasterState,omitempty"`
	RealMasterState    DocumentState  `json:"realMasterState"`
}

// ConflictOutput is a handler's verdict. IsEqual means there is no real
// conflict and the write may proceed. Otherwise Resolved is the state to
// establish on both sides.
type ConflictOutput struct {
	IsEqual  bool           `json:"isEqual"`
	Resolved *DocumentState `json:"documentData,omitempty"`
}

// ConflictHandler decides conflicts. Implementations must be deterministic:
// equal inputs give equal outputs on every peer.
type ConflictHandler interface {
	Resolve(ctx context.Context, input ConflictInput) (ConflictOutput, error)
}

// ConflictHandlerFunc adapts a function to ConflictHandler.
type ConflictHandlerFunc func(ctx context.Context, input ConflictInput) (ConflictOutput, error)

func (f ConflictHandlerFunc) Resolve(ctx context.Context, input ConflictInput) (ConflictOutput, error) {
	return f(ctx, input)
}

// DefaultConflictHandler keeps the real master state unless the new state
// carries the same content.
var DefaultConflictHandler ConflictHandler = KeepMaster()

var numbersAsFloats = cmp.FilterValues(
	func(x, y any) bool { return isNumber(x) && isNumber(y) },
	cmp.Comparer(func(x, y any) bool { return toFloat(x) == toFloat(y) }),
)

// SameDocument reports whether a and b have the same id, data and deletion
// flag. Revision and timestamps are ignored, empty and nil collections are
// equal, and numbers compare by value regardless of their Go type.
func SameDocument(a, b DocumentState) bool {
	if a.ID != b.ID || a.Deleted != b.Deleted {
		return false
	}
	return cmp.Equal(a.Data, b.Data, cmpopts.EquateEmpty(), numbersAsFloats)
}

// DiffDocuments returns a human readable diff of the content of a and b.
func DiffDocuments(a, b DocumentState) string {
	return cmp.Diff(a.Data, b.Data, cmpopts.EquateEmpty(), numbersAsFloats)
}

func isNumber(v any) bool {
	switch v.(type) {
	case int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64, float32, float64:
		return true
	}
	return false
}

func toFloat(v any) float64 {
	switch n := v.(type) {
	case int:
		return float64(n)
	case int8:
		return float64(n)
	case int16:
		return float64(n)
	case int32:
		return float64(n)
	case int64:
		return float64(n)
	case uint:
		return float64(n)
	case uint8:
		return float64(n)
	case uint16:
		return float64(n)
	case uint32:
		return float64(n)
	case uint64:
		return float64(n)
	case float32:
		return float64(n)
	case float64:
		return n
	}
	return 0
}

// ValidateResolution checks that out is usable for input.
func ValidateResolution(input ConflictInput, out ConflictOutput) error {
	if out.IsEqual {
		return nil
	}
	if out.Resolved == nil {
		return syncErrors.NewValidationError(syncErrors.OpConflictResolve,
			fmt.Errorf("handler returned neither isEqual nor a resolved state for %s", input.RealMasterState.ID))
	}
	if out.Resolved.ID != input.RealMasterState.ID {
		return syncErrors.NewValidationError(syncErrors.OpConflictResolve,
			fmt.Errorf("resolved state has id %q, expected %q", out.Resolved.ID, input.RealMasterState.ID))
	}
	return nil
}

// resolveConflict runs handler and validates the result. A panicking
// handler is reported as a malformed resolution.
func resolveConflict(ctx context.Context, handler ConflictHandler, input ConflictInput) (out ConflictOutput, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = syncErrors.NewValidationError(syncErrors.OpConflictResolve,
				fmt.Errorf("conflict handler panicked: %v", r))
		}
	}()
	out, err = handler.Resolve(ctx, input)
	if err != nil {
		return ConflictOutput{}, syncErrors.NewWithComponent(syncErrors.OpConflictResolve, "conflict-handler", err)
	}
	if err := ValidateResolution(input, out); err != nil {
		return ConflictOutput{}, err
	}
	return out, nil
}

// settle turns a resolution into the state to store on top of real. When
// the resolution matches the real master content the real master is kept
// verbatim, so no new revision is minted.
func settle(real DocumentState, out ConflictOutput) DocumentState {
	if out.IsEqual {
		return real.Clone()
	}
	resolved := *out.Resolved
	resolved.ID = real.ID
	if SameDocument(resolved, real) {
		return real.Clone()
	}
	return NextState(&real, resolved)
}
