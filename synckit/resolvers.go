package synckit

import (
	"context"
)

// Strategy names accepted by handler configuration files.
const (
	StrategyKeepMaster    = "keep_master"
	StrategyKeepNew       = "keep_new"
	StrategyLastWriteWins = "last_write_wins"
	StrategyMergeFields   = "merge_fields"
)

// equalOr short-circuits with IsEqual when the new state already matches the
// real master, otherwise it resolves to pick(input).
func equalOr(pick func(ConflictInput) DocumentState) ConflictHandler {
	return ConflictHandlerFunc(func(ctx context.Context, in ConflictInput) (ConflictOutput, error) {
		if SameDocument(in.NewState, in.RealMasterState) {
			return ConflictOutput{IsEqual: true}, nil
		}
		resolved := pick(in).Clone()
		return ConflictOutput{Resolved: &resolved}, nil
	})
}

// KeepMaster resolves every conflict to the real master state.
func KeepMaster() ConflictHandler {
	return equalOr(func(in ConflictInput) DocumentState { return in.RealMasterState })
}

// KeepNew resolves every conflict in favour of the writer's state.
func KeepNew() ConflictHandler {
	return equalOr(func(in ConflictInput) DocumentState { return in.NewState })
}

// LastWriteWins keeps the state with the later UpdatedAt. Ties go to the
// real master.
func LastWriteWins() ConflictHandler {
	return equalOr(func(in ConflictInput) DocumentState {
		if in.NewState.UpdatedAt > in.RealMasterState.UpdatedAt {
			return in.NewState
		}
		return in.RealMasterState
	})
}

// MergeFields takes the union of top-level fields. On a key present on both
// sides the master wins, unless the writer changed that key relative to the
// assumed master state and the master did not. A deletion on either side
// wins.
func MergeFields() ConflictHandler {
	return equalOr(func(in ConflictInput) DocumentState {
		real := in.RealMasterState
		merged := DocumentState{ID: real.ID, Deleted: real.Deleted || in.NewState.Deleted}
		merged.Data = cloneMap(real.Data)
		if merged.Data == nil {
			merged.Data = map[string]any{}
		}
		var base map[string]any
		if in.AssumedMasterState != nil {
			base = in.AssumedMasterState.Data
		}
		for k, v := range in.NewState.Data {
			rv, inReal := real.Data[k]
			if !inReal {
				merged.Data[k] = cloneValue(v)
				continue
			}
			bv, inBase := base[k]
			if inBase && !valuesEqual(bv, v) && valuesEqual(bv, rv) {
				merged.Data[k] = cloneValue(v)
			}
		}
		return merged
	})
}

func valuesEqual(a, b any) bool {
	return SameDocument(
		DocumentState{Data: map[string]any{"v": a}},
		DocumentState{Data: map[string]any{"v": b}},
	)
}

// builtinStrategies maps configuration names to handlers.
func builtinStrategies() map[string]ConflictHandler {
	return map[string]ConflictHandler{
		StrategyKeepMaster:    KeepMaster(),
		StrategyKeepNew:       KeepNew(),
		StrategyLastWriteWins: LastWriteWins(),
		StrategyMergeFields:   MergeFields(),
	}
}
