package synckit

import (
	"fmt"
	"strings"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
)

// Spec is a predicate used to match conflicts to rules. Combinators allow
// building complex match logic from small, testable pieces.
type Spec func(ConflictInput) bool

// And returns a spec that requires every spec to match.
func And(specs ...Spec) Spec {
	return func(in ConflictInput) bool {
		for _, s := range specs {
			if s == nil || !s(in) {
				return false
			}
		}
		return len(specs) > 0
	}
}

// Or returns a spec that requires at least one spec to match.
func Or(specs ...Spec) Spec {
	return func(in ConflictInput) bool {
		for _, s := range specs {
			if s != nil && s(in) {
				return true
			}
		}
		return false
	}
}

// Not returns a spec that negates the provided spec.
func Not(a Spec) Spec { return func(in ConflictInput) bool { return a == nil || !a(in) } }

// Always matches every conflict.
func Always() Spec { return func(ConflictInput) bool { return true } }

// IDPrefix matches documents whose id starts with any of the prefixes.
func IDPrefix(prefixes ...string) Spec {
	return func(in ConflictInput) bool {
		for _, p := range prefixes {
			if strings.HasPrefix(in.RealMasterState.ID, p) {
				return true
			}
		}
		return false
	}
}

// FieldChanged matches when any of the fields differs between the new state
// and the real master state.
func FieldChanged(fields ...string) Spec {
	return func(in ConflictInput) bool {
		for _, f := range fields {
			nv, nok := in.NewState.Data[f]
			rv, rok := in.RealMasterState.Data[f]
			if nok != rok || (nok && !valuesEqual(nv, rv)) {
				return true
			}
		}
		return false
	}
}

// HasField matches when the real master state has the field.
func HasField(field string) Spec {
	return func(in ConflictInput) bool {
		_, ok := in.RealMasterState.Data[field]
		return ok
	}
}

// DeletedOnEitherSide matches when either state is a tombstone.
func DeletedOnEitherSide() Spec {
	return func(in ConflictInput) bool {
		return in.NewState.Deleted || in.RealMasterState.Deleted
	}
}

// Expr compiles a boolean expression evaluated against the conflict. The
// environment exposes id, new, real and assumed (data maps, assumed is nil
// for inserts) plus newDeleted and realDeleted.
func Expr(source string) (Spec, error) {
	program, err := expr.Compile(source, expr.Env(exprEnv(ConflictInput{})), expr.AsBool())
	if err != nil {
		return nil, fmt.Errorf("compile %q: %w", source, err)
	}
	return exprSpec(program), nil
}

func exprSpec(program *vm.Program) Spec {
	return func(in ConflictInput) bool {
		out, err := expr.Run(program, exprEnv(in))
		if err != nil {
			return false
		}
		b, _ := out.(bool)
		return b
	}
}

func exprEnv(in ConflictInput) map[string]any {
	var assumed map[string]any
	if in.AssumedMasterState != nil {
		assumed = in.AssumedMasterState.Data
	}
	return map[string]any{
		"id":          in.RealMasterState.ID,
		"new":         in.NewState.Data,
		"real":        in.RealMasterState.Data,
		"assumed":     assumed,
		"newDeleted":  in.NewState.Deleted,
		"realDeleted": in.RealMasterState.Deleted,
	}
}
