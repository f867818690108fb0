package synckit

import (
	"context"
	"testing"
	"unicode/utf8"
)

// FuzzDynamicHandler_Resolve ensures that resolution is deterministic and
// panic-free for any document content.
func FuzzDynamicHandler_Resolve(f *testing.F) {
	f.Add("user-123", "name", "alice", "bob", int64(1), int64(2), false)
	f.Add("", "", "", "", int64(0), int64(0), true)
	f.Add("counter:1", "n", "1", "1", int64(2), int64(1), false)

	f.Fuzz(func(t *testing.T, id, field, newValue, realValue string, newAt, realAt int64, deleted bool) {
		if !utf8.ValidString(id) || !utf8.ValidString(field) || !utf8.ValidString(newValue) || !utf8.ValidString(realValue) {
			return
		}

		in := ConflictInput{
			NewState:        DocumentState{ID: id, Data: map[string]any{field: newValue}, UpdatedAt: newAt, Deleted: deleted},
			RealMasterState: DocumentState{ID: id, Data: map[string]any{field: realValue}, UpdatedAt: realAt},
		}

		handlers := map[string]ConflictHandler{
			"keep-master": KeepMaster(),
			"keep-new":    KeepNew(),
			"lww":         LastWriteWins(),
			"merge":       MergeFields(),
			"prefix-rule": mustNewHandler(t,
				WithIDPrefixRule("prefix", id, MergeFields()),
				WithFallback(KeepMaster()),
			),
		}

		for name, h := range handlers {
			t.Run(name, func(t *testing.T) {
				out1, err1 := resolveConflict(context.Background(), h, in)
				out2, err2 := resolveConflict(context.Background(), h, in)
				if (err1 == nil) != (err2 == nil) {
					t.Fatalf("non-deterministic error behaviour: %v vs %v", err1, err2)
				}
				if err1 != nil {
					return
				}
				if out1.IsEqual != out2.IsEqual {
					t.Fatalf("non-deterministic IsEqual")
				}
				s1, s2 := settle(in.RealMasterState, out1), settle(in.RealMasterState, out2)
				if ContentHash(s1) != ContentHash(s2) {
					t.Fatalf("non-deterministic resolution: %v vs %v", s1, s2)
				}
			})
		}
	})
}

// FuzzSpec_Combinators checks that combinators are deterministic and agree
// with boolean logic.
func FuzzSpec_Combinators(f *testing.F) {
	f.Add("user-1", "user", "name", true)
	f.Add("", "", "", false)

	f.Fuzz(func(t *testing.T, id, prefix, field string, deleted bool) {
		if !utf8.ValidString(id) || !utf8.ValidString(prefix) || !utf8.ValidString(field) {
			return
		}
		in := ConflictInput{
			NewState:        DocumentState{ID: id, Data: map[string]any{field: 1}, Deleted: deleted},
			RealMasterState: DocumentState{ID: id, Data: map[string]any{field: 2}},
		}
		a, b := IDPrefix(prefix), DeletedOnEitherSide()
		if And(a, b)(in) != (a(in) && b(in)) {
			t.Fatalf("And disagrees")
		}
		if Or(a, b)(in) != (a(in) || b(in)) {
			t.Fatalf("Or disagrees")
		}
		if Not(a)(in) == a(in) {
			t.Fatalf("Not disagrees")
		}
		if !FieldChanged(field)(in) {
			t.Fatalf("field %q differs between states", field)
		}
	})
}

func mustNewHandler(t *testing.T, opts ...Option) *DynamicHandler {
	h, err := NewDynamicHandler(opts...)
	if err != nil {
		t.Fatalf("failed to create handler: %v", err)
	}
	return h
}
