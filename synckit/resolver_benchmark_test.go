package synckit

import (
	"context"
	"testing"
)

func BenchmarkDynamicHandler_Dispatch_FirstMatch(b *testing.B) {
	nomatch := func(ConflictInput) bool { return false }
	dh, _ := NewDynamicHandler(
		WithRule("rule0", Always(), KeepMaster()),
		WithRule("rule1", nomatch, KeepNew()),
		WithFallback(KeepMaster()),
	)
	in := conflictFor("a")
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_, _ = dh.Resolve(context.Background(), in)
	}
}

func BenchmarkDynamicHandler_Dispatch_MiddleMatch(b *testing.B) {
	nomatch := func(ConflictInput) bool { return false }
	// Position K=10 in a 20-rule chain
	opts := make([]Option, 0, 22)
	for i := 0; i < 10; i++ {
		opts = append(opts, WithRule("nm", nomatch, KeepNew()))
	}
	opts = append(opts, WithRule("m", Always(), KeepMaster()))
	for i := 0; i < 9; i++ {
		opts = append(opts, WithRule("nm2", nomatch, KeepNew()))
	}
	opts = append(opts, WithFallback(KeepMaster()))
	dh, _ := NewDynamicHandler(opts...)
	in := conflictFor("a")
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_, _ = dh.Resolve(context.Background(), in)
	}
}

func BenchmarkExprSpec(b *testing.B) {
	spec, err := Expr(`new.v != real.v && !realDeleted`)
	if err != nil {
		b.Fatal(err)
	}
	in := conflictFor("a")
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_ = spec(in)
	}
}

func BenchmarkContentHash(b *testing.B) {
	doc := DocumentState{ID: "a", Data: map[string]any{"name": "alice", "tags": []any{"x", "y"}, "n": 3.0}}
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_ = ContentHash(doc)
	}
}
