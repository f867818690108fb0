package synckit

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	syncErrors "github.com/c0deZ3R0/docsync/errors"
)

func TestSameDocument(t *testing.T) {
	base := DocumentState{ID: "a", Data: map[string]any{"n": 1.0, "s": "x"}, Rev: "1-aaa", UpdatedAt: 1}

	tests := []struct {
		name  string
		other DocumentState
		want  bool
	}{
		{"identical", base, true},
		{"rev and timestamp ignored", DocumentState{ID: "a", Data: map[string]any{"n": 1.0, "s": "x"}, Rev: "7-bbb", UpdatedAt: 99}, true},
		{"int equals float", DocumentState{ID: "a", Data: map[string]any{"n": 1, "s": "x"}}, true},
		{"different value", DocumentState{ID: "a", Data: map[string]any{"n": 2.0, "s": "x"}}, false},
		{"different id", DocumentState{ID: "b", Data: base.Data}, false},
		{"deleted differs", DocumentState{ID: "a", Data: base.Data, Deleted: true}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, SameDocument(base, tt.other))
		})
	}

	t.Run("nil data equals empty", func(t *testing.T) {
		assert.True(t, SameDocument(DocumentState{ID: "a"}, DocumentState{ID: "a", Data: map[string]any{}}))
	})
}

func TestDiffDocuments(t *testing.T) {
	a := DocumentState{ID: "a", Data: map[string]any{"n": 1.0}}
	b := DocumentState{ID: "a", Data: map[string]any{"n": 2.0}}
	assert.Empty(t, DiffDocuments(a, a))
	assert.NotEmpty(t, DiffDocuments(a, b))
}

func TestDefaultConflictHandler(t *testing.T) {
	ctx := context.Background()
	real := NewDocument("a", map[string]any{"v": "real"})

	out, err := DefaultConflictHandler.Resolve(ctx, ConflictInput{NewState: real, RealMasterState: real})
	require.NoError(t, err)
	assert.True(t, out.IsEqual)

	out, err = DefaultConflictHandler.Resolve(ctx, ConflictInput{
		NewState:        DocumentState{ID: "a", Data: map[string]any{"v": "new"}},
		RealMasterState: real,
	})
	require.NoError(t, err)
	assert.False(t, out.IsEqual)
	assert.Equal(t, "real", out.Resolved.Data["v"])
}

func TestStrategies(t *testing.T) {
	ctx := context.Background()
	assumed := DocumentState{ID: "a", Data: map[string]any{"title": "t0", "done": false}}
	newer := DocumentState{ID: "a", Data: map[string]any{"title": "t0", "done": true, "local": "x"}, UpdatedAt: 20}
	real := DocumentState{ID: "a", Data: map[string]any{"title": "t1", "done": false, "remote": "y"}, UpdatedAt: 10}
	in := ConflictInput{NewState: newer, AssumedMasterState: &assumed, RealMasterState: real}

	t.Run("keep master", func(t *testing.T) {
		out, err := KeepMaster().Resolve(ctx, in)
		require.NoError(t, err)
		assert.Equal(t, real.Data, out.Resolved.Data)
	})

	t.Run("keep new", func(t *testing.T) {
		out, err := KeepNew().Resolve(ctx, in)
		require.NoError(t, err)
		assert.Equal(t, newer.Data, out.Resolved.Data)
	})

	t.Run("last write wins", func(t *testing.T) {
		out, err := LastWriteWins().Resolve(ctx, in)
		require.NoError(t, err)
		assert.Equal(t, newer.Data, out.Resolved.Data)

		tie := in
		tie.NewState.UpdatedAt = real.UpdatedAt
		out, err = LastWriteWins().Resolve(ctx, tie)
		require.NoError(t, err)
		assert.Equal(t, real.Data, out.Resolved.Data, "ties go to the master")
	})

	t.Run("merge fields", func(t *testing.T) {
		out, err := MergeFields().Resolve(ctx, in)
		require.NoError(t, err)
		assert.Equal(t, map[string]any{
			"title":  "t1", // changed only on the master
			"done":   true, // changed only by the writer
			"local":  "x",
			"remote": "y",
		}, out.Resolved.Data)
	})

	t.Run("merge fields without assumed state keeps master values", func(t *testing.T) {
		noBase := in
		noBase.AssumedMasterState = nil
		out, err := MergeFields().Resolve(ctx, noBase)
		require.NoError(t, err)
		assert.Equal(t, false, out.Resolved.Data["done"])
		assert.Equal(t, "x", out.Resolved.Data["local"])
	})

	t.Run("merge fields deletion wins", func(t *testing.T) {
		del := in
		del.NewState.Deleted = true
		out, err := MergeFields().Resolve(ctx, del)
		require.NoError(t, err)
		assert.True(t, out.Resolved.Deleted)
	})

	t.Run("every strategy reports equality", func(t *testing.T) {
		same := ConflictInput{NewState: real, RealMasterState: real}
		for name, h := range builtinStrategies() {
			out, err := h.Resolve(ctx, same)
			require.NoError(t, err, name)
			assert.True(t, out.IsEqual, name)
		}
	})
}

func TestResolveConflictValidation(t *testing.T) {
	ctx := context.Background()
	in := conflictFor("a")

	tests := []struct {
		name    string
		handler ConflictHandler
		kind    syncErrors.Kind
	}{
		{"neither equal nor resolved", ConflictHandlerFunc(func(context.Context, ConflictInput) (ConflictOutput, error) {
			return ConflictOutput{}, nil
		}), syncErrors.KindInvalid},
		{"wrong id", ConflictHandlerFunc(func(context.Context, ConflictInput) (ConflictOutput, error) {
			return resolvedTo("b", "x"), nil
		}), syncErrors.KindInvalid},
		{"panic", ConflictHandlerFunc(func(context.Context, ConflictInput) (ConflictOutput, error) {
			panic("boom")
		}), syncErrors.KindInvalid},
		{"handler error", ConflictHandlerFunc(func(context.Context, ConflictInput) (ConflictOutput, error) {
			return ConflictOutput{}, errors.New("nope")
		}), syncErrors.KindOther},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := resolveConflict(ctx, tt.handler, in)
			require.Error(t, err)
			assert.Equal(t, tt.kind, syncErrors.KindOf(err))
		})
	}
}

func TestSettle(t *testing.T) {
	real := NewDocument("a", map[string]any{"v": "real"})

	t.Run("equal keeps the master verbatim", func(t *testing.T) {
		got := settle(real, ConflictOutput{IsEqual: true})
		assert.Equal(t, real.Rev, got.Rev)
	})

	t.Run("resolution equal to master keeps its revision", func(t *testing.T) {
		same := DocumentState{ID: "a", Data: map[string]any{"v": "real"}, Rev: "9-zzz"}
		got := settle(real, ConflictOutput{Resolved: &same})
		assert.Equal(t, real.Rev, got.Rev)
	})

	t.Run("other resolution builds on the master", func(t *testing.T) {
		other := DocumentState{ID: "a", Data: map[string]any{"v": "merged"}}
		got := settle(real, ConflictOutput{Resolved: &other})
		assert.Equal(t, real.Height()+1, got.Height())
		assert.Equal(t, "merged", got.Data["v"])
	})

	t.Run("two peers settle to the same revision", func(t *testing.T) {
		other := DocumentState{ID: "a", Data: map[string]any{"v": "merged"}}
		a := settle(real, ConflictOutput{Resolved: &other})
		b := settle(real, ConflictOutput{Resolved: other.Ptr()})
		assert.Equal(t, a.Rev, b.Rev)
	})
}
