package synckit

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c0deZ3R0/docsync/logging"
)

func TestDecideWrite(t *testing.T) {
	v1 := NewDocument("a", map[string]any{"n": 1.0})
	v2 := Update(v1, map[string]any{"n": 2.0})
	tomb := MarkDeleted(v1)
	other := NewDocument("a", map[string]any{"n": 9.0})

	tests := []struct {
		name    string
		current *DocumentState
		row     WriteRow
		want    WriteAction
	}{
		{"insert", nil, WriteRow{Document: v1}, WriteStore},
		{"insert over existing", &v1, WriteRow{Document: other}, WriteConflict},
		{"insert over tombstone", &tomb, WriteRow{Document: other}, WriteStore},
		{"update with matching previous", &v1, WriteRow{Document: v2, Previous: &v1}, WriteStore},
		{"update with stale previous", &v2, WriteRow{Document: Update(v1, map[string]any{"n": 3.0}), Previous: &v1}, WriteConflict},
		{"update of missing document", nil, WriteRow{Document: v2, Previous: &v1}, WriteStore},
		{"resend of current revision", &v2, WriteRow{Document: v2, Previous: &v1}, WriteSkip},
		{"missing id", nil, WriteRow{Document: DocumentState{Data: map[string]any{}}}, WriteReject},
		{"previous of another document", &v1, WriteRow{Document: v2, Previous: &DocumentState{ID: "b", Rev: v1.Rev}}, WriteReject},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := DecideWrite(tt.current, tt.row)
			assert.Equal(t, tt.want, d.Action, d.Reason)
		})
	}

	t.Run("revision is derived when missing", func(t *testing.T) {
		d := DecideWrite(&v1, WriteRow{Document: DocumentState{ID: "a", Data: map[string]any{"n": 5.0}}, Previous: &v1})
		require.Equal(t, WriteStore, d.Action)
		assert.Equal(t, 2, d.Document.Height())
		assert.NotZero(t, d.Document.UpdatedAt)
	})
}

func TestWriteDecisionEvent(t *testing.T) {
	v1 := NewDocument("a", map[string]any{"n": 1.0})
	v2 := Update(v1, map[string]any{"n": 2.0})
	tomb := MarkDeleted(v2)

	tests := []struct {
		name    string
		current *DocumentState
		doc     DocumentState
		want    ChangeOperation
	}{
		{"insert", nil, v1, OperationInsert},
		{"update", &v1, v2, OperationUpdate},
		{"delete", &v2, tomb, OperationDelete},
		{"revive", &tomb, NewDocument("a", map[string]any{}), OperationInsert},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ev := WriteDecision{Action: WriteStore, Document: tt.doc, Current: tt.current}.Event()
			assert.Equal(t, tt.want, ev.Operation)
			assert.Equal(t, "a", ev.DocumentID)
		})
	}
}

func TestApplyRow(t *testing.T) {
	ctx := context.Background()
	v1 := NewDocument("a", map[string]any{"n": 1.0})
	v2 := Update(v1, map[string]any{"n": 2.0})

	t.Run("stored row carries an event", func(t *testing.T) {
		res := ApplyRow(ctx, nil, ConflictModeImmediate, "w", &v1, WriteRow{Document: v2, Previous: &v1})
		require.NotNil(t, res.Store)
		require.NotNil(t, res.Event)
		assert.Equal(t, v2.Rev, res.Success.Rev)
		assert.Nil(t, res.Error)
	})

	t.Run("skip stores nothing", func(t *testing.T) {
		res := ApplyRow(ctx, nil, ConflictModeImmediate, "w", &v2, WriteRow{Document: v2, Previous: &v1})
		assert.Nil(t, res.Store)
		assert.Nil(t, res.Event)
		assert.NotNil(t, res.Success)
	})

	t.Run("conflict reports the real master", func(t *testing.T) {
		res := ApplyRow(ctx, nil, ConflictModeImmediate, "w", &v2, WriteRow{Document: Update(v1, map[string]any{"n": 3.0}), Previous: &v1})
		require.NotNil(t, res.Error)
		assert.True(t, res.Error.IsConflict())
		assert.Equal(t, v2.Rev, res.Error.RealMaster.Rev)
	})

	t.Run("tasks mode without subscribers behaves like immediate", func(t *testing.T) {
		q := NewTaskQueue(logging.Discard())
		defer q.Close()
		res := ApplyRow(ctx, q, ConflictModeTasks, "w", &v2, WriteRow{Document: Update(v1, map[string]any{"n": 3.0}), Previous: &v1})
		require.NotNil(t, res.Error)
		assert.True(t, res.Error.IsConflict())
	})

	t.Run("tasks mode stores the resolution and reports it", func(t *testing.T) {
		q := NewTaskQueue(logging.Discard())
		defer q.Close()
		actx, cancel := context.WithCancel(ctx)
		defer cancel()
		answer(actx, t, q, func(ConflictTask) ConflictOutput {
			return ConflictOutput{Resolved: &DocumentState{ID: "a", Data: map[string]any{"n": 4.0}}}
		})

		res := ApplyRow(actx, q, ConflictModeTasks, "w", &v2, WriteRow{Document: Update(v1, map[string]any{"n": 3.0}), Previous: &v1})
		require.NotNil(t, res.Store)
		assert.Equal(t, 4.0, res.Store.Data["n"])
		assert.Nil(t, res.Success)
		require.NotNil(t, res.Error)
		assert.Equal(t, res.Store.Rev, res.Error.RealMaster.Rev)
	})
}
