package synckit

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c0deZ3R0/docsync/logging"
)

type recordingMetrics struct {
	mu       sync.Mutex
	outcomes []string
}

func (m *recordingMetrics) RecordResolution(handler, outcome string, _ time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.outcomes = append(m.outcomes, handler+":"+outcome)
}

func TestObservableHandler(t *testing.T) {
	ctx := context.Background()
	metrics := &recordingMetrics{}
	log := NewResolutionLog(10)
	var resolved, failed int

	boom := errors.New("boom")
	failing := &mockHandler{err: boom}
	hooks := Hooks{
		OnResolved: func(ConflictInput, ConflictOutput) { resolved++ },
		OnError:    func(ConflictInput, error) { failed++ },
	}
	opts := []ObserverOption{
		WithObserverLogger(logging.Discard()),
		WithResolutionMetrics(metrics),
		WithResolutionLog(log),
		WithObserverHooks(hooks),
	}

	master := Observe("master", KeepMaster(), opts...)
	newer := Observe("new", KeepNew(), opts...)
	broken := Observe("broken", failing, opts...)

	in := conflictFor("a")
	in.NewState.Rev = "2-n"
	in.RealMasterState.Rev = "2-r"
	assumed := DocumentState{ID: "a", Rev: "1-x", Data: map[string]any{"v": "old"}}
	in.AssumedMasterState = &assumed

	out, err := master.Resolve(ctx, in)
	require.NoError(t, err)
	assert.Equal(t, "real", out.Resolved.Data["v"])

	_, err = newer.Resolve(ctx, in)
	require.NoError(t, err)

	_, err = master.Resolve(ctx, ConflictInput{NewState: in.RealMasterState, RealMasterState: in.RealMasterState})
	require.NoError(t, err)

	_, err = broken.Resolve(ctx, in)
	assert.ErrorIs(t, err, boom)

	assert.Equal(t, []string{"master:master", "new:resolved", "master:equal", "broken:error"}, metrics.outcomes)
	assert.Equal(t, 3, resolved)
	assert.Equal(t, 1, failed)

	recs := log.Records()
	require.Len(t, recs, 4)
	first := recs[0]
	assert.NotEmpty(t, first.ID)
	assert.Equal(t, "master", first.Handler)
	assert.Equal(t, "a", first.DocumentID)
	assert.Equal(t, "2-n", first.NewRev)
	assert.Equal(t, "1-x", first.AssumedRev)
	assert.Equal(t, "2-r", first.RealRev)
	assert.Equal(t, []string{"v"}, first.ChangedFields)
	assert.True(t, first.KeptMaster)
	assert.False(t, recs[1].KeptMaster)
	assert.True(t, recs[2].IsEqual)
	assert.Empty(t, recs[2].ChangedFields)
	assert.Equal(t, "boom", recs[3].Error)
}

func TestResolutionLog(t *testing.T) {
	log := NewResolutionLog(3)
	start := time.Now()
	for i, id := range []string{"a", "b", "a", "c"} {
		log.Add(ResolutionRecord{ID: string(rune('0' + i)), DocumentID: id, Timestamp: start.Add(time.Duration(i) * time.Second)})
	}

	assert.Equal(t, 3, log.Len())
	var ids []string
	for _, rec := range log.Records() {
		ids = append(ids, rec.ID)
	}
	assert.Equal(t, []string{"1", "2", "3"}, ids, "oldest record is dropped")
	assert.Len(t, log.ForDocument("a"), 1)
	assert.Len(t, log.Since(start.Add(2*time.Second)), 2)

	data, err := json.Marshal(log)
	require.NoError(t, err)
	var decoded []ResolutionRecord
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.Len(t, decoded, 3)
	assert.Equal(t, "c", decoded[2].DocumentID)
}

func TestChangedFields(t *testing.T) {
	a := DocumentState{Data: map[string]any{"x": 1, "y": "same", "only-a": true}}
	b := DocumentState{Data: map[string]any{"x": 2.0, "y": "same", "only-b": nil}}
	assert.Equal(t, []string{"only-a", "only-b", "x"}, changedFields(a, b))

	b.Data["x"] = 1.0
	assert.Equal(t, []string{"only-a", "only-b"}, changedFields(a, b))
}
