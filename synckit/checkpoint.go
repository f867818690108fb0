package synckit

import (
	"context"
	"fmt"
	"sync"

	"github.com/c0deZ3R0/docsync/cursor"
	syncErrors "github.com/c0deZ3R0/docsync/errors"
)

// Direction is one half of a replication.
type Direction string

const (
	DirectionPull Direction = "pull"
	DirectionPush Direction = "push"
)

// CheckpointStore persists replication progress: one checkpoint per
// replication and direction, and the last master state each document was
// known to have.
type CheckpointStore interface {
	LoadCheckpoint(ctx context.Context, replicationID string, dir Direction) (cursor.Cursor, error)

	// SaveCheckpoint stores cp. A checkpoint that would move backwards is
	// rejected.
	SaveCheckpoint(ctx context.Context, replicationID string, dir Direction, cp cursor.Cursor) error

	LoadAssumedMaster(ctx context.Context, replicationID string, ids []string) (map[string]DocumentState, error)
	SaveAssumedMaster(ctx context.Context, replicationID string, docs []DocumentState) error
}

func checkForward(old, next cursor.Cursor) error {
	c, err := cursor.Compare(next, old)
	if err != nil {
		return syncErrors.NewValidationError(syncErrors.OpCheckpoint, err)
	}
	if c < 0 {
		return syncErrors.NewValidationError(syncErrors.OpCheckpoint,
			fmt.Errorf("checkpoint would move backwards from %v to %v", old, next))
	}
	return nil
}

type checkpointKey struct {
	id  string
	dir Direction
}

// MemoryCheckpointStore keeps progress in process memory.
type MemoryCheckpointStore struct {
	mu          sync.RWMutex
	checkpoints map[checkpointKey]cursor.Cursor
	assumed     map[string]map[string]DocumentState
}

var _ CheckpointStore = (*MemoryCheckpointStore)(nil)

func NewMemoryCheckpointStore() *MemoryCheckpointStore {
	return &MemoryCheckpointStore{
		checkpoints: make(map[checkpointKey]cursor.Cursor),
		assumed:     make(map[string]map[string]DocumentState),
	}
}

func (m *MemoryCheckpointStore) LoadCheckpoint(ctx context.Context, replicationID string, dir Direction) (cursor.Cursor, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.checkpoints[checkpointKey{replicationID, dir}], nil
}

func (m *MemoryCheckpointStore) SaveCheckpoint(ctx context.Context, replicationID string, dir Direction, cp cursor.Cursor) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := checkpointKey{replicationID, dir}
	if err := checkForward(m.checkpoints[key], cp); err != nil {
		return err
	}
	m.checkpoints[key] = cp
	return nil
}

func (m *MemoryCheckpointStore) LoadAssumedMaster(ctx context.Context, replicationID string, ids []string) (map[string]DocumentState, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]DocumentState, len(ids))
	states := m.assumed[replicationID]
	for _, id := range ids {
		if d, ok := states[id]; ok {
			out[id] = d.Clone()
		}
	}
	return out, nil
}

func (m *MemoryCheckpointStore) SaveAssumedMaster(ctx context.Context, replicationID string, docs []DocumentState) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	states := m.assumed[replicationID]
	if states == nil {
		states = make(map[string]DocumentState)
		m.assumed[replicationID] = states
	}
	for _, d := range docs {
		states[d.ID] = d.Clone()
	}
	return nil
}

// InstanceCheckpointStore keeps progress as documents in a storage instance
// dedicated to replication metadata, so it survives restarts of a
// persistent backend.
type InstanceCheckpointStore struct {
	instance StorageInstance
	cursors  *cursor.Registry
	mu       sync.Mutex
}

var _ CheckpointStore = (*InstanceCheckpointStore)(nil)

// NewInstanceCheckpointStore stores metadata in instance. A nil registry
// uses cursor.Default().
func NewInstanceCheckpointStore(instance StorageInstance, registry *cursor.Registry) *InstanceCheckpointStore {
	if registry == nil {
		registry = cursor.Default()
	}
	return &InstanceCheckpointStore{instance: instance, cursors: registry}
}

func checkpointDocID(replicationID string, dir Direction) string {
	return "checkpoint|" + replicationID + "|" + string(dir)
}

func assumedDocID(replicationID, docID string) string {
	return "assumed|" + replicationID + "|" + docID
}

func (s *InstanceCheckpointStore) find(ctx context.Context, ids ...string) (map[string]DocumentState, error) {
	docs, err := s.instance.FindByID(ctx, ids, false)
	if err != nil {
		return nil, err
	}
	out := make(map[string]DocumentState, len(docs))
	for _, d := range docs {
		out[d.ID] = d
	}
	return out, nil
}

func (s *InstanceCheckpointStore) LoadCheckpoint(ctx context.Context, replicationID string, dir Direction) (cursor.Cursor, error) {
	id := checkpointDocID(replicationID, dir)
	found, err := s.find(ctx, id)
	if err != nil {
		return nil, syncErrors.NewStorageError(syncErrors.OpCheckpoint, err)
	}
	doc, ok := found[id]
	if !ok {
		return nil, nil
	}
	raw, _ := doc.Data["checkpoint"].(string)
	return s.cursors.Decode([]byte(raw))
}

func (s *InstanceCheckpointStore) SaveCheckpoint(ctx context.Context, replicationID string, dir Direction, cp cursor.Cursor) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	old, err := s.LoadCheckpoint(ctx, replicationID, dir)
	if err != nil {
		return err
	}
	if err := checkForward(old, cp); err != nil {
		return err
	}
	encoded, err := s.cursors.Encode(cp)
	if err != nil {
		return syncErrors.NewValidationError(syncErrors.OpCheckpoint, err)
	}
	id := checkpointDocID(replicationID, dir)
	return s.put(ctx, map[string]map[string]any{id: {"checkpoint": string(encoded)}})
}

func (s *InstanceCheckpointStore) LoadAssumedMaster(ctx context.Context, replicationID string, ids []string) (map[string]DocumentState, error) {
	metaIDs := make([]string, len(ids))
	for i, id := range ids {
		metaIDs[i] = assumedDocID(replicationID, id)
	}
	found, err := s.find(ctx, metaIDs...)
	if err != nil {
		return nil, syncErrors.NewStorageError(syncErrors.OpCheckpoint, err)
	}
	out := make(map[string]DocumentState, len(found))
	for i, id := range ids {
		meta, ok := found[metaIDs[i]]
		if !ok {
			continue
		}
		m, _ := meta.Data["state"].(map[string]any)
		doc, err := DocumentFromMap(m)
		if err != nil {
			return nil, syncErrors.NewValidationError(syncErrors.OpCheckpoint,
				fmt.Errorf("decode assumed master state of %s: %w", id, err))
		}
		out[id] = doc
	}
	return out, nil
}

func (s *InstanceCheckpointStore) SaveAssumedMaster(ctx context.Context, replicationID string, docs []DocumentState) error {
	if len(docs) == 0 {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	values := make(map[string]map[string]any, len(docs))
	for _, d := range docs {
		m, err := DocumentToMap(d)
		if err != nil {
			return syncErrors.NewValidationError(syncErrors.OpCheckpoint, err)
		}
		values[assumedDocID(replicationID, d.ID)] = map[string]any{"state": m}
	}
	return s.put(ctx, values)
}

// put upserts meta documents. The metadata instance has a single writer, so
// a conflict only happens when a row raced a concurrent Cleanup; the write
// is retried once against the fresh state.
func (s *InstanceCheckpointStore) put(ctx context.Context, values map[string]map[string]any) error {
	for attempt := 0; attempt < 2; attempt++ {
		ids := make([]string, 0, len(values))
		for id := range values {
			ids = append(ids, id)
		}
		current, err := s.find(ctx, ids...)
		if err != nil {
			return syncErrors.NewStorageError(syncErrors.OpCheckpoint, err)
		}
		rows := make([]WriteRow, 0, len(values))
		for id, data := range values {
			doc := DocumentState{ID: id, Data: data}
			if cur, ok := current[id]; ok {
				rows = append(rows, WriteRow{Document: NextState(&cur, doc), Previous: cur.Ptr()})
			} else {
				rows = append(rows, WriteRow{Document: NextState(nil, doc)})
			}
		}
		resp, err := s.instance.BulkWrite(ctx, rows, "replication-meta")
		if err != nil {
			return syncErrors.NewStorageError(syncErrors.OpCheckpoint, err)
		}
		if len(resp.Errors) == 0 {
			return nil
		}
		retry := make(map[string]map[string]any, len(resp.Errors))
		for _, we := range resp.Errors {
			if !we.IsConflict() {
				return syncErrors.NewStorageError(syncErrors.OpCheckpoint, we)
			}
			retry[we.DocumentID] = values[we.DocumentID]
		}
		values = retry
	}
	return syncErrors.NewStorageError(syncErrors.OpCheckpoint, fmt.Errorf("metadata write kept conflicting"))
}
