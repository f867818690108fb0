// Package registry exposes storage instances through opaque handles, for
// callers that cannot hold Go values across a boundary such as a worker
// protocol.
package registry

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/c0deZ3R0/docsync/cursor"
	syncErrors "github.com/c0deZ3R0/docsync/errors"
	"github.com/c0deZ3R0/docsync/logging"
	"github.com/c0deZ3R0/docsync/synckit"
)

const component = "storage/registry"

// Handle names an instance in a Registry.
type Handle string

// Registry maps handles to instances of one Storage.
type Registry struct {
	storage synckit.Storage
	logger  *slog.Logger

	mu        sync.RWMutex
	instances map[Handle]synckit.StorageInstance
}

func New(storage synckit.Storage, logger *slog.Logger) *Registry {
	return &Registry{
		storage:   storage,
		logger:    logging.For(logger, logging.Component(component)),
		instances: make(map[Handle]synckit.StorageInstance),
	}
}

func (r *Registry) CreateInstance(ctx context.Context, cfg synckit.InstanceConfig) (Handle, error) {
	inst, err := r.storage.CreateInstance(ctx, cfg)
	if err != nil {
		return "", err
	}
	h := Handle(uuid.NewString())
	r.mu.Lock()
	r.instances[h] = inst
	r.mu.Unlock()
	r.logger.Debug("Instance registered", "handle", h, "collection", cfg.CollectionName)
	return h, nil
}

// Lookup returns the instance behind h.
func (r *Registry) Lookup(h Handle) (synckit.StorageInstance, error) {
	r.mu.RLock()
	inst, ok := r.instances[h]
	r.mu.RUnlock()
	if !ok {
		return nil, syncErrors.E(syncErrors.Component(component), fmt.Errorf("handle %q: %w", h, syncErrors.ErrUnknownHandle))
	}
	return inst, nil
}

func (r *Registry) take(h Handle) (synckit.StorageInstance, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	inst, ok := r.instances[h]
	if !ok {
		return nil, syncErrors.E(syncErrors.Component(component), fmt.Errorf("handle %q: %w", h, syncErrors.ErrUnknownHandle))
	}
	delete(r.instances, h)
	return inst, nil
}

// Len returns the number of open handles.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.instances)
}

func (r *Registry) BulkWrite(ctx context.Context, h Handle, rows []synckit.WriteRow, writeContext string) (synckit.BulkWriteResponse, error) {
	inst, err := r.Lookup(h)
	if err != nil {
		return synckit.BulkWriteResponse{}, err
	}
	return inst.BulkWrite(ctx, rows, writeContext)
}

func (r *Registry) FindByID(ctx context.Context, h Handle, ids []string, withDeleted bool) ([]synckit.DocumentState, error) {
	inst, err := r.Lookup(h)
	if err != nil {
		return nil, err
	}
	return inst.FindByID(ctx, ids, withDeleted)
}

func (r *Registry) Query(ctx context.Context, h Handle, q synckit.PreparedQuery) ([]synckit.DocumentState, error) {
	inst, err := r.Lookup(h)
	if err != nil {
		return nil, err
	}
	return inst.Query(ctx, q)
}

func (r *Registry) ChangeFeed(h Handle) (*synckit.Feed[synckit.ChangeEventBatch], error) {
	inst, err := r.Lookup(h)
	if err != nil {
		return nil, err
	}
	return inst.ChangeFeed(), nil
}

func (r *Registry) ChangesSince(ctx context.Context, h Handle, checkpoint cursor.Cursor, limit int) (synckit.ChangesPage, error) {
	inst, err := r.Lookup(h)
	if err != nil {
		return synckit.ChangesPage{}, err
	}
	return inst.ChangesSince(ctx, checkpoint, limit)
}

func (r *Registry) ConflictTasks(h Handle) (*synckit.Feed[synckit.ConflictTask], error) {
	inst, err := r.Lookup(h)
	if err != nil {
		return nil, err
	}
	return inst.ConflictTasks(), nil
}

func (r *Registry) ResolveConflictTask(ctx context.Context, h Handle, res synckit.ConflictResolution) error {
	inst, err := r.Lookup(h)
	if err != nil {
		return err
	}
	return inst.ResolveConflictTask(ctx, res)
}

func (r *Registry) Cleanup(ctx context.Context, h Handle, minimumDeletedAge time.Duration) (bool, error) {
	inst, err := r.Lookup(h)
	if err != nil {
		return false, err
	}
	return inst.Cleanup(ctx, minimumDeletedAge)
}

// Close closes the instance and forgets the handle.
func (r *Registry) Close(h Handle) error {
	inst, err := r.take(h)
	if err != nil {
		return err
	}
	return inst.Close()
}

// Remove removes the instance's data and forgets the handle.
func (r *Registry) Remove(ctx context.Context, h Handle) error {
	inst, err := r.take(h)
	if err != nil {
		return err
	}
	return inst.Remove(ctx)
}

// CloseAll closes every registered instance and returns the first error.
func (r *Registry) CloseAll() error {
	r.mu.Lock()
	instances := r.instances
	r.instances = make(map[Handle]synckit.StorageInstance)
	r.mu.Unlock()

	var first error
	for h, inst := range instances {
		if err := inst.Close(); err != nil {
			r.logger.Warn("Failed to close instance", "handle", h, "error", err)
			if first == nil {
				first = err
			}
		}
	}
	return first
}
