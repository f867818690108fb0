// Package memory provides an in-process storage backend. Instances created
// with the same database and collection names share their documents and
// change feed. Data is kept after the last instance closes, until Remove.
package memory

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/c0deZ3R0/docsync/cursor"
	syncErrors "github.com/c0deZ3R0/docsync/errors"
	"github.com/c0deZ3R0/docsync/logging"
	"github.com/c0deZ3R0/docsync/synckit"
)

const component = "storage/memory"

// Storage creates memory instances.
type Storage struct {
	mu          sync.Mutex
	collections map[string]*collection
	logger      *slog.Logger
	feedBuffer  int
}

var _ synckit.Storage = (*Storage)(nil)

// Option configures a Storage.
type Option func(*Storage)

func WithLogger(l *slog.Logger) Option {
	return func(s *Storage) { s.logger = l }
}

// WithFeedBuffer sets the per-subscriber buffer of change feeds.
func WithFeedBuffer(n int) Option {
	return func(s *Storage) {
		if n > 0 {
			s.feedBuffer = n
		}
	}
}

// New creates an empty memory storage.
func New(opts ...Option) *Storage {
	s := &Storage{collections: make(map[string]*collection), feedBuffer: 64}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = logging.For(s.logger, logging.Component(component))
	return s
}

func (s *Storage) Name() string { return "memory" }

// CreateInstance opens the collection named by cfg, creating it on first use.
func (s *Storage) CreateInstance(ctx context.Context, cfg synckit.InstanceConfig) (synckit.StorageInstance, error) {
	if err := cfg.Validate(); err != nil {
		return nil, syncErrors.E(syncErrors.OpCreateInstance, syncErrors.Component(component), syncErrors.KindInvalid, err)
	}
	key := cfg.DatabaseName + "/" + cfg.CollectionName
	logger := s.logger
	if cfg.Logger != nil {
		logger = logging.For(cfg.Logger, logging.Component(component))
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.collections[key]
	if !ok {
		c = newCollection(key, s.feedBuffer, logger)
		s.collections[key] = c
		logger.Debug("Collection created", "collection", key)
	}
	c.refs++
	return &Instance{storage: s, c: c, cfg: cfg, logger: logger.With("collection", key)}, nil
}

// release drops one reference. Data outlives its instances and is only
// discarded by Remove.
func (s *Storage) release(c *collection, remove bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c.refs--
	if !remove {
		return
	}
	if s.collections[c.key] == c {
		delete(s.collections, c.key)
	}
	c.shutdown()
}

type collection struct {
	key string

	// writeMu serializes bulk writes including publication of their change
	// batch, so batches are published in sequence order.
	writeMu sync.Mutex

	mu    sync.RWMutex
	docs  map[string]synckit.DocumentState
	seqOf map[string]uint64
	seq   uint64

	feed  *synckit.Feed[synckit.ChangeEventBatch]
	tasks *synckit.TaskQueue
	once  sync.Once
	refs  int
}

func newCollection(key string, buffer int, logger *slog.Logger) *collection {
	return &collection{
		key:   key,
		docs:  make(map[string]synckit.DocumentState),
		seqOf: make(map[string]uint64),
		feed: synckit.NewFeed[synckit.ChangeEventBatch](synckit.FeedConfig{
			Name:   "changes " + key,
			Buffer: buffer,
			Policy: synckit.PolicyBlock,
			Logger: logger,
		}),
		tasks: synckit.NewTaskQueue(logger),
	}
}

func (c *collection) shutdown() {
	c.once.Do(func() {
		c.tasks.Close()
		c.feed.Close()
	})
}

func (c *collection) current(id string) *synckit.DocumentState {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if d, ok := c.docs[id]; ok {
		return d.Ptr()
	}
	return nil
}

// Instance is a handle on a memory collection.
type Instance struct {
	storage *Storage
	c       *collection
	cfg     synckit.InstanceConfig
	logger  *slog.Logger
	closed  atomic.Bool
}

var _ synckit.StorageInstance = (*Instance)(nil)

func (i *Instance) check(op syncErrors.Operation) error {
	if i.closed.Load() {
		return syncErrors.E(op, syncErrors.Component(component), syncErrors.ErrClosed)
	}
	return nil
}

func (i *Instance) BulkWrite(ctx context.Context, rows []synckit.WriteRow, writeContext string) (synckit.BulkWriteResponse, error) {
	var resp synckit.BulkWriteResponse
	if err := i.check(syncErrors.OpBulkWrite); err != nil {
		return resp, err
	}
	if err := ctx.Err(); err != nil {
		return resp, err
	}

	c := i.c
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	staged := make(map[string]synckit.DocumentState)
	var (
		order  []string
		events []synckit.ChangeEvent
	)
	for _, row := range rows {
		cur := c.current(row.Document.ID)
		if d, ok := staged[row.Document.ID]; ok {
			cur = d.Ptr()
		}
		res := synckit.ApplyRow(ctx, c.tasks, i.cfg.ConflictMode, writeContext, cur, row)
		if res.Store != nil {
			if _, seen := staged[res.Store.ID]; !seen {
				order = append(order, res.Store.ID)
			}
			staged[res.Store.ID] = *res.Store
			events = append(events, *res.Event)
		}
		if res.Success != nil {
			resp.Success = append(resp.Success, *res.Success)
		}
		if res.Error != nil {
			resp.Errors = append(resp.Errors, *res.Error)
		}
	}
	if len(events) == 0 {
		return resp, nil
	}

	c.mu.Lock()
	for _, id := range order {
		c.seq++
		c.docs[id] = staged[id]
		c.seqOf[id] = c.seq
	}
	seq := c.seq
	c.mu.Unlock()

	batch := synckit.ChangeEventBatch{
		ID:         uuid.NewString(),
		Events:     events,
		Checkpoint: cursor.NewInteger(seq),
		Context:    writeContext,
	}
	c.feed.Publish(ctx, batch)
	i.logger.Debug("Bulk write applied",
		"rows", len(rows),
		"stored", len(order),
		"errors", len(resp.Errors),
		"context", writeContext)
	return resp, nil
}

func (i *Instance) FindByID(ctx context.Context, ids []string, withDeleted bool) ([]synckit.DocumentState, error) {
	if err := i.check(syncErrors.OpFind); err != nil {
		return nil, err
	}
	i.c.mu.RLock()
	defer i.c.mu.RUnlock()
	out := make([]synckit.DocumentState, 0, len(ids))
	for _, id := range ids {
		d, ok := i.c.docs[id]
		if !ok || (d.Deleted && !withDeleted) {
			continue
		}
		out = append(out, d.Clone())
	}
	return out, nil
}

func (i *Instance) Query(ctx context.Context, q synckit.PreparedQuery) ([]synckit.DocumentState, error) {
	if err := i.check(syncErrors.OpQuery); err != nil {
		return nil, err
	}
	i.c.mu.RLock()
	all := make([]synckit.DocumentState, 0, len(i.c.docs))
	for _, d := range i.c.docs {
		all = append(all, d.Clone())
	}
	i.c.mu.RUnlock()
	return q.Apply(all), nil
}

func (i *Instance) ChangeFeed() *synckit.Feed[synckit.ChangeEventBatch] { return i.c.feed }

func (i *Instance) ChangesSince(ctx context.Context, checkpoint cursor.Cursor, limit int) (synckit.ChangesPage, error) {
	if err := i.check(syncErrors.OpChangesSince); err != nil {
		return synckit.ChangesPage{}, err
	}
	if _, ok := checkpoint.(cursor.IntegerCursor); checkpoint != nil && !ok {
		return synckit.ChangesPage{}, syncErrors.NewValidationError(syncErrors.OpChangesSince, cursor.ErrIncomparable)
	}
	since := cursor.Seq(checkpoint)

	i.c.mu.RLock()
	type entry struct {
		seq uint64
		doc synckit.DocumentState
	}
	entries := make([]entry, 0)
	for id, seq := range i.c.seqOf {
		if seq > since {
			entries = append(entries, entry{seq: seq, doc: i.c.docs[id]})
		}
	}
	i.c.mu.RUnlock()

	sort.Slice(entries, func(a, b int) bool { return entries[a].seq < entries[b].seq })
	if limit > 0 && len(entries) > limit {
		entries = entries[:limit]
	}

	page := synckit.ChangesPage{Documents: make([]synckit.DocumentState, len(entries)), Checkpoint: checkpoint}
	for n, e := range entries {
		page.Documents[n] = e.doc.Clone()
	}
	if len(entries) > 0 {
		page.Checkpoint = cursor.NewInteger(entries[len(entries)-1].seq)
	}
	return page, nil
}

func (i *Instance) ConflictTasks() *synckit.Feed[synckit.ConflictTask] { return i.c.tasks.Feed() }

func (i *Instance) ResolveConflictTask(ctx context.Context, res synckit.ConflictResolution) error {
	if err := i.check(syncErrors.OpResolveTask); err != nil {
		return err
	}
	return i.c.tasks.Resolve(res)
}

// Cleanup purges every tombstone older than minimumDeletedAge in one pass.
func (i *Instance) Cleanup(ctx context.Context, minimumDeletedAge time.Duration) (bool, error) {
	if err := i.check(syncErrors.OpBulkWrite); err != nil {
		return false, err
	}
	cutoff := time.Now().Add(-minimumDeletedAge).UnixMilli()

	i.c.writeMu.Lock()
	defer i.c.writeMu.Unlock()
	i.c.mu.Lock()
	defer i.c.mu.Unlock()
	purged := 0
	for id, d := range i.c.docs {
		if d.Deleted && d.UpdatedAt <= cutoff {
			delete(i.c.docs, id)
			delete(i.c.seqOf, id)
			purged++
		}
	}
	if purged > 0 {
		i.logger.Info("Purged tombstones", "count", purged, "minimum_age", minimumDeletedAge)
	}
	return true, nil
}

func (i *Instance) Close() error {
	if i.closed.Swap(true) {
		return nil
	}
	i.storage.release(i.c, false)
	return nil
}

// Remove drops the collection for every instance that shares it.
func (i *Instance) Remove(ctx context.Context) error {
	if i.closed.Swap(true) {
		return syncErrors.E(syncErrors.OpClose, syncErrors.Component(component), syncErrors.ErrClosed)
	}
	i.c.writeMu.Lock()
	i.c.mu.Lock()
	i.c.docs = make(map[string]synckit.DocumentState)
	i.c.seqOf = make(map[string]uint64)
	i.c.mu.Unlock()
	i.c.writeMu.Unlock()
	i.storage.release(i.c, true)
	return nil
}
