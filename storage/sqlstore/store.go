// Package sqlstore implements document storage on database/sql. Each
// collection lives in its own table; a shared sequence table hands out the
// per-collection change sequence used as checkpoint. The sqlite and
// postgres backends wrap it with their driver and dialect.
package sqlstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/c0deZ3R0/docsync/cursor"
	syncErrors "github.com/c0deZ3R0/docsync/errors"
	"github.com/c0deZ3R0/docsync/logging"
	"github.com/c0deZ3R0/docsync/synckit"
)

// Commit describes one committed bulk write. The documents it stored carry
// sequence numbers in (From, To].
type Commit struct {
	Key     string `json:"key"`
	BatchID string `json:"batch"`
	Context string `json:"context"`
	From    uint64 `json:"from"`
	To      uint64 `json:"to"`
}

// Notifier is called inside the write transaction of every bulk write that
// stored something. Postgres uses it to emit NOTIFY for other processes.
type Notifier func(ctx context.Context, tx *sql.Tx, commit Commit) error

// Store creates instances backed by one *sql.DB.
type Store struct {
	db         *sql.DB
	dialect    Dialect
	component  string
	logger     *slog.Logger
	feedBuffer int
	notifier   Notifier
	ownsDB     bool

	mu          sync.Mutex
	collections map[string]*collection
}

var _ synckit.Storage = (*Store)(nil)

// Option configures a Store.
type Option func(*Store)

func WithLogger(l *slog.Logger) Option {
	return func(s *Store) { s.logger = l }
}

// WithFeedBuffer sets the per-subscriber buffer of change feeds.
func WithFeedBuffer(n int) Option {
	return func(s *Store) {
		if n > 0 {
			s.feedBuffer = n
		}
	}
}

func WithNotifier(n Notifier) Option {
	return func(s *Store) { s.notifier = n }
}

// WithComponent names the component in logs and errors.
func WithComponent(name string) Option {
	return func(s *Store) { s.component = name }
}

// OwnDB makes Close close the database handle.
func OwnDB() Option {
	return func(s *Store) { s.ownsDB = true }
}

// New wraps db. The schema of a collection is created when its first
// instance is opened.
func New(db *sql.DB, dialect Dialect, opts ...Option) *Store {
	s := &Store{
		db:          db,
		dialect:     dialect,
		component:   "storage/" + dialect.Name,
		feedBuffer:  64,
		collections: make(map[string]*collection),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = logging.For(s.logger, logging.Component(s.component))
	return s
}

func (s *Store) Name() string { return s.dialect.Name }

// DB returns the underlying handle.
func (s *Store) DB() *sql.DB { return s.db }

// Stats returns database statistics for monitoring.
func (s *Store) Stats() sql.DBStats { return s.db.Stats() }

func (s *Store) CreateInstance(ctx context.Context, cfg synckit.InstanceConfig) (synckit.StorageInstance, error) {
	if err := cfg.Validate(); err != nil {
		return nil, syncErrors.E(syncErrors.OpCreateInstance, syncErrors.Component(s.component), syncErrors.KindInvalid, err)
	}
	key := collectionKey(cfg.DatabaseName, cfg.CollectionName)
	logger := s.logger
	if cfg.Logger != nil {
		logger = logging.For(cfg.Logger, logging.Component(s.component))
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.collections[key]
	if !ok {
		table := tableName(cfg.DatabaseName, cfg.CollectionName)
		if err := s.setupSchema(ctx, key, table); err != nil {
			return nil, s.storageErr(syncErrors.OpCreateInstance, fmt.Errorf("failed to setup schema for %s: %w", key, err))
		}
		c = newCollection(key, table, s.feedBuffer, logger)
		s.collections[key] = c
		logger.Debug("Collection opened", "collection", key, "table", table)
	}
	c.refs++
	return &Instance{store: s, c: c, cfg: cfg, logger: logger.With("collection", key)}, nil
}

func collectionKey(database, collection string) string { return database + "/" + collection }

func (s *Store) setupSchema(ctx context.Context, key, table string) error {
	for _, stmt := range s.dialect.schema(table) {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	_, err := s.db.ExecContext(ctx,
		fmt.Sprintf(`INSERT INTO %s (collection, seq) VALUES (%s, 0) ON CONFLICT (collection) DO NOTHING`,
			sequencesTable, s.dialect.placeholders(1, 1)),
		key)
	return err
}

func (s *Store) release(c *collection, remove bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c.refs--
	if !remove && c.refs > 0 {
		return
	}
	if s.collections[c.key] == c {
		delete(s.collections, c.key)
	}
	c.shutdown()
}

// Close shuts down every open collection and, with OwnDB, the database.
func (s *Store) Close() error {
	s.mu.Lock()
	cols := make([]*collection, 0, len(s.collections))
	for key, c := range s.collections {
		cols = append(cols, c)
		delete(s.collections, key)
	}
	s.mu.Unlock()
	for _, c := range cols {
		c.shutdown()
	}
	if s.ownsDB {
		return s.db.Close()
	}
	return nil
}

// PublishExternal turns a write committed by another process into a change
// batch on the local feed of the collection. Documents changed again since
// are left to the batch of that later write. Collections without open
// instances are ignored.
func (s *Store) PublishExternal(ctx context.Context, commit Commit) error {
	s.mu.Lock()
	c, ok := s.collections[commit.Key]
	s.mu.Unlock()
	if !ok {
		return nil
	}
	rows, err := s.db.QueryContext(ctx,
		fmt.Sprintf(`SELECT %s FROM %s WHERE seq > %s AND seq <= %s ORDER BY seq ASC`,
			docColumns, c.table, s.dialect.Placeholder(1), s.dialect.Placeholder(2)),
		int64(commit.From), int64(commit.To))
	if err != nil {
		return s.storageErr(syncErrors.OpChangesSince, err)
	}
	docs, err := scanDocs(rows, false)
	if err != nil {
		return s.storageErr(syncErrors.OpChangesSince, err)
	}
	if len(docs) == 0 {
		return nil
	}
	events := make([]synckit.ChangeEvent, 0, len(docs))
	for _, sd := range docs {
		d := sd.doc
		op := synckit.OperationUpdate
		switch {
		case d.Deleted:
			op = synckit.OperationDelete
		case d.Height() == 1:
			op = synckit.OperationInsert
		}
		events = append(events, synckit.ChangeEvent{Operation: op, DocumentID: d.ID, Document: d})
	}
	c.feed.Publish(ctx, synckit.ChangeEventBatch{
		ID:         commit.BatchID,
		Events:     events,
		Checkpoint: cursor.NewInteger(commit.To),
		Context:    commit.Context,
	})
	return nil
}

func (s *Store) storageErr(op syncErrors.Operation, err error) error {
	return syncErrors.E(op, syncErrors.Component(s.component), syncErrors.KindTransient, err)
}

type collection struct {
	key   string
	table string

	// writeMu serializes bulk writes of this process including publication
	// of their change batch.
	writeMu sync.Mutex

	feed  *synckit.Feed[synckit.ChangeEventBatch]
	tasks *synckit.TaskQueue
	once  sync.Once
	refs  int
}

func newCollection(key, table string, buffer int, logger *slog.Logger) *collection {
	return &collection{
		key:   key,
		table: table,
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

// querier is satisfied by *sql.DB and *sql.Tx.
type querier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

const docColumns = "id, rev, deleted, data, updated_at"

// maxBindVars bounds the size of IN lists.
const maxBindVars = 500

func (s *Store) load(ctx context.Context, q querier, table string, ids []string, withDeleted bool) ([]synckit.DocumentState, error) {
	var out []synckit.DocumentState
	for start := 0; start < len(ids); start += maxBindVars {
		end := min(start+maxBindVars, len(ids))
		chunk := ids[start:end]
		args := make([]any, 0, len(chunk)+1)
		for _, id := range chunk {
			args = append(args, id)
		}
		query := fmt.Sprintf(`SELECT %s FROM %s WHERE id IN (%s)`, docColumns, table, s.dialect.placeholders(1, len(chunk)))
		if !withDeleted {
			query += " AND deleted = " + s.dialect.Placeholder(len(chunk)+1)
			args = append(args, false)
		}
		rows, err := q.QueryContext(ctx, query, args...)
		if err != nil {
			return nil, err
		}
		docs, err := scanDocs(rows, false)
		if err != nil {
			return nil, err
		}
		for _, d := range docs {
			out = append(out, d.doc)
		}
	}
	return out, nil
}

type seqDoc struct {
	doc synckit.DocumentState
	seq uint64
}

func scanDocs(rows *sql.Rows, withSeq bool) ([]seqDoc, error) {
	defer rows.Close()
	var out []seqDoc
	for rows.Next() {
		var (
			d    synckit.DocumentState
			data []byte
			seq  int64
		)
		dest := []any{&d.ID, &d.Rev, &d.Deleted, &data, &d.UpdatedAt}
		if withSeq {
			dest = append(dest, &seq)
		}
		if err := rows.Scan(dest...); err != nil {
			return nil, fmt.Errorf("failed to scan document row: %w", err)
		}
		if err := json.Unmarshal(data, &d.Data); err != nil {
			return nil, fmt.Errorf("failed to decode document %s: %w", d.ID, err)
		}
		out = append(out, seqDoc{doc: d, seq: uint64(seq)})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error during row iteration: %w", err)
	}
	return out, nil
}
