// Package mongo provides a MongoDB document storage backend. Each
// collection maps to a MongoDB collection; a shared counters collection
// hands out the change sequence used as checkpoint.
package mongo

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	syncErrors "github.com/c0deZ3R0/docsync/errors"
	"github.com/c0deZ3R0/docsync/logging"
	"github.com/c0deZ3R0/docsync/synckit"
)

const (
	component          = "storage/mongo"
	countersCollection = "docsync_sequences"
)

// Config configures the MongoDB storage.
type Config struct {
	// URI is the connection string, e.g. "mongodb://localhost:27017".
	URI string

	// Database is used for instances that do not name a database.
	// Defaults to "docsync".
	Database string

	Logger         *slog.Logger
	FeedBuffer     int
	ConnectTimeout time.Duration
}

func (c *Config) setDefaults() {
	if c.Database == "" {
		c.Database = "docsync"
	}
	if c.ConnectTimeout == 0 {
		c.ConnectTimeout = 10 * time.Second
	}
	if c.FeedBuffer <= 0 {
		c.FeedBuffer = 64
	}
}

// Store creates instances on one client.
type Store struct {
	client     *mongo.Client
	database   string
	logger     *slog.Logger
	feedBuffer int
	ownsClient bool

	mu          sync.Mutex
	collections map[string]*collection
}

var _ synckit.Storage = (*Store)(nil)

// Open connects to MongoDB and pings the server.
func Open(ctx context.Context, config *Config) (*Store, error) {
	if config == nil || config.URI == "" {
		return nil, fmt.Errorf("mongo URI is required")
	}
	config.setDefaults()

	ctx, cancel := context.WithTimeout(ctx, config.ConnectTimeout)
	defer cancel()
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(config.URI))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to mongo: %w", err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("failed to ping mongo: %w", err)
	}
	s := New(client, config.Database, config.Logger, config.FeedBuffer)
	s.ownsClient = true
	return s, nil
}

// New wraps an existing client. The caller keeps ownership of it.
func New(client *mongo.Client, database string, logger *slog.Logger, feedBuffer int) *Store {
	if database == "" {
		database = "docsync"
	}
	if feedBuffer <= 0 {
		feedBuffer = 64
	}
	return &Store{
		client:      client,
		database:    database,
		logger:      logging.For(logger, logging.Component(component)),
		feedBuffer:  feedBuffer,
		collections: make(map[string]*collection),
	}
}

func (s *Store) Name() string { return "mongo" }

func (s *Store) CreateInstance(ctx context.Context, cfg synckit.InstanceConfig) (synckit.StorageInstance, error) {
	if err := cfg.Validate(); err != nil {
		return nil, syncErrors.E(syncErrors.OpCreateInstance, syncErrors.Component(component), syncErrors.KindInvalid, err)
	}
	dbName := cfg.DatabaseName
	if dbName == "" {
		dbName = s.database
	}
	key := dbName + "/" + cfg.CollectionName
	logger := s.logger
	if cfg.Logger != nil {
		logger = logging.For(cfg.Logger, logging.Component(component))
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.collections[key]
	if !ok {
		db := s.client.Database(dbName)
		c = newCollection(key, db.Collection(cfg.CollectionName), db.Collection(countersCollection), s.feedBuffer, logger)
		if err := c.ensureIndexes(ctx); err != nil {
			return nil, storageErr(syncErrors.OpCreateInstance, fmt.Errorf("failed to create indexes for %s: %w", key, err))
		}
		s.collections[key] = c
		logger.Debug("Collection opened", "collection", key)
	}
	c.refs++
	return &Instance{store: s, c: c, cfg: cfg, logger: logger.With("collection", key)}, nil
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

// Close shuts down open collections and disconnects a client opened by Open.
func (s *Store) Close() error {
	s.mu.Lock()
	for key, c := range s.collections {
		c.shutdown()
		delete(s.collections, key)
	}
	s.mu.Unlock()
	if s.ownsClient {
		return s.client.Disconnect(context.Background())
	}
	return nil
}

func storageErr(op syncErrors.Operation, err error) error {
	return syncErrors.E(op, syncErrors.Component(component), syncErrors.KindTransient, err)
}

type collection struct {
	key      string
	docs     *mongo.Collection
	counters *mongo.Collection

	writeMu sync.Mutex
	feed    *synckit.Feed[synckit.ChangeEventBatch]
	tasks   *synckit.TaskQueue
	once    sync.Once
	refs    int
}

func newCollection(key string, docs, counters *mongo.Collection, buffer int, logger *slog.Logger) *collection {
	return &collection{
		key:      key,
		docs:     docs,
		counters: counters,
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

func (c *collection) ensureIndexes(ctx context.Context) error {
	_, err := c.docs.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "seq", Value: 1}}},
		{Keys: bson.D{{Key: "deleted", Value: 1}, {Key: "updatedAt", Value: 1}}},
	})
	return err
}

// nextSeq reserves one sequence number.
func (c *collection) nextSeq(ctx context.Context) (int64, error) {
	var counter struct {
		Seq int64 `bson:"seq"`
	}
	err := c.counters.FindOneAndUpdate(ctx,
		bson.M{"_id": c.key},
		bson.M{"$inc": bson.M{"seq": int64(1)}},
		options.FindOneAndUpdate().SetUpsert(true).SetReturnDocument(options.After),
	).Decode(&counter)
	return counter.Seq, err
}

// record is the stored form of a document.
type record struct {
	synckit.DocumentState `bson:",inline"`
	Seq                   int64 `bson:"seq"`
}

func (r record) document() synckit.DocumentState {
	d := r.DocumentState
	d.Data = normalizeMap(d.Data)
	return d
}

// normalizeMap converts the driver's document and array types back to the
// plain maps and slices the rest of the system compares.
func normalizeMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = normalize(v)
	}
	return out
}

func normalize(v any) any {
	switch t := v.(type) {
	case primitive.M:
		return normalizeMap(t)
	case map[string]any:
		return normalizeMap(t)
	case primitive.D:
		out := make(map[string]any, len(t))
		for _, e := range t {
			out[e.Key] = normalize(e.Value)
		}
		return out
	case primitive.A:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = normalize(e)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = normalize(e)
		}
		return out
	case int32:
		return float64(t)
	case int64:
		return float64(t)
	default:
		return v
	}
}
