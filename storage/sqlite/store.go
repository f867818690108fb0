// Package sqlite provides a SQLite document storage backend.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"strings"
	"time"

	// Go SQLite driver
	_ "github.com/mattn/go-sqlite3"

	"github.com/c0deZ3R0/docsync/logging"
	"github.com/c0deZ3R0/docsync/storage/sqlstore"
)

const component = "storage/sqlite"

// Config holds configuration options for the SQLite storage.
//
// Production-ready defaults are applied by DefaultConfig() including:
//   - WAL mode enabled for better concurrency
//   - Connection pool with 25 max open, 5 max idle connections
//   - Connection lifetimes of 1 hour max, 5 minutes max idle
type Config struct {
	// DataSourceName is the file name or connection string of the database.
	// Example: "file:docs.db"
	DataSourceName string

	// EnableWAL enables Write-Ahead Logging mode for better concurrency.
	// It is enabled by DefaultConfig.
	EnableWAL bool

	// BusyTimeout is how long a connection waits on a locked database.
	// Default: 5s
	BusyTimeout time.Duration

	Logger *slog.Logger

	// FeedBuffer is the per-subscriber buffer of change feeds.
	FeedBuffer int

	// Connection pool settings for production workloads.
	// Defaults: MaxOpen=25, MaxIdle=5, Lifetime=1h, IdleTime=5m
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration
}

func (c *Config) setDefaults() {
	if c.MaxOpenConns == 0 {
		c.MaxOpenConns = 25
	}
	if c.MaxIdleConns == 0 {
		c.MaxIdleConns = 5
	}
	if c.ConnMaxLifetime == 0 {
		c.ConnMaxLifetime = time.Hour
	}
	if c.ConnMaxIdleTime == 0 {
		c.ConnMaxIdleTime = 5 * time.Minute
	}
	if c.BusyTimeout == 0 {
		c.BusyTimeout = 5 * time.Second
	}
}

// dsn adds the driver parameters the store relies on. Write transactions
// start IMMEDIATE so two writers never both hold a read lock they need to
// upgrade.
func (c *Config) dsn() string {
	params := []string{
		fmt.Sprintf("_busy_timeout=%d", c.BusyTimeout.Milliseconds()),
		"_txlock=immediate",
	}
	if c.EnableWAL && !strings.Contains(c.DataSourceName, "_journal_mode=") {
		params = append(params, "_journal_mode=WAL")
	}
	sep := "?"
	if strings.Contains(c.DataSourceName, "?") {
		sep = "&"
	}
	return c.DataSourceName + sep + strings.Join(params, "&")
}

// DefaultConfig returns a Config with production-ready defaults.
func DefaultConfig(dataSourceName string) *Config {
	config := &Config{
		DataSourceName: dataSourceName,
		EnableWAL:      true,
	}
	config.setDefaults()
	return config
}

// Open opens the database described by config and returns the storage. The
// storage owns the database handle and closes it on Close.
func Open(config *Config) (*sqlstore.Store, error) {
	if config == nil {
		return nil, fmt.Errorf("config cannot be nil")
	}
	config.setDefaults()
	if config.DataSourceName == "" {
		return nil, fmt.Errorf("DataSourceName is required")
	}

	logger := logging.For(config.Logger, logging.Component(component))
	logger.Info("Opening SQLite database",
		slog.String("data_source", config.DataSourceName),
		slog.Bool("wal_enabled", config.EnableWAL),
	)

	db, err := sql.Open("sqlite3", config.dsn())
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite database: %w", err)
	}

	db.SetMaxOpenConns(config.MaxOpenConns)
	db.SetMaxIdleConns(config.MaxIdleConns)
	db.SetConnMaxLifetime(config.ConnMaxLifetime)
	db.SetConnMaxIdleTime(config.ConnMaxIdleTime)

	logger.Debug("Connection pool configured",
		slog.Int("max_open_conns", config.MaxOpenConns),
		slog.Int("max_idle_conns", config.MaxIdleConns),
		slog.Duration("conn_max_lifetime", config.ConnMaxLifetime),
		slog.Duration("conn_max_idle_time", config.ConnMaxIdleTime),
	)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to sqlite database: %w", err)
	}

	return sqlstore.New(db, sqlstore.SQLite,
		sqlstore.WithLogger(config.Logger),
		sqlstore.WithComponent(component),
		sqlstore.WithFeedBuffer(config.FeedBuffer),
		sqlstore.OwnDB(),
	), nil
}

// OpenFile is a convenience constructor using DefaultConfig.
func OpenFile(path string) (*sqlstore.Store, error) {
	return Open(DefaultConfig(path))
}

// JournalMode reports the journal mode of the database behind db.
func JournalMode(ctx context.Context, db *sql.DB) (string, error) {
	var mode string
	if err := db.QueryRowContext(ctx, "PRAGMA journal_mode").Scan(&mode); err != nil {
		return "", err
	}
	return mode, nil
}
