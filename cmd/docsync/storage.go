package main

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/c0deZ3R0/docsync/config"
	"github.com/c0deZ3R0/docsync/storage/memory"
	"github.com/c0deZ3R0/docsync/storage/mongo"
	"github.com/c0deZ3R0/docsync/storage/postgres"
	"github.com/c0deZ3R0/docsync/storage/sqlite"
	"github.com/c0deZ3R0/docsync/synckit"
)

// openStorage opens the configured backend. The returned function releases
// it.
func openStorage(ctx context.Context, cfg config.StorageConfig, logger *slog.Logger) (synckit.Storage, func() error, error) {
	noop := func() error { return nil }
	switch cfg.Driver {
	case config.DriverMemory:
		return memory.New(memory.WithLogger(logger)), noop, nil
	case config.DriverSQLite:
		sc := sqlite.DefaultConfig(cfg.DSN)
		sc.Logger = logger
		s, err := sqlite.Open(sc)
		if err != nil {
			return nil, nil, err
		}
		return s, s.Close, nil
	case config.DriverPostgres:
		pc := postgres.DefaultConfig(cfg.DSN)
		pc.Logger = logger
		s, err := postgres.Open(pc)
		if err != nil {
			return nil, nil, err
		}
		return s, s.Close, nil
	case config.DriverMongo:
		s, err := mongo.Open(ctx, &mongo.Config{URI: cfg.DSN, Database: cfg.Database, Logger: logger})
		if err != nil {
			return nil, nil, err
		}
		return s, s.Close, nil
	}
	return nil, nil, fmt.Errorf("unknown storage driver %q", cfg.Driver)
}

// loadHandler builds the conflict handler of a rules file, wrapped so every
// resolution is logged and recorded. An empty path returns nil.
func loadHandler(path string, logger *slog.Logger, history *synckit.ResolutionLog) (synckit.ConflictHandler, error) {
	if path == "" {
		return nil, nil
	}
	hc, err := synckit.LoadHandlerConfig(path)
	if err != nil {
		return nil, err
	}
	h, err := hc.BuildHandler()
	if err != nil {
		return nil, err
	}
	return synckit.Observe(path, h,
		synckit.WithObserverLogger(logger),
		synckit.WithResolutionLog(history)), nil
}
