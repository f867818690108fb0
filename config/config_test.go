package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sample = `
logging:
  level: warn
  format: json
storage:
  driver: sqlite
  dsn: /var/lib/docsync/docs.db
server:
  addr: ":9090"
  collection: heroes
replication:
  id: laptop
  remote: http://master:9090/sync
  collection: heroes
  batch_size: 25
  live: false
  poll_interval: 5s
`

func TestParse(t *testing.T) {
	cfg, err := Parse([]byte(sample))
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	assert.Equal(t, "warn", cfg.Logging.Level)
	assert.Equal(t, "json", cfg.Logging.Format)
	assert.Equal(t, StorageConfig{Driver: DriverSQLite, DSN: "/var/lib/docsync/docs.db", Database: "docsync"}, cfg.Storage)
	assert.Equal(t, ":9090", cfg.Server.Addr)
	assert.Equal(t, ReplicationConfig{
		ID:           "laptop",
		Remote:       "http://master:9090/sync",
		Collection:   "heroes",
		BatchSize:    25,
		PollInterval: 5 * time.Second,
	}, cfg.Replication)
}

func TestParse_UnknownField(t *testing.T) {
	_, err := Parse([]byte("storage:\n  driverr: memory\n"))
	assert.Error(t, err)
}

func TestParse_Empty(t *testing.T) {
	cfg, err := Parse(nil)
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
}

func TestLoad_EnvOverrides(t *testing.T) {
	path := filepath.Join(t.TempDir(), "docsync.yaml")
	require.NoError(t, os.WriteFile(path, []byte(sample), 0o600))

	t.Setenv("DOCSYNC_STORAGE_DRIVER", "memory")
	t.Setenv("DOCSYNC_REPLICATION_BATCH_SIZE", "7")
	t.Setenv("DOCSYNC_REPLICATION_LIVE", "true")
	t.Setenv("DOCSYNC_REPLICATION_POLL_INTERVAL", "1m")
	t.Setenv("LOG_LEVEL", "ERROR")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, DriverMemory, cfg.Storage.Driver)
	assert.Equal(t, 7, cfg.Replication.BatchSize)
	assert.True(t, cfg.Replication.Live)
	assert.Equal(t, time.Minute, cfg.Replication.PollInterval)
	assert.Equal(t, "error", cfg.Logging.Level)
}

func TestLoad_Errors(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)

	t.Setenv("DOCSYNC_REPLICATION_BATCH_SIZE", "many")
	_, err = Load("")
	assert.ErrorContains(t, err, "DOCSYNC_REPLICATION_BATCH_SIZE")
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"defaults", func(*Config) {}, ""},
		{"unknown driver", func(c *Config) { c.Storage.Driver = "redis" }, `unknown storage driver "redis"`},
		{"missing dsn", func(c *Config) { c.Storage.Driver = DriverPostgres }, "storage.dsn is required"},
		{"batch size", func(c *Config) { c.Replication.BatchSize = 0 }, "batch_size must be positive"},
		{"negative poll", func(c *Config) { c.Replication.PollInterval = -time.Second }, "poll_interval"},
		{"bad remote", func(c *Config) { c.Replication.Remote = "ftp://master" }, `unsupported scheme "ftp"`},
		{"no collection", func(c *Config) { c.Server.Collection = "" }, "server.collection is required"},
		{"log format", func(c *Config) { c.Logging.Format = "xml" }, `unknown log format "xml"`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			assert.ErrorContains(t, err, tt.wantErr)
		})
	}
}

func TestRemoteScheme(t *testing.T) {
	tests := map[string]string{
		"http://master/sync":    "http",
		"https://master/sync":   "http",
		"ws://master/ws":        "ws",
		"wss://master/ws":       "ws",
		"nats://localhost:4222": "nats",
	}
	for remote, want := range tests {
		got, err := RemoteScheme(remote)
		require.NoError(t, err, remote)
		assert.Equal(t, want, got, remote)
	}
	_, err := RemoteScheme("grpc://master")
	assert.Error(t, err)
}
