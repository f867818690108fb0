// Package config loads the docsync command configuration from YAML with
// DOCSYNC_* environment overrides.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/c0deZ3R0/docsync/logging"
)

// Storage drivers.
const (
	DriverMemory   = "memory"
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
	DriverMongo    = "mongo"
)

type Config struct {
	Logging     logging.Config    `yaml:"logging"`
	Storage     StorageConfig     `yaml:"storage"`
	Server      ServerConfig      `yaml:"server"`
	Replication ReplicationConfig `yaml:"replication"`
}

type StorageConfig struct {
	// Driver is one of memory, sqlite, postgres and mongo.
	Driver string `yaml:"driver"`
	// DSN is the sqlite file, the postgres connection string or the mongo URI.
	DSN      string `yaml:"dsn"`
	Database string `yaml:"database"`
}

type ServerConfig struct {
	Addr       string `yaml:"addr"`
	Collection string `yaml:"collection"`
	// ConflictRulesFile configures the handler of the conflict arbiter.
	// Without it the master keeps its own state.
	ConflictRulesFile string `yaml:"conflict_rules_file"`
}

type ReplicationConfig struct {
	ID string `yaml:"id"`
	// Remote is the master URL: http(s)://host/sync, ws(s)://host/ws or
	// nats://host:4222.
	Remote            string        `yaml:"remote"`
	Collection        string        `yaml:"collection"`
	BatchSize         int           `yaml:"batch_size"`
	Live              bool          `yaml:"live"`
	PollInterval      time.Duration `yaml:"poll_interval"`
	ConflictRulesFile string        `yaml:"conflict_rules_file"`
}

// Default returns the configuration used for anything a file leaves out.
func Default() *Config {
	return &Config{
		Logging: logging.DefaultConfig,
		Storage: StorageConfig{Driver: DriverMemory, Database: "docsync"},
		Server:  ServerConfig{Addr: ":8080", Collection: "docs"},
		Replication: ReplicationConfig{
			Collection:   "docs",
			BatchSize:    100,
			Live:         true,
			PollInterval: 30 * time.Second,
		},
	}
}

// Load reads path, applies the environment and validates the result. An
// empty path loads the defaults.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
		if err := cfg.decode(data); err != nil {
			return nil, fmt.Errorf("%s: %w", path, err)
		}
	}
	if err := cfg.ApplyEnv(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Parse decodes YAML over the defaults without consulting the environment.
func Parse(data []byte) (*Config, error) {
	cfg := Default()
	if err := cfg.decode(data); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) decode(data []byte) error {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(c); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("failed to parse config: %w", err)
	}
	return nil
}

type envVar struct {
	name string
	set  func(string) error
}

func str(dst *string) func(string) error {
	return func(v string) error { *dst = v; return nil }
}

// ApplyEnv overrides fields from DOCSYNC_* variables and the logging
// variables understood by logging.ApplyEnv.
func (c *Config) ApplyEnv() error {
	vars := []envVar{
		{"DOCSYNC_STORAGE_DRIVER", str(&c.Storage.Driver)},
		{"DOCSYNC_STORAGE_DSN", str(&c.Storage.DSN)},
		{"DOCSYNC_STORAGE_DATABASE", str(&c.Storage.Database)},
		{"DOCSYNC_SERVER_ADDR", str(&c.Server.Addr)},
		{"DOCSYNC_SERVER_COLLECTION", str(&c.Server.Collection)},
		{"DOCSYNC_SERVER_CONFLICT_RULES_FILE", str(&c.Server.ConflictRulesFile)},
		{"DOCSYNC_REPLICATION_ID", str(&c.Replication.ID)},
		{"DOCSYNC_REPLICATION_REMOTE", str(&c.Replication.Remote)},
		{"DOCSYNC_REPLICATION_COLLECTION", str(&c.Replication.Collection)},
		{"DOCSYNC_REPLICATION_CONFLICT_RULES_FILE", str(&c.Replication.ConflictRulesFile)},
		{"DOCSYNC_REPLICATION_BATCH_SIZE", func(v string) (err error) {
			c.Replication.BatchSize, err = strconv.Atoi(v)
			return err
		}},
		{"DOCSYNC_REPLICATION_LIVE", func(v string) (err error) {
			c.Replication.Live, err = strconv.ParseBool(v)
			return err
		}},
		{"DOCSYNC_REPLICATION_POLL_INTERVAL", func(v string) (err error) {
			c.Replication.PollInterval, err = time.ParseDuration(v)
			return err
		}},
	}
	for _, ev := range vars {
		v, ok := os.LookupEnv(ev.name)
		if !ok {
			continue
		}
		if err := ev.set(strings.TrimSpace(v)); err != nil {
			return fmt.Errorf("invalid %s: %w", ev.name, err)
		}
	}
	c.Logging = logging.ApplyEnv(c.Logging)
	return nil
}

// Validate reports every problem found at once.
func (c *Config) Validate() error {
	var errs []error
	switch c.Storage.Driver {
	case DriverMemory:
	case DriverSQLite, DriverPostgres, DriverMongo:
		if c.Storage.DSN == "" {
			errs = append(errs, fmt.Errorf("storage.dsn is required for driver %q", c.Storage.Driver))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown storage driver %q", c.Storage.Driver))
	}
	if c.Server.Collection == "" {
		errs = append(errs, errors.New("server.collection is required"))
	}
	if c.Replication.Collection == "" {
		errs = append(errs, errors.New("replication.collection is required"))
	}
	if c.Replication.BatchSize <= 0 {
		errs = append(errs, fmt.Errorf("replication.batch_size must be positive, got %d", c.Replication.BatchSize))
	}
	if c.Replication.PollInterval < 0 {
		errs = append(errs, errors.New("replication.poll_interval must not be negative"))
	}
	if c.Replication.Remote != "" {
		if _, err := RemoteScheme(c.Replication.Remote); err != nil {
			errs = append(errs, err)
		}
	}
	switch c.Logging.Format {
	case "", "text", "json":
	default:
		errs = append(errs, fmt.Errorf("unknown log format %q", c.Logging.Format))
	}
	return errors.Join(errs...)
}

// RemoteScheme returns the transport of a remote URL: http, ws or nats.
func RemoteScheme(remote string) (string, error) {
	u, err := url.Parse(remote)
	if err != nil {
		return "", fmt.Errorf("invalid replication.remote: %w", err)
	}
	switch u.Scheme {
	case "http", "https":
		return "http", nil
	case "ws", "wss":
		return "ws", nil
	case "nats", "tls":
		return "nats", nil
	}
	return "", fmt.Errorf("replication.remote: unsupported scheme %q", u.Scheme)
}
