package synckit

import (
	"errors"
	"log/slog"
	"time"
)

// RetryConfig configures the backoff applied to remote calls.
type RetryConfig struct {
	// MaxAttempts is the total number of tries, including the first.
	MaxAttempts int

	InitialDelay time.Duration
	MaxDelay     time.Duration
	Multiplier   float64
}

// DefaultRetryConfig retries five times from 100ms up to 5s.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:  5,
		InitialDelay: 100 * time.Millisecond,
		MaxDelay:     5 * time.Second,
		Multiplier:   2.0,
	}
}

type replicationOptions struct {
	id             string
	handler        ConflictHandler
	pushBatchSize  int
	pullBatchSize  int
	live           bool
	pollInterval   time.Duration
	debounce       time.Duration
	retry          RetryConfig
	timeout        time.Duration
	checkpoints    CheckpointStore
	metrics        MetricsCollector
	logger         *slog.Logger
	push           bool
	pull           bool
	errorBuffer    int
	maxConflictRun int
}

func defaultReplicationOptions() replicationOptions {
	return replicationOptions{
		handler:        DefaultConflictHandler,
		pushBatchSize:  100,
		pullBatchSize:  100,
		live:           true,
		pollInterval:   10 * time.Second,
		retry:          DefaultRetryConfig(),
		timeout:        30 * time.Second,
		metrics:        &NoOpMetricsCollector{},
		push:           true,
		pull:           true,
		errorBuffer:    64,
		maxConflictRun: 16,
	}
}

// ReplicationOption is a functional option for NewReplication.
type ReplicationOption func(*replicationOptions) error

// WithReplicationID names the replication. Checkpoints are stored under this
// name, so it must be stable across restarts.
func WithReplicationID(id string) ReplicationOption {
	return func(o *replicationOptions) error {
		if id == "" {
			return errors.New("replication id must not be empty")
		}
		o.id = id
		return nil
	}
}

// WithConflictHandler sets the handler used by both directions.
func WithConflictHandler(h ConflictHandler) ReplicationOption {
	return func(o *replicationOptions) error {
		if h == nil {
			return errors.New("conflict handler must not be nil")
		}
		o.handler = h
		return nil
	}
}

// WithBatchSize sets the push and pull batch sizes.
func WithBatchSize(n int) ReplicationOption {
	return func(o *replicationOptions) error {
		if n <= 0 {
			return errors.New("batch size must be positive")
		}
		o.pushBatchSize, o.pullBatchSize = n, n
		return nil
	}
}

func WithPushBatchSize(n int) ReplicationOption {
	return func(o *replicationOptions) error {
		if n <= 0 {
			return errors.New("push batch size must be positive")
		}
		o.pushBatchSize = n
		return nil
	}
}

func WithPullBatchSize(n int) ReplicationOption {
	return func(o *replicationOptions) error {
		if n <= 0 {
			return errors.New("pull batch size must be positive")
		}
		o.pullBatchSize = n
		return nil
	}
}

// WithLive keeps the replication running after the initial sync. Live is
// the default.
func WithLive(live bool) ReplicationOption {
	return func(o *replicationOptions) error {
		o.live = live
		return nil
	}
}

// WithPollInterval sets how often a live replication pulls when the
// endpoint cannot push notifications. Zero disables polling.
func WithPollInterval(d time.Duration) ReplicationOption {
	return func(o *replicationOptions) error {
		if d < 0 {
			return errors.New("poll interval must not be negative")
		}
		o.pollInterval = d
		return nil
	}
}

// WithDebounce delays a push after a local change so bursts share a round.
func WithDebounce(d time.Duration) ReplicationOption {
	return func(o *replicationOptions) error {
		if d < 0 {
			return errors.New("debounce must not be negative")
		}
		o.debounce = d
		return nil
	}
}

func WithRetryConfig(c RetryConfig) ReplicationOption {
	return func(o *replicationOptions) error {
		if c.MaxAttempts <= 0 {
			return errors.New("max attempts must be positive")
		}
		if c.Multiplier < 1 {
			c.Multiplier = 1
		}
		o.retry = c
		return nil
	}
}

// WithTimeout bounds every remote call.
func WithTimeout(d time.Duration) ReplicationOption {
	return func(o *replicationOptions) error {
		if d <= 0 {
			return errors.New("timeout must be positive")
		}
		o.timeout = d
		return nil
	}
}

// WithCheckpointStore sets where progress is kept. The default keeps it in
// memory, which restarts every replication from scratch.
func WithCheckpointStore(s CheckpointStore) ReplicationOption {
	return func(o *replicationOptions) error {
		if s == nil {
			return errors.New("checkpoint store must not be nil")
		}
		o.checkpoints = s
		return nil
	}
}

func WithMetricsCollector(m MetricsCollector) ReplicationOption {
	return func(o *replicationOptions) error {
		if m == nil {
			m = &NoOpMetricsCollector{}
		}
		o.metrics = m
		return nil
	}
}

func WithLogger(l *slog.Logger) ReplicationOption {
	return func(o *replicationOptions) error {
		o.logger = l
		return nil
	}
}

// WithPushOnly disables the pull direction.
func WithPushOnly() ReplicationOption {
	return func(o *replicationOptions) error {
		o.push, o.pull = true, false
		return nil
	}
}

// WithPullOnly disables the push direction.
func WithPullOnly() ReplicationOption {
	return func(o *replicationOptions) error {
		o.push, o.pull = false, true
		return nil
	}
}

// WithErrorBuffer sets the capacity of the Errors channel. Errors beyond it
// are dropped with a warning.
func WithErrorBuffer(n int) ReplicationOption {
	return func(o *replicationOptions) error {
		if n <= 0 {
			return errors.New("error buffer must be positive")
		}
		o.errorBuffer = n
		return nil
	}
}

// WithMaxConflictRounds bounds how many consecutive push rounds may end in
// conflicts before the push direction pauses.
func WithMaxConflictRounds(n int) ReplicationOption {
	return func(o *replicationOptions) error {
		if n <= 0 {
			return errors.New("max conflict rounds must be positive")
		}
		o.maxConflictRun = n
		return nil
	}
}
