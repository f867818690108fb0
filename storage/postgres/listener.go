package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/lib/pq"

	"github.com/c0deZ3R0/docsync/logging"
	"github.com/c0deZ3R0/docsync/storage/sqlstore"
)

// PublishFunc delivers a commit of another process to the local feeds.
type PublishFunc func(ctx context.Context, commit sqlstore.Commit) error

// ChangeListener receives change notifications on one channel and hands
// foreign commits to a PublishFunc.
type ChangeListener struct {
	listener *pq.Listener
	channel  string
	origin   string
	publish  PublishFunc
	logger   *slog.Logger

	received atomic.Uint64
	skipped  atomic.Uint64

	cancel context.CancelFunc
	done   chan struct{}
	once   sync.Once
}

// NewChangeListener connects a pq.Listener and starts the receive loop.
// Notifications whose origin equals origin are skipped.
func NewChangeListener(config *Config, origin string, publish PublishFunc) (*ChangeListener, error) {
	if config.ConnectionString == "" {
		return nil, fmt.Errorf("connection string cannot be empty")
	}
	config.setDefaults()
	l := &ChangeListener{
		channel: config.Channel,
		origin:  origin,
		publish: publish,
		logger:  logging.For(config.Logger, logging.Component(component+"/listener")),
		done:    make(chan struct{}),
	}
	l.listener = pq.NewListener(config.ConnectionString, config.MinReconnectInterval, config.MaxReconnectInterval, l.eventCallback)
	if err := l.listener.Listen(l.channel); err != nil {
		l.listener.Close()
		return nil, fmt.Errorf("failed to listen to channel %s: %w", l.channel, err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	l.cancel = cancel
	go l.loop(ctx)
	return l, nil
}

func (l *ChangeListener) eventCallback(event pq.ListenerEventType, err error) {
	switch event {
	case pq.ListenerEventConnected:
		l.logger.Debug("Connected to PostgreSQL for LISTEN/NOTIFY")
	case pq.ListenerEventDisconnected:
		l.logger.Warn("Disconnected from PostgreSQL", "error", err)
	case pq.ListenerEventReconnected:
		// pq re-issues LISTEN on reconnect; notifications sent while
		// disconnected are lost and readers catch up through ChangesSince.
		l.logger.Info("Reconnected to PostgreSQL")
	case pq.ListenerEventConnectionAttemptFailed:
		l.logger.Warn("Connection attempt failed", "error", err)
	}
}

func (l *ChangeListener) loop(ctx context.Context) {
	defer close(l.done)
	ping := time.NewTicker(90 * time.Second)
	defer ping.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case n, ok := <-l.listener.Notify:
			if !ok {
				return
			}
			// A nil notification signals a reconnect.
			if n != nil {
				l.handle(ctx, n.Extra)
			}
		case <-ping.C:
			go func() {
				if err := l.listener.Ping(); err != nil {
					l.logger.Warn("Ping failed", "error", err)
				}
			}()
		}
	}
}

func (l *ChangeListener) handle(ctx context.Context, payload string) {
	l.received.Add(1)
	var n notification
	if err := json.Unmarshal([]byte(payload), &n); err != nil {
		l.logger.Warn("Dropping malformed notification", "error", err)
		return
	}
	if n.Origin == l.origin {
		l.skipped.Add(1)
		return
	}
	if err := l.publish(ctx, n.Commit); err != nil {
		l.logger.Warn("Failed to publish foreign commit",
			"collection", n.Key,
			"batch", n.BatchID,
			"error", err)
	}
}

// ListenerStats counts notifications seen and own notifications skipped.
type ListenerStats struct {
	Received uint64
	Skipped  uint64
}

func (l *ChangeListener) Stats() ListenerStats {
	return ListenerStats{Received: l.received.Load(), Skipped: l.skipped.Load()}
}

// Close stops the loop and the underlying connection.
func (l *ChangeListener) Close() error {
	var err error
	l.once.Do(func() {
		l.cancel()
		<-l.done
		err = l.listener.Close()
	})
	return err
}
