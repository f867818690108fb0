package sse

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/c0deZ3R0/docsync/cursor"
	syncErrors "github.com/c0deZ3R0/docsync/errors"
	"github.com/c0deZ3R0/docsync/logging"
	"github.com/c0deZ3R0/docsync/synckit"
)

// Client subscribes to a Server stream. Combine it with a request/response
// endpoint through synckit.WithNotifications.
type Client struct {
	url      string
	client   *http.Client
	registry *cursor.Registry
	logger   *slog.Logger
	minDelay time.Duration
	maxDelay time.Duration

	reconnects atomic.Int64
}

var _ synckit.Subscriber = (*Client)(nil)

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithHTTPClient sets the client used for the stream. It must not have a
// total timeout.
func WithHTTPClient(cl *http.Client) ClientOption {
	return func(c *Client) { c.client = cl }
}

func WithClientRegistry(r *cursor.Registry) ClientOption {
	return func(c *Client) { c.registry = r }
}

func WithClientLogger(l *slog.Logger) ClientOption {
	return func(c *Client) { c.logger = l }
}

// WithReconnectDelay bounds the backoff between reconnect attempts.
func WithReconnectDelay(minDelay, maxDelay time.Duration) ClientOption {
	return func(c *Client) {
		c.minDelay = minDelay
		c.maxDelay = max(minDelay, maxDelay)
	}
}

// NewClient creates a new SSE client for the stream at streamURL.
func NewClient(streamURL string, opts ...ClientOption) *Client {
	c := &Client{
		url:      streamURL,
		client:   &http.Client{},
		registry: cursor.Default(),
		minDelay: 200 * time.Millisecond,
		maxDelay: 10 * time.Second,
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = logging.For(c.logger, logging.Component(component))
	return c
}

// Reconnects returns how often the stream was re-established.
func (c *Client) Reconnects() int { return int(c.reconnects.Load()) }

type subscription struct {
	cancel context.CancelFunc
	done   chan struct{}
}

func (s *subscription) Close() error {
	s.cancel()
	<-s.done
	return nil
}

// Subscribe connects to the stream and calls fn for every notification
// until ctx ends or the subscription is closed. The first connection
// attempt is made synchronously; later drops are retried with backoff, and
// the server's resync event on reconnect makes the replication catch up.
func (c *Client) Subscribe(ctx context.Context, fn func(synckit.RemoteNotification)) (synckit.Subscription, error) {
	ctx, cancel := context.WithCancel(ctx)
	body, err := c.connect(ctx)
	if err != nil {
		cancel()
		return nil, err
	}
	sub := &subscription{cancel: cancel, done: make(chan struct{})}
	go func() {
		defer close(sub.done)
		c.run(ctx, body, fn)
	}()
	return sub, nil
}

func (c *Client) run(ctx context.Context, body io.ReadCloser, fn func(synckit.RemoteNotification)) {
	attempt := 0
	for {
		if body != nil {
			err := c.read(ctx, body, fn)
			body.Close()
			body = nil
			if ctx.Err() != nil {
				return
			}
			c.logger.Info("Stream ended, reconnecting", "url", c.url, "error", err)
			attempt = 0
		}

		delay := c.minDelay << min(attempt, 16)
		if delay > c.maxDelay || delay <= 0 {
			delay = c.maxDelay
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}

		var err error
		body, err = c.connect(ctx)
		if err != nil {
			attempt++
			c.logger.Debug("Reconnect failed", "url", c.url, "attempt", attempt, "error", err)
			continue
		}
		c.reconnects.Add(1)
	}
}

func (c *Client) connect(ctx context.Context) (io.ReadCloser, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.url, nil)
	if err != nil {
		return nil, syncErrors.E(syncErrors.Op("sse.connect"), syncErrors.Component(component), syncErrors.KindInvalid, err)
	}
	req.Header.Set("Accept", "text/event-stream")
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, syncErrors.E(syncErrors.Op("sse.connect"), syncErrors.Component(component), syncErrors.KindTransient,
			fmt.Errorf("network error: %w", err))
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		kind := syncErrors.KindInvalid
		if resp.StatusCode >= http.StatusInternalServerError {
			kind = syncErrors.KindTransient
		}
		return nil, syncErrors.E(syncErrors.Op("sse.connect"), syncErrors.Component(component), kind,
			fmt.Errorf("server error (status %d)", resp.StatusCode))
	}
	if ct := resp.Header.Get("Content-Type"); !strings.HasPrefix(ct, "text/event-stream") {
		resp.Body.Close()
		return nil, syncErrors.E(syncErrors.Op("sse.connect"), syncErrors.Component(component), syncErrors.KindInvalid,
			fmt.Errorf("unexpected content type %q", ct))
	}
	return resp.Body, nil
}

// read dispatches events until the stream ends.
func (c *Client) read(ctx context.Context, body io.Reader, fn func(synckit.RemoteNotification)) error {
	sc := bufio.NewScanner(body)
	sc.Buffer(make([]byte, 0, 64<<10), 10<<20) // allow large lines

	var (
		name string
		data bytes.Buffer
	)
	for sc.Scan() {
		line := sc.Bytes()
		switch {
		case len(line) == 0:
			if name != "" || data.Len() > 0 {
				c.dispatch(name, data.Bytes(), fn)
			}
			name = ""
			data.Reset()
		case line[0] == ':':
			// comment, used as heartbeat
		case bytes.HasPrefix(line, []byte("event:")):
			name = strings.TrimSpace(string(line[len("event:"):]))
		case bytes.HasPrefix(line, []byte("data:")):
			if data.Len() > 0 {
				data.WriteByte('\n')
			}
			data.Write(bytes.TrimPrefix(line[len("data:"):], []byte(" ")))
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
	}
	if err := sc.Err(); err != nil {
		return err
	}
	return io.EOF
}

func (c *Client) dispatch(name string, data []byte, fn func(synckit.RemoteNotification)) {
	switch name {
	case EventResync:
		fn(synckit.RemoteNotification{Resync: true})
	case EventChange:
		var p notificationPayload
		if err := json.Unmarshal(data, &p); err != nil {
			c.logger.Warn("Malformed change event", "error", err)
			fn(synckit.RemoteNotification{Resync: true})
			return
		}
		cp, err := c.registry.UnmarshalWire(p.Checkpoint)
		if err != nil {
			c.logger.Warn("Malformed checkpoint in change event", "error", err)
			fn(synckit.RemoteNotification{Resync: true})
			return
		}
		fn(synckit.RemoteNotification{Checkpoint: cp, DocumentIDs: p.DocumentIDs})
	default:
		c.logger.Debug("Ignoring unknown event", "event", name)
	}
}
