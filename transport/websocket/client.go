package websocket

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	gorilla "github.com/gorilla/websocket"

	"github.com/c0deZ3R0/docsync/cursor"
	syncErrors "github.com/c0deZ3R0/docsync/errors"
	"github.com/c0deZ3R0/docsync/logging"
	"github.com/c0deZ3R0/docsync/synckit"
)

// Client is a synckit.RemoteEndpoint and synckit.Subscriber over one
// WebSocket connection. It dials lazily and redials after the connection
// drops: requests in flight fail with a retryable error, and streaming
// resumes in the background.
type Client struct {
	url      string
	dialer   *gorilla.Dialer
	header   http.Header
	registry *cursor.Registry
	logger   *slog.Logger
	minDelay time.Duration
	maxDelay time.Duration

	mu      sync.Mutex
	conn    *clientConn
	subs    map[uint64]func(synckit.RemoteNotification)
	nextSub uint64
	closed  bool
	redial  bool

	ctx    context.Context
	cancel context.CancelFunc
}

var (
	_ synckit.RemoteEndpoint = (*Client)(nil)
	_ synckit.Subscriber     = (*Client)(nil)
)

// ClientOption configures a Client.
type ClientOption func(*Client)

func WithDialer(d *gorilla.Dialer) ClientOption {
	return func(c *Client) { c.dialer = d }
}

// WithHeader adds headers to the handshake request, e.g. authorization.
func WithHeader(h http.Header) ClientOption {
	return func(c *Client) { c.header = h }
}

func WithClientRegistry(r *cursor.Registry) ClientOption {
	return func(c *Client) { c.registry = r }
}

func WithClientLogger(l *slog.Logger) ClientOption {
	return func(c *Client) { c.logger = l }
}

// WithReconnectDelay bounds the backoff of background redials.
func WithReconnectDelay(minDelay, maxDelay time.Duration) ClientOption {
	return func(c *Client) {
		c.minDelay = minDelay
		c.maxDelay = max(minDelay, maxDelay)
	}
}

// NewClient creates a client for the server at url (ws:// or wss://).
func NewClient(url string, opts ...ClientOption) *Client {
	c := &Client{
		url:      url,
		dialer:   gorilla.DefaultDialer,
		registry: cursor.Default(),
		minDelay: 200 * time.Millisecond,
		maxDelay: 10 * time.Second,
		subs:     make(map[uint64]func(synckit.RemoteNotification)),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = logging.For(c.logger, logging.Component(component))
	c.ctx, c.cancel = context.WithCancel(context.Background())
	return c
}

func (c *Client) PullChanges(ctx context.Context, checkpoint cursor.Cursor, batchSize int) (synckit.ChangesPage, error) {
	wc, err := c.registry.MarshalWire(checkpoint)
	if err != nil {
		return synckit.ChangesPage{}, syncErrors.E(syncErrors.OpPull, syncErrors.Component(component), syncErrors.KindInvalid, err)
	}
	var res pullResult
	if err := c.call(ctx, syncErrors.OpPull, MethodPull, pullParams{Checkpoint: wc, Limit: batchSize}, &res); err != nil {
		return synckit.ChangesPage{}, err
	}
	next, err := c.registry.UnmarshalWire(res.Checkpoint)
	if err != nil {
		return synckit.ChangesPage{}, syncErrors.E(syncErrors.OpPull, syncErrors.Component(component), syncErrors.KindInvalid,
			fmt.Errorf("invalid checkpoint in response: %w", err))
	}
	return synckit.ChangesPage{Documents: res.Documents, Checkpoint: next}, nil
}

func (c *Client) PushRows(ctx context.Context, rows []synckit.WriteRow) ([]synckit.WriteError, error) {
	if len(rows) == 0 {
		return nil, nil
	}
	var res pushResult
	if err := c.call(ctx, syncErrors.OpPush, MethodPush, pushParams{Rows: rows}, &res); err != nil {
		return nil, err
	}
	if len(res.Errors) == 0 {
		return nil, nil
	}
	return res.Errors, nil
}

type subscription struct {
	once   sync.Once
	remove func()
}

func (s *subscription) Close() error {
	s.once.Do(s.remove)
	return nil
}

// Subscribe asks the server to stream notifications to fn. The server sends
// a resync first, and again after every reconnect.
func (c *Client) Subscribe(ctx context.Context, fn func(synckit.RemoteNotification)) (synckit.Subscription, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, syncErrors.E(syncErrors.OpTransport, syncErrors.Component(component), syncErrors.ErrClosed)
	}
	id := c.nextSub
	c.nextSub++
	c.subs[id] = fn
	c.mu.Unlock()

	remove := func() {
		c.mu.Lock()
		delete(c.subs, id)
		c.mu.Unlock()
	}
	if err := c.call(ctx, syncErrors.OpTransport, MethodStream, nil, nil); err != nil {
		remove()
		return nil, err
	}
	sub := &subscription{remove: remove}
	context.AfterFunc(ctx, func() { _ = sub.Close() })
	return sub, nil
}

// Close closes the connection and stops redialing.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	conn := c.conn
	c.conn = nil
	c.mu.Unlock()

	c.cancel()
	if conn != nil {
		conn.close()
	}
	return nil
}

func (c *Client) transient(op syncErrors.Operation, err error) error {
	return syncErrors.E(op, syncErrors.Component(component), syncErrors.KindTransient, syncErrors.ErrCodeNetworkFailure, err)
}

// call sends one request and waits for its response.
func (c *Client) call(ctx context.Context, op syncErrors.Operation, method string, params, out any) error {
	conn, err := c.connection(ctx, op)
	if err != nil {
		return err
	}

	m := Message{ID: uuid.NewString(), Method: method}
	if params != nil {
		if m.Params, err = json.Marshal(params); err != nil {
			return syncErrors.E(op, syncErrors.Component(component), syncErrors.KindInvalid, err)
		}
	}
	ch, err := conn.register(m.ID)
	if err != nil {
		return c.transient(op, err)
	}
	defer conn.unregister(m.ID)
	if err := conn.write(m); err != nil {
		conn.close()
		return c.transient(op, fmt.Errorf("write failed: %w", err))
	}

	select {
	case <-ctx.Done():
		return syncErrors.E(op, syncErrors.Component(component), syncErrors.KindTransient, ctx.Err())
	case resp := <-ch:
		return c.result(op, resp, out)
	case <-conn.done:
		// The read loop delivers before it fails the connection, so a
		// response that arrived just before the drop is already in ch.
		select {
		case resp := <-ch:
			return c.result(op, resp, out)
		default:
		}
		return c.transient(op, fmt.Errorf("connection lost: %w", conn.err))
	}
}

func (c *Client) result(op syncErrors.Operation, resp Message, out any) error {
	if resp.Error != nil {
		kind := syncErrors.KindInvalid
		if resp.Error.Retryable {
			kind = syncErrors.KindTransient
		}
		return syncErrors.E(op, syncErrors.Component(component), kind, errors.New(resp.Error.Message))
	}
	if out == nil || len(resp.Result) == 0 {
		return nil
	}
	if err := json.Unmarshal(resp.Result, out); err != nil {
		return syncErrors.E(op, syncErrors.Component(component), syncErrors.KindInvalid,
			fmt.Errorf("failed to decode response: %w", err))
	}
	return nil
}

// connection returns the open connection, dialing if there is none.
func (c *Client) connection(ctx context.Context, op syncErrors.Operation) (*clientConn, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, syncErrors.E(op, syncErrors.Component(component), syncErrors.ErrClosed)
	}
	if c.conn != nil {
		return c.conn, nil
	}
	conn, err := c.dial(ctx)
	if err != nil {
		return nil, c.transient(op, err)
	}
	c.conn = conn
	return conn, nil
}

func (c *Client) dial(ctx context.Context) (*clientConn, error) {
	ws, resp, err := c.dialer.DialContext(ctx, c.url, c.header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dial %s: %w (status %d)", c.url, err, resp.StatusCode)
		}
		return nil, fmt.Errorf("dial %s: %w", c.url, err)
	}
	conn := &clientConn{
		ws:      ws,
		pending: make(map[string]chan Message),
		done:    make(chan struct{}),
	}
	go c.readLoop(conn)
	c.logger.Debug("Connected", "url", c.url)
	return conn, nil
}

func (c *Client) readLoop(conn *clientConn) {
	for {
		var m Message
		if err := conn.ws.ReadJSON(&m); err != nil {
			conn.fail(err)
			c.lost(conn)
			return
		}
		switch {
		case m.ID != "":
			conn.deliver(m)
		case m.Method == NotifyChange || m.Method == NotifyResync:
			c.notify(m)
		}
	}
}

func (c *Client) notify(m Message) {
	n := synckit.RemoteNotification{Resync: true}
	if m.Method == NotifyChange {
		var p changeParams
		if err := json.Unmarshal(m.Params, &p); err != nil {
			c.logger.Warn("Malformed change notification", "error", err)
		} else if cp, err := c.registry.UnmarshalWire(p.Checkpoint); err != nil {
			c.logger.Warn("Malformed checkpoint in change notification", "error", err)
		} else {
			n = synckit.RemoteNotification{Checkpoint: cp, DocumentIDs: p.DocumentIDs}
		}
	}

	c.mu.Lock()
	fns := make([]func(synckit.RemoteNotification), 0, len(c.subs))
	for _, fn := range c.subs {
		fns = append(fns, fn)
	}
	c.mu.Unlock()
	for _, fn := range fns {
		fn(n)
	}
}

// lost forgets conn and, while someone is subscribed, redials in the
// background so notifications resume.
func (c *Client) lost(conn *clientConn) {
	c.mu.Lock()
	if c.conn == conn {
		c.conn = nil
	}
	closed := c.closed
	start := !closed && len(c.subs) > 0 && !c.redial
	if start {
		c.redial = true
	}
	c.mu.Unlock()

	if !closed {
		c.logger.Info("Connection lost", "url", c.url, "error", conn.err)
	}
	if start {
		go c.resubscribe()
	}
}

func (c *Client) resubscribe() {
	defer func() {
		c.mu.Lock()
		c.redial = false
		c.mu.Unlock()
	}()
	delay := c.minDelay
	for {
		select {
		case <-c.ctx.Done():
			return
		case <-time.After(delay):
		}
		c.mu.Lock()
		active := len(c.subs) > 0
		c.mu.Unlock()
		if !active {
			return
		}
		err := c.call(c.ctx, syncErrors.OpTransport, MethodStream, nil, nil)
		if err == nil {
			c.logger.Info("Stream resumed", "url", c.url)
			return
		}
		c.logger.Debug("Redial failed", "url", c.url, "error", err)
		delay = min(delay*2, c.maxDelay)
	}
}

type clientConn struct {
	ws      *gorilla.Conn
	writeMu sync.Mutex

	mu      sync.Mutex
	pending map[string]chan Message
	done    chan struct{}
	err     error
	once    sync.Once
}

func (cc *clientConn) register(id string) (chan Message, error) {
	cc.mu.Lock()
	defer cc.mu.Unlock()
	select {
	case <-cc.done:
		return nil, fmt.Errorf("connection lost: %w", cc.err)
	default:
	}
	ch := make(chan Message, 1)
	cc.pending[id] = ch
	return ch, nil
}

func (cc *clientConn) unregister(id string) {
	cc.mu.Lock()
	delete(cc.pending, id)
	cc.mu.Unlock()
}

func (cc *clientConn) deliver(m Message) {
	cc.mu.Lock()
	ch, ok := cc.pending[m.ID]
	delete(cc.pending, m.ID)
	cc.mu.Unlock()
	if ok {
		ch <- m
	}
}

func (cc *clientConn) write(m Message) error {
	cc.writeMu.Lock()
	defer cc.writeMu.Unlock()
	_ = cc.ws.SetWriteDeadline(time.Now().Add(writeWait))
	return cc.ws.WriteJSON(m)
}

// fail marks the connection dead. Waiting calls see done closed.
func (cc *clientConn) fail(err error) {
	cc.once.Do(func() {
		cc.mu.Lock()
		cc.err = err
		close(cc.done)
		cc.mu.Unlock()
		_ = cc.ws.Close()
	})
}

func (cc *clientConn) close() {
	cc.writeMu.Lock()
	_ = cc.ws.WriteControl(gorilla.CloseMessage,
		gorilla.FormatCloseMessage(gorilla.CloseNormalClosure, ""), time.Now().Add(time.Second))
	cc.writeMu.Unlock()
	cc.fail(errors.New("closed"))
}
