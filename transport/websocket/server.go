// Package websocket carries replication requests and master change
// notifications over one WebSocket connection per client.
package websocket

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	gorilla "github.com/gorilla/websocket"

	"github.com/c0deZ3R0/docsync/cursor"
	syncErrors "github.com/c0deZ3R0/docsync/errors"
	"github.com/c0deZ3R0/docsync/logging"
	"github.com/c0deZ3R0/docsync/synckit"
)

const component = "transport/websocket"

const (
	writeWait = 10 * time.Second
)

// Server upgrades HTTP requests and serves an endpoint over the resulting
// connections. Streaming requires the endpoint to implement
// synckit.Subscriber.
type Server struct {
	endpoint synckit.RemoteEndpoint
	upgrader gorilla.Upgrader
	registry *cursor.Registry
	logger   *slog.Logger

	pingInterval   time.Duration
	maxMessageSize int64
	buffer         int
	defaultLimit   int
	maxLimit       int

	conns atomic.Int64
}

var _ http.Handler = (*Server)(nil)

// ServerOption configures a Server.
type ServerOption func(*Server)

func WithServerLogger(l *slog.Logger) ServerOption {
	return func(s *Server) { s.logger = l }
}

func WithServerRegistry(r *cursor.Registry) ServerOption {
	return func(s *Server) { s.registry = r }
}

// WithCheckOrigin sets the origin check of the upgrader. The default
// accepts same-origin requests only.
func WithCheckOrigin(fn func(r *http.Request) bool) ServerOption {
	return func(s *Server) { s.upgrader.CheckOrigin = fn }
}

// WithPingInterval sets how often the server pings. A peer that does not
// answer within twice the interval is disconnected.
func WithPingInterval(d time.Duration) ServerOption {
	return func(s *Server) {
		if d > 0 {
			s.pingInterval = d
		}
	}
}

// WithMaxMessageSize limits incoming frames.
func WithMaxMessageSize(n int64) ServerOption {
	return func(s *Server) {
		if n > 0 {
			s.maxMessageSize = n
		}
	}
}

// WithPullLimits sets the default and maximum page size of pull requests.
func WithPullLimits(def, maxLimit int) ServerOption {
	return func(s *Server) {
		s.defaultLimit = def
		s.maxLimit = max(def, maxLimit)
	}
}

func NewServer(endpoint synckit.RemoteEndpoint, opts ...ServerOption) *Server {
	s := &Server{
		endpoint: endpoint,
		upgrader: gorilla.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
		},
		registry:       cursor.Default(),
		pingInterval:   30 * time.Second,
		maxMessageSize: 16 << 20,
		buffer:         32,
		defaultLimit:   100,
		maxLimit:       1000,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = logging.For(s.logger, logging.Component(component))
	return s
}

// Connections returns the number of open connections.
func (s *Server) Connections() int { return int(s.conns.Load()) }

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already replied.
		s.logger.Debug("Upgrade failed", "remote_addr", r.RemoteAddr, "error", err)
		return
	}
	s.conns.Add(1)
	defer s.conns.Add(-1)

	ctx, cancel := context.WithCancel(context.Background())
	sc := &serverConn{
		server: s,
		ws:     ws,
		send:   make(chan Message, s.buffer),
		notify: make(chan Message, s.buffer),
		ctx:    ctx,
		cancel: cancel,
		logger: s.logger.With("remote_addr", r.RemoteAddr),
	}
	sc.logger.Debug("Client connected")
	sc.serve()
	sc.logger.Debug("Client disconnected")
}

type serverConn struct {
	server *Server
	ws     *gorilla.Conn
	logger *slog.Logger

	// send carries responses, notify carries notifications. Only the writer
	// goroutine writes to ws.
	send     chan Message
	notify   chan Message
	overflow atomic.Bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	subMu sync.Mutex
	sub   synckit.Subscription
}

func (c *serverConn) serve() {
	defer func() {
		c.cancel()
		c.wg.Wait()
		c.subMu.Lock()
		if c.sub != nil {
			_ = c.sub.Close()
		}
		c.subMu.Unlock()
		_ = c.ws.Close()
	}()

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		c.writeLoop()
	}()

	c.readLoop()
	c.cancel()
	<-writerDone
}

func (c *serverConn) readLoop() {
	pongWait := 2 * c.server.pingInterval
	c.ws.SetReadLimit(c.server.maxMessageSize)
	_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		var m Message
		if err := c.ws.ReadJSON(&m); err != nil {
			if gorilla.IsUnexpectedCloseError(err, gorilla.CloseNormalClosure, gorilla.CloseGoingAway) {
				c.logger.Debug("Read failed", "error", err)
			}
			return
		}
		_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))

		c.wg.Add(1)
		go func() {
			defer c.wg.Done()
			c.handle(m)
		}()
	}
}

func (c *serverConn) writeLoop() {
	ticker := time.NewTicker(c.server.pingInterval)
	defer ticker.Stop()

	write := func(m Message) error {
		_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
		return c.ws.WriteJSON(m)
	}
	for {
		var err error
		select {
		case <-c.ctx.Done():
			_ = c.ws.WriteControl(gorilla.CloseMessage,
				gorilla.FormatCloseMessage(gorilla.CloseNormalClosure, ""), time.Now().Add(writeWait))
			return
		case m := <-c.send:
			err = write(m)
		case m := <-c.notify:
			if c.overflow.Swap(false) {
				m = Message{Method: NotifyResync}
			}
			err = write(m)
		case <-ticker.C:
			err = c.ws.WriteControl(gorilla.PingMessage, nil, time.Now().Add(writeWait))
		}
		if err != nil {
			c.logger.Debug("Write failed", "error", err)
			c.cancel()
			_ = c.ws.Close()
			return
		}
	}
}

func (c *serverConn) reply(m Message) {
	if m.ID == "" {
		return
	}
	select {
	case c.send <- m:
	case <-c.ctx.Done():
	}
}

func (c *serverConn) replyError(id string, err error) {
	c.reply(Message{ID: id, Error: &ErrorBody{
		Message:   err.Error(),
		Retryable: syncErrors.IsRetryable(err) || syncErrors.KindOf(err) == syncErrors.KindClosed,
	}})
}

func (c *serverConn) replyResult(id string, result any) {
	b, err := json.Marshal(result)
	if err != nil {
		c.replyError(id, err)
		return
	}
	c.reply(Message{ID: id, Result: b})
}

func (c *serverConn) handle(m Message) {
	switch m.Method {
	case MethodPull:
		c.handlePull(m)
	case MethodPush:
		c.handlePush(m)
	case MethodStream:
		c.handleStream(m)
	default:
		c.replyError(m.ID, syncErrors.E(syncErrors.OpTransport, syncErrors.Component(component), syncErrors.KindInvalid,
			fmt.Errorf("unknown method %q", m.Method)))
	}
}

func invalid(op syncErrors.Operation, err error) error {
	return syncErrors.E(op, syncErrors.Component(component), syncErrors.KindInvalid, err)
}

func (c *serverConn) handlePull(m Message) {
	var p pullParams
	if len(m.Params) > 0 {
		if err := json.Unmarshal(m.Params, &p); err != nil {
			c.replyError(m.ID, invalid(syncErrors.OpPull, fmt.Errorf("bad params: %w", err)))
			return
		}
	}
	cp, err := c.server.registry.UnmarshalWire(p.Checkpoint)
	if err != nil {
		c.replyError(m.ID, invalid(syncErrors.OpPull, fmt.Errorf("invalid checkpoint: %w", err)))
		return
	}
	limit := c.server.defaultLimit
	if p.Limit > 0 {
		limit = min(p.Limit, c.server.maxLimit)
	}

	page, err := c.server.endpoint.PullChanges(c.ctx, cp, limit)
	if err != nil {
		c.replyError(m.ID, err)
		return
	}
	wc, err := c.server.registry.MarshalWire(page.Checkpoint)
	if err != nil {
		c.replyError(m.ID, err)
		return
	}
	docs := page.Documents
	if docs == nil {
		docs = []synckit.DocumentState{}
	}
	c.replyResult(m.ID, pullResult{Documents: docs, Checkpoint: wc})
}

func (c *serverConn) handlePush(m Message) {
	var p pushParams
	if err := json.Unmarshal(m.Params, &p); err != nil {
		c.replyError(m.ID, invalid(syncErrors.OpPush, fmt.Errorf("bad params: %w", err)))
		return
	}
	for i, row := range p.Rows {
		if row.Document.ID == "" {
			c.replyError(m.ID, invalid(syncErrors.OpPush, fmt.Errorf("row %d: document id is required", i)))
			return
		}
	}
	writeErrors, err := c.server.endpoint.PushRows(c.ctx, p.Rows)
	if err != nil {
		c.replyError(m.ID, err)
		return
	}
	if writeErrors == nil {
		writeErrors = []synckit.WriteError{}
	}
	c.replyResult(m.ID, pushResult{Errors: writeErrors})
}

// handleStream subscribes the connection to master notifications. The
// first notification is always a resync. Repeated requests are no-ops.
func (c *serverConn) handleStream(m Message) {
	source, ok := c.server.endpoint.(synckit.Subscriber)
	if !ok {
		c.replyError(m.ID, invalid(syncErrors.OpTransport, fmt.Errorf("endpoint does not stream changes")))
		return
	}

	c.subMu.Lock()
	defer c.subMu.Unlock()
	if c.sub == nil {
		sub, err := source.Subscribe(c.ctx, c.enqueue)
		if err != nil {
			c.replyError(m.ID, err)
			return
		}
		c.sub = sub
		c.enqueue(synckit.RemoteNotification{Resync: true})
	}
	c.replyResult(m.ID, struct{}{})
}

// enqueue never blocks. When the queue is full the next notification
// written is replaced by a resync.
func (c *serverConn) enqueue(n synckit.RemoteNotification) {
	m := Message{Method: NotifyResync}
	if !n.Resync {
		wc, err := c.server.registry.MarshalWire(n.Checkpoint)
		if err == nil {
			params, _ := json.Marshal(changeParams{Checkpoint: wc, DocumentIDs: n.DocumentIDs})
			m = Message{Method: NotifyChange, Params: params}
		}
	}
	select {
	case c.notify <- m:
	default:
		c.overflow.Store(true)
	}
}
