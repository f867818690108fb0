// Package sse streams master change notifications to replicating clients
// over Server-Sent Events. Documents are not sent on the stream; clients
// pull them through a request/response endpoint.
package sse

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/c0deZ3R0/docsync/cursor"
	syncErrors "github.com/c0deZ3R0/docsync/errors"
	"github.com/c0deZ3R0/docsync/logging"
	"github.com/c0deZ3R0/docsync/synckit"
)

const component = "transport/sse"

// Server is an http.Handler that streams the notifications of a
// synckit.Subscriber, usually an InstanceEndpoint over the master.
type Server struct {
	source    synckit.Subscriber
	registry  *cursor.Registry
	logger    *slog.Logger
	heartbeat time.Duration
	buffer    int

	clients atomic.Int64
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

// WithHeartbeat sets the interval of keep-alive comments. Zero disables
// them.
func WithHeartbeat(d time.Duration) ServerOption {
	return func(s *Server) { s.heartbeat = d }
}

// WithClientBuffer sets how many notifications are queued per client before
// the server falls back to a resync event.
func WithClientBuffer(n int) ServerOption {
	return func(s *Server) {
		if n > 0 {
			s.buffer = n
		}
	}
}

// NewServer creates a new SSE server with default settings
func NewServer(source synckit.Subscriber, opts ...ServerOption) *Server {
	s := &Server{
		source:    source,
		registry:  cursor.Default(),
		heartbeat: 15 * time.Second,
		buffer:    32,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = logging.For(s.logger, logging.Component(component))
	return s
}

// Clients returns the number of connected streams.
func (s *Server) Clients() int { return int(s.clients.Load()) }

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}
	ctx := r.Context()

	queue := make(chan synckit.RemoteNotification, s.buffer)
	var overflow atomic.Bool
	sub, err := s.source.Subscribe(ctx, func(n synckit.RemoteNotification) {
		select {
		case queue <- n:
		default:
			overflow.Store(true)
		}
	})
	if err != nil {
		e := syncErrors.E(syncErrors.Op("sse.subscribe"), syncErrors.Component(component), err)
		s.logger.Warn("Failed to subscribe to changes", "error", e)
		http.Error(w, "change feed unavailable", http.StatusServiceUnavailable)
		return
	}
	defer sub.Close()

	s.clients.Add(1)
	defer s.clients.Add(-1)
	s.logger.Debug("Client connected", "remote_addr", r.RemoteAddr)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	if err := writeEvent(w, flusher, EventResync, struct{}{}); err != nil {
		return
	}

	var heartbeat <-chan time.Time
	if s.heartbeat > 0 {
		ticker := time.NewTicker(s.heartbeat)
		defer ticker.Stop()
		heartbeat = ticker.C
	}

	for {
		var err error
		select {
		case <-ctx.Done():
			s.logger.Debug("Client disconnected", "remote_addr", r.RemoteAddr)
			return
		case <-heartbeat:
			_, err = fmt.Fprint(w, ": ping\n\n")
			flusher.Flush()
		case n := <-queue:
			if overflow.Swap(false) {
				s.logger.Debug("Client fell behind, sending resync", "remote_addr", r.RemoteAddr)
				err = writeEvent(w, flusher, EventResync, struct{}{})
				break
			}
			err = s.writeNotification(w, flusher, n)
		}
		if err != nil {
			s.logger.Debug("Stream write failed", "remote_addr", r.RemoteAddr, "error", err)
			return
		}
	}
}

func (s *Server) writeNotification(w http.ResponseWriter, flusher http.Flusher, n synckit.RemoteNotification) error {
	if n.Resync {
		return writeEvent(w, flusher, EventResync, struct{}{})
	}
	wc, err := s.registry.MarshalWire(n.Checkpoint)
	if err != nil {
		// The client still learns something changed.
		s.logger.Warn("Failed to encode checkpoint", "error", err)
		return writeEvent(w, flusher, EventResync, struct{}{})
	}
	return writeEvent(w, flusher, EventChange, notificationPayload{Checkpoint: wc, DocumentIDs: n.DocumentIDs})
}

func writeEvent(w http.ResponseWriter, flusher http.Flusher, name string, payload any) error {
	b, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", name, b); err != nil {
		return err
	}
	flusher.Flush()
	return nil
}
