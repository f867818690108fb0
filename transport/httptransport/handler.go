// Package httptransport serves a replication master over HTTP and provides
// the matching client endpoint.
//
//	POST /push  body PushRequest, response PushResponse
//	GET  /pull  ?checkpoint=<wire cursor json>&limit=<n>, response PullResponse
//
// Request and response bodies may be gzip compressed. Both sides enforce
// compressed and decompressed size limits.
package httptransport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	syncErrors "github.com/c0deZ3R0/docsync/errors"
	"github.com/c0deZ3R0/docsync/logging"
	"github.com/c0deZ3R0/docsync/synckit"
)

// Handler is an http.Handler that serves a master endpoint.
type Handler struct {
	endpoint synckit.RemoteEndpoint
	logger   *slog.Logger
	options  *ServerOptions
}

var _ http.Handler = (*Handler)(nil)

// NewHandler serves endpoint, usually a synckit.InstanceEndpoint over the
// master storage instance.
func NewHandler(endpoint synckit.RemoteEndpoint, opts ...ServerOption) *Handler {
	options := applyServerOptions(opts...)
	return &Handler{
		endpoint: endpoint,
		logger:   logging.For(options.Logger, logging.Component("transport/http")),
		options:  options,
	}
}

// ServeHTTP routes requests to /push and /pull. A mount prefix ending in
// one of those paths is accepted, so the handler can sit under /sync.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	path := r.URL.Path
	switch {
	case strings.HasSuffix(path, "/push"):
		h.handlePush(w, r)
	case strings.HasSuffix(path, "/pull"):
		h.handlePull(w, r)
	default:
		respondWithError(w, r, http.StatusNotFound, "not found", h.options)
	}
}

// Push returns the /push handler alone, for routers that match paths
// themselves.
func (h *Handler) Push() http.HandlerFunc { return h.handlePush }

// Pull returns the /pull handler alone.
func (h *Handler) Pull() http.HandlerFunc { return h.handlePull }

func (h *Handler) requestContext(r *http.Request) (context.Context, context.CancelFunc) {
	if h.options.RequestTimeout > 0 {
		return context.WithTimeout(r.Context(), h.options.RequestTimeout)
	}
	return context.WithCancel(r.Context())
}

func (h *Handler) handlePush(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		respondWithError(w, r, http.StatusMethodNotAllowed, "method not allowed", h.options)
		return
	}

	safeReader, cleanup, err := createSafeRequestReader(w, r, h.options)
	if err != nil {
		respondWithMappedError(w, r, err, h.options)
		return
	}
	defer cleanup()

	var req PushRequest
	if err := json.NewDecoder(safeReader).Decode(&req); err != nil {
		if errors.Is(err, io.EOF) {
			err = errEmptyBody
		}
		if mapErrorToHTTPStatus(err) == http.StatusBadRequest {
			err = fmt.Errorf("bad request: %w", err)
		}
		respondWithMappedError(w, r, err, h.options)
		return
	}
	for i, row := range req.Rows {
		if row.Document.ID == "" {
			respondWithError(w, r, http.StatusBadRequest, fmt.Sprintf("row %d: document id is required", i), h.options)
			return
		}
	}

	ctx, cancel := h.requestContext(r)
	defer cancel()
	writeErrors, err := h.endpoint.PushRows(ctx, req.Rows)
	if err != nil {
		h.respondEndpointError(w, r, syncErrors.OpPush, err)
		return
	}
	if writeErrors == nil {
		writeErrors = []synckit.WriteError{}
	}

	h.logger.Debug("Push handled",
		"rows", len(req.Rows),
		"rejected", len(writeErrors))
	respondWithJSON(w, r, http.StatusOK, PushResponse{Errors: writeErrors}, h.options)
}

func (h *Handler) handlePull(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		respondWithError(w, r, http.StatusMethodNotAllowed, "method not allowed", h.options)
		return
	}

	query := r.URL.Query()
	checkpoint, err := h.options.Registry.Decode([]byte(query.Get(paramCheckpoint)))
	if err != nil {
		respondWithError(w, r, http.StatusBadRequest, "invalid checkpoint: "+err.Error(), h.options)
		return
	}

	limit := h.options.DefaultPullLimit
	if s := query.Get(paramLimit); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n <= 0 {
			respondWithError(w, r, http.StatusBadRequest, fmt.Sprintf("invalid limit %q", s), h.options)
			return
		}
		limit = min(n, h.options.MaxPullLimit)
	}

	ctx, cancel := h.requestContext(r)
	defer cancel()
	page, err := h.endpoint.PullChanges(ctx, checkpoint, limit)
	if err != nil {
		h.respondEndpointError(w, r, syncErrors.OpPull, err)
		return
	}

	wc, err := h.options.Registry.MarshalWire(page.Checkpoint)
	if err != nil {
		h.logger.Error("Failed to encode checkpoint", "error", err)
		respondWithError(w, r, http.StatusInternalServerError, "could not encode checkpoint", h.options)
		return
	}
	docs := page.Documents
	if docs == nil {
		docs = []synckit.DocumentState{}
	}

	h.logger.Debug("Pull handled",
		"documents", len(docs),
		"limit", limit)
	respondWithJSON(w, r, http.StatusOK, PullResponse{Documents: docs, Checkpoint: wc}, h.options)
}

// respondEndpointError maps a master error onto a status. Retryable and
// closed errors are 503 so clients back off and retry.
func (h *Handler) respondEndpointError(w http.ResponseWriter, r *http.Request, op syncErrors.Operation, err error) {
	status := http.StatusInternalServerError
	switch {
	case syncErrors.IsRetryable(err), syncErrors.KindOf(err) == syncErrors.KindClosed:
		status = http.StatusServiceUnavailable
	case syncErrors.KindOf(err) == syncErrors.KindInvalid:
		status = http.StatusBadRequest
	}
	h.logger.Warn("Endpoint request failed",
		"op", string(op),
		"status", status,
		"error", err)
	respondWithError(w, r, status, err.Error(), h.options)
}
