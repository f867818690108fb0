package synckit

import (
	"context"
	"log/slog"
	"time"

	"github.com/c0deZ3R0/docsync/logging"
)

// ResolutionMetrics receives one observation per resolution. Outcome is one
// of "equal", "master", "resolved" or "error".
type ResolutionMetrics interface {
	RecordResolution(handler, outcome string, duration time.Duration)
}

// ObservableHandler wraps a ConflictHandler with logging, metrics and an
// optional audit log.
type ObservableHandler struct {
	name    string
	wrapped ConflictHandler
	logger  *slog.Logger
	metrics ResolutionMetrics
	log     *ResolutionLog
	hooks   Hooks
}

var _ ConflictHandler = (*ObservableHandler)(nil)

// ObserverOption configures an ObservableHandler.
type ObserverOption func(*ObservableHandler)

func WithObserverLogger(l *slog.Logger) ObserverOption {
	return func(o *ObservableHandler) { o.logger = logging.For(l, logging.Component("conflict-handler")) }
}

func WithResolutionMetrics(m ResolutionMetrics) ObserverOption {
	return func(o *ObservableHandler) { o.metrics = m }
}

// WithResolutionLog records every resolution in l.
func WithResolutionLog(l *ResolutionLog) ObserverOption {
	return func(o *ObservableHandler) { o.log = l }
}

// WithObserverHooks calls h around each resolution. OnRuleMatched and
// OnFallback are not used by the wrapper.
func WithObserverHooks(h Hooks) ObserverOption {
	return func(o *ObservableHandler) { o.hooks = h }
}

// Observe wraps h. The name identifies the handler in logs, metrics and
// records.
func Observe(name string, h ConflictHandler, opts ...ObserverOption) *ObservableHandler {
	o := &ObservableHandler{
		name:    name,
		wrapped: h,
		logger:  logging.For(nil, logging.Component("conflict-handler")),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

func (o *ObservableHandler) Resolve(ctx context.Context, in ConflictInput) (ConflictOutput, error) {
	start := time.Now()
	rec := newResolutionRecord(o.name, in)

	out, err := o.wrapped.Resolve(ctx, in)
	d := time.Since(start)

	outcome := "resolved"
	switch {
	case err != nil:
		outcome = "error"
		o.logger.Warn("Conflict resolution failed",
			"handler", o.name,
			"document_id", in.RealMasterState.ID,
			"duration", d,
			"error", err)
		if o.hooks.OnError != nil {
			o.hooks.OnError(in, err)
		}
	case out.IsEqual:
		outcome = "equal"
	case out.Resolved != nil && SameDocument(*out.Resolved, in.RealMasterState):
		outcome = "master"
	}
	if err == nil {
		o.logger.Debug("Conflict resolved",
			"handler", o.name,
			"document_id", in.RealMasterState.ID,
			"outcome", outcome,
			"changed_fields", rec.ChangedFields,
			"duration", d)
		if o.hooks.OnResolved != nil {
			o.hooks.OnResolved(in, out)
		}
	}

	if o.metrics != nil {
		o.metrics.RecordResolution(o.name, outcome, d)
	}
	if o.log != nil {
		rec.complete(in, out, err, d)
		o.log.Add(rec)
	}
	return out, err
}
