package synckit

import (
	"context"
	"log/slog"

	"github.com/c0deZ3R0/docsync/cursor"
	"github.com/c0deZ3R0/docsync/logging"
)

// RemoteEndpoint is the master side of a replication as the engines see
// it. Adapters translate it onto a transport.
type RemoteEndpoint interface {
	// PullChanges returns up to batchSize master documents changed after
	// checkpoint, with the checkpoint to resume from.
	PullChanges(ctx context.Context, checkpoint cursor.Cursor, batchSize int) (ChangesPage, error)

	// PushRows writes rows to the master. An empty result means every row
	// was accepted.
	PushRows(ctx context.Context, rows []WriteRow) ([]WriteError, error)
}

// RemoteNotification tells a live replication the master changed.
type RemoteNotification struct {
	Checkpoint  cursor.Cursor `json:"-"`
	DocumentIDs []string      `json:"documentIds,omitempty"`
	// Resync asks for a pull even without a newer checkpoint, e.g. after a
	// reconnect.
	Resync bool `json:"resync,omitempty"`
}

// Subscription ends a subscription when closed.
type Subscription interface {
	Close() error
}

// Subscriber is implemented by endpoints that can push change
// notifications. Endpoints without it are polled.
type Subscriber interface {
	Subscribe(ctx context.Context, fn func(RemoteNotification)) (Subscription, error)
}

type notifyingEndpoint struct {
	RemoteEndpoint
	Subscriber
}

// WithNotifications combines a request/response endpoint with a separate
// notification source, such as an HTTP client and an SSE stream.
func WithNotifications(endpoint RemoteEndpoint, sub Subscriber) RemoteEndpoint {
	return notifyingEndpoint{RemoteEndpoint: endpoint, Subscriber: sub}
}

// InstanceEndpoint serves a storage instance as a replication master. It is
// what transport servers wrap, and it lets two in-process instances
// replicate directly.
type InstanceEndpoint struct {
	instance     StorageInstance
	writeContext string
	logger       *slog.Logger
}

var (
	_ RemoteEndpoint = (*InstanceEndpoint)(nil)
	_ Subscriber     = (*InstanceEndpoint)(nil)
)

// EndpointOption configures an InstanceEndpoint.
type EndpointOption func(*InstanceEndpoint)

// WithEndpointWriteContext sets the write context used for pushed rows.
func WithEndpointWriteContext(wc string) EndpointOption {
	return func(e *InstanceEndpoint) { e.writeContext = wc }
}

// WithEndpointLogger sets the logger.
func WithEndpointLogger(l *slog.Logger) EndpointOption {
	return func(e *InstanceEndpoint) { e.logger = l }
}

func NewInstanceEndpoint(instance StorageInstance, opts ...EndpointOption) *InstanceEndpoint {
	e := &InstanceEndpoint{instance: instance, writeContext: "remote:push"}
	for _, opt := range opts {
		opt(e)
	}
	e.logger = logging.For(e.logger, logging.Component("endpoint"))
	return e
}

// Instance returns the served instance.
func (e *InstanceEndpoint) Instance() StorageInstance { return e.instance }

func (e *InstanceEndpoint) PullChanges(ctx context.Context, checkpoint cursor.Cursor, batchSize int) (ChangesPage, error) {
	return e.instance.ChangesSince(ctx, checkpoint, batchSize)
}

func (e *InstanceEndpoint) PushRows(ctx context.Context, rows []WriteRow) ([]WriteError, error) {
	if len(rows) == 0 {
		return nil, nil
	}
	resp, err := e.instance.BulkWrite(ctx, rows, e.writeContext)
	if err != nil {
		return nil, err
	}
	return resp.Errors, nil
}

// Subscribe forwards the instance's change batches as notifications until
// ctx ends or the subscription is closed.
func (e *InstanceEndpoint) Subscribe(ctx context.Context, fn func(RemoteNotification)) (Subscription, error) {
	sub := e.instance.ChangeFeed().Subscribe()
	go func() {
		defer sub.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case batch, ok := <-sub.C():
				if !ok {
					return
				}
				fn(NotificationFor(batch))
			}
		}
	}()
	return sub, nil
}

// NotificationFor converts a change batch into a notification.
func NotificationFor(batch ChangeEventBatch) RemoteNotification {
	ids := make([]string, len(batch.Events))
	for i, ev := range batch.Events {
		ids[i] = ev.DocumentID
	}
	return RemoteNotification{Checkpoint: batch.Checkpoint, DocumentIDs: ids}
}
