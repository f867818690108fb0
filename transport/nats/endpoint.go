// Package nats keeps a replication master in a NATS JetStream stream.
//
// Every document lives on its own subject, <prefix>.<encoded id>, and the
// stream keeps only the latest message per subject. The stream sequence is
// the checkpoint: pulls read the stream with an ordered consumer starting
// after it, and subscribers get one notification per new message. Writes
// are compare-and-swap through the expected last sequence of the subject.
package nats

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	natsio "github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/c0deZ3R0/docsync/cursor"
	syncErrors "github.com/c0deZ3R0/docsync/errors"
	"github.com/c0deZ3R0/docsync/logging"
	"github.com/c0deZ3R0/docsync/synckit"
)

const component = "transport/nats"

// errWrongLastSequence is the JetStream error code for a failed
// expected-sequence check.
const errWrongLastSequence jetstream.ErrorCode = 10071

// maxCASAttempts bounds how often a row is re-decided after losing a
// compare-and-swap race.
const maxCASAttempts = 3

// Endpoint is a synckit.RemoteEndpoint and synckit.Subscriber backed by a
// JetStream stream.
type Endpoint struct {
	js     jetstream.JetStream
	stream jetstream.Stream
	nc     *natsio.Conn // set when the endpoint owns the connection

	name     string
	prefix   string
	storage  jetstream.StorageType
	replicas int
	logger   *slog.Logger
}

var (
	_ synckit.RemoteEndpoint = (*Endpoint)(nil)
	_ synckit.Subscriber     = (*Endpoint)(nil)
)

// Option configures an Endpoint.
type Option func(*Endpoint)

// WithStream sets the stream name.
func WithStream(name string) Option {
	return func(e *Endpoint) { e.name = name }
}

// WithSubjectPrefix sets the subject prefix documents are published under.
func WithSubjectPrefix(prefix string) Option {
	return func(e *Endpoint) { e.prefix = strings.TrimSuffix(prefix, ".") }
}

// WithMemoryStorage keeps the stream in memory instead of on disk.
func WithMemoryStorage() Option {
	return func(e *Endpoint) { e.storage = jetstream.MemoryStorage }
}

func WithReplicas(n int) Option {
	return func(e *Endpoint) {
		if n > 0 {
			e.replicas = n
		}
	}
}

func WithLogger(l *slog.Logger) Option {
	return func(e *Endpoint) { e.logger = l }
}

// StreamName derives the default stream name of a collection.
func StreamName(collection string) string {
	var b strings.Builder
	b.WriteString("DOCSYNC_")
	for _, r := range strings.ToUpper(collection) {
		if (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') || r == '_' || r == '-' {
			b.WriteRune(r)
		} else {
			b.WriteByte('_')
		}
	}
	return b.String()
}

// New creates the stream of collection if needed and returns an endpoint
// serving it.
func New(ctx context.Context, js jetstream.JetStream, collection string, opts ...Option) (*Endpoint, error) {
	if collection == "" {
		return nil, syncErrors.E(syncErrors.Op("nats.New"), syncErrors.Component(component), syncErrors.KindInvalid,
			errors.New("collection is required"))
	}
	e := &Endpoint{
		js:       js,
		name:     StreamName(collection),
		prefix:   "docsync." + subjectToken(collection),
		storage:  jetstream.FileStorage,
		replicas: 1,
	}
	for _, opt := range opts {
		opt(e)
	}
	e.logger = logging.For(e.logger, logging.Component(component)).With("stream", e.name)

	stream, err := js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:              e.name,
		Subjects:          []string{e.prefix + ".>"},
		Storage:           e.storage,
		Replicas:          e.replicas,
		MaxMsgsPerSubject: 1,
		Retention:         jetstream.LimitsPolicy,
		Discard:           jetstream.DiscardOld,
	})
	if err != nil {
		return nil, e.transient(syncErrors.Op("nats.New"), fmt.Errorf("failed to ensure stream: %w", err))
	}
	e.stream = stream
	e.logger.Debug("Stream ready", "subjects", e.prefix+".>")
	return e, nil
}

// Connect dials url and serves collection. Close also closes the
// connection.
func Connect(ctx context.Context, url, collection string, opts ...Option) (*Endpoint, error) {
	nc, err := natsio.Connect(url, natsio.Name("docsync"), natsio.MaxReconnects(-1))
	if err != nil {
		return nil, syncErrors.E(syncErrors.Op("nats.Connect"), syncErrors.Component(component),
			syncErrors.KindTransient, syncErrors.ErrCodeNetworkFailure, err)
	}
	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, syncErrors.E(syncErrors.Op("nats.Connect"), syncErrors.Component(component), err)
	}
	e, err := New(ctx, js, collection, opts...)
	if err != nil {
		nc.Close()
		return nil, err
	}
	e.nc = nc
	return e, nil
}

// Close closes the connection if Connect opened it.
func (e *Endpoint) Close() error {
	if e.nc != nil {
		e.nc.Close()
	}
	return nil
}

// Stream returns the stream name.
func (e *Endpoint) Stream() string { return e.name }

func (e *Endpoint) transient(op syncErrors.Operation, err error) error {
	return syncErrors.E(op, syncErrors.Component(component), syncErrors.KindTransient, err)
}

// subjectToken encodes s so it is a single subject token. Document ids may
// contain dots, spaces and wildcards.
func subjectToken(s string) string {
	return base64.RawURLEncoding.EncodeToString([]byte(s))
}

func (e *Endpoint) subject(id string) string {
	return e.prefix + "." + subjectToken(id)
}

func (e *Endpoint) documentID(subject string) (string, error) {
	token, ok := strings.CutPrefix(subject, e.prefix+".")
	if !ok {
		return "", fmt.Errorf("subject %q outside prefix %q", subject, e.prefix)
	}
	id, err := base64.RawURLEncoding.DecodeString(token)
	if err != nil {
		return "", fmt.Errorf("subject %q: %w", subject, err)
	}
	return string(id), nil
}

// current returns the stored state of id with its subject sequence, or nil
// and 0 when there is none.
func (e *Endpoint) current(ctx context.Context, id string) (*synckit.DocumentState, uint64, error) {
	msg, err := e.stream.GetLastMsgForSubject(ctx, e.subject(id))
	if errors.Is(err, jetstream.ErrMsgNotFound) {
		return nil, 0, nil
	}
	if err != nil {
		return nil, 0, err
	}
	var doc synckit.DocumentState
	if err := json.Unmarshal(msg.Data, &doc); err != nil {
		return nil, 0, fmt.Errorf("document %q at sequence %d: %w", id, msg.Sequence, err)
	}
	return &doc, msg.Sequence, nil
}

// Lookup returns the master state of id, nil when there is none.
func (e *Endpoint) Lookup(ctx context.Context, id string) (*synckit.DocumentState, error) {
	doc, _, err := e.current(ctx, id)
	if err != nil {
		return nil, e.transient(syncErrors.Op("nats.Lookup"), err)
	}
	return doc, nil
}

// PushRows writes each row with a compare-and-swap on its subject. A row
// that loses a race against another writer is decided again against the
// new state, which normally turns it into a conflict.
func (e *Endpoint) PushRows(ctx context.Context, rows []synckit.WriteRow) ([]synckit.WriteError, error) {
	var rejected []synckit.WriteError
	for _, row := range rows {
		we, err := e.pushRow(ctx, row)
		if err != nil {
			return nil, err
		}
		if we != nil {
			rejected = append(rejected, *we)
		}
	}
	e.logger.Debug("Push handled", "rows", len(rows), "rejected", len(rejected))
	return rejected, nil
}

func (e *Endpoint) pushRow(ctx context.Context, row synckit.WriteRow) (*synckit.WriteError, error) {
	for attempt := 1; ; attempt++ {
		var (
			current *synckit.DocumentState
			seq     uint64
			err     error
		)
		if row.Document.ID != "" {
			if current, seq, err = e.current(ctx, row.Document.ID); err != nil {
				return nil, e.transient(syncErrors.OpPush, err)
			}
		}

		d := synckit.DecideWrite(current, row)
		switch d.Action {
		case synckit.WriteSkip:
			return nil, nil
		case synckit.WriteReject:
			we := d.RejectError(row)
			return &we, nil
		case synckit.WriteConflict:
			we := d.ConflictError(row)
			return &we, nil
		}

		data, err := json.Marshal(d.Document)
		if err != nil {
			return nil, syncErrors.E(syncErrors.OpPush, syncErrors.Component(component), syncErrors.KindInvalid, err)
		}
		_, err = e.js.Publish(ctx, e.subject(d.Document.ID), data, jetstream.WithExpectLastSequencePerSubject(seq))
		if err == nil {
			return nil, nil
		}
		var apiErr *jetstream.APIError
		if errors.As(err, &apiErr) && apiErr.ErrorCode == errWrongLastSequence && attempt < maxCASAttempts {
			e.logger.Debug("Lost write race, deciding again",
				"document_id", row.Document.ID,
				"attempt", attempt)
			continue
		}
		return nil, e.transient(syncErrors.OpPush, fmt.Errorf("publish %q: %w", row.Document.ID, err))
	}
}

// PullChanges reads up to batchSize documents stored after checkpoint. An
// empty page returns checkpoint unchanged.
func (e *Endpoint) PullChanges(ctx context.Context, checkpoint cursor.Cursor, batchSize int) (synckit.ChangesPage, error) {
	if batchSize <= 0 {
		batchSize = 100
	}
	info, err := e.stream.Info(ctx)
	if err != nil {
		return synckit.ChangesPage{}, e.transient(syncErrors.OpPull, err)
	}
	start := cursor.Seq(checkpoint) + 1
	if info.State.Msgs == 0 || start > info.State.LastSeq {
		return synckit.ChangesPage{Checkpoint: checkpoint}, nil
	}

	cons, err := e.js.OrderedConsumer(ctx, e.name, jetstream.OrderedConsumerConfig{
		FilterSubjects: []string{e.prefix + ".>"},
		DeliverPolicy:  jetstream.DeliverByStartSequencePolicy,
		OptStartSeq:    start,
	})
	if err != nil {
		return synckit.ChangesPage{}, e.transient(syncErrors.OpPull, err)
	}
	batch, err := cons.FetchNoWait(batchSize)
	if err != nil {
		return synckit.ChangesPage{}, e.transient(syncErrors.OpPull, err)
	}

	page := synckit.ChangesPage{Checkpoint: checkpoint}
	for msg := range batch.Messages() {
		meta, err := msg.Metadata()
		if err != nil {
			return synckit.ChangesPage{}, e.transient(syncErrors.OpPull, err)
		}
		var doc synckit.DocumentState
		if err := json.Unmarshal(msg.Data(), &doc); err != nil {
			// Unreadable messages are skipped; the checkpoint still moves past them.
			e.logger.Warn("Skipping malformed message",
				"subject", msg.Subject(),
				"sequence", meta.Sequence.Stream,
				"error", err)
		} else {
			page.Documents = append(page.Documents, doc)
		}
		page.Checkpoint = cursor.NewInteger(meta.Sequence.Stream)
	}
	if err := batch.Error(); err != nil && !errors.Is(err, jetstream.ErrNoMessages) {
		return synckit.ChangesPage{}, e.transient(syncErrors.OpPull, err)
	}
	e.logger.Debug("Pull handled", "documents", len(page.Documents), "from_sequence", start)
	return page, nil
}

type subscription struct {
	cc   jetstream.ConsumeContext
	stop func() bool
}

func (s *subscription) Close() error {
	s.stop()
	s.cc.Stop()
	return nil
}

// Subscribe delivers one notification per message published after the
// call, until ctx ends or the subscription is closed.
func (e *Endpoint) Subscribe(ctx context.Context, fn func(synckit.RemoteNotification)) (synckit.Subscription, error) {
	cons, err := e.js.OrderedConsumer(ctx, e.name, jetstream.OrderedConsumerConfig{
		FilterSubjects: []string{e.prefix + ".>"},
		DeliverPolicy:  jetstream.DeliverNewPolicy,
	})
	if err != nil {
		return nil, e.transient(syncErrors.Op("nats.Subscribe"), err)
	}
	cc, err := cons.Consume(func(msg jetstream.Msg) {
		meta, err := msg.Metadata()
		if err != nil {
			fn(synckit.RemoteNotification{Resync: true})
			return
		}
		n := synckit.RemoteNotification{Checkpoint: cursor.NewInteger(meta.Sequence.Stream)}
		if id, err := e.documentID(msg.Subject()); err == nil {
			n.DocumentIDs = []string{id}
		}
		fn(n)
	}, jetstream.ConsumeErrHandler(func(_ jetstream.ConsumeContext, err error) {
		e.logger.Debug("Consumer error", "error", err)
	}))
	if err != nil {
		return nil, e.transient(syncErrors.Op("nats.Subscribe"), err)
	}
	stop := context.AfterFunc(ctx, cc.Stop)
	return &subscription{cc: cc, stop: stop}, nil
}
