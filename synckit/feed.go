package synckit

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/c0deZ3R0/docsync/logging"
)

// SlowConsumerPolicy decides what a Feed does when a subscriber's buffer is
// full.
type SlowConsumerPolicy int

const (
	// PolicyBlock makes the publisher wait for the subscriber, bounded by
	// the publish context and FeedConfig.BlockTimeout.
	PolicyBlock SlowConsumerPolicy = iota
	// PolicyDrop drops the value for that subscriber and logs a warning.
	PolicyDrop
)

// FeedConfig configures a Feed.
type FeedConfig struct {
	Name         string
	Buffer       int
	Policy       SlowConsumerPolicy
	BlockTimeout time.Duration // zero waits as long as the publish context allows
	Logger       *slog.Logger
}

// Feed is a bounded multi-subscriber stream. Every subscriber sees the
// values published after it subscribed, in publish order.
type Feed[T any] struct {
	cfg    FeedConfig
	logger *slog.Logger

	mu      sync.RWMutex
	subs    map[uint64]*FeedSubscription[T]
	nextID  uint64
	closed  bool
	quit    chan struct{}
	quitOne sync.Once

	dropped atomic.Uint64
}

// NewFeed creates a feed. A zero Buffer defaults to 64.
func NewFeed[T any](cfg FeedConfig) *Feed[T] {
	if cfg.Buffer <= 0 {
		cfg.Buffer = 64
	}
	return &Feed[T]{
		cfg:    cfg,
		logger: logging.For(cfg.Logger, logging.Component("feed")).With("feed", cfg.Name),
		subs:   make(map[uint64]*FeedSubscription[T]),
		quit:   make(chan struct{}),
	}
}

// FeedSubscription receives values from a Feed until closed.
type FeedSubscription[T any] struct {
	feed *Feed[T]
	id   uint64
	ch   chan T
	done chan struct{}
	once sync.Once
}

// C returns the receive channel. It is closed when the subscription or the
// feed is closed.
func (s *FeedSubscription[T]) C() <-chan T { return s.ch }

// Close unsubscribes. It is safe to call more than once.
func (s *FeedSubscription[T]) Close() error {
	s.once.Do(func() {
		close(s.done)
		s.feed.remove(s.id)
	})
	return nil
}

// Subscribe registers a new subscriber. Subscribing to a closed feed returns
// a subscription whose channel is already closed.
func (f *Feed[T]) Subscribe() *FeedSubscription[T] {
	f.mu.Lock()
	defer f.mu.Unlock()

	sub := &FeedSubscription[T]{
		feed: f,
		ch:   make(chan T, f.cfg.Buffer),
		done: make(chan struct{}),
	}
	if f.closed {
		close(sub.ch)
		sub.once.Do(func() { close(sub.done) })
		return sub
	}
	f.nextID++
	sub.id = f.nextID
	f.subs[sub.id] = sub
	return sub
}

func (f *Feed[T]) remove(id uint64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if sub, ok := f.subs[id]; ok {
		delete(f.subs, id)
		close(sub.ch)
	}
}

// Len returns the number of current subscribers.
func (f *Feed[T]) Len() int {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return len(f.subs)
}

// Dropped returns how many deliveries were dropped under PolicyDrop or a
// block timeout.
func (f *Feed[T]) Dropped() uint64 { return f.dropped.Load() }

// Publish delivers v to every subscriber and returns how many received it.
func (f *Feed[T]) Publish(ctx context.Context, v T) int {
	f.mu.RLock()
	defer f.mu.RUnlock()
	if f.closed {
		return 0
	}

	delivered := 0
	for _, sub := range f.subs {
		if f.deliver(ctx, sub, v) {
			delivered++
		}
	}
	return delivered
}

func (f *Feed[T]) deliver(ctx context.Context, sub *FeedSubscription[T], v T) bool {
	select {
	case sub.ch <- v:
		return true
	case <-sub.done:
		return false
	default:
	}

	if f.cfg.Policy == PolicyDrop {
		f.dropped.Add(1)
		f.logger.Warn("Slow subscriber, dropping value", "subscriber", sub.id)
		return false
	}

	var timeout <-chan time.Time
	if f.cfg.BlockTimeout > 0 {
		timer := time.NewTimer(f.cfg.BlockTimeout)
		defer timer.Stop()
		timeout = timer.C
	}
	select {
	case sub.ch <- v:
		return true
	case <-sub.done:
		return false
	case <-f.quit:
		return false
	case <-ctx.Done():
		f.dropped.Add(1)
		return false
	case <-timeout:
		f.dropped.Add(1)
		f.logger.Warn("Subscriber blocked past timeout, dropping value",
			"subscriber", sub.id,
			"timeout", f.cfg.BlockTimeout)
		return false
	}
}

// Close closes every subscription. Blocked publishers are released.
func (f *Feed[T]) Close() {
	f.quitOne.Do(func() { close(f.quit) })

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return
	}
	f.closed = true
	for id, sub := range f.subs {
		delete(f.subs, id)
		sub.once.Do(func() { close(sub.done) })
		close(sub.ch)
	}
}
