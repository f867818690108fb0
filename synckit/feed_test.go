package synckit

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c0deZ3R0/docsync/logging"
)

func TestFeed_DeliversInOrder(t *testing.T) {
	f := NewFeed[int](FeedConfig{Name: "t", Buffer: 8, Logger: logging.Discard()})
	a, b := f.Subscribe(), f.Subscribe()
	assert.Equal(t, 2, f.Len())

	for i := 0; i < 5; i++ {
		assert.Equal(t, 2, f.Publish(context.Background(), i))
	}
	for _, sub := range []*FeedSubscription[int]{a, b} {
		for i := 0; i < 5; i++ {
			assert.Equal(t, i, <-sub.C())
		}
	}
}

func TestFeed_SubscribersOnlySeeLaterValues(t *testing.T) {
	f := NewFeed[string](FeedConfig{Logger: logging.Discard()})
	f.Publish(context.Background(), "before")
	sub := f.Subscribe()
	f.Publish(context.Background(), "after")
	assert.Equal(t, "after", <-sub.C())
}

func TestFeed_DropPolicy(t *testing.T) {
	f := NewFeed[int](FeedConfig{Buffer: 1, Policy: PolicyDrop, Logger: logging.Discard()})
	sub := f.Subscribe()

	assert.Equal(t, 1, f.Publish(context.Background(), 1))
	assert.Equal(t, 0, f.Publish(context.Background(), 2))
	assert.Equal(t, uint64(1), f.Dropped())
	assert.Equal(t, 1, <-sub.C())
}

func TestFeed_BlockPolicyWaitsForConsumer(t *testing.T) {
	f := NewFeed[int](FeedConfig{Buffer: 1, Logger: logging.Discard()})
	sub := f.Subscribe()
	f.Publish(context.Background(), 1)

	done := make(chan int)
	go func() { done <- f.Publish(context.Background(), 2) }()

	select {
	case <-done:
		t.Fatal("publish must block while the buffer is full")
	case <-time.After(50 * time.Millisecond):
	}
	assert.Equal(t, 1, <-sub.C())
	assert.Equal(t, 1, <-done)
	assert.Equal(t, 2, <-sub.C())
}

func TestFeed_BlockTimeout(t *testing.T) {
	f := NewFeed[int](FeedConfig{Buffer: 1, BlockTimeout: 20 * time.Millisecond, Logger: logging.Discard()})
	f.Subscribe()
	f.Publish(context.Background(), 1)
	assert.Equal(t, 0, f.Publish(context.Background(), 2))
	assert.Equal(t, uint64(1), f.Dropped())
}

func TestFeed_CloseReleasesBlockedPublisher(t *testing.T) {
	f := NewFeed[int](FeedConfig{Buffer: 1, Logger: logging.Discard()})
	sub := f.Subscribe()
	f.Publish(context.Background(), 1)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		f.Publish(context.Background(), 2)
	}()
	time.Sleep(20 * time.Millisecond)
	f.Close()
	wg.Wait()

	// The buffered value is still readable, then the channel is closed.
	v, ok := <-sub.C()
	require.True(t, ok)
	assert.Equal(t, 1, v)
	_, ok = <-sub.C()
	assert.False(t, ok)

	late := f.Subscribe()
	_, ok = <-late.C()
	assert.False(t, ok)
	assert.Equal(t, 0, f.Publish(context.Background(), 3))
}

func TestFeed_SubscriptionClose(t *testing.T) {
	f := NewFeed[int](FeedConfig{Logger: logging.Discard()})
	sub := f.Subscribe()
	require.NoError(t, sub.Close())
	require.NoError(t, sub.Close())
	assert.Equal(t, 0, f.Len())
	assert.Equal(t, 0, f.Publish(context.Background(), 1))
}
