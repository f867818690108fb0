package synckit

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoopSignal(t *testing.T) {
	t.Run("requests coalesce into one trigger", func(t *testing.T) {
		s := newLoopSignal()
		assert.Equal(t, uint64(1), s.request())
		assert.Equal(t, uint64(2), s.request())
		<-s.trigger
		select {
		case <-s.trigger:
			t.Fatal("expected a single pending trigger")
		default:
		}
	})

	t.Run("drain covers tickets issued before it began", func(t *testing.T) {
		s := newLoopSignal()
		a := s.request()
		b := s.request()
		n := s.begin()

		errc := make(chan error, 1)
		go func() { errc <- s.wait(context.Background(), b, nil) }()

		boom := errors.New("boom")
		s.done(n, boom)
		select {
		case err := <-errc:
			assert.ErrorIs(t, err, boom)
		case <-time.After(time.Second):
			t.Fatal("waiter not released")
		}
		assert.ErrorIs(t, s.wait(context.Background(), a, nil), boom)
	})

	t.Run("later ticket waits for a later drain", func(t *testing.T) {
		s := newLoopSignal()
		n := s.begin()
		ticket := s.request()
		s.done(n, nil)

		ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
		defer cancel()
		assert.ErrorIs(t, s.wait(ctx, ticket, nil), context.DeadlineExceeded)

		s.done(s.begin(), nil)
		require.NoError(t, s.wait(context.Background(), ticket, nil))
	})

	t.Run("stop releases waiters", func(t *testing.T) {
		s := newLoopSignal()
		stopped := make(chan struct{})
		close(stopped)
		assert.ErrorIs(t, s.wait(context.Background(), s.request(), stopped), errStopped)
	})
}
