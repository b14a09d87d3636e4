package broker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEventQueueFIFO(t *testing.T) {
	t.Parallel()

	q := NewEventQueue()
	assert.Empty(t, q.Drain())

	q.Push(Event{Kind: EventFilled, OrderID: "a"})
	q.Push(Event{Kind: EventRejected, OrderID: "b"})
	assert.Equal(t, 2, q.Len())

	select {
	case <-q.Ready():
	default:
		t.Fatal("expected ready notification")
	}

	got := q.Drain()
	require.Len(t, got, 2)
	assert.Equal(t, "a", got[0].OrderID)
	assert.Equal(t, "b", got[1].OrderID)
	assert.Equal(t, 0, q.Len())
}

func TestEventQueueConcurrentPush(t *testing.T) {
	t.Parallel()

	q := NewEventQueue()
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				q.Push(Event{OrderID: fmt.Sprintf("%d-%d", i, j)})
			}
		}(i)
	}
	wg.Wait()
	assert.Len(t, q.Drain(), 800)
}

func TestRetryable(t *testing.T) {
	t.Parallel()

	assert.True(t, Retryable(fmt.Errorf("submit: %w", ErrRejected)))
	assert.True(t, Retryable(ErrTimeout))
	assert.False(t, Retryable(ErrConnectionLost))
	assert.False(t, Retryable(errors.New("boom")))
}

func TestCallTimeout(t *testing.T) {
	t.Parallel()

	err := Call(context.Background(), 10*time.Millisecond, func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrTimeout))

	err = Call(context.Background(), time.Second, func(ctx context.Context) error {
		return ErrNotFound
	})
	assert.True(t, errors.Is(err, ErrNotFound))

	// parent cancellation is not a broker timeout
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err = Call(ctx, time.Second, func(ctx context.Context) error { return ctx.Err() })
	assert.False(t, errors.Is(err, ErrTimeout))
}
