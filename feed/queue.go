package feed

import (
	"context"
	"io"
	"sync"

	"github.com/rustyeddy/xautrader/market"
)

type item struct {
	bar market.Bar
	err error
}

// Queue is the live source. Producers (a websocket subscriber, a pricing
// stream) Push bars; the runner blocks in Next until one is available.
type Queue struct {
	items chan item
	done  chan struct{}
	once  sync.Once
}

func NewQueue(size int) *Queue {
	if size <= 0 {
		size = 256
	}
	return &Queue{
		items: make(chan item, size),
		done:  make(chan struct{}),
	}
}

// Push blocks while the queue is full.
func (q *Queue) Push(ctx context.Context, b market.Bar) error {
	return q.put(ctx, item{bar: b})
}

// Disconnected tells the consumer the upstream dropped. Next returns
// ErrDisconnected once, in order with the bars around it.
func (q *Queue) Disconnected(ctx context.Context) error {
	return q.put(ctx, item{err: ErrDisconnected})
}

func (q *Queue) put(ctx context.Context, it item) error {
	select {
	case <-q.done:
		return ErrClosed
	default:
	}
	select {
	case q.items <- it:
		return nil
	case <-q.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close ends the stream. Bars already queued are still delivered, then Next
// returns io.EOF.
func (q *Queue) Close() {
	q.once.Do(func() { close(q.done) })
}

func (q *Queue) Next(ctx context.Context) (market.Bar, error) {
	select {
	case it := <-q.items:
		return it.bar, it.err
	default:
	}
	select {
	case it := <-q.items:
		return it.bar, it.err
	case <-q.done:
		select {
		case it := <-q.items:
			return it.bar, it.err
		default:
			return market.Bar{}, io.EOF
		}
	case <-ctx.Done():
		return market.Bar{}, ctx.Err()
	}
}

// Len reports how many items are waiting.
func (q *Queue) Len() int {
	return len(q.items)
}
