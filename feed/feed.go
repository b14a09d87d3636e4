// Package feed provides bar sources for the runner. Bounded sources (Slice,
// CSV) serve replay and can be restarted; Queue is fed by a live
// subscription and blocks until the next bar arrives.
package feed

import (
	"context"
	"errors"
	"io"

	"github.com/rustyeddy/xautrader/market"
)

var (
	// ErrDisconnected is returned by live sources when the upstream
	// subscription dropped. The source stays usable; bars resume once the
	// subscription reconnects.
	ErrDisconnected = errors.New("feed disconnected")
	ErrClosed       = errors.New("feed closed")
)

// Source yields bars in timestamp order. io.EOF ends a bounded source.
type Source interface {
	Next(ctx context.Context) (market.Bar, error)
}

// Restartable sources replay from the first bar after Reset.
type Restartable interface {
	Source
	Reset() error
}

// Slice replays an in-memory bar slice.
type Slice struct {
	bars []market.Bar
	pos  int
}

func NewSlice(bars []market.Bar) *Slice {
	return &Slice{bars: bars}
}

func (s *Slice) Next(ctx context.Context) (market.Bar, error) {
	if err := ctx.Err(); err != nil {
		return market.Bar{}, err
	}
	if s.pos >= len(s.bars) {
		return market.Bar{}, io.EOF
	}
	b := s.bars[s.pos]
	s.pos++
	return b, nil
}

func (s *Slice) Reset() error {
	s.pos = 0
	return nil
}

func (s *Slice) Len() int {
	return len(s.bars)
}

// Collect drains src into a slice. It stops at io.EOF.
func Collect(ctx context.Context, src Source) ([]market.Bar, error) {
	var out []market.Bar
	for {
		b, err := src.Next(ctx)
		if errors.Is(err, io.EOF) {
			return out, nil
		}
		if err != nil {
			return out, err
		}
		out = append(out, b)
	}
}
