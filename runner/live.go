package runner

import (
	"context"
	"errors"
	"io"
	"time"

	"go.uber.org/zap"

	"github.com/rustyeddy/xautrader/feed"
	"github.com/rustyeddy/xautrader/lifecycle"
	"github.com/rustyeddy/xautrader/market"
	"github.com/rustyeddy/xautrader/metrics"
)

type pulled struct {
	bar market.Bar
	err error
}

// Live runs until ctx ends or the source is exhausted. Bars, broker events
// and the fill timeout ticker are handled from one goroutine, so the manager
// sees a single ordered stream of updates. Failures are logged and the loop
// keeps going; the manager escalates anything that threatens the position.
func (r *Runner) Live(ctx context.Context, src feed.Source) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	bars := make(chan pulled)
	go func() {
		defer close(bars)
		for {
			b, err := src.Next(ctx)
			select {
			case bars <- pulled{bar: b, err: err}:
			case <-ctx.Done():
				return
			}
			if err != nil && !errors.Is(err, feed.ErrDisconnected) {
				return
			}
		}
	}()

	ticker := time.NewTicker(r.tick)
	defer ticker.Stop()
	events := r.broker.Events().Ready()

	if err := r.mgr.Reconcile(ctx); err != nil {
		r.log.Error("startup reconcile", zap.Error(err))
	}
	r.log.Info("live loop started")

	for {
		select {
		case <-ctx.Done():
			r.log.Info("live loop stopped", zap.Error(ctx.Err()))
			return ctx.Err()

		case p, ok := <-bars:
			if !ok {
				return nil
			}
			if err := r.onLiveBar(ctx, p); err != nil {
				if errors.Is(err, io.EOF) {
					r.log.Info("feed ended")
					return nil
				}
				return err
			}

		case <-events:
			if err := r.Drain(ctx); err != nil {
				r.logFailure("broker event", err)
			}

		case <-ticker.C:
			if err := r.mgr.CheckTimeouts(ctx, r.now()); err != nil {
				r.logFailure("timeout check", err)
			}
			if err := r.Drain(ctx); err != nil {
				r.logFailure("broker event", err)
			}
		}
	}
}

func (r *Runner) onLiveBar(ctx context.Context, p pulled) error {
	var de *market.DataError
	switch {
	case p.err == nil:
	case errors.Is(p.err, feed.ErrDisconnected):
		r.log.Warn("feed disconnected, waiting for bars")
		return nil
	case errors.Is(p.err, io.EOF):
		return io.EOF
	default:
		if ctx.Err() != nil {
			return nil
		}
		return p.err
	}

	err := r.Step(ctx, p.bar)
	switch {
	case err == nil:
	case errors.As(err, &de):
		metrics.DataErrorsTotal.Inc()
		r.log.Warn("bar skipped", zap.Error(err))
	default:
		r.logFailure("bar", err)
	}
	return nil
}

func (r *Runner) logFailure(what string, err error) {
	if errors.Is(err, lifecycle.ErrInterventionRequired) {
		r.log.Error(what+" failed, position needs intervention", zap.Error(err))
		return
	}
	r.log.Error(what+" failed", zap.Error(err))
}
