// Package runner drives the pipeline: bars from a feed go through the
// indicators and the signal generator into the lifecycle manager, and broker
// events are fed back to the manager. Replay and live modes share Step.
package runner

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/rustyeddy/xautrader/broker"
	"github.com/rustyeddy/xautrader/feed"
	"github.com/rustyeddy/xautrader/indicators"
	"github.com/rustyeddy/xautrader/internal/logging"
	"github.com/rustyeddy/xautrader/journal"
	"github.com/rustyeddy/xautrader/lifecycle"
	"github.com/rustyeddy/xautrader/market"
	"github.com/rustyeddy/xautrader/metrics"
	"github.com/rustyeddy/xautrader/strategies"
)

// BarDriven brokers advance on every bar. The simulator is one.
type BarDriven interface {
	OnBar(b market.Bar) error
}

// Clock reports the time of the bar being processed. Replays hand its Now
// to the manager so positions are stamped with bar time.
type Clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *Clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *Clock) Set(t time.Time) {
	c.mu.Lock()
	c.t = t
	c.mu.Unlock()
}

// BarError stops a replay at the offending bar.
type BarError struct {
	Index int
	Bar   market.Bar
	Err   error
}

func (e *BarError) Error() string {
	return fmt.Sprintf("bar #%d (%s): %v", e.Index, e.Bar.Time.UTC().Format(time.RFC3339), e.Err)
}

func (e *BarError) Unwrap() error { return e.Err }

// Result summarizes one replay.
type Result struct {
	Bars    int
	Signals int
	Start   time.Time
	End     time.Time
	Balance float64
	Equity  float64
	Trades  []journal.ClosedTrade
	State   lifecycle.State
}

type Option func(*Runner)

func WithLogger(l *zap.Logger) Option {
	return func(r *Runner) { r.log = logging.OrNop(l) }
}

// WithClock makes Step advance c to each bar's time.
func WithClock(c *Clock) Option {
	return func(r *Runner) { r.clock = c }
}

// WithTimeoutInterval sets how often live mode checks pending entries.
func WithTimeoutInterval(d time.Duration) Option {
	return func(r *Runner) {
		if d > 0 {
			r.tick = d
		}
	}
}

type Runner struct {
	ind    *indicators.Engine
	gen    strategies.Generator
	mgr    *lifecycle.Manager
	broker broker.Broker
	log    *zap.Logger
	clock  *Clock
	tick   time.Duration
	now    func() time.Time

	seq     market.SequenceValidator
	signals int
}

func New(ind *indicators.Engine, gen strategies.Generator, mgr *lifecycle.Manager, b broker.Broker, opts ...Option) (*Runner, error) {
	if ind == nil || gen == nil || mgr == nil || b == nil {
		return nil, errors.New("runner: indicators, generator, manager and broker are required")
	}
	r := &Runner{
		ind:    ind,
		gen:    gen,
		mgr:    mgr,
		broker: b,
		log:    zap.NewNop(),
		tick:   time.Second,
		now:    time.Now,
	}
	for _, o := range opts {
		o(r)
	}
	r.log = r.log.Named("runner")
	return r, nil
}

func (r *Runner) Manager() *lifecycle.Manager { return r.mgr }

func (r *Runner) Broker() broker.Broker { return r.broker }

// Warmup feeds history through the indicators and the signal generator
// without trading, so live mode starts with a defined crossover state.
// Invalid bars are skipped.
func (r *Runner) Warmup(bars []market.Bar) int {
	n := 0
	for _, b := range bars {
		if err := r.seq.Check(b); err != nil {
			r.log.Debug("warmup bar skipped", zap.Error(err))
			continue
		}
		r.gen.OnSample(r.ind.Update(b))
		n++
	}
	r.log.Info("indicators warmed up", zap.Int("bars", n), zap.Bool("ready", r.ind.Ready()))
	return n
}

// Step processes one bar to completion: broker price update, events, bracket
// monitor, indicators, signal, events again, then the fill timeout check.
// A *market.DataError leaves every component untouched.
func (r *Runner) Step(ctx context.Context, b market.Bar) error {
	if err := r.seq.Check(b); err != nil {
		return err
	}
	if r.clock != nil {
		r.clock.Set(b.Time)
	}
	metrics.BarsTotal.WithLabelValues(market.XAUUSD).Inc()

	if bd, ok := r.broker.(BarDriven); ok {
		if err := bd.OnBar(b); err != nil {
			return fmt.Errorf("broker: %w", err)
		}
	}
	if err := r.Drain(ctx); err != nil {
		return err
	}
	if err := r.mgr.OnPrice(ctx, b); err != nil {
		return err
	}
	if err := r.Drain(ctx); err != nil {
		return err
	}

	smp := r.ind.Update(b)
	if sig, ok := r.gen.OnSample(smp); ok {
		r.signals++
		r.log.Info("signal", zap.Stringer("signal", sig))
		if err := r.mgr.OnSignal(ctx, sig); err != nil {
			return err
		}
		if err := r.Drain(ctx); err != nil {
			return err
		}
	}

	if err := r.mgr.CheckTimeouts(ctx, b.Time); err != nil {
		return err
	}
	return r.Drain(ctx)
}

// Drain hands every queued broker event to the manager. Events raised while
// handling are drained too.
func (r *Runner) Drain(ctx context.Context) error {
	q := r.broker.Events()
	for {
		evs := q.Drain()
		if len(evs) == 0 {
			return nil
		}
		for _, ev := range evs {
			if err := r.mgr.HandleEvent(ctx, ev); err != nil {
				return fmt.Errorf("event %s: %w", ev, err)
			}
		}
	}
}

// Replay runs a bounded source to the end. Any error stops the run at the
// failing bar. The position still open at the end is closed with reason
// end_of_data.
func (r *Runner) Replay(ctx context.Context, src feed.Source) (Result, error) {
	var res Result
	for i := 0; ; i++ {
		b, err := src.Next(ctx)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return r.result(ctx, res), fmt.Errorf("feed at bar #%d: %w", i, err)
		}
		if err := r.Step(ctx, b); err != nil {
			return r.result(ctx, res), &BarError{Index: i, Bar: b, Err: err}
		}
		if res.Start.IsZero() {
			res.Start = b.Time
		}
		res.End = b.Time
		res.Bars++
	}

	if err := r.mgr.Close(ctx, market.ExitEndOfData); err != nil {
		return r.result(ctx, res), fmt.Errorf("end of data: %w", err)
	}
	if err := r.Drain(ctx); err != nil {
		return r.result(ctx, res), fmt.Errorf("end of data: %w", err)
	}
	if st := r.mgr.State(); st != lifecycle.StateIdle {
		r.log.Warn("replay ended with a live position", zap.String("state", string(st)))
	}
	res = r.result(ctx, res)
	r.log.Info("replay finished",
		zap.Int("bars", res.Bars),
		zap.Int("signals", res.Signals),
		zap.Int("trades", len(res.Trades)),
		zap.Float64("balance", res.Balance))
	return res, nil
}

func (r *Runner) result(ctx context.Context, res Result) Result {
	res.Signals = r.signals
	res.Trades = r.mgr.Trades()
	res.State = r.mgr.State()
	if acct, err := r.broker.GetAccount(ctx); err == nil {
		res.Balance = acct.Balance
		res.Equity = acct.Equity
	}
	return res
}

// Reset rewinds the indicators, the generator, the manager and a resettable
// broker so the same bars can be replayed again.
func (r *Runner) Reset() {
	r.ind.Reset()
	r.gen.Reset()
	r.mgr.Reset()
	r.seq.Reset()
	r.signals = 0
	if rb, ok := r.broker.(interface{ Reset() }); ok {
		rb.Reset()
	}
}
