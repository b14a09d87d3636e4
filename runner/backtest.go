package runner

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/rustyeddy/xautrader/broker/sim"
	"github.com/rustyeddy/xautrader/indicators"
	"github.com/rustyeddy/xautrader/internal/id"
	"github.com/rustyeddy/xautrader/journal"
	"github.com/rustyeddy/xautrader/lifecycle"
	"github.com/rustyeddy/xautrader/notify"
	"github.com/rustyeddy/xautrader/strategies"
)

// Backtest is everything a deterministic replay needs.
type Backtest struct {
	Sim       sim.Config
	Lifecycle lifecycle.Config

	Strategy   string
	DeathCross strategies.DeathCrossMode
	FastPeriod int
	SlowPeriod int
	ATRPeriod  int
}

func DefaultBacktest() Backtest {
	return Backtest{
		Sim:        sim.DefaultConfig(),
		Lifecycle:  lifecycle.DefaultConfig(),
		Strategy:   "sma-cross",
		DeathCross: strategies.DeathCrossFlat,
		FastPeriod: 20,
		SlowPeriod: 50,
		ATRPeriod:  14,
	}
}

// NewBacktest wires a simulator, a manager and the indicators for replay.
// Position IDs come from a generator seeded with the simulator seed and every
// timestamp is bar time, so two replays of the same bars write identical
// journals. Retries do not sleep.
func NewBacktest(bt Backtest, j journal.Journal, alerts notify.Alerter, log *zap.Logger) (*Runner, *sim.Engine, error) {
	if bt.Sim.Instrument == "" {
		bt.Sim.Instrument = bt.Lifecycle.Instrument
	}
	bt.Sim.CommissionPerLot = bt.Lifecycle.CommissionPerLot

	engine, err := sim.NewEngine(bt.Sim, j, log)
	if err != nil {
		return nil, nil, err
	}
	ind, err := indicators.NewEngine(bt.FastPeriod, bt.SlowPeriod, bt.ATRPeriod)
	if err != nil {
		return nil, nil, err
	}
	gen, err := strategies.ByName(bt.Strategy, bt.DeathCross)
	if err != nil {
		return nil, nil, err
	}

	clock := &Clock{}
	mgr, err := lifecycle.New(bt.Lifecycle, engine, j,
		lifecycle.WithLogger(log),
		lifecycle.WithAlerter(alerts),
		lifecycle.WithIDs(id.NewSeeded(bt.Sim.Seed)),
		lifecycle.WithClock(clock.Now),
		lifecycle.WithSleep(lifecycle.NoSleep),
	)
	if err != nil {
		return nil, nil, fmt.Errorf("backtest: %w", err)
	}

	r, err := New(ind, gen, mgr, engine, WithLogger(log), WithClock(clock))
	if err != nil {
		return nil, nil, err
	}
	return r, engine, nil
}
