package indicators

import (
	"fmt"
	"time"

	"github.com/rustyeddy/xautrader/market"
)

// Sample is the indicator state after one bar.
type Sample struct {
	Time  time.Time
	Close float64
	Fast  float64
	Slow  float64
	ATR   float64
	Ready bool
}

// Engine drives the fast SMA, slow SMA and ATR from a single bar stream.
type Engine struct {
	fast *SMA
	slow *SMA
	atr  *ATR
	bars int
}

func NewEngine(fast, slow, atr int) (*Engine, error) {
	if fast <= 0 || slow <= 0 || atr <= 0 {
		return nil, fmt.Errorf("indicator periods must be positive (fast=%d slow=%d atr=%d)", fast, slow, atr)
	}
	if fast >= slow {
		return nil, fmt.Errorf("fast period %d must be shorter than slow period %d", fast, slow)
	}
	return &Engine{
		fast: NewSMA(fast),
		slow: NewSMA(slow),
		atr:  NewATR(atr),
	}, nil
}

// Warmup is the number of bars before the first ready sample.
func (e *Engine) Warmup() int {
	w := e.slow.Warmup()
	if aw := e.atr.Warmup(); aw > w {
		w = aw
	}
	if fw := e.fast.Warmup(); fw > w {
		w = fw
	}
	return w
}

func (e *Engine) Update(b market.Bar) Sample {
	e.fast.Update(b)
	e.slow.Update(b)
	e.atr.Update(b)
	e.bars++

	s := Sample{
		Time:  b.Time,
		Close: b.Close,
		Ready: e.Ready(),
	}
	if s.Ready {
		s.Fast = e.fast.Value()
		s.Slow = e.slow.Value()
		s.ATR = e.atr.Value()
	}
	return s
}

func (e *Engine) Ready() bool {
	return e.bars >= e.Warmup() && e.fast.Ready() && e.slow.Ready() && e.atr.Ready()
}

// Bars returns how many bars have been consumed since the last Reset.
func (e *Engine) Bars() int {
	return e.bars
}

func (e *Engine) Reset() {
	e.fast.Reset()
	e.slow.Reset()
	e.atr.Reset()
	e.bars = 0
}

func (e *Engine) Name() string {
	return fmt.Sprintf("%s/%s/%s", e.fast.Name(), e.slow.Name(), e.atr.Name())
}
