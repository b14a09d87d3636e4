package feed

import (
	"time"

	"github.com/rustyeddy/xautrader/market"
)

// Aggregator folds ticks into timeframe bars. A bar is emitted when the
// first tick of the next period arrives.
type Aggregator struct {
	tf   market.Timeframe
	cur  market.Bar
	open bool
}

func NewAggregator(tf market.Timeframe) *Aggregator {
	return &Aggregator{tf: tf}
}

// Add records a trade or quote at price. Ticks older than the current bar
// are dropped.
func (a *Aggregator) Add(t time.Time, price, volume float64) (market.Bar, bool) {
	start := a.tf.Truncate(t)
	if !a.open {
		a.start(start, price, volume)
		return market.Bar{}, false
	}
	switch {
	case start.Before(a.cur.Time):
		return market.Bar{}, false
	case start.Equal(a.cur.Time):
		a.cur.High = max(a.cur.High, price)
		a.cur.Low = min(a.cur.Low, price)
		a.cur.Close = price
		a.cur.Volume += volume
		return market.Bar{}, false
	}
	done := a.cur
	a.start(start, price, volume)
	return done, true
}

// AddTick aggregates the bid, the price the bar-based indicators follow.
func (a *Aggregator) AddTick(tk market.Tick) (market.Bar, bool) {
	return a.Add(tk.Time, tk.Bid, 1)
}

// Flush returns the bar under construction and starts over.
func (a *Aggregator) Flush() (market.Bar, bool) {
	if !a.open {
		return market.Bar{}, false
	}
	b := a.cur
	a.open = false
	a.cur = market.Bar{}
	return b, true
}

func (a *Aggregator) start(t time.Time, price, volume float64) {
	a.cur = market.Bar{Time: t, Open: price, High: price, Low: price, Close: price, Volume: volume}
	a.open = true
}
