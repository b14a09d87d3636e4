package market

import "time"

// Tick is a single top-of-book quote.
type Tick struct {
	Instrument string
	Time       time.Time
	Bid        float64
	Ask        float64
}

func (t Tick) Mid() float64 {
	return (t.Bid + t.Ask) / 2
}

func (t Tick) Spread() float64 {
	return t.Ask - t.Bid
}

// Bar returns the tick as a degenerate bar priced at the bid, matching how
// MT5 tick mode feeds quotes into bar based indicators.
func (t Tick) Bar() Bar {
	return TickBar(t.Time, t.Bid, 1)
}
