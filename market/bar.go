package market

import (
	"fmt"
	"time"
)

// Bar is a closed OHLCV candle. Bars are treated as immutable once produced
// by a feed.
type Bar struct {
	Time   time.Time `json:"time"`
	Open   float64   `json:"open"`
	High   float64   `json:"high"`
	Low    float64   `json:"low"`
	Close  float64   `json:"close"`
	Volume float64   `json:"volume"`
}

// TickBar turns a single quote into a degenerate bar with OHLC equal to the
// price. Live tick mode feeds these straight into the pipeline.
func TickBar(t time.Time, price, volume float64) Bar {
	return Bar{Time: t, Open: price, High: price, Low: price, Close: price, Volume: volume}
}

// Range returns High - Low.
func (b Bar) Range() float64 {
	return b.High - b.Low
}

func (b Bar) String() string {
	return fmt.Sprintf("%s O=%.2f H=%.2f L=%.2f C=%.2f V=%.0f",
		b.Time.UTC().Format(time.RFC3339), b.Open, b.High, b.Low, b.Close, b.Volume)
}
