// Package journal records closed trades and equity snapshots.
package journal

import (
	"errors"
	"time"

	"github.com/rustyeddy/xautrader/market"
)

// ClosedTrade is the terminal record of one position. Exactly one is written
// per position.
type ClosedTrade struct {
	PositionID string
	TradeID    string // broker side id
	Instrument string
	Direction  market.Direction
	Lots       float64

	EntryPrice float64
	ExitPrice  float64
	StopLoss   float64
	TakeProfit float64
	EntryTime  time.Time
	ExitTime   time.Time
	ExitReason market.ExitReason

	GrossPL    float64
	Commission float64
	RealizedPL float64 // net of commission
}

// Won reports whether the trade made money after commission.
func (t ClosedTrade) Won() bool {
	return t.RealizedPL > 0
}

type EquitySnapshot struct {
	Time        time.Time
	Balance     float64
	Equity      float64
	MarginUsed  float64
	FreeMargin  float64
	MarginLevel float64
}

type Journal interface {
	RecordTrade(ClosedTrade) error
	RecordEquity(EquitySnapshot) error
	Close() error
}

// Multi fans every record out to several journals.
type Multi []Journal

func (m Multi) RecordTrade(t ClosedTrade) error {
	var errs []error
	for _, j := range m {
		errs = append(errs, j.RecordTrade(t))
	}
	return errors.Join(errs...)
}

func (m Multi) RecordEquity(e EquitySnapshot) error {
	var errs []error
	for _, j := range m {
		errs = append(errs, j.RecordEquity(e))
	}
	return errors.Join(errs...)
}

func (m Multi) Close() error {
	var errs []error
	for _, j := range m {
		errs = append(errs, j.Close())
	}
	return errors.Join(errs...)
}

// Nop discards everything.
type Nop struct{}

func (Nop) RecordTrade(ClosedTrade) error     { return nil }
func (Nop) RecordEquity(EquitySnapshot) error { return nil }
func (Nop) Close() error                      { return nil }
