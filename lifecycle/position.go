package lifecycle

import (
	"fmt"
	"time"

	"github.com/rustyeddy/xautrader/market"
	"github.com/rustyeddy/xautrader/risk"
)

// Position is the single trade the manager owns.
type Position struct {
	ID         string
	Instrument string
	Direction  market.Direction
	Lots       float64
	EntryPrice float64
	StopLoss   float64
	TakeProfit float64
	EntryTime  time.Time
	Status     State

	Sizing risk.Sizing

	EntryOrderID      string
	TradeID           string
	StopLossOrderID   string
	TakeProfitOrderID string
	ExitOrderID       string
	ExitReason        market.ExitReason

	SubmittedAt time.Time
	LastPrice   float64
	LastTime    time.Time

	// Adopted positions were found at the broker during reconciliation.
	Adopted bool
	// Flagged positions need a human: the exit could not be placed, or
	// the position was adopted without a stop or target.
	Flagged bool

	entryAttempts int
	exitAttempts  int
	exitFailed    bool
}

func (p Position) String() string {
	return fmt.Sprintf("%s %s %.2f lots @ %.3f sl=%.3f tp=%.3f [%s]",
		p.ID, p.Direction, p.Lots, p.EntryPrice, p.StopLoss, p.TakeProfit, p.Status)
}

// nativeLegs reports whether the broker holds both protective orders.
func (p *Position) nativeLegs() bool {
	return p.StopLossOrderID != "" && p.TakeProfitOrderID != ""
}

func (p *Position) ownsExitOrder(id string) bool {
	if id == "" {
		return false
	}
	return id == p.ExitOrderID || id == p.StopLossOrderID || id == p.TakeProfitOrderID
}

// GrossPL is the price P/L of lots moved from entry to exit.
func GrossPL(dir market.Direction, entry, exit, lots, contractSize float64) float64 {
	return dir.Sign() * (exit - entry) * lots * contractSize
}

// Commission is charged per lot on both entry and exit.
func Commission(lots, perLot float64) float64 {
	return lots * perLot * 2
}
