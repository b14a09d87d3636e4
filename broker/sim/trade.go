package sim

import (
	"time"

	"github.com/rustyeddy/xautrader/broker"
	"github.com/rustyeddy/xautrader/market"
)

type Trade struct {
	ID         string
	ClientID   string
	Instrument string
	Direction  market.Direction
	Lots       float64
	EntryPrice float64
	OpenTime   time.Time

	StopLoss          float64
	TakeProfit        float64
	StopLossOrderID   string
	TakeProfitOrderID string

	// Realized
	ClosePrice float64
	CloseTime  time.Time
	RealizedPL float64 // gross, account currency
	Open       bool
}

func (t *Trade) info() broker.PositionInfo {
	return broker.PositionInfo{
		TradeID:           t.ID,
		ClientID:          t.ClientID,
		Instrument:        t.Instrument,
		Direction:         t.Direction,
		Lots:              t.Lots,
		EntryPrice:        t.EntryPrice,
		StopLoss:          t.StopLoss,
		TakeProfit:        t.TakeProfit,
		StopLossOrderID:   t.StopLossOrderID,
		TakeProfitOrderID: t.TakeProfitOrderID,
		OpenTime:          t.OpenTime,
	}
}

type orderKind int

const (
	orderEntry orderKind = iota
	orderClose
	orderStopLoss
	orderTakeProfit
)

// order is a working order: a delayed market order or a resting bracket leg.
type order struct {
	id        string
	kind      orderKind
	clientID  string
	tradeID   string
	direction market.Direction
	lots      float64
	stopLoss  float64
	takeProf  float64
	price     float64 // trigger hint for closes
	reason    market.ExitReason
	fillAtBar int
	// held orders never fill on their own
	held bool
}
