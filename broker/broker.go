// Package broker defines the single execution adapter contract shared by the
// simulator and live brokers.
package broker

import (
	"context"
	"time"

	"github.com/rustyeddy/xautrader/market"
)

// Broker is an execution adapter. Order results arrive asynchronously on
// Events(); the synchronous return only acknowledges acceptance.
type Broker interface {
	GetAccount(ctx context.Context) (Account, error)

	// SubmitOrder sends a market entry order carrying its stop loss and take
	// profit. Returns ErrRejected when the broker refuses it outright.
	SubmitOrder(ctx context.Context, req OrderRequest) (OrderAck, error)

	// ClosePosition sends a market order flattening an open trade.
	ClosePosition(ctx context.Context, req CloseRequest) (OrderAck, error)

	// CancelOrder cancels a working order. Returns ErrNotFound when the order
	// already filled or was cancelled.
	CancelOrder(ctx context.Context, orderID string) error

	// Positions lists open trades as the broker sees them.
	Positions(ctx context.Context) ([]PositionInfo, error)

	Capabilities() Capabilities
	Events() *EventQueue
}

type Capabilities struct {
	// NativeBrackets means SL/TP are resting orders at the broker that
	// trigger on their own. Otherwise the caller monitors price and closes.
	NativeBrackets bool
}

type Account struct {
	ID          string
	Currency    string
	Balance     float64
	Equity      float64
	MarginUsed  float64
	FreeMargin  float64
	MarginLevel float64
}

type OrderRequest struct {
	// ClientID is echoed back on fills and positions for correlation.
	ClientID   string
	Instrument string
	Direction  market.Direction
	Lots       float64
	StopLoss   float64
	TakeProfit float64
	Time       time.Time
}

type CloseRequest struct {
	TradeID    string
	ClientID   string
	Instrument string
	Lots       float64
	Reason     market.ExitReason
	// Price is the level that triggered the exit, if any. Simulated brokers
	// fill at it; live brokers ignore it.
	Price float64
	Time  time.Time
}

type OrderAck struct {
	OrderID           string
	StopLossOrderID   string
	TakeProfitOrderID string
}

type PositionInfo struct {
	TradeID           string
	ClientID          string
	Instrument        string
	Direction         market.Direction
	Lots              float64
	EntryPrice        float64
	StopLoss          float64
	TakeProfit        float64
	StopLossOrderID   string
	TakeProfitOrderID string
	OpenTime          time.Time
}
