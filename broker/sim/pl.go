package sim

import (
	"math"

	"github.com/rustyeddy/xautrader/market"
)

// UnrealizedPL is the gross P/L of t marked at price, in the quote currency.
func UnrealizedPL(t Trade, price float64, contractSize float64) float64 {
	return t.Direction.Sign() * (price - t.EntryPrice) * t.Lots * contractSize
}

// TradeMargin is the margin held for lots at price.
func TradeMargin(lots, price float64, meta market.InstrumentMeta) float64 {
	return math.Abs(lots) * meta.ContractSize * price * meta.MarginRate
}
