package risk

import "time"

type Policy struct {
	// Hard cap on the planned loss at the stop, as a fraction of equity.
	MaxRiskPct float64 `json:"max_risk_pct" yaml:"max_risk_pct"` // 0.02

	// Circuit breaker, zero disables it.
	MaxDailyLossPct float64 `json:"max_daily_loss_pct" yaml:"max_daily_loss_pct"`

	// Exposure limits
	MaxOpenPositions int `json:"max_open_positions" yaml:"max_open_positions"` // 1

	// Trade constraints
	MinRR float64 `json:"min_rr" yaml:"min_rr"` // 1.0
}

func DefaultPolicy() Policy {
	return Policy{
		MaxRiskPct:       0.02,
		MaxOpenPositions: 1,
		MinRR:            1.0,
	}
}

type TradeIntent struct {
	Now          time.Time
	Instrument   string
	Lots         float64
	ContractSize float64

	Entry      float64
	Stop       float64
	TakeProfit float64
}

type AccountSnapshot struct {
	Balance float64
	Equity  float64

	OpenPositions int
}

type PnLSnapshot struct {
	DayRealized float64 // realized P/L for the current UTC day
}
