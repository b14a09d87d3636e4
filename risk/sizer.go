package risk

import (
	"errors"
	"fmt"
	"math"

	"github.com/rustyeddy/xautrader/market"
	"github.com/shopspring/decimal"
)

// ErrSizingRejected means the computed size rounds below the minimum lot.
// It is a no-trade decision, not a failure.
var ErrSizingRejected = errors.New("sizing rejected")

// Params are the sizing knobs. Defaults follow the XAU_USD contract.
type Params struct {
	RiskFraction      float64 `json:"risk_fraction" yaml:"risk_fraction"`               // 0.02
	StopATRMult       float64 `json:"stop_atr_mult" yaml:"stop_atr_mult"`               // 2
	TakeProfitATRMult float64 `json:"take_profit_atr_mult" yaml:"take_profit_atr_mult"` // 3

	ContractSize float64 `json:"contract_size" yaml:"contract_size"` // 100 oz per lot
	LotStep      float64 `json:"lot_step" yaml:"lot_step"`
	MinLot       float64 `json:"min_lot" yaml:"min_lot"`
	MaxLot       float64 `json:"max_lot" yaml:"max_lot"`
}

func DefaultParams() Params {
	meta := market.Instruments[market.XAUUSD]
	return Params{
		RiskFraction:      0.02,
		StopATRMult:       2,
		TakeProfitATRMult: 3,
		ContractSize:      meta.ContractSize,
		LotStep:           meta.LotStep,
		MinLot:            meta.MinLot,
		MaxLot:            meta.MaxLot,
	}
}

func (p Params) Validate() error {
	if p.RiskFraction <= 0 || p.RiskFraction > 1 {
		return fmt.Errorf("risk fraction must be in (0, 1], got %v", p.RiskFraction)
	}
	if p.StopATRMult <= 0 || p.TakeProfitATRMult <= 0 {
		return fmt.Errorf("ATR multiples must be positive (stop=%v tp=%v)", p.StopATRMult, p.TakeProfitATRMult)
	}
	if p.ContractSize <= 0 {
		return fmt.Errorf("contract size must be positive")
	}
	if p.LotStep <= 0 {
		return fmt.Errorf("lot step must be positive")
	}
	if p.MinLot < p.LotStep {
		return fmt.Errorf("min lot %v below lot step %v", p.MinLot, p.LotStep)
	}
	if p.MaxLot < p.MinLot {
		return fmt.Errorf("max lot %v below min lot %v", p.MaxLot, p.MinLot)
	}
	return nil
}

type Inputs struct {
	Equity    float64
	ATR       float64
	Entry     float64 // estimated entry, the signal bar close
	Direction market.Direction
}

// Sizing is the result of Size. Lots is always a multiple of the lot step.
type Sizing struct {
	Lots         float64
	StopDistance float64
	StopLoss     float64
	TakeProfit   float64
	RiskAmount   float64
	// Capped is set when the raw size exceeded MaxLot.
	Capped bool
}

// Size computes an ATR based position size. The lot count is floored to the
// lot step, so the loss at the stop never exceeds RiskAmount.
func Size(p Params, in Inputs) (Sizing, error) {
	if err := p.Validate(); err != nil {
		return Sizing{}, err
	}
	if in.Direction != market.Long && in.Direction != market.Short {
		return Sizing{}, fmt.Errorf("size: direction must be long or short")
	}
	for _, v := range []float64{in.Equity, in.ATR, in.Entry} {
		if math.IsNaN(v) || math.IsInf(v, 0) || v <= 0 {
			return Sizing{}, fmt.Errorf("size: equity, ATR and entry must be positive (equity=%v atr=%v entry=%v)", in.Equity, in.ATR, in.Entry)
		}
	}

	atr := decimal.NewFromFloat(in.ATR)
	stopDist := atr.Mul(decimal.NewFromFloat(p.StopATRMult))
	tpDist := atr.Mul(decimal.NewFromFloat(p.TakeProfitATRMult))
	riskAmt := decimal.NewFromFloat(in.Equity).Mul(decimal.NewFromFloat(p.RiskFraction))

	perLot := stopDist.Mul(decimal.NewFromFloat(p.ContractSize))
	raw := riskAmt.Div(perLot)

	step := decimal.NewFromFloat(p.LotStep)
	lots := raw.Div(step).Floor().Mul(step)

	out := Sizing{
		StopDistance: stopDist.InexactFloat64(),
		RiskAmount:   riskAmt.InexactFloat64(),
	}

	if maxLot := decimal.NewFromFloat(p.MaxLot); lots.GreaterThan(maxLot) {
		lots = maxLot.Div(step).Floor().Mul(step)
		out.Capped = true
	}
	if lots.LessThan(decimal.NewFromFloat(p.MinLot)) {
		return out, fmt.Errorf("%w: %s lots below minimum %v (risk %s, stop distance %s)",
			ErrSizingRejected, raw.StringFixed(4), p.MinLot, riskAmt.StringFixed(2), stopDist.StringFixed(3))
	}
	out.Lots = lots.InexactFloat64()

	entry := decimal.NewFromFloat(in.Entry)
	if in.Direction == market.Long {
		out.StopLoss = entry.Sub(stopDist).InexactFloat64()
		out.TakeProfit = entry.Add(tpDist).InexactFloat64()
	} else {
		out.StopLoss = entry.Add(stopDist).InexactFloat64()
		out.TakeProfit = entry.Sub(tpDist).InexactFloat64()
	}
	return out, nil
}

// QuantizeLots floors lots to a multiple of step.
func QuantizeLots(lots, step float64) float64 {
	if step <= 0 {
		return lots
	}
	d := decimal.NewFromFloat(lots)
	s := decimal.NewFromFloat(step)
	return d.Div(s).Floor().Mul(s).InexactFloat64()
}
