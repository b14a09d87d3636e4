package risk

import (
	"fmt"
	"strings"
)

// tolerance absorbs float noise when comparing against configured limits.
const tolerance = 1e-9

type Violation struct {
	Code string
	Msg  string
}

type Decision struct {
	Allowed    bool
	Violations []Violation

	PlannedRiskUSD float64
	PlannedRiskPct float64
	PlannedRR      float64
}

func (d *Decision) add(code, msg string) {
	d.Violations = append(d.Violations, Violation{Code: code, Msg: msg})
	d.Allowed = false
}

func (d Decision) String() string {
	if d.Allowed {
		return "allowed"
	}
	codes := make([]string, 0, len(d.Violations))
	for _, v := range d.Violations {
		codes = append(codes, v.Code+": "+v.Msg)
	}
	return strings.Join(codes, "; ")
}

// Evaluate re-checks a sized intent against the policy before it is sent to
// the broker.
func Evaluate(p Policy, intent TradeIntent, acct AccountSnapshot, pnl PnLSnapshot) Decision {
	d := Decision{Allowed: true}

	if intent.Stop == 0 || intent.Entry == 0 || intent.TakeProfit == 0 {
		d.add("NO_BRACKETS", "entry, stop and take profit must be set")
		return d
	}
	if intent.Lots <= 0 {
		d.add("NO_LOTS", "lots must be positive")
		return d
	}

	d.PlannedRiskUSD = PlannedRiskUSD(intent.Lots, intent.ContractSize, intent.Entry, intent.Stop)
	d.PlannedRiskPct = RiskPct(d.PlannedRiskUSD, acct.Equity)
	d.PlannedRR = RR(intent.Entry, intent.Stop, intent.TakeProfit)

	if p.MaxRiskPct > 0 && d.PlannedRiskPct > p.MaxRiskPct+tolerance {
		d.add("RISK_TOO_HIGH",
			fmt.Sprintf("planned risk %.2f%% exceeds max %.2f%%",
				100*d.PlannedRiskPct, 100*p.MaxRiskPct))
	}
	if d.PlannedRR+tolerance < p.MinRR {
		d.add("RR_TOO_LOW",
			fmt.Sprintf("RR %.2f below minimum %.2f", d.PlannedRR, p.MinRR))
	}

	if p.MaxOpenPositions > 0 && acct.OpenPositions >= p.MaxOpenPositions {
		d.add("TOO_MANY_OPEN_POSITIONS",
			fmt.Sprintf("open positions %d >= max %d", acct.OpenPositions, p.MaxOpenPositions))
	}

	if p.MaxDailyLossPct > 0 {
		dayLimit := -p.MaxDailyLossPct * acct.Balance
		if pnl.DayRealized <= dayLimit {
			d.add("DAILY_LOSS_LIMIT", fmt.Sprintf("day realized %.2f <= limit %.2f", pnl.DayRealized, dayLimit))
		}
	}

	return d
}
