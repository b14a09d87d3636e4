// Package report computes backtest statistics from the closed trade log.
package report

import (
	"fmt"
	"io"
	"math"
	"time"

	"github.com/rustyeddy/xautrader/journal"
)

// Summary holds the statistics of one run. Ratios are fractions (0.25 is
// 25%); money is in the account currency and net of commission.
type Summary struct {
	InitialBalance float64
	FinalValue     float64
	TotalReturn    float64

	TotalTrades   int
	WinningTrades int
	LosingTrades  int
	WinRate       float64

	AvgWin     float64
	AvgLoss    float64
	MaxWin     float64
	MaxLoss    float64
	TotalPL    float64
	GrossPL    float64
	Commission float64
	// ProfitFactor is gross wins over gross losses, +Inf with no losers.
	ProfitFactor float64

	// Sharpe is the mean over the standard deviation of per-trade returns,
	// scaled by sqrt(trades).
	Sharpe float64
	// MaxDrawdown is the deepest peak-to-trough fall of the equity curve.
	MaxDrawdown    float64
	MaxDrawdownAbs float64

	Start time.Time
	End   time.Time

	ByReason map[string]int
}

// Summarize works from the trade log alone: the equity curve is the balance
// after each close.
func Summarize(trades []journal.ClosedTrade, initialBalance float64) Summary {
	s := Summary{
		InitialBalance: initialBalance,
		FinalValue:     initialBalance,
		ByReason:       make(map[string]int),
	}
	if len(trades) == 0 {
		return s
	}

	var (
		sumWin, sumLoss float64
		returns         []float64
		curve           = []float64{initialBalance}
		balance         = initialBalance
	)
	s.MaxWin = math.Inf(-1)
	s.MaxLoss = math.Inf(1)

	for _, t := range trades {
		s.TotalTrades++
		s.ByReason[string(t.ExitReason)]++
		s.GrossPL += t.GrossPL
		s.Commission += t.Commission
		s.TotalPL += t.RealizedPL

		switch {
		case t.RealizedPL > 0:
			s.WinningTrades++
			sumWin += t.RealizedPL
		case t.RealizedPL < 0:
			s.LosingTrades++
			sumLoss += t.RealizedPL
		}
		s.MaxWin = math.Max(s.MaxWin, t.RealizedPL)
		s.MaxLoss = math.Min(s.MaxLoss, t.RealizedPL)

		if balance > 0 {
			returns = append(returns, t.RealizedPL/balance)
		}
		balance += t.RealizedPL
		curve = append(curve, balance)

		if s.Start.IsZero() || t.EntryTime.Before(s.Start) {
			s.Start = t.EntryTime
		}
		if t.ExitTime.After(s.End) {
			s.End = t.ExitTime
		}
	}

	s.FinalValue = balance
	if initialBalance > 0 {
		s.TotalReturn = (balance - initialBalance) / initialBalance
	}
	s.WinRate = float64(s.WinningTrades) / float64(s.TotalTrades)
	if s.WinningTrades > 0 {
		s.AvgWin = sumWin / float64(s.WinningTrades)
	}
	if s.LosingTrades > 0 {
		s.AvgLoss = sumLoss / float64(s.LosingTrades)
		s.ProfitFactor = math.Abs(sumWin / sumLoss)
	} else if s.WinningTrades > 0 {
		s.ProfitFactor = math.Inf(1)
	}
	s.Sharpe = sharpe(returns)
	s.MaxDrawdown, s.MaxDrawdownAbs = drawdown(curve)
	return s
}

// WithEquity replaces the drawdown with one measured on the mark-to-market
// equity snapshots, which also sees floating losses.
func (s Summary) WithEquity(snaps []journal.EquitySnapshot) Summary {
	if len(snaps) == 0 {
		return s
	}
	curve := make([]float64, 0, len(snaps)+1)
	curve = append(curve, s.InitialBalance)
	for _, e := range snaps {
		curve = append(curve, e.Equity)
	}
	s.MaxDrawdown, s.MaxDrawdownAbs = drawdown(curve)
	s.FinalValue = snaps[len(snaps)-1].Equity
	if s.InitialBalance > 0 {
		s.TotalReturn = (s.FinalValue - s.InitialBalance) / s.InitialBalance
	}
	return s
}

func sharpe(returns []float64) float64 {
	n := len(returns)
	if n < 2 {
		return 0
	}
	var sum float64
	for _, r := range returns {
		sum += r
	}
	mean := sum / float64(n)
	var sq float64
	for _, r := range returns {
		d := r - mean
		sq += d * d
	}
	sd := math.Sqrt(sq / float64(n-1))
	if sd == 0 {
		return 0
	}
	return mean / sd * math.Sqrt(float64(n))
}

func drawdown(curve []float64) (frac, abs float64) {
	if len(curve) == 0 {
		return 0, 0
	}
	peak := curve[0]
	for _, v := range curve {
		if v > peak {
			peak = v
		}
		if dd := peak - v; dd > abs {
			abs = dd
		}
		if peak > 0 {
			if f := (peak - v) / peak; f > frac {
				frac = f
			}
		}
	}
	return frac, abs
}

// Apply copies the statistics into a backtest run record.
func (s Summary) Apply(r *journal.BacktestRun) {
	r.Start = s.Start
	r.End = s.End
	r.Trades = s.TotalTrades
	r.Wins = s.WinningTrades
	r.Losses = s.LosingTrades
	r.StartBalance = s.InitialBalance
	r.EndBalance = s.FinalValue
	r.NetPL = s.TotalPL
	r.ReturnPct = s.TotalReturn * 100
	r.WinRate = s.WinRate
	r.MaxDDPct = s.MaxDrawdown * 100
	r.Sharpe = s.Sharpe
	r.ProfitFactor = s.ProfitFactor
	if math.IsInf(s.ProfitFactor, 1) {
		r.ProfitFactor = 0
		r.Notes = append(r.Notes, "no losing trades, profit factor undefined")
	}
}

func money(x float64) string {
	if math.IsInf(x, 0) || math.IsNaN(x) {
		return "n/a"
	}
	return fmt.Sprintf("$%.2f", x)
}

// Print writes the summary in the layout of the backtest command.
func Print(w io.Writer, s Summary) {
	fmt.Fprintln(w, "==================================================")
	fmt.Fprintln(w, " Backtest Results")
	fmt.Fprintln(w, "==================================================")
	if !s.Start.IsZero() {
		fmt.Fprintf(w, "Period:         %s .. %s\n", s.Start.Format(time.RFC3339), s.End.Format(time.RFC3339))
	}
	fmt.Fprintf(w, "Start Value:    %s\n", money(s.InitialBalance))
	fmt.Fprintf(w, "Final Value:    %s\n", money(s.FinalValue))
	fmt.Fprintf(w, "Total Return:   %.2f%%\n", s.TotalReturn*100)
	fmt.Fprintf(w, "Sharpe Ratio:   %.3f\n", s.Sharpe)
	fmt.Fprintf(w, "Max Drawdown:   %.2f%% (%s)\n", s.MaxDrawdown*100, money(s.MaxDrawdownAbs))

	fmt.Fprintln(w)
	fmt.Fprintln(w, "Trade Statistics")
	fmt.Fprintln(w, "--------------------------------------------------")
	fmt.Fprintf(w, "Total Trades:   %d\n", s.TotalTrades)
	fmt.Fprintf(w, "Winning:        %d\n", s.WinningTrades)
	fmt.Fprintf(w, "Losing:         %d\n", s.LosingTrades)
	fmt.Fprintf(w, "Win Rate:       %.2f%%\n", s.WinRate*100)
	if s.TotalTrades > 0 {
		fmt.Fprintf(w, "Avg Win:        %s\n", money(s.AvgWin))
		fmt.Fprintf(w, "Avg Loss:       %s\n", money(s.AvgLoss))
		fmt.Fprintf(w, "Max Win:        %s\n", money(s.MaxWin))
		fmt.Fprintf(w, "Max Loss:       %s\n", money(s.MaxLoss))
	}
	fmt.Fprintf(w, "Gross P/L:      %s\n", money(s.GrossPL))
	fmt.Fprintf(w, "Commission:     %s\n", money(s.Commission))
	fmt.Fprintf(w, "Net P/L:        %s\n", money(s.TotalPL))
	if math.IsInf(s.ProfitFactor, 1) {
		fmt.Fprintln(w, "Profit Factor:  inf")
	} else {
		fmt.Fprintf(w, "Profit Factor:  %.2f\n", s.ProfitFactor)
	}
	fmt.Fprintln(w, "==================================================")
}
