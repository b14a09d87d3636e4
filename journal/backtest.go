package journal

import (
	"bytes"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"text/template"
	"time"
)

// BacktestRun mirrors the backtest_runs table.
type BacktestRun struct {
	RunID     string
	Created   time.Time
	Timeframe string
	Dataset   string

	Instrument string
	Strategy   string
	Config     []byte // strategy config as YAML

	// Risk Management
	RiskPct float64 // 0.02
	StopATR float64 // stop distance in ATR multiples
	RR      float64 // take-profit multiple of the stop distance

	Start time.Time
	End   time.Time

	Trades int
	Wins   int
	Losses int

	StartBalance float64
	EndBalance   float64

	NetPL        float64
	ReturnPct    float64
	WinRate      float64
	ProfitFactor float64
	MaxDDPct     float64
	Sharpe       float64

	OrgPath string

	Notes []string
}

func (j *SQLite) RecordBacktest(r BacktestRun) error {
	_, err := j.db.Exec(`
		INSERT OR REPLACE INTO backtest_runs
		(run_id, created, timeframe, dataset, instrument, strategy, config, risk_pct, stop_atr, rr,
		 start_time, end_time, trades, wins, losses, start_balance, end_balance,
		 net_pl, return_pct, win_rate, profit_factor, max_dd_pct, sharpe)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.RunID, r.Created.UTC(), r.Timeframe, r.Dataset, r.Instrument, r.Strategy, r.Config,
		r.RiskPct, r.StopATR, r.RR, r.Start.UTC(), r.End.UTC(), r.Trades, r.Wins, r.Losses,
		r.StartBalance, r.EndBalance, r.NetPL, r.ReturnPct, r.WinRate, r.ProfitFactor, r.MaxDDPct, r.Sharpe,
	)
	return err
}

func (j *SQLite) GetBacktestRun(runID string) (BacktestRun, error) {
	var r BacktestRun
	err := j.db.QueryRow(`
		SELECT run_id, created, timeframe, dataset, instrument, strategy, config, risk_pct, stop_atr, rr,
		       start_time, end_time, trades, wins, losses, start_balance, end_balance,
		       net_pl, return_pct, win_rate, profit_factor, max_dd_pct, sharpe
		FROM backtest_runs WHERE run_id = ?`, runID).Scan(
		&r.RunID, &r.Created, &r.Timeframe, &r.Dataset, &r.Instrument, &r.Strategy, &r.Config,
		&r.RiskPct, &r.StopATR, &r.RR, &r.Start, &r.End, &r.Trades, &r.Wins, &r.Losses,
		&r.StartBalance, &r.EndBalance, &r.NetPL, &r.ReturnPct, &r.WinRate, &r.ProfitFactor, &r.MaxDDPct, &r.Sharpe,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return BacktestRun{}, fmt.Errorf("backtest run %q not found", runID)
	}
	return r, err
}

// ExportBacktestOrg loads a stored run with its trades and returns the Org
// document.
func (j *SQLite) ExportBacktestOrg(runID string) (string, error) {
	r, err := j.GetBacktestRun(runID)
	if err != nil {
		return "", err
	}
	trades, err := j.ListTradesByRunID(runID)
	if err != nil {
		return "", err
	}
	doc, err := r.Org()
	if err != nil {
		return "", err
	}
	if len(trades) > 0 {
		doc += "\n** Trades\n" + FormatTradesOrg(trades)
	}
	return doc, nil
}

var backtestOrgFuncs = template.FuncMap{
	"mul100": func(x float64) float64 { return x * 100 },
	"mul":    func(a, b float64) float64 { return a * b },
	"orTime": func(t time.Time) time.Time {
		if t.IsZero() {
			return time.Now()
		}
		return t
	},
}

var backtestOrg = template.Must(template.New("backtest").Funcs(backtestOrgFuncs).Parse(BacktestOrgTemplate))

func (v *BacktestRun) Org() (string, error) {
	buf := new(bytes.Buffer)
	if err := backtestOrg.Execute(buf, v); err != nil {
		return "", err
	}
	return buf.String(), nil
}

func (v *BacktestRun) WriteBacktestOrg() error {
	if v.OrgPath == "" {
		return fmt.Errorf("backtest org: no output path")
	}
	doc, err := v.Org()
	if err != nil {
		return err
	}
	return os.WriteFile(v.OrgPath, []byte(doc), 0644)
}

const BacktestOrgTemplate = `
* {{.Strategy}} {{.Instrument}} {{if .Timeframe}}{{.Timeframe}}{{else}}(timeframe?){{end}} backtest
:PROPERTIES:
:RUN_ID:      {{if .RunID}}{{.RunID}}{{else}}(run-id?){{end}}
:DATASET:     {{if .Dataset}}{{.Dataset}}{{else}}(dataset?){{end}}
:PERIOD:      {{.Start.Format "2006-01-02 15:04"}} .. {{.End.Format "2006-01-02 15:04"}}
:CREATED:     [{{(orTime .Created).Format "2006-01-02 Mon 15:04"}}]
:END:

** Sizing
| Risk / trade | Stop      | Take profit | R:R  |
|--------------+-----------+-------------+------|
| {{printf "%.2f%%" (mul100 .RiskPct)}} | {{printf "%.1f ATR" .StopATR}} | {{printf "%.1f ATR" (mul .StopATR .RR)}} | {{printf "%.2f" .RR}} |

** Result
| Balance  | Start | {{printf "%.2f" .StartBalance}} |
|          | End   | {{printf "%.2f" .EndBalance}} |
| Net P/L  |       | {{printf "%.2f" .NetPL}} |
| Return   |       | {{printf "%.2f%%" .ReturnPct}} |
| Drawdown | max   | {{printf "%.2f%%" .MaxDDPct}} |
| Sharpe   |       | {{printf "%.3f" .Sharpe}} |

** Outcome
- {{.Trades}} closed, {{.Wins}} won, {{.Losses}} lost
- win rate {{printf "%.1f%%" (mul100 .WinRate)}}, profit factor {{printf "%.2f" .ProfitFactor}}

{{- if .Notes }}

** Notes
{{- range .Notes }}
- {{.}}
{{- end }}
{{- end }}
`
