package cmd

import (
	"errors"
	"fmt"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/rustyeddy/xautrader/config"
	"github.com/rustyeddy/xautrader/feed"
	"github.com/rustyeddy/xautrader/internal/id"
	"github.com/rustyeddy/xautrader/journal"
	"github.com/rustyeddy/xautrader/report"
	"github.com/rustyeddy/xautrader/runner"
)

var backtestCmd = &cobra.Command{
	Use:   "backtest",
	Short: "Replay historical bars through the strategy",
	Long: `Backtest replays an OHLCV CSV (time,open,high,low,close[,volume]) through the
indicators, the crossover signal generator and the order lifecycle against the
simulated broker, then prints the performance summary.

Replays are deterministic: the same bars and config always produce the same
trades and journal.

Examples:
  trader backtest --data data/XAU_USD_M1.csv
  trader backtest -c trader.yaml --from 2024-01-01 --to 2024-03-01 --journal sqlite --db bt.sqlite`,
	Args: cobra.NoArgs,
	RunE: runBacktest,
}

var (
	btData           string
	btFrom           string
	btTo             string
	btBalance        float64
	btFast           int
	btSlow           int
	btDeathCross     string
	btJournal        string
	btDBPath         string
	btOrgDir         string
	btNativeBrackets bool
)

func init() {
	rootCmd.AddCommand(backtestCmd)

	f := backtestCmd.Flags()
	f.StringVarP(&btData, "data", "d", "", "bar CSV path (overrides feed.path)")
	f.StringVar(&btFrom, "from", "", "first bar time, RFC3339 or YYYY-MM-DD (overrides feed.from)")
	f.StringVar(&btTo, "to", "", "end of range, exclusive (overrides feed.to)")
	f.Float64VarP(&btBalance, "balance", "b", 0, "starting balance (overrides account.balance)")
	f.IntVar(&btFast, "fast", 0, "fast SMA period")
	f.IntVar(&btSlow, "slow", 0, "slow SMA period")
	f.StringVar(&btDeathCross, "death-cross", "", "flat or reverse")
	f.StringVar(&btJournal, "journal", "", "journal type: none, csv or sqlite")
	f.StringVar(&btDBPath, "db", "", "SQLite journal path (implies --journal sqlite)")
	f.StringVar(&btOrgDir, "org-dir", "", "write an org-mode run report into this directory")
	f.BoolVar(&btNativeBrackets, "native-brackets", false, "simulate broker side SL/TP orders")
}

func applyBacktestFlags(cmd *cobra.Command, cfg *config.Config) {
	fl := cmd.Flags()
	if fl.Changed("data") {
		cfg.Feed.Source = "csv"
		cfg.Feed.Path = btData
	}
	if fl.Changed("from") {
		cfg.Feed.From = btFrom
	}
	if fl.Changed("to") {
		cfg.Feed.To = btTo
	}
	if fl.Changed("balance") {
		cfg.Account.Balance = btBalance
	}
	if fl.Changed("fast") {
		cfg.Strategy.FastPeriod = btFast
	}
	if fl.Changed("slow") {
		cfg.Strategy.SlowPeriod = btSlow
	}
	if fl.Changed("death-cross") {
		cfg.Strategy.DeathCross = btDeathCross
	}
	if fl.Changed("journal") {
		cfg.Journal.Type = btJournal
	}
	if fl.Changed("db") {
		cfg.Journal.Type = "sqlite"
		cfg.Journal.DBPath = btDBPath
	}
	if fl.Changed("org-dir") {
		cfg.Journal.OrgDir = btOrgDir
	}
	if fl.Changed("native-brackets") {
		cfg.Simulation.NativeBrackets = btNativeBrackets
	}
}

func runBacktest(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	applyBacktestFlags(cmd, cfg)
	if cfg.Feed.Source != "csv" {
		return fmt.Errorf("backtest needs a csv feed (feed.source is %q)", cfg.Feed.Source)
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	log, err := newLogger(cfg)
	if err != nil {
		return err
	}
	defer log.Sync()

	bt, err := cfg.Backtest()
	if err != nil {
		return err
	}
	from, to, err := cfg.Feed.Range()
	if err != nil {
		return err
	}
	src, err := feed.OpenCSV(cfg.Feed.Path, from, to)
	if err != nil {
		return fmt.Errorf("open data: %w", err)
	}
	defer src.Close()

	j, sq, err := openJournal(cfg)
	if err != nil {
		return err
	}
	defer j.Close()

	runID := id.New()
	if sq != nil {
		sq.RunID = runID
	}
	mem := journal.NewMemory()

	alerts, err := newAlerter(cfg, log)
	if err != nil {
		return err
	}
	r, _, err := runner.NewBacktest(bt, journal.Multi{mem, j}, alerts, log)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	log.Info("backtest started",
		zap.String("run", runID),
		zap.String("data", cfg.Feed.Path),
		zap.String("instrument", cfg.Strategy.Instrument),
		zap.Int("fast", cfg.Strategy.FastPeriod),
		zap.Int("slow", cfg.Strategy.SlowPeriod))

	res, err := r.Replay(ctx, src)
	if err != nil {
		var be *runner.BarError
		if errors.As(err, &be) {
			log.Error("replay stopped", zap.Int("bar", be.Index), zap.Time("time", be.Bar.Time), zap.Error(be.Err))
		}
		return fmt.Errorf("replay: %w", err)
	}

	sum := report.Summarize(res.Trades, cfg.Account.Balance).WithEquity(mem.Equity())
	report.Print(cmd.OutOrStdout(), sum)

	return saveRun(cfg, runID, sq, sum, log)
}

// saveRun stores the run summary in SQLite and writes the org report when
// either is configured.
func saveRun(cfg *config.Config, runID string, sq *journal.SQLite, sum report.Summary, log *zap.Logger) error {
	if sq == nil && cfg.Journal.OrgDir == "" {
		return nil
	}
	raw, err := yaml.Marshal(cfg.Strategy)
	if err != nil {
		return err
	}
	run := journal.BacktestRun{
		RunID:      runID,
		Created:    time.Now().UTC(),
		Timeframe:  cfg.Strategy.Timeframe,
		Dataset:    cfg.Feed.Path,
		Instrument: cfg.Strategy.Instrument,
		Strategy:   cfg.Strategy.Name,
		Config:     raw,
		RiskPct:    cfg.Risk.RiskFraction,
		StopATR:    cfg.Risk.StopATR,
	}
	if cfg.Risk.StopATR > 0 {
		run.RR = cfg.Risk.TakeProfitATR / cfg.Risk.StopATR
	}
	sum.Apply(&run)

	if sq != nil {
		if err := sq.RecordBacktest(run); err != nil {
			return fmt.Errorf("record run: %w", err)
		}
		log.Info("run recorded", zap.String("run", runID), zap.String("db", cfg.Journal.DBPath))
	}
	if cfg.Journal.OrgDir != "" {
		run.OrgPath = filepath.Join(cfg.Journal.OrgDir, runID+".org")
		if err := run.WriteBacktestOrg(); err != nil {
			return fmt.Errorf("org report: %w", err)
		}
		log.Info("org report written", zap.String("path", run.OrgPath))
	}
	return nil
}
