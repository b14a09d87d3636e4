// Package config holds the trader configuration file: defaults, loading,
// validation and conversion into the component configs.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/rustyeddy/xautrader/broker/sim"
	"github.com/rustyeddy/xautrader/lifecycle"
	"github.com/rustyeddy/xautrader/market"
	"github.com/rustyeddy/xautrader/notify"
	"github.com/rustyeddy/xautrader/risk"
	"github.com/rustyeddy/xautrader/runner"
	"github.com/rustyeddy/xautrader/strategies"
)

// Config represents the complete trader configuration
type Config struct {
	Account    AccountConfig    `json:"account" yaml:"account"`
	Strategy   StrategyConfig   `json:"strategy" yaml:"strategy"`
	Risk       RiskConfig       `json:"risk" yaml:"risk"`
	Execution  ExecutionConfig  `json:"execution" yaml:"execution"`
	Simulation SimulationConfig `json:"simulation" yaml:"simulation"`
	Feed       FeedConfig       `json:"feed" yaml:"feed"`
	OANDA      OANDAConfig      `json:"oanda" yaml:"oanda"`
	Journal    JournalConfig    `json:"journal" yaml:"journal"`
	Log        LogConfig        `json:"log" yaml:"log"`
	Metrics    MetricsConfig    `json:"metrics" yaml:"metrics"`
	Notify     NotifyConfig     `json:"notify" yaml:"notify"`
}

// AccountConfig seeds the simulated account
type AccountConfig struct {
	ID       string  `json:"id" yaml:"id"`
	Currency string  `json:"currency" yaml:"currency"`
	Balance  float64 `json:"balance" yaml:"balance"`
}

type StrategyConfig struct {
	Name       string `json:"name" yaml:"name"`
	Instrument string `json:"instrument" yaml:"instrument"`
	Timeframe  string `json:"timeframe" yaml:"timeframe"`
	FastPeriod int    `json:"fast_period" yaml:"fast_period"`
	SlowPeriod int    `json:"slow_period" yaml:"slow_period"`
	ATRPeriod  int    `json:"atr_period" yaml:"atr_period"`
	// DeathCross is "flat" (close the long) or "reverse" (go short).
	DeathCross string `json:"death_cross" yaml:"death_cross"`
}

type RiskConfig struct {
	RiskFraction    float64 `json:"risk_fraction" yaml:"risk_fraction"`
	StopATR         float64 `json:"stop_atr" yaml:"stop_atr"`
	TakeProfitATR   float64 `json:"take_profit_atr" yaml:"take_profit_atr"`
	LotStep         float64 `json:"lot_step" yaml:"lot_step"`
	MinLot          float64 `json:"min_lot" yaml:"min_lot"`
	MaxLot          float64 `json:"max_lot" yaml:"max_lot"`
	MaxRiskPct      float64 `json:"max_risk_pct" yaml:"max_risk_pct"`
	MinRR           float64 `json:"min_rr" yaml:"min_rr"`
	MaxDailyLossPct float64 `json:"max_daily_loss_pct" yaml:"max_daily_loss_pct"`
}

type ExecutionConfig struct {
	CommissionPerLot float64  `json:"commission_per_lot" yaml:"commission_per_lot"`
	SignalPolicy     string   `json:"signal_policy" yaml:"signal_policy"` // ignore | queue
	SignalCooldown   Duration `json:"signal_cooldown" yaml:"signal_cooldown"`
	FillTimeout      Duration `json:"fill_timeout" yaml:"fill_timeout"`
	CallTimeout      Duration `json:"call_timeout" yaml:"call_timeout"`
	EntryRetries     int      `json:"entry_retries" yaml:"entry_retries"`
	ExitRetries      int      `json:"exit_retries" yaml:"exit_retries"`
	RetryBackoff     Duration `json:"retry_backoff" yaml:"retry_backoff"`
	MaxBackoff       Duration `json:"max_backoff" yaml:"max_backoff"`
}

type SimulationConfig struct {
	Spread         float64 `json:"spread" yaml:"spread"`
	NativeBrackets bool    `json:"native_brackets" yaml:"native_brackets"`
	FillDelayBars  int     `json:"fill_delay_bars" yaml:"fill_delay_bars"`
	Seed           int64   `json:"seed" yaml:"seed"`
}

// FeedConfig selects the bar source. Source is "csv" for replays, "oanda"
// or "ws" for live data.
type FeedConfig struct {
	Source     string `json:"source" yaml:"source"`
	Path       string `json:"path,omitempty" yaml:"path,omitempty"`
	From       string `json:"from,omitempty" yaml:"from,omitempty"` // RFC3339 or 2006-01-02
	To         string `json:"to,omitempty" yaml:"to,omitempty"`
	URL        string `json:"url,omitempty" yaml:"url,omitempty"`
	TickBars   bool   `json:"tick_bars" yaml:"tick_bars"`
	WarmupBars int    `json:"warmup_bars" yaml:"warmup_bars"`
	QueueSize  int    `json:"queue_size" yaml:"queue_size"`
}

type OANDAConfig struct {
	Env       string `json:"env" yaml:"env"` // practice | live
	AccountID string `json:"account_id" yaml:"account_id"`
	// TokenEnv names the environment variable holding the API token.
	TokenEnv  string `json:"token_env" yaml:"token_env"`
	BaseURL   string `json:"base_url,omitempty" yaml:"base_url,omitempty"`
	StreamURL string `json:"stream_url,omitempty" yaml:"stream_url,omitempty"`
}

// JournalConfig contains journaling parameters
type JournalConfig struct {
	Type       string `json:"type" yaml:"type"` // "csv", "sqlite" or "none"
	TradesFile string `json:"trades_file,omitempty" yaml:"trades_file,omitempty"`
	EquityFile string `json:"equity_file,omitempty" yaml:"equity_file,omitempty"`
	DBPath     string `json:"db_path,omitempty" yaml:"db_path,omitempty"`
	OrgDir     string `json:"org_dir,omitempty" yaml:"org_dir,omitempty"`
}

type LogConfig struct {
	Level  string `json:"level" yaml:"level"`
	Format string `json:"format" yaml:"format"` // json | console
}

type MetricsConfig struct {
	Addr string `json:"addr,omitempty" yaml:"addr,omitempty"` // empty disables /metrics
}

type NotifyConfig struct {
	TelegramTokenEnv string `json:"telegram_token_env,omitempty" yaml:"telegram_token_env,omitempty"`
	TelegramChatID   int64  `json:"telegram_chat_id,omitempty" yaml:"telegram_chat_id,omitempty"`
	MinLevel         string `json:"min_level" yaml:"min_level"`
}

// Default returns the XAU_USD SMA 20/50 configuration with 2% ATR risk.
func Default() *Config {
	lc := lifecycle.DefaultConfig()
	rp := risk.DefaultParams()
	pol := risk.DefaultPolicy()
	sc := sim.DefaultConfig()

	return &Config{
		Account: AccountConfig{ID: sc.AccountID, Currency: sc.Currency, Balance: sc.Balance},
		Strategy: StrategyConfig{
			Name:       "sma-cross",
			Instrument: market.XAUUSD,
			Timeframe:  string(market.M1),
			FastPeriod: 20,
			SlowPeriod: 50,
			ATRPeriod:  14,
			DeathCross: string(strategies.DeathCrossFlat),
		},
		Risk: RiskConfig{
			RiskFraction:  rp.RiskFraction,
			StopATR:       rp.StopATRMult,
			TakeProfitATR: rp.TakeProfitATRMult,
			LotStep:       rp.LotStep,
			MinLot:        rp.MinLot,
			MaxLot:        rp.MaxLot,
			MaxRiskPct:    pol.MaxRiskPct,
			MinRR:         pol.MinRR,
		},
		Execution: ExecutionConfig{
			CommissionPerLot: lc.CommissionPerLot,
			SignalPolicy:     string(lc.SignalPolicy),
			SignalCooldown:   Duration(time.Minute),
			FillTimeout:      Duration(lc.FillTimeout),
			CallTimeout:      Duration(lc.CallTimeout),
			EntryRetries:     lc.EntryRetries,
			ExitRetries:      lc.ExitRetries,
			RetryBackoff:     Duration(lc.RetryBackoff),
			MaxBackoff:       Duration(lc.MaxBackoff),
		},
		Simulation: SimulationConfig{Spread: sc.Spread, Seed: sc.Seed},
		Feed:       FeedConfig{Source: "csv", Path: "data/XAU_USD_M1.csv", WarmupBars: 200, QueueSize: 256},
		OANDA:      OANDAConfig{Env: "practice", TokenEnv: "OANDA_TOKEN"},
		Journal:    JournalConfig{Type: "none"},
		Log:        LogConfig{Level: "info", Format: "console"},
		Notify:     NotifyConfig{TelegramTokenEnv: "TELEGRAM_TOKEN", MinLevel: "warning"},
	}
}

// LoadFromFile loads configuration from a file. Missing keys keep their
// defaults.
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	cfg := Default()

	// Try YAML first, fall back to JSON
	if err := yaml.Unmarshal(data, cfg); err != nil {
		cfg = Default()
		if jerr := json.Unmarshal(data, cfg); jerr != nil {
			return nil, fmt.Errorf("parse config (tried YAML and JSON): %w", err)
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// SaveToFile writes YAML for .yaml/.yml paths and indented JSON otherwise.
func (c *Config) SaveToFile(path string) error {
	var data []byte
	var err error

	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		data, err = yaml.Marshal(c)
	default:
		data, err = json.MarshalIndent(c, "", "  ")
	}
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write config file: %w", err)
	}
	return nil
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if c.Account.Currency == "" {
		return fmt.Errorf("account.currency is required")
	}
	if c.Account.Balance <= 0 {
		return fmt.Errorf("account.balance must be positive")
	}
	if _, ok := market.Lookup(c.Strategy.Instrument); !ok {
		return fmt.Errorf("unknown instrument: %s", c.Strategy.Instrument)
	}
	if _, err := market.ParseTimeframe(c.Strategy.Timeframe); err != nil {
		return fmt.Errorf("strategy.timeframe: %w", err)
	}
	if _, err := strategies.ParseDeathCrossMode(c.Strategy.DeathCross); err != nil {
		return fmt.Errorf("strategy.death_cross: %w", err)
	}
	if c.Strategy.FastPeriod <= 0 || c.Strategy.SlowPeriod <= c.Strategy.FastPeriod || c.Strategy.ATRPeriod <= 0 {
		return fmt.Errorf("strategy periods must be positive with fast_period < slow_period")
	}
	if c.Risk.RiskFraction <= 0 || c.Risk.RiskFraction > 1 {
		return fmt.Errorf("risk.risk_fraction must be between 0 and 1")
	}
	if c.Simulation.Spread < 0 || c.Simulation.FillDelayBars < 0 {
		return fmt.Errorf("simulation.spread and fill_delay_bars must not be negative")
	}
	switch c.Feed.Source {
	case "csv":
		if c.Feed.Path == "" {
			return fmt.Errorf("feed.path is required for csv feeds")
		}
	case "oanda":
	case "ws":
		if c.Feed.URL == "" {
			return fmt.Errorf("feed.url is required for ws feeds")
		}
	default:
		return fmt.Errorf("feed.source must be 'csv', 'oanda' or 'ws'")
	}
	if _, _, err := c.Feed.Range(); err != nil {
		return err
	}
	switch c.OANDA.Env {
	case "practice", "live":
	default:
		return fmt.Errorf("oanda.env must be 'practice' or 'live'")
	}
	switch c.Journal.Type {
	case "none", "":
	case "csv":
		if c.Journal.TradesFile == "" || c.Journal.EquityFile == "" {
			return fmt.Errorf("journal trades_file and equity_file required for CSV type")
		}
	case "sqlite":
		if c.Journal.DBPath == "" {
			return fmt.Errorf("journal db_path required for SQLite type")
		}
	default:
		return fmt.Errorf("journal.type must be 'csv', 'sqlite' or 'none'")
	}
	if _, err := notify.ParseLevel(c.Notify.MinLevel); err != nil {
		return fmt.Errorf("notify.min_level: %w", err)
	}
	if _, err := c.Lifecycle(); err != nil {
		return err
	}
	return nil
}

// Range parses the optional From/To bounds.
func (f FeedConfig) Range() (from, to time.Time, err error) {
	parse := func(name, s string) (time.Time, error) {
		if s == "" {
			return time.Time{}, nil
		}
		if t, err := time.Parse(time.RFC3339, s); err == nil {
			return t, nil
		}
		t, err := time.Parse(time.DateOnly, s)
		if err != nil {
			return time.Time{}, fmt.Errorf("feed.%s: bad time %q", name, s)
		}
		return t, nil
	}
	if from, err = parse("from", f.From); err != nil {
		return
	}
	if to, err = parse("to", f.To); err != nil {
		return
	}
	if !from.IsZero() && !to.IsZero() && !to.After(from) {
		err = fmt.Errorf("feed.to must be after feed.from")
	}
	return
}

// Lifecycle builds the order lifecycle manager config.
func (c *Config) Lifecycle() (lifecycle.Config, error) {
	meta, ok := market.Lookup(c.Strategy.Instrument)
	if !ok {
		return lifecycle.Config{}, fmt.Errorf("unknown instrument: %s", c.Strategy.Instrument)
	}
	policy, err := lifecycle.ParseSignalPolicy(c.Execution.SignalPolicy)
	if err != nil {
		return lifecycle.Config{}, fmt.Errorf("execution.signal_policy: %w", err)
	}

	lc := lifecycle.Config{
		Instrument: meta.Name,
		Sizer: risk.Params{
			RiskFraction:      c.Risk.RiskFraction,
			StopATRMult:       c.Risk.StopATR,
			TakeProfitATRMult: c.Risk.TakeProfitATR,
			ContractSize:      meta.ContractSize,
			LotStep:           c.Risk.LotStep,
			MinLot:            c.Risk.MinLot,
			MaxLot:            c.Risk.MaxLot,
		},
		Policy: risk.Policy{
			MaxRiskPct:       c.Risk.MaxRiskPct,
			MaxDailyLossPct:  c.Risk.MaxDailyLossPct,
			MaxOpenPositions: 1,
			MinRR:            c.Risk.MinRR,
		},
		CommissionPerLot: c.Execution.CommissionPerLot,
		SignalPolicy:     policy,
		SignalCooldown:   c.Execution.SignalCooldown.Std(),
		FillTimeout:      c.Execution.FillTimeout.Std(),
		CallTimeout:      c.Execution.CallTimeout.Std(),
		EntryRetries:     c.Execution.EntryRetries,
		ExitRetries:      c.Execution.ExitRetries,
		RetryBackoff:     c.Execution.RetryBackoff.Std(),
		MaxBackoff:       c.Execution.MaxBackoff.Std(),
	}
	if err := lc.Validate(); err != nil {
		return lifecycle.Config{}, err
	}
	return lc, nil
}

// Sim builds the simulated broker config.
func (c *Config) Sim() sim.Config {
	return sim.Config{
		AccountID:        c.Account.ID,
		Currency:         c.Account.Currency,
		Balance:          c.Account.Balance,
		Instrument:       c.Strategy.Instrument,
		Spread:           c.Simulation.Spread,
		CommissionPerLot: c.Execution.CommissionPerLot,
		NativeBrackets:   c.Simulation.NativeBrackets,
		FillDelayBars:    c.Simulation.FillDelayBars,
		Seed:             c.Simulation.Seed,
	}
}

// Backtest builds the replay wiring.
func (c *Config) Backtest() (runner.Backtest, error) {
	lc, err := c.Lifecycle()
	if err != nil {
		return runner.Backtest{}, err
	}
	mode, err := strategies.ParseDeathCrossMode(c.Strategy.DeathCross)
	if err != nil {
		return runner.Backtest{}, err
	}
	return runner.Backtest{
		Sim:        c.Sim(),
		Lifecycle:  lc,
		Strategy:   c.Strategy.Name,
		DeathCross: mode,
		FastPeriod: c.Strategy.FastPeriod,
		SlowPeriod: c.Strategy.SlowPeriod,
		ATRPeriod:  c.Strategy.ATRPeriod,
	}, nil
}

// Timeframe returns the parsed strategy timeframe.
func (c *Config) Timeframe() market.Timeframe {
	tf, _ := market.ParseTimeframe(c.Strategy.Timeframe)
	return tf
}

// OANDAToken reads the API token from the environment variable the config
// names.
func (c *Config) OANDAToken() (string, error) {
	return secret(c.OANDA.TokenEnv, "oanda.token_env")
}

func (c *Config) TelegramToken() (string, error) {
	return secret(c.Notify.TelegramTokenEnv, "notify.telegram_token_env")
}

func secret(env, key string) (string, error) {
	if env == "" {
		return "", fmt.Errorf("%s is not set", key)
	}
	v := strings.TrimSpace(os.Getenv(env))
	if v == "" {
		return "", fmt.Errorf("environment variable %s (from %s) is empty", env, key)
	}
	return v, nil
}
