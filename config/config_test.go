package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/rustyeddy/xautrader/lifecycle"
	"github.com/rustyeddy/xautrader/market"
	"github.com/rustyeddy/xautrader/strategies"
)

func TestDefault(t *testing.T) {
	cfg := Default()
	assert.Equal(t, "USD", cfg.Account.Currency)
	assert.Equal(t, 10000.0, cfg.Account.Balance)
	assert.Equal(t, 0.02, cfg.Risk.RiskFraction)
	assert.Equal(t, 20, cfg.Strategy.FastPeriod)
	assert.Equal(t, 50, cfg.Strategy.SlowPeriod)
	assert.Equal(t, 14, cfg.Strategy.ATRPeriod)
	assert.Equal(t, 7.0, cfg.Execution.CommissionPerLot)
	assert.NoError(t, cfg.Validate())
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mut    func(*Config)
		errMsg string
	}{
		{"valid config", func(*Config) {}, ""},
		{"missing currency", func(c *Config) { c.Account.Currency = "" }, "account.currency is required"},
		{"negative balance", func(c *Config) { c.Account.Balance = -1000 }, "account.balance must be positive"},
		{"invalid risk fraction", func(c *Config) { c.Risk.RiskFraction = 1.5 }, "risk.risk_fraction must be between 0 and 1"},
		{"unknown instrument", func(c *Config) { c.Strategy.Instrument = "BTC_USD" }, "unknown instrument"},
		{"bad timeframe", func(c *Config) { c.Strategy.Timeframe = "W1" }, "strategy.timeframe"},
		{"bad death cross", func(c *Config) { c.Strategy.DeathCross = "hedge" }, "strategy.death_cross"},
		{"fast not shorter", func(c *Config) { c.Strategy.FastPeriod = 50 }, "fast_period < slow_period"},
		{"csv feed without path", func(c *Config) { c.Feed.Path = "" }, "feed.path is required"},
		{"ws feed without url", func(c *Config) { c.Feed.Source = "ws" }, "feed.url is required"},
		{"unknown feed", func(c *Config) { c.Feed.Source = "mt5" }, "feed.source"},
		{"bad range", func(c *Config) { c.Feed.From, c.Feed.To = "2024-02-01", "2024-01-01" }, "feed.to must be after"},
		{"bad oanda env", func(c *Config) { c.OANDA.Env = "demo" }, "oanda.env"},
		{"csv journal without files", func(c *Config) { c.Journal.Type = "csv" }, "trades_file and equity_file"},
		{"sqlite journal without path", func(c *Config) { c.Journal.Type = "sqlite" }, "db_path"},
		{"bad journal", func(c *Config) { c.Journal.Type = "postgres" }, "journal.type"},
		{"bad signal policy", func(c *Config) { c.Execution.SignalPolicy = "stack" }, "execution.signal_policy"},
		{"bad alert level", func(c *Config) { c.Notify.MinLevel = "loud" }, "notify.min_level"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mut(cfg)
			err := cfg.Validate()
			if tt.errMsg == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.errMsg)
		})
	}
}

func TestSaveAndLoadYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "trader.yaml")
	cfg := Default()
	cfg.Strategy.DeathCross = "reverse"
	cfg.Execution.FillTimeout = Duration(45 * time.Second)
	require.NoError(t, cfg.SaveToFile(path))

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(raw), "fill_timeout: 45s")

	got, err := LoadFromFile(path)
	require.NoError(t, err)
	assert.Equal(t, cfg, got)
}

func TestSaveAndLoadJSON(t *testing.T) {
	path := filepath.Join(t.TempDir(), "trader.json")
	cfg := Default()
	cfg.Simulation.NativeBrackets = true
	require.NoError(t, cfg.SaveToFile(path))

	got, err := LoadFromFile(path)
	require.NoError(t, err)
	assert.Equal(t, cfg, got)
}

func TestLoadKeepsDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "partial.yaml")
	require.NoError(t, os.WriteFile(path, []byte("strategy:\n  death_cross: reverse\nexecution:\n  call_timeout: 3\n"), 0o644))

	cfg, err := LoadFromFile(path)
	require.NoError(t, err)
	assert.Equal(t, "reverse", cfg.Strategy.DeathCross)
	assert.Equal(t, 3*time.Second, cfg.Execution.CallTimeout.Std())
	assert.Equal(t, 20, cfg.Strategy.FastPeriod)
	assert.Equal(t, 10000.0, cfg.Account.Balance)
}

func TestLoadErrors(t *testing.T) {
	_, err := LoadFromFile(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)

	path := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("account:\n  balance: -5\n"), 0o644))
	_, err = LoadFromFile(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid config")
}

func TestDuration(t *testing.T) {
	var d Duration
	require.NoError(t, json.Unmarshal([]byte(`"1m30s"`), &d))
	assert.Equal(t, 90*time.Second, d.Std())
	require.NoError(t, json.Unmarshal([]byte(`2.5`), &d))
	assert.Equal(t, 2500*time.Millisecond, d.Std())
	assert.Error(t, json.Unmarshal([]byte(`"soon"`), &d))
	assert.Error(t, json.Unmarshal([]byte(`true`), &d))

	var y struct {
		D Duration `yaml:"d"`
	}
	require.NoError(t, yaml.Unmarshal([]byte("d: 250ms\n"), &y))
	assert.Equal(t, 250*time.Millisecond, y.D.Std())
}

func TestConversions(t *testing.T) {
	cfg := Default()
	cfg.Strategy.Instrument = "XAUUSD"
	cfg.Strategy.DeathCross = "reverse"
	cfg.Execution.SignalPolicy = "queue"
	cfg.Simulation.FillDelayBars = 1

	lc, err := cfg.Lifecycle()
	require.NoError(t, err)
	assert.Equal(t, market.XAUUSD, lc.Instrument)
	assert.Equal(t, lifecycle.SignalQueue, lc.SignalPolicy)
	assert.Equal(t, 2.0, lc.Sizer.StopATRMult)
	assert.Equal(t, 3.0, lc.Sizer.TakeProfitATRMult)
	assert.Equal(t, 100.0, lc.Sizer.ContractSize)
	assert.Equal(t, 30*time.Second, lc.FillTimeout)

	sc := cfg.Sim()
	assert.Equal(t, 1, sc.FillDelayBars)
	assert.Equal(t, 7.0, sc.CommissionPerLot)

	bt, err := cfg.Backtest()
	require.NoError(t, err)
	assert.Equal(t, strategies.DeathCrossReverse, bt.DeathCross)
	assert.Equal(t, 50, bt.SlowPeriod)
	assert.Equal(t, market.M1, cfg.Timeframe())
}

func TestSecrets(t *testing.T) {
	cfg := Default()
	cfg.OANDA.TokenEnv = "XAUTRADER_TEST_TOKEN"

	t.Setenv("XAUTRADER_TEST_TOKEN", "")
	_, err := cfg.OANDAToken()
	assert.Error(t, err)

	t.Setenv("XAUTRADER_TEST_TOKEN", " abc123 ")
	tok, err := cfg.OANDAToken()
	require.NoError(t, err)
	assert.Equal(t, "abc123", tok)

	cfg.Notify.TelegramTokenEnv = ""
	_, err = cfg.TelegramToken()
	assert.Error(t, err)
}
