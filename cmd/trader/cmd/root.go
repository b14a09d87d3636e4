package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/rustyeddy/xautrader/config"
	"github.com/rustyeddy/xautrader/internal/logging"
)

var rootCmd = &cobra.Command{
	Use:   "trader",
	Short: "XAU/USD SMA crossover trader",
	Long: `Trader runs a fast/slow SMA crossover strategy on gold (XAU_USD) with ATR
based stops and risk sized positions.

The same order lifecycle runs in both modes:
  - backtest: replay historical bars from CSV against the simulated broker
  - live:     stream prices from OANDA or a websocket bridge and trade on
              OANDA (or the simulator with --broker sim)

Trades and equity can be journaled to CSV or SQLite and queried later.`,
	SilenceUsage: true,
}

var (
	cfgFile  string
	logLevel string
)

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "config file (YAML or JSON); defaults are used when empty")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "override log.level (debug, info, warn, error)")
}

func loadConfig() (*config.Config, error) {
	if cfgFile == "" {
		return config.Default(), nil
	}
	cfg, err := config.LoadFromFile(cfgFile)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	return cfg, nil
}

func newLogger(cfg *config.Config) (*zap.Logger, error) {
	lvl := cfg.Log.Level
	if logLevel != "" {
		lvl = logLevel
	}
	return logging.New(lvl, cfg.Log.Format)
}
