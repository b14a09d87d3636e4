package cmd

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/rustyeddy/xautrader/broker/oanda"
	"github.com/rustyeddy/xautrader/feed"
	"github.com/rustyeddy/xautrader/market"
)

var dataCmd = &cobra.Command{
	Use:   "data",
	Short: "Download historical bars",
}

var dataCandlesCmd = &cobra.Command{
	Use:   "candles",
	Short: "Download OANDA candles into a bar CSV",
	Long: `Download completed candles from OANDA into the CSV format backtest reads
(time,open,high,low,close,volume). The token is read from the environment
variable named by oanda.token_env (OANDA_TOKEN by default).

Example:
  trader data candles --from 2024-01-01 --to 2024-04-01 -g M1 -o data/XAU_USD_M1.csv`,
	Args: cobra.NoArgs,
	RunE: runDataCandles,
}

var (
	dataFrom  string
	dataTo    string
	dataGran  string
	dataPrice string
	dataOut   string
)

func init() {
	rootCmd.AddCommand(dataCmd)
	dataCmd.AddCommand(dataCandlesCmd)

	f := dataCandlesCmd.Flags()
	f.StringVar(&dataFrom, "from", "", "start, RFC3339 or YYYY-MM-DD (required)")
	f.StringVar(&dataTo, "to", "", "end, exclusive (defaults to now)")
	f.StringVarP(&dataGran, "granularity", "g", "", "timeframe (defaults to strategy.timeframe)")
	f.StringVar(&dataPrice, "price", "M", "price component: M (mid), B (bid) or A (ask)")
	f.StringVarP(&dataOut, "output", "o", "", "output CSV (defaults to feed.path)")
	dataCandlesCmd.MarkFlagRequired("from")
}

func runDataCandles(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	cfg.Feed.From, cfg.Feed.To = dataFrom, dataTo
	from, to, err := cfg.Feed.Range()
	if err != nil {
		return err
	}
	tf := cfg.Timeframe()
	if dataGran != "" {
		if tf, err = market.ParseTimeframe(dataGran); err != nil {
			return err
		}
	}
	out := dataOut
	if out == "" {
		out = cfg.Feed.Path
	}

	client, err := oandaClient(cfg)
	if err != nil {
		return err
	}
	started := time.Now()
	bars, err := client.CandleHistory(cmd.Context(), oanda.CandlesOptions{
		Instrument:  cfg.Strategy.Instrument,
		Granularity: tf.Granularity(),
		Price:       dataPrice,
		From:        from,
		To:          to,
	})
	if err != nil {
		return fmt.Errorf("download: %w", err)
	}
	if err := market.ValidateSequence(bars); err != nil {
		return fmt.Errorf("downloaded bars: %w", err)
	}

	f, err := os.Create(out)
	if err != nil {
		return err
	}
	if err := feed.WriteCSV(f, bars); err != nil {
		f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Wrote %d %s %s bars to %s in %s\n",
		len(bars), cfg.Strategy.Instrument, tf, out, time.Since(started).Round(time.Millisecond))
	return nil
}
