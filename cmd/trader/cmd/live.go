package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/rustyeddy/xautrader/broker"
	"github.com/rustyeddy/xautrader/broker/oanda"
	"github.com/rustyeddy/xautrader/broker/sim"
	"github.com/rustyeddy/xautrader/config"
	"github.com/rustyeddy/xautrader/feed"
	"github.com/rustyeddy/xautrader/feed/wsfeed"
	"github.com/rustyeddy/xautrader/indicators"
	"github.com/rustyeddy/xautrader/journal"
	"github.com/rustyeddy/xautrader/lifecycle"
	"github.com/rustyeddy/xautrader/market"
	"github.com/rustyeddy/xautrader/metrics"
	"github.com/rustyeddy/xautrader/notify"
	"github.com/rustyeddy/xautrader/runner"
	"github.com/rustyeddy/xautrader/strategies"
)

var liveCmd = &cobra.Command{
	Use:   "live",
	Short: "Trade a live price stream",
	Long: `Live streams prices, builds bars and runs them through the same order
lifecycle as a backtest, placing orders on OANDA.

Price sources (feed.source):
  oanda - OANDA pricing stream
  ws    - websocket bridge (an MT5 terminal script)
  csv   - a bar file, useful as a dry run of the live loop

With --broker sim orders go to the simulator instead, which is paper trading
against the live feed.

Before trading the indicators are warmed up with feed.warmup_bars historical
candles from OANDA when a token is available.

Examples:
  OANDA_TOKEN=... trader live -c trader.yaml
  trader live -c trader.yaml --broker sim --feed ws --url ws://localhost:8765`,
	Args: cobra.NoArgs,
	RunE: runLive,
}

var (
	liveBroker   string
	liveFeed     string
	liveURL      string
	liveTickBars bool
	livePoll     time.Duration
	liveMetrics  string
)

func init() {
	rootCmd.AddCommand(liveCmd)

	f := liveCmd.Flags()
	f.StringVar(&liveBroker, "broker", "oanda", "execution: oanda or sim")
	f.StringVar(&liveFeed, "feed", "", "price source: oanda, ws or csv (overrides feed.source)")
	f.StringVar(&liveURL, "url", "", "websocket bridge url (overrides feed.url)")
	f.BoolVar(&liveTickBars, "tick-bars", false, "treat every quote as a bar instead of aggregating")
	f.DurationVar(&livePoll, "poll", 2*time.Second, "OANDA transaction poll interval")
	f.StringVar(&liveMetrics, "metrics", "", "serve Prometheus metrics on this address (overrides metrics.addr)")
}

func applyLiveFlags(cmd *cobra.Command, cfg *config.Config) {
	fl := cmd.Flags()
	if fl.Changed("feed") {
		cfg.Feed.Source = liveFeed
	}
	if fl.Changed("url") {
		cfg.Feed.URL = liveURL
	}
	if fl.Changed("tick-bars") {
		cfg.Feed.TickBars = liveTickBars
	}
	if fl.Changed("metrics") {
		cfg.Metrics.Addr = liveMetrics
	}
}

// oandaClient builds the REST client, or returns nil when no token is set.
func oandaClient(cfg *config.Config) (*oanda.Client, error) {
	token, err := cfg.OANDAToken()
	if err != nil {
		return nil, err
	}
	rest, stream, err := oanda.BaseURL(cfg.OANDA.Env)
	if err != nil {
		return nil, err
	}
	if cfg.OANDA.BaseURL != "" {
		rest = cfg.OANDA.BaseURL
	}
	if cfg.OANDA.StreamURL != "" {
		stream = cfg.OANDA.StreamURL
	}
	return &oanda.Client{
		BaseURL:   rest,
		StreamURL: stream,
		Token:     token,
		AccountID: cfg.OANDA.AccountID,
	}, nil
}

func runLive(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	applyLiveFlags(cmd, cfg)
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	log, err := newLogger(cfg)
	if err != nil {
		return err
	}
	defer log.Sync()

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	client, clientErr := oandaClient(cfg)

	j, _, err := openJournal(cfg)
	if err != nil {
		return err
	}
	defer j.Close()

	alerts, err := newAlerter(cfg, log)
	if err != nil {
		return err
	}

	var wg sync.WaitGroup
	defer wg.Wait()
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var b broker.Broker
	switch liveBroker {
	case "sim":
		b, err = sim.NewEngine(cfg.Sim(), j, log)
		if err != nil {
			return err
		}
	case "oanda":
		if clientErr != nil {
			return fmt.Errorf("oanda broker: %w", clientErr)
		}
		ob, err := oanda.New(client, cfg.Strategy.Instrument, log)
		if err != nil {
			return err
		}
		acct, err := ob.GetAccount(ctx)
		if err != nil {
			return fmt.Errorf("oanda account: %w", err)
		}
		log.Info("oanda account",
			zap.String("id", acct.ID),
			zap.Float64("balance", acct.Balance),
			zap.Float64("equity", acct.Equity))
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = ob.Watch(ctx, livePoll)
		}()
		b = ob
	default:
		return fmt.Errorf("unknown broker %q (want oanda|sim)", liveBroker)
	}

	r, err := newLiveRunner(cfg, b, j, alerts, log)
	if err != nil {
		return err
	}

	if cfg.Feed.WarmupBars > 0 {
		if clientErr != nil {
			log.Warn("skipping warmup, no OANDA token", zap.Error(clientErr))
		} else {
			bars, err := client.Candles(ctx, oanda.CandlesOptions{
				Instrument:  cfg.Strategy.Instrument,
				Granularity: cfg.Timeframe().Granularity(),
				Price:       "B",
				Count:       cfg.Feed.WarmupBars,
			})
			if err != nil {
				log.Warn("warmup candles", zap.Error(err))
			} else {
				n := r.Warmup(bars)
				log.Info("indicators warmed up", zap.Int("bars", n))
			}
		}
	}

	src, err := openLiveFeed(ctx, cfg, client, clientErr, &wg, log)
	if err != nil {
		return err
	}
	if c, ok := src.(io.Closer); ok {
		defer c.Close()
	}

	if cfg.Metrics.Addr != "" {
		srv := metrics.Serve(cfg.Metrics.Addr)
		log.Info("metrics listening", zap.String("addr", cfg.Metrics.Addr))
		defer func() {
			sctx, scancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer scancel()
			_ = srv.Shutdown(sctx)
		}()
	}

	err = r.Live(ctx, src)
	snap := r.Manager().Snapshot()
	log.Info("live stopped", zap.String("state", string(snap.State)), zap.Int("trades", snap.Trades))
	if snap.State != lifecycle.StateIdle {
		log.Warn("position left open at the broker", zap.String("state", string(snap.State)))
	}
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func newLiveRunner(cfg *config.Config, b broker.Broker, j journal.Journal, alerts notify.Alerter, log *zap.Logger) (*runner.Runner, error) {
	lc, err := cfg.Lifecycle()
	if err != nil {
		return nil, err
	}
	mode, err := strategies.ParseDeathCrossMode(cfg.Strategy.DeathCross)
	if err != nil {
		return nil, err
	}
	ind, err := indicators.NewEngine(cfg.Strategy.FastPeriod, cfg.Strategy.SlowPeriod, cfg.Strategy.ATRPeriod)
	if err != nil {
		return nil, err
	}
	gen, err := strategies.ByName(cfg.Strategy.Name, mode)
	if err != nil {
		return nil, err
	}
	mgr, err := lifecycle.New(lc, b, j, lifecycle.WithLogger(log), lifecycle.WithAlerter(alerts))
	if err != nil {
		return nil, err
	}
	return runner.New(ind, gen, mgr, b, runner.WithLogger(log))
}

// openLiveFeed starts the producer for the configured source. Producers
// run on wg until ctx ends.
func openLiveFeed(ctx context.Context, cfg *config.Config, client *oanda.Client, clientErr error, wg *sync.WaitGroup, log *zap.Logger) (feed.Source, error) {
	switch cfg.Feed.Source {
	case "csv":
		from, to, err := cfg.Feed.Range()
		if err != nil {
			return nil, err
		}
		return feed.OpenCSV(cfg.Feed.Path, from, to)

	case "ws":
		meta, _ := market.Lookup(cfg.Strategy.Instrument)
		sub, err := wsfeed.New(wsfeed.Config{
			URL:       cfg.Feed.URL,
			Symbol:    meta.BaseCurrency + meta.QuoteCurrency,
			Timeframe: cfg.Timeframe(),
			TickBars:  cfg.Feed.TickBars,
		}, log)
		if err != nil {
			return nil, err
		}
		q := feed.NewQueue(cfg.Feed.QueueSize)
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = sub.Run(ctx, q)
		}()
		return q, nil

	case "oanda":
		if clientErr != nil {
			return nil, fmt.Errorf("oanda feed: %w", clientErr)
		}
		ps, err := oanda.NewPriceStream(client, cfg.Strategy.Instrument, cfg.Timeframe(), cfg.Feed.TickBars, log)
		if err != nil {
			return nil, err
		}
		q := feed.NewQueue(cfg.Feed.QueueSize)
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = ps.Run(ctx, q)
		}()
		return q, nil
	}
	return nil, fmt.Errorf("unknown feed source %q", cfg.Feed.Source)
}
