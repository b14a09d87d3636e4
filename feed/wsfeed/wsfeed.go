// Package wsfeed subscribes to a websocket price bridge (an MT5 terminal
// script or any service speaking the same JSON) and pushes bars into a
// feed.Queue.
//
// After connecting the client sends
//
//	{"action":"subscribe","symbol":"XAUUSD","timeframe":"M1"}
//
// and the bridge answers with a stream of
//
//	{"type":"bar","time":1714521600,"open":..,"high":..,"low":..,"close":..,"volume":..}
//	{"type":"tick","time":1714521601,"time_msc":1714521601250,"bid":..,"ask":..}
//
// time_msc is optional and wins over time. Ticks are folded into timeframe
// bars, or forwarded one bar per tick when TickBars is set; a tick that is
// not newer than the previous one is dropped in that mode.
package wsfeed

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/rustyeddy/xautrader/feed"
	"github.com/rustyeddy/xautrader/internal/logging"
	"github.com/rustyeddy/xautrader/market"
	"github.com/rustyeddy/xautrader/metrics"
)

type Config struct {
	URL       string           `yaml:"url" json:"url"`
	Symbol    string           `yaml:"symbol" json:"symbol"`
	Timeframe market.Timeframe `yaml:"timeframe" json:"timeframe"`
	TickBars  bool             `yaml:"tick_bars" json:"tick_bars"`

	HandshakeTimeout time.Duration `yaml:"-" json:"-"`
	ReadTimeout      time.Duration `yaml:"-" json:"-"`
	PingInterval     time.Duration `yaml:"-" json:"-"`
	MinBackoff       time.Duration `yaml:"-" json:"-"`
	MaxBackoff       time.Duration `yaml:"-" json:"-"`
}

func (c *Config) defaults() {
	if c.Symbol == "" {
		c.Symbol = "XAUUSD"
	}
	if c.Timeframe == "" {
		c.Timeframe = market.M1
	}
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = 10 * time.Second
	}
	if c.ReadTimeout <= 0 {
		c.ReadTimeout = 60 * time.Second
	}
	if c.PingInterval <= 0 {
		c.PingInterval = 20 * time.Second
	}
	if c.MinBackoff <= 0 {
		c.MinBackoff = time.Second
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = 30 * time.Second
	}
}

type subscribe struct {
	Action    string `json:"action"`
	Symbol    string `json:"symbol"`
	Timeframe string `json:"timeframe"`
}

type message struct {
	Type    string  `json:"type"`
	Time    int64   `json:"time"`
	TimeMsc int64   `json:"time_msc"`
	Open   float64 `json:"open"`
	High   float64 `json:"high"`
	Low    float64 `json:"low"`
	Close  float64 `json:"close"`
	Volume float64 `json:"volume"`
	Bid    float64 `json:"bid"`
	Ask    float64 `json:"ask"`
}

type Subscriber struct {
	cfg Config
	log *zap.Logger
	agg *feed.Aggregator
	// last tick forwarded as a bar
	lastTick time.Time
}

func New(cfg Config, log *zap.Logger) (*Subscriber, error) {
	if cfg.URL == "" {
		return nil, errors.New("wsfeed: url is required")
	}
	cfg.defaults()
	if _, err := market.ParseTimeframe(string(cfg.Timeframe)); err != nil {
		return nil, fmt.Errorf("wsfeed: %w", err)
	}
	return &Subscriber{
		cfg: cfg,
		log: logging.OrNop(log).With(zap.String("feed", "ws"), zap.String("url", cfg.URL)),
		agg: feed.NewAggregator(cfg.Timeframe),
	}, nil
}

// Run keeps the subscription alive until ctx ends, reconnecting with
// backoff. Every lost connection is reported to q as a disconnect so the
// runner can mark the gap. The queue is closed when Run returns.
func (s *Subscriber) Run(ctx context.Context, q *feed.Queue) error {
	defer q.Close()

	backoff := s.cfg.MinBackoff
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		connected, err := s.consume(ctx, q)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if errors.Is(err, feed.ErrClosed) {
			return nil
		}
		if connected {
			backoff = s.cfg.MinBackoff
			if perr := q.Disconnected(ctx); perr != nil {
				return perr
			}
		}
		metrics.FeedReconnectsTotal.WithLabelValues("ws").Inc()
		s.log.Warn("feed disconnected, retrying", zap.Error(err), zap.Duration("backoff", backoff))

		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return ctx.Err()
		}
		backoff = time.Duration(math.Min(float64(s.cfg.MaxBackoff), float64(backoff)*1.8))
	}
}

func (s *Subscriber) consume(ctx context.Context, q *feed.Queue) (bool, error) {
	dialer := websocket.Dialer{HandshakeTimeout: s.cfg.HandshakeTimeout}
	conn, _, err := dialer.DialContext(ctx, s.cfg.URL, nil)
	if err != nil {
		return false, err
	}
	defer conn.Close()

	sub := subscribe{Action: "subscribe", Symbol: s.cfg.Symbol, Timeframe: string(s.cfg.Timeframe)}
	conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	if err := conn.WriteJSON(sub); err != nil {
		return false, fmt.Errorf("subscribe: %w", err)
	}
	s.log.Info("connected price bridge", zap.String("symbol", s.cfg.Symbol), zap.String("timeframe", string(s.cfg.Timeframe)))

	conn.SetReadLimit(1 << 20)
	conn.SetReadDeadline(time.Now().Add(s.cfg.ReadTimeout))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(s.cfg.ReadTimeout))
		return nil
	})

	pingCtx, pingCancel := context.WithCancel(ctx)
	defer pingCancel()
	go func() {
		ticker := time.NewTicker(s.cfg.PingInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second)); err != nil {
					s.log.Warn("ping failed", zap.Error(err))
					return
				}
			case <-pingCtx.Done():
				conn.Close()
				return
			}
		}
	}()

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return true, err
		}
		conn.SetReadDeadline(time.Now().Add(s.cfg.ReadTimeout))

		bar, ok, err := s.decode(raw)
		if err != nil {
			metrics.DataErrorsTotal.Inc()
			s.log.Warn("bad feed message", zap.Error(err), zap.ByteString("raw", raw))
			continue
		}
		if !ok {
			continue
		}
		if err := q.Push(ctx, bar); err != nil {
			return true, err
		}
	}
}

func (s *Subscriber) decode(raw []byte) (market.Bar, bool, error) {
	var m message
	if err := json.Unmarshal(raw, &m); err != nil {
		return market.Bar{}, false, err
	}
	if m.Type == "heartbeat" || m.Type == "subscribed" {
		return market.Bar{}, false, nil
	}
	if m.Time <= 0 && m.TimeMsc <= 0 {
		return market.Bar{}, false, fmt.Errorf("missing time in %s message", m.Type)
	}
	t := time.Unix(m.Time, 0).UTC()
	if m.TimeMsc > 0 {
		t = time.UnixMilli(m.TimeMsc).UTC()
	}

	switch m.Type {
	case "bar":
		b := market.Bar{Time: t, Open: m.Open, High: m.High, Low: m.Low, Close: m.Close, Volume: m.Volume}
		if err := market.ValidateBar(b); err != nil {
			return market.Bar{}, false, err
		}
		return b, true, nil
	case "tick":
		tk := market.Tick{Instrument: s.cfg.Symbol, Time: t, Bid: m.Bid, Ask: m.Ask}
		if tk.Bid <= 0 || tk.Ask < tk.Bid {
			return market.Bar{}, false, fmt.Errorf("bad quote bid=%v ask=%v", tk.Bid, tk.Ask)
		}
		if s.cfg.TickBars {
			if !t.After(s.lastTick) {
				s.log.Debug("tick not newer than last, dropped", zap.Time("time", t))
				return market.Bar{}, false, nil
			}
			s.lastTick = t
			return tk.Bar(), true, nil
		}
		b, ok := s.agg.AddTick(tk)
		return b, ok, nil
	}
	return market.Bar{}, false, fmt.Errorf("unknown message type %q", m.Type)
}
