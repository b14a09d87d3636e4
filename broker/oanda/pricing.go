package oanda

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/rustyeddy/xautrader/broker"
	"github.com/rustyeddy/xautrader/feed"
	"github.com/rustyeddy/xautrader/internal/logging"
	"github.com/rustyeddy/xautrader/market"
	"github.com/rustyeddy/xautrader/metrics"
)

type pricingMsg struct {
	Type       string `json:"type"`
	Time       string `json:"time"`
	Instrument string `json:"instrument"`
	Bids       []struct {
		Price string `json:"price"`
	} `json:"bids"`
	Asks []struct {
		Price string `json:"price"`
	} `json:"asks"`
}

// PriceStream turns the OANDA pricing stream into bars on a feed.Queue.
type PriceStream struct {
	c          *Client
	instrument string
	tickBars   bool
	agg        *feed.Aggregator
	log        *zap.Logger

	MinBackoff time.Duration
	MaxBackoff time.Duration
}

// NewPriceStream folds quotes into tf bars, or forwards one bar per quote
// when tickBars is set.
func NewPriceStream(c *Client, instrument string, tf market.Timeframe, tickBars bool, log *zap.Logger) (*PriceStream, error) {
	if err := c.check(); err != nil {
		return nil, err
	}
	if c.StreamURL == "" {
		return nil, errors.New("oanda: missing stream url")
	}
	if _, err := market.ParseTimeframe(string(tf)); err != nil {
		return nil, fmt.Errorf("oanda: %w", err)
	}
	return &PriceStream{
		c:          c,
		instrument: instrument,
		tickBars:   tickBars,
		agg:        feed.NewAggregator(tf),
		log:        logging.OrNop(log).With(zap.String("feed", "oanda"), zap.String("instrument", instrument)),
		MinBackoff: time.Second,
		MaxBackoff: 30 * time.Second,
	}, nil
}

// Run streams until ctx ends, reconnecting with backoff. A dropped stream
// is reported to q as a disconnect. The queue is closed on return.
func (s *PriceStream) Run(ctx context.Context, q *feed.Queue) error {
	defer q.Close()

	backoff := s.MinBackoff
	for {
		connected, err := s.Ticks(ctx, func(tk market.Tick) error {
			return s.push(ctx, q, tk)
		})
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if errors.Is(err, feed.ErrClosed) {
			return nil
		}
		if connected {
			backoff = s.MinBackoff
			if perr := q.Disconnected(ctx); perr != nil {
				return perr
			}
		}
		metrics.FeedReconnectsTotal.WithLabelValues("oanda").Inc()
		s.log.Warn("pricing stream dropped, retrying", zap.Error(err), zap.Duration("backoff", backoff))

		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return ctx.Err()
		}
		backoff = nextBackoff(backoff, s.MaxBackoff)
	}
}

func (s *PriceStream) push(ctx context.Context, q *feed.Queue, tk market.Tick) error {
	if s.tickBars {
		return q.Push(ctx, tk.Bar())
	}
	if b, ok := s.agg.AddTick(tk); ok {
		return q.Push(ctx, b)
	}
	return nil
}

// Ticks opens one pricing stream session and calls fn for every quote.
// connected reports whether the stream was established before it ended.
func (s *PriceStream) Ticks(ctx context.Context, fn func(market.Tick) error) (connected bool, err error) {
	u, err := url.Parse(s.c.StreamURL)
	if err != nil {
		return false, err
	}
	u.Path = fmt.Sprintf("/v3/accounts/%s/pricing/stream", s.c.AccountID)
	u.RawQuery = url.Values{"instruments": {s.instrument}}.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return false, err
	}
	req.Header.Set("Authorization", "Bearer "+s.c.Token)
	req.Header.Set("Accept-Datetime-Format", "RFC3339")

	resp, err := s.c.httpClient().Do(req)
	if err != nil {
		return false, fmt.Errorf("%w: %v", broker.ErrConnectionLost, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return false, fmt.Errorf("oanda: pricing stream http %d", resp.StatusCode)
	}
	s.log.Info("pricing stream connected")

	sc := bufio.NewScanner(resp.Body)
	sc.Buffer(make([]byte, 0, 64*1024), 2*1024*1024)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		tk, ok, err := decodePrice([]byte(line))
		if err != nil {
			metrics.DataErrorsTotal.Inc()
			s.log.Warn("bad pricing message", zap.Error(err), zap.String("line", trimForErr(line)))
			continue
		}
		if !ok {
			continue
		}
		if err := fn(tk); err != nil {
			return true, err
		}
	}
	if err := sc.Err(); err != nil {
		return true, fmt.Errorf("%w: %v", broker.ErrConnectionLost, err)
	}
	return true, fmt.Errorf("%w: pricing stream ended", broker.ErrConnectionLost)
}

// decodePrice returns ok=false for heartbeats.
func decodePrice(raw []byte) (market.Tick, bool, error) {
	var m pricingMsg
	if err := json.Unmarshal(raw, &m); err != nil {
		return market.Tick{}, false, err
	}
	switch strings.ToUpper(m.Type) {
	case "HEARTBEAT":
		return market.Tick{}, false, nil
	case "PRICE":
	default:
		return market.Tick{}, false, fmt.Errorf("unknown message type %q", m.Type)
	}
	if len(m.Bids) == 0 || len(m.Asks) == 0 {
		// non-tradeable quotes arrive without a book
		return market.Tick{}, false, nil
	}
	t := parseTime(m.Time)
	if t.IsZero() {
		return market.Tick{}, false, fmt.Errorf("bad time %q", m.Time)
	}
	bid, err := num(m.Bids[0].Price)
	if err != nil {
		return market.Tick{}, false, err
	}
	ask, err := num(m.Asks[0].Price)
	if err != nil {
		return market.Tick{}, false, err
	}
	if bid <= 0 || ask < bid {
		return market.Tick{}, false, fmt.Errorf("bad quote bid=%v ask=%v", bid, ask)
	}
	return market.Tick{Instrument: m.Instrument, Time: t, Bid: bid, Ask: ask}, true, nil
}
