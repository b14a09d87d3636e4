package oanda

import (
	"context"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/rustyeddy/xautrader/market"
)

type CandlesOptions struct {
	Instrument  string
	Granularity string // e.g. M1, H1, D
	Price       string // M, B, A

	From  time.Time // optional
	To    time.Time // optional
	Count int       // optional (used if >0)
}

type ohlc struct {
	O string `json:"o"`
	H string `json:"h"`
	L string `json:"l"`
	C string `json:"c"`
}

type candlesResp struct {
	Instrument  string `json:"instrument"`
	Granularity string `json:"granularity"`
	Candles     []struct {
		Complete bool   `json:"complete"`
		Time     string `json:"time"`
		Volume   int    `json:"volume"`
		Mid      *ohlc  `json:"mid,omitempty"`
		Bid      *ohlc  `json:"bid,omitempty"`
		Ask      *ohlc  `json:"ask,omitempty"`
	} `json:"candles"`
}

// Candles fetches completed candles. The forming candle is left out so
// warm-up history never contains a bar that will still change.
func (c *Client) Candles(ctx context.Context, opts CandlesOptions) ([]market.Bar, error) {
	if c.Token == "" {
		return nil, fmt.Errorf("oanda: missing token")
	}
	if c.BaseURL == "" {
		return nil, fmt.Errorf("oanda: missing base url")
	}
	if opts.Instrument == "" {
		return nil, fmt.Errorf("oanda: missing instrument")
	}
	if opts.Granularity == "" {
		return nil, fmt.Errorf("oanda: missing granularity")
	}
	pc := strings.ToUpper(strings.TrimSpace(opts.Price))
	if pc == "" {
		pc = "M"
	}
	if pc != "M" && pc != "B" && pc != "A" {
		return nil, fmt.Errorf("oanda: price component %q (want M|B|A)", opts.Price)
	}

	q := url.Values{}
	q.Set("granularity", opts.Granularity)
	q.Set("price", pc)
	if opts.Count > 0 {
		if opts.Count > 5000 {
			return nil, fmt.Errorf("oanda: count cannot exceed 5000")
		}
		q.Set("count", strconv.Itoa(opts.Count))
	}
	if !opts.From.IsZero() {
		q.Set("from", opts.From.UTC().Format(time.RFC3339))
	}
	if !opts.To.IsZero() {
		q.Set("to", opts.To.UTC().Format(time.RFC3339))
	}

	var resp candlesResp
	if err := c.do(ctx, "GET", fmt.Sprintf("/v3/instruments/%s/candles", opts.Instrument), q, nil, &resp); err != nil {
		return nil, err
	}

	bars := make([]market.Bar, 0, len(resp.Candles))
	for _, cd := range resp.Candles {
		if !cd.Complete {
			continue
		}
		px := cd.Mid
		switch pc {
		case "B":
			px = cd.Bid
		case "A":
			px = cd.Ask
		}
		if px == nil {
			return nil, fmt.Errorf("oanda: candle %s has no %s prices", cd.Time, pc)
		}
		t, err := time.Parse(time.RFC3339Nano, cd.Time)
		if err != nil {
			return nil, fmt.Errorf("oanda: bad candle time %q: %w", cd.Time, err)
		}
		var v [4]float64
		for i, s := range []string{px.O, px.H, px.L, px.C} {
			if v[i], err = num(s); err != nil {
				return nil, err
			}
		}
		bars = append(bars, market.Bar{Time: t.UTC(), Open: v[0], High: v[1], Low: v[2], Close: v[3], Volume: float64(cd.Volume)})
	}
	return bars, nil
}

// maxCandles is the most the candles endpoint returns per request.
const maxCandles = 5000

// CandleHistory pages forward from opts.From until opts.To (or now) and
// returns the completed candles in order. Count is ignored.
func (c *Client) CandleHistory(ctx context.Context, opts CandlesOptions) ([]market.Bar, error) {
	if opts.From.IsZero() {
		return nil, fmt.Errorf("oanda: candle history needs a start time")
	}
	to := opts.To
	if to.IsZero() {
		to = time.Now().UTC()
	}

	var out []market.Bar
	cursor := opts.From
	for cursor.Before(to) {
		page := opts
		page.From = cursor
		page.To = time.Time{}
		page.Count = maxCandles
		bars, err := c.Candles(ctx, page)
		if err != nil {
			return out, err
		}
		next := cursor
		for _, b := range bars {
			if !b.Time.Before(to) {
				return out, nil
			}
			if len(out) > 0 && !b.Time.After(out[len(out)-1].Time) {
				continue
			}
			out = append(out, b)
			next = b.Time.Add(time.Second)
		}
		if !next.After(cursor) {
			break
		}
		cursor = next
	}
	return out, nil
}
