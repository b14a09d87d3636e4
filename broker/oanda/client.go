// Package oanda is the live execution adapter for the OANDA v20 REST API:
// market orders with stop loss and take profit on fill, trade closes, order
// cancels, account summary, open trades, transaction polling for bracket
// fills, historical candles and the pricing stream.
package oanda

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/rustyeddy/xautrader/broker"
)

const (
	PracticeURL       = "https://api-fxpractice.oanda.com"
	LiveURL           = "https://api-fxtrade.oanda.com"
	PracticeStreamURL = "https://stream-fxpractice.oanda.com"
	LiveStreamURL     = "https://stream-fxtrade.oanda.com"
)

// BaseURL returns the REST and streaming hosts for an environment.
func BaseURL(env string) (rest, stream string, err error) {
	switch strings.ToLower(strings.TrimSpace(env)) {
	case "practice", "demo":
		return PracticeURL, PracticeStreamURL, nil
	case "live", "trade":
		return LiveURL, LiveStreamURL, nil
	default:
		return "", "", fmt.Errorf("unknown OANDA env %q (want practice|live)", env)
	}
}

type Client struct {
	BaseURL   string // e.g. https://api-fxpractice.oanda.com
	StreamURL string
	Token     string
	AccountID string
	HTTP      *http.Client
}

func (c *Client) check() error {
	if c.Token == "" {
		return fmt.Errorf("oanda: missing token")
	}
	if c.BaseURL == "" {
		return fmt.Errorf("oanda: missing base url")
	}
	if c.AccountID == "" {
		return fmt.Errorf("oanda: missing account id")
	}
	return nil
}

func (c *Client) httpClient() *http.Client {
	if c.HTTP != nil {
		return c.HTTP
	}
	return http.DefaultClient
}

type apiError struct {
	ErrorCode    string `json:"errorCode"`
	ErrorMessage string `json:"errorMessage"`
	RejectReason string `json:"rejectReason"`
}

// do sends a JSON request and decodes a 2xx body into out. Status codes map
// onto the broker error taxonomy: 400/403 are rejections, 404 is not found,
// transport failures are a lost connection.
func (c *Client) do(ctx context.Context, method, path string, query url.Values, body, out any) error {
	u, err := url.Parse(c.BaseURL)
	if err != nil {
		return err
	}
	u.Path = path
	if query != nil {
		u.RawQuery = query.Encode()
	}

	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return err
		}
		rd = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, u.String(), rd)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+c.Token)
	req.Header.Set("Accept-Datetime-Format", "RFC3339")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient().Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("%w: %v", broker.ErrConnectionLost, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return fmt.Errorf("%w: %v", broker.ErrConnectionLost, err)
	}
	if resp.StatusCode/100 != 2 {
		var ae apiError
		_ = json.Unmarshal(raw, &ae)
		msg := strings.TrimSpace(ae.ErrorMessage)
		if ae.RejectReason != "" {
			msg = ae.RejectReason + ": " + msg
		}
		if msg == "" {
			msg = strings.TrimSpace(trimForErr(string(raw)))
		}
		switch resp.StatusCode {
		case http.StatusBadRequest, http.StatusForbidden:
			return fmt.Errorf("%w: oanda %s %s http %d: %s", broker.ErrRejected, method, path, resp.StatusCode, msg)
		case http.StatusNotFound:
			return fmt.Errorf("%w: oanda %s %s: %s", broker.ErrNotFound, method, path, msg)
		case http.StatusServiceUnavailable, http.StatusBadGateway, http.StatusGatewayTimeout:
			return fmt.Errorf("%w: oanda http %d", broker.ErrConnectionLost, resp.StatusCode)
		}
		return fmt.Errorf("oanda %s %s http %d: %s", method, path, resp.StatusCode, msg)
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("oanda: bad json: %w (body=%q)", err, trimForErr(string(raw)))
	}
	return nil
}

func trimForErr(s string) string {
	const n = 200
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

// num parses an OANDA decimal string. Empty strings are zero.
func num(s string) (float64, error) {
	if s == "" {
		return 0, nil
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return 0, fmt.Errorf("oanda: bad number %q", s)
	}
	return d.InexactFloat64(), nil
}

func mustNum(s string) float64 {
	v, _ := num(s)
	return v
}

// price formats a price with the instrument's precision.
func price(v float64, decimals int32) string {
	return decimal.NewFromFloat(v).Round(decimals).StringFixed(decimals)
}
