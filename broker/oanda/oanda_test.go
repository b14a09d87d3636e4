package oanda

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rustyeddy/xautrader/broker"
	"github.com/rustyeddy/xautrader/feed"
	"github.com/rustyeddy/xautrader/market"
)

func newTestBroker(t *testing.T, mux *http.ServeMux) *Broker {
	t.Helper()
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	c := &Client{BaseURL: srv.URL, StreamURL: srv.URL, Token: "tok", AccountID: "acc"}
	b, err := New(c, market.XAUUSD, nil)
	require.NoError(t, err)
	return b
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func TestBaseURL(t *testing.T) {
	rest, stream, err := BaseURL("practice")
	require.NoError(t, err)
	assert.Equal(t, PracticeURL, rest)
	assert.Equal(t, PracticeStreamURL, stream)

	rest, _, err = BaseURL("LIVE")
	require.NoError(t, err)
	assert.Equal(t, LiveURL, rest)

	_, _, err = BaseURL("paper")
	assert.Error(t, err)
}

func TestNewChecksClient(t *testing.T) {
	_, err := New(&Client{BaseURL: "http://x", AccountID: "acc"}, market.XAUUSD, nil)
	assert.ErrorContains(t, err, "token")

	_, err = New(&Client{BaseURL: "http://x", Token: "t", AccountID: "acc"}, "EUR_JPY", nil)
	assert.ErrorContains(t, err, "unknown instrument")
}

func TestSubmitOrderFilled(t *testing.T) {
	var got map[string]marketOrder
	mux := http.NewServeMux()
	mux.HandleFunc("POST /v3/accounts/acc/orders", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer tok", r.Header.Get("Authorization"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		writeJSON(w, http.StatusCreated, map[string]any{
			"orderCreateTransaction": map[string]any{"id": "100", "type": "MARKET_ORDER"},
			"orderFillTransaction": map[string]any{
				"id": "101", "orderID": "100", "price": "2310.125", "time": "2024-05-01T10:00:00.5Z",
				"tradeOpened": map[string]any{"tradeID": "101", "units": "6", "price": "2310.125"},
			},
			"lastTransactionID": "103",
		})
	})
	mux.HandleFunc("GET /v3/accounts/acc/trades/101", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"trade": map[string]any{
			"id": "101", "instrument": "XAU_USD", "price": "2310.125", "currentUnits": "6",
			"stopLossOrder":   map[string]any{"id": "102", "price": "2280.000"},
			"takeProfitOrder": map[string]any{"id": "103", "price": "2355.000"},
		}})
	})
	b := newTestBroker(t, mux)

	ack, err := b.SubmitOrder(context.Background(), broker.OrderRequest{
		ClientID:   "01HX",
		Instrument: market.XAUUSD,
		Direction:  market.Long,
		Lots:       0.06,
		StopLoss:   2280,
		TakeProfit: 2355,
	})
	require.NoError(t, err)
	assert.Equal(t, broker.OrderAck{OrderID: "100", StopLossOrderID: "102", TakeProfitOrderID: "103"}, ack)

	o := got["order"]
	assert.Equal(t, "MARKET", o.Type)
	assert.Equal(t, "FOK", o.TimeInForce)
	assert.Equal(t, "6", o.Units)
	assert.Equal(t, "2280.000", o.StopLossOnFill.Price)
	assert.Equal(t, "2355.000", o.TakeProfitOnFill.Price)
	assert.Equal(t, "01HX", o.TradeClientExtensions.ID)

	evs := b.Events().Drain()
	require.Len(t, evs, 1)
	ev := evs[0]
	assert.Equal(t, broker.EventFilled, ev.Kind)
	assert.Equal(t, "101", ev.TradeID)
	assert.Equal(t, "01HX", ev.ClientID)
	assert.InDelta(t, 2310.125, ev.Price, 1e-9)
	assert.InDelta(t, 0.06, ev.Lots, 1e-9)
	assert.Equal(t, "102", ev.StopLossOrderID)
	assert.Equal(t, "103", ev.TakeProfitOrderID)
	assert.Equal(t, time.Date(2024, 5, 1, 10, 0, 0, 5e8, time.UTC), ev.Time)
}

func TestSubmitOrderShortUnits(t *testing.T) {
	var got map[string]marketOrder
	mux := http.NewServeMux()
	mux.HandleFunc("POST /v3/accounts/acc/orders", func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		writeJSON(w, http.StatusCreated, map[string]any{
			"orderCreateTransaction": map[string]any{"id": "5"},
			"orderCancelTransaction": map[string]any{"id": "6", "orderID": "5", "reason": "INSUFFICIENT_MARGIN"},
		})
	})
	b := newTestBroker(t, mux)

	ack, err := b.SubmitOrder(context.Background(), broker.OrderRequest{Direction: market.Short, Lots: 1.25})
	assert.ErrorIs(t, err, broker.ErrRejected)
	assert.ErrorContains(t, err, "INSUFFICIENT_MARGIN")
	assert.Equal(t, "5", ack.OrderID)
	assert.Equal(t, "-125", got["order"].Units)
	assert.Nil(t, got["order"].StopLossOnFill)
	assert.Zero(t, b.Events().Len())
}

func TestSubmitOrderValidation(t *testing.T) {
	b := newTestBroker(t, http.NewServeMux())
	_, err := b.SubmitOrder(context.Background(), broker.OrderRequest{Direction: market.Flat, Lots: 1})
	assert.ErrorIs(t, err, broker.ErrRejected)

	_, err = b.SubmitOrder(context.Background(), broker.OrderRequest{Direction: market.Long, Lots: 0.001})
	assert.ErrorIs(t, err, broker.ErrRejected)
}

func TestErrorMapping(t *testing.T) {
	cases := []struct {
		code int
		want error
	}{
		{http.StatusBadRequest, broker.ErrRejected},
		{http.StatusForbidden, broker.ErrRejected},
		{http.StatusNotFound, broker.ErrNotFound},
		{http.StatusServiceUnavailable, broker.ErrConnectionLost},
		{http.StatusBadGateway, broker.ErrConnectionLost},
	}
	for _, tc := range cases {
		t.Run(fmt.Sprint(tc.code), func(t *testing.T) {
			mux := http.NewServeMux()
			mux.HandleFunc("PUT /v3/accounts/acc/orders/9/cancel", func(w http.ResponseWriter, r *http.Request) {
				writeJSON(w, tc.code, map[string]string{"errorCode": "X", "errorMessage": "nope"})
			})
			b := newTestBroker(t, mux)
			err := b.CancelOrder(context.Background(), "9")
			assert.ErrorIs(t, err, tc.want)
		})
	}
}

func TestTransportErrorIsConnectionLost(t *testing.T) {
	srv := httptest.NewServer(http.NewServeMux())
	srv.Close()
	b, err := New(&Client{BaseURL: srv.URL, Token: "t", AccountID: "acc"}, market.XAUUSD, nil)
	require.NoError(t, err)

	_, err = b.GetAccount(context.Background())
	assert.ErrorIs(t, err, broker.ErrConnectionLost)
}

func TestClosePosition(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("PUT /v3/accounts/acc/trades/101/close", func(w http.ResponseWriter, r *http.Request) {
		var body map[string]string
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "ALL", body["units"])
		writeJSON(w, http.StatusOK, map[string]any{
			"orderCreateTransaction": map[string]any{"id": "200"},
			"orderFillTransaction": map[string]any{
				"id": "201", "orderID": "200", "price": "2320.500", "time": "2024-05-01T11:00:00Z",
				"tradesClosed": []map[string]any{{"tradeID": "101", "units": "-6", "price": "2320.500"}},
			},
		})
	})
	b := newTestBroker(t, mux)

	ack, err := b.ClosePosition(context.Background(), broker.CloseRequest{TradeID: "101", ClientID: "c", Lots: 0.06})
	require.NoError(t, err)
	assert.Equal(t, "200", ack.OrderID)

	evs := b.Events().Drain()
	require.Len(t, evs, 1)
	assert.Equal(t, broker.EventFilled, evs[0].Kind)
	assert.Equal(t, "101", evs[0].TradeID)
	assert.Empty(t, evs[0].Trigger)
	assert.InDelta(t, 2320.5, evs[0].Price, 1e-9)
	assert.InDelta(t, 0.06, evs[0].Lots, 1e-9)

	_, err = b.ClosePosition(context.Background(), broker.CloseRequest{})
	assert.ErrorIs(t, err, broker.ErrNotFound)
}

func TestGetAccountAndPositions(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /v3/accounts/acc/summary", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{
			"account": map[string]any{
				"id": "acc", "currency": "USD", "balance": "10000.0000", "NAV": "10050.5000",
				"marginUsed": "1000.0000", "marginAvailable": "9050.5000",
			},
			"lastTransactionID": "42",
		})
	})
	mux.HandleFunc("GET /v3/accounts/acc/openTrades", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"trades": []map[string]any{{
			"id": "7", "instrument": "XAU_USD", "price": "2300.000", "openTime": "2024-05-01T09:00:00Z",
			"currentUnits": "-10", "clientExtensions": map[string]any{"id": "01HY"},
			"stopLossOrder": map[string]any{"id": "8", "price": "2330.000"},
		}}})
	})
	b := newTestBroker(t, mux)
	ctx := context.Background()

	a, err := b.GetAccount(ctx)
	require.NoError(t, err)
	assert.Equal(t, "USD", a.Currency)
	assert.InDelta(t, 10000, a.Balance, 1e-9)
	assert.InDelta(t, 10050.5, a.Equity, 1e-9)
	assert.InDelta(t, 1005.05, a.MarginLevel, 1e-9)
	assert.Equal(t, "42", b.lastTx)

	ps, err := b.Positions(ctx)
	require.NoError(t, err)
	require.Len(t, ps, 1)
	p := ps[0]
	assert.Equal(t, "7", p.TradeID)
	assert.Equal(t, "01HY", p.ClientID)
	assert.Equal(t, market.Short, p.Direction)
	assert.InDelta(t, 0.1, p.Lots, 1e-9)
	assert.InDelta(t, 2330, p.StopLoss, 1e-9)
	assert.Equal(t, "8", p.StopLossOrderID)
	assert.Zero(t, p.TakeProfit)
	assert.Empty(t, p.TakeProfitOrderID)
}

func TestPollReportsBracketFill(t *testing.T) {
	var since atomic.Value
	mux := http.NewServeMux()
	mux.HandleFunc("GET /v3/accounts/acc/summary", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"account": map[string]any{"id": "acc"}, "lastTransactionID": "10"})
	})
	mux.HandleFunc("GET /v3/accounts/acc/transactions/sinceid", func(w http.ResponseWriter, r *http.Request) {
		since.Store(r.URL.Query().Get("id"))
		writeJSON(w, http.StatusOK, map[string]any{
			"transactions": []map[string]any{
				{"id": "11", "type": "ORDER_FILL", "orderID": "own", "reason": "MARKET_ORDER_TRADE_CLOSE",
					"tradesClosed": []map[string]any{{"tradeID": "1", "units": "-6"}}},
				{"id": "12", "type": "ORDER_FILL", "orderID": "102", "reason": "STOP_LOSS_ORDER", "price": "2280.000",
					"time": "2024-05-01T10:30:00Z", "tradesClosed": []map[string]any{{"tradeID": "101", "units": "-6"}}},
				{"id": "13", "type": "ORDER_CANCEL", "orderID": "103", "reason": "LINKED_TRADE_CLOSED"},
				{"id": "14", "type": "ORDER_CANCEL", "orderID": "300", "reason": "MARKET_HALTED"},
				{"id": "15", "type": "DAILY_FINANCING"},
			},
			"lastTransactionID": "15",
		})
	})
	b := newTestBroker(t, mux)
	b.remember("own")
	ctx := context.Background()

	require.NoError(t, b.Poll(ctx))
	assert.Equal(t, "10", b.lastTx)
	require.NoError(t, b.Poll(ctx))
	assert.Equal(t, "10", since.Load())
	assert.Equal(t, "15", b.lastTx)

	evs := b.Events().Drain()
	require.Len(t, evs, 2)
	assert.Equal(t, broker.EventFilled, evs[0].Kind)
	assert.Equal(t, "102", evs[0].OrderID)
	assert.Equal(t, "101", evs[0].TradeID)
	assert.Equal(t, market.ExitStopLoss, evs[0].Trigger)
	assert.InDelta(t, 2280, evs[0].Price, 1e-9)
	assert.InDelta(t, 0.06, evs[0].Lots, 1e-9)

	assert.Equal(t, broker.EventCancelled, evs[1].Kind)
	assert.Equal(t, "300", evs[1].OrderID)
}

func TestPollReportsDelayedFills(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /v3/accounts/acc/orders", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusCreated, map[string]any{
			"orderCreateTransaction": map[string]any{"id": "100", "type": "MARKET_ORDER"},
			"lastTransactionID":      "100",
		})
	})
	mux.HandleFunc("PUT /v3/accounts/acc/trades/101/close", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{
			"orderCreateTransaction": map[string]any{"id": "110", "type": "MARKET_ORDER"},
			"lastTransactionID":      "110",
		})
	})
	mux.HandleFunc("GET /v3/accounts/acc/trades/101", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"trade": map[string]any{
			"id": "101", "instrument": "XAU_USD", "price": "2310.125", "currentUnits": "6",
			"stopLossOrder":   map[string]any{"id": "102", "price": "2280.000"},
			"takeProfitOrder": map[string]any{"id": "103", "price": "2355.000"},
		}})
	})
	mux.HandleFunc("GET /v3/accounts/acc/transactions/sinceid", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{
			"transactions": []map[string]any{
				{"id": "101", "type": "ORDER_FILL", "orderID": "100", "reason": "MARKET_ORDER", "price": "2310.125",
					"time": "2024-05-01T10:00:02Z", "tradeOpened": map[string]any{"tradeID": "101", "units": "6", "price": "2310.125"}},
				{"id": "111", "type": "ORDER_FILL", "orderID": "110", "reason": "MARKET_ORDER_TRADE_CLOSE", "price": "2320.500",
					"time": "2024-05-01T11:00:00Z", "tradesClosed": []map[string]any{{"tradeID": "101", "units": "-6", "price": "2320.500"}}},
			},
			"lastTransactionID": "111",
		})
	})
	b := newTestBroker(t, mux)
	b.lastTx = "99"
	ctx := context.Background()

	ack, err := b.SubmitOrder(ctx, broker.OrderRequest{
		ClientID: "01HX", Instrument: market.XAUUSD, Direction: market.Long, Lots: 0.06, StopLoss: 2280, TakeProfit: 2355,
	})
	require.NoError(t, err)
	assert.Equal(t, "100", ack.OrderID)
	closeAck, err := b.ClosePosition(ctx, broker.CloseRequest{TradeID: "101", ClientID: "01HX", Lots: 0.06})
	require.NoError(t, err)
	assert.Equal(t, "110", closeAck.OrderID)
	assert.Empty(t, b.Events().Drain())

	require.NoError(t, b.Poll(ctx))
	evs := b.Events().Drain()
	require.Len(t, evs, 2)

	entry := evs[0]
	assert.Equal(t, broker.EventFilled, entry.Kind)
	assert.Equal(t, "100", entry.OrderID)
	assert.Equal(t, "101", entry.TradeID)
	assert.Equal(t, "01HX", entry.ClientID)
	assert.InDelta(t, 2310.125, entry.Price, 1e-9)
	assert.InDelta(t, 0.06, entry.Lots, 1e-9)
	assert.Equal(t, "102", entry.StopLossOrderID)
	assert.Equal(t, "103", entry.TakeProfitOrderID)
	assert.Empty(t, entry.Trigger)

	exit := evs[1]
	assert.Equal(t, "110", exit.OrderID)
	assert.Equal(t, "101", exit.TradeID)
	assert.InDelta(t, 2320.5, exit.Price, 1e-9)
	assert.Empty(t, exit.Trigger)

	// reported once
	b.lastTx = "99"
	require.NoError(t, b.Poll(ctx))
	assert.Empty(t, b.Events().Drain())
}

func TestFillTrigger(t *testing.T) {
	assert.Equal(t, market.ExitStopLoss, fillTrigger("TRAILING_STOP_LOSS_ORDER"))
	assert.Equal(t, market.ExitTakeProfit, fillTrigger("TAKE_PROFIT_ORDER"))
	assert.Equal(t, market.ExitManual, fillTrigger("MARKET_ORDER_MARGIN_CLOSEOUT"))
}

func TestPollDisconnectReconnect(t *testing.T) {
	var down atomic.Bool
	mux := http.NewServeMux()
	mux.HandleFunc("GET /v3/accounts/acc/summary", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"account": map[string]any{"id": "acc"}, "lastTransactionID": "1"})
	})
	mux.HandleFunc("GET /v3/accounts/acc/transactions/sinceid", func(w http.ResponseWriter, r *http.Request) {
		if down.Load() {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"transactions": []any{}, "lastTransactionID": "1"})
	})
	b := newTestBroker(t, mux)
	ctx := context.Background()
	require.NoError(t, b.Poll(ctx))

	down.Store(true)
	assert.ErrorIs(t, b.Poll(ctx), broker.ErrConnectionLost)
	assert.ErrorIs(t, b.Poll(ctx), broker.ErrConnectionLost)
	evs := b.Events().Drain()
	require.Len(t, evs, 1)
	assert.Equal(t, broker.EventDisconnected, evs[0].Kind)

	down.Store(false)
	require.NoError(t, b.Poll(ctx))
	require.NoError(t, b.Poll(ctx))
	evs = b.Events().Drain()
	require.Len(t, evs, 1)
	assert.Equal(t, broker.EventReconnected, evs[0].Kind)
}

func TestCandles(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /v3/instruments/XAU_USD/candles", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "M1", r.URL.Query().Get("granularity"))
		assert.Equal(t, "B", r.URL.Query().Get("price"))
		assert.Equal(t, "2", r.URL.Query().Get("count"))
		writeJSON(w, http.StatusOK, map[string]any{"candles": []map[string]any{
			{"complete": true, "time": "2024-05-01T10:00:00Z", "volume": 12,
				"bid": map[string]string{"o": "2300.1", "h": "2301.5", "l": "2299.9", "c": "2301.0"}},
			{"complete": false, "time": "2024-05-01T10:01:00Z", "volume": 3,
				"bid": map[string]string{"o": "2301.0", "h": "2301.0", "l": "2301.0", "c": "2301.0"}},
		}})
	})
	b := newTestBroker(t, mux)

	bars, err := b.c.Candles(context.Background(), CandlesOptions{Instrument: "XAU_USD", Granularity: "M1", Price: "b", Count: 2})
	require.NoError(t, err)
	require.Len(t, bars, 1)
	assert.Equal(t, market.Bar{
		Time: time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC),
		Open: 2300.1, High: 2301.5, Low: 2299.9, Close: 2301.0, Volume: 12,
	}, bars[0])

	_, err = b.c.Candles(context.Background(), CandlesOptions{Instrument: "XAU_USD", Granularity: "M1", Price: "X"})
	assert.Error(t, err)
}

func TestDecodePrice(t *testing.T) {
	tk, ok, err := decodePrice([]byte(`{"type":"PRICE","time":"2024-05-01T10:00:01Z","instrument":"XAU_USD","bids":[{"price":"2300.10"}],"asks":[{"price":"2300.45"}]}`))
	require.NoError(t, err)
	require.True(t, ok)
	assert.InDelta(t, 2300.10, tk.Bid, 1e-9)
	assert.InDelta(t, 0.35, tk.Spread(), 1e-9)

	_, ok, err = decodePrice([]byte(`{"type":"HEARTBEAT","time":"2024-05-01T10:00:05Z"}`))
	assert.NoError(t, err)
	assert.False(t, ok)

	_, _, err = decodePrice([]byte(`{"type":"PRICE","time":"2024-05-01T10:00:01Z","bids":[{"price":"2301"}],"asks":[{"price":"2300"}]}`))
	assert.Error(t, err)

	_, _, err = decodePrice([]byte(`{"type":"PRICE","time":"x","bids":[{"price":"1"}],"asks":[{"price":"2"}]}`))
	assert.Error(t, err)
}

func TestPriceStreamRun(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /v3/accounts/acc/pricing/stream", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "XAU_USD", r.URL.Query().Get("instruments"))
		w.WriteHeader(http.StatusOK)
		fmt.Fprintln(w, `{"type":"PRICE","time":"2024-05-01T10:00:01Z","instrument":"XAU_USD","bids":[{"price":"2300.10"}],"asks":[{"price":"2300.40"}]}`)
		fmt.Fprintln(w, `{"type":"HEARTBEAT","time":"2024-05-01T10:00:02Z"}`)
		fmt.Fprintln(w, `not json`)
		fmt.Fprintln(w, `{"type":"PRICE","time":"2024-05-01T10:00:03Z","instrument":"XAU_USD","bids":[{"price":"2300.20"}],"asks":[{"price":"2300.50"}]}`)
	})
	b := newTestBroker(t, mux)
	s, err := NewPriceStream(b.c, "XAU_USD", market.M1, true, nil)
	require.NoError(t, err)
	s.MinBackoff = time.Hour

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	q := feed.NewQueue(8)
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx, q) }()

	b1, err := q.Next(ctx)
	require.NoError(t, err)
	assert.InDelta(t, 2300.10, b1.Close, 1e-9)
	b2, err := q.Next(ctx)
	require.NoError(t, err)
	assert.InDelta(t, 2300.20, b2.Close, 1e-9)
	_, err = q.Next(ctx)
	assert.ErrorIs(t, err, feed.ErrDisconnected)

	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)
}

func TestCandleHistoryPages(t *testing.T) {
	start := time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)
	var calls atomic.Int32
	mux := http.NewServeMux()
	mux.HandleFunc("GET /v3/instruments/XAU_USD/candles", func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		assert.Equal(t, "5000", r.URL.Query().Get("count"))
		assert.Empty(t, r.URL.Query().Get("to"))
		from, err := time.Parse(time.RFC3339, r.URL.Query().Get("from"))
		require.NoError(t, err)

		// two candles per page, a minute apart, from the requested start
		first := from.Truncate(time.Minute)
		if first.Before(from) {
			first = first.Add(time.Minute)
		}
		var cs []map[string]any
		for i := 0; i < 2; i++ {
			ts := first.Add(time.Duration(i) * time.Minute)
			cs = append(cs, map[string]any{"complete": true, "time": ts.Format(time.RFC3339), "volume": 1,
				"mid": map[string]string{"o": "2300", "h": "2301", "l": "2299", "c": "2300.5"}})
		}
		writeJSON(w, http.StatusOK, map[string]any{"candles": cs})
	})
	b := newTestBroker(t, mux)

	bars, err := b.c.CandleHistory(context.Background(), CandlesOptions{
		Instrument: "XAU_USD", Granularity: "M1", From: start, To: start.Add(5 * time.Minute),
	})
	require.NoError(t, err)
	require.Len(t, bars, 5)
	for i, bar := range bars {
		assert.Equal(t, start.Add(time.Duration(i)*time.Minute), bar.Time)
	}
	assert.Equal(t, int32(3), calls.Load())

	_, err = b.c.CandleHistory(context.Background(), CandlesOptions{Instrument: "XAU_USD", Granularity: "M1"})
	assert.Error(t, err)
}
