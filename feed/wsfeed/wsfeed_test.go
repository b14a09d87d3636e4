package wsfeed

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rustyeddy/xautrader/feed"
	"github.com/rustyeddy/xautrader/market"
)

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

// bridge serves one scripted batch of messages per connection, then hangs up.
func bridge(t *testing.T, batches ...[]string) (*httptest.Server, *atomic.Int32) {
	t.Helper()
	var conns atomic.Int32
	up := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := int(conns.Add(1)) - 1
		c, err := up.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer c.Close()

		var sub subscribe
		if err := c.ReadJSON(&sub); err != nil || sub.Action != "subscribe" {
			return
		}
		if n >= len(batches) {
			// keep the last connection open until the client leaves
			for {
				if _, _, err := c.ReadMessage(); err != nil {
					return
				}
			}
		}
		for _, m := range batches[n] {
			if err := c.WriteMessage(websocket.TextMessage, []byte(m)); err != nil {
				return
			}
		}
	}))
	t.Cleanup(srv.Close)
	return srv, &conns
}

func next(t *testing.T, ctx context.Context, q *feed.Queue) (market.Bar, error) {
	t.Helper()
	return q.Next(ctx)
}

func TestSubscriberReconnects(t *testing.T) {
	srv, conns := bridge(t,
		[]string{
			`{"type":"subscribed"}`,
			`{"type":"bar","time":1714521600,"open":2300,"high":2302,"low":2299,"close":2301,"volume":5}`,
			`not json`,
		},
		[]string{
			`{"type":"heartbeat"}`,
			`{"type":"bar","time":1714521660,"open":2301,"high":2303,"low":2300,"close":2302,"volume":3}`,
		},
	)

	s, err := New(Config{URL: wsURL(srv), MinBackoff: 5 * time.Millisecond, MaxBackoff: 10 * time.Millisecond}, nil)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	q := feed.NewQueue(16)
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx, q) }()

	b, err := next(t, ctx, q)
	require.NoError(t, err)
	assert.Equal(t, time.Unix(1714521600, 0).UTC(), b.Time)
	assert.Equal(t, 2301.0, b.Close)

	_, err = next(t, ctx, q)
	assert.ErrorIs(t, err, feed.ErrDisconnected)

	b, err = next(t, ctx, q)
	require.NoError(t, err)
	assert.Equal(t, 2302.0, b.Close)
	assert.GreaterOrEqual(t, conns.Load(), int32(2))

	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(5 * time.Second):
		t.Fatal("subscriber did not stop")
	}
}

func TestDecodeTicks(t *testing.T) {
	s, err := New(Config{URL: "ws://unused", Timeframe: market.M1}, nil)
	require.NoError(t, err)

	_, ok, err := s.decode([]byte(`{"type":"tick","time":1714521600,"bid":2300,"ask":2300.3}`))
	require.NoError(t, err)
	assert.False(t, ok)
	_, ok, err = s.decode([]byte(`{"type":"tick","time":1714521630,"bid":2305,"ask":2305.3}`))
	require.NoError(t, err)
	assert.False(t, ok)

	b, ok, err := s.decode([]byte(`{"type":"tick","time":1714521660,"bid":2302,"ask":2302.3}`))
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, market.Bar{Time: time.Unix(1714521600, 0).UTC(), Open: 2300, High: 2305, Low: 2300, Close: 2305, Volume: 2}, b)
}

func TestDecodeTickBars(t *testing.T) {
	s, err := New(Config{URL: "ws://unused", TickBars: true}, nil)
	require.NoError(t, err)

	b, ok, err := s.decode([]byte(`{"type":"tick","time":1714521600,"bid":2300,"ask":2300.3}`))
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 2300.0, b.Open)
	assert.Equal(t, 2300.0, b.Close)
}

func TestDecodeTickBarsSubSecond(t *testing.T) {
	s, err := New(Config{URL: "ws://unused", TickBars: true}, nil)
	require.NoError(t, err)

	var times []time.Time
	for _, raw := range []string{
		`{"type":"tick","time":1714521600,"time_msc":1714521600100,"bid":2300,"ask":2300.3}`,
		`{"type":"tick","time":1714521600,"time_msc":1714521600600,"bid":2300.5,"ask":2300.8}`,
		`{"type":"tick","time":1714521600,"time_msc":1714521600600,"bid":2300.7,"ask":2301}`,
		`{"type":"tick","time":1714521601,"bid":2301,"ask":2301.3}`,
		`{"type":"tick","time":1714521601,"bid":2301.2,"ask":2301.5}`,
	} {
		b, ok, err := s.decode([]byte(raw))
		require.NoError(t, err, raw)
		if ok {
			times = append(times, b.Time)
		}
	}
	assert.Equal(t, []time.Time{
		time.UnixMilli(1714521600100).UTC(),
		time.UnixMilli(1714521600600).UTC(),
		time.Unix(1714521601, 0).UTC(),
	}, times)
}

func TestDecodeRejects(t *testing.T) {
	s, err := New(Config{URL: "ws://unused"}, nil)
	require.NoError(t, err)

	for _, raw := range []string{
		`{"type":"bar","time":0,"open":1,"high":1,"low":1,"close":1}`,
		`{"type":"bar","time":1714521600,"open":2300,"high":2290,"low":2280,"close":2301}`,
		`{"type":"tick","time":1714521600,"bid":2300,"ask":2299}`,
		`{"type":"depth","time":1714521600}`,
	} {
		_, ok, err := s.decode([]byte(raw))
		assert.Error(t, err, raw)
		assert.False(t, ok)
	}
}

func TestNewValidates(t *testing.T) {
	_, err := New(Config{}, nil)
	assert.Error(t, err)
	_, err = New(Config{URL: "ws://x", Timeframe: "W1"}, nil)
	assert.Error(t, err)
}
