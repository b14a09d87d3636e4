package metrics

import (
	"errors"
	"fmt"
	"io"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rustyeddy/xautrader/broker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResult(t *testing.T) {
	tests := []struct {
		err  error
		want string
	}{
		{nil, "ok"},
		{fmt.Errorf("submit: %w", broker.ErrRejected), "rejected"},
		{broker.ErrTimeout, "timeout"},
		{broker.ErrNotFound, "not_found"},
		{broker.ErrConnectionLost, "connection_lost"},
		{errors.New("other"), "error"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, Result(tt.err))
	}
}

func TestObserveOrder(t *testing.T) {
	before := testutil.ToFloat64(OrdersTotal.WithLabelValues("entry", "rejected"))
	ObserveOrder("entry", broker.ErrRejected)
	assert.Equal(t, before+1, testutil.ToFloat64(OrdersTotal.WithLabelValues("entry", "rejected")))
}

func TestSetState(t *testing.T) {
	all := []string{"idle", "open"}
	SetState("open", all)
	assert.Equal(t, 1.0, testutil.ToFloat64(PositionState.WithLabelValues("open")))
	assert.Equal(t, 0.0, testutil.ToFloat64(PositionState.WithLabelValues("idle")))
}

func TestHandlerExposesMetrics(t *testing.T) {
	BarsTotal.WithLabelValues("XAU_USD").Inc()

	mfs, err := prometheus.DefaultGatherer.Gather()
	require.NoError(t, err)
	found := false
	for _, mf := range mfs {
		if mf.GetName() == "xautrader_bars_total" {
			found = true
			break
		}
	}
	assert.True(t, found)

	srv := httptest.NewServer(promhttp.Handler())
	defer srv.Close()
	resp, err := srv.Client().Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "xautrader_bars_total")
}

func TestServe(t *testing.T) {
	srv := Serve("127.0.0.1:0")
	require.NotNil(t, srv)
	assert.NoError(t, srv.Close())
}
