// Package metrics exposes trading counters and gauges to Prometheus.
package metrics

import (
	"context"
	"errors"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rustyeddy/xautrader/broker"
)

const namespace = "xautrader"

var (
	BarsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "bars_total", Help: "Bars processed"},
		[]string{"instrument"},
	)
	SignalsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "signals_total", Help: "Crossover signals by kind and outcome"},
		[]string{"kind", "outcome"},
	)
	OrdersTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "orders_total", Help: "Broker order calls by kind and result"},
		[]string{"kind", "result"},
	)
	TradesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "trades_total", Help: "Closed trades by exit reason"},
		[]string{"reason"},
	)
	RealizedPL = prometheus.NewGauge(
		prometheus.GaugeOpts{Namespace: namespace, Name: "realized_pl", Help: "Cumulative realized P/L net of commission"},
	)
	FloatingPL = prometheus.NewGauge(
		prometheus.GaugeOpts{Namespace: namespace, Name: "floating_pl", Help: "Unrealized P/L of the open position"},
	)
	PositionState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{Namespace: namespace, Name: "position_state", Help: "1 for the current lifecycle state"},
		[]string{"state"},
	)
	DataErrorsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{Namespace: namespace, Name: "data_errors_total", Help: "Bars skipped as malformed or out of order"},
	)
	FeedReconnectsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "feed_reconnects_total", Help: "Live feed reconnect attempts"},
		[]string{"feed"},
	)
)

func init() {
	prometheus.MustRegister(BarsTotal, SignalsTotal, OrdersTotal, TradesTotal,
		RealizedPL, FloatingPL, PositionState, DataErrorsTotal, FeedReconnectsTotal)
}

// Result classifies a broker call error for the result label.
func Result(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, broker.ErrRejected):
		return "rejected"
	case errors.Is(err, broker.ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	case errors.Is(err, broker.ErrNotFound):
		return "not_found"
	case errors.Is(err, broker.ErrConnectionLost):
		return "connection_lost"
	default:
		return "error"
	}
}

func ObserveOrder(kind string, err error) {
	OrdersTotal.WithLabelValues(kind, Result(err)).Inc()
}

// SetState marks state as current and clears the others.
func SetState(state string, all []string) {
	for _, s := range all {
		v := 0.0
		if s == state {
			v = 1
		}
		PositionState.WithLabelValues(s).Set(v)
	}
}

func Serve(addr string) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: addr, Handler: mux}
	go func() { _ = srv.ListenAndServe() }()
	return srv
}
