// Package telemetry exposes the Prometheus metrics a running
// cmd/server instance publishes at /metrics: bars processed, rules
// fired, fills, rejected orders, and active backtest runs. Unlike a
// package-global registry, Metrics owns its own prometheus.Registry so
// tests can spin up an isolated instance without colliding with
// prometheus.DefaultRegisterer.
package telemetry

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds every counter/gauge/histogram the backtester and its
// API server update while a run is in flight.
type Metrics struct {
	registry *prometheus.Registry

	BarsProcessed   *prometheus.CounterVec
	RulesFired      *prometheus.CounterVec
	Fills           *prometheus.CounterVec
	OrdersRejected  *prometheus.CounterVec
	ActiveRuns      prometheus.Gauge
	RunDuration     *prometheus.HistogramVec
	WebsocketConns  prometheus.Gauge
}

// New builds a Metrics instance registered against a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		registry: reg,
		BarsProcessed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "backtester_bars_processed_total",
			Help: "Bars consumed by the bar-stepping runner, by symbol.",
		}, []string{"symbol"}),
		RulesFired: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "backtester_rules_fired_total",
			Help: "Strategy rules whose condition evaluated true, by rule name.",
		}, []string{"rule"}),
		Fills: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "backtester_fills_total",
			Help: "Orders filled by the executor, by symbol and direction.",
		}, []string{"symbol", "direction"}),
		OrdersRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "backtester_orders_rejected_total",
			Help: "Orders rejected by risk limits or constraints, by reason.",
		}, []string{"reason"}),
		ActiveRuns: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "backtester_active_runs",
			Help: "Backtest runs currently executing.",
		}),
		RunDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "backtester_run_duration_seconds",
			Help:    "Wall-clock duration of a completed backtest run.",
			Buckets: prometheus.DefBuckets,
		}, []string{"mode"}),
		WebsocketConns: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "backtester_websocket_connections",
			Help: "Currently connected progress-streaming WebSocket clients.",
		}),
	}

	reg.MustRegister(
		m.BarsProcessed,
		m.RulesFired,
		m.Fills,
		m.OrdersRejected,
		m.ActiveRuns,
		m.RunDuration,
		m.WebsocketConns,
	)

	return m
}

// Handler returns the HTTP handler that serves this instance's
// metrics in Prometheus text exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
