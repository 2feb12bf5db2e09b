// Package telemetry exposes engine counters and gauges in Prometheus
// format.
package telemetry

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics bundles the engine's instruments on a private registry so
// tests can run side by side without collisions.
type Metrics struct {
	registry *prometheus.Registry

	TradesOpened    *prometheus.CounterVec
	TradesClosed    *prometheus.CounterVec
	Rejections      *prometheus.CounterVec
	Halts           *prometheus.CounterVec
	CycleErrors     prometheus.Counter
	BacktestRuns    prometheus.Counter
	Equity          prometheus.Gauge
	Drawdown        prometheus.Gauge
	OpenPositions   prometheus.Gauge
	RegimeByLabel   *prometheus.GaugeVec
	CycleDuration   prometheus.Histogram
}

// New creates the metric set on a fresh registry.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		TradesOpened: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "trading", Name: "trades_opened_total",
			Help: "Positions opened, by strategy.",
		}, []string{"strategy"}),
		TradesClosed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "trading", Name: "trades_closed_total",
			Help: "Positions closed, by strategy and exit reason.",
		}, []string{"strategy", "reason"}),
		Rejections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "trading", Name: "entries_rejected_total",
			Help: "Entries rejected by the governor, by reason.",
		}, []string{"reason"}),
		Halts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "trading", Name: "halts_total",
			Help: "Trading halts, by reason.",
		}, []string{"reason"}),
		CycleErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "trading", Name: "cycle_errors_total",
			Help: "Live cycle failures.",
		}),
		BacktestRuns: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "trading", Name: "backtest_runs_total",
			Help: "Completed backtest runs.",
		}),
		Equity: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "trading", Name: "equity",
			Help: "Current account equity.",
		}),
		Drawdown: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "trading", Name: "drawdown",
			Help: "Current drawdown from peak equity, as a fraction.",
		}),
		OpenPositions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "trading", Name: "open_positions",
			Help: "Open position count.",
		}),
		RegimeByLabel: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "trading", Name: "regime",
			Help: "Current regime, one-hot by label.",
		}, []string{"label"}),
		CycleDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "trading", Name: "cycle_duration_seconds",
			Help:    "Live cycle wall time.",
			Buckets: prometheus.DefBuckets,
		}),
	}

	m.registry.MustRegister(
		m.TradesOpened, m.TradesClosed, m.Rejections, m.Halts,
		m.CycleErrors, m.BacktestRuns,
		m.Equity, m.Drawdown, m.OpenPositions, m.RegimeByLabel,
		m.CycleDuration,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// SetRegime flips the one-hot regime gauge to the given label.
func (m *Metrics) SetRegime(label string) {
	m.RegimeByLabel.Reset()
	m.RegimeByLabel.WithLabelValues(label).Set(1)
}

// Handler serves the registry in Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
