package engine

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics are the engine's Prometheus instruments.
type Metrics struct {
	Ticks        prometheus.Counter
	Fills        prometheus.Counter
	Rejections   *prometheus.CounterVec
	ClosedTrades prometheus.Counter
	WeightResets prometheus.Counter
	Anomalies    *prometheus.CounterVec
	Equity       prometheus.Gauge
	Cash         prometheus.Gauge
}

// NewMetrics builds and registers the engine instruments on reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Ticks: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "papertrader",
			Name:      "ticks_total",
			Help:      "Bars processed by the engine loop.",
		}),
		Fills: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "papertrader",
			Name:      "fills_total",
			Help:      "Orders filled by the simulated broker.",
		}),
		Rejections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "papertrader",
			Name:      "rejections_total",
			Help:      "Orders rejected by the simulated broker, by reason.",
		}, []string{"reason"}),
		ClosedTrades: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "papertrader",
			Name:      "closed_trades_total",
			Help:      "Entry/exit pairs matched by the trade analyzer.",
		}),
		WeightResets: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "papertrader",
			Name:      "weight_resets_total",
			Help:      "Degenerate weight vectors recovered to uniform.",
		}),
		Anomalies: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "papertrader",
			Name:      "anomalies_total",
			Help:      "Anomalies flagged by the analyzer and learning layer, by kind.",
		}, []string{"kind"}),
		Equity: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "papertrader",
			Name:      "equity",
			Help:      "Current portfolio equity.",
		}),
		Cash: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "papertrader",
			Name:      "cash",
			Help:      "Current cash balance.",
		}),
	}

	reg.MustRegister(m.Ticks, m.Fills, m.Rejections, m.ClosedTrades, m.WeightResets, m.Anomalies, m.Equity, m.Cash)
	return m
}
