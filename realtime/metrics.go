package realtime

import (
	"github.com/prometheus/client_golang/prometheus"
)

const metricsNamespace = "tablesync"

// Collector is a prometheus.Collector reporting the sync status of an
// Aggregator.
type Collector struct {
	tableConnected *prometheus.GaugeVec
	syncPercent    prometheus.Gauge
	resyncs        *prometheus.CounterVec
	changes        *prometheus.CounterVec
}

// NewMetricsCollector returns a new Collector.
func NewMetricsCollector() *Collector {
	return &Collector{
		tableConnected: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: metricsNamespace,
				Name:      "table_connected",
				Help:      "Whether the change feed of a table is connected (1) or not (0).",
			}, []string{"table"},
		),
		syncPercent: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: metricsNamespace,
				Name:      "sync_percent",
				Help:      "The percentage of tracked tables with a connected change feed.",
			},
		),
		resyncs: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "resyncs_total",
				Help:      "The number of resync requests, by outcome.",
			}, []string{"outcome"},
		),
		changes: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "changes_total",
				Help:      "The number of change events delivered, by table and type.",
			}, []string{"table", "type"},
		),
	}
}

func (c *Collector) observe(s Summary) {
	if c == nil {
		return
	}
	for _, t := range s.Tables {
		v := 0.0
		if t.Connected {
			v = 1
		}
		c.tableConnected.WithLabelValues(t.Table).Set(v)
	}
	c.syncPercent.Set(float64(s.Percent))
}

func (c *Collector) resync(outcome string) {
	if c == nil {
		return
	}
	c.resyncs.WithLabelValues(outcome).Inc()
}

func (c *Collector) change(table, kind string) {
	if c == nil {
		return
	}
	c.changes.WithLabelValues(table, kind).Inc()
}

// Describe is part of the prometheus.Collector interface.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	c.tableConnected.Describe(ch)
	c.syncPercent.Describe(ch)
	c.resyncs.Describe(ch)
	c.changes.Describe(ch)
}

// Collect is part of the prometheus.Collector interface.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	c.tableConnected.Collect(ch)
	c.syncPercent.Collect(ch)
	c.resyncs.Collect(ch)
	c.changes.Collect(ch)
}
