package monitoring

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/o-tero/requestguard/pkg/models"
)

const namespace = "requestguard"

// SnapshotSource supplies a point-in-time pipeline view.
type SnapshotSource interface {
	Snapshot() models.PipelineSnapshot
}

// Collector exposes pipeline snapshots as Prometheus metrics. Values are read
// at scrape time, so nothing is double counted and no state is kept here.
type Collector struct {
	source SnapshotSource

	decisions    *prometheus.Desc
	denials      *prometheus.Desc
	systemErrors *prometheus.Desc
	latency      *prometheus.Desc
	cacheSize    *prometheus.Desc
	cacheCap     *prometheus.Desc
	evictions    *prometheus.Desc
	expirations  *prometheus.Desc
	activeBlocks *prometheus.Desc
	activeAlerts *prometheus.Desc
	dropped      *prometheus.Desc
}

// NewCollector creates a collector reading from source.
func NewCollector(source SnapshotSource) *Collector {
	return &Collector{
		source: source,
		decisions: prometheus.NewDesc(namespace+"_decisions_total",
			"Pipeline decisions by outcome.", []string{"outcome"}, nil),
		denials: prometheus.NewDesc(namespace+"_denials_total",
			"Denied requests by reason code.", []string{"reason"}, nil),
		systemErrors: prometheus.NewDesc(namespace+"_system_errors_total",
			"Evaluations that failed internally.", nil, nil),
		latency: prometheus.NewDesc(namespace+"_evaluation_latency_seconds",
			"Evaluation latency over the retained samples.", nil, nil),
		cacheSize: prometheus.NewDesc(namespace+"_cache_entries",
			"Entries held by each bounded store.", []string{"cache"}, nil),
		cacheCap: prometheus.NewDesc(namespace+"_cache_capacity",
			"Capacity of each bounded store.", []string{"cache"}, nil),
		evictions: prometheus.NewDesc(namespace+"_cache_evictions_total",
			"LRU evictions per bounded store.", []string{"cache"}, nil),
		expirations: prometheus.NewDesc(namespace+"_cache_expirations_total",
			"TTL expirations per bounded store.", []string{"cache"}, nil),
		activeBlocks: prometheus.NewDesc(namespace+"_block_records",
			"Block records currently stored.", nil, nil),
		activeAlerts: prometheus.NewDesc(namespace+"_active_alerts",
			"Alerts currently firing.", nil, nil),
		dropped: prometheus.NewDesc(namespace+"_log_events_dropped_total",
			"Security event log lines suppressed by throttling.", nil, nil),
	}
}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	for _, d := range []*prometheus.Desc{
		c.decisions, c.denials, c.systemErrors, c.latency, c.cacheSize,
		c.cacheCap, c.evictions, c.expirations, c.activeBlocks, c.activeAlerts, c.dropped,
	} {
		ch <- d
	}
}

// Collect implements prometheus.Collector.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	snap := c.source.Snapshot()
	m := snap.Metrics

	ch <- prometheus.MustNewConstMetric(c.decisions, prometheus.CounterValue, float64(m.Allowed), "allowed")
	ch <- prometheus.MustNewConstMetric(c.decisions, prometheus.CounterValue, float64(m.Denied), "denied")
	ch <- prometheus.MustNewConstMetric(c.decisions, prometheus.CounterValue, float64(m.Warned), "warned")
	for reason, n := range m.ByReason {
		ch <- prometheus.MustNewConstMetric(c.denials, prometheus.CounterValue, float64(n), string(reason))
	}
	ch <- prometheus.MustNewConstMetric(c.systemErrors, prometheus.CounterValue, float64(m.SystemErrors))
	ch <- prometheus.MustNewConstSummary(c.latency, m.Latency.Count, m.Latency.Sum.Seconds(), map[float64]float64{
		0.5:  m.Latency.P50.Seconds(),
		0.9:  m.Latency.P90.Seconds(),
		0.95: m.Latency.P95.Seconds(),
		0.99: m.Latency.P99.Seconds(),
	})

	for _, cs := range snap.Caches {
		ch <- prometheus.MustNewConstMetric(c.cacheSize, prometheus.GaugeValue, float64(cs.Size), cs.Name)
		ch <- prometheus.MustNewConstMetric(c.cacheCap, prometheus.GaugeValue, float64(cs.Capacity), cs.Name)
		ch <- prometheus.MustNewConstMetric(c.evictions, prometheus.CounterValue, float64(cs.Evictions), cs.Name)
		ch <- prometheus.MustNewConstMetric(c.expirations, prometheus.CounterValue, float64(cs.Expirations), cs.Name)
	}

	ch <- prometheus.MustNewConstMetric(c.activeBlocks, prometheus.GaugeValue, float64(snap.ActiveBlocks))
	ch <- prometheus.MustNewConstMetric(c.activeAlerts, prometheus.GaugeValue, float64(len(snap.ActiveAlerts)))
	ch <- prometheus.MustNewConstMetric(c.dropped, prometheus.CounterValue, float64(snap.EventsDropped))
}
