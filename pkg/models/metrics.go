package models

import (
	"math"
	"sort"
	"time"
)

// MetricSnapshot is a point-in-time view of pipeline decision counters.
//
// Design: plain values only, so a snapshot can be copied and serialized
// without holding any lock of the collector that produced it.
type MetricSnapshot struct {
	Timestamp time.Time `json:"timestamp"`

	// Counter metrics
	Evaluated    uint64 `json:"evaluated"`
	Allowed      uint64 `json:"allowed"`
	Denied       uint64 `json:"denied"`
	Warned       uint64 `json:"warned"`
	SystemErrors uint64 `json:"system_errors"`

	// Denials broken down by reason code
	ByReason map[ReasonCode]uint64 `json:"by_reason,omitempty"`

	// Evaluation latency
	Latency LatencySummary `json:"latency"`

	// Derived metrics
	DenyRate  float64 `json:"deny_rate"`
	ErrorRate float64 `json:"error_rate"`
}

// LatencySummary provides statistical summary of latency measurements.
//
// Thread Safety: Caller must synchronize access.
type LatencySummary struct {
	Count uint64        `json:"count"`
	Sum   time.Duration `json:"sum"`
	Min   time.Duration `json:"min"`
	Max   time.Duration `json:"max"`
	P50   time.Duration `json:"p50"`
	P90   time.Duration `json:"p90"`
	P95   time.Duration `json:"p95"`
	P99   time.Duration `json:"p99"`
}

// CacheStats describes one bounded store.
type CacheStats struct {
	Name        string `json:"name"`
	Size        int    `json:"size"`
	Capacity    int    `json:"capacity"`
	Evictions   uint64 `json:"evictions"`
	Expirations uint64 `json:"expirations"`
}

// Utilization returns Size/Capacity in [0,1].
func (c CacheStats) Utilization() float64 {
	if c.Capacity <= 0 {
		return 0
	}
	return float64(c.Size) / float64(c.Capacity)
}

// PipelineSnapshot is what the admin stats endpoint returns.
type PipelineSnapshot struct {
	Metrics       MetricSnapshot `json:"metrics"`
	Caches        []CacheStats   `json:"caches"`
	ActiveBlocks  int            `json:"active_blocks"`
	ActiveAlerts  []string       `json:"active_alerts,omitempty"`
	EventsDropped uint64         `json:"events_dropped"`
	FailPolicy    string         `json:"fail_policy"`
}

// NewMetricSnapshot creates a snapshot with derived fields filled in.
// byReason is copied.
func NewMetricSnapshot(allowed, denied, warned, systemErrors uint64, byReason map[ReasonCode]uint64, latency LatencySummary) MetricSnapshot {
	s := MetricSnapshot{
		Timestamp:    time.Now(),
		Evaluated:    allowed + denied,
		Allowed:      allowed,
		Denied:       denied,
		Warned:       warned,
		SystemErrors: systemErrors,
		ByReason:     copyReasons(byReason),
		Latency:      latency,
	}
	s.derive()
	return s
}

// TotalRequests returns the number of evaluated requests.
func (m *MetricSnapshot) TotalRequests() uint64 {
	return m.Allowed + m.Denied
}

func (m *MetricSnapshot) derive() {
	total := m.TotalRequests()
	m.DenyRate, m.ErrorRate = 0, 0
	if total > 0 {
		m.DenyRate = float64(m.Denied) / float64(total)
		m.ErrorRate = float64(m.SystemErrors) / float64(total)
	}
}

func copyReasons(in map[ReasonCode]uint64) map[ReasonCode]uint64 {
	if len(in) == 0 {
		return nil
	}
	out := make(map[ReasonCode]uint64, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

// CalculateLatencySummary computes a latency summary from raw samples.
// Complexity: O(n log n).
func CalculateLatencySummary(samples []time.Duration) LatencySummary {
	if len(samples) == 0 {
		return LatencySummary{}
	}

	sorted := make([]time.Duration, len(samples))
	copy(sorted, samples)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	var sum time.Duration
	for _, sample := range sorted {
		sum += sample
	}

	return LatencySummary{
		Count: uint64(len(sorted)),
		Sum:   sum,
		Min:   sorted[0],
		Max:   sorted[len(sorted)-1],
		P50:   percentileDuration(sorted, 0.50),
		P90:   percentileDuration(sorted, 0.90),
		P95:   percentileDuration(sorted, 0.95),
		P99:   percentileDuration(sorted, 0.99),
	}
}

// AvgLatency returns the average latency.
func (ls *LatencySummary) AvgLatency() time.Duration {
	if ls.Count == 0 {
		return 0
	}
	return ls.Sum / time.Duration(ls.Count)
}

// percentileDuration assumes samples is sorted.
func percentileDuration(samples []time.Duration, p float64) time.Duration {
	if len(samples) == 0 {
		return 0
	}

	index := p * float64(len(samples)-1)
	lower := int(math.Floor(index))
	upper := int(math.Ceil(index))

	if lower == upper {
		return samples[lower]
	}

	weight := index - float64(lower)
	return time.Duration(float64(samples[lower])*(1-weight) + float64(samples[upper])*weight)
}
