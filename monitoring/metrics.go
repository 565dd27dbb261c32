package monitoring

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/o-tero/requestguard/pkg/cache"
	"github.com/o-tero/requestguard/pkg/models"
	"github.com/o-tero/requestguard/pkg/pubsub"
)

// Metrics collects pipeline decision metrics.
//
// Design: atomic counters for totals, a bounded ring buffer for latency
// samples and a per-second TimeSeries for windowed queries. Memory is bounded
// by the ring size and the series retention.
type Metrics struct {
	allowed      atomic.Uint64
	denied       atomic.Uint64
	warned       atomic.Uint64
	systemErrors atomic.Uint64

	mu       sync.Mutex
	byReason map[models.ReasonCode]uint64
	events   map[models.EventType]uint64

	latency *RingBuffer
	series  *TimeSeries
	clock   cache.Clock
}

// NewMetrics creates a collector.
func NewMetrics(cfg Config, clock cache.Clock) *Metrics {
	if clock == nil {
		clock = cache.SystemClock()
	}
	return &Metrics{
		byReason: make(map[models.ReasonCode]uint64),
		events:   make(map[models.EventType]uint64),
		latency:  NewRingBuffer(cfg.LatencySamples),
		series:   NewTimeSeries(cfg.Retention),
		clock:    clock,
	}
}

// RecordDecision records one pipeline decision. systemError marks decisions
// produced by an internal failure, which under fail-open are allowed.
// Complexity: O(1).
func (m *Metrics) RecordDecision(d models.Decision, systemError bool, latency time.Duration) {
	now := m.clock.Now()

	if d.Allowed {
		m.allowed.Add(1)
		if d.Warning != models.ReasonNone {
			m.warned.Add(1)
		}
	} else {
		m.denied.Add(1)
	}
	if systemError {
		m.systemErrors.Add(1)
	}
	if !d.Allowed {
		m.mu.Lock()
		m.byReason[d.Reason]++
		m.mu.Unlock()
	}

	m.latency.Add(latency, now)
	m.series.Add(now, func(b *Bucket) {
		b.Requests++
		if !d.Allowed {
			b.Denied++
		} else if d.Warning != models.ReasonNone {
			b.Warned++
		}
		if systemError {
			b.SystemErrors++
		}
		if d.Reason == models.ReasonBurstDetected {
			b.Bursts++
		}
	})
}

// RecordEvent counts a security event by type.
func (m *Metrics) RecordEvent(ev models.SecurityEvent) {
	m.mu.Lock()
	m.events[ev.Type]++
	m.mu.Unlock()
}

// Subscribe counts every detection event published on bus.
func (m *Metrics) Subscribe(bus *pubsub.Bus) (func(), error) {
	unsub, err := bus.Subscribe(pubsub.TopicDetection, "monitoring-metrics", pubsub.SubscriptionConfig{
		Handler: func(_ context.Context, env pubsub.Envelope) error {
			m.RecordEvent(env.Event)
			return nil
		},
	})
	if err != nil {
		return nil, fmt.Errorf("monitoring subscribe: %w", err)
	}
	return unsub, nil
}

// Snapshot returns the current counters and latency summary.
func (m *Metrics) Snapshot() models.MetricSnapshot {
	m.mu.Lock()
	byReason := make(map[models.ReasonCode]uint64, len(m.byReason))
	for k, v := range m.byReason {
		byReason[k] = v
	}
	m.mu.Unlock()

	s := models.NewMetricSnapshot(
		m.allowed.Load(),
		m.denied.Load(),
		m.warned.Load(),
		m.systemErrors.Load(),
		byReason,
		m.LatencySummary(),
	)
	s.Timestamp = m.clock.Now()
	return s
}

// EventCounts returns detection events seen per type.
func (m *Metrics) EventCounts() map[models.EventType]uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[models.EventType]uint64, len(m.events))
	for k, v := range m.events {
		out[k] = v
	}
	return out
}

// LatencySummary summarizes the retained latency samples.
func (m *Metrics) LatencySummary() models.LatencySummary {
	samples := m.latency.GetAll()
	values := make([]time.Duration, len(samples))
	for i, s := range samples {
		values[i] = s.Value
	}
	return models.CalculateLatencySummary(values)
}

// Window aggregates the last d of decisions.
func (m *Metrics) Window(d time.Duration) WindowStats {
	end := m.clock.Now()
	return aggregate(m.series.GetRange(end.Add(-d), end), end.Add(-d), end)
}

func aggregate(buckets []Bucket, start, end time.Time) WindowStats {
	ws := WindowStats{Start: start, End: end}
	for _, b := range buckets {
		ws.Requests += b.Requests
		ws.Denied += b.Denied
		ws.Warned += b.Warned
		ws.SystemErrors += b.SystemErrors
		ws.Bursts += b.Bursts
	}
	if ws.Requests > 0 {
		ws.DenyRate = float64(ws.Denied) / float64(ws.Requests)
		ws.ErrorRate = float64(ws.SystemErrors) / float64(ws.Requests)
	}
	if secs := end.Sub(start).Seconds(); secs > 0 {
		ws.QPS = float64(ws.Requests) / secs
	}
	return ws
}

// RingBuffer is a fixed-size circular buffer of latency samples.
// Once full, each Add overwrites the oldest sample.
//
// Complexity: Add O(1), GetAll O(n) where n = buffer size.
type RingBuffer struct {
	mu     sync.Mutex
	buffer []Sample
	next   int
	full   bool
}

// Sample represents a single latency sample.
type Sample struct {
	Value     time.Duration
	Timestamp time.Time
}

// NewRingBuffer creates a new ring buffer.
func NewRingBuffer(size int) *RingBuffer {
	if size <= 0 {
		size = 1
	}
	return &RingBuffer{buffer: make([]Sample, size)}
}

// Add adds a sample to the ring buffer.
func (rb *RingBuffer) Add(value time.Duration, timestamp time.Time) {
	rb.mu.Lock()
	rb.buffer[rb.next] = Sample{Value: value, Timestamp: timestamp}
	rb.next = (rb.next + 1) % len(rb.buffer)
	if rb.next == 0 {
		rb.full = true
	}
	rb.mu.Unlock()
}

// GetAll returns all samples, oldest first.
func (rb *RingBuffer) GetAll() []Sample {
	rb.mu.Lock()
	defer rb.mu.Unlock()

	if !rb.full {
		return append([]Sample(nil), rb.buffer[:rb.next]...)
	}
	result := make([]Sample, 0, len(rb.buffer))
	result = append(result, rb.buffer[rb.next:]...)
	return append(result, rb.buffer[:rb.next]...)
}

// GetRecent returns samples newer than now-d.
func (rb *RingBuffer) GetRecent(now time.Time, d time.Duration) []Sample {
	cutoff := now.Add(-d)
	var result []Sample
	for _, s := range rb.GetAll() {
		if s.Timestamp.After(cutoff) {
			result = append(result, s)
		}
	}
	return result
}

// Len returns the number of stored samples.
func (rb *RingBuffer) Len() int {
	rb.mu.Lock()
	defer rb.mu.Unlock()
	if rb.full {
		return len(rb.buffer)
	}
	return rb.next
}

// TimeSeries stores decision counts in one-second buckets for windowed queries.
//
// Design: map of buckets keyed by unix second, with buckets older than the
// retention dropped at most once per second of series time.
type TimeSeries struct {
	mu          sync.Mutex
	buckets     map[int64]*Bucket
	retention   time.Duration
	lastCleanup time.Time
}

// Bucket holds counts for a one-second window.
type Bucket struct {
	Timestamp    time.Time
	Requests     int64
	Denied       int64
	Warned       int64
	SystemErrors int64
	Bursts       int64
}

// NewTimeSeries creates a new time series store.
func NewTimeSeries(retention time.Duration) *TimeSeries {
	return &TimeSeries{
		buckets:   make(map[int64]*Bucket),
		retention: retention,
	}
}

// Add applies fn to the bucket for at, creating it when needed.
// Complexity: O(1) amortized (occasional cleanup is O(n)).
func (ts *TimeSeries) Add(at time.Time, fn func(*Bucket)) {
	ts.mu.Lock()
	defer ts.mu.Unlock()

	key := at.Unix()
	bucket, ok := ts.buckets[key]
	if !ok {
		bucket = &Bucket{Timestamp: time.Unix(key, 0).UTC()}
		ts.buckets[key] = bucket
	}
	fn(bucket)

	if at.Sub(ts.lastCleanup) >= time.Second {
		ts.cleanup(at)
		ts.lastCleanup = at
	}
}

// GetRange returns copies of the buckets in [start, end], oldest first.
func (ts *TimeSeries) GetRange(start, end time.Time) []Bucket {
	ts.mu.Lock()
	defer ts.mu.Unlock()

	startKey, endKey := start.Unix(), end.Unix()
	result := make([]Bucket, 0)
	for key, bucket := range ts.buckets {
		if key >= startKey && key <= endKey {
			result = append(result, *bucket)
		}
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].Timestamp.Before(result[j].Timestamp)
	})
	return result
}

// Len returns the number of live buckets.
func (ts *TimeSeries) Len() int {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	return len(ts.buckets)
}

func (ts *TimeSeries) cleanup(now time.Time) {
	cutoff := now.Add(-ts.retention).Unix()
	for key := range ts.buckets {
		if key < cutoff {
			delete(ts.buckets, key)
		}
	}
}
