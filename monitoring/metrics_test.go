package monitoring

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/o-tero/requestguard/pkg/cache"
	"github.com/o-tero/requestguard/pkg/models"
	"github.com/o-tero/requestguard/pkg/pubsub"
)

var epoch = time.Unix(1_700_000_000, 0)

func newTestMetrics() (*Metrics, *cache.FakeClock) {
	clock := cache.NewFakeClock(epoch)
	return NewMetrics(DefaultConfig(), clock), clock
}

func recordMix(m *Metrics) {
	m.RecordDecision(models.Allow(models.ReasonNone), false, time.Millisecond)
	m.RecordDecision(models.Allow(models.ReasonTrustScoreLow), false, 2*time.Millisecond)
	m.RecordDecision(models.Deny(models.ReasonRateLimitViolation, time.Hour), false, 3*time.Millisecond)
	m.RecordDecision(models.Deny(models.ReasonBurstDetected, 30*time.Minute), false, 4*time.Millisecond)
	m.RecordDecision(models.Deny(models.ReasonSystemError, 0), true, 5*time.Millisecond)
	// fail-open: allowed but still an internal failure
	m.RecordDecision(models.Allow(models.ReasonNone), true, 6*time.Millisecond)
}

func TestConfig_Validate(t *testing.T) {
	assert.NoError(t, DefaultConfig().Validate())

	tests := []struct {
		name   string
		mutate func(c *Config)
	}{
		{"latency samples", func(c *Config) { c.LatencySamples = 0 }},
		{"retention", func(c *Config) { c.Retention = 0 }},
		{"window beyond retention", func(c *Config) { c.AlertWindow = time.Hour }},
		{"min requests", func(c *Config) { c.MinRequests = 0 }},
		{"deny rate", func(c *Config) { c.DenyRateThreshold = 1.5 }},
		{"error rate", func(c *Config) { c.ErrorRateThreshold = 0 }},
		{"deviation", func(c *Config) { c.TrafficDeviation = -1 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(&cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestMetrics_RecordDecision(t *testing.T) {
	m, _ := newTestMetrics()
	recordMix(m)

	s := m.Snapshot()
	assert.Equal(t, uint64(6), s.Evaluated)
	assert.Equal(t, uint64(3), s.Allowed)
	assert.Equal(t, uint64(3), s.Denied)
	assert.Equal(t, uint64(1), s.Warned)
	assert.Equal(t, uint64(2), s.SystemErrors)
	assert.Equal(t, map[models.ReasonCode]uint64{
		models.ReasonRateLimitViolation: 1,
		models.ReasonBurstDetected:      1,
		models.ReasonSystemError:        1,
	}, s.ByReason)
	assert.InDelta(t, 0.5, s.DenyRate, 1e-9)
	assert.Equal(t, epoch, s.Timestamp)

	assert.Equal(t, uint64(6), s.Latency.Count)
	assert.Equal(t, time.Millisecond, s.Latency.Min)
	assert.Equal(t, 6*time.Millisecond, s.Latency.Max)
}

func TestMetrics_SnapshotIsACopy(t *testing.T) {
	m, _ := newTestMetrics()
	recordMix(m)

	s := m.Snapshot()
	s.ByReason[models.ReasonBurstDetected] = 99
	assert.Equal(t, uint64(1), m.Snapshot().ByReason[models.ReasonBurstDetected])
}

func TestMetrics_Window(t *testing.T) {
	m, clock := newTestMetrics()
	recordMix(m)

	ws := m.Window(time.Minute)
	assert.Equal(t, int64(6), ws.Requests)
	assert.Equal(t, int64(3), ws.Denied)
	assert.Equal(t, int64(1), ws.Warned)
	assert.Equal(t, int64(2), ws.SystemErrors)
	assert.Equal(t, int64(1), ws.Bursts)
	assert.InDelta(t, 0.5, ws.DenyRate, 1e-9)
	assert.InDelta(t, 0.1, ws.QPS, 1e-9)

	clock.Advance(2 * time.Minute)
	ws = m.Window(time.Minute)
	assert.Zero(t, ws.Requests)
	assert.Zero(t, ws.DenyRate)

	// lifetime counters are unaffected by the window
	assert.Equal(t, uint64(6), m.Snapshot().Evaluated)
}

func TestMetrics_Subscribe(t *testing.T) {
	m, _ := newTestMetrics()
	bus := pubsub.NewBus(zaptest.NewLogger(t))

	unsub, err := m.Subscribe(bus)
	require.NoError(t, err)

	publish := func(typ models.EventType) {
		ev := models.NewSecurityEvent(epoch, typ, models.SeverityHigh, models.ReasonSequenceAttack, "split payload")
		require.NoError(t, bus.Publish(context.Background(), pubsub.NewEnvelope(pubsub.TopicDetection, ev, epoch)))
	}
	publish(models.EventSequence)
	publish(models.EventSequence)
	publish(models.EventBlockIssued)

	assert.Equal(t, map[models.EventType]uint64{
		models.EventSequence:    2,
		models.EventBlockIssued: 1,
	}, m.EventCounts())

	unsub()
	publish(models.EventSequence)
	assert.Equal(t, uint64(2), m.EventCounts()[models.EventSequence])

	_, err = m.Subscribe(bus)
	require.NoError(t, err)
	_, err = m.Subscribe(bus)
	assert.Error(t, err, "duplicate subscription name")
}

func TestMetrics_Concurrency(t *testing.T) {
	m, _ := newTestMetrics()

	var wg sync.WaitGroup
	for g := 0; g < 10; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 100; i++ {
				m.RecordDecision(models.Deny(models.ReasonIPBlocked, time.Minute), false, time.Microsecond)
				_ = m.Snapshot()
				_ = m.Window(time.Minute)
			}
		}()
	}
	wg.Wait()

	s := m.Snapshot()
	assert.Equal(t, uint64(1000), s.Denied)
	assert.Equal(t, uint64(1000), s.ByReason[models.ReasonIPBlocked])
}

func TestRingBuffer(t *testing.T) {
	rb := NewRingBuffer(3)
	assert.Empty(t, rb.GetAll())

	for i := 1; i <= 5; i++ {
		rb.Add(time.Duration(i)*time.Millisecond, epoch.Add(time.Duration(i)*time.Second))
	}
	assert.Equal(t, 3, rb.Len())

	all := rb.GetAll()
	require.Len(t, all, 3)
	assert.Equal(t, 3*time.Millisecond, all[0].Value, "oldest first")
	assert.Equal(t, 5*time.Millisecond, all[2].Value)

	recent := rb.GetRecent(epoch.Add(5*time.Second), 1500*time.Millisecond)
	require.Len(t, recent, 2)
	assert.Equal(t, 4*time.Millisecond, recent[0].Value)
}

func TestTimeSeries_Retention(t *testing.T) {
	ts := NewTimeSeries(10 * time.Second)

	ts.Add(epoch, func(b *Bucket) { b.Requests++ })
	ts.Add(epoch, func(b *Bucket) { b.Requests++ })
	ts.Add(epoch.Add(5*time.Second), func(b *Bucket) { b.Denied++ })
	assert.Equal(t, 2, ts.Len())

	got := ts.GetRange(epoch, epoch.Add(5*time.Second))
	require.Len(t, got, 2)
	assert.Equal(t, int64(2), got[0].Requests)
	assert.Equal(t, int64(1), got[1].Denied)

	// returned buckets are copies
	got[0].Requests = 100
	assert.Equal(t, int64(2), ts.GetRange(epoch, epoch)[0].Requests)

	ts.Add(epoch.Add(20*time.Second), func(b *Bucket) { b.Requests++ })
	assert.Equal(t, 1, ts.Len())
	assert.Empty(t, ts.GetRange(epoch, epoch.Add(5*time.Second)))
}
