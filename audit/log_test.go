package audit

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/o-tero/requestguard/pkg/models"
	"github.com/o-tero/requestguard/pkg/pubsub"
)

var epoch = time.Unix(1_700_000_000, 0).UTC()

func event(offset time.Duration, typ models.EventType, reason models.ReasonCode) models.SecurityEvent {
	return models.NewSecurityEvent(epoch.Add(offset), typ, models.SeverityFor(reason), reason, string(reason))
}

func newTestLog(t *testing.T, capacity int) *Log {
	t.Helper()
	l, err := New(capacity, zaptest.NewLogger(t))
	require.NoError(t, err)
	return l
}

func TestNew_InvalidCapacity(t *testing.T) {
	_, err := New(0, nil)
	assert.ErrorIs(t, err, ErrInvalidCapacity)
}

func TestLog_InsertAndRecent(t *testing.T) {
	l := newTestLog(t, 10)

	for i := 0; i < 5; i++ {
		seq, ok := l.Insert(pubsub.TopicDetection, event(time.Duration(i)*time.Second, models.EventThreat, models.ThreatReason("xss")))
		assert.True(t, ok)
		assert.Equal(t, uint64(i+1), seq)
	}

	recent := l.GetRecent(3, 0, "")
	require.Len(t, recent, 3)
	assert.Equal(t, uint64(5), recent[0].Seq, "newest first")
	assert.Equal(t, uint64(3), recent[2].Seq)

	page := l.GetRecent(3, 3, "")
	require.Len(t, page, 2)
	assert.Equal(t, uint64(2), page[0].Seq)

	assert.Empty(t, l.GetRecent(0, 0, ""))
}

func TestLog_DuplicateIDIgnored(t *testing.T) {
	l := newTestLog(t, 10)
	ev := event(0, models.EventBlockIssued, models.ReasonBurstDetected)

	_, ok := l.Insert(pubsub.TopicDetection, ev)
	require.True(t, ok)
	_, ok = l.Insert(pubsub.TopicDetection, ev)
	assert.False(t, ok)
	assert.Equal(t, 1, l.Len())
}

func TestLog_BoundedRing(t *testing.T) {
	l := newTestLog(t, 3)
	var first models.SecurityEvent
	for i := 0; i < 5; i++ {
		ev := event(time.Duration(i)*time.Second, models.EventDecision, models.ReasonNone)
		if i == 0 {
			first = ev
		}
		l.Insert(pubsub.TopicDecision, ev)
	}

	assert.Equal(t, 3, l.Len())
	assert.Equal(t, uint64(2), l.Overwritten())
	all := l.GetRecent(10, 0, "")
	require.Len(t, all, 3)
	assert.Equal(t, uint64(3), all[2].Seq)

	// the overwritten event's ID is free again
	_, ok := l.Insert(pubsub.TopicDecision, first)
	assert.True(t, ok)
}

func TestLog_Queries(t *testing.T) {
	l := newTestLog(t, 100)

	threat := event(0, models.EventThreat, models.ThreatReason("sqli"))
	threat.RequestID = "req-1"
	l.Insert(pubsub.TopicDetection, threat)

	decision := event(time.Second, models.EventDecision, models.ThreatReason("sqli"))
	decision.RequestID = "req-1"
	l.Insert(pubsub.TopicDecision, decision)

	l.Insert(pubsub.TopicDetection, event(10*time.Second, models.EventBlockIssued, models.ReasonRateLimitViolation))
	l.Insert(pubsub.TopicDetection, event(20*time.Second, models.EventSequence, models.ReasonSequenceAttack))

	assert.Equal(t, 4, l.GetCount(""))
	assert.Equal(t, 1, l.GetCount(models.EventThreat))

	byReq := l.GetByRequestID("req-1")
	require.Len(t, byReq, 2)
	assert.Equal(t, pubsub.TopicDecision, byReq[0].Topic)
	assert.Empty(t, l.GetByRequestID(""))

	inRange := l.GetByTimeRange(epoch.Add(time.Second), epoch.Add(10*time.Second), 10)
	require.Len(t, inRange, 2)
	assert.Equal(t, models.EventBlockIssued, inRange[0].Event.Type)
	assert.Len(t, l.GetByTimeRange(epoch, epoch.Add(time.Minute), 1), 1)

	typed := l.GetRecent(10, 0, models.EventSequence)
	require.Len(t, typed, 1)
	assert.Equal(t, models.ReasonSequenceAttack, typed[0].Event.Reason)
}

func TestLog_Stats(t *testing.T) {
	l := newTestLog(t, 100)
	l.Insert(pubsub.TopicDetection, event(0, models.EventThreat, models.ThreatReason("xss")))
	l.Insert(pubsub.TopicDetection, event(time.Second, models.EventThreat, models.ThreatReason("xss")))
	l.Insert(pubsub.TopicDetection, event(2*time.Second, models.EventBlockIssued, models.ReasonBurstDetected))
	l.Insert(pubsub.TopicDecision, event(3*time.Second, models.EventDecision, models.ReasonNone))

	stats := l.GetStats(epoch)
	assert.Equal(t, int64(4), stats.Total)
	assert.Equal(t, int64(2), stats.ByType[models.EventThreat])
	assert.Equal(t, int64(1), stats.BySeverity[models.SeverityCritical])
	assert.Equal(t, int64(1), stats.BySeverity[models.SeverityInfo])
	assert.Equal(t, models.ThreatReason("xss"), stats.MostFrequentReason)
	assert.Greater(t, stats.EncodedBytes, int64(0))

	later := l.GetStats(epoch.Add(2 * time.Second))
	assert.Equal(t, int64(2), later.Total)
	assert.Equal(t, models.ReasonBurstDetected, later.MostFrequentReason)
	assert.Less(t, later.EncodedBytes, stats.EncodedBytes)
}

func TestLog_Cleanup(t *testing.T) {
	l := newTestLog(t, 10)
	for i := 0; i < 6; i++ {
		l.Insert(pubsub.TopicDecision, event(time.Duration(i)*time.Minute, models.EventDecision, models.ReasonNone))
	}

	removed := l.Cleanup(epoch.Add(5*time.Minute), 2*time.Minute)
	assert.Equal(t, 3, removed)
	assert.Equal(t, 3, l.Len())
	assert.Equal(t, 0, l.Cleanup(epoch.Add(5*time.Minute), 2*time.Minute))

	// the ring keeps working after the head moved
	for i := 0; i < 10; i++ {
		l.Insert(pubsub.TopicDecision, event(time.Hour+time.Duration(i)*time.Second, models.EventDecision, models.ReasonNone))
	}
	assert.Equal(t, 10, l.Len())
	assert.Equal(t, epoch.Add(time.Hour+9*time.Second), l.GetRecent(1, 0, "")[0].Event.Timestamp)
}

func TestLog_Subscribe(t *testing.T) {
	l := newTestLog(t, 10)
	bus := pubsub.NewBus(zaptest.NewLogger(t))

	unsub, err := l.Subscribe(bus)
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, bus.Publish(ctx, pubsub.NewEnvelope(pubsub.TopicDecision, event(0, models.EventDecision, models.ReasonNone), epoch)))
	require.NoError(t, bus.Publish(ctx, pubsub.NewEnvelope(pubsub.TopicDetection, event(0, models.EventThreat, models.ThreatReason("rce")), epoch)))
	assert.Equal(t, 2, l.Len())

	_, err = l.Subscribe(bus)
	assert.Error(t, err, "name already taken")

	unsub()
	require.NoError(t, bus.Publish(ctx, pubsub.NewEnvelope(pubsub.TopicDecision, event(0, models.EventDecision, models.ReasonNone), epoch)))
	assert.Equal(t, 2, l.Len())
}

func TestLog_Concurrency(t *testing.T) {
	l := newTestLog(t, 50)

	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 100; i++ {
				l.Insert(pubsub.TopicDecision, event(0, models.EventDecision, models.ReasonNone))
				_ = l.GetRecent(5, 0, "")
				_ = l.GetStats(epoch)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 50, l.Len())
	assert.Equal(t, uint64(750), l.Overwritten())
}
