package pipeline

import (
	"context"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/o-tero/requestguard/pkg/cache"
	"github.com/o-tero/requestguard/pkg/models"
	"github.com/o-tero/requestguard/pkg/pubsub"
)

// emitter publishes security events on the bus and writes them to the log.
// Every event is published; log lines are throttled per event type so a
// flood of one kind cannot drown the others.
type emitter struct {
	logger *zap.Logger
	bus    *pubsub.Bus
	clock  cache.Clock

	limit rate.Limit
	burst int

	mu       sync.Mutex
	limiters map[models.EventType]*rate.Limiter

	dropped       atomic.Uint64
	publishErrors atomic.Uint64
}

func newEmitter(logger *zap.Logger, bus *pubsub.Bus, clock cache.Clock, perSecond float64, burst int) *emitter {
	return &emitter{
		logger:   logger.Named("events"),
		bus:      bus,
		clock:    clock,
		limit:    rate.Limit(perSecond),
		burst:    burst,
		limiters: make(map[models.EventType]*rate.Limiter),
	}
}

func (e *emitter) limiter(typ models.EventType) *rate.Limiter {
	e.mu.Lock()
	defer e.mu.Unlock()
	l, ok := e.limiters[typ]
	if !ok {
		l = rate.NewLimiter(e.limit, e.burst)
		e.limiters[typ] = l
	}
	return l
}

// emit publishes ev on topic and logs it unless its type is throttled.
func (e *emitter) emit(ctx context.Context, topic string, ev models.SecurityEvent) {
	if err := e.bus.Publish(ctx, pubsub.NewEnvelope(topic, ev, e.clock.Now())); err != nil {
		e.publishErrors.Add(1)
		e.logger.Error("event publish failed", zap.String("type", string(ev.Type)), zap.Error(err))
	}

	if !e.limiter(ev.Type).AllowN(e.clock.Now(), 1) {
		e.dropped.Add(1)
		return
	}

	fields := []zap.Field{
		zap.String("event_id", ev.ID),
		zap.Time("timestamp", ev.Timestamp),
		zap.String("type", string(ev.Type)),
		zap.String("severity", string(ev.Severity)),
		zap.String("reason_summary", ev.Summary),
	}
	if ev.Reason != models.ReasonNone {
		fields = append(fields, zap.String("reason", string(ev.Reason)))
	}
	if ev.ClientID != "" {
		fields = append(fields, zap.String("client", ev.ClientID))
	}
	if ev.RequestID != "" {
		fields = append(fields, zap.String("request_id", ev.RequestID))
	}
	if ev.Excerpt != "" {
		fields = append(fields, zap.String("excerpt", ev.Excerpt))
	}
	if ev.Pattern != "" {
		fields = append(fields, zap.String("pattern", ev.Pattern))
	}

	switch ev.Severity {
	case models.SeverityCritical, models.SeverityHigh:
		e.logger.Warn("security event", fields...)
	case models.SeverityMedium, models.SeverityLow:
		e.logger.Info("security event", fields...)
	default:
		e.logger.Debug("security event", fields...)
	}
}

// Dropped returns the number of log lines suppressed by throttling.
func (e *emitter) Dropped() uint64 { return e.dropped.Load() }
