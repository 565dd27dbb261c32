package pipeline

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/o-tero/requestguard/monitoring"
	"github.com/o-tero/requestguard/pkg/cache"
	"github.com/o-tero/requestguard/pkg/models"
	"github.com/o-tero/requestguard/pkg/pubsub"
	"github.com/o-tero/requestguard/pkg/utils"
)

// Start launches the cache sweeper and the alert evaluator. Both stop when
// ctx is done or Stop is called. Starting a running pipeline is a no-op.
func (p *Pipeline) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	switch p.state {
	case stateRunning:
		return nil
	case stateStopped:
		return ErrStopped
	}

	ctx, p.cancel = context.WithCancel(ctx)
	p.sweeper.Start(ctx)
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		p.alerts.Run(ctx)
	}()
	p.state = stateRunning

	p.logger.Info("pipeline started", zap.Duration("sweep_interval", p.cfg.SweepInterval))
	return nil
}

// Stop halts background work and waits for it to drain. Evaluate keeps
// working afterwards; only Start is refused. Safe to call more than once.
func (p *Pipeline) Stop() {
	p.mu.Lock()
	if p.state == stateStopped {
		p.mu.Unlock()
		return
	}
	wasRunning := p.state == stateRunning
	p.state = stateStopped
	if p.cancel != nil {
		p.cancel()
	}
	p.mu.Unlock()

	if wasRunning {
		p.sweeper.Stop()
		p.alerts.Stop()
		p.wg.Wait()
	}
	if p.unsub != nil {
		p.unsub()
	}
	p.logger.Info("pipeline stopped")
}

// ReportOutcome records whether an authentication-style attempt by the client
// succeeded. Failures feed the repeated-failure detector; once it trips, the
// returned decision is a REPEATED_FAILURE deny and the client is blocked.
func (p *Pipeline) ReportOutcome(ctx context.Context, clientAddr string, success bool) models.Decision {
	ev := &evaluation{ctx: ctx, id: utils.NormalizeIdentity(clientAddr)}

	p.profiler.RecordOutcome(ev.id, success)
	v := p.detectors.Failures.Record(ev.id, success)
	if !v.Violated {
		return models.Allow(models.ReasonNone)
	}
	return p.blocked(ev, v)
}

// Unblock lifts any block on identity and clears its detector counters.
// identity is an address or an IPv6 /64 prefix as shown in admin output.
func (p *Pipeline) Unblock(ctx context.Context, identity string) (bool, error) {
	id := utils.ParseIdentity(identity)
	if id == utils.UnknownIdentity {
		return false, fmt.Errorf("invalid identity %q", identity)
	}
	existed := p.detectors.Reset(id)
	if existed {
		p.emitDetection(&evaluation{ctx: ctx, id: id}, models.EventManualUnblock, models.ReasonNone,
			models.SeverityInfo, "block lifted by operator", "", "")
	}
	return existed, nil
}

// ReloadSignatures replaces the active signature set from a YAML file and
// returns the new set's version. On error the previous set stays active.
func (p *Pipeline) ReloadSignatures(ctx context.Context, path string) (int, error) {
	if p.registry == nil {
		return 0, ErrCustomClassifier
	}
	set, err := p.registry.Reload(ctx, path)
	if err != nil {
		return 0, err
	}
	return set.Version(), nil
}

// Snapshot returns decision counters, store sizes and active alerts.
func (p *Pipeline) Snapshot() models.PipelineSnapshot {
	return models.PipelineSnapshot{
		Metrics:       p.metrics.Snapshot(),
		Caches:        p.cacheStats(),
		ActiveBlocks:  p.detectors.Blocks.Size(),
		ActiveAlerts:  p.alerts.ActiveRules(),
		EventsDropped: p.events.Dropped(),
		FailPolicy:    string(p.cfg.FailPolicy),
	}
}

// Health scores the pipeline over the alert window.
func (p *Pipeline) Health() monitoring.SystemHealth {
	return monitoring.CalculateHealth(
		p.metrics.Window(p.cfg.Monitoring.AlertWindow),
		p.metrics.LatencySummary(),
		p.cacheStats(),
		p.cfg.Monitoring,
	)
}

// Alerts returns the currently active alerts.
func (p *Pipeline) Alerts() []monitoring.Alert {
	return p.alerts.GetActiveAlerts()
}

// Bus returns the bus security events are published on.
func (p *Pipeline) Bus() *pubsub.Bus { return p.bus }

// Metrics exposes the decision metrics.
func (p *Pipeline) Metrics() *monitoring.Metrics { return p.metrics }

// Sweep runs one cleanup pass over every store now.
func (p *Pipeline) Sweep(ctx context.Context) int {
	return p.sweeper.SweepOnce(ctx)
}

func (p *Pipeline) stores() []cache.Store {
	return append([]cache.Store{p.correlator.Store(), p.profiler.Store()}, p.detectors.Stores()...)
}

func (p *Pipeline) cacheStats() []models.CacheStats {
	stores := p.stores()
	stats := make([]models.CacheStats, len(stores))
	for i, s := range stores {
		stats[i] = s.Stats()
	}
	return stats
}

// emitDetection publishes a detection event with user-controlled fields
// redacted and the client fingerprinted.
func (p *Pipeline) emitDetection(ev *evaluation, typ models.EventType, reason models.ReasonCode,
	sev models.Severity, summary, excerpt, pattern string) {
	e := models.NewSecurityEvent(p.clock.Now(), typ, sev, reason, utils.Redact(summary))
	e.ClientID = utils.Fingerprint(ev.id)
	e.RequestID = ev.req.RequestID
	e.Excerpt = utils.Redact(excerpt)
	e.Pattern = utils.Redact(pattern)
	p.events.emit(ev.ctx, pubsub.TopicDetection, e)
}

func (p *Pipeline) emitDecision(ev *evaluation, d models.Decision) {
	reason := d.Reason
	summary := "denied: " + string(d.Reason)
	if d.Allowed {
		reason = d.Warning
		summary = "allowed"
		if d.Warning != models.ReasonNone {
			summary = "allowed with warning: " + string(d.Warning)
		}
	}
	e := models.NewSecurityEvent(p.clock.Now(), models.EventDecision, models.SeverityFor(reason), reason, summary)
	e.ClientID = utils.Fingerprint(ev.id)
	e.RequestID = ev.req.RequestID
	e.Allowed = d.Allowed
	p.events.emit(ev.ctx, pubsub.TopicDecision, e)
}
