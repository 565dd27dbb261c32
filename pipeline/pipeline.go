// Package pipeline gates every inbound request through a fixed sequence of
// security stages and returns one allow/deny/warn decision.
//
// Stage order:
//  1. Block list lookup (an active block short-circuits everything)
//  2. Payload normalization
//  3. Signature classification, then the pluggable scorer
//  4. Cross-request sequence correlation
//  5. Burst detection, then the fixed-window rate limit
//  6. Behavior profiling and trust scoring
//
// Design Choices:
//   - One Pipeline owns every store; nothing is package-global, so tests and
//     multiple instances never share state
//   - Evaluation never blocks on I/O and never panics out: any stage failure
//     becomes exactly one SYSTEM_ERROR outcome, resolved by a single
//     process-wide FailPolicy
//   - State mutated before a failure or a cancelled request is kept
//   - Decisions carry only reason codes; matched signatures, payload excerpts
//     and scores go to redacted security events
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/o-tero/requestguard/classifier"
	"github.com/o-tero/requestguard/correlator"
	"github.com/o-tero/requestguard/limiter"
	"github.com/o-tero/requestguard/monitoring"
	"github.com/o-tero/requestguard/normalizer"
	"github.com/o-tero/requestguard/pkg/cache"
	"github.com/o-tero/requestguard/pkg/models"
	"github.com/o-tero/requestguard/pkg/pubsub"
	"github.com/o-tero/requestguard/pkg/utils"
	"github.com/o-tero/requestguard/profiler"
)

var (
	// ErrStopped is returned by Start after Stop.
	ErrStopped = errors.New("pipeline stopped")
	// ErrCustomClassifier is returned by ReloadSignatures when the pipeline
	// was built WithClassifier and has no signature registry.
	ErrCustomClassifier = errors.New("pipeline uses a custom classifier")
	// ErrStageFailed wraps a panic recovered from a stage.
	ErrStageFailed = errors.New("stage failed")
)

// scorerCategory names the threat reported when the scorer fires.
const scorerCategory = "scorer"

// Classifier matches a normalized payload against threat signatures.
type Classifier = correlator.Matcher

// Request is the material the pipeline inspects for one inbound request.
type Request struct {
	// ClientAddr is the network address of the client, with or without port.
	ClientAddr string
	RequestID  string
	Method     string
	// Path is the request path including any query string.
	Path    string
	Headers http.Header
	// Body is a string, []byte or any JSON-encodable value.
	Body any
}

type lifecycle int

const (
	stateIdle lifecycle = iota
	stateRunning
	stateStopped
)

// Pipeline is the request-security middleware core. Safe for concurrent use.
type Pipeline struct {
	cfg    Config
	clock  cache.Clock
	logger *zap.Logger

	normalizer *normalizer.Normalizer
	registry   *classifier.Registry
	classifier Classifier
	scorer     classifier.Scorer
	correlator *correlator.Correlator
	profiler   *profiler.Profiler
	detectors  *limiter.Set

	metrics *monitoring.Metrics
	alerts  *monitoring.AlertManager
	sweeper *cache.Sweeper
	bus     *pubsub.Bus
	events  *emitter
	unsub   func()

	mu     sync.Mutex
	state  lifecycle
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// Option customizes a Pipeline.
type Option func(*Pipeline)

// WithClock drives every window, TTL and timestamp from c.
func WithClock(c cache.Clock) Option {
	return func(p *Pipeline) { p.clock = c }
}

// WithLogger sets the structured logger.
func WithLogger(l *zap.Logger) Option {
	return func(p *Pipeline) { p.logger = l }
}

// WithScorer installs a confidence scorer consulted after classification.
func WithScorer(s classifier.Scorer) Option {
	return func(p *Pipeline) { p.scorer = s }
}

// WithClassifier replaces the signature registry for both single-request
// classification and sequence correlation.
func WithClassifier(c Classifier) Option {
	return func(p *Pipeline) { p.classifier = c }
}

// WithBus publishes events on an existing bus instead of a private one.
func WithBus(b *pubsub.Bus) Option {
	return func(p *Pipeline) { p.bus = b }
}

// New validates cfg and constructs every store. Errors here are
// configuration errors and should be fatal at startup.
func New(cfg Config, opts ...Option) (*Pipeline, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("pipeline config: %w", err)
	}

	p := &Pipeline{cfg: cfg}
	for _, opt := range opts {
		opt(p)
	}
	if p.clock == nil {
		p.clock = cache.SystemClock()
	}
	if p.logger == nil {
		p.logger = zap.NewNop()
	}
	if p.scorer == nil {
		p.scorer = classifier.NopScorer{}
	}
	if p.bus == nil {
		p.bus = pubsub.NewBus(p.logger)
	}

	if p.classifier == nil {
		p.registry = classifier.NewRegistry(nil, p.logger)
		if cfg.SignatureFile != "" {
			if _, err := p.registry.Reload(context.Background(), cfg.SignatureFile); err != nil {
				return nil, fmt.Errorf("load signatures: %w", err)
			}
		}
		p.classifier = p.registry
	}

	var err error
	if p.normalizer, err = normalizer.New(cfg.Normalizer); err != nil {
		return nil, fmt.Errorf("normalizer: %w", err)
	}
	if p.correlator, err = correlator.New(cfg.Correlator, p.classifier,
		correlator.WithClock(p.clock), correlator.WithLogger(p.logger)); err != nil {
		return nil, err
	}
	if p.profiler, err = profiler.New(cfg.Profiler,
		profiler.WithClock(p.clock), profiler.WithLogger(p.logger)); err != nil {
		return nil, err
	}
	if p.detectors, err = limiter.New(cfg.Limiter, p.clock, p.logger); err != nil {
		return nil, err
	}

	p.metrics = monitoring.NewMetrics(cfg.Monitoring, p.clock)
	if p.unsub, err = p.metrics.Subscribe(p.bus); err != nil {
		return nil, err
	}
	p.alerts = monitoring.NewAlertManager(p.metrics, cfg.Monitoring, p.clock, p.logger)

	cleaners := make([]cache.Cleaner, 0, 6)
	for _, s := range p.stores() {
		cleaners = append(cleaners, s)
	}
	p.sweeper = cache.NewSweeper(cfg.SweepInterval, cfg.SweepWorkers, p.logger, cleaners...)
	p.events = newEmitter(p.logger, p.bus, p.clock, cfg.EventLogRate, cfg.EventLogBurst)

	p.logger.Info("pipeline ready",
		zap.String("fail_policy", string(cfg.FailPolicy)),
		zap.Int("trust_block_threshold", cfg.TrustBlockThreshold),
		zap.Bool("custom_classifier", p.registry == nil))
	return p, nil
}

// stage names used in system-error events.
const (
	stageBlocklist  = "blocklist"
	stageNormalize  = "normalize"
	stageClassify   = "classify"
	stageScore      = "score"
	stageCorrelate  = "correlate"
	stageBurst      = "burst"
	stageRateLimit  = "rate_limit"
	stageProfile    = "profile"
	stageFinalizing = "finalize"
)

// evaluation carries per-request context through the stages.
type evaluation struct {
	ctx   context.Context
	id    utils.ClientIdentity
	req   Request
	stage string
}

// Evaluate runs every stage for req and returns the decision. It never
// panics and never blocks on I/O. ctx is only used to deliver events; a
// cancelled request still has its accounting applied.
func (p *Pipeline) Evaluate(ctx context.Context, req Request) models.Decision {
	start := time.Now()
	ev := &evaluation{ctx: ctx, id: utils.NormalizeIdentity(req.ClientAddr), req: req}

	d, err := p.guard(ev)
	systemError := err != nil
	if systemError {
		d = p.failDecision()
		p.systemError(ev, err)
	}

	p.metrics.RecordDecision(d, systemError, time.Since(start))
	p.emitDecision(ev, d)
	return d
}

// guard runs the stages, converting a panic into an error.
func (p *Pipeline) guard(ev *evaluation) (d models.Decision, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: %s: %v", ErrStageFailed, ev.stage, r)
		}
	}()
	return p.run(ev)
}

func (p *Pipeline) run(ev *evaluation) (models.Decision, error) {
	id := ev.id

	ev.stage = stageBlocklist
	rec, active := p.detectors.Blocks.Check(id)
	if active {
		return models.Deny(models.ReasonIPBlocked, rec.Remaining(p.clock.Now())), nil
	}
	if !rec.BlockedUntil.IsZero() {
		p.emitDetection(ev, models.EventBlockExpired, rec.Reason, models.SeverityInfo,
			fmt.Sprintf("block for %s expired", rec.Reason), "", "")
	}

	ev.stage = stageNormalize
	prepared, err := p.normalizer.Prepare(normalizer.Input{
		URL:     ev.req.Path,
		Headers: ev.req.Headers,
		Body:    ev.req.Body,
	})
	if err != nil {
		return models.Decision{}, fmt.Errorf("normalize: %w", err)
	}

	ev.stage = stageClassify
	if m, ok := p.classifier.Classify(prepared.Combined); ok {
		reason := models.ThreatReason(m.Category)
		p.profiler.RecordOutcome(id, false)
		p.emitDetection(ev, models.EventThreat, reason, models.SeverityFor(reason),
			fmt.Sprintf("signature %s matched", m.SignatureID), prepared.Combined, m.Pattern)
		return models.Deny(reason, 0), nil
	}

	ev.stage = stageScore
	if score := p.scorer.Score(prepared.Combined); score >= p.cfg.ScorerThreshold {
		reason := models.ThreatReason(scorerCategory)
		p.profiler.RecordOutcome(id, false)
		p.emitDetection(ev, models.EventThreat, reason, models.SeverityFor(reason),
			fmt.Sprintf("scorer confidence %.2f", score), prepared.Combined, "")
		return models.Deny(reason, 0), nil
	}

	ev.stage = stageCorrelate
	if det, ok := p.correlator.Observe(id, prepared.Fragment); ok {
		p.profiler.RecordOutcome(id, false)
		p.emitDetection(ev, models.EventSequence, models.ReasonSequenceAttack, models.SeverityHigh,
			fmt.Sprintf("%d fragments over %s matched %s", det.Fragments, det.Span, det.Match.Category),
			"", det.Match.Pattern)
		return models.Deny(models.ReasonSequenceAttack, 0), nil
	}

	ev.stage = stageBurst
	if v := p.detectors.Burst.Allow(id); v.Violated {
		return p.blocked(ev, v), nil
	}

	ev.stage = stageRateLimit
	if v := p.detectors.Rate.Allow(id); v.Violated {
		return p.blocked(ev, v), nil
	}

	ev.stage = stageProfile
	endpoint, _, _ := strings.Cut(ev.req.Path, "?")
	a := p.profiler.Observe(id, endpoint, ev.req.Headers.Get("User-Agent"))
	if len(a.Anomalies) > 0 {
		names := make([]string, len(a.Anomalies))
		for i, an := range a.Anomalies {
			names[i] = string(an)
		}
		p.emitDetection(ev, models.EventAnomaly, models.ReasonNone, models.SeverityMedium,
			fmt.Sprintf("anomalies %s risk=%d trust=%d", strings.Join(names, ","), a.RiskScore, a.TrustScore), "", "")
	}
	if a.TrustScore < p.cfg.TrustBlockThreshold {
		return models.Deny(models.ReasonTrustScoreLow, 0), nil
	}

	ev.stage = stageFinalizing
	if a.TrustScore < p.cfg.TrustWarnThreshold {
		return models.Allow(models.ReasonTrustScoreLow), nil
	}
	return models.Allow(models.ReasonNone), nil
}

// blocked turns a detector violation into a deny and a block event.
func (p *Pipeline) blocked(ev *evaluation, v limiter.Verdict) models.Decision {
	now := p.clock.Now()
	p.emitDetection(ev, models.EventBlockIssued, v.Reason, models.SeverityFor(v.Reason),
		fmt.Sprintf("%d events in window, blocked for %s", v.Count, v.RetryAfter(now)), "", "")
	return models.Deny(v.Reason, v.RetryAfter(now))
}

func (p *Pipeline) failDecision() models.Decision {
	if p.cfg.FailPolicy == FailOpen {
		return models.Allow(models.ReasonNone)
	}
	return models.Deny(models.ReasonSystemError, 0)
}

// systemError reports a failed evaluation. The error text may quote input,
// so it is redacted like any other user-controlled field.
func (p *Pipeline) systemError(ev *evaluation, err error) {
	p.emitDetection(ev, models.EventSystemError, models.ReasonSystemError, models.SeverityHigh,
		fmt.Sprintf("stage %s failed (%s): %s", ev.stage, p.cfg.FailPolicy, err), "", "")
}
