package pipeline

import (
	"context"
	"encoding/json"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/o-tero/requestguard/classifier"
	"github.com/o-tero/requestguard/monitoring"
	"github.com/o-tero/requestguard/pkg/cache"
	"github.com/o-tero/requestguard/pkg/models"
	"github.com/o-tero/requestguard/pkg/pubsub"
	"github.com/o-tero/requestguard/pkg/utils"
)

const browser = "Mozilla/5.0 (X11; Linux x86_64) Gecko/20100101 Firefox/128.0"

var epoch = time.Unix(1_700_000_000, 0)

type recorder struct {
	mu   sync.Mutex
	envs []pubsub.Envelope
}

func (r *recorder) handle(_ context.Context, env pubsub.Envelope) error {
	r.mu.Lock()
	r.envs = append(r.envs, env)
	r.mu.Unlock()
	return nil
}

func (r *recorder) ofType(typ models.EventType) []models.SecurityEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []models.SecurityEvent
	for _, env := range r.envs {
		if env.Event.Type == typ {
			out = append(out, env.Event)
		}
	}
	return out
}

type harness struct {
	p      *Pipeline
	clock  *cache.FakeClock
	events *recorder
}

func newHarness(t *testing.T, cfg Config, opts ...Option) *harness {
	t.Helper()
	clock := cache.NewFakeClock(epoch)
	logger := zaptest.NewLogger(t)

	bus := pubsub.NewBus(logger)
	rec := &recorder{}
	for _, topic := range pubsub.AllTopics() {
		_, err := bus.Subscribe(topic, "test-recorder", pubsub.SubscriptionConfig{Handler: rec.handle})
		require.NoError(t, err)
	}

	opts = append([]Option{WithClock(clock), WithLogger(logger), WithBus(bus)}, opts...)
	p, err := New(cfg, opts...)
	require.NoError(t, err)
	t.Cleanup(p.Stop)

	return &harness{p: p, clock: clock, events: rec}
}

func headers(agent string) http.Header {
	h := http.Header{}
	if agent != "" {
		h.Set("User-Agent", agent)
	}
	return h
}

func (h *harness) get(addr, path string) models.Decision {
	return h.p.Evaluate(context.Background(), Request{
		ClientAddr: addr,
		Method:     http.MethodGet,
		Path:       path,
		Headers:    headers(browser),
	})
}

func (h *harness) post(addr, path string, body any) models.Decision {
	return h.p.Evaluate(context.Background(), Request{
		ClientAddr: addr,
		Method:     http.MethodPost,
		Path:       path,
		Headers:    headers(browser),
		Body:       body,
	})
}

type panicClassifier struct{}

func (panicClassifier) Classify(string) (classifier.Match, bool) {
	panic("signature table corrupted")
}

func TestConfig_Validate(t *testing.T) {
	require.NoError(t, DefaultConfig().Validate())

	tests := []struct {
		name   string
		mutate func(c *Config)
	}{
		{"fail policy", func(c *Config) { c.FailPolicy = "sometimes" }},
		{"trust above 100", func(c *Config) { c.TrustWarnThreshold = 101 }},
		{"trust negative", func(c *Config) { c.TrustBlockThreshold = -1 }},
		{"block above warn", func(c *Config) { c.TrustBlockThreshold = 60 }},
		{"scorer threshold", func(c *Config) { c.ScorerThreshold = 0 }},
		{"sweep interval", func(c *Config) { c.SweepInterval = 0 }},
		{"event burst", func(c *Config) { c.EventLogBurst = 0 }},
		{"limiter section", func(c *Config) { c.Limiter.RateLimit.Threshold = 0 }},
		{"normalizer section", func(c *Config) { c.Normalizer.MaxPasses = 0 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(&cfg)
			assert.Error(t, cfg.Validate())
			_, err := New(cfg)
			assert.Error(t, err)
		})
	}
}

func TestEvaluate_BenignRequestAllowed(t *testing.T) {
	h := newHarness(t, DefaultConfig())

	d := h.post("203.0.113.1:5000", "/api/items?page=2", map[string]any{"name": "widget", "qty": 3})
	assert.Equal(t, models.Allow(models.ReasonNone), d)

	decisions := h.events.ofType(models.EventDecision)
	require.Len(t, decisions, 1)
	assert.True(t, decisions[0].Allowed)
	assert.Equal(t, utils.Fingerprint("203.0.113.1"), decisions[0].ClientID)
}

func TestEvaluate_ThreatDenied(t *testing.T) {
	h := newHarness(t, DefaultConfig())

	tests := []struct {
		name   string
		path   string
		body   any
		reason models.ReasonCode
	}{
		{"sql tautology in body", "/login", "' or 1=1 -- contact alice@example.com", models.ThreatReason(classifier.CategoryLegacyInjection)},
		{"encoded tautology in query", "/api/items?id=%27%20OR%201%3D1--", nil, models.ThreatReason(classifier.CategoryLegacyInjection)},
		{"cloud metadata url", "/fetch?url=http://169.254.169.254/latest/meta-data", nil, models.ThreatReason(classifier.CategorySSRF)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := h.post("198.51.100.2", tt.path, tt.body)
			assert.False(t, d.Allowed)
			assert.Equal(t, tt.reason, d.Reason)
			assert.Zero(t, d.RetryAfter)
		})
	}

	threats := h.events.ofType(models.EventThreat)
	require.Len(t, threats, 3)
	assert.Equal(t, "signature sqli-tautology matched", threats[0].Summary)
	assert.Contains(t, threats[0].Excerpt, "[EMAIL]")
	assert.NotContains(t, threats[0].Excerpt, "alice@example.com")
	assert.NotEqual(t, "198.51.100.2", threats[0].ClientID)
	assert.Equal(t, models.SeverityHigh, threats[0].Severity)

	// threats count against the client's history
	prof, ok := h.p.profiler.Lookup("198.51.100.2")
	require.True(t, ok)
	assert.Equal(t, 3, prof.Negative)
}

func TestEvaluate_DecisionNeverLeaksDetail(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	d := h.post("198.51.100.3", "/login", "' or 1=1 --")

	raw, err := json.Marshal(d)
	require.NoError(t, err)
	assert.JSONEq(t, `{"allowed":false,"reason":"THREAT_LEGACY_INJECTION"}`, string(raw))
}

func TestEvaluate_ScorerThreshold(t *testing.T) {
	scorer := classifier.ScorerFunc(func(s string) float64 {
		switch {
		case strings.Contains(s, "magic"):
			return 0.95
		case strings.Contains(s, "maybe"):
			return 0.5
		}
		return 0
	})
	h := newHarness(t, DefaultConfig(), WithScorer(scorer))

	assert.Equal(t, models.Deny(models.ThreatReason("scorer"), 0), h.post("192.0.2.5", "/api/items", "magic words"))
	assert.True(t, h.post("192.0.2.6", "/api/items", "maybe words").Allowed)

	threats := h.events.ofType(models.EventThreat)
	require.Len(t, threats, 1)
	assert.Contains(t, threats[0].Summary, "0.95")
}

func TestEvaluate_RateLimitScenario(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	const x = "203.0.113.10"

	// 8s spacing keeps the burst window far below its threshold
	for i := 1; i <= 100; i++ {
		d := h.get(x, "/api/items")
		require.True(t, d.Allowed, "request %d: %+v", i, d)
		h.clock.Advance(8 * time.Second)
	}

	d := h.get(x, "/api/items")
	assert.Equal(t, models.Deny(models.ReasonRateLimitViolation, time.Hour), d)

	h.clock.Advance(8 * time.Second)
	d = h.get(x, "/api/items")
	assert.False(t, d.Allowed)
	assert.Equal(t, models.ReasonIPBlocked, d.Reason)
	assert.Equal(t, time.Hour-8*time.Second, d.RetryAfter)

	blocks := h.events.ofType(models.EventBlockIssued)
	require.Len(t, blocks, 1)
	assert.Equal(t, models.ReasonRateLimitViolation, blocks[0].Reason)
}

func TestEvaluate_BurstScenario(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	const y = "203.0.113.20"

	for i := 1; i < 50; i++ {
		require.True(t, h.get(y, "/api/items").Allowed, "request %d", i)
		h.clock.Advance(200 * time.Millisecond)
	}

	d := h.get(y, "/api/items")
	assert.Equal(t, models.Deny(models.ReasonBurstDetected, 30*time.Minute), d)
	assert.Equal(t, models.ReasonIPBlocked, h.get(y, "/api/items").Reason)

	// once the block lapses the client is evaluated normally again
	h.clock.Advance(30*time.Minute + time.Second)
	assert.True(t, h.get(y, "/api/items").Allowed)

	expired := h.events.ofType(models.EventBlockExpired)
	require.Len(t, expired, 1)
	assert.Equal(t, models.ReasonBurstDetected, expired[0].Reason)
	assert.Equal(t, models.SeverityCritical, h.events.ofType(models.EventBlockIssued)[0].Severity)
}

func TestReportOutcome_BruteForceReset(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	ctx := context.Background()
	const z = "203.0.113.30"

	for i := 0; i < 4; i++ {
		require.True(t, h.p.ReportOutcome(ctx, z, false).Allowed)
		h.clock.Advance(time.Second)
	}
	require.True(t, h.p.ReportOutcome(ctx, z, true).Allowed)
	assert.Zero(t, h.p.detectors.Failures.Failures(utils.ClientIdentity(z)))

	for i := 0; i < 4; i++ {
		require.True(t, h.p.ReportOutcome(ctx, z, false).Allowed, "failure %d after reset", i+1)
		h.clock.Advance(time.Second)
	}
	d := h.p.ReportOutcome(ctx, z, false)
	assert.Equal(t, models.Deny(models.ReasonRepeatedFailure, time.Hour), d)
	assert.Equal(t, models.ReasonIPBlocked, h.get(z, "/login").Reason)
}

func TestEvaluate_SequenceCorrelation(t *testing.T) {
	h := newHarness(t, DefaultConfig())

	t.Run("same client", func(t *testing.T) {
		require.True(t, h.post("198.51.100.40", "/comments", "<scr").Allowed)
		h.clock.Advance(5 * time.Second)
		d := h.post("198.51.100.40", "/comments", "ipt>alert(1)</script>")
		assert.Equal(t, models.Deny(models.ReasonSequenceAttack, 0), d)
	})

	t.Run("different clients", func(t *testing.T) {
		assert.True(t, h.post("198.51.100.41", "/comments", "<scr").Allowed)
		h.clock.Advance(5 * time.Second)
		assert.True(t, h.post("198.51.100.42", "/comments", "ipt>alert(1)</script>").Allowed)
	})

	seq := h.events.ofType(models.EventSequence)
	require.Len(t, seq, 1)
	assert.Contains(t, seq[0].Summary, "2 fragments")
}

func TestEvaluate_SequenceCorrelationAcrossQueries(t *testing.T) {
	h := newHarness(t, DefaultConfig())

	require.True(t, h.get("198.51.100.43", "/search?q=%3Cscr").Allowed)
	h.clock.Advance(2 * time.Second)
	d := h.get("198.51.100.43", "/search?q=ipt%3Ealert(1)%3C/script%3E")
	assert.Equal(t, models.Deny(models.ReasonSequenceAttack, 0), d)
}

func TestEvaluate_NULBodiesAllowed(t *testing.T) {
	h := newHarness(t, DefaultConfig())

	tests := []struct {
		name string
		addr string
		body any
	}{
		{"length-prefixed frame", "198.51.100.50", []byte{0, 0, 0, 0, 5, 'h', 'e', 'l', 'l', 'o'}},
		{"encoded nul", "198.51.100.51", "%00hello world"},
		{"nul after text", "198.51.100.52", "name=alice\x00"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := h.post(tt.addr, "/upload", tt.body)
			assert.True(t, d.Allowed, "decision %+v", d)
		})
	}
	assert.Empty(t, h.events.ofType(models.EventSequence))
}

func TestEvaluate_BodyTailInspectedUnderHeaderPadding(t *testing.T) {
	h := newHarness(t, DefaultConfig())

	hdr := headers(browser)
	hdr.Set("Cookie", strings.Repeat("c", 32<<10))
	body := strings.Repeat("b", 31<<10) + " <script>alert(1)</script>"

	d := h.p.Evaluate(context.Background(), Request{
		ClientAddr: "198.51.100.60",
		Method:     http.MethodPost,
		Path:       "/search?q=" + strings.Repeat("x", 2000),
		Headers:    hdr,
		Body:       body,
	})
	assert.Equal(t, models.Deny(models.ThreatReason(classifier.CategoryLegacyInjection), 0), d)
}

func TestEvaluate_FailPolicy(t *testing.T) {
	t.Run("closed denies", func(t *testing.T) {
		h := newHarness(t, DefaultConfig(), WithClassifier(panicClassifier{}))
		d := h.get("192.0.2.50", "/api/items")
		assert.Equal(t, models.Deny(models.ReasonSystemError, 0), d)

		errs := h.events.ofType(models.EventSystemError)
		require.Len(t, errs, 1)
		assert.Contains(t, errs[0].Summary, "classify")
		assert.Equal(t, uint64(1), h.p.Snapshot().Metrics.SystemErrors)
	})

	t.Run("open allows", func(t *testing.T) {
		cfg := DefaultConfig()
		cfg.FailPolicy = FailOpen
		h := newHarness(t, cfg, WithClassifier(panicClassifier{}))
		d := h.get("192.0.2.51", "/api/items")
		assert.Equal(t, models.Allow(models.ReasonNone), d)

		s := h.p.Snapshot()
		assert.Equal(t, uint64(1), s.Metrics.SystemErrors)
		assert.Equal(t, uint64(1), s.Metrics.Allowed)
		assert.Equal(t, "open", s.FailPolicy)
	})

	t.Run("panicking scorer", func(t *testing.T) {
		h := newHarness(t, DefaultConfig(), WithScorer(classifier.ScorerFunc(func(string) float64 {
			panic("model unavailable")
		})))
		assert.Equal(t, models.ReasonSystemError, h.get("192.0.2.52", "/api/items").Reason)
	})

	t.Run("unencodable body", func(t *testing.T) {
		h := newHarness(t, DefaultConfig())
		d := h.post("192.0.2.53", "/api/items", map[string]any{"ch": make(chan int)})
		assert.Equal(t, models.ReasonSystemError, d.Reason)
		assert.Contains(t, h.events.ofType(models.EventSystemError)[0].Summary, "normalize")
	})
}

func TestEvaluate_TrustScore(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	ctx := context.Background()

	t.Run("unknown agent is warned", func(t *testing.T) {
		d := h.p.Evaluate(ctx, Request{ClientAddr: "192.0.2.60", Path: "/api/items"})
		assert.Equal(t, models.Allow(models.ReasonTrustScoreLow), d)
	})

	t.Run("scanner with failures is denied", func(t *testing.T) {
		h.p.ReportOutcome(ctx, "192.0.2.61", false)
		h.p.ReportOutcome(ctx, "192.0.2.61", false)
		d := h.p.Evaluate(ctx, Request{ClientAddr: "192.0.2.61", Path: "/api/items", Headers: headers("sqlmap/1.7")})
		assert.Equal(t, models.Deny(models.ReasonTrustScoreLow, 0), d)
	})

	t.Run("endpoint exploration is reported", func(t *testing.T) {
		for i := 0; i <= 20; i++ {
			require.True(t, h.get("192.0.2.62", "/page/"+strings.Repeat("x", i)).Allowed)
			h.clock.Advance(2 * time.Second)
		}
		anomalies := h.events.ofType(models.EventAnomaly)
		require.NotEmpty(t, anomalies)
		assert.Contains(t, anomalies[0].Summary, "ENDPOINT_EXPLORATION")
	})
}

func TestEvaluate_IPv6PrefixSharesState(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	h.get("[2001:db8:1:2::1]:443", "/api/items")
	h.get("2001:db8:1:2::ffff", "/api/items")

	assert.Equal(t, 2, h.p.detectors.Burst.Count(utils.NormalizeIdentity("2001:db8:1:2::1")))
}

func TestEvaluate_CancelledContextKeepsAccounting(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	d := h.p.Evaluate(ctx, Request{ClientAddr: "192.0.2.70", Path: "/api/items", Headers: headers(browser)})
	assert.True(t, d.Allowed)
	assert.Equal(t, 1, h.p.detectors.Rate.Count("192.0.2.70"))
}

func TestEvaluate_Concurrency(t *testing.T) {
	h := newHarness(t, DefaultConfig())

	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			addr := "10.0.0." + string(rune('1'+g))
			for i := 0; i < 40; i++ {
				d := h.get(addr, "/api/items")
				assert.True(t, d.Allowed)
			}
		}(g)
	}
	wg.Wait()

	s := h.p.Snapshot()
	assert.Equal(t, uint64(320), s.Metrics.Evaluated)
	assert.Zero(t, s.Metrics.Denied)
}

func TestUnblock(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	ctx := context.Background()
	const y = "203.0.113.21"

	for i := 0; i < 50; i++ {
		h.get(y, "/api/items")
	}
	require.Equal(t, models.ReasonIPBlocked, h.get(y, "/api/items").Reason)

	ok, err := h.p.Unblock(ctx, y)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.True(t, h.get(y, "/api/items").Allowed)
	assert.Len(t, h.events.ofType(models.EventManualUnblock), 1)

	ok, err = h.p.Unblock(ctx, y)
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = h.p.Unblock(ctx, "not-an-address")
	assert.Error(t, err)
}

const customSignatures = `version: 9
categories:
  - id: ssrf
    signatures:
      - id: custom-internal
        contains: internal.corp
`

func TestSignatures_FileAndReload(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "signatures.yaml")
	require.NoError(t, os.WriteFile(path, []byte(customSignatures), 0o600))

	cfg := DefaultConfig()
	cfg.SignatureFile = path
	h := newHarness(t, cfg)
	assert.Equal(t, models.ThreatReason("ssrf"), h.get("192.0.2.80", "/proxy?to=internal.corp").Reason)

	// the file set replaced the default one entirely
	assert.True(t, h.post("192.0.2.81", "/login", "' or 1=1 --").Allowed)

	v, err := h.p.ReloadSignatures(context.Background(), filepath.Join(dir, "missing.yaml"))
	assert.Error(t, err)
	assert.Zero(t, v)

	cfg.SignatureFile = filepath.Join(dir, "missing.yaml")
	_, err = New(cfg)
	assert.Error(t, err)

	custom := newHarness(t, DefaultConfig(), WithClassifier(classifier.Default()))
	_, err = custom.p.ReloadSignatures(context.Background(), path)
	assert.ErrorIs(t, err, ErrCustomClassifier)
}

func TestEvents_LogThrottling(t *testing.T) {
	cfg := DefaultConfig()
	cfg.EventLogRate = 1
	cfg.EventLogBurst = 2
	h := newHarness(t, cfg)

	for i := 0; i < 5; i++ {
		h.post("198.51.100.90", "/login", "' or 1=1 --")
	}

	// every event is still published; only log lines are dropped
	assert.Len(t, h.events.ofType(models.EventThreat), 5)
	assert.Equal(t, uint64(6), h.p.Snapshot().EventsDropped)
}

func TestLifecycle(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	ctx := context.Background()

	require.NoError(t, h.p.Start(ctx))
	require.NoError(t, h.p.Start(ctx))
	h.p.Stop()
	h.p.Stop()
	assert.ErrorIs(t, h.p.Start(ctx), ErrStopped)

	// evaluation does not depend on the background tasks
	assert.True(t, h.get("192.0.2.90", "/api/items").Allowed)
}

func TestSnapshotAndSweep(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	h.post("192.0.2.100", "/comments", "hello there")
	h.p.ReportOutcome(context.Background(), "192.0.2.100", false)

	s := h.p.Snapshot()
	names := make(map[string]int)
	for _, c := range s.Caches {
		names[c.Name] = c.Size
	}
	assert.Equal(t, map[string]int{
		"fragment_buffers":   1,
		"behavior_profiles":  1,
		"blocked_identities": 0,
		"rate_counters":      1,
		"burst_windows":      1,
		"failure_windows":    1,
	}, names)
	assert.Equal(t, "closed", s.FailPolicy)
	assert.Equal(t, monitoring.StatusHealthy, h.p.Health().Status)

	h.clock.Advance(7 * time.Hour)
	assert.Equal(t, 5, h.p.Sweep(context.Background()))
	for _, c := range h.p.Snapshot().Caches {
		assert.Zero(t, c.Size, c.Name)
	}
}
