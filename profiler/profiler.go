// Package profiler accumulates per-client request behaviour and derives
// anomaly flags, a risk score and a trust score from it.
//
// Algorithm:
//  1. Each request updates lastSeen, the request count, and adds the endpoint
//     and agent string to capped sets (once a set is full nothing is added or
//     evicted, so "many distinct values" stays a stable signal)
//  2. Anomalies: too many endpoints, too high a request rate, too many agents
//  3. riskScore = 20*|anomalies| + 5*max(0, endpoints-5)
//     + 10*max(0, agents-2) + 15*(session younger than 5m), clamped [0,100]
//  4. trustScore = 50 + history + agent family + pattern normality, clamped [0,100]
//
// Profiles live in a BoundedCache and are replaced wholesale on every update.
package profiler

import (
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/o-tero/requestguard/pkg/cache"
	"github.com/o-tero/requestguard/pkg/utils"
)

// Anomaly is a behavioural flag raised for a client.
type Anomaly string

const (
	AnomalyEndpointExploration Anomaly = "ENDPOINT_EXPLORATION"
	AnomalyHighRate            Anomaly = "HIGH_REQUEST_RATE"
	AnomalyAgentRotation       Anomaly = "AGENT_ROTATION"
)

const (
	baseTrust        = 50
	knownAgentBonus  = 15
	unknownAgentCost = 20
	positiveStep     = 2
	positiveCap      = 20
	negativeStep     = 8
	negativeCap      = 40
	youngSession     = 5 * time.Minute
	maxEndpointLen   = 256
	maxAgentLen      = 256
)

// Config holds profiling thresholds.
type Config struct {
	TTL        time.Duration `yaml:"ttl"`
	MaxClients int           `yaml:"max_clients"`

	// Set caps. Values past the cap are not recorded.
	MaxEndpoints int `yaml:"max_endpoints"`
	MaxAgents    int `yaml:"max_agents"`
	// RecentRequests bounds the timestamps kept for pattern normality.
	RecentRequests int `yaml:"recent_requests"`

	EndpointThreshold int     `yaml:"endpoint_threshold"`
	RateThreshold     float64 `yaml:"rate_threshold"` // requests per minute
	AgentThreshold    int     `yaml:"agent_threshold"`
}

// DefaultConfig returns the standard 6h observation window.
func DefaultConfig() Config {
	return Config{
		TTL:               6 * time.Hour,
		MaxClients:        10000,
		MaxEndpoints:      50,
		MaxAgents:         10,
		RecentRequests:    32,
		EndpointThreshold: 20,
		RateThreshold:     60,
		AgentThreshold:    3,
	}
}

// Validate rejects non-positive bounds and thresholds.
func (c Config) Validate() error {
	switch {
	case c.TTL <= 0:
		return errors.New("profiler: ttl must be positive")
	case c.MaxClients <= 0, c.MaxEndpoints <= 0, c.MaxAgents <= 0, c.RecentRequests <= 0:
		return errors.New("profiler: capacities must be positive")
	case c.EndpointThreshold <= 0, c.RateThreshold <= 0, c.AgentThreshold <= 0:
		return errors.New("profiler: thresholds must be positive")
	}
	return nil
}

// Profile is the accumulated behaviour of one client.
type Profile struct {
	FirstSeen    time.Time `json:"first_seen"`
	LastSeen     time.Time `json:"last_seen"`
	RequestCount int       `json:"request_count"`
	Endpoints    []string  `json:"endpoints"`
	Agents       []string  `json:"agents"`
	Positive     int       `json:"positive"`
	Negative     int       `json:"negative"`

	agent  string
	recent []time.Time
}

// Assessment is the profiler's view of a client after a request.
type Assessment struct {
	Anomalies  []Anomaly
	RiskScore  int
	TrustScore int
}

// Profiler tracks BehaviorProfiles per client.
type Profiler struct {
	cfg      Config
	profiles *cache.BoundedCache[utils.ClientIdentity, Profile]
	clock    cache.Clock
	logger   *zap.Logger
}

// Option customizes a Profiler.
type Option func(*Profiler)

// WithClock sets the clock.
func WithClock(c cache.Clock) Option {
	return func(p *Profiler) { p.clock = c }
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(p *Profiler) {
		if l != nil {
			p.logger = l
		}
	}
}

// New creates a profiler.
func New(cfg Config, opts ...Option) (*Profiler, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	p := &Profiler{cfg: cfg, clock: cache.SystemClock(), logger: zap.NewNop()}
	for _, opt := range opts {
		opt(p)
	}
	p.logger = p.logger.Named("profiler")

	profiles, err := cache.New[utils.ClientIdentity, Profile]("behavior_profiles", cfg.MaxClients, cfg.TTL, cache.WithClock(p.clock))
	if err != nil {
		return nil, fmt.Errorf("profiler: %w", err)
	}
	p.profiles = profiles
	return p, nil
}

// Observe records one request and returns the resulting assessment.
func (p *Profiler) Observe(id utils.ClientIdentity, endpoint, agent string) Assessment {
	now := p.clock.Now()
	endpoint = utils.Clip(endpoint, maxEndpointLen)
	agent = utils.Clip(strings.TrimSpace(agent), maxAgentLen)

	prof := p.profiles.Update(id, func(cur Profile, found bool) (Profile, bool) {
		if !found {
			cur = Profile{FirstSeen: now}
		}
		next := cur
		next.LastSeen = now
		next.RequestCount++
		next.Endpoints = addCapped(cur.Endpoints, endpoint, p.cfg.MaxEndpoints)
		next.Agents = addCapped(cur.Agents, agent, p.cfg.MaxAgents)
		next.agent = agent
		next.recent = appendRecent(cur.recent, now, p.cfg.RecentRequests)
		return next, true
	})
	return p.Assess(prof, now)
}

// RecordOutcome adds a positive or negative action to the client's history.
func (p *Profiler) RecordOutcome(id utils.ClientIdentity, success bool) {
	now := p.clock.Now()
	p.profiles.Update(id, func(cur Profile, found bool) (Profile, bool) {
		if !found {
			cur = Profile{FirstSeen: now, LastSeen: now}
		}
		if success {
			cur.Positive++
		} else {
			cur.Negative++
		}
		return cur, true
	})
}

// Lookup returns a copy of the stored profile.
func (p *Profiler) Lookup(id utils.ClientIdentity) (Profile, bool) {
	return p.profiles.Get(id)
}

// Forget drops the client's profile.
func (p *Profiler) Forget(id utils.ClientIdentity) {
	p.profiles.Delete(id)
}

// Store exposes the profile cache for sweeping and stats.
func (p *Profiler) Store() cache.Store { return p.profiles }

// Assess derives anomalies and scores from a profile as of now.
func (p *Profiler) Assess(prof Profile, now time.Time) Assessment {
	anomalies := p.anomalies(prof)
	return Assessment{
		Anomalies:  anomalies,
		RiskScore:  riskScore(prof, len(anomalies), now),
		TrustScore: trustScore(prof, now),
	}
}

func (p *Profiler) anomalies(prof Profile) []Anomaly {
	var out []Anomaly
	if len(prof.Endpoints) > p.cfg.EndpointThreshold {
		out = append(out, AnomalyEndpointExploration)
	}
	if requestRate(prof) > p.cfg.RateThreshold {
		out = append(out, AnomalyHighRate)
	}
	if len(prof.Agents) > p.cfg.AgentThreshold {
		out = append(out, AnomalyAgentRotation)
	}
	return out
}

// requestRate is requests per minute of session, with sessions shorter than a
// minute counted as one minute.
func requestRate(prof Profile) float64 {
	minutes := prof.LastSeen.Sub(prof.FirstSeen).Minutes()
	if minutes < 1 {
		minutes = 1
	}
	return float64(prof.RequestCount) / minutes
}

func riskScore(prof Profile, anomalies int, now time.Time) int {
	score := 20*anomalies +
		5*max(0, len(prof.Endpoints)-5) +
		10*max(0, len(prof.Agents)-2)
	if now.Sub(prof.FirstSeen) < youngSession {
		score += 15
	}
	return clampScore(score)
}

func trustScore(prof Profile, now time.Time) int {
	score := baseTrust
	score += min(prof.Positive*positiveStep, positiveCap)
	score -= min(prof.Negative*negativeStep, negativeCap)

	switch family(prof.agent) {
	case familyKnown:
		score += knownAgentBonus
	case familyUnknown, familyScanner:
		score -= unknownAgentCost
	}

	score += patternNormality(prof)
	return clampScore(score)
}

// patternNormality rewards a moderate, steady request cadence and penalizes
// bursts and single-endpoint hammering. Fewer than four requests carry no
// signal.
func patternNormality(prof Profile) int {
	if len(prof.recent) < 4 {
		return 0
	}
	n := len(prof.recent) - 1
	intervals := make([]float64, n)
	var sum float64
	for i := 0; i < n; i++ {
		intervals[i] = prof.recent[i+1].Sub(prof.recent[i]).Seconds()
		sum += intervals[i]
	}
	mean := sum / float64(n)

	var variance float64
	for _, v := range intervals {
		variance += (v - mean) * (v - mean)
	}
	variance /= float64(n)

	adj := 0
	switch {
	case mean < 1:
		adj -= 10
	case mean > 0 && math.Sqrt(variance)/mean > 2:
		adj -= 5
	default:
		adj += 10
	}
	if prof.RequestCount >= 20 && len(prof.Endpoints) <= 1 {
		adj -= 5
	}
	return adj
}

type agentFamily int

const (
	familyUnknown agentFamily = iota
	familyKnown
	familyScanner
)

var (
	knownAgentPrefixes = []string{
		"mozilla/", "opera/", "curl/", "wget/", "go-http-client/",
		"python-requests/", "okhttp/", "postmanruntime/", "apache-httpclient/",
		"axios/", "node-fetch/",
	}
	scannerAgentMarkers = []string{
		"sqlmap", "nikto", "nmap", "masscan", "zgrab", "nuclei",
		"dirbuster", "gobuster", "wpscan", "acunetix", "havij",
	}
)

func family(agent string) agentFamily {
	a := strings.ToLower(agent)
	if a == "" {
		return familyUnknown
	}
	for _, m := range scannerAgentMarkers {
		if strings.Contains(a, m) {
			return familyScanner
		}
	}
	for _, p := range knownAgentPrefixes {
		if strings.HasPrefix(a, p) {
			return familyKnown
		}
	}
	return familyUnknown
}

// addCapped returns set with v appended when absent and the cap allows.
// set itself is never modified.
func addCapped(set []string, v string, capacity int) []string {
	if v == "" || len(set) >= capacity {
		return set
	}
	for _, s := range set {
		if s == v {
			return set
		}
	}
	next := make([]string, len(set), len(set)+1)
	copy(next, set)
	return append(next, v)
}

func appendRecent(recent []time.Time, t time.Time, capacity int) []time.Time {
	start := 0
	if len(recent) >= capacity {
		start = len(recent) - capacity + 1
	}
	next := make([]time.Time, 0, len(recent)-start+1)
	next = append(next, recent[start:]...)
	return append(next, t)
}

func clampScore(v int) int {
	return max(0, min(100, v))
}
