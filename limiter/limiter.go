// Package limiter implements the per-client abuse detectors and the shared
// block list they write to.
//
// Three independent detectors, each with its own BoundedCache of per-client
// window state:
//   - RateLimiter: fixed window of N requests; the request that makes the
//     count exceed N is the violation
//   - BurstDetector: trailing window of request timestamps, hard-capped; the
//     request that brings the count to M is the violation
//   - FailureDetector: trailing window of failed attempts only; the F-th
//     failure is the violation and a success clears the history
//
// Whichever detector trips writes {reason, blockedUntil} to the BlockList and
// resets its own state for that client, so counting restarts after the block.
//
// Design Notes:
//   - Window state is replaced wholesale through BoundedCache.Update, so a
//     client's check-and-increment is atomic with respect to other requests
//     from the same client
//   - Timestamp lists are capped independently of TTL; a flood cannot grow a
//     list past its cap
//   - No rollback: a request aborted after being counted stays counted
package limiter

import (
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/o-tero/requestguard/pkg/cache"
	"github.com/o-tero/requestguard/pkg/models"
	"github.com/o-tero/requestguard/pkg/utils"
)

// ErrInvalidRule is returned for a rule with a non-positive field.
var ErrInvalidRule = errors.New("invalid detector rule")

// Rule configures one detector.
type Rule struct {
	Window    time.Duration `yaml:"window"`
	Threshold int           `yaml:"threshold"`
	Block     time.Duration `yaml:"block"`
}

// Validate rejects non-positive fields.
func (r Rule) Validate() error {
	if r.Window <= 0 || r.Threshold <= 0 || r.Block <= 0 {
		return fmt.Errorf("%w: window=%s threshold=%d block=%s", ErrInvalidRule, r.Window, r.Threshold, r.Block)
	}
	return nil
}

// Config configures all detectors.
type Config struct {
	MaxClients int  `yaml:"max_clients"`
	RateLimit  Rule `yaml:"rate_limit"`
	Burst      Rule `yaml:"burst"`
	// BurstMaxEntries hard-caps the burst timestamp list. It must be at least
	// the burst threshold.
	BurstMaxEntries int  `yaml:"burst_max_entries"`
	Failure         Rule `yaml:"failure"`
}

// DefaultConfig returns 100 req/15m, 50 req/60s and 5 failures/15m.
func DefaultConfig() Config {
	return Config{
		MaxClients:      10000,
		RateLimit:       Rule{Window: 15 * time.Minute, Threshold: 100, Block: time.Hour},
		Burst:           Rule{Window: 60 * time.Second, Threshold: 50, Block: 30 * time.Minute},
		BurstMaxEntries: 100,
		Failure:         Rule{Window: 15 * time.Minute, Threshold: 5, Block: time.Hour},
	}
}

// Validate checks every rule and the caps.
func (c Config) Validate() error {
	if c.MaxClients <= 0 {
		return errors.New("limiter: max clients must be positive")
	}
	rules := []struct {
		name string
		rule Rule
	}{{"rate_limit", c.RateLimit}, {"burst", c.Burst}, {"failure", c.Failure}}
	for _, r := range rules {
		if err := r.rule.Validate(); err != nil {
			return fmt.Errorf("limiter %s: %w", r.name, err)
		}
	}
	if c.BurstMaxEntries < c.Burst.Threshold {
		return fmt.Errorf("limiter: burst max entries %d below threshold %d", c.BurstMaxEntries, c.Burst.Threshold)
	}
	return nil
}

// MaxBlock returns the longest block any detector can issue.
func (c Config) MaxBlock() time.Duration {
	return max(c.RateLimit.Block, c.Burst.Block, c.Failure.Block)
}

// Verdict is one detector's result for a request.
type Verdict struct {
	Violated bool
	Reason   models.ReasonCode
	Count    int
	Block    models.BlockRecord
}

// RetryAfter returns the remaining block time at now.
func (v Verdict) RetryAfter(now time.Time) time.Duration {
	return v.Block.Remaining(now)
}

type fixedWindow struct {
	count   int
	resetAt time.Time
}

// RateLimiter counts requests in fixed windows starting at a client's first
// request.
type RateLimiter struct {
	rule   Rule
	state  *cache.BoundedCache[utils.ClientIdentity, fixedWindow]
	blocks *BlockList
	clock  cache.Clock
}

// NewRateLimiter creates a fixed-window rate limiter writing to blocks.
func NewRateLimiter(rule Rule, capacity int, blocks *BlockList, clock cache.Clock) (*RateLimiter, error) {
	if err := rule.Validate(); err != nil {
		return nil, err
	}
	if clock == nil {
		clock = cache.SystemClock()
	}
	state, err := cache.New[utils.ClientIdentity, fixedWindow]("rate_counters", capacity, rule.Window, cache.WithClock(clock))
	if err != nil {
		return nil, fmt.Errorf("rate limiter: %w", err)
	}
	return &RateLimiter{rule: rule, state: state, blocks: blocks, clock: clock}, nil
}

// Allow counts one request for id.
func (r *RateLimiter) Allow(id utils.ClientIdentity) Verdict {
	now := r.clock.Now()
	var count int
	r.state.Update(id, func(w fixedWindow, found bool) (fixedWindow, bool) {
		if !found || !now.Before(w.resetAt) {
			w = fixedWindow{resetAt: now.Add(r.rule.Window)}
		}
		w.count++
		count = w.count
		return w, count <= r.rule.Threshold
	})
	if count <= r.rule.Threshold {
		return Verdict{Count: count}
	}
	return Verdict{
		Violated: true,
		Reason:   models.ReasonRateLimitViolation,
		Count:    count,
		Block:    r.blocks.Block(id, models.ReasonRateLimitViolation, r.rule.Block),
	}
}

// Count returns the requests counted in id's current window.
func (r *RateLimiter) Count(id utils.ClientIdentity) int {
	w, ok := r.state.Get(id)
	if !ok || !r.clock.Now().Before(w.resetAt) {
		return 0
	}
	return w.count
}

// Store exposes the counter cache.
func (r *RateLimiter) Store() cache.Store { return r.state }

// trailing is a bounded, time-ordered list of event timestamps.
type trailing []time.Time

// prune returns the suffix of t newer than cutoff.
func (t trailing) prune(cutoff time.Time) trailing {
	i := 0
	for i < len(t) && !t[i].After(cutoff) {
		i++
	}
	return t[i:]
}

// push returns a new list with at appended, keeping at most capacity entries.
func (t trailing) push(at time.Time, capacity int) trailing {
	if over := len(t) + 1 - capacity; over > 0 {
		t = t[over:]
	}
	next := make(trailing, 0, len(t)+1)
	next = append(next, t...)
	return append(next, at)
}

// BurstDetector counts requests over a trailing window.
type BurstDetector struct {
	rule       Rule
	maxEntries int
	state      *cache.BoundedCache[utils.ClientIdentity, trailing]
	blocks     *BlockList
	clock      cache.Clock
}

// NewBurstDetector creates a trailing-window burst detector.
func NewBurstDetector(rule Rule, maxEntries, capacity int, blocks *BlockList, clock cache.Clock) (*BurstDetector, error) {
	if err := rule.Validate(); err != nil {
		return nil, err
	}
	if maxEntries < rule.Threshold {
		return nil, fmt.Errorf("%w: max entries %d below threshold %d", ErrInvalidRule, maxEntries, rule.Threshold)
	}
	if clock == nil {
		clock = cache.SystemClock()
	}
	state, err := cache.New[utils.ClientIdentity, trailing]("burst_windows", capacity, rule.Window, cache.WithClock(clock))
	if err != nil {
		return nil, fmt.Errorf("burst detector: %w", err)
	}
	return &BurstDetector{rule: rule, maxEntries: maxEntries, state: state, blocks: blocks, clock: clock}, nil
}

// Allow records one request for id.
func (b *BurstDetector) Allow(id utils.ClientIdentity) Verdict {
	now := b.clock.Now()
	var count int
	b.state.Update(id, func(t trailing, _ bool) (trailing, bool) {
		t = t.prune(now.Add(-b.rule.Window)).push(now, b.maxEntries)
		count = len(t)
		return t, count < b.rule.Threshold
	})
	if count < b.rule.Threshold {
		return Verdict{Count: count}
	}
	return Verdict{
		Violated: true,
		Reason:   models.ReasonBurstDetected,
		Count:    count,
		Block:    b.blocks.Block(id, models.ReasonBurstDetected, b.rule.Block),
	}
}

// Count returns the requests in id's trailing window.
func (b *BurstDetector) Count(id utils.ClientIdentity) int {
	t, _ := b.state.Get(id)
	return len(t.prune(b.clock.Now().Add(-b.rule.Window)))
}

// Store exposes the window cache.
func (b *BurstDetector) Store() cache.Store { return b.state }

// FailureDetector counts failed attempts over a trailing window.
type FailureDetector struct {
	rule   Rule
	state  *cache.BoundedCache[utils.ClientIdentity, trailing]
	blocks *BlockList
	clock  cache.Clock
}

// NewFailureDetector creates a repeated-failure detector.
func NewFailureDetector(rule Rule, capacity int, blocks *BlockList, clock cache.Clock) (*FailureDetector, error) {
	if err := rule.Validate(); err != nil {
		return nil, err
	}
	if clock == nil {
		clock = cache.SystemClock()
	}
	state, err := cache.New[utils.ClientIdentity, trailing]("failure_windows", capacity, rule.Window, cache.WithClock(clock))
	if err != nil {
		return nil, fmt.Errorf("failure detector: %w", err)
	}
	return &FailureDetector{rule: rule, state: state, blocks: blocks, clock: clock}, nil
}

// Record registers an attempt outcome. A success clears id's failures.
func (f *FailureDetector) Record(id utils.ClientIdentity, success bool) Verdict {
	if success {
		f.state.Delete(id)
		return Verdict{}
	}
	now := f.clock.Now()
	var count int
	f.state.Update(id, func(t trailing, _ bool) (trailing, bool) {
		// Capped at the threshold: reaching it trips the detector.
		t = t.prune(now.Add(-f.rule.Window)).push(now, f.rule.Threshold)
		count = len(t)
		return t, count < f.rule.Threshold
	})
	if count < f.rule.Threshold {
		return Verdict{Count: count}
	}
	return Verdict{
		Violated: true,
		Reason:   models.ReasonRepeatedFailure,
		Count:    count,
		Block:    f.blocks.Block(id, models.ReasonRepeatedFailure, f.rule.Block),
	}
}

// Failures returns the failures in id's trailing window.
func (f *FailureDetector) Failures(id utils.ClientIdentity) int {
	t, _ := f.state.Get(id)
	return len(t.prune(f.clock.Now().Add(-f.rule.Window)))
}

// Store exposes the failure cache.
func (f *FailureDetector) Store() cache.Store { return f.state }

// Set bundles the detectors over one block list.
type Set struct {
	Blocks   *BlockList
	Rate     *RateLimiter
	Burst    *BurstDetector
	Failures *FailureDetector
}

// New builds every detector from cfg.
func New(cfg Config, clock cache.Clock, logger *zap.Logger) (*Set, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	blocks, err := NewBlockList(cfg.MaxClients, cfg.MaxBlock(), clock, logger)
	if err != nil {
		return nil, err
	}
	rate, err := NewRateLimiter(cfg.RateLimit, cfg.MaxClients, blocks, clock)
	if err != nil {
		return nil, err
	}
	burst, err := NewBurstDetector(cfg.Burst, cfg.BurstMaxEntries, cfg.MaxClients, blocks, clock)
	if err != nil {
		return nil, err
	}
	failures, err := NewFailureDetector(cfg.Failure, cfg.MaxClients, blocks, clock)
	if err != nil {
		return nil, err
	}
	return &Set{Blocks: blocks, Rate: rate, Burst: burst, Failures: failures}, nil
}

// Stores returns every cache owned by the set.
func (s *Set) Stores() []cache.Store {
	return []cache.Store{s.Blocks.Store(), s.Rate.Store(), s.Burst.Store(), s.Failures.Store()}
}

// Reset lifts id's block and clears its counters in every detector.
// It reports whether a block record existed.
func (s *Set) Reset(id utils.ClientIdentity) bool {
	s.Rate.state.Delete(id)
	s.Burst.state.Delete(id)
	s.Failures.state.Delete(id)
	return s.Blocks.Unblock(id)
}
