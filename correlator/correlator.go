// Package correlator detects attacks split across several requests from the
// same client.
//
// Each client owns a short-lived buffer of normalized body fragments. Every
// new fragment is appended (oldest dropped past the cap) and the
// concatenation of the buffer is run through the classifier, so
// "<scr" followed by "ipt>alert(1)</script>" is seen as one script tag.
// A fragment that matches on its own is never buffered, so a detection always
// spans at least two requests. A detection clears the buffer: one detection
// per sequence.
package correlator

import (
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"
	"unicode/utf8"

	"go.uber.org/zap"

	"github.com/o-tero/requestguard/classifier"
	"github.com/o-tero/requestguard/pkg/cache"
	"github.com/o-tero/requestguard/pkg/utils"
)

// Matcher classifies a normalized payload. *classifier.Registry and
// *classifier.Set satisfy it.
type Matcher interface {
	Classify(normalized string) (classifier.Match, bool)
}

// Config bounds the correlation state.
type Config struct {
	Window            time.Duration `yaml:"window"`
	MaxClients        int           `yaml:"max_clients"`
	MaxFragments      int           `yaml:"max_fragments"`
	MaxFragmentLength int           `yaml:"max_fragment_length"`
}

// DefaultConfig returns a 60s window over the last 8 fragments of up to 1 KiB.
func DefaultConfig() Config {
	return Config{
		Window:            60 * time.Second,
		MaxClients:        10000,
		MaxFragments:      8,
		MaxFragmentLength: 1024,
	}
}

// Validate checks that every bound is positive.
func (c Config) Validate() error {
	switch {
	case c.Window <= 0:
		return errors.New("correlator: window must be positive")
	case c.MaxClients <= 0:
		return errors.New("correlator: max clients must be positive")
	case c.MaxFragments <= 0:
		return errors.New("correlator: max fragments must be positive")
	case c.MaxFragmentLength <= 0:
		return errors.New("correlator: max fragment length must be positive")
	}
	return nil
}

type fragment struct {
	text string
	at   time.Time
}

// Detection describes a sequence whose concatenation matched a signature.
type Detection struct {
	Match     classifier.Match
	Fragments int
	Span      time.Duration
}

// Correlator holds per-client fragment buffers.
type Correlator struct {
	cfg     Config
	matcher Matcher
	buffers *cache.BoundedCache[utils.ClientIdentity, []fragment]
	clock   cache.Clock
	logger  *zap.Logger

	detections atomic.Uint64
}

// Option customizes a Correlator.
type Option func(*Correlator)

// WithClock sets the clock used for fragment timestamps and buffer TTL.
func WithClock(c cache.Clock) Option {
	return func(cr *Correlator) { cr.clock = c }
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(cr *Correlator) {
		if l != nil {
			cr.logger = l
		}
	}
}

// New creates a correlator. The buffer cache TTL equals the window.
func New(cfg Config, matcher Matcher, opts ...Option) (*Correlator, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if matcher == nil {
		return nil, errors.New("correlator: matcher is required")
	}
	c := &Correlator{
		cfg:     cfg,
		matcher: matcher,
		clock:   cache.SystemClock(),
		logger:  zap.NewNop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.Named("correlator")

	buffers, err := cache.New[utils.ClientIdentity, []fragment]("fragment_buffers", cfg.MaxClients, cfg.Window, cache.WithClock(c.clock))
	if err != nil {
		return nil, fmt.Errorf("correlator: %w", err)
	}
	c.buffers = buffers
	return c, nil
}

// Observe appends a normalized fragment to the client's buffer and classifies
// the buffered sequence. Empty fragments and fragments that match by
// themselves are ignored.
func (c *Correlator) Observe(id utils.ClientIdentity, normalized string) (Detection, bool) {
	if normalized == "" {
		return Detection{}, false
	}
	text := truncate(normalized, c.cfg.MaxFragmentLength)
	if _, alone := c.matcher.Classify(text); alone {
		return Detection{}, false
	}
	now := c.clock.Now()

	buf := c.buffers.Update(id, func(cur []fragment, _ bool) ([]fragment, bool) {
		return c.appendFragment(cur, fragment{text: text, at: now}), true
	})

	var sb strings.Builder
	for _, f := range buf {
		sb.WriteString(f.text)
	}
	m, ok := c.matcher.Classify(sb.String())
	if !ok {
		return Detection{}, false
	}

	c.buffers.Delete(id)
	c.detections.Add(1)
	d := Detection{
		Match:     m,
		Fragments: len(buf),
		Span:      buf[len(buf)-1].at.Sub(buf[0].at),
	}
	c.logger.Debug("fragment sequence matched",
		zap.String("client", utils.Fingerprint(id)),
		zap.String("category", m.Category),
		zap.String("signature", m.SignatureID),
		zap.Int("fragments", d.Fragments))
	return d, true
}

// appendFragment returns a new slice: the window-pruned buffer plus f, capped
// at MaxFragments with the oldest dropped first. cur is never modified.
func (c *Correlator) appendFragment(cur []fragment, f fragment) []fragment {
	cutoff := f.at.Add(-c.cfg.Window)
	start := 0
	for start < len(cur) && !cur[start].at.After(cutoff) {
		start++
	}
	kept := cur[start:]
	if over := len(kept) + 1 - c.cfg.MaxFragments; over > 0 {
		kept = kept[over:]
	}
	next := make([]fragment, 0, len(kept)+1)
	next = append(next, kept...)
	return append(next, f)
}

// Pending returns the number of fragments buffered for id.
func (c *Correlator) Pending(id utils.ClientIdentity) int {
	buf, _ := c.buffers.Get(id)
	return len(buf)
}

// Reset drops the buffer for id.
func (c *Correlator) Reset(id utils.ClientIdentity) {
	c.buffers.Delete(id)
}

// Detections returns the number of sequences detected.
func (c *Correlator) Detections() uint64 { return c.detections.Load() }

// Store exposes the buffer cache for sweeping and stats.
func (c *Correlator) Store() cache.Store {
	return c.buffers
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	cut := max
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut]
}
