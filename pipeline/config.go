package pipeline

import (
	"errors"
	"fmt"
	"time"

	"github.com/o-tero/requestguard/correlator"
	"github.com/o-tero/requestguard/limiter"
	"github.com/o-tero/requestguard/monitoring"
	"github.com/o-tero/requestguard/normalizer"
	"github.com/o-tero/requestguard/profiler"
)

// FailPolicy decides what an internal evaluation failure turns into.
type FailPolicy string

const (
	// FailClosed denies with SYSTEM_ERROR.
	FailClosed FailPolicy = "closed"
	// FailOpen allows the request and relies on downstream defenses.
	FailOpen FailPolicy = "open"
)

// Valid reports whether p is a known policy.
func (p FailPolicy) Valid() bool {
	return p == FailClosed || p == FailOpen
}

// Config holds every tunable of the pipeline and the stores it owns.
type Config struct {
	Normalizer normalizer.Config `yaml:"normalizer"`
	Correlator correlator.Config `yaml:"correlator"`
	Profiler   profiler.Config   `yaml:"profiler"`
	Limiter    limiter.Config    `yaml:"limiter"`
	Monitoring monitoring.Config `yaml:"monitoring"`

	FailPolicy FailPolicy `yaml:"fail_policy"`

	// Trust below TrustBlockThreshold denies; below TrustWarnThreshold allows
	// with a warning.
	TrustBlockThreshold int `yaml:"trust_block_threshold"`
	TrustWarnThreshold  int `yaml:"trust_warn_threshold"`

	// ScorerThreshold is the confidence at which the scorer denies.
	ScorerThreshold float64 `yaml:"scorer_threshold"`

	// SignatureFile, when set, replaces the embedded signature set at New.
	SignatureFile string `yaml:"signature_file"`

	SweepInterval time.Duration `yaml:"sweep_interval"`
	SweepWorkers  int           `yaml:"sweep_workers"`

	// Log lines per second and burst allowed for each event type.
	EventLogRate  float64 `yaml:"event_log_rate"`
	EventLogBurst int     `yaml:"event_log_burst"`
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		Normalizer:          normalizer.DefaultConfig(),
		Correlator:          correlator.DefaultConfig(),
		Profiler:            profiler.DefaultConfig(),
		Limiter:             limiter.DefaultConfig(),
		Monitoring:          monitoring.DefaultConfig(),
		FailPolicy:          FailClosed,
		TrustBlockThreshold: 20,
		TrustWarnThreshold:  40,
		ScorerThreshold:     0.9,
		SweepInterval:       time.Minute,
		SweepWorkers:        2,
		EventLogRate:        20,
		EventLogBurst:       50,
	}
}

// Validate checks every section. Errors name the section they come from.
func (c Config) Validate() error {
	sections := []struct {
		name     string
		validate func() error
	}{
		{"normalizer", c.Normalizer.Validate},
		{"correlator", c.Correlator.Validate},
		{"profiler", c.Profiler.Validate},
		{"limiter", c.Limiter.Validate},
		{"monitoring", c.Monitoring.Validate},
	}
	for _, s := range sections {
		if err := s.validate(); err != nil {
			return fmt.Errorf("%s: %w", s.name, err)
		}
	}

	switch {
	case !c.FailPolicy.Valid():
		return fmt.Errorf("unknown fail policy %q", c.FailPolicy)
	case c.TrustBlockThreshold < 0 || c.TrustWarnThreshold > 100:
		return errors.New("trust thresholds must be within [0,100]")
	case c.TrustBlockThreshold > c.TrustWarnThreshold:
		return errors.New("trust block threshold exceeds warn threshold")
	case c.ScorerThreshold <= 0 || c.ScorerThreshold > 1:
		return errors.New("scorer threshold must be in (0,1]")
	case c.SweepInterval <= 0 || c.SweepWorkers <= 0:
		return errors.New("sweep interval and workers must be positive")
	case c.EventLogRate <= 0 || c.EventLogBurst <= 0:
		return errors.New("event log rate and burst must be positive")
	}
	return nil
}
