// Package monitoring provides observability for the request-security pipeline.
//
// Design Philosophy:
// - Minimal-lock metrics collection: atomic counters on the hot path, one
//   short mutex section per decision for the per-reason breakdown
// - Per-second time buckets for windowed statistics that drive alert rules
// - Bounded buffers everywhere: latency ring, bucket retention, resolved
//   alert history
//
// Architecture:
// - The pipeline records every decision directly on Metrics
// - Detection events arrive through a pubsub subscription (Metrics.Subscribe)
// - AlertManager evaluates rules over a rolling window on its own ticker
// - Collector exposes a pipeline snapshot to Prometheus
package monitoring

import (
	"errors"
	"time"
)

// Config holds monitoring configuration.
type Config struct {
	LatencySamples    int           `yaml:"latency_samples"`     // Ring buffer size
	Retention         time.Duration `yaml:"retention"`           // How long per-second buckets are kept
	AlertWindow       time.Duration `yaml:"alert_window"`        // Rolling window alert rules look at
	AlertEvalInterval time.Duration `yaml:"alert_eval_interval"` // How often to evaluate alerts
	ResolvedHistory   int           `yaml:"resolved_history"`    // Resolved alerts kept for inspection

	// Rule thresholds
	MinRequests         int     `yaml:"min_requests"`
	DenyRateThreshold   float64 `yaml:"deny_rate_threshold"`
	ErrorRateThreshold  float64 `yaml:"error_rate_threshold"`
	BurstStormThreshold int     `yaml:"burst_storm_threshold"`
	TrafficDeviation    float64 `yaml:"traffic_deviation"` // z-score
}

// DefaultConfig returns sensible default configuration.
func DefaultConfig() Config {
	return Config{
		LatencySamples:      10000,
		Retention:           15 * time.Minute,
		AlertWindow:         1 * time.Minute,
		AlertEvalInterval:   10 * time.Second,
		ResolvedHistory:     100,
		MinRequests:         20,
		DenyRateThreshold:   0.5,
		ErrorRateThreshold:  0.05,
		BurstStormThreshold: 3,
		TrafficDeviation:    4,
	}
}

// Validate rejects non-positive sizes, durations and thresholds.
func (c Config) Validate() error {
	switch {
	case c.LatencySamples <= 0, c.ResolvedHistory <= 0:
		return errors.New("monitoring: buffer sizes must be positive")
	case c.Retention <= 0, c.AlertWindow <= 0, c.AlertEvalInterval <= 0:
		return errors.New("monitoring: durations must be positive")
	case c.AlertWindow > c.Retention:
		return errors.New("monitoring: alert window exceeds retention")
	case c.MinRequests <= 0, c.BurstStormThreshold <= 0:
		return errors.New("monitoring: rule counts must be positive")
	case c.DenyRateThreshold <= 0 || c.DenyRateThreshold > 1,
		c.ErrorRateThreshold <= 0 || c.ErrorRateThreshold > 1:
		return errors.New("monitoring: rate thresholds must be in (0,1]")
	case c.TrafficDeviation <= 0:
		return errors.New("monitoring: traffic deviation must be positive")
	}
	return nil
}

// WindowStats aggregates decisions over a time range.
type WindowStats struct {
	Start        time.Time `json:"start"`
	End          time.Time `json:"end"`
	Requests     int64     `json:"requests"`
	Denied       int64     `json:"denied"`
	Warned       int64     `json:"warned"`
	SystemErrors int64     `json:"system_errors"`
	Bursts       int64     `json:"bursts"`
	DenyRate     float64   `json:"deny_rate"`
	ErrorRate    float64   `json:"error_rate"`
	QPS          float64   `json:"qps"`
}

// AlertStats summarizes alert manager activity.
type AlertStats struct {
	TotalTriggered int64   `json:"total_triggered"`
	TotalResolved  int64   `json:"total_resolved"`
	ActiveCount    int     `json:"active_count"`
	AvgDuration    float64 `json:"avg_duration_seconds"`
}
