package monitoring

import (
	"context"
	"fmt"
	"math"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/o-tero/requestguard/pkg/cache"
)

// WindowSource supplies rolling-window statistics. *Metrics satisfies it.
type WindowSource interface {
	Window(d time.Duration) WindowStats
}

// AlertManager manages alert evaluation, triggering, and resolution.
//
// Design: Periodically evaluates alert rules against the rolling window.
// Maintains active alert registry with automatic resolution when conditions normalize.
type AlertManager struct {
	source WindowSource
	config Config
	clock  cache.Clock
	logger *zap.Logger

	rules []AlertRule

	mu             sync.RWMutex
	activeAlerts   map[string]*Alert
	resolvedAlerts []Alert

	stats alertCounters

	stopOnce sync.Once
	stopChan chan struct{}
}

type alertCounters struct {
	triggered atomic.Int64
	resolved  atomic.Int64
	duration  atomic.Int64 // Cumulative milliseconds
}

// Alert represents an active or resolved alert.
type Alert struct {
	ID           string        `json:"id"`
	Rule         string        `json:"rule"`
	Type         AlertType     `json:"type"`
	Severity     string        `json:"severity"`
	Metric       string        `json:"metric"`
	CurrentValue float64       `json:"current_value"`
	Threshold    float64       `json:"threshold"`
	Message      string        `json:"message"`
	TriggeredAt  time.Time     `json:"triggered_at"`
	ResolvedAt   *time.Time    `json:"resolved_at,omitempty"`
	Duration     time.Duration `json:"duration"`
	Resolved     bool          `json:"resolved"`
}

// AlertType represents the category of alert.
type AlertType string

const (
	AlertHighDenyRate    AlertType = "high_deny_rate"
	AlertBurstStorm      AlertType = "burst_storm"
	AlertSystemErrorRate AlertType = "system_error_rate"
	AlertTrafficSpike    AlertType = "traffic_spike"
)

// AlertRule defines a condition that triggers an alert.
type AlertRule interface {
	ID() string
	Evaluate(stats WindowStats) *Alert
}

// NewAlertManager creates an alert manager with the default rules.
func NewAlertManager(source WindowSource, config Config, clock cache.Clock, logger *zap.Logger) *AlertManager {
	if clock == nil {
		clock = cache.SystemClock()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &AlertManager{
		source:         source,
		config:         config,
		clock:          clock,
		logger:         logger.Named("alerts"),
		activeAlerts:   make(map[string]*Alert),
		resolvedAlerts: make([]Alert, 0),
		stopChan:       make(chan struct{}),
		rules: []AlertRule{
			NewHighDenyRateRule(config.DenyRateThreshold, config.MinRequests),
			NewBurstStormRule(config.BurstStormThreshold),
			NewSystemErrorRateRule(config.ErrorRateThreshold, config.MinRequests),
			NewTrafficSpikeRule(config.TrafficDeviation, config.MinRequests),
		},
	}
}

// Run evaluates rules on every tick until ctx is done or Stop is called.
func (am *AlertManager) Run(ctx context.Context) {
	ticker := time.NewTicker(am.config.AlertEvalInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-am.stopChan:
			return
		case <-ticker.C:
			am.evaluateRules()
		}
	}
}

// Stop signals Run to return. Safe to call more than once.
func (am *AlertManager) Stop() {
	am.stopOnce.Do(func() { close(am.stopChan) })
}

// evaluateRules evaluates all alert rules against the rolling window.
func (am *AlertManager) evaluateRules() {
	stats := am.source.Window(am.config.AlertWindow)

	for _, rule := range am.rules {
		if alert := rule.Evaluate(stats); alert != nil {
			am.triggerAlert(alert)
		} else {
			am.resolveAlert(rule.ID())
		}
	}
}

// triggerAlert activates an alert or updates an existing one.
func (am *AlertManager) triggerAlert(alert *Alert) {
	am.mu.Lock()
	defer am.mu.Unlock()

	if existing, ok := am.activeAlerts[alert.Rule]; ok {
		existing.CurrentValue = alert.CurrentValue
		existing.Message = alert.Message
		existing.Severity = alert.Severity
		return
	}

	alert.ID = uuid.NewString()
	alert.TriggeredAt = am.clock.Now()
	am.activeAlerts[alert.Rule] = alert
	am.stats.triggered.Add(1)
	am.logger.Warn("alert triggered",
		zap.String("rule", alert.Rule),
		zap.String("severity", alert.Severity),
		zap.String("message", alert.Message))
}

// resolveAlert marks the rule's alert resolved if one is active.
func (am *AlertManager) resolveAlert(rule string) {
	am.mu.Lock()
	defer am.mu.Unlock()

	alert, ok := am.activeAlerts[rule]
	if !ok {
		return
	}

	now := am.clock.Now()
	alert.ResolvedAt = &now
	alert.Duration = now.Sub(alert.TriggeredAt)
	alert.Resolved = true

	am.resolvedAlerts = append(am.resolvedAlerts, *alert)
	delete(am.activeAlerts, rule)

	am.stats.resolved.Add(1)
	am.stats.duration.Add(alert.Duration.Milliseconds())

	if over := len(am.resolvedAlerts) - am.config.ResolvedHistory; over > 0 {
		am.resolvedAlerts = am.resolvedAlerts[over:]
	}
	am.logger.Info("alert resolved", zap.String("rule", rule), zap.Duration("duration", alert.Duration))
}

// GetActiveAlerts returns all currently active alerts, ordered by rule.
func (am *AlertManager) GetActiveAlerts() []Alert {
	am.mu.RLock()
	defer am.mu.RUnlock()

	alerts := make([]Alert, 0, len(am.activeAlerts))
	for _, alert := range am.activeAlerts {
		alerts = append(alerts, *alert)
	}
	sort.Slice(alerts, func(i, j int) bool { return alerts[i].Rule < alerts[j].Rule })
	return alerts
}

// ActiveRules returns the rule IDs of active alerts, sorted.
func (am *AlertManager) ActiveRules() []string {
	active := am.GetActiveAlerts()
	if len(active) == 0 {
		return nil
	}
	ids := make([]string, len(active))
	for i, a := range active {
		ids[i] = a.Rule
	}
	return ids
}

// GetRecentResolvedAlerts returns the N most recent resolved alerts, newest first.
func (am *AlertManager) GetRecentResolvedAlerts(n int) []Alert {
	am.mu.RLock()
	defer am.mu.RUnlock()

	if n > len(am.resolvedAlerts) {
		n = len(am.resolvedAlerts)
	}
	result := make([]Alert, n)
	for i := 0; i < n; i++ {
		result[i] = am.resolvedAlerts[len(am.resolvedAlerts)-1-i]
	}
	return result
}

// GetStats returns alert manager statistics.
func (am *AlertManager) GetStats() AlertStats {
	triggered := am.stats.triggered.Load()
	resolved := am.stats.resolved.Load()

	avgDuration := 0.0
	if resolved > 0 {
		avgDuration = float64(am.stats.duration.Load()) / float64(resolved) / 1000.0
	}

	am.mu.RLock()
	activeCount := len(am.activeAlerts)
	am.mu.RUnlock()

	return AlertStats{
		TotalTriggered: triggered,
		TotalResolved:  resolved,
		ActiveCount:    activeCount,
		AvgDuration:    avgDuration,
	}
}

// Concrete Alert Rules

// HighDenyRateRule triggers when the share of denied requests exceeds threshold.
type HighDenyRateRule struct {
	threshold   float64
	minRequests int
}

func NewHighDenyRateRule(threshold float64, minRequests int) *HighDenyRateRule {
	return &HighDenyRateRule{threshold: threshold, minRequests: minRequests}
}

func (r *HighDenyRateRule) ID() string { return string(AlertHighDenyRate) }

func (r *HighDenyRateRule) Evaluate(stats WindowStats) *Alert {
	if stats.Requests < int64(r.minRequests) || stats.DenyRate <= r.threshold {
		return nil
	}
	severity := "warning"
	if stats.DenyRate > (1+r.threshold)/2 {
		severity = "critical"
	}
	return &Alert{
		Rule:         r.ID(),
		Type:         AlertHighDenyRate,
		Severity:     severity,
		Metric:       "deny_rate",
		CurrentValue: stats.DenyRate,
		Threshold:    r.threshold,
		Message:      fmt.Sprintf("Deny rate %.2f%% exceeds threshold %.2f%%", stats.DenyRate*100, r.threshold*100),
	}
}

// BurstStormRule triggers when many clients trip the burst detector at once.
type BurstStormRule struct {
	threshold int
}

func NewBurstStormRule(threshold int) *BurstStormRule {
	return &BurstStormRule{threshold: threshold}
}

func (r *BurstStormRule) ID() string { return string(AlertBurstStorm) }

func (r *BurstStormRule) Evaluate(stats WindowStats) *Alert {
	if stats.Bursts < int64(r.threshold) {
		return nil
	}
	return &Alert{
		Rule:         r.ID(),
		Type:         AlertBurstStorm,
		Severity:     "critical",
		Metric:       "bursts",
		CurrentValue: float64(stats.Bursts),
		Threshold:    float64(r.threshold),
		Message:      fmt.Sprintf("%d burst detections in the last %s", stats.Bursts, stats.End.Sub(stats.Start)),
	}
}

// SystemErrorRateRule triggers when internal failures exceed threshold.
type SystemErrorRateRule struct {
	threshold   float64
	minRequests int
}

func NewSystemErrorRateRule(threshold float64, minRequests int) *SystemErrorRateRule {
	return &SystemErrorRateRule{threshold: threshold, minRequests: minRequests}
}

func (r *SystemErrorRateRule) ID() string { return string(AlertSystemErrorRate) }

func (r *SystemErrorRateRule) Evaluate(stats WindowStats) *Alert {
	if stats.Requests < int64(r.minRequests) || stats.ErrorRate <= r.threshold {
		return nil
	}
	return &Alert{
		Rule:         r.ID(),
		Type:         AlertSystemErrorRate,
		Severity:     "critical",
		Metric:       "error_rate",
		CurrentValue: stats.ErrorRate,
		Threshold:    r.threshold,
		Message:      fmt.Sprintf("System error rate %.2f%% exceeds threshold %.2f%%", stats.ErrorRate*100, r.threshold*100),
	}
}

// TrafficSpikeRule uses a moving baseline of QPS for an adaptive threshold.
//
// Design: Maintains baseline statistics and triggers alerts when QPS
// deviates upward from historical patterns by more than deviationLimit
// standard deviations.
type TrafficSpikeRule struct {
	baseline       *HistoricalStats
	deviationLimit float64
	minRequests    int
}

func NewTrafficSpikeRule(deviationLimit float64, minRequests int) *TrafficSpikeRule {
	return &TrafficSpikeRule{
		baseline:       NewHistoricalStats(60),
		deviationLimit: deviationLimit,
		minRequests:    minRequests,
	}
}

func (r *TrafficSpikeRule) ID() string { return string(AlertTrafficSpike) }

func (r *TrafficSpikeRule) Evaluate(stats WindowStats) *Alert {
	current := stats.QPS
	mean, stddev := r.baseline.MeanStdDev()
	ready := r.baseline.Count() >= 20
	r.baseline.Add(current)

	if !ready || stats.Requests < int64(r.minRequests) {
		return nil
	}
	if stddev == 0 {
		stddev = math.Max(mean*0.1, 1e-9)
	}
	zscore := (current - mean) / stddev
	if zscore <= r.deviationLimit {
		return nil
	}
	severity := "warning"
	if zscore > r.deviationLimit*1.5 {
		severity = "critical"
	}
	return &Alert{
		Rule:         r.ID(),
		Type:         AlertTrafficSpike,
		Severity:     severity,
		Metric:       "qps",
		CurrentValue: current,
		Threshold:    mean,
		Message:      fmt.Sprintf("QPS %.2f deviates %.2f standard deviations from baseline %.2f", current, zscore, mean),
	}
}

// HistoricalStats keeps the last N values of a metric for baseline statistics.
type HistoricalStats struct {
	values []float64
	count  int
	index  int
}

// NewHistoricalStats creates a tracker holding up to capacity values.
func NewHistoricalStats(capacity int) *HistoricalStats {
	return &HistoricalStats{values: make([]float64, capacity)}
}

// Add records a value, overwriting the oldest once full.
func (hs *HistoricalStats) Add(value float64) {
	hs.values[hs.index] = value
	hs.index = (hs.index + 1) % len(hs.values)
	if hs.count < len(hs.values) {
		hs.count++
	}
}

// MeanStdDev returns the sample mean and standard deviation.
// Complexity: O(n).
func (hs *HistoricalStats) MeanStdDev() (float64, float64) {
	if hs.count == 0 {
		return 0, 0
	}
	var sum float64
	for _, v := range hs.values[:hs.count] {
		sum += v
	}
	mean := sum / float64(hs.count)
	if hs.count < 2 {
		return mean, 0
	}
	var m2 float64
	for _, v := range hs.values[:hs.count] {
		m2 += (v - mean) * (v - mean)
	}
	return mean, math.Sqrt(m2 / float64(hs.count-1))
}

// Count returns the number of samples.
func (hs *HistoricalStats) Count() int {
	return hs.count
}
