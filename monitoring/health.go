package monitoring

import (
	"fmt"
	"math"
	"time"

	"github.com/o-tero/requestguard/pkg/models"
)

// Health status values.
const (
	StatusHealthy  = "healthy"
	StatusDegraded = "degraded"
	StatusCritical = "critical"
)

// Latency levels past which evaluation is considered slow.
const (
	slowP95     = 5 * time.Millisecond
	criticalP95 = 20 * time.Millisecond

	cachePressure = 0.95
)

// SystemHealth is a scored summary of pipeline health.
type SystemHealth struct {
	Status string        `json:"status"` // "healthy", "degraded", "critical"
	Score  float64       `json:"score"`  // 0-100
	Issues []HealthIssue `json:"issues"`
}

// HealthIssue is one contributor to a lowered health score.
type HealthIssue struct {
	Type     string `json:"type"`
	Severity string `json:"severity"`
	Message  string `json:"message"`
}

// CalculateHealth scores the pipeline from the rolling window, the latency
// summary and the bounded stores.
func CalculateHealth(window WindowStats, latency models.LatencySummary, caches []models.CacheStats, cfg Config) SystemHealth {
	score := 100.0
	issues := make([]HealthIssue, 0)

	if window.SystemErrors > 0 {
		score -= 25
		severity := "warning"
		if window.ErrorRate > cfg.ErrorRateThreshold {
			severity = "critical"
			score -= 25
		}
		issues = append(issues, HealthIssue{
			Type:     "reliability",
			Severity: severity,
			Message:  fmt.Sprintf("%d evaluations failed internally (%.2f%%)", window.SystemErrors, window.ErrorRate*100),
		})
	}

	if latency.Count > 0 && latency.P95 > slowP95 {
		score -= 15
		severity := "warning"
		if latency.P95 > criticalP95 {
			severity = "critical"
			score -= 15
		}
		issues = append(issues, HealthIssue{
			Type:     "performance",
			Severity: severity,
			Message:  fmt.Sprintf("P95 evaluation latency is elevated (%s)", latency.P95),
		})
	}

	if window.Requests >= int64(cfg.MinRequests) && window.DenyRate > cfg.DenyRateThreshold {
		score -= 10
		issues = append(issues, HealthIssue{
			Type:     "traffic",
			Severity: "info",
			Message:  fmt.Sprintf("Deny rate is high (%.1f%%)", window.DenyRate*100),
		})
	}

	for _, c := range caches {
		if c.Utilization() >= cachePressure {
			score -= 5
			issues = append(issues, HealthIssue{
				Type:     "capacity",
				Severity: "info",
				Message:  fmt.Sprintf("Store %s is at %.0f%% of capacity", c.Name, c.Utilization()*100),
			})
		}
	}

	status := StatusHealthy
	if score < 80 {
		status = StatusDegraded
	}
	if score < 60 {
		status = StatusCritical
	}
	return SystemHealth{Status: status, Score: math.Max(0, score), Issues: issues}
}
