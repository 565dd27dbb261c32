package models

import (
	"testing"
	"time"
)

func TestNewMetricSnapshot(t *testing.T) {
	reasons := map[ReasonCode]uint64{ReasonBurstDetected: 15, ThreatReason("ssrf"): 5}
	snapshot := NewMetricSnapshot(80, 20, 3, 2, reasons, LatencySummary{})

	if snapshot.Evaluated != 100 {
		t.Errorf("Expected 100 evaluated, got %d", snapshot.Evaluated)
	}
	if snapshot.DenyRate != 0.2 {
		t.Errorf("Expected deny rate 0.20, got %.2f", snapshot.DenyRate)
	}
	if snapshot.ErrorRate != 0.02 {
		t.Errorf("Expected error rate 0.02, got %.2f", snapshot.ErrorRate)
	}

	// The snapshot must not alias the caller's map.
	reasons[ReasonBurstDetected] = 999
	if snapshot.ByReason[ReasonBurstDetected] != 15 {
		t.Errorf("ByReason aliased caller map: %d", snapshot.ByReason[ReasonBurstDetected])
	}
}

func TestNewMetricSnapshot_Empty(t *testing.T) {
	snapshot := NewMetricSnapshot(0, 0, 0, 0, nil, LatencySummary{})
	if snapshot.DenyRate != 0 || snapshot.ErrorRate != 0 {
		t.Errorf("Expected zero rates, got %.2f/%.2f", snapshot.DenyRate, snapshot.ErrorRate)
	}
	if snapshot.ByReason != nil {
		t.Errorf("Expected nil ByReason, got %v", snapshot.ByReason)
	}
}

func TestCalculateLatencySummary(t *testing.T) {
	samples := make([]time.Duration, 0, 100)
	for i := 100; i >= 1; i-- {
		samples = append(samples, time.Duration(i)*time.Millisecond)
	}

	summary := CalculateLatencySummary(samples)

	if summary.Count != 100 {
		t.Errorf("Expected count 100, got %d", summary.Count)
	}
	if summary.Min != time.Millisecond || summary.Max != 100*time.Millisecond {
		t.Errorf("Unexpected min/max %v/%v", summary.Min, summary.Max)
	}
	if summary.P50 < 50*time.Millisecond || summary.P50 > 51*time.Millisecond {
		t.Errorf("P50 out of range: %v", summary.P50)
	}
	if summary.P99 < 99*time.Millisecond {
		t.Errorf("P99 too low: %v", summary.P99)
	}
	if avg := summary.AvgLatency(); avg != 50500*time.Microsecond {
		t.Errorf("Expected avg 50.5ms, got %v", avg)
	}
	if samples[0] != 100*time.Millisecond {
		t.Error("CalculateLatencySummary must not reorder the input")
	}
}

func TestCalculateLatencySummary_Empty(t *testing.T) {
	summary := CalculateLatencySummary(nil)
	if summary.Count != 0 || summary.AvgLatency() != 0 {
		t.Errorf("Expected empty summary, got %+v", summary)
	}
}

func TestCacheStatsUtilization(t *testing.T) {
	if got := (CacheStats{Size: 25, Capacity: 100}).Utilization(); got != 0.25 {
		t.Errorf("Utilization = %.2f, want 0.25", got)
	}
	if got := (CacheStats{Size: 1}).Utilization(); got != 0 {
		t.Errorf("Utilization with zero capacity = %.2f, want 0", got)
	}
}
