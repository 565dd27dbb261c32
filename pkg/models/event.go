package models

import (
	"time"

	"github.com/google/uuid"
)

// EventType classifies a SecurityEvent.
type EventType string

const (
	EventDecision      EventType = "decision"
	EventBlockIssued   EventType = "block_issued"
	EventThreat        EventType = "threat_detected"
	EventSequence      EventType = "sequence_detected"
	EventAnomaly       EventType = "behavior_anomaly"
	EventSystemError   EventType = "system_error"
	EventBlockExpired  EventType = "block_expired"
	EventManualUnblock EventType = "manual_unblock"
)

// Severity ranks how urgent an event is.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// Rank orders severities for filtering; unknown values rank lowest.
func (s Severity) Rank() int {
	switch s {
	case SeverityLow:
		return 1
	case SeverityMedium:
		return 2
	case SeverityHigh:
		return 3
	case SeverityCritical:
		return 4
	default:
		return 0
	}
}

// SecurityEvent is one structured log record. Every field that can carry
// user-controlled text (Summary, Excerpt, Pattern) must already be redacted
// when the event is built; ClientID is a fingerprint, never a raw address.
type SecurityEvent struct {
	ID        string     `json:"id"`
	Timestamp time.Time  `json:"timestamp"`
	Type      EventType  `json:"type"`
	Severity  Severity   `json:"severity"`
	Reason    ReasonCode `json:"reason,omitempty"`
	Summary   string     `json:"reason_summary"`
	ClientID  string     `json:"client_id,omitempty"`
	RequestID string     `json:"request_id,omitempty"`
	Excerpt   string     `json:"excerpt,omitempty"`
	Pattern   string     `json:"pattern,omitempty"`
	Allowed   bool       `json:"allowed"`
}

// NewSecurityEvent stamps a fresh event with an ID and timestamp.
func NewSecurityEvent(at time.Time, typ EventType, sev Severity, reason ReasonCode, summary string) SecurityEvent {
	return SecurityEvent{
		ID:        uuid.NewString(),
		Timestamp: at.UTC(),
		Type:      typ,
		Severity:  sev,
		Reason:    reason,
		Summary:   summary,
	}
}

// SeverityFor maps a reason code to the severity it is logged with.
func SeverityFor(reason ReasonCode) Severity {
	switch {
	case reason == ReasonNone:
		return SeverityInfo
	case reason == ReasonSequenceAttack, reason.IsThreat():
		return SeverityHigh
	case reason == ReasonBurstDetected:
		return SeverityCritical
	case reason == ReasonRepeatedFailure, reason == ReasonRateLimitViolation:
		return SeverityMedium
	case reason == ReasonSystemError:
		return SeverityHigh
	default:
		return SeverityLow
	}
}
