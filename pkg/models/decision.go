// Package models provides the canonical data models shared by every stage of
// the request-security pipeline.
//
// Design Philosophy:
// - Reason codes are a closed set of stable strings; callers switch on them.
// - Decisions never carry matched signatures, payload excerpts or scores, so
//   they are always safe to serialize back to a client.
// - Internal detail travels on SecurityEvent, which is only ever logged.
package models

import (
	"strings"
	"time"
)

// ReasonCode is a stable, client-visible identifier for a pipeline outcome.
type ReasonCode string

const (
	ReasonNone               ReasonCode = ""
	ReasonIPBlocked          ReasonCode = "IP_BLOCKED"
	ReasonRateLimitViolation ReasonCode = "RATE_LIMIT_VIOLATION"
	ReasonBurstDetected      ReasonCode = "BURST_DETECTED"
	ReasonRepeatedFailure    ReasonCode = "REPEATED_FAILURE"
	ReasonSequenceAttack     ReasonCode = "SEQUENCE_ATTACK"
	ReasonTrustScoreLow      ReasonCode = "TRUST_SCORE_LOW"
	ReasonSystemError        ReasonCode = "SYSTEM_ERROR"

	// threatPrefix prefixes every classifier category, e.g. THREAT_SSRF.
	threatPrefix = "THREAT_"
)

// ThreatReason builds the reason code for a classifier category.
func ThreatReason(category string) ReasonCode {
	return ReasonCode(threatPrefix + strings.ToUpper(category))
}

// IsThreat reports whether r was produced by ThreatReason.
func (r ReasonCode) IsThreat() bool {
	return strings.HasPrefix(string(r), threatPrefix)
}

// String implements fmt.Stringer.
func (r ReasonCode) String() string {
	return string(r)
}

// Decision is the pipeline's verdict for one request.
//
// JSON shape matches what the HTTP layer may expose; RetryAfter is rendered
// as whole seconds by the middleware, not here.
type Decision struct {
	Allowed    bool          `json:"allowed"`
	Reason     ReasonCode    `json:"reason,omitempty"`
	Warning    ReasonCode    `json:"warning,omitempty"`
	RetryAfter time.Duration `json:"-"`
}

// Allow returns an allow decision, optionally carrying a warning.
func Allow(warning ReasonCode) Decision {
	return Decision{Allowed: true, Warning: warning}
}

// Deny returns a deny decision with a retry hint.
func Deny(reason ReasonCode, retryAfter time.Duration) Decision {
	if retryAfter < 0 {
		retryAfter = 0
	}
	return Decision{Allowed: false, Reason: reason, RetryAfter: retryAfter}
}

// BlockRecord is a timed block issued by a detector.
type BlockRecord struct {
	Reason       ReasonCode `json:"reason"`
	BlockedUntil time.Time  `json:"blocked_until"`
}

// Active reports whether the block still applies at now.
func (b BlockRecord) Active(now time.Time) bool {
	return now.Before(b.BlockedUntil)
}

// Remaining returns how long the block still applies, never negative.
func (b BlockRecord) Remaining(now time.Time) time.Duration {
	if d := b.BlockedUntil.Sub(now); d > 0 {
		return d
	}
	return 0
}

// ErrorResponse is the only body ever returned to a rejected client.
type ErrorResponse struct {
	Error  string     `json:"error"`
	Reason ReasonCode `json:"reason"`
}

// AccessDenied builds the standard rejection body.
func AccessDenied(reason ReasonCode) ErrorResponse {
	return ErrorResponse{Error: "Access denied", Reason: reason}
}
