// Package pubsub provides topic names, the event envelope and an in-process
// bus that fans security events out to the audit log and monitoring.
//
// Topic Naming Convention:
//   - security.decision: one event per evaluated request
//   - security.detection: detector trips, blocks, threats and sequences
//
// Design Notes:
//   - Topics are constants to avoid typos and enable compile-time checks
//   - Version field in envelopes enables schema evolution
//   - Delivery is synchronous and in-process; handlers must not block
package pubsub

const (
	// TopicDecision carries every allow/deny decision.
	// Publishers: pipeline
	// Subscribers: audit log
	TopicDecision = "security.decision"

	// TopicDetection carries detector trips and block lifecycle events.
	// Publishers: pipeline
	// Subscribers: audit log, monitoring metrics
	TopicDetection = "security.detection"
)

// AllTopics returns all defined topic names.
func AllTopics() []string {
	return []string{
		TopicDecision,
		TopicDetection,
	}
}

// IsValidTopic checks if the given topic name is recognized.
func IsValidTopic(topic string) bool {
	for _, t := range AllTopics() {
		if t == topic {
			return true
		}
	}
	return false
}

// TopicMetadata provides descriptive information about topics.
type TopicMetadata struct {
	Name        string `json:"name"`
	Description string `json:"description"`
}

// GetTopicMetadata returns metadata for all topics.
func GetTopicMetadata() []TopicMetadata {
	return []TopicMetadata{
		{
			Name:        TopicDecision,
			Description: "Allow/deny decision for every evaluated request",
		},
		{
			Name:        TopicDetection,
			Description: "Detector trips, issued and lifted blocks, threats and attack sequences",
		},
	}
}
