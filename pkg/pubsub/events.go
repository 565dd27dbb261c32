package pubsub

import (
	"errors"
	"fmt"
	"time"

	"github.com/o-tero/requestguard/pkg/models"
	"github.com/o-tero/requestguard/pkg/utils"
)

// Event versioning strategy:
// - Version 1: Initial schema
// - Future versions: Add fields, never remove (backward compatible)

const (
	// EventVersion1 is the current envelope schema version
	EventVersion1 = 1
)

// Envelope wraps a SecurityEvent for delivery on a topic.
type Envelope struct {
	Version     int                  `json:"version"`
	Topic       string               `json:"topic"`
	PublishedAt time.Time            `json:"published_at"`
	Event       models.SecurityEvent `json:"event"`
}

// NewEnvelope wraps ev for topic.
func NewEnvelope(topic string, ev models.SecurityEvent, at time.Time) Envelope {
	return Envelope{
		Version:     EventVersion1,
		Topic:       topic,
		PublishedAt: at,
		Event:       ev,
	}
}

// Validate checks if the envelope is well-formed.
func (e *Envelope) Validate() error {
	if e.Version != EventVersion1 {
		return fmt.Errorf("unsupported event version: %d", e.Version)
	}
	if !IsValidTopic(e.Topic) {
		return fmt.Errorf("unknown topic: %q", e.Topic)
	}
	if e.Event.Type == "" {
		return errors.New("event type is required")
	}
	if e.Event.ID == "" {
		return errors.New("event id is required")
	}
	if e.Event.Timestamp.IsZero() {
		return errors.New("event timestamp cannot be zero")
	}
	return nil
}

// ToJSON serializes the envelope to JSON.
func (e *Envelope) ToJSON() ([]byte, error) {
	return utils.MarshalEvent(e)
}

// EnvelopeFromJSON deserializes an Envelope from JSON.
func EnvelopeFromJSON(data []byte) (*Envelope, error) {
	var e Envelope
	if err := utils.UnmarshalEvent(data, &e); err != nil {
		return nil, err
	}
	return &e, nil
}
