package broadcast

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Topic is the category part of a channel name. Every channel is scoped to
// one session: "<topic>-<session token>".
type Topic string

const (
	TopicLoadingState   Topic = "loading-state"
	TopicFeatureUpdates Topic = "feature-updates"
	TopicQualityMetrics Topic = "quality-metrics"
)

// Event names carried on the three topics.
const (
	EventWaitingForFeature = "waiting-for-feature"
	EventFeatureReceived   = "feature-received"
	EventWaitingForMetrics = "waiting-for-metrics"
	EventMetricsReceived   = "metrics-received"
	EventFeatureUpdate     = "feature-update"
	EventMetricsUpdate     = "metrics-update"
)

// TopicName returns the session-scoped channel name for topic.
func TopicName(topic Topic, sessionToken string) string {
	return string(topic) + "-" + sessionToken
}

// Event is the envelope written to the transport. ID stays the same when an
// event is republished, so subscribers can drop the second copy.
type Event struct {
	ID      string          `json:"id"`
	Name    string          `json:"event"`
	Sender  string          `json:"sender,omitempty"`
	SentAt  time.Time       `json:"sent_at"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// NewEvent builds an event with a fresh id.
func NewEvent(name string, payload any) (Event, error) {
	event := Event{
		ID:     uuid.NewString(),
		Name:   name,
		SentAt: time.Now().UTC(),
	}
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return Event{}, fmt.Errorf("marshal %s payload: %w", name, err)
		}
		event.Payload = raw
	}
	return event, nil
}

// Decode unmarshals the payload into target.
func (e Event) Decode(target any) error {
	if len(e.Payload) == 0 {
		return fmt.Errorf("event %s has no payload", e.Name)
	}
	if err := json.Unmarshal(e.Payload, target); err != nil {
		return fmt.Errorf("decode %s payload: %w", e.Name, err)
	}
	return nil
}
