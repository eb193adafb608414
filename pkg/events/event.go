package events

import "time"

// Event defines the contract for all bus events.
type Event interface {
	// EventType returns the unique code for this event (e.g., "intervention.triggered").
	EventType() string

	// Payload returns the data associated with the event.
	Payload() map[string]interface{}

	// Timestamp returns when the event occurred.
	Timestamp() time.Time
}

// InterventionTriggered is published when the abandonment model flags a
// session as HIGH or CRITICAL risk, so downstream services can act on it
// (discount popup, reminder email). This job only announces it.
type InterventionTriggered struct {
	SessionId    string
	UserId       int
	RiskLevel    string
	Probability  float64
	Intervention string
	ModelVersion string
	OccurredAt   time.Time
}

func (e InterventionTriggered) EventType() string {
	return "intervention.triggered"
}

func (e InterventionTriggered) Payload() map[string]interface{} {
	return map[string]interface{}{
		"session_id":    e.SessionId,
		"user_id":       e.UserId,
		"risk_level":    e.RiskLevel,
		"probability":   e.Probability,
		"intervention":  e.Intervention,
		"model_version": e.ModelVersion,
		"occurred_at":   e.OccurredAt,
	}
}

func (e InterventionTriggered) Timestamp() time.Time {
	return e.OccurredAt
}
