// Package webhook delivers care events to tenant workflow endpoints and
// fans them out on the internal tenant bus.
package webhook

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Outbound event types.
const (
	EventEscalationDetected = "care.escalation_detected"
	EventStateTransition    = "care.state_transition"
	EventSuggestionCreated  = "care.suggestion_created"
)

// Entity identifies the CRM record an event is about.
type Entity struct {
	Type string `json:"type"`
	ID   string `json:"id"`
}

// Event is the wire envelope. Field order and names are part of the
// contract with downstream workflow engines.
type Event struct {
	EventID  string                 `json:"event_id"`
	Type     string                 `json:"type"`
	TS       string                 `json:"ts"`
	TenantID string                 `json:"tenant_id"`
	Entity   Entity                 `json:"entity"`
	Payload  map[string]interface{} `json:"payload"`
}

// NewEvent builds an envelope with a fresh id and a UTC timestamp.
func NewEvent(eventType, tenantID string, entity Entity, payload map[string]interface{}) *Event {
	if payload == nil {
		payload = map[string]interface{}{}
	}
	return &Event{
		EventID:  uuid.NewString(),
		Type:     eventType,
		TS:       time.Now().UTC().Format(time.RFC3339),
		TenantID: tenantID,
		Entity:   entity,
		Payload:  payload,
	}
}

// JSON serializes the event.
func (e *Event) JSON() ([]byte, error) {
	return json.Marshal(e)
}
