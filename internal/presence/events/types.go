// Package events provides presence event definitions and publishing infrastructure.
// Events are transport-agnostic; NATS is one Publisher among several.
package events

import (
	"encoding/json"
	"time"

	"github.com/sebas/presenced/internal/presence/pidf"
)

// EventType identifies the type of presence event
type EventType string

const (
	// PresenceStatusIn fires for every accepted status document
	PresenceStatusIn EventType = "presence.status.in"
	// SubscriptionActive fires when an outbound subscription is established
	SubscriptionActive EventType = "presence.subscription.active"
	// SubscriptionEnded fires when a subscription is torn down (any reason)
	SubscriptionEnded EventType = "presence.subscription.ended"
)

// Event is the base interface for all presence events
type Event interface {
	// Type returns the event type for routing/filtering
	Type() EventType
	// Subject returns the NATS subject this event should publish to
	Subject() string
	// Timestamp returns when the event occurred
	Timestamp() time.Time
	// ID returns the unique event identifier (deduplication key)
	ID() string
}

// BaseEvent contains fields common to all events
type BaseEvent struct {
	EventID   string    `json:"event_id"`
	EventType EventType `json:"event_type"`
	EventTime time.Time `json:"event_time"`
	// RegistrationUUID is the binding the subscription mirrors
	RegistrationUUID string `json:"registration_uuid,omitempty"`
	// Entity is the authenticated identity, username@realm
	Entity string `json:"entity"`
	NodeID string `json:"node_id,omitempty"`

	subjectPrefix string
}

func (e *BaseEvent) Type() EventType      { return e.EventType }
func (e *BaseEvent) Timestamp() time.Time { return e.EventTime }
func (e *BaseEvent) ID() string           { return e.EventID }

// Subject returns the NATS subject for routing.
// Status events route by entity, lifecycle events by registration.
func (e *BaseEvent) Subject() string {
	prefix := e.subjectPrefix
	if prefix == "" {
		prefix = DefaultSubjectPrefix
	}
	if e.EventType == PresenceStatusIn {
		return PresenceSubject(prefix, e.Entity)
	}
	return SubscriptionSubject(prefix, e.RegistrationUUID, SubjectForEventType(e.EventType))
}

// Source describes where a status document came from.
type Source struct {
	// Event is the SIP method that carried the document
	Event   string `json:"event"`
	Address string `json:"address"`
	Port    int    `json:"port"`
	// Related is the registered contact the subscription was sent to
	Related string `json:"related"`
}

// PresenceStatusEvent is a parsed status document merged with its origin.
type PresenceStatusEvent struct {
	BaseEvent
	pidf.Status
	Source Source `json:"source"`
}

// SubscriptionActiveEvent fires once the SUBSCRIBE dialog is confirmed.
type SubscriptionActiveEvent struct {
	BaseEvent
	Contact   string `json:"contact"`
	ExpiresIn int    `json:"expires_in"`
	DialogID  string `json:"dialog_id,omitempty"`
}

// SubscriptionEndedEvent fires when a subscription leaves the store.
type SubscriptionEndedEvent struct {
	BaseEvent
	Reason       string `json:"reason"`
	ReasonDetail string `json:"reason_detail,omitempty"`
	// Lifetime from creation to teardown
	DurationMs int64 `json:"duration_ms"`
}

// MarshalEvent encodes any event as JSON.
func MarshalEvent(e Event) ([]byte, error) {
	return json.Marshal(e)
}
