package events

import (
	"time"

	"github.com/google/uuid"

	"github.com/sebas/presenced/internal/presence/pidf"
)

// Builder provides fluent construction of presence events with consistent defaults.
type Builder struct {
	nodeID        string
	subjectPrefix string
	now           func() time.Time
}

// NewBuilder creates an event builder with global defaults.
func NewBuilder(nodeID string) *Builder {
	return &Builder{
		nodeID:        nodeID,
		subjectPrefix: DefaultSubjectPrefix,
		now:           time.Now,
	}
}

// WithSubjectPrefix sets the subject root for all events.
func (b *Builder) WithSubjectPrefix(prefix string) *Builder {
	if prefix != "" {
		b.subjectPrefix = prefix
	}
	return b
}

// WithClock overrides the time source.
func (b *Builder) WithClock(now func() time.Time) *Builder {
	b.now = now
	return b
}

// newBase creates a BaseEvent with common fields populated.
func (b *Builder) newBase(eventType EventType, registrationUUID, entity string) BaseEvent {
	return BaseEvent{
		EventID:          uuid.New().String(),
		EventType:        eventType,
		EventTime:        b.now().UTC(),
		RegistrationUUID: registrationUUID,
		Entity:           entity,
		NodeID:           b.nodeID,
		subjectPrefix:    b.subjectPrefix,
	}
}

// PresenceStatusBuilder constructs PresenceStatusEvent.
type PresenceStatusBuilder struct {
	event *PresenceStatusEvent
}

// PresenceStatus starts building a PresenceStatusEvent.
func (b *Builder) PresenceStatus(registrationUUID, entity string) *PresenceStatusBuilder {
	return &PresenceStatusBuilder{
		event: &PresenceStatusEvent{
			BaseEvent: b.newBase(PresenceStatusIn, registrationUUID, entity),
			Source:    Source{Event: "NOTIFY"},
		},
	}
}

func (pb *PresenceStatusBuilder) Status(s *pidf.Status) *PresenceStatusBuilder {
	if s != nil {
		pb.event.Status = *s
	}
	return pb
}

func (pb *PresenceStatusBuilder) Source(address string, port int, related string) *PresenceStatusBuilder {
	pb.event.Source.Address = address
	pb.event.Source.Port = port
	pb.event.Source.Related = related
	return pb
}

func (pb *PresenceStatusBuilder) Build() *PresenceStatusEvent {
	return pb.event
}

// SubscriptionActiveBuilder constructs SubscriptionActiveEvent.
type SubscriptionActiveBuilder struct {
	event *SubscriptionActiveEvent
}

// SubscriptionActive starts building a SubscriptionActiveEvent.
func (b *Builder) SubscriptionActive(registrationUUID, entity string) *SubscriptionActiveBuilder {
	return &SubscriptionActiveBuilder{
		event: &SubscriptionActiveEvent{
			BaseEvent: b.newBase(SubscriptionActive, registrationUUID, entity),
		},
	}
}

func (sb *SubscriptionActiveBuilder) Contact(contact string) *SubscriptionActiveBuilder {
	sb.event.Contact = contact
	return sb
}

func (sb *SubscriptionActiveBuilder) Expires(seconds int) *SubscriptionActiveBuilder {
	sb.event.ExpiresIn = seconds
	return sb
}

func (sb *SubscriptionActiveBuilder) Dialog(id string) *SubscriptionActiveBuilder {
	sb.event.DialogID = id
	return sb
}

func (sb *SubscriptionActiveBuilder) Build() *SubscriptionActiveEvent {
	return sb.event
}

// SubscriptionEndedBuilder constructs SubscriptionEndedEvent.
type SubscriptionEndedBuilder struct {
	event *SubscriptionEndedEvent
}

// SubscriptionEnded starts building a SubscriptionEndedEvent.
func (b *Builder) SubscriptionEnded(registrationUUID, entity string) *SubscriptionEndedBuilder {
	return &SubscriptionEndedBuilder{
		event: &SubscriptionEndedEvent{
			BaseEvent: b.newBase(SubscriptionEnded, registrationUUID, entity),
		},
	}
}

func (sb *SubscriptionEndedBuilder) Reason(reason, detail string) *SubscriptionEndedBuilder {
	sb.event.Reason = reason
	sb.event.ReasonDetail = detail
	return sb
}

func (sb *SubscriptionEndedBuilder) Duration(d time.Duration) *SubscriptionEndedBuilder {
	sb.event.DurationMs = d.Milliseconds()
	return sb
}

func (sb *SubscriptionEndedBuilder) Build() *SubscriptionEndedEvent {
	return sb.event
}
