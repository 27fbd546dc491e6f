package events

import (
	"fmt"
	"strings"
)

// Subject naming conventions for NATS.
//
// Hierarchy:
//   presenced.presence.<entity>.in                  - Status documents per entity
//   presenced.subscriptions.<uuid>.<event_suffix>   - Subscription lifecycle
//
// Wildcard subscriptions:
//   presenced.presence.>                            - All status documents
//   presenced.subscriptions.*.ended                 - All teardowns

const (
	// DefaultSubjectPrefix is the root of all presenced subjects
	DefaultSubjectPrefix = "presenced"

	SubjectSuffixIn     = "in"
	SubjectSuffixActive = "active"
	SubjectSuffixEnded  = "ended"
)

// subjectTokenReplacer strips characters that have meaning inside a NATS
// subject. The "@" of an entity is kept.
var subjectTokenReplacer = strings.NewReplacer(
	".", "_",
	"*", "_",
	">", "_",
	" ", "_",
	"\t", "_",
	"\r", "_",
	"\n", "_",
)

// SanitizeToken makes s usable as a single subject token.
func SanitizeToken(s string) string {
	if s == "" {
		return "_"
	}
	return subjectTokenReplacer.Replace(s)
}

// PresenceSubject builds the subject for status documents of one entity.
// Example: PresenceSubject("presenced", "1000@example.com") => "presenced.presence.1000@example_com.in"
func PresenceSubject(prefix, entity string) string {
	return fmt.Sprintf("%s.presence.%s.%s", prefix, SanitizeToken(entity), SubjectSuffixIn)
}

// SubscriptionSubject builds a subject for subscription lifecycle events.
// Example: SubscriptionSubject("presenced", "r1", "ended") => "presenced.subscriptions.r1.ended"
func SubscriptionSubject(prefix, registrationUUID, suffix string) string {
	return fmt.Sprintf("%s.subscriptions.%s.%s", prefix, SanitizeToken(registrationUUID), suffix)
}

// PatternAllStatus matches all status documents under prefix.
func PatternAllStatus(prefix string) string {
	return prefix + ".presence.>"
}

// PatternAllSubscriptions matches all lifecycle events under prefix.
func PatternAllSubscriptions(prefix string) string {
	return prefix + ".subscriptions.>"
}

// SubjectForEventType returns the suffix used for a given event type.
func SubjectForEventType(t EventType) string {
	switch t {
	case PresenceStatusIn:
		return SubjectSuffixIn
	case SubscriptionActive:
		return SubjectSuffixActive
	case SubscriptionEnded:
		return SubjectSuffixEnded
	default:
		return "unknown"
	}
}
