package registrar

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"
)

// Binding is one registered contact of an AOR.
type Binding struct {
	// Identity
	AOR       string `json:"aor"`        // Address of Record (e.g., "sip:alice@example.com")
	BindingID string `json:"binding_id"` // Hash of AOR, contact and instance
	UUID      string `json:"uuid"`       // Stable across refreshes; keys the subscription

	ContactURI string `json:"contact_uri"`

	// NAT traversal - actual source of REGISTER for symmetric routing
	ReceivedIP   string `json:"received_ip"`
	ReceivedPort int    `json:"received_port"`
	Transport    string `json:"transport"`

	InstanceID string  `json:"instance_id,omitempty"` // +sip.instance parameter
	QValue     float32 `json:"q,omitempty"`

	// Methods the client accepts, from the Allow header
	Allow []string `json:"allow,omitempty"`

	Authorization Authorization `json:"authorization"`

	// Timing
	Expires      int       `json:"expires"`
	ExpiresAt    time.Time `json:"expires_at"`
	RegisteredAt time.Time `json:"registered_at"`

	// RFC 3261 validation
	CallID string `json:"call_id"`
	CSeq   uint32 `json:"cseq"`

	UserAgent string `json:"user_agent,omitempty"`
}

// GenerateBindingID derives a binding ID from the AOR, contact URI and instance.
func GenerateBindingID(aor, contactURI, instanceID string) string {
	data := aor + "|" + contactURI
	if instanceID != "" {
		data += ";" + instanceID
	}
	hash := sha256.Sum256([]byte(data))
	return hex.EncodeToString(hash[:8]) // 16 char hex string
}

// ValidateCSeq checks if a new CSeq is valid for updating this binding.
// Per RFC 3261, for same Call-ID, CSeq must increase.
func (b *Binding) ValidateCSeq(callID string, cseq uint32) bool {
	if b.CallID != callID {
		return true
	}
	return cseq > b.CSeq
}

// EffectiveContact returns the received address when the client is behind
// NAT, otherwise the Contact URI.
func (b *Binding) EffectiveContact() string {
	if b.ReceivedIP != "" && b.ReceivedPort > 0 {
		return fmt.Sprintf("sip:%s:%d;transport=%s",
			b.ReceivedIP, b.ReceivedPort, b.Transport)
	}
	return b.ContactURI
}

// Registration converts the binding into the listener view.
func (b *Binding) Registration(initial bool) *Registration {
	return &Registration{
		UUID:          b.UUID,
		AOR:           b.AOR,
		Allow:         append([]string(nil), b.Allow...),
		Contacts:      []string{b.ContactURI},
		ExpiresIn:     b.Expires,
		Authorization: b.Authorization,
		Initial:       initial,
		SourceAddr:    b.ReceivedIP,
		SourcePort:    b.ReceivedPort,
		UserAgent:     b.UserAgent,
		RegisteredAt:  b.RegisteredAt,
	}
}
