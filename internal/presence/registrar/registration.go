package registrar

import (
	"context"
	"strings"
	"time"
)

// Authorization is the digest identity a binding was registered under.
type Authorization struct {
	Username string `json:"username"`
	Realm    string `json:"realm"`
}

// Registration is the read-only view of a binding handed to listeners.
type Registration struct {
	// UUID is stable for the life of the binding, across refreshes
	UUID          string        `json:"uuid"`
	AOR           string        `json:"aor"`
	Allow         []string      `json:"allow"`
	Contacts      []string      `json:"contacts"`
	ExpiresIn     int           `json:"expires_in"`
	Authorization Authorization `json:"authorization"`
	// Initial is true for the REGISTER that created the binding
	Initial bool `json:"initial"`

	SourceAddr   string    `json:"source_addr"`
	SourcePort   int       `json:"source_port"`
	UserAgent    string    `json:"user_agent,omitempty"`
	RegisteredAt time.Time `json:"registered_at"`
}

// AllowsSubscribe reports whether the client listed SUBSCRIBE in Allow.
func (r *Registration) AllowsSubscribe() bool {
	for _, m := range r.Allow {
		if strings.EqualFold(strings.TrimSpace(m), "SUBSCRIBE") {
			return true
		}
	}
	return false
}

// PrimaryContact returns the first contact, or "".
func (r *Registration) PrimaryContact() string {
	if len(r.Contacts) == 0 {
		return ""
	}
	return r.Contacts[0]
}

// Entity returns username@realm.
func (r *Registration) Entity() string {
	return r.Authorization.Username + "@" + r.Authorization.Realm
}

// Listener receives binding lifecycle events.
type Listener interface {
	OnRegister(ctx context.Context, reg *Registration)
	OnUnregister(ctx context.Context, reg *Registration)
}

// ListenerFuncs adapts functions to Listener. Nil fields are skipped.
type ListenerFuncs struct {
	Register   func(ctx context.Context, reg *Registration)
	Unregister func(ctx context.Context, reg *Registration)
}

// OnRegister implements Listener.
func (l ListenerFuncs) OnRegister(ctx context.Context, reg *Registration) {
	if l.Register != nil {
		l.Register(ctx, reg)
	}
}

// OnUnregister implements Listener.
func (l ListenerFuncs) OnUnregister(ctx context.Context, reg *Registration) {
	if l.Unregister != nil {
		l.Unregister(ctx, reg)
	}
}

// parseAllow splits Allow header values into method tokens.
func parseAllow(values []string) []string {
	var methods []string
	for _, v := range values {
		for _, tok := range strings.Split(v, ",") {
			if tok = strings.ToUpper(strings.TrimSpace(tok)); tok != "" {
				methods = append(methods, tok)
			}
		}
	}
	return methods
}
