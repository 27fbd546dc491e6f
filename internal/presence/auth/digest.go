// Package auth implements SIP digest challenge/response for incoming requests.
//
// The same Authenticator type serves both roles the service needs: as a
// registrar (401, WWW-Authenticate) and as the recipient of NOTIFY requests
// on subscriptions we created (407, Proxy-Authenticate).
package auth

import (
	"context"
	"crypto/subtle"
	"log/slog"
	"strings"
	"time"

	"github.com/emiago/sipgo/sip"
	"github.com/google/uuid"
	"github.com/icholy/digest"

	"github.com/sebas/presenced/internal/presence/credentials"
	"github.com/sebas/presenced/internal/presence/store"
)

// Status codes used for challenges.
const (
	StatusUnauthorized      sip.StatusCode = 401
	StatusProxyAuthRequired sip.StatusCode = 407
)

const (
	algorithmMD5 = "MD5"
	qopAuth      = "auth"

	// DefaultNonceTTL bounds how long an issued nonce is accepted.
	DefaultNonceTTL = 5 * time.Minute
)

// Mode selects the challenge flavour.
type Mode int

const (
	// ModeUAS challenges with 401 and WWW-Authenticate.
	ModeUAS Mode = iota
	// ModeProxy challenges with 407 and Proxy-Authenticate.
	ModeProxy
)

func (m Mode) challengeHeader() string {
	if m == ModeProxy {
		return "Proxy-Authenticate"
	}
	return "WWW-Authenticate"
}

func (m Mode) credentialsHeader() string {
	if m == ModeProxy {
		return "Proxy-Authorization"
	}
	return "Authorization"
}

func (m Mode) status() (sip.StatusCode, string) {
	if m == ModeProxy {
		return StatusProxyAuthRequired, "Proxy Authentication Required"
	}
	return StatusUnauthorized, "Unauthorized"
}

// Outcome classifies a single authentication attempt.
type Outcome string

const (
	OutcomeOK          Outcome = "ok"
	OutcomeMissing     Outcome = "missing"
	OutcomeMalformed   Outcome = "malformed"
	OutcomeRealm       Outcome = "realm_mismatch"
	OutcomeStale       Outcome = "stale_nonce"
	OutcomeReplay      Outcome = "replay"
	OutcomeUnknownUser Outcome = "unknown_user"
	OutcomeMismatch    Outcome = "mismatch"
)

// Responder is the part of a server transaction the authenticator needs.
type Responder interface {
	Respond(res *sip.Response) error
}

// Result identifies an authenticated peer.
type Result struct {
	Username string
	Realm    string
}

// nonceState tracks one issued nonce.
type nonceState struct {
	realm  string
	lastNC int
}

// Authenticator verifies digest credentials against a credential Lookup.
type Authenticator struct {
	mode     Mode
	lookup   credentials.Lookup
	nonces   *store.TTLStore[string, *nonceState]
	nonceTTL time.Duration
	opaque   string
	observe  func(Outcome)
}

// Option configures an Authenticator.
type Option func(*Authenticator)

// WithNonceTTL overrides DefaultNonceTTL.
func WithNonceTTL(ttl time.Duration) Option {
	return func(a *Authenticator) { a.nonceTTL = ttl }
}

// WithObserver registers a callback invoked with every outcome.
func WithObserver(fn func(Outcome)) Option {
	return func(a *Authenticator) { a.observe = fn }
}

// New creates an Authenticator.
func New(mode Mode, lookup credentials.Lookup, opts ...Option) *Authenticator {
	a := &Authenticator{
		mode:     mode,
		lookup:   lookup,
		nonceTTL: DefaultNonceTTL,
		opaque:   strings.ReplaceAll(uuid.NewString(), "-", ""),
	}
	for _, opt := range opts {
		opt(a)
	}
	a.nonces = store.NewTTLStore[string, *nonceState](a.nonceTTL)
	return a
}

// Close releases the nonce store.
func (a *Authenticator) Close() {
	a.nonces.Close()
}

// PendingNonces returns the number of outstanding nonces.
func (a *Authenticator) PendingNonces() int {
	return a.nonces.Len()
}

// Authenticate checks the request's digest credentials for realm. When they
// are absent or invalid a challenge (or rejection) has already been sent on
// tx and ok is false; the caller must stop processing the request.
func (a *Authenticator) Authenticate(ctx context.Context, req *sip.Request, tx Responder, realm string) (*Result, bool) {
	hdr := req.GetHeader(a.mode.credentialsHeader())
	if hdr == nil {
		a.challenge(req, tx, realm, false, OutcomeMissing)
		return nil, false
	}

	cred, err := digest.ParseCredentials(hdr.Value())
	if err != nil {
		slog.Debug("[Auth] Malformed credentials", "error", err, "source", req.Source())
		a.challenge(req, tx, realm, false, OutcomeMalformed)
		return nil, false
	}

	if !strings.EqualFold(cred.Realm, realm) {
		a.challenge(req, tx, realm, false, OutcomeRealm)
		return nil, false
	}

	state, ok := a.nonces.Get(cred.Nonce)
	if !ok || !strings.EqualFold(state.realm, realm) {
		a.challenge(req, tx, realm, true, OutcomeStale)
		return nil, false
	}

	user, err := a.lookup.Lookup(ctx, cred.Username, realm)
	if err != nil {
		slog.Debug("[Auth] Credential lookup failed",
			"username", cred.Username,
			"realm", realm,
			"error", err,
		)
		a.challenge(req, tx, realm, false, OutcomeUnknownUser)
		return nil, false
	}

	chal := &digest.Challenge{
		Realm:     realm,
		Nonce:     cred.Nonce,
		Opaque:    a.opaque,
		Algorithm: algorithmMD5,
	}
	if cred.QOP != "" {
		chal.QOP = []string{cred.QOP}
	}
	expected, err := digest.Digest(chal, digest.Options{
		Method:   string(req.Method),
		URI:      cred.URI,
		Username: cred.Username,
		Password: user.Secret,
		Cnonce:   cred.Cnonce,
		Count:    cred.Nc,
	})
	if err != nil || subtle.ConstantTimeCompare([]byte(expected.Response), []byte(cred.Response)) != 1 {
		a.challenge(req, tx, realm, false, OutcomeMismatch)
		return nil, false
	}

	if cred.QOP != "" && !a.advanceNonceCount(cred.Nonce, cred.Nc) {
		a.challenge(req, tx, realm, true, OutcomeReplay)
		return nil, false
	}

	a.record(OutcomeOK)
	return &Result{Username: cred.Username, Realm: realm}, true
}

// advanceNonceCount enforces a strictly increasing nonce-count per nonce.
func (a *Authenticator) advanceNonceCount(nonce string, nc int) bool {
	accepted := false
	a.nonces.Update(nonce, func(s *nonceState) *nonceState {
		if nc > s.lastNC {
			s.lastNC = nc
			accepted = true
		}
		return s
	}, nil)
	return accepted
}

// challenge issues a fresh nonce and answers with 401/407.
func (a *Authenticator) challenge(req *sip.Request, tx Responder, realm string, stale bool, outcome Outcome) {
	a.record(outcome)

	nonce := strings.ReplaceAll(uuid.NewString(), "-", "")
	a.nonces.Set(nonce, &nonceState{realm: realm}, a.nonceTTL)

	chal := &digest.Challenge{
		Realm:     realm,
		Nonce:     nonce,
		Opaque:    a.opaque,
		Algorithm: algorithmMD5,
		QOP:       []string{qopAuth},
		Stale:     stale,
	}

	code, reason := a.mode.status()
	res := sip.NewResponseFromRequest(req, code, reason, nil)
	res.AppendHeader(sip.NewHeader(a.mode.challengeHeader(), chal.String()))

	if err := tx.Respond(res); err != nil {
		slog.Error("[Auth] Failed to send challenge", "error", err, "status", int(code))
		return
	}
	slog.Debug("[Auth] Challenge sent",
		"method", string(req.Method),
		"status", int(code),
		"realm", realm,
		"outcome", string(outcome),
	)
}

func (a *Authenticator) record(o Outcome) {
	if a.observe != nil {
		a.observe(o)
	}
}
