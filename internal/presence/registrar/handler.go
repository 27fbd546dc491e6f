// Package registrar accepts REGISTER requests and raises registration
// events for the presence subscriptions that mirror them.
package registrar

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/emiago/sipgo/sip"

	"github.com/sebas/presenced/internal/presence/auth"
	"github.com/sebas/presenced/internal/presence/metrics"
)

// Status codes not exported by sipgo under a stable name.
const (
	StatusForbidden        sip.StatusCode = 403
	StatusIntervalTooBrief sip.StatusCode = 423
)

const defaultAuthTimeout = 5 * time.Second

// Authenticator verifies REGISTER credentials. On failure it has already
// answered tx.
type Authenticator interface {
	Authenticate(ctx context.Context, req *sip.Request, tx auth.Responder, realm string) (*auth.Result, bool)
}

// Handler handles REGISTER requests
type Handler struct {
	location *Location
	auth     Authenticator
	realm    string
	metrics  *metrics.Metrics

	mu        sync.RWMutex
	listeners []Listener
	dispatch  func(func())
	queue     *serialQueue
	now       func() time.Time

	// Held from the first location change of a REGISTER until its events
	// are dispatched, so listeners see changes in location order.
	order sync.Mutex
}

// Option configures a Handler.
type Option func(*Handler)

// WithAuthenticator enables digest authentication of REGISTER.
func WithAuthenticator(a Authenticator) Option {
	return func(h *Handler) { h.auth = a }
}

// WithMetrics records the registration gauge.
func WithMetrics(m *metrics.Metrics) Option {
	return func(h *Handler) { h.metrics = m }
}

// WithDispatch overrides how listener calls are scheduled. The default runs
// them on one worker goroutine in the order the location changed, after the
// response is sent.
func WithDispatch(fn func(func())) Option {
	return func(h *Handler) { h.dispatch = fn }
}

// NewHandler creates a new registration handler. Expired bindings are
// reported to listeners as unregistrations.
func NewHandler(location *Location, realm string, opts ...Option) *Handler {
	h := &Handler{
		location: location,
		realm:    realm,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(h)
	}
	if h.dispatch == nil {
		h.queue = newSerialQueue()
		h.dispatch = h.queue.push
	}
	location.OnExpire(func(b *Binding) {
		h.metrics.SetRegistrations(h.location.Count())
		h.emit(nil, []*Binding{b})
	})
	return h
}

// Close waits for queued listener calls to finish and stops the dispatcher.
// Events raised afterwards are dropped.
func (h *Handler) Close() {
	if h.queue != nil {
		h.queue.close()
	}
}

// AddListener registers l for registration events.
func (h *Handler) AddListener(l Listener) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.listeners = append(h.listeners, l)
}

// Location returns the binding store.
func (h *Handler) Location() *Location {
	return h.location
}

// HandleRegister is the sipgo request handler for REGISTER.
func (h *Handler) HandleRegister(req *sip.Request, tx sip.ServerTransaction) {
	h.Handle(req, tx)
}

type registered struct {
	binding *Binding
	initial bool
}

// Handle processes a REGISTER and answers on tx.
func (h *Handler) Handle(req *sip.Request, tx auth.Responder) {
	slog.Debug("[REGISTER] Processing", "from", req.Source())

	toHeader := req.To()
	if toHeader == nil {
		h.sendResponse(tx, req, sip.StatusBadRequest, "Missing To header")
		return
	}
	aor := toHeader.Address.String()

	authz := Authorization{Username: toHeader.Address.User, Realm: h.realm}
	if h.auth != nil {
		ctx, cancel := context.WithTimeout(context.Background(), defaultAuthTimeout)
		result, ok := h.auth.Authenticate(ctx, req, tx, h.realm)
		cancel()
		if !ok {
			return
		}
		if result.Username != toHeader.Address.User {
			slog.Warn("[REGISTER] Credentials do not match AOR",
				"aor", aor,
				"username", result.Username,
			)
			h.sendResponse(tx, req, StatusForbidden, "Forbidden")
			return
		}
		authz = Authorization{Username: result.Username, Realm: result.Realm}
	}

	receivedIP, receivedPort := parseSourceAddr(req.Source())

	transport := "UDP"
	if via := req.Via(); via != nil {
		if t := via.Transport; t != "" {
			transport = strings.ToUpper(t)
		}
	}

	callID := ""
	if req.CallID() != nil {
		callID = req.CallID().Value()
	}
	var cseq uint32
	if cseqHdr := req.CSeq(); cseqHdr != nil {
		cseq = cseqHdr.SeqNo
	}

	userAgent := ""
	if uaHdr := req.GetHeader("User-Agent"); uaHdr != nil {
		userAgent = uaHdr.Value()
	}
	allow := parseAllow(headerValues(req, "Allow"))

	contacts := req.GetHeaders("Contact")

	h.order.Lock()
	defer h.order.Unlock()

	// RFC 3261 Section 10.3 Step 6: Contact: * must stand alone with Expires: 0
	hasWildcard := false
	for _, contactHdr := range contacts {
		if contact, ok := contactHdr.(*sip.ContactHeader); ok && contact.Address.String() == "*" {
			hasWildcard = true
			break
		}
		if strings.TrimSpace(contactHdr.Value()) == "*" {
			hasWildcard = true
			break
		}
	}

	if hasWildcard {
		if len(contacts) > 1 {
			h.sendResponse(tx, req, sip.StatusBadRequest,
				"Contact: * must not be combined with other Contact headers")
			return
		}
		if expires := h.getExpires(req, nil); expires != 0 {
			h.sendResponse(tx, req, sip.StatusBadRequest, "Expires must be 0 for Contact: *")
			return
		}
		removed := h.location.UnregisterAll(aor)
		h.sendResponse(tx, req, sip.StatusOK, "OK")
		h.metrics.SetRegistrations(h.location.Count())
		h.emit(nil, removed)
		return
	}

	// No contacts = query (return current bindings)
	if len(contacts) == 0 {
		h.sendBindings(tx, req, aor)
		return
	}

	var (
		added   []registered
		removed []*Binding
	)
	for _, contactHdr := range contacts {
		contact, ok := contactHdr.(*sip.ContactHeader)
		if !ok {
			slog.Debug("[REGISTER] Invalid contact header type")
			continue
		}

		contactURI := contact.Address.String()
		instanceID := extractInstanceID(contact)
		expires := h.getExpires(req, contact)

		if expires == 0 {
			if b, ok := h.location.Unregister(aor, GenerateBindingID(aor, contactURI, instanceID)); ok {
				removed = append(removed, b)
			}
			continue
		}

		binding, initial, err := h.location.Register(&Binding{
			AOR:           aor,
			ContactURI:    contactURI,
			ReceivedIP:    receivedIP,
			ReceivedPort:  receivedPort,
			Transport:     transport,
			InstanceID:    instanceID,
			QValue:        extractQValue(contact),
			Allow:         allow,
			Authorization: authz,
			Expires:       expires,
			CallID:        callID,
			CSeq:          cseq,
			UserAgent:     userAgent,
		})
		if err != nil {
			if errors.Is(err, ErrIntervalTooBrief) {
				h.sendIntervalTooBrief(tx, req)
			} else {
				slog.Error("[REGISTER] Registration failed", "error", err, "aor", aor)
				h.sendResponse(tx, req, sip.StatusBadRequest, err.Error())
			}
			// Contacts applied before the failure stay applied
			h.metrics.SetRegistrations(h.location.Count())
			h.emit(added, removed)
			return
		}
		added = append(added, registered{binding: binding, initial: initial})
	}

	h.sendBindings(tx, req, aor)
	h.metrics.SetRegistrations(h.location.Count())
	h.emit(added, removed)
}

// emit hands events to listeners after the response has been sent.
func (h *Handler) emit(added []registered, removed []*Binding) {
	if len(added) == 0 && len(removed) == 0 {
		return
	}
	h.mu.RLock()
	listeners := append([]Listener(nil), h.listeners...)
	h.mu.RUnlock()
	if len(listeners) == 0 {
		return
	}

	h.dispatch(func() {
		ctx := context.Background()
		for _, b := range removed {
			reg := b.Registration(false)
			for _, l := range listeners {
				l.OnUnregister(ctx, reg)
			}
		}
		for _, r := range added {
			reg := r.binding.Registration(r.initial)
			for _, l := range listeners {
				l.OnRegister(ctx, reg)
			}
		}
	})
}

// getExpires extracts expiration time from request
// Priority: Contact param > Expires header > -1 meaning registrar default
func (h *Handler) getExpires(req *sip.Request, contact *sip.ContactHeader) int {
	if contact != nil && contact.Params != nil {
		if expiresStr, ok := contact.Params.Get("expires"); ok {
			if expires, err := strconv.Atoi(expiresStr); err == nil {
				return expires
			}
		}
	}
	if expiresHdr := req.GetHeader("Expires"); expiresHdr != nil {
		if expires, err := strconv.Atoi(strings.TrimSpace(expiresHdr.Value())); err == nil {
			return expires
		}
	}
	return -1
}

// extractInstanceID extracts +sip.instance from Contact params
func extractInstanceID(contact *sip.ContactHeader) string {
	if contact == nil || contact.Params == nil {
		return ""
	}
	if instance, ok := contact.Params.Get("+sip.instance"); ok {
		return strings.Trim(instance, "<>\"")
	}
	return ""
}

// extractQValue extracts q parameter from Contact
func extractQValue(contact *sip.ContactHeader) float32 {
	if contact == nil || contact.Params == nil {
		return 0
	}
	if qStr, ok := contact.Params.Get("q"); ok {
		if q, err := strconv.ParseFloat(qStr, 32); err == nil {
			return float32(q)
		}
	}
	return 0
}

func headerValues(req *sip.Request, name string) []string {
	hdrs := req.GetHeaders(name)
	values := make([]string, 0, len(hdrs))
	for _, hdr := range hdrs {
		values = append(values, hdr.Value())
	}
	return values
}

// sendResponse sends a SIP response
func (h *Handler) sendResponse(tx auth.Responder, req *sip.Request, statusCode sip.StatusCode, reason string) {
	res := sip.NewResponseFromRequest(req, statusCode, reason, nil)
	addViaParams(res, req)

	if err := tx.Respond(res); err != nil {
		slog.Error("[REGISTER] Failed to send response", "error", err)
		return
	}
	slog.Debug("[REGISTER] Sent response", "status", int(statusCode), "reason", reason)
}

// sendIntervalTooBrief sends 423 with the Min-Expires header RFC 3261 Section 10.3 requires.
func (h *Handler) sendIntervalTooBrief(tx auth.Responder, req *sip.Request) {
	res := sip.NewResponseFromRequest(req, StatusIntervalTooBrief, "Interval Too Brief", nil)
	addViaParams(res, req)

	minExpires := h.location.MinExpires()
	res.AppendHeader(sip.NewHeader("Min-Expires", strconv.Itoa(minExpires)))

	if err := tx.Respond(res); err != nil {
		slog.Error("[REGISTER] Failed to send 423 response", "error", err)
		return
	}
	slog.Debug("[REGISTER] Sent 423 Interval Too Brief", "min_expires", minExpires)
}

// sendBindings sends 200 OK listing the AOR's current bindings
func (h *Handler) sendBindings(tx auth.Responder, req *sip.Request, aor string) {
	res := sip.NewResponseFromRequest(req, sip.StatusOK, "OK", nil)
	addViaParams(res, req)

	// RFC 1123 format, recommended for client clock sync
	res.AppendHeader(sip.NewHeader("Date", h.now().UTC().Format(time.RFC1123)))

	bindings := h.location.Lookup(aor)
	for _, b := range bindings {
		addContactHeader(res, b)
	}

	if err := tx.Respond(res); err != nil {
		slog.Error("[REGISTER] Failed to send OK response", "error", err)
		return
	}
	slog.Info("[REGISTER] Success", "aor", aor, "bindings", len(bindings))
}

// addContactHeader adds a Contact header for a binding
func addContactHeader(res *sip.Response, b *Binding) {
	var uri sip.Uri
	if err := sip.ParseUri(b.ContactURI, &uri); err != nil {
		slog.Debug("[REGISTER] Failed to parse contact URI", "uri", b.ContactURI, "error", err)
		return
	}

	contactHdr := &sip.ContactHeader{
		Address: uri,
		Params:  sip.NewParams(),
	}
	contactHdr.Params.Add("expires", strconv.Itoa(b.Expires))
	res.AppendHeader(contactHdr)
}

// parseSourceAddr parses source address into IP and port
func parseSourceAddr(source string) (string, int) {
	if source == "" {
		return "", 0
	}
	host, portStr, err := net.SplitHostPort(source)
	if err != nil {
		return source, 0
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return host, 0
	}
	return host, port
}

// addViaParams adds received and rport (RFC 3581) to the top Via.
func addViaParams(res *sip.Response, req *sip.Request) {
	via := res.Via()
	if via == nil {
		return
	}

	receivedIP, receivedPort := parseSourceAddr(req.Source())
	if receivedIP == "" {
		return
	}

	if via.Params == nil {
		via.Params = sip.NewParams()
	}
	via.Params.Add("received", receivedIP)
	if receivedPort > 0 {
		via.Params.Add("rport", strconv.Itoa(receivedPort))
	}
}
