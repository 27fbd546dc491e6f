package subscription

import (
	"context"
	"log/slog"
	"net"
	"strconv"
	"strings"

	"github.com/emiago/sipgo/sip"

	"github.com/sebas/presenced/internal/presence/sipdialog"
)

const (
	reasonWrongState    = "Wrong subscription state"
	reasonNotUnderstood = "Bad request - or at least we don't understand it"
)

// subscriptionState is the part of a Subscription-State header the
// pipeline acts on.
type subscriptionState struct {
	// accepted is true for the active and init states
	accepted bool
	// ending is true for any state carrying expires=0
	ending bool
}

// parseSubscriptionState matches the state token case-sensitively.
func parseSubscriptionState(v string) subscriptionState {
	token, params, _ := strings.Cut(v, ";")
	token = strings.TrimSpace(token)

	// A bare terminated state is rejected but does not end the entry; only
	// zero remaining time does.
	st := subscriptionState{accepted: token == "active" || token == "init"}
	for _, p := range strings.Split(params, ";") {
		k, val, ok := strings.Cut(p, "=")
		if !ok || !strings.EqualFold(strings.TrimSpace(k), "expires") {
			continue
		}
		if n, err := strconv.Atoi(strings.TrimSpace(val)); err == nil && n == 0 {
			st.ending = true
		}
	}
	return st
}

// handleNotify runs one NOTIFY through auth, state, body and parse gates and
// publishes the resulting status.
func (m *Manager) handleNotify(sub *Subscription, req *sip.Request, tx sipdialog.Responder) {
	ctx, cancel := context.WithTimeout(context.Background(), m.requestTimeout)
	defer cancel()

	reg := sub.Registration()
	result, ok := m.auth.Authenticate(ctx, req, tx, reg.Authorization.Realm)
	if !ok {
		m.metrics.IncNotification("unauthenticated")
		return
	}

	state := parseSubscriptionState(headerValue(req, "Subscription-State"))
	if state.ending {
		// After the NOTIFY is answered
		defer func() {
			slog.Info("[Subscription] NOTIFY ends subscription", "uuid", sub.Key())
			m.store.Teardown(context.Background(), sub, ReasonTerminated)
		}()
	}
	if !state.accepted {
		m.metrics.IncNotification("bad_state")
		reply(req, tx, sip.StatusBadRequest, reasonWrongState)
		return
	}

	body := req.Body()
	if len(body) == 0 || headerValue(req, "Content-Length") == "0" {
		m.metrics.IncNotification("empty")
		reply(req, tx, sip.StatusOK, "OK")
		return
	}

	contentType := headerValue(req, "Content-Type")
	status, err := m.parser.Parse(contentType, body)
	if err != nil {
		m.metrics.IncNotification("not_understood")
		slog.Debug("[Subscription] Status document rejected",
			"uuid", sub.Key(),
			"content_type", contentType,
			"error", err,
		)
		reply(req, tx, sip.StatusBadRequest, reasonNotUnderstood)
		return
	}
	sub.notified()

	host, port := splitSource(req.Source())
	event := m.events.PresenceStatus(reg.UUID, result.Username+"@"+result.Realm).
		Status(status).
		Source(host, port, reg.PrimaryContact()).
		Build()
	if err := m.publisher.Publish(ctx, event); err != nil {
		m.metrics.IncNotification("publish_failed")
		slog.Error("[Subscription] Failed to publish presence status",
			"uuid", sub.Key(),
			"entity", event.Entity,
			"error", err,
		)
	} else {
		m.metrics.IncNotification("published")
	}
	reply(req, tx, sip.StatusOK, "OK")
}

func headerValue(req *sip.Request, name string) string {
	if h := req.GetHeader(name); h != nil {
		return strings.TrimSpace(h.Value())
	}
	return ""
}

func splitSource(source string) (string, int) {
	host, p, err := net.SplitHostPort(source)
	if err != nil {
		return source, 0
	}
	port, _ := strconv.Atoi(p)
	return host, port
}

func reply(req *sip.Request, tx sipdialog.Responder, code sip.StatusCode, reason string) {
	res := sip.NewResponseFromRequest(req, code, reason, nil)
	if err := tx.Respond(res); err != nil {
		slog.Error("[Subscription] Failed to answer NOTIFY",
			"status", int(code),
			"error", err,
		)
	}
}
