package subscription

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/emiago/sipgo/sip"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/sebas/presenced/internal/presence/auth"
	"github.com/sebas/presenced/internal/presence/events"
	"github.com/sebas/presenced/internal/presence/metrics"
	"github.com/sebas/presenced/internal/presence/pidf"
	"github.com/sebas/presenced/internal/presence/registrar"
	"github.com/sebas/presenced/internal/presence/sipdialog"
)

const (
	// EventPackage is the event package subscribed to
	EventPackage = "presence"

	// DefaultRequestTimeout matches SIP Timer F (64*T1)
	DefaultRequestTimeout = 32 * time.Second

	// DefaultShutdownParallelism bounds concurrent unsubscribes on shutdown
	DefaultShutdownParallelism = 10
)

// DefaultAccept is the Accept list sent on SUBSCRIBE.
var DefaultAccept = []string{pidf.ContentTypePIDF, pidf.ContentTypeCPIMPIDF}

// DialogFactory creates outbound subscription dialogs.
type DialogFactory interface {
	CreateDialog(ctx context.Context, target string, spec sipdialog.RequestSpec) (sipdialog.Dialog, error)
}

// Authenticator gates inbound NOTIFYs. On failure it has already answered tx.
type Authenticator interface {
	Authenticate(ctx context.Context, req *sip.Request, tx auth.Responder, realm string) (*auth.Result, bool)
}

// StatusParser turns a status document into a pidf.Status.
type StatusParser interface {
	Parse(contentType string, body []byte) (*pidf.Status, error)
}

// StatusParserFunc adapts a function to StatusParser.
type StatusParserFunc func(contentType string, body []byte) (*pidf.Status, error)

// Parse implements StatusParser.
func (f StatusParserFunc) Parse(contentType string, body []byte) (*pidf.Status, error) {
	return f(contentType, body)
}

// Config holds the Manager's collaborators.
type Config struct {
	Store     *Store
	Dialogs   DialogFactory
	Auth      Authenticator
	Parser    StatusParser
	Publisher events.Publisher
	Events    *events.Builder
	Metrics   *metrics.Metrics

	// Accept lists the status document types offered on SUBSCRIBE
	Accept []string
	// RequestTimeout bounds SUBSCRIBE transactions and credential lookups
	RequestTimeout time.Duration

	AfterFunc AfterFunc
	Now       func() time.Time
}

// Manager mirrors registrations as presence subscriptions.
type Manager struct {
	store     *Store
	dialogs   DialogFactory
	auth      Authenticator
	parser    StatusParser
	publisher events.Publisher
	events    *events.Builder
	metrics   *metrics.Metrics

	accept         string
	requestTimeout time.Duration
	after          AfterFunc
	now            func() time.Time
}

// NewManager creates a Manager and installs its teardown observer on the store.
func NewManager(cfg Config) *Manager {
	m := &Manager{
		store:          cfg.Store,
		dialogs:        cfg.Dialogs,
		auth:           cfg.Auth,
		parser:         cfg.Parser,
		publisher:      cfg.Publisher,
		events:         cfg.Events,
		metrics:        cfg.Metrics,
		requestTimeout: cfg.RequestTimeout,
		after:          cfg.AfterFunc,
		now:            cfg.Now,
	}
	if m.store == nil {
		m.store = NewStore()
	}
	if m.parser == nil {
		m.parser = StatusParserFunc(pidf.Parse)
	}
	if m.publisher == nil {
		m.publisher = events.NewNoopPublisher()
	}
	if m.events == nil {
		m.events = events.NewBuilder("")
	}
	if m.requestTimeout <= 0 {
		m.requestTimeout = DefaultRequestTimeout
	}
	if m.after == nil {
		m.after = RealAfterFunc
	}
	if m.now == nil {
		m.now = time.Now
	}
	accept := cfg.Accept
	if len(accept) == 0 {
		accept = DefaultAccept
	}
	m.accept = strings.Join(accept, ", ")

	m.store.OnTeardown(m.onTeardown)
	return m
}

// Store returns the subscription store.
func (m *Manager) Store() *Store {
	return m.store
}

// OnRegister reacts to a registration or renewal.
func (m *Manager) OnRegister(ctx context.Context, reg *registrar.Registration) {
	if !reg.AllowsSubscribe() {
		slog.Debug("[Subscription] Client does not allow SUBSCRIBE, ignoring",
			"uuid", reg.UUID,
			"aor", reg.AOR,
		)
		return
	}
	if reg.ExpiresIn <= 0 || reg.PrimaryContact() == "" {
		slog.Debug("[Subscription] Registration has no lifetime or contact, ignoring",
			"uuid", reg.UUID,
			"expires", reg.ExpiresIn,
		)
		return
	}

	if m.store.Has(reg.UUID) {
		m.Refresh(ctx, reg)
		return
	}
	if !reg.Initial {
		slog.Debug("[Subscription] Renewal without subscription, subscribing", "uuid", reg.UUID)
	}
	m.subscribe(ctx, reg)
}

// OnUnregister tears down the registration's subscription, if any.
func (m *Manager) OnUnregister(ctx context.Context, reg *registrar.Registration) {
	if !m.store.Remove(ctx, reg.UUID, ReasonUnregistered) {
		slog.Debug("[Subscription] Unregister without subscription", "uuid", reg.UUID)
	}
}

// Teardown ends the subscription for uuid on operator request.
func (m *Manager) Teardown(ctx context.Context, uuid string) bool {
	return m.store.Remove(ctx, uuid, ReasonManual)
}

func (m *Manager) subscribe(ctx context.Context, reg *registrar.Registration) {
	start := m.now()
	sub := newSubscription(reg, m.after, start)
	m.store.Put(ctx, sub)
	m.metrics.SetSubscriptions(m.store.Len())

	contact := reg.PrimaryContact()
	slog.Info("[Subscription] Subscribing",
		"uuid", reg.UUID,
		"entity", reg.Entity(),
		"contact", contact,
		"expires", reg.ExpiresIn,
	)

	rctx, cancel := context.WithTimeout(ctx, m.requestTimeout)
	dlg, err := m.dialogs.CreateDialog(rctx, contact, m.subscribeSpec(reg))
	cancel()
	if err != nil {
		m.metrics.ObserveSubscribe(failureResult(err), start)
		slog.Warn("[Subscription] SUBSCRIBE failed",
			"uuid", reg.UUID,
			"contact", contact,
			"error", err,
		)
		m.store.Teardown(ctx, sub, ReasonSubscribeFailed)
		return
	}

	if !sub.activate(dlg, m.now()) {
		// Torn down while the SUBSCRIBE was in flight
		m.metrics.ObserveSubscribe("abandoned", start)
		slog.Info("[Subscription] Subscription ended before dialog was established",
			"uuid", reg.UUID,
			"dialog", dlg.ID(),
			"reason", sub.EndReason().String(),
		)
		dctx, dcancel := context.WithTimeout(context.WithoutCancel(ctx), m.requestTimeout)
		defer dcancel()
		if err := dlg.Destroy(dctx); err != nil {
			slog.Warn("[Subscription] Failed to unsubscribe abandoned dialog", "dialog", dlg.ID(), "error", err)
		}
		return
	}
	m.metrics.ObserveSubscribe("ok", start)
	m.arm(sub, reg.ExpiresIn)

	dlg.OnDestroy(func() {
		slog.Info("[Subscription] Dialog ended by peer", "uuid", reg.UUID, "dialog", dlg.ID())
		m.store.Teardown(context.Background(), sub, ReasonRemoteTeardown)
	})
	dlg.OnNotify(func(req *sip.Request, tx sipdialog.Responder) {
		m.handleNotify(sub, req, tx)
	})

	slog.Info("[Subscription] Active",
		"uuid", reg.UUID,
		"dialog", dlg.ID(),
		"expires", reg.ExpiresIn,
	)
	m.publisher.PublishAsync(m.events.SubscriptionActive(reg.UUID, reg.Entity()).
		Contact(contact).
		Expires(reg.ExpiresIn).
		Dialog(dlg.ID()).
		Build())
}

// Refresh renews the registration's subscription over its existing dialog.
// A 200 or 202 rearms the expiry timer; anything else ends the subscription.
func (m *Manager) Refresh(ctx context.Context, reg *registrar.Registration) {
	sub, ok := m.store.Get(reg.UUID)
	if !ok {
		slog.Debug("[Subscription] Refresh without subscription", "uuid", reg.UUID)
		return
	}
	dlg := sub.Dialog()
	if sub.State() != StateActive || dlg == nil {
		slog.Debug("[Subscription] Refresh skipped, subscription not active",
			"uuid", reg.UUID,
			"state", sub.State().String(),
		)
		return
	}

	rctx, cancel := context.WithTimeout(ctx, m.requestTimeout)
	res, err := dlg.Request(rctx, m.subscribeSpec(reg))
	cancel()
	if err != nil {
		m.metrics.IncRefresh("error")
		slog.Warn("[Subscription] Refresh failed",
			"uuid", reg.UUID,
			"dialog", dlg.ID(),
			"error", err,
		)
		m.store.Teardown(ctx, sub, ReasonRefreshFailed)
		return
	}

	switch res.StatusCode {
	case sip.StatusOK, sipdialog.StatusAccepted:
		sub.refreshed(reg, m.now())
		m.arm(sub, reg.ExpiresIn)
		m.metrics.IncRefresh("ok")
		slog.Debug("[Subscription] Refreshed",
			"uuid", reg.UUID,
			"status", int(res.StatusCode),
			"expires", reg.ExpiresIn,
		)
	default:
		m.metrics.IncRefresh("rejected")
		slog.Warn("[Subscription] Refresh rejected",
			"uuid", reg.UUID,
			"dialog", dlg.ID(),
			"status", int(res.StatusCode),
			"reason", res.Reason,
		)
		m.store.Teardown(ctx, sub, ReasonRefreshFailed)
	}
}

// arm schedules expiry of sub after the registration lifetime.
func (m *Manager) arm(sub *Subscription, seconds int) {
	sub.arm(time.Duration(seconds)*time.Second, func() {
		slog.Info("[Subscription] Expired without renewal", "uuid", sub.Key())
		m.store.Teardown(context.Background(), sub, ReasonExpired)
	})
}

func (m *Manager) subscribeSpec(reg *registrar.Registration) sipdialog.RequestSpec {
	aor := "sip:" + reg.Entity()
	return sipdialog.RequestSpec{
		Method: sip.SUBSCRIBE,
		From:   aor,
		To:     aor,
		Headers: map[string]string{
			"Event":   EventPackage,
			"Expires": strconv.Itoa(reg.ExpiresIn),
			"Accept":  m.accept,
		},
	}
}

// onTeardown runs after the store has ended a subscription.
func (m *Manager) onTeardown(ctx context.Context, sub *Subscription, reason EndReason) {
	m.metrics.IncTeardown(reason.String())
	m.metrics.SetSubscriptions(m.store.Len())

	reg := sub.Registration()
	slog.Info("[Subscription] Torn down",
		"uuid", sub.Key(),
		"entity", reg.Entity(),
		"reason", reason.String(),
	)

	lifetime := sub.lifetime()
	if lifetime == 0 && reason == ReasonSubscribeFailed {
		return
	}
	m.publisher.PublishAsync(m.events.SubscriptionEnded(sub.Key(), reg.Entity()).
		Reason(reason.String(), "").
		Duration(lifetime).
		Build())
}

// Shutdown tears down every subscription, unsubscribing at most parallelism
// dialogs at a time.
func (m *Manager) Shutdown(ctx context.Context, parallelism int) error {
	if parallelism <= 0 {
		parallelism = DefaultShutdownParallelism
	}
	keys := m.store.Keys()
	if len(keys) == 0 {
		return nil
	}
	slog.Info("[Subscription] Shutting down", "subscriptions", len(keys))

	sem := semaphore.NewWeighted(int64(parallelism))
	g, gCtx := errgroup.WithContext(ctx)
	for _, key := range keys {
		g.Go(func() error {
			if err := sem.Acquire(gCtx, 1); err != nil {
				return err
			}
			defer sem.Release(1)

			m.store.Remove(gCtx, key, ReasonShutdown)
			return nil
		})
	}

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("shutdown subscriptions: %w", err)
	}
	return nil
}

func failureResult(err error) string {
	var rej *sipdialog.RejectedError
	switch {
	case errors.As(err, &rej):
		return "rejected"
	case errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	default:
		return "error"
	}
}
