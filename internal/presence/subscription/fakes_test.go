package subscription

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/emiago/sipgo/sip"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"

	"github.com/sebas/presenced/internal/presence/auth"
	"github.com/sebas/presenced/internal/presence/events"
	"github.com/sebas/presenced/internal/presence/metrics"
	"github.com/sebas/presenced/internal/presence/registrar"
	"github.com/sebas/presenced/internal/presence/sipdialog"
)

// fakeDialog is an in-memory sipdialog.Dialog.
type fakeDialog struct {
	mu        sync.Mutex
	id        string
	connected bool
	specs     []sipdialog.RequestSpec
	respond   func(spec sipdialog.RequestSpec) (*sip.Response, error)
	destroys  int
	onDestroy []func()
	onNotify  sipdialog.NotifyHandler
}

func (d *fakeDialog) ID() string { return d.id }

func (d *fakeDialog) Request(_ context.Context, spec sipdialog.RequestSpec) (*sip.Response, error) {
	d.mu.Lock()
	d.specs = append(d.specs, spec)
	respond := d.respond
	d.mu.Unlock()
	if respond == nil {
		return response(sip.StatusOK, "OK"), nil
	}
	return respond(spec)
}

func (d *fakeDialog) Destroy(context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.destroys++
	d.connected = false
	return nil
}

func (d *fakeDialog) Connected() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.connected
}

func (d *fakeDialog) OnDestroy(fn func()) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.onDestroy = append(d.onDestroy, fn)
}

func (d *fakeDialog) OnNotify(h sipdialog.NotifyHandler) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.onNotify = h
}

// endRemote simulates the peer ending the dialog.
func (d *fakeDialog) endRemote() {
	d.mu.Lock()
	d.connected = false
	handlers := d.onDestroy
	d.onDestroy = nil
	d.mu.Unlock()
	for _, fn := range handlers {
		fn()
	}
}

func (d *fakeDialog) notify(req *sip.Request, tx sipdialog.Responder) {
	d.mu.Lock()
	h := d.onNotify
	d.mu.Unlock()
	h(req, tx)
}

func (d *fakeDialog) destroyCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.destroys
}

func (d *fakeDialog) requests() []sipdialog.RequestSpec {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]sipdialog.RequestSpec(nil), d.specs...)
}

func response(code sip.StatusCode, reason string) *sip.Response {
	return &sip.Response{StatusCode: code, Reason: reason}
}

type factoryCall struct {
	target string
	spec   sipdialog.RequestSpec
}

// fakeFactory hands out fakeDialogs, or fails with err.
type fakeFactory struct {
	mu      sync.Mutex
	calls   []factoryCall
	dialogs []*fakeDialog
	err     error
	// during runs while the SUBSCRIBE is "in flight"
	during func()
}

func (f *fakeFactory) CreateDialog(_ context.Context, target string, spec sipdialog.RequestSpec) (sipdialog.Dialog, error) {
	f.mu.Lock()
	f.calls = append(f.calls, factoryCall{target: target, spec: spec})
	n := len(f.calls)
	err, during := f.err, f.during
	f.mu.Unlock()

	if during != nil {
		during()
	}
	if err != nil {
		return nil, err
	}

	d := &fakeDialog{id: fmt.Sprintf("dlg-%d", n), connected: true}
	f.mu.Lock()
	f.dialogs = append(f.dialogs, d)
	f.mu.Unlock()
	return d, nil
}

func (f *fakeFactory) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func (f *fakeFactory) dialog(i int) *fakeDialog {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.dialogs[i]
}

// fakeAuth accepts everything unless deny is set, in which case it
// challenges like a proxy.
type fakeAuth struct {
	mu    sync.Mutex
	deny  bool
	calls int
}

func (a *fakeAuth) Authenticate(_ context.Context, req *sip.Request, tx auth.Responder, realm string) (*auth.Result, bool) {
	a.mu.Lock()
	a.calls++
	deny := a.deny
	a.mu.Unlock()

	if deny {
		_ = tx.Respond(sip.NewResponseFromRequest(req, sip.StatusCode(407), "Proxy Authentication Required", nil))
		return nil, false
	}
	return &auth.Result{Username: "1000", Realm: realm}, true
}

// fakeTimer never fires by itself.
type fakeTimer struct {
	d       time.Duration
	f       func()
	stopped bool
}

func (t *fakeTimer) Stop() bool {
	was := !t.stopped
	t.stopped = true
	return was
}

// fakeClock records every scheduled timer so tests fire them explicitly.
type fakeClock struct {
	mu     sync.Mutex
	timers []*fakeTimer
}

func (c *fakeClock) AfterFunc(d time.Duration, f func()) Stopper {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := &fakeTimer{d: d, f: f}
	c.timers = append(c.timers, t)
	return t
}

func (c *fakeClock) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.timers)
}

func (c *fakeClock) timer(i int) *fakeTimer {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.timers[i]
}

// recorder is a sipdialog.Responder capturing answers.
type recorder struct {
	mu        sync.Mutex
	responses []*sip.Response
}

func (r *recorder) Respond(res *sip.Response) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.responses = append(r.responses, res)
	return nil
}

func (r *recorder) last(t *testing.T) *sip.Response {
	t.Helper()
	r.mu.Lock()
	defer r.mu.Unlock()
	require.NotEmpty(t, r.responses, "no response sent")
	return r.responses[len(r.responses)-1]
}

func (r *recorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.responses)
}

type harness struct {
	mgr     *Manager
	store   *Store
	factory *fakeFactory
	auth    *fakeAuth
	clock   *fakeClock
	pub     *events.ChannelPublisher
	metrics *metrics.Metrics
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		store:   NewStore(),
		factory: &fakeFactory{},
		auth:    &fakeAuth{},
		clock:   &fakeClock{},
		pub:     events.NewChannelPublisher(64),
		metrics: metrics.New(prometheus.NewRegistry()),
	}
	h.mgr = NewManager(Config{
		Store:     h.store,
		Dialogs:   h.factory,
		Auth:      h.auth,
		Publisher: h.pub,
		Events:    events.NewBuilder("test-node"),
		Metrics:   h.metrics,
		AfterFunc: h.clock.AfterFunc,
	})
	return h
}

// drain returns the events published so far.
func (h *harness) drain() []events.Event {
	var out []events.Event
	for {
		select {
		case ev := <-h.pub.Events():
			out = append(out, ev)
		default:
			return out
		}
	}
}

func ofType(evs []events.Event, typ events.EventType) []events.Event {
	var out []events.Event
	for _, ev := range evs {
		if ev.Type() == typ {
			out = append(out, ev)
		}
	}
	return out
}

func registration(uuid string, initial bool) *registrar.Registration {
	return &registrar.Registration{
		UUID:      uuid,
		AOR:       "sip:1000@example.com",
		Allow:     []string{"INVITE", "ACK", "SUBSCRIBE", "NOTIFY"},
		Contacts:  []string{"sip:a@h"},
		ExpiresIn: 30,
		Authorization: registrar.Authorization{
			Username: "1000",
			Realm:    "example.com",
		},
		Initial: initial,
	}
}

func notifyRequest(state, contentType string, body []byte) *sip.Request {
	req := sip.NewRequest(sip.NOTIFY, sip.Uri{Scheme: "sip", User: "presenced", Host: "10.0.0.1", Port: 5060})
	callID := sip.CallIDHeader("dlg-1")
	req.AppendHeader(&callID)
	req.AppendHeader(&sip.FromHeader{Address: sip.Uri{Scheme: "sip", User: "1000", Host: "example.com"}, Params: sip.NewParams()})
	req.AppendHeader(&sip.ToHeader{Address: sip.Uri{Scheme: "sip", User: "1000", Host: "example.com"}, Params: sip.NewParams()})
	req.AppendHeader(&sip.CSeqHeader{SeqNo: 1, MethodName: sip.NOTIFY})
	if state != "" {
		req.AppendHeader(sip.NewHeader("Subscription-State", state))
	}
	if contentType != "" {
		ct := sip.ContentTypeHeader(contentType)
		req.AppendHeader(&ct)
	}
	if body != nil {
		req.SetBody(body)
	}
	req.SetSource("10.0.0.5:5062")
	return req
}
