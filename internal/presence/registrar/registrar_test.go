package registrar

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/emiago/sipgo/sip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sebas/presenced/internal/presence/auth"
)

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
	require.NotEmpty(t, r.responses)
	return r.responses[len(r.responses)-1]
}

// eventLog records listener calls in order.
type eventLog struct {
	mu     sync.Mutex
	events []string
	regs   []*Registration
}

func (l *eventLog) OnRegister(_ context.Context, reg *Registration) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, "register")
	l.regs = append(l.regs, reg)
}

func (l *eventLog) OnUnregister(_ context.Context, reg *Registration) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, "unregister")
	l.regs = append(l.regs, reg)
}

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func inline(fn func()) { fn() }

func newHandler(t *testing.T, opts ...Option) (*Handler, *eventLog, *clock) {
	t.Helper()
	clk := &clock{now: time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)}
	loc := NewLocation(LocationConfig{MinExpires: 30, MaxExpires: 3600, DefaultExpires: 600},
		WithLocationClock(clk.Now))
	t.Cleanup(loc.Close)

	h := NewHandler(loc, "example.com", append([]Option{WithDispatch(inline)}, opts...)...)
	log := &eventLog{}
	h.AddListener(log)
	return h, log, clk
}

var contactURI = sip.Uri{Scheme: "sip", User: "1000", Host: "10.0.0.2", Port: 5062}

func register(callID string, cseq uint32, expires string, contacts ...*sip.ContactHeader) *sip.Request {
	aor := sip.Uri{Scheme: "sip", User: "1000", Host: "example.com"}
	req := sip.NewRequest(sip.REGISTER, sip.Uri{Scheme: "sip", Host: "example.com"})
	req.AppendHeader(&sip.FromHeader{Address: aor, Params: sip.NewParams()})
	req.AppendHeader(&sip.ToHeader{Address: aor, Params: sip.NewParams()})
	id := sip.CallIDHeader(callID)
	req.AppendHeader(&id)
	req.AppendHeader(&sip.CSeqHeader{SeqNo: cseq, MethodName: sip.REGISTER})
	req.AppendHeader(sip.NewHeader("Allow", "INVITE, ACK, SUBSCRIBE, NOTIFY"))
	req.AppendHeader(sip.NewHeader("User-Agent", "softphone/1.0"))
	if expires != "" {
		req.AppendHeader(sip.NewHeader("Expires", expires))
	}
	for _, c := range contacts {
		req.AppendHeader(c)
	}
	req.SetSource("192.0.2.10:40000")
	return req
}

func contact(uri sip.Uri, params map[string]string) *sip.ContactHeader {
	p := sip.NewParams()
	for k, v := range params {
		p.Add(k, v)
	}
	return &sip.ContactHeader{Address: uri, Params: p}
}

func TestRegisterCreatesBinding(t *testing.T) {
	h, log, _ := newHandler(t)
	rec := &recorder{}

	h.Handle(register("c1", 1, "300", contact(contactURI, nil)), rec)

	res := rec.last(t)
	assert.Equal(t, sip.StatusOK, res.StatusCode)
	assert.NotNil(t, res.GetHeader("Date"))
	assert.Len(t, res.GetHeaders("Contact"), 1)

	require.Equal(t, []string{"register"}, log.events)
	reg := log.regs[0]
	assert.NotEmpty(t, reg.UUID)
	assert.True(t, reg.Initial)
	assert.Equal(t, 300, reg.ExpiresIn)
	assert.Equal(t, "sip:1000@example.com", reg.AOR)
	assert.Equal(t, []string{"sip:1000@10.0.0.2:5062"}, reg.Contacts)
	assert.Equal(t, []string{"INVITE", "ACK", "SUBSCRIBE", "NOTIFY"}, reg.Allow)
	assert.True(t, reg.AllowsSubscribe())
	assert.Equal(t, "1000@example.com", reg.Entity())
	assert.Equal(t, "192.0.2.10", reg.SourceAddr)
	assert.Equal(t, 40000, reg.SourcePort)
	assert.Equal(t, "softphone/1.0", reg.UserAgent)
	assert.Equal(t, 1, h.Location().Count())
}

func TestRefreshKeepsUUID(t *testing.T) {
	h, log, _ := newHandler(t)
	rec := &recorder{}

	h.Handle(register("c1", 1, "300", contact(contactURI, nil)), rec)
	h.Handle(register("c1", 2, "300", contact(contactURI, nil)), rec)

	require.Len(t, log.regs, 2)
	assert.Equal(t, log.regs[0].UUID, log.regs[1].UUID)
	assert.False(t, log.regs[1].Initial)
	assert.Equal(t, 1, h.Location().Count())
}

func TestStaleCSeqRejected(t *testing.T) {
	h, log, _ := newHandler(t)
	rec := &recorder{}

	h.Handle(register("c1", 5, "300", contact(contactURI, nil)), rec)
	h.Handle(register("c1", 5, "300", contact(contactURI, nil)), rec)

	assert.Equal(t, sip.StatusBadRequest, rec.last(t).StatusCode)
	assert.Len(t, log.regs, 1)
}

func TestContactExpiresParamWins(t *testing.T) {
	h, log, _ := newHandler(t)
	rec := &recorder{}

	h.Handle(register("c1", 1, "300", contact(contactURI, map[string]string{"expires": "120"})), rec)

	require.Len(t, log.regs, 1)
	assert.Equal(t, 120, log.regs[0].ExpiresIn)
}

func TestDefaultAndMaxExpires(t *testing.T) {
	h, log, _ := newHandler(t)
	rec := &recorder{}

	h.Handle(register("c1", 1, "", contact(contactURI, nil)), rec)
	other := contactURI
	other.Port = 5070
	h.Handle(register("c2", 1, "99999", contact(other, nil)), rec)

	require.Len(t, log.regs, 2)
	assert.Equal(t, 600, log.regs[0].ExpiresIn)
	assert.Equal(t, 3600, log.regs[1].ExpiresIn)
}

func TestIntervalTooBrief(t *testing.T) {
	h, log, _ := newHandler(t)
	rec := &recorder{}

	h.Handle(register("c1", 1, "10", contact(contactURI, nil)), rec)

	res := rec.last(t)
	assert.Equal(t, StatusIntervalTooBrief, res.StatusCode)
	minExp := res.GetHeader("Min-Expires")
	require.NotNil(t, minExp)
	assert.Equal(t, "30", minExp.Value())
	assert.Empty(t, log.events)
}

func TestUnregisterWithZeroExpires(t *testing.T) {
	h, log, _ := newHandler(t)
	rec := &recorder{}

	h.Handle(register("c1", 1, "300", contact(contactURI, nil)), rec)
	h.Handle(register("c1", 2, "0", contact(contactURI, nil)), rec)

	assert.Equal(t, sip.StatusOK, rec.last(t).StatusCode)
	assert.Equal(t, []string{"register", "unregister"}, log.events)
	assert.Equal(t, log.regs[0].UUID, log.regs[1].UUID)
	assert.Zero(t, h.Location().Count())
}

func TestWildcardUnregister(t *testing.T) {
	h, log, _ := newHandler(t)
	rec := &recorder{}

	other := contactURI
	other.Port = 5070
	h.Handle(register("c1", 1, "300", contact(contactURI, nil), contact(other, nil)), rec)
	require.Equal(t, 2, h.Location().Count())

	star := sip.NewHeader("Contact", "*")
	req := register("c1", 2, "0")
	req.AppendHeader(star)
	h.Handle(req, rec)

	assert.Equal(t, sip.StatusOK, rec.last(t).StatusCode)
	assert.Zero(t, h.Location().Count())
	assert.Equal(t, []string{"register", "register", "unregister", "unregister"}, log.events)
}

func TestWildcardRequiresZeroExpires(t *testing.T) {
	h, _, _ := newHandler(t)
	rec := &recorder{}

	req := register("c1", 1, "300")
	req.AppendHeader(sip.NewHeader("Contact", "*"))
	h.Handle(req, rec)

	assert.Equal(t, sip.StatusBadRequest, rec.last(t).StatusCode)
}

func TestQueryListsBindings(t *testing.T) {
	h, log, _ := newHandler(t)
	rec := &recorder{}

	h.Handle(register("c1", 1, "300", contact(contactURI, nil)), rec)
	h.Handle(register("c1", 2, ""), rec)

	res := rec.last(t)
	assert.Equal(t, sip.StatusOK, res.StatusCode)
	assert.Len(t, res.GetHeaders("Contact"), 1)
	assert.Len(t, log.events, 1, "query raises no event")
}

func TestExpiredBindingRaisesUnregister(t *testing.T) {
	h, log, clk := newHandler(t)
	rec := &recorder{}

	h.Handle(register("c1", 1, "60", contact(contactURI, nil)), rec)
	clk.Advance(61 * time.Second)
	assert.Equal(t, 1, h.Location().Sweep())

	assert.Equal(t, []string{"register", "unregister"}, log.events)
	assert.Equal(t, log.regs[0].UUID, log.regs[1].UUID)
	assert.Zero(t, h.Location().Count())
}

type fakeAuth struct {
	deny     bool
	username string
}

func (a *fakeAuth) Authenticate(_ context.Context, req *sip.Request, tx auth.Responder, realm string) (*auth.Result, bool) {
	if a.deny {
		_ = tx.Respond(sip.NewResponseFromRequest(req, sip.StatusCode(401), "Unauthorized", nil))
		return nil, false
	}
	return &auth.Result{Username: a.username, Realm: realm}, true
}

func TestRegisterAuthentication(t *testing.T) {
	tests := []struct {
		name   string
		auth   *fakeAuth
		status sip.StatusCode
		events int
	}{
		{name: "challenged", auth: &fakeAuth{deny: true}, status: sip.StatusCode(401)},
		{name: "wrong user", auth: &fakeAuth{username: "2000"}, status: StatusForbidden},
		{name: "accepted", auth: &fakeAuth{username: "1000"}, status: sip.StatusOK, events: 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h, log, _ := newHandler(t, WithAuthenticator(tt.auth))
			rec := &recorder{}

			h.Handle(register("c1", 1, "300", contact(contactURI, nil)), rec)

			assert.Equal(t, tt.status, rec.last(t).StatusCode)
			assert.Len(t, log.events, tt.events)
			if tt.events > 0 {
				assert.Equal(t, Authorization{Username: "1000", Realm: "example.com"}, log.regs[0].Authorization)
			}
		})
	}
}

func TestAllowsSubscribe(t *testing.T) {
	tests := []struct {
		allow []string
		want  bool
	}{
		{[]string{"INVITE", "SUBSCRIBE"}, true},
		{[]string{"invite", "subscribe"}, true},
		{[]string{"INVITE", "NOTIFY"}, false},
		{nil, false},
	}
	for _, tt := range tests {
		reg := &Registration{Allow: tt.allow}
		assert.Equal(t, tt.want, reg.AllowsSubscribe(), "%v", tt.allow)
	}
}

func TestParseAllow(t *testing.T) {
	got := parseAllow([]string{"INVITE, ack ,SUBSCRIBE", "", "notify"})
	assert.Equal(t, []string{"INVITE", "ACK", "SUBSCRIBE", "NOTIFY"}, got)
}

func TestLocationLookupOrdersByQ(t *testing.T) {
	loc := NewLocation(LocationConfig{})
	t.Cleanup(loc.Close)

	low := &Binding{AOR: "sip:1000@example.com", ContactURI: "sip:1000@10.0.0.2", QValue: 0.1, Expires: 60}
	high := &Binding{AOR: "sip:1000@example.com", ContactURI: "sip:1000@10.0.0.3", Expires: 60}
	for _, b := range []*Binding{low, high} {
		_, initial, err := loc.Register(b)
		require.NoError(t, err)
		assert.True(t, initial)
	}

	got := loc.Lookup("sip:1000@example.com")
	require.Len(t, got, 2)
	assert.Equal(t, "sip:1000@10.0.0.3", got[0].ContactURI)

	b, ok := loc.Get(low.UUID)
	require.True(t, ok)
	assert.Same(t, low, b)

	_, ok = loc.Unregister("sip:other@example.com", low.BindingID)
	assert.False(t, ok, "binding belongs to another AOR")
}
