package sipdialog

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/emiago/sipgo/sip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var localContact = sip.Uri{Scheme: "sip", User: "presenced", Host: "10.0.0.1", Port: 5060}

// fakeTransport records requests and answers them with respond.
type fakeTransport struct {
	mu       sync.Mutex
	requests []*sip.Request
	respond  func(req *sip.Request) (*sip.Response, error)
}

func (f *fakeTransport) Do(_ context.Context, req *sip.Request) (*sip.Response, error) {
	f.mu.Lock()
	f.requests = append(f.requests, req)
	respond := f.respond
	f.mu.Unlock()
	return respond(req)
}

func (f *fakeTransport) sent() []*sip.Request {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*sip.Request(nil), f.requests...)
}

func answer(code sip.StatusCode, reason string) func(*sip.Request) (*sip.Response, error) {
	return func(req *sip.Request) (*sip.Response, error) {
		res := sip.NewResponseFromRequest(req, code, reason, nil)
		if to := res.To(); to != nil {
			to.Params.Add("tag", "remote-tag")
		}
		res.AppendHeader(&sip.ContactHeader{Address: sip.Uri{Scheme: "sip", User: "1000", Host: "10.0.0.9", Port: 5070}})
		return res, nil
	}
}

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

func (r *recorder) codes() []sip.StatusCode {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []sip.StatusCode
	for _, res := range r.responses {
		out = append(out, res.StatusCode)
	}
	return out
}

func subscribeSpec() RequestSpec {
	return RequestSpec{
		Method: sip.SUBSCRIBE,
		From:   "<sip:1000@example.com>",
		To:     "sip:1000@example.com",
		Headers: map[string]string{
			"Event":   "presence",
			"Expires": "30",
			"Accept":  "application/pidf+xml",
		},
	}
}

func newNotify(callID, localTag string) *sip.Request {
	req := sip.NewRequest(sip.NOTIFY, localContact)
	id := sip.CallIDHeader(callID)
	req.AppendHeader(&id)
	fromParams := sip.NewParams()
	fromParams.Add("tag", "remote-tag")
	req.AppendHeader(&sip.FromHeader{Address: sip.Uri{Scheme: "sip", User: "1000", Host: "example.com"}, Params: fromParams})
	toParams := sip.NewParams()
	if localTag != "" {
		toParams.Add("tag", localTag)
	}
	req.AppendHeader(&sip.ToHeader{Address: localContact, Params: toParams})
	req.AppendHeader(&sip.CSeqHeader{SeqNo: 1, MethodName: sip.NOTIFY})
	return req
}

func fromTag(req *sip.Request) string {
	tag, _ := req.From().Params.Get("tag")
	return tag
}

func header(t *testing.T, req *sip.Request, name string) string {
	t.Helper()
	h := req.GetHeader(name)
	require.NotNil(t, h, "missing header %s", name)
	return h.Value()
}

func TestCreateDialog(t *testing.T) {
	tr := &fakeTransport{respond: answer(StatusAccepted, "Accepted")}
	router := NewRouter()
	f := NewFactory(tr, router, localContact)

	d, err := f.CreateDialog(context.Background(), "sip:1000@10.0.0.2:5062", subscribeSpec())
	require.NoError(t, err)
	assert.True(t, d.Connected())
	assert.Equal(t, 1, router.Len())

	sent := tr.sent()
	require.Len(t, sent, 1)
	req := sent[0]
	assert.Equal(t, sip.SUBSCRIBE, req.Method)
	assert.Equal(t, "10.0.0.2", req.Recipient.Host)
	assert.Equal(t, "presence", header(t, req, "Event"))
	assert.Equal(t, "30", header(t, req, "Expires"))
	assert.Equal(t, "application/pidf+xml", header(t, req, "Accept"))
	assert.Equal(t, uint32(1), req.CSeq().SeqNo)
	assert.Equal(t, d.ID(), req.CallID().Value())
	assert.Equal(t, "1000", req.From().Address.User)
	assert.Equal(t, "example.com", req.From().Address.Host)
	tag, ok := req.From().Params.Get("tag")
	assert.True(t, ok)
	assert.NotEmpty(t, tag)
}

func TestCreateDialogFailures(t *testing.T) {
	boom := errors.New("network unreachable")
	tests := []struct {
		name    string
		respond func(*sip.Request) (*sip.Response, error)
		check   func(t *testing.T, err error)
	}{
		{
			name:    "rejected",
			respond: answer(sip.StatusCode(489), "Bad Event"),
			check: func(t *testing.T, err error) {
				var rej *RejectedError
				require.ErrorAs(t, err, &rej)
				assert.Equal(t, 489, rej.StatusCode)
				assert.Equal(t, "Bad Event", rej.Reason)
			},
		},
		{
			name: "transport error",
			respond: func(*sip.Request) (*sip.Response, error) {
				return nil, boom
			},
			check: func(t *testing.T, err error) {
				assert.ErrorIs(t, err, boom)
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			router := NewRouter()
			f := NewFactory(&fakeTransport{respond: tt.respond}, router, localContact)

			d, err := f.CreateDialog(context.Background(), "sip:1000@10.0.0.2", subscribeSpec())
			assert.Nil(t, d)
			tt.check(t, err)
			assert.Zero(t, router.Len())
		})
	}
}

func TestRequestUsesDialogState(t *testing.T) {
	tr := &fakeTransport{respond: answer(sip.StatusOK, "OK")}
	f := NewFactory(tr, NewRouter(), localContact)

	d, err := f.CreateDialog(context.Background(), "sip:1000@10.0.0.2:5062", subscribeSpec())
	require.NoError(t, err)

	res, err := d.Request(context.Background(), subscribeSpec())
	require.NoError(t, err)
	assert.Equal(t, sip.StatusOK, res.StatusCode)

	sent := tr.sent()
	require.Len(t, sent, 2)
	refresh := sent[1]
	assert.Equal(t, uint32(2), refresh.CSeq().SeqNo)
	assert.Equal(t, d.ID(), refresh.CallID().Value())
	// Remote target comes from the 2xx Contact
	assert.Equal(t, "10.0.0.9", refresh.Recipient.Host)
	assert.Equal(t, 5070, refresh.Recipient.Port)
	tag, ok := refresh.To().Params.Get("tag")
	assert.True(t, ok)
	assert.Equal(t, "remote-tag", tag)
}

func TestRequest481EndsDialogOnce(t *testing.T) {
	tr := &fakeTransport{respond: answer(sip.StatusOK, "OK")}
	router := NewRouter()
	f := NewFactory(tr, router, localContact)

	d, err := f.CreateDialog(context.Background(), "sip:1000@10.0.0.2", subscribeSpec())
	require.NoError(t, err)

	fired := 0
	d.OnDestroy(func() { fired++ })

	tr.respond = answer(StatusDialogDoesNotExist, "Call/Transaction Does Not Exist")
	res, err := d.Request(context.Background(), subscribeSpec())
	require.NoError(t, err)
	assert.Equal(t, StatusDialogDoesNotExist, res.StatusCode)
	assert.False(t, d.Connected())
	assert.Equal(t, 1, fired)
	assert.Zero(t, router.Len())

	_, err = d.Request(context.Background(), subscribeSpec())
	assert.ErrorIs(t, err, ErrDialogTerminated)
	assert.Equal(t, 1, fired)

	late := 0
	d.OnDestroy(func() { late++ })
	assert.Equal(t, 1, late, "handler attached after remote end runs immediately")
}

func TestDestroySendsUnsubscribe(t *testing.T) {
	tr := &fakeTransport{respond: answer(sip.StatusOK, "OK")}
	router := NewRouter()
	f := NewFactory(tr, router, localContact)

	d, err := f.CreateDialog(context.Background(), "sip:1000@10.0.0.2", subscribeSpec())
	require.NoError(t, err)

	fired := false
	d.OnDestroy(func() { fired = true })

	require.NoError(t, d.Destroy(context.Background()))
	assert.False(t, d.Connected())
	assert.False(t, fired, "local destroy does not fire OnDestroy")
	assert.Zero(t, router.Len())

	sent := tr.sent()
	require.Len(t, sent, 2)
	assert.Equal(t, "0", header(t, sent[1], "Expires"))
	assert.Equal(t, "presence", header(t, sent[1], "Event"))

	require.NoError(t, d.Destroy(context.Background()))
	assert.Len(t, tr.sent(), 2, "second destroy sends nothing")
}

func TestRouterUnknownDialog(t *testing.T) {
	router := NewRouter()
	rec := &recorder{}
	router.Dispatch(newNotify("nobody", "x"), rec)
	assert.Equal(t, []sip.StatusCode{StatusDialogDoesNotExist}, rec.codes())
}

func TestRouterRejectsMismatchedTags(t *testing.T) {
	router := NewRouter()
	f := NewFactory(&fakeTransport{respond: answer(StatusAccepted, "Accepted")}, router, localContact)
	d, err := f.CreateDialog(context.Background(), "sip:1000@10.0.0.2", subscribeSpec())
	require.NoError(t, err)
	local := d.(*SubscribeDialog).localTag

	var delivered int
	d.OnNotify(func(req *sip.Request, tx Responder) {
		delivered++
		respond(req, tx, sip.StatusOK, "OK")
	})

	wrongFrom := newNotify(d.ID(), local)
	wrongFrom.From().Params.Add("tag", "other-remote")

	tests := map[string]*sip.Request{
		"no to tag":    newNotify(d.ID(), ""),
		"wrong to tag": newNotify(d.ID(), local+"x"),
		"wrong from":   wrongFrom,
	}
	for name, req := range tests {
		t.Run(name, func(t *testing.T) {
			rec := &recorder{}
			router.Dispatch(req, rec)
			assert.Equal(t, []sip.StatusCode{StatusDialogDoesNotExist}, rec.codes())
		})
	}
	assert.Zero(t, delivered)
	assert.True(t, d.Connected(), "dialog survives stray NOTIFYs")

	rec := &recorder{}
	router.Dispatch(newNotify(d.ID(), local), rec)
	assert.Equal(t, []sip.StatusCode{sip.StatusOK}, rec.codes())
	assert.Equal(t, 1, delivered)
}

func TestEarlyNotifyIsQueuedUntilHandler(t *testing.T) {
	router := NewRouter()
	rec := &recorder{}

	// The NOTIFY overtakes the 2xx
	tr := &fakeTransport{}
	tr.respond = func(req *sip.Request) (*sip.Response, error) {
		router.Dispatch(newNotify(req.CallID().Value(), fromTag(req)), rec)
		return answer(StatusAccepted, "Accepted")(req)
	}
	f := NewFactory(tr, router, localContact)

	d, err := f.CreateDialog(context.Background(), "sip:1000@10.0.0.2", subscribeSpec())
	require.NoError(t, err)
	assert.Empty(t, rec.codes(), "queued NOTIFY is not answered yet")

	var got []*sip.Request
	d.OnNotify(func(req *sip.Request, tx Responder) {
		got = append(got, req)
		respond(req, tx, sip.StatusOK, "OK")
	})
	require.Len(t, got, 1)
	assert.Equal(t, []sip.StatusCode{sip.StatusOK}, rec.codes())

	router.Dispatch(newNotify(d.ID(), d.(*SubscribeDialog).localTag), rec)
	assert.Len(t, got, 2)
}

func TestEarlyNotifyRejectedWhenSubscribeFails(t *testing.T) {
	router := NewRouter()
	rec := &recorder{}

	tr := &fakeTransport{}
	tr.respond = func(req *sip.Request) (*sip.Response, error) {
		router.Dispatch(newNotify(req.CallID().Value(), fromTag(req)), rec)
		return answer(sip.StatusCode(403), "Forbidden")(req)
	}
	f := NewFactory(tr, router, localContact)

	_, err := f.CreateDialog(context.Background(), "sip:1000@10.0.0.2", subscribeSpec())
	require.Error(t, err)
	assert.Equal(t, []sip.StatusCode{StatusDialogDoesNotExist}, rec.codes())
}

func TestStateTransitions(t *testing.T) {
	assert.True(t, StateInitial.CanTransitionTo(StateConfirmed))
	assert.True(t, StateInitial.CanTransitionTo(StateTerminated))
	assert.True(t, StateConfirmed.CanTransitionTo(StateTerminated))
	assert.False(t, StateTerminated.CanTransitionTo(StateConfirmed))
	assert.False(t, StateConfirmed.CanTransitionTo(StateInitial))
	assert.Equal(t, "Confirmed", StateConfirmed.String())
	assert.Equal(t, "Remote", ReasonRemote.String())
}
