package sipdialog

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/emiago/sipgo/sip"
	"github.com/google/uuid"
)

// Factory creates outbound SUBSCRIBE dialogs.
type Factory struct {
	transport Transport
	router    *Router
	contact   sip.Uri
}

// NewFactory creates a factory sending through transport. contact is the
// local Contact URI advertised in every request; NOTIFYs arrive there and
// must reach router.
func NewFactory(transport Transport, router *Router, contact sip.Uri) *Factory {
	return &Factory{
		transport: transport,
		router:    router,
		contact:   contact,
	}
}

// CreateDialog sends an out-of-dialog request (normally SUBSCRIBE) to target
// and returns the dialog once a 2xx arrives. The dialog is routable before
// the request leaves, since the first NOTIFY may overtake the 2xx.
func (f *Factory) CreateDialog(ctx context.Context, target string, spec RequestSpec) (Dialog, error) {
	var recipient sip.Uri
	if err := sip.ParseUri(target, &recipient); err != nil {
		return nil, fmt.Errorf("parse target %q: %w", target, err)
	}

	localURI, err := parseOrDefault(spec.From, f.contact)
	if err != nil {
		return nil, fmt.Errorf("parse From %q: %w", spec.From, err)
	}
	remoteURI, err := parseOrDefault(spec.To, recipient)
	if err != nil {
		return nil, fmt.Errorf("parse To %q: %w", spec.To, err)
	}

	method := spec.Method
	if method == "" {
		method = sip.SUBSCRIBE
	}

	d := &SubscribeDialog{
		callID:       uuid.NewString(),
		localTag:     newTag(),
		localURI:     localURI,
		remoteURI:    remoteURI,
		remoteTarget: recipient,
		localContact: f.contact,
		eventPackage: spec.Headers["Event"],
		state:        StateInitial,
		createdAt:    time.Now(),
		transport:    f.transport,
		router:       f.router,
	}

	req := d.buildInitialRequest(method, spec)
	f.router.register(d)

	res, err := f.transport.Do(ctx, req)
	if err != nil {
		d.abandon(ReasonError)
		return nil, fmt.Errorf("%s %s: %w", method, target, err)
	}

	code := int(res.StatusCode)
	if code < 200 || code >= 300 {
		d.abandon(ReasonRejected)
		return nil, &RejectedError{StatusCode: code, Reason: res.Reason}
	}

	d.confirm(res)
	slog.Debug("[Dialog] Established",
		"call_id", d.callID,
		"target", target,
		"status", code,
	)
	return d, nil
}

// buildInitialRequest constructs the dialog-creating request. The CSeq
// starts at 1; later requests continue from there.
func (d *SubscribeDialog) buildInitialRequest(method sip.RequestMethod, spec RequestSpec) *sip.Request {
	req := sip.NewRequest(method, d.remoteTarget)

	fromParams := sip.NewParams()
	fromParams.Add("tag", d.localTag)
	req.AppendHeader(&sip.FromHeader{Address: d.localURI, Params: fromParams})
	req.AppendHeader(&sip.ToHeader{Address: d.remoteURI, Params: sip.NewParams()})

	callID := sip.CallIDHeader(d.callID)
	req.AppendHeader(&callID)
	req.AppendHeader(&sip.CSeqHeader{
		SeqNo:      d.localCSeq.Add(1),
		MethodName: method,
	})

	maxFwd := sip.MaxForwardsHeader(70)
	req.AppendHeader(&maxFwd)
	req.AppendHeader(&sip.ContactHeader{Address: d.localContact})

	appendSpecHeaders(req, spec)
	return req
}

func parseOrDefault(s string, def sip.Uri) (sip.Uri, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return def, nil
	}
	s = strings.TrimSuffix(strings.TrimPrefix(s, "<"), ">")
	var uri sip.Uri
	if err := sip.ParseUri(s, &uri); err != nil {
		return sip.Uri{}, err
	}
	return uri, nil
}

func newTag() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")[:16]
}
