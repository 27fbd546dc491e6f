// Package sipdialog implements the UAC side of SUBSCRIBE dialogs (RFC 6665)
// on top of sipgo: dialog creation, in-dialog refresh, local teardown and
// routing of inbound NOTIFY requests to the dialog they belong to.
package sipdialog

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/emiago/sipgo/sip"
)

// Status codes not exported by sipgo under a stable name.
const (
	StatusAccepted           sip.StatusCode = 202
	StatusDialogDoesNotExist sip.StatusCode = 481
	StatusServiceUnavailable sip.StatusCode = 503
)

const (
	reasonDialogDoesNotExist = "Call/Transaction Does Not Exist"

	// NOTIFYs held while no handler is attached
	maxQueuedNotifies = 8
)

// ErrDialogTerminated is returned for requests on a dialog that has ended.
var ErrDialogTerminated = errors.New("sipdialog: dialog terminated")

// RejectedError is returned when the peer answers with a non-2xx final response.
type RejectedError struct {
	StatusCode int
	Reason     string
}

func (e *RejectedError) Error() string {
	return fmt.Sprintf("sipdialog: request rejected: %d %s", e.StatusCode, e.Reason)
}

// Responder is the part of a server transaction a NOTIFY handler answers on.
// sip.ServerTransaction satisfies it.
type Responder interface {
	Respond(res *sip.Response) error
}

// NotifyHandler processes one NOTIFY received on a dialog. It must answer on tx.
type NotifyHandler func(req *sip.Request, tx Responder)

// RequestSpec describes a request to send. Header names are written as given;
// Content-Type applies to Body.
type RequestSpec struct {
	Method      sip.RequestMethod
	From        string
	To          string
	Headers     map[string]string
	ContentType string
	Body        []byte
}

// Dialog is a live SUBSCRIBE dialog.
type Dialog interface {
	// ID returns the dialog's Call-ID.
	ID() string
	// Request sends an in-dialog request and returns the final response.
	Request(ctx context.Context, spec RequestSpec) (*sip.Response, error)
	// Destroy ends the dialog locally. OnDestroy handlers are not invoked.
	Destroy(ctx context.Context) error
	// Connected reports whether the dialog can still carry requests.
	Connected() bool
	// OnDestroy registers fn to run once if the peer ends the dialog.
	OnDestroy(fn func())
	// OnNotify sets the handler for NOTIFY requests on this dialog.
	OnNotify(h NotifyHandler)
}

type queuedNotify struct {
	req *sip.Request
	tx  Responder
}

// SubscribeDialog is the Dialog implementation created by Factory.
type SubscribeDialog struct {
	mu sync.Mutex

	// Identification per RFC 3261 Section 12
	callID    string
	localTag  string
	remoteTag string

	localURI     sip.Uri
	remoteURI    sip.Uri
	remoteTarget sip.Uri
	routeSet     []string
	localContact sip.Uri
	eventPackage string

	state           State
	terminateReason TerminateReason
	createdAt       time.Time

	localCSeq atomic.Uint32

	destroyHandlers []func()
	notifyHandler   NotifyHandler
	queued          []queuedNotify

	transport Transport
	router    *Router
}

var _ Dialog = (*SubscribeDialog)(nil)

// ID implements Dialog.
func (d *SubscribeDialog) ID() string {
	return d.callID
}

// State returns the current dialog state.
func (d *SubscribeDialog) State() State {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state
}

// TerminateReason returns why the dialog ended, or ReasonNone.
func (d *SubscribeDialog) TerminateReason() TerminateReason {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.terminateReason
}

// CreatedAt returns when the dialog was created.
func (d *SubscribeDialog) CreatedAt() time.Time {
	return d.createdAt
}

// Connected implements Dialog.
func (d *SubscribeDialog) Connected() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state == StateConfirmed
}

// transitionLocked must be called with d.mu held.
func (d *SubscribeDialog) transitionLocked(next State, reason TerminateReason) error {
	if !d.state.CanTransitionTo(next) {
		return fmt.Errorf("invalid state transition: %s -> %s", d.state, next)
	}
	d.state = next
	if next == StateTerminated {
		d.terminateReason = reason
	}
	return nil
}

// Request implements Dialog. A 481 answer means the peer has forgotten the
// dialog; it is marked terminated and the OnDestroy handlers run.
func (d *SubscribeDialog) Request(ctx context.Context, spec RequestSpec) (*sip.Response, error) {
	if !d.Connected() {
		return nil, ErrDialogTerminated
	}

	req := d.buildRequest(spec)
	res, err := d.transport.Do(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("in-dialog %s: %w", req.Method, err)
	}

	if res.StatusCode == StatusDialogDoesNotExist {
		slog.Info("[Dialog] Peer no longer knows dialog", "call_id", d.callID)
		d.endRemote()
	}
	return res, nil
}

// Destroy implements Dialog. The unsubscribe is best effort: the dialog is
// terminated locally whether or not the peer answers.
func (d *SubscribeDialog) Destroy(ctx context.Context) error {
	d.mu.Lock()
	if d.state != StateConfirmed {
		d.mu.Unlock()
		return nil
	}
	_ = d.transitionLocked(StateTerminated, ReasonLocal)
	queued := d.takeQueueLocked()
	d.mu.Unlock()

	d.router.unregister(d)
	rejectQueued(queued)

	headers := map[string]string{"Expires": "0"}
	if d.eventPackage != "" {
		headers["Event"] = d.eventPackage
	}
	req := d.buildRequest(RequestSpec{Method: sip.SUBSCRIBE, Headers: headers})

	res, err := d.transport.Do(ctx, req)
	if err != nil {
		return fmt.Errorf("unsubscribe: %w", err)
	}
	slog.Debug("[Dialog] Unsubscribe answered",
		"call_id", d.callID,
		"status", int(res.StatusCode),
	)
	return nil
}

// OnDestroy implements Dialog. If the peer already ended the dialog fn runs
// immediately.
func (d *SubscribeDialog) OnDestroy(fn func()) {
	d.mu.Lock()
	if d.state == StateTerminated && d.terminateReason == ReasonRemote {
		d.mu.Unlock()
		fn()
		return
	}
	d.destroyHandlers = append(d.destroyHandlers, fn)
	d.mu.Unlock()
}

// OnNotify implements Dialog. NOTIFYs that arrived before a handler was set
// are delivered now, in arrival order.
func (d *SubscribeDialog) OnNotify(h NotifyHandler) {
	d.mu.Lock()
	d.notifyHandler = h
	queued := d.takeQueueLocked()
	d.mu.Unlock()

	for _, q := range queued {
		h(q.req, q.tx)
	}
}

// endRemote terminates the dialog on the peer's behalf and fires the
// OnDestroy handlers exactly once.
func (d *SubscribeDialog) endRemote() {
	d.mu.Lock()
	if d.state == StateTerminated {
		d.mu.Unlock()
		return
	}
	_ = d.transitionLocked(StateTerminated, ReasonRemote)
	handlers := d.destroyHandlers
	d.destroyHandlers = nil
	queued := d.takeQueueLocked()
	d.mu.Unlock()

	d.router.unregister(d)
	rejectQueued(queued)
	for _, fn := range handlers {
		fn()
	}
}

// abandon terminates a dialog whose initial SUBSCRIBE failed.
func (d *SubscribeDialog) abandon(reason TerminateReason) {
	d.mu.Lock()
	if d.state != StateTerminated {
		_ = d.transitionLocked(StateTerminated, reason)
	}
	queued := d.takeQueueLocked()
	d.mu.Unlock()

	d.router.unregister(d)
	rejectQueued(queued)
}

// confirm records the peer's side of the dialog from the 2xx response.
func (d *SubscribeDialog) confirm(res *sip.Response) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if to := res.To(); to != nil && d.remoteTag == "" {
		if tag, ok := to.Params.Get("tag"); ok {
			d.remoteTag = tag
		}
	}
	if contact := res.Contact(); contact != nil {
		d.remoteTarget = contact.Address
	}

	// Route set is the Record-Route list in reverse order
	rr := res.GetHeaders("Record-Route")
	d.routeSet = d.routeSet[:0]
	for i := len(rr) - 1; i >= 0; i-- {
		d.routeSet = append(d.routeSet, rr[i].Value())
	}

	if err := d.transitionLocked(StateConfirmed, ReasonNone); err != nil {
		slog.Warn("[Dialog] Confirm ignored", "call_id", d.callID, "error", err)
	}
}

// matchesLocked reports whether req carries this dialog's tags. The To tag
// must be our local tag; the From tag is checked once the remote tag is known.
func (d *SubscribeDialog) matchesLocked(req *sip.Request) bool {
	to := req.To()
	if to == nil {
		return false
	}
	if tag, _ := to.Params.Get("tag"); tag != d.localTag {
		return false
	}
	if d.remoteTag == "" {
		return true
	}
	from := req.From()
	if from == nil {
		return false
	}
	tag, _ := from.Params.Get("tag")
	return tag == d.remoteTag
}

// deliverNotify hands a NOTIFY to the handler, or queues it until one is set.
func (d *SubscribeDialog) deliverNotify(req *sip.Request, tx Responder) {
	d.mu.Lock()
	if d.state == StateTerminated {
		d.mu.Unlock()
		respond(req, tx, StatusDialogDoesNotExist, reasonDialogDoesNotExist)
		return
	}
	if !d.matchesLocked(req) {
		d.mu.Unlock()
		slog.Debug("[Dialog] NOTIFY tags do not match dialog",
			"call_id", d.callID,
			"source", req.Source(),
		)
		respond(req, tx, StatusDialogDoesNotExist, reasonDialogDoesNotExist)
		return
	}

	// A NOTIFY may establish the dialog before the 2xx arrives (RFC 6665 4.1.2.4)
	if from := req.From(); from != nil && d.remoteTag == "" {
		if tag, ok := from.Params.Get("tag"); ok {
			d.remoteTag = tag
		}
	}
	// Target refresh
	if contact := req.Contact(); contact != nil {
		d.remoteTarget = contact.Address
	}

	h := d.notifyHandler
	if h == nil {
		if len(d.queued) >= maxQueuedNotifies {
			d.mu.Unlock()
			respond(req, tx, StatusServiceUnavailable, "Notify queue full")
			return
		}
		d.queued = append(d.queued, queuedNotify{req: req, tx: tx})
		d.mu.Unlock()
		return
	}
	d.mu.Unlock()

	h(req, tx)
}

func (d *SubscribeDialog) takeQueueLocked() []queuedNotify {
	q := d.queued
	d.queued = nil
	return q
}

func rejectQueued(queued []queuedNotify) {
	for _, q := range queued {
		respond(q.req, q.tx, StatusDialogDoesNotExist, reasonDialogDoesNotExist)
	}
}

// buildRequest constructs an in-dialog request per RFC 3261 Section 12.2.1.1.
func (d *SubscribeDialog) buildRequest(spec RequestSpec) *sip.Request {
	d.mu.Lock()
	defer d.mu.Unlock()

	method := spec.Method
	if method == "" {
		method = sip.SUBSCRIBE
	}

	req := sip.NewRequest(method, d.remoteTarget)
	for _, route := range d.routeSet {
		req.AppendHeader(sip.NewHeader("Route", route))
	}

	fromParams := sip.NewParams()
	fromParams.Add("tag", d.localTag)
	req.AppendHeader(&sip.FromHeader{Address: d.localURI, Params: fromParams})

	toParams := sip.NewParams()
	if d.remoteTag != "" {
		toParams.Add("tag", d.remoteTag)
	}
	req.AppendHeader(&sip.ToHeader{Address: d.remoteURI, Params: toParams})

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

// appendSpecHeaders writes the RequestSpec headers in name order, then the body.
func appendSpecHeaders(req *sip.Request, spec RequestSpec) {
	names := make([]string, 0, len(spec.Headers))
	for name := range spec.Headers {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		req.AppendHeader(sip.NewHeader(name, spec.Headers[name]))
	}

	if len(spec.Body) > 0 {
		if spec.ContentType != "" {
			ct := sip.ContentTypeHeader(spec.ContentType)
			req.AppendHeader(&ct)
		}
		req.SetBody(spec.Body)
	}
}

// respond sends a response without a body and logs failures.
func respond(req *sip.Request, tx Responder, code sip.StatusCode, reason string) {
	res := sip.NewResponseFromRequest(req, code, reason, nil)
	if err := tx.Respond(res); err != nil {
		slog.Error("[Dialog] Failed to send response",
			"status", int(code),
			"error", err,
		)
	}
}
