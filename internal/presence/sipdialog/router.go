package sipdialog

import (
	"log/slog"
	"sync"

	"github.com/emiago/sipgo/sip"
)

// Router dispatches inbound NOTIFY requests to their dialog by Call-ID.
type Router struct {
	mu      sync.RWMutex
	dialogs map[string]*SubscribeDialog
}

// NewRouter creates an empty router.
func NewRouter() *Router {
	return &Router{dialogs: make(map[string]*SubscribeDialog)}
}

// HandleNotify is the sipgo NOTIFY handler.
func (r *Router) HandleNotify(req *sip.Request, tx sip.ServerTransaction) {
	r.Dispatch(req, tx)
}

// Dispatch routes req to its dialog by Call-ID. Unknown dialogs, and NOTIFYs
// whose tags do not match the dialog, get 481.
func (r *Router) Dispatch(req *sip.Request, tx Responder) {
	callID := req.CallID()
	if callID == nil {
		respond(req, tx, sip.StatusBadRequest, "Missing Call-ID")
		return
	}

	r.mu.RLock()
	d, ok := r.dialogs[callID.Value()]
	r.mu.RUnlock()

	if !ok {
		slog.Debug("[Dialog] NOTIFY for unknown dialog",
			"call_id", callID.Value(),
			"source", req.Source(),
		)
		respond(req, tx, StatusDialogDoesNotExist, reasonDialogDoesNotExist)
		return
	}
	d.deliverNotify(req, tx)
}

// Len returns the number of routable dialogs.
func (r *Router) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.dialogs)
}

func (r *Router) register(d *SubscribeDialog) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.dialogs[d.callID] = d
}

// unregister removes d only if it is still the registered dialog.
func (r *Router) unregister(d *SubscribeDialog) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cur, ok := r.dialogs[d.callID]; ok && cur == d {
		delete(r.dialogs, d.callID)
	}
}
