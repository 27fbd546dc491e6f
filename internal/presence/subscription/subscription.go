// Package subscription keeps one outbound presence subscription alive per
// client registration and turns the NOTIFYs it receives into presence events.
package subscription

import (
	"sync"
	"time"

	"github.com/sebas/presenced/internal/presence/registrar"
	"github.com/sebas/presenced/internal/presence/sipdialog"
)

// Subscription is the state kept for one registration. It exclusively owns
// its dialog and expiry timer.
type Subscription struct {
	mu sync.Mutex

	key    string
	reg    *registrar.Registration
	dialog sipdialog.Dialog
	timer  *expiryTimer

	state     State
	endReason EndReason

	createdAt   time.Time
	activatedAt time.Time
	refreshedAt time.Time
	endedAt     time.Time

	refreshes     int
	notifications int
}

func newSubscription(reg *registrar.Registration, after AfterFunc, now time.Time) *Subscription {
	return &Subscription{
		key:       reg.UUID,
		reg:       reg,
		timer:     newExpiryTimer(after),
		state:     StatePending,
		createdAt: now,
	}
}

// Key returns the registration UUID.
func (s *Subscription) Key() string {
	return s.key
}

// Registration returns the registration the subscription currently mirrors.
func (s *Subscription) Registration() *registrar.Registration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reg
}

// Dialog returns the dialog, nil while pending.
func (s *Subscription) Dialog() sipdialog.Dialog {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dialog
}

// State returns the current lifecycle state.
func (s *Subscription) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// EndReason returns why the subscription ended, ReasonNone while live.
func (s *Subscription) EndReason() EndReason {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.endReason
}

// activate attaches the established dialog. It returns false if the
// subscription was torn down while the SUBSCRIBE was in flight; the caller
// then owns dlg and must destroy it.
func (s *Subscription) activate(dlg sipdialog.Dialog, now time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.state.CanTransitionTo(StateActive) {
		return false
	}
	s.state = StateActive
	s.dialog = dlg
	s.activatedAt = now
	return true
}

// arm (re)schedules expiry. Only active subscriptions are armed.
func (s *Subscription) arm(d time.Duration, fire func()) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != StateActive {
		return false
	}
	s.timer.Arm(d, fire)
	return true
}

// refreshed records a successful refresh.
func (s *Subscription) refreshed(reg *registrar.Registration, now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reg = reg
	s.refreshedAt = now
	s.refreshes++
}

func (s *Subscription) notified() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.notifications++
}

// end moves the subscription to TornDown and disarms its timer. It returns
// the dialog to destroy (nil if none) and false if already ended.
func (s *Subscription) end(reason EndReason, now time.Time) (sipdialog.Dialog, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.state.CanTransitionTo(StateTornDown) {
		return nil, false
	}
	s.state = StateTornDown
	s.endReason = reason
	s.endedAt = now
	s.timer.Disarm()

	dlg := s.dialog
	if dlg != nil && !dlg.Connected() {
		dlg = nil
	}
	return dlg, true
}

// lifetime is the time between activation and teardown, zero if never active.
func (s *Subscription) lifetime() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.activatedAt.IsZero() || s.endedAt.IsZero() {
		return 0
	}
	return s.endedAt.Sub(s.activatedAt)
}

// Snapshot is a point-in-time copy for diagnostics.
type Snapshot struct {
	UUID          string     `json:"uuid"`
	Entity        string     `json:"entity"`
	Contact       string     `json:"contact"`
	State         string     `json:"state"`
	DialogID      string     `json:"dialog_id,omitempty"`
	ExpiresIn     int        `json:"expires_in"`
	TimerArmed    bool       `json:"timer_armed"`
	CreatedAt     time.Time  `json:"created_at"`
	ActivatedAt   *time.Time `json:"activated_at,omitempty"`
	RefreshedAt   *time.Time `json:"refreshed_at,omitempty"`
	Refreshes     int        `json:"refreshes"`
	Notifications int        `json:"notifications"`
	EndReason     string     `json:"end_reason,omitempty"`
}

// Snapshot copies the subscription's current state.
func (s *Subscription) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	snap := Snapshot{
		UUID:          s.key,
		Entity:        s.reg.Entity(),
		Contact:       s.reg.PrimaryContact(),
		State:         s.state.String(),
		ExpiresIn:     s.reg.ExpiresIn,
		TimerArmed:    s.timer.Armed(),
		CreatedAt:     s.createdAt,
		Refreshes:     s.refreshes,
		Notifications: s.notifications,
	}
	if s.dialog != nil {
		snap.DialogID = s.dialog.ID()
	}
	if !s.activatedAt.IsZero() {
		t := s.activatedAt
		snap.ActivatedAt = &t
	}
	if !s.refreshedAt.IsZero() {
		t := s.refreshedAt
		snap.RefreshedAt = &t
	}
	if s.endReason != ReasonNone {
		snap.EndReason = s.endReason.String()
	}
	return snap
}
