package subscription

import (
	"sync"
	"time"
)

// Stopper is a scheduled callback that can be canceled.
type Stopper interface {
	Stop() bool
}

// AfterFunc schedules f after d. time.AfterFunc is the production value.
type AfterFunc func(d time.Duration, f func()) Stopper

// RealAfterFunc wraps time.AfterFunc.
func RealAfterFunc(d time.Duration, f func()) Stopper {
	return time.AfterFunc(d, f)
}

// expiryTimer is a single rearmable timer. A nil handle means disarmed.
//
// Every Arm bumps the generation; a callback only fires if its generation is
// still current, so a schedule canceled by Arm or Disarm never fires even if
// the runtime had already started it.
type expiryTimer struct {
	mu     sync.Mutex
	after  AfterFunc
	handle Stopper
	gen    uint64
}

func newExpiryTimer(after AfterFunc) *expiryTimer {
	if after == nil {
		after = RealAfterFunc
	}
	return &expiryTimer{after: after}
}

// Arm cancels any previous schedule and runs fire after d.
func (t *expiryTimer) Arm(d time.Duration, fire func()) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.handle != nil {
		t.handle.Stop()
	}
	t.gen++
	gen := t.gen
	t.handle = t.after(d, func() {
		t.mu.Lock()
		if t.gen != gen || t.handle == nil {
			t.mu.Unlock()
			return
		}
		t.handle = nil
		t.mu.Unlock()
		fire()
	})
}

// Disarm cancels the schedule. It reports whether the timer was armed.
func (t *expiryTimer) Disarm() bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.handle == nil {
		return false
	}
	t.handle.Stop()
	t.handle = nil
	t.gen++
	return true
}

// Armed reports whether a schedule is pending.
func (t *expiryTimer) Armed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.handle != nil
}
