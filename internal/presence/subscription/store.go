package subscription

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/sebas/presenced/internal/presence/sipdialog"
)

const defaultDestroyTimeout = 5 * time.Second

// TeardownFunc observes every subscription the store tears down.
type TeardownFunc func(ctx context.Context, sub *Subscription, reason EndReason)

// Store maps registration UUIDs to subscriptions. At most one subscription
// exists per UUID.
//
// Lock order is Store.mu then Subscription.mu. Dialogs are destroyed after
// both are released.
type Store struct {
	mu   sync.Mutex
	subs map[string]*Subscription

	now            func() time.Time
	destroyTimeout time.Duration
	onTeardown     TeardownFunc
}

// StoreOption configures a Store.
type StoreOption func(*Store)

// WithStoreClock overrides the time source.
func WithStoreClock(now func() time.Time) StoreOption {
	return func(s *Store) { s.now = now }
}

// WithDestroyTimeout bounds the unsubscribe sent on teardown.
func WithDestroyTimeout(d time.Duration) StoreOption {
	return func(s *Store) { s.destroyTimeout = d }
}

// NewStore creates an empty store.
func NewStore(opts ...StoreOption) *Store {
	s := &Store{
		subs:           make(map[string]*Subscription),
		now:            time.Now,
		destroyTimeout: defaultDestroyTimeout,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// OnTeardown sets the teardown observer. Must be called before use.
func (s *Store) OnTeardown(fn TeardownFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onTeardown = fn
}

// Put inserts sub. Any prior entry for the same key is torn down with
// ReasonReplaced before sub becomes visible.
func (s *Store) Put(ctx context.Context, sub *Subscription) {
	s.mu.Lock()
	var (
		prev    *Subscription
		prevDlg sipdialog.Dialog
		ended   bool
	)
	if old, ok := s.subs[sub.key]; ok && old != sub {
		prev = old
		prevDlg, ended = old.end(ReasonReplaced, s.now())
		delete(s.subs, sub.key)
	}
	s.subs[sub.key] = sub
	s.mu.Unlock()

	if prev != nil && ended {
		slog.Info("[Subscription] Replacing existing subscription", "uuid", sub.key)
		s.finish(ctx, prev, prevDlg, ReasonReplaced)
	}
}

// Has reports whether key has an entry.
func (s *Store) Has(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.subs[key]
	return ok
}

// Get returns the entry for key.
func (s *Store) Get(key string) (*Subscription, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sub, ok := s.subs[key]
	return sub, ok
}

// Snapshot returns a point-in-time view of the entry for key.
func (s *Store) Snapshot(key string) (Snapshot, bool) {
	sub, ok := s.Get(key)
	if !ok {
		return Snapshot{}, false
	}
	return sub.Snapshot(), true
}

// Remove tears down the entry for key. It is a no-op returning false when
// there is none.
func (s *Store) Remove(ctx context.Context, key string, reason EndReason) bool {
	s.mu.Lock()
	sub, ok := s.subs[key]
	if !ok {
		s.mu.Unlock()
		return false
	}
	dlg, ended := sub.end(reason, s.now())
	delete(s.subs, key)
	s.mu.Unlock()

	if ended {
		s.finish(ctx, sub, dlg, reason)
	}
	return ended
}

// Teardown ends sub and detaches it if it is still the stored entry for its
// key. It returns false if sub had already ended.
func (s *Store) Teardown(ctx context.Context, sub *Subscription, reason EndReason) bool {
	s.mu.Lock()
	dlg, ended := sub.end(reason, s.now())
	if ended {
		s.detachLocked(sub)
	}
	s.mu.Unlock()

	if ended {
		s.finish(ctx, sub, dlg, reason)
	}
	return ended
}

// detachLocked removes sub only if it still owns its key, so a late
// teardown never removes a successor.
func (s *Store) detachLocked(sub *Subscription) {
	if cur, ok := s.subs[sub.key]; ok && cur == sub {
		delete(s.subs, sub.key)
	}
}

// finish destroys the dialog and notifies the observer. Called without locks.
func (s *Store) finish(ctx context.Context, sub *Subscription, dlg sipdialog.Dialog, reason EndReason) {
	if dlg != nil {
		dctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.destroyTimeout)
		if err := dlg.Destroy(dctx); err != nil {
			slog.Warn("[Subscription] Failed to unsubscribe",
				"uuid", sub.key,
				"dialog", dlg.ID(),
				"error", err,
			)
		}
		cancel()
	}

	s.mu.Lock()
	hook := s.onTeardown
	s.mu.Unlock()
	if hook != nil {
		hook(ctx, sub, reason)
	}
}

// Len returns the number of entries.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.subs)
}

// Keys returns the stored UUIDs.
func (s *Store) Keys() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	keys := make([]string, 0, len(s.subs))
	for k := range s.subs {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// List returns snapshots of every entry, ordered by UUID.
func (s *Store) List() []Snapshot {
	s.mu.Lock()
	subs := make([]*Subscription, 0, len(s.subs))
	for _, sub := range s.subs {
		subs = append(subs, sub)
	}
	s.mu.Unlock()

	out := make([]Snapshot, 0, len(subs))
	for _, sub := range subs {
		out = append(out, sub.Snapshot())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UUID < out[j].UUID })
	return out
}
