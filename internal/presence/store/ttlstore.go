// Package store provides generic in-memory storage with TTL support.
//
// It backs the short-lived state of the presence service: registrar
// bindings (evicted when a client stops re-registering) and digest nonces
// (evicted when a challenge goes unanswered).
package store

import (
	"sync"
	"time"
)

// Entry wraps a value with expiration metadata
type Entry[V any] struct {
	Value     V
	ExpiresAt time.Time
}

// expiredAt reports whether the entry is past its deadline at now.
func (e *Entry[V]) expiredAt(now time.Time) bool {
	return now.After(e.ExpiresAt)
}

// EvictFunc is called for every entry removed by the cleanup sweep.
type EvictFunc[K comparable, V any] func(key K, value V)

// TTLStore is a map with per-key expiry and a background sweeper.
// Expired entries are invisible to readers immediately; they are physically
// removed (and reported to the eviction callback) on the next sweep.
type TTLStore[K comparable, V any] struct {
	mu      sync.RWMutex
	items   map[K]*Entry[V]
	onEvict EvictFunc[K, V]
	now     func() time.Time

	stopCh    chan struct{}
	closeOnce sync.Once
}

// Option configures a TTLStore.
type Option[K comparable, V any] func(*TTLStore[K, V])

// WithEvict sets the eviction callback.
func WithEvict[K comparable, V any](fn EvictFunc[K, V]) Option[K, V] {
	return func(s *TTLStore[K, V]) { s.onEvict = fn }
}

// WithClock overrides the time source. Intended for tests.
func WithClock[K comparable, V any](now func() time.Time) Option[K, V] {
	return func(s *TTLStore[K, V]) { s.now = now }
}

// NewTTLStore creates a store that sweeps expired entries every interval.
// A non-positive interval disables the background sweeper; callers then
// invoke Sweep themselves.
func NewTTLStore[K comparable, V any](interval time.Duration, opts ...Option[K, V]) *TTLStore[K, V] {
	s := &TTLStore[K, V]{
		items:  make(map[K]*Entry[V]),
		now:    time.Now,
		stopCh: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	if interval > 0 {
		go s.sweepLoop(interval)
	}
	return s
}

// SetOnEvict replaces the eviction callback after construction.
func (s *TTLStore[K, V]) SetOnEvict(fn EvictFunc[K, V]) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onEvict = fn
}

// Set stores value under key for ttl.
func (s *TTLStore[K, V]) Set(key K, value V, ttl time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.items[key] = &Entry[V]{Value: value, ExpiresAt: s.now().Add(ttl)}
}

// Get returns the live value for key.
func (s *TTLStore[K, V]) Get(key K) (V, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entry, ok := s.items[key]
	if !ok || entry.expiredAt(s.now()) {
		var zero V
		return zero, false
	}
	return entry.Value, true
}

// GetEntry returns a copy of the live entry for key, including its deadline.
func (s *TTLStore[K, V]) GetEntry(key K) (Entry[V], bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entry, ok := s.items[key]
	if !ok || entry.expiredAt(s.now()) {
		return Entry[V]{}, false
	}
	return *entry, true
}

// Has reports whether key holds a live value.
func (s *TTLStore[K, V]) Has(key K) bool {
	_, ok := s.Get(key)
	return ok
}

// Delete removes key. The eviction callback is not invoked.
func (s *TTLStore[K, V]) Delete(key K) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.items[key]; !ok {
		return false
	}
	delete(s.items, key)
	return true
}

// Take removes key and returns its live value.
func (s *TTLStore[K, V]) Take(key K) (V, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.items[key]
	if !ok {
		var zero V
		return zero, false
	}
	delete(s.items, key)
	if entry.expiredAt(s.now()) {
		var zero V
		return zero, false
	}
	return entry.Value, true
}

// Update applies fn to the live value for key under the write lock.
// A non-nil ttl also extends the deadline. Returns false if key is absent
// or expired.
func (s *TTLStore[K, V]) Update(key K, fn func(V) V, ttl *time.Duration) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.items[key]
	if !ok || entry.expiredAt(s.now()) {
		return false
	}
	entry.Value = fn(entry.Value)
	if ttl != nil {
		entry.ExpiresAt = s.now().Add(*ttl)
	}
	return true
}

// Len returns the number of live entries.
func (s *TTLStore[K, V]) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	now := s.now()
	n := 0
	for _, entry := range s.items {
		if !entry.expiredAt(now) {
			n++
		}
	}
	return n
}

// All returns a snapshot of the live entries.
func (s *TTLStore[K, V]) All() map[K]V {
	s.mu.RLock()
	defer s.mu.RUnlock()

	now := s.now()
	out := make(map[K]V, len(s.items))
	for key, entry := range s.items {
		if !entry.expiredAt(now) {
			out[key] = entry.Value
		}
	}
	return out
}

// Sweep removes expired entries and reports them to the eviction callback.
// Callbacks run after the lock is released so they may call back into the store.
func (s *TTLStore[K, V]) Sweep() int {
	type evicted struct {
		key   K
		value V
	}

	s.mu.Lock()
	now := s.now()
	var gone []evicted
	for key, entry := range s.items {
		if entry.expiredAt(now) {
			gone = append(gone, evicted{key, entry.Value})
			delete(s.items, key)
		}
	}
	onEvict := s.onEvict
	s.mu.Unlock()

	if onEvict != nil {
		for _, e := range gone {
			onEvict(e.key, e.value)
		}
	}
	return len(gone)
}

// Close stops the sweeper and drops all entries. Safe to call more than once.
func (s *TTLStore[K, V]) Close() {
	s.closeOnce.Do(func() {
		close(s.stopCh)
		s.mu.Lock()
		s.items = make(map[K]*Entry[V])
		s.mu.Unlock()
	})
}

func (s *TTLStore[K, V]) sweepLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.Sweep()
		case <-s.stopCh:
			return
		}
	}
}
