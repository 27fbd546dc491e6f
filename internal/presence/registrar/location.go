package registrar

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/sebas/presenced/internal/presence/store"
)

var (
	// ErrIntervalTooBrief is returned when the requested expires value is below the minimum.
	// The registrar answers 423 with Min-Expires.
	ErrIntervalTooBrief = errors.New("interval too brief")

	// ErrStaleCSeq is returned for a REGISTER that does not advance the CSeq
	// of an existing binding with the same Call-ID.
	ErrStaleCSeq = errors.New("cseq not higher than existing binding")
)

// LocationConfig contains location store configuration
type LocationConfig struct {
	CleanupInterval time.Duration // How often expired bindings are swept
	DefaultExpires  int           // Used when the client asks for none
	MaxExpires      int
	MinExpires      int
}

// DefaultLocationConfig returns sensible defaults
func DefaultLocationConfig() LocationConfig {
	return LocationConfig{
		CleanupInterval: 5 * time.Second,
		DefaultExpires:  3600,
		MaxExpires:      7200,
		MinExpires:      30,
	}
}

// Location holds registered bindings keyed by binding ID. Bindings that are
// not refreshed in time are swept and reported to the expiry callback.
type Location struct {
	bindings *store.TTLStore[string, *Binding]

	// Serializes read-modify-write of a binding
	mu  sync.Mutex
	cfg LocationConfig
	now func() time.Time
}

// LocationOption configures a Location.
type LocationOption func(*locationOptions)

type locationOptions struct {
	now func() time.Time
}

// WithLocationClock overrides the time source.
func WithLocationClock(now func() time.Time) LocationOption {
	return func(o *locationOptions) { o.now = now }
}

// NewLocation creates a new location store
func NewLocation(cfg LocationConfig, opts ...LocationOption) *Location {
	o := locationOptions{now: time.Now}
	for _, opt := range opts {
		opt(&o)
	}
	def := DefaultLocationConfig()
	if cfg.DefaultExpires <= 0 {
		cfg.DefaultExpires = def.DefaultExpires
	}
	if cfg.MaxExpires <= 0 {
		cfg.MaxExpires = def.MaxExpires
	}
	if cfg.MinExpires < 0 {
		cfg.MinExpires = 0
	}
	return &Location{
		bindings: store.NewTTLStore[string, *Binding](cfg.CleanupInterval,
			store.WithClock[string, *Binding](o.now)),
		cfg: cfg,
		now: o.now,
	}
}

// OnExpire sets the callback for bindings removed because they expired.
func (l *Location) OnExpire(fn func(b *Binding)) {
	l.bindings.SetOnEvict(func(_ string, b *Binding) {
		slog.Info("[LOCATION] Binding expired", "aor", b.AOR, "binding_id", b.BindingID)
		fn(b)
	})
}

// Register adds or refreshes a binding. initial is true when the binding
// did not exist before; a refresh keeps the binding's UUID.
func (l *Location) Register(b *Binding) (stored *Binding, initial bool, err error) {
	if b.AOR == "" {
		return nil, false, fmt.Errorf("AOR cannot be empty")
	}
	if b.ContactURI == "" {
		return nil, false, fmt.Errorf("ContactURI cannot be empty")
	}

	expires := b.Expires
	if expires <= 0 {
		expires = l.cfg.DefaultExpires
	}
	// RFC 3261 Section 10.3
	if expires < l.cfg.MinExpires {
		return nil, false, ErrIntervalTooBrief
	}
	if expires > l.cfg.MaxExpires {
		expires = l.cfg.MaxExpires
	}

	if b.BindingID == "" {
		b.BindingID = GenerateBindingID(b.AOR, b.ContactURI, b.InstanceID)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	initial = true
	if existing, ok := l.bindings.Get(b.BindingID); ok {
		if !existing.ValidateCSeq(b.CallID, b.CSeq) {
			return nil, false, fmt.Errorf("%w: must be higher than %d", ErrStaleCSeq, existing.CSeq)
		}
		b.UUID = existing.UUID
		initial = false
	}
	if b.UUID == "" {
		b.UUID = uuid.NewString()
	}

	now := l.now()
	b.Expires = expires
	b.ExpiresAt = now.Add(time.Duration(expires) * time.Second)
	b.RegisteredAt = now

	l.bindings.Set(b.BindingID, b, time.Duration(expires)*time.Second)

	slog.Info("[LOCATION] Registered",
		"aor", b.AOR,
		"contact", b.ContactURI,
		"binding_id", b.BindingID,
		"expires", expires,
		"initial", initial,
	)
	return b, initial, nil
}

// Unregister removes one binding of aor and returns it.
func (l *Location) Unregister(aor, bindingID string) (*Binding, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	b, ok := l.bindings.Get(bindingID)
	if !ok || b.AOR != aor {
		return nil, false
	}
	l.bindings.Delete(bindingID)
	slog.Info("[LOCATION] Unregistered", "aor", aor, "binding_id", bindingID)
	return b, true
}

// UnregisterAll removes every binding of aor (Contact: *).
func (l *Location) UnregisterAll(aor string) []*Binding {
	l.mu.Lock()
	defer l.mu.Unlock()

	var removed []*Binding
	for id, b := range l.bindings.All() {
		if b.AOR == aor {
			l.bindings.Delete(id)
			removed = append(removed, b)
		}
	}
	slog.Info("[LOCATION] Unregistered all bindings", "aor", aor, "count", len(removed))
	return removed
}

// Lookup returns the live bindings of aor, highest q-value first.
func (l *Location) Lookup(aor string) []*Binding {
	var result []*Binding
	for _, b := range l.bindings.All() {
		if b.AOR == aor {
			result = append(result, b)
		}
	}
	sortBindings(result)
	return result
}

// Get returns the binding whose registration UUID is id.
func (l *Location) Get(id string) (*Binding, bool) {
	for _, b := range l.bindings.All() {
		if b.UUID == id {
			return b, true
		}
	}
	return nil, false
}

// List returns all live bindings ordered by AOR then priority.
func (l *Location) List() []*Binding {
	all := l.bindings.All()
	result := make([]*Binding, 0, len(all))
	for _, b := range all {
		result = append(result, b)
	}
	sortBindings(result)
	return result
}

// Count returns the number of live bindings
func (l *Location) Count() int {
	return l.bindings.Len()
}

// Sweep removes expired bindings now, reporting them to OnExpire.
func (l *Location) Sweep() int {
	return l.bindings.Sweep()
}

// MinExpires returns the minimum allowed expires value in seconds.
func (l *Location) MinExpires() int {
	return l.cfg.MinExpires
}

// Close stops the sweeper
func (l *Location) Close() {
	l.bindings.Close()
}

// sortBindings orders by AOR, then q-value (RFC 3261 default 1.0), then binding ID.
func sortBindings(bs []*Binding) {
	q := func(b *Binding) float32 {
		if b.QValue == 0 {
			return 1.0
		}
		return b.QValue
	}
	sort.Slice(bs, func(i, j int) bool {
		if bs[i].AOR != bs[j].AOR {
			return bs[i].AOR < bs[j].AOR
		}
		if qi, qj := q(bs[i]), q(bs[j]); qi != qj {
			return qi > qj
		}
		return bs[i].BindingID < bs[j].BindingID
	})
}
