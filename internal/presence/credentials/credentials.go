// Package credentials resolves SIP digest secrets by (username, realm).
//
// The registrar and the NOTIFY authentication gate share one Lookup. Several
// backends are provided: an in-memory table (optionally loaded from a YAML
// file), a Redis hash per user, and a Chain that consults them in order.
package credentials

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"
)

// ErrNotFound is returned when no backend knows the user.
var ErrNotFound = errors.New("credentials: user not found")

// Credentials is a digest identity.
type Credentials struct {
	Username    string `yaml:"username" json:"username"`
	Realm       string `yaml:"realm" json:"realm"`
	Secret      string `yaml:"secret" json:"-"`
	DisplayName string `yaml:"display_name,omitempty" json:"display_name,omitempty"`
}

// Lookup resolves credentials for a user in a realm.
type Lookup interface {
	Lookup(ctx context.Context, username, realm string) (*Credentials, error)
}

// LookupFunc adapts a function to Lookup.
type LookupFunc func(ctx context.Context, username, realm string) (*Credentials, error)

// Lookup implements Lookup.
func (f LookupFunc) Lookup(ctx context.Context, username, realm string) (*Credentials, error) {
	return f(ctx, username, realm)
}

// StaticStore is an in-memory credential table.
type StaticStore struct {
	mu    sync.RWMutex
	users map[string]*Credentials
}

// NewStaticStore creates a store seeded with users.
func NewStaticStore(users ...*Credentials) *StaticStore {
	s := &StaticStore{users: make(map[string]*Credentials, len(users))}
	for _, u := range users {
		s.Put(u)
	}
	return s
}

func staticKey(username, realm string) string {
	return strings.ToLower(realm) + "\x00" + username
}

// Put adds or replaces a user.
func (s *StaticStore) Put(c *Credentials) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.users[staticKey(c.Username, c.Realm)] = c
}

// Lookup implements Lookup. Realms compare case-insensitively, usernames exactly.
func (s *StaticStore) Lookup(_ context.Context, username, realm string) (*Credentials, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	c, ok := s.users[staticKey(username, realm)]
	if !ok {
		return nil, fmt.Errorf("%w: %s@%s", ErrNotFound, username, realm)
	}
	cp := *c
	return &cp, nil
}

// Len returns the number of users.
func (s *StaticStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.users)
}

// fileFormat is the on-disk YAML layout:
//
//	realm: example.com        # default for users without one
//	users:
//	  - username: "1000"
//	    secret: s3cret
type fileFormat struct {
	Realm string         `yaml:"realm"`
	Users []*Credentials `yaml:"users"`
}

// LoadFile reads a YAML credentials file into a StaticStore.
func LoadFile(path string) (*StaticStore, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read credentials file: %w", err)
	}
	return Parse(data)
}

// Parse decodes YAML credentials.
func Parse(data []byte) (*StaticStore, error) {
	var f fileFormat
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse credentials: %w", err)
	}

	s := NewStaticStore()
	for i, u := range f.Users {
		if u == nil || u.Username == "" {
			return nil, fmt.Errorf("parse credentials: user %d has no username", i)
		}
		if u.Realm == "" {
			u.Realm = f.Realm
		}
		if u.Realm == "" {
			return nil, fmt.Errorf("parse credentials: user %q has no realm", u.Username)
		}
		s.Put(u)
	}
	return s, nil
}

// Chain consults lookups in order and returns the first hit. Backend errors
// other than ErrNotFound are remembered and returned if nobody knows the user.
type Chain []Lookup

// Lookup implements Lookup.
func (c Chain) Lookup(ctx context.Context, username, realm string) (*Credentials, error) {
	var lastErr error
	for _, l := range c {
		creds, err := l.Lookup(ctx, username, realm)
		if err == nil {
			return creds, nil
		}
		if !errors.Is(err, ErrNotFound) {
			lastErr = err
		}
	}
	if lastErr != nil {
		return nil, lastErr
	}
	return nil, fmt.Errorf("%w: %s@%s", ErrNotFound, username, realm)
}
