package credentials

import (
	"context"
	"fmt"
	"strings"

	"github.com/redis/go-redis/v9"
)

const (
	// Redis key prefix for user hashes: presenced:user:<realm>:<username>
	userKeyPrefix = "presenced:user:"

	secretField      = "secret"
	displayNameField = "display_name"
)

// RedisStore reads credentials from one Redis hash per user. Provisioning
// systems write the hashes; this service only reads them.
type RedisStore struct {
	client redis.Cmdable
	prefix string
}

// RedisOption configures a RedisStore.
type RedisOption func(*RedisStore)

// WithKeyPrefix overrides the default key prefix.
func WithKeyPrefix(prefix string) RedisOption {
	return func(s *RedisStore) { s.prefix = prefix }
}

// NewRedisStore wraps a Redis client.
func NewRedisStore(client redis.Cmdable, opts ...RedisOption) *RedisStore {
	s := &RedisStore{client: client, prefix: userKeyPrefix}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

// Key returns the hash key for a user.
func (s *RedisStore) Key(username, realm string) string {
	return s.prefix + strings.ToLower(realm) + ":" + username
}

// Lookup implements Lookup.
func (s *RedisStore) Lookup(ctx context.Context, username, realm string) (*Credentials, error) {
	fields, err := s.client.HGetAll(ctx, s.Key(username, realm)).Result()
	if err != nil {
		return nil, fmt.Errorf("redis credentials lookup: %w", err)
	}
	secret, ok := fields[secretField]
	if !ok {
		// HGETALL on a missing key yields an empty map, not redis.Nil.
		return nil, fmt.Errorf("%w: %s@%s", ErrNotFound, username, realm)
	}
	return &Credentials{
		Username:    username,
		Realm:       realm,
		Secret:      secret,
		DisplayName: fields[displayNameField],
	}, nil
}

// Put writes a user hash. Used by tooling and tests.
func (s *RedisStore) Put(ctx context.Context, c *Credentials) error {
	values := map[string]any{secretField: c.Secret}
	if c.DisplayName != "" {
		values[displayNameField] = c.DisplayName
	}
	if err := s.client.HSet(ctx, s.Key(c.Username, c.Realm), values).Err(); err != nil {
		return fmt.Errorf("redis credentials put: %w", err)
	}
	return nil
}
