// Copyright 2025 Sentinel
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package backend

import (
	"context"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
)

// DefaultOpTimeout bounds every backend call. The gating pipeline sits on
// the request path, so a slow backend must surface as ErrUnavailable
// quickly rather than stall the request.
const DefaultOpTimeout = 75 * time.Millisecond

// incrWithExpiryScript increments a counter and sets its expiry only on
// first increment, in a single atomic server-side operation.
var incrWithExpiryScript = redis.NewScript(`
local count = redis.call("INCR", KEYS[1])
if count == 1 then
	redis.call("PEXPIRE", KEYS[1], ARGV[1])
end
return count
`)

// RedisStore implements Store on Redis. All keys are namespaced with a
// fixed prefix to keep the security layer isolated from other users of
// the same Redis deployment.
type RedisStore struct {
	client    *redis.Client
	prefix    string
	opTimeout time.Duration
}

// RedisOption configures a RedisStore.
type RedisOption func(*RedisStore)

// WithKeyPrefix overrides the default "sentinel:" key prefix.
func WithKeyPrefix(prefix string) RedisOption {
	return func(s *RedisStore) {
		s.prefix = prefix
	}
}

// WithOpTimeout overrides the per-operation timeout.
func WithOpTimeout(d time.Duration) RedisOption {
	return func(s *RedisStore) {
		s.opTimeout = d
	}
}

// NewRedisStore connects to Redis using a URL of the form
// redis://host:port or redis://host:port/db and verifies connectivity.
func NewRedisStore(redisURL string, opts ...RedisOption) (*RedisStore, error) {
	parsed, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse Redis URL: %w", err)
	}

	// Connection pool sizing mirrors the request-path usage: many short
	// operations, no long-lived commands.
	parsed.DialTimeout = 5 * time.Second
	parsed.ReadTimeout = 3 * time.Second
	parsed.WriteTimeout = 3 * time.Second
	parsed.PoolSize = 100
	parsed.MinIdleConns = 10

	client := redis.NewClient(parsed)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	s := &RedisStore{
		client:    client,
		prefix:    "sentinel:",
		opTimeout: DefaultOpTimeout,
	}

	for _, opt := range opts {
		opt(s)
	}

	return s, nil
}

func (s *RedisStore) key(k string) string {
	return s.prefix + k
}

// opCtx bounds a backend call with the store's operation timeout while
// still honoring cancellation of the parent request.
func (s *RedisStore) opCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, s.opTimeout)
}

func wrapErr(op string, err error) error {
	return fmt.Errorf("%w: %s: %v", ErrUnavailable, op, err)
}

// IncrWithExpiry atomically increments key and sets the window expiry on
// first increment via a server-side script.
func (s *RedisStore) IncrWithExpiry(ctx context.Context, key string, window time.Duration) (int64, error) {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	count, err := incrWithExpiryScript.Run(ctx, s.client, []string{s.key(key)}, window.Milliseconds()).Int64()
	if err != nil {
		return 0, wrapErr("incr", err)
	}
	return count, nil
}

// SetNXWithTTL stores value only if key is absent.
func (s *RedisStore) SetNXWithTTL(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	ok, err := s.client.SetNX(ctx, s.key(key), value, ttl).Result()
	if err != nil {
		return false, wrapErr("setnx", err)
	}
	return ok, nil
}

// Exists reports whether key is present.
func (s *RedisStore) Exists(ctx context.Context, key string) (bool, error) {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	n, err := s.client.Exists(ctx, s.key(key)).Result()
	if err != nil {
		return false, wrapErr("exists", err)
	}
	return n > 0, nil
}

// SetAdd adds member to the set at key and refreshes the set TTL. The add
// and expiry travel in one pipeline so a crash between them cannot leave
// an unexpiring set.
func (s *RedisStore) SetAdd(ctx context.Context, key, member string, ttl time.Duration) error {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	pipe := s.client.TxPipeline()
	pipe.SAdd(ctx, s.key(key), member)
	if ttl > 0 {
		pipe.Expire(ctx, s.key(key), ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return wrapErr("sadd", err)
	}
	return nil
}

// SetMembers returns all members of the set at key.
func (s *RedisStore) SetMembers(ctx context.Context, key string) ([]string, error) {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	members, err := s.client.SMembers(ctx, s.key(key)).Result()
	if err != nil {
		return nil, wrapErr("smembers", err)
	}
	return members, nil
}

// SetRemove removes member from the set at key.
func (s *RedisStore) SetRemove(ctx context.Context, key, member string) error {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	if err := s.client.SRem(ctx, s.key(key), member).Err(); err != nil {
		return wrapErr("srem", err)
	}
	return nil
}

// Delete removes key.
func (s *RedisStore) Delete(ctx context.Context, key string) error {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	if err := s.client.Del(ctx, s.key(key)).Err(); err != nil {
		return wrapErr("del", err)
	}
	return nil
}

// TTL returns the remaining lifetime of key. Missing keys and keys
// without expiry both report zero.
func (s *RedisStore) TTL(ctx context.Context, key string) (time.Duration, error) {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	d, err := s.client.TTL(ctx, s.key(key)).Result()
	if err != nil {
		return 0, wrapErr("ttl", err)
	}
	if d < 0 {
		return 0, nil
	}
	return d, nil
}

// Ping verifies connectivity.
func (s *RedisStore) Ping(ctx context.Context) error {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	if err := s.client.Ping(ctx).Err(); err != nil {
		return wrapErr("ping", err)
	}
	return nil
}

// Close releases the connection pool.
func (s *RedisStore) Close() error {
	return s.client.Close()
}
