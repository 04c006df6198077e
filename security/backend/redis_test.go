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
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
)

func newTestRedisStore(t *testing.T) (*RedisStore, *miniredis.Miniredis) {
	t.Helper()

	mr := miniredis.RunT(t)

	store, err := NewRedisStore(fmt.Sprintf("redis://%s", mr.Addr()))
	if err != nil {
		t.Fatalf("NewRedisStore failed: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	return store, mr
}

func TestNewRedisStore_InvalidURL(t *testing.T) {
	tests := []struct {
		name     string
		redisURL string
	}{
		{"invalid URL format", "invalid-url"},
		{"invalid protocol", "http://localhost:6379"},
		{"unreachable server", "redis://unreachable-host:6379"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewRedisStore(tt.redisURL)
			if err == nil {
				t.Error("expected error, got nil")
			}
		})
	}
}

func TestRedisStore_IncrWithExpiry(t *testing.T) {
	store, mr := newTestRedisStore(t)
	ctx := context.Background()

	// First increment starts the window
	count, err := store.IncrWithExpiry(ctx, "rl:test:1", time.Minute)
	if err != nil {
		t.Fatalf("IncrWithExpiry failed: %v", err)
	}
	if count != 1 {
		t.Errorf("expected count 1, got %d", count)
	}

	// Counter must carry an expiry after the first increment
	if mr.TTL("sentinel:rl:test:1") <= 0 {
		t.Error("expected expiry to be set on first increment")
	}

	// Subsequent increments count up without resetting the window
	for i := 2; i <= 5; i++ {
		count, err = store.IncrWithExpiry(ctx, "rl:test:1", time.Minute)
		if err != nil {
			t.Fatalf("increment %d failed: %v", i, err)
		}
		if count != int64(i) {
			t.Errorf("expected count %d, got %d", i, count)
		}
	}
}

func TestRedisStore_IncrWithExpiry_WindowLapse(t *testing.T) {
	store, mr := newTestRedisStore(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if _, err := store.IncrWithExpiry(ctx, "rl:lapse", time.Second); err != nil {
			t.Fatalf("increment failed: %v", err)
		}
	}

	// Advance past the window; counter starts fresh
	mr.FastForward(2 * time.Second)

	count, err := store.IncrWithExpiry(ctx, "rl:lapse", time.Second)
	if err != nil {
		t.Fatalf("increment after lapse failed: %v", err)
	}
	if count != 1 {
		t.Errorf("expected fresh window count 1, got %d", count)
	}
}

func TestRedisStore_SetNXWithTTL(t *testing.T) {
	store, _ := newTestRedisStore(t)
	ctx := context.Background()

	ok, err := store.SetNXWithTTL(ctx, "revoked:jti-1", "1", time.Minute)
	if err != nil {
		t.Fatalf("SetNXWithTTL failed: %v", err)
	}
	if !ok {
		t.Error("expected first set to succeed")
	}

	// Second set on the same key is a no-op
	ok, err = store.SetNXWithTTL(ctx, "revoked:jti-1", "1", time.Minute)
	if err != nil {
		t.Fatalf("second SetNXWithTTL failed: %v", err)
	}
	if ok {
		t.Error("expected second set to report false")
	}

	exists, err := store.Exists(ctx, "revoked:jti-1")
	if err != nil {
		t.Fatalf("Exists failed: %v", err)
	}
	if !exists {
		t.Error("expected key to exist")
	}
}

func TestRedisStore_SetNXWithTTL_Expiry(t *testing.T) {
	store, mr := newTestRedisStore(t)
	ctx := context.Background()

	if _, err := store.SetNXWithTTL(ctx, "revoked:short", "1", time.Second); err != nil {
		t.Fatalf("SetNXWithTTL failed: %v", err)
	}

	mr.FastForward(2 * time.Second)

	exists, err := store.Exists(ctx, "revoked:short")
	if err != nil {
		t.Fatalf("Exists failed: %v", err)
	}
	if exists {
		t.Error("expected key to have expired")
	}
}

func TestRedisStore_SetOperations(t *testing.T) {
	store, _ := newTestRedisStore(t)
	ctx := context.Background()

	if err := store.SetAdd(ctx, "sessions:alice", "sid-1", time.Hour); err != nil {
		t.Fatalf("SetAdd failed: %v", err)
	}
	if err := store.SetAdd(ctx, "sessions:alice", "sid-2", time.Hour); err != nil {
		t.Fatalf("SetAdd failed: %v", err)
	}

	members, err := store.SetMembers(ctx, "sessions:alice")
	if err != nil {
		t.Fatalf("SetMembers failed: %v", err)
	}
	if len(members) != 2 {
		t.Errorf("expected 2 members, got %d", len(members))
	}

	if err := store.SetRemove(ctx, "sessions:alice", "sid-1"); err != nil {
		t.Fatalf("SetRemove failed: %v", err)
	}

	members, err = store.SetMembers(ctx, "sessions:alice")
	if err != nil {
		t.Fatalf("SetMembers failed: %v", err)
	}
	if len(members) != 1 || members[0] != "sid-2" {
		t.Errorf("expected [sid-2], got %v", members)
	}
}

func TestRedisStore_TTL(t *testing.T) {
	store, _ := newTestRedisStore(t)
	ctx := context.Background()

	// Missing key reports zero
	d, err := store.TTL(ctx, "missing")
	if err != nil {
		t.Fatalf("TTL failed: %v", err)
	}
	if d != 0 {
		t.Errorf("expected zero TTL for missing key, got %v", d)
	}

	if _, err := store.SetNXWithTTL(ctx, "ttl-key", "1", time.Minute); err != nil {
		t.Fatalf("SetNXWithTTL failed: %v", err)
	}

	d, err = store.TTL(ctx, "ttl-key")
	if err != nil {
		t.Fatalf("TTL failed: %v", err)
	}
	if d <= 0 || d > time.Minute {
		t.Errorf("expected TTL in (0, 1m], got %v", d)
	}
}

func TestRedisStore_Unavailable(t *testing.T) {
	store, mr := newTestRedisStore(t)
	ctx := context.Background()

	mr.Close()

	_, err := store.IncrWithExpiry(ctx, "rl:down", time.Minute)
	if err == nil {
		t.Fatal("expected error after backend shutdown")
	}
	if !errors.Is(err, ErrUnavailable) {
		t.Errorf("expected ErrUnavailable, got %v", err)
	}
}

func TestRedisStore_KeyPrefix(t *testing.T) {
	mr := miniredis.RunT(t)

	store, err := NewRedisStore(fmt.Sprintf("redis://%s", mr.Addr()), WithKeyPrefix("custom:"))
	if err != nil {
		t.Fatalf("NewRedisStore failed: %v", err)
	}
	defer func() { _ = store.Close() }()

	ctx := context.Background()
	if _, err := store.SetNXWithTTL(ctx, "k", "v", time.Minute); err != nil {
		t.Fatalf("SetNXWithTTL failed: %v", err)
	}

	if !mr.Exists("custom:k") {
		t.Error("expected key to be stored under the custom prefix")
	}
}

func TestFailurePolicy_String(t *testing.T) {
	if FailOpen.String() != "fail_open" {
		t.Errorf("expected 'fail_open', got %q", FailOpen.String())
	}
	if FailClosed.String() != "fail_closed" {
		t.Errorf("expected 'fail_closed', got %q", FailClosed.String())
	}
}
