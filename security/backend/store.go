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

// Package backend defines the capability contract for the distributed
// state backend shared by the security components: atomic counters with
// expiry for rate-limit windows, keyed entries with TTL for token
// revocation, and set membership for session tracking and IP bans.
//
// The backend is the single point of shared mutable truth. Every mutation
// is a single atomic backend operation; no caller performs a
// read-modify-write across two calls. Components receive a Store via
// constructor injection so tests can substitute the in-memory
// implementation.
package backend

import (
	"context"
	"errors"
	"time"
)

// ErrUnavailable indicates the backend could not be reached or timed out.
// Callers decide fail-open or fail-closed behavior per call site; the
// backend itself never makes that choice.
var ErrUnavailable = errors.New("state backend unavailable")

// FailurePolicy makes the fail-open/fail-closed choice explicit at every
// call site that depends on the backend.
type FailurePolicy int

const (
	// FailClosed rejects the guarded operation when the backend is
	// unavailable. Required for privilege-bearing checks such as token
	// revocation lookups.
	FailClosed FailurePolicy = iota

	// FailOpen admits the guarded operation when the backend is
	// unavailable, trading a degraded-security window for availability.
	// Every fail-open admission must be surfaced as a security event.
	FailOpen
)

// String returns the policy name for logging.
func (p FailurePolicy) String() string {
	if p == FailOpen {
		return "fail_open"
	}
	return "fail_closed"
}

// Store is the minimal capability contract the security layer requires
// from its shared state backend.
type Store interface {
	// IncrWithExpiry atomically increments the counter at key and, if this
	// is the first increment, sets its expiry to window. Concurrent first
	// increments in a new window must not both extend the window.
	IncrWithExpiry(ctx context.Context, key string, window time.Duration) (int64, error)

	// SetNXWithTTL stores value at key with the given TTL only if the key
	// does not exist. Returns true if the value was stored.
	SetNXWithTTL(ctx context.Context, key, value string, ttl time.Duration) (bool, error)

	// Exists reports whether key is present.
	Exists(ctx context.Context, key string) (bool, error)

	// SetAdd adds member to the set at key and refreshes the set TTL.
	SetAdd(ctx context.Context, key, member string, ttl time.Duration) error

	// SetMembers returns all members of the set at key.
	SetMembers(ctx context.Context, key string) ([]string, error)

	// SetRemove removes member from the set at key.
	SetRemove(ctx context.Context, key, member string) error

	// Delete removes key.
	Delete(ctx context.Context, key string) error

	// TTL returns the remaining lifetime of key, or zero if the key does
	// not exist or carries no expiry.
	TTL(ctx context.Context, key string) (time.Duration, error)

	// Ping verifies connectivity.
	Ping(ctx context.Context) error

	// Close releases backend resources.
	Close() error
}
