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
	"sync"
	"time"
)

// MemoryStore implements Store in process memory. It exists for tests and
// single-node development; production deployments use RedisStore.
type MemoryStore struct {
	mu       sync.Mutex
	counters map[string]*memCounter
	values   map[string]memValue
	sets     map[string]memSet

	// failing simulates backend unavailability for fail-open/fail-closed
	// tests.
	failing bool
}

type memCounter struct {
	count    int64
	expireAt time.Time
}

type memValue struct {
	value    string
	expireAt time.Time
}

type memSet struct {
	members  map[string]struct{}
	expireAt time.Time
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		counters: make(map[string]*memCounter),
		values:   make(map[string]memValue),
		sets:     make(map[string]memSet),
	}
}

// SetFailing toggles simulated unavailability. While failing, every
// operation returns ErrUnavailable.
func (s *MemoryStore) SetFailing(failing bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failing = failing
}

func (s *MemoryStore) checkFailing() error {
	if s.failing {
		return ErrUnavailable
	}
	return nil
}

// IncrWithExpiry atomically increments the counter at key, starting a new
// window when the previous one has lapsed.
func (s *MemoryStore) IncrWithExpiry(ctx context.Context, key string, window time.Duration) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.checkFailing(); err != nil {
		return 0, err
	}

	now := time.Now()
	c, ok := s.counters[key]
	if !ok || now.After(c.expireAt) {
		c = &memCounter{expireAt: now.Add(window)}
		s.counters[key] = c
	}
	c.count++
	return c.count, nil
}

// SetNXWithTTL stores value only if key is absent or expired.
func (s *MemoryStore) SetNXWithTTL(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.checkFailing(); err != nil {
		return false, err
	}

	now := time.Now()
	if v, ok := s.values[key]; ok && now.Before(v.expireAt) {
		return false, nil
	}
	s.values[key] = memValue{value: value, expireAt: now.Add(ttl)}
	return true, nil
}

// Exists reports whether key holds a live value.
func (s *MemoryStore) Exists(ctx context.Context, key string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.checkFailing(); err != nil {
		return false, err
	}

	v, ok := s.values[key]
	if !ok {
		return false, nil
	}
	if time.Now().After(v.expireAt) {
		delete(s.values, key)
		return false, nil
	}
	return true, nil
}

// SetAdd adds member to the set at key.
func (s *MemoryStore) SetAdd(ctx context.Context, key, member string, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.checkFailing(); err != nil {
		return err
	}

	now := time.Now()
	set, ok := s.sets[key]
	if !ok || now.After(set.expireAt) {
		set = memSet{members: make(map[string]struct{})}
	}
	set.members[member] = struct{}{}
	if ttl > 0 {
		set.expireAt = now.Add(ttl)
	} else {
		set.expireAt = now.Add(24 * time.Hour)
	}
	s.sets[key] = set
	return nil
}

// SetMembers returns all live members of the set at key.
func (s *MemoryStore) SetMembers(ctx context.Context, key string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.checkFailing(); err != nil {
		return nil, err
	}

	set, ok := s.sets[key]
	if !ok || time.Now().After(set.expireAt) {
		return nil, nil
	}

	members := make([]string, 0, len(set.members))
	for m := range set.members {
		members = append(members, m)
	}
	return members, nil
}

// SetRemove removes member from the set at key.
func (s *MemoryStore) SetRemove(ctx context.Context, key, member string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.checkFailing(); err != nil {
		return err
	}

	if set, ok := s.sets[key]; ok {
		delete(set.members, member)
	}
	return nil
}

// Delete removes key from every keyspace.
func (s *MemoryStore) Delete(ctx context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.checkFailing(); err != nil {
		return err
	}

	delete(s.counters, key)
	delete(s.values, key)
	delete(s.sets, key)
	return nil
}

// TTL returns the remaining lifetime of a value at key.
func (s *MemoryStore) TTL(ctx context.Context, key string) (time.Duration, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.checkFailing(); err != nil {
		return 0, err
	}

	if v, ok := s.values[key]; ok {
		if d := time.Until(v.expireAt); d > 0 {
			return d, nil
		}
	}
	if c, ok := s.counters[key]; ok {
		if d := time.Until(c.expireAt); d > 0 {
			return d, nil
		}
	}
	return 0, nil
}

// Ping reports simulated availability.
func (s *MemoryStore) Ping(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.checkFailing()
}

// Close is a no-op for the in-memory store.
func (s *MemoryStore) Close() error {
	return nil
}
