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

// Package keystore holds the versioned master keys for the security layer
// and derives per-context data keys from them. Master keys come from the
// environment, a key file, or AWS Secrets Manager; derived keys are never
// persisted and live only in a bounded in-memory cache.
package keystore

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"golang.org/x/crypto/hkdf"
)

const (
	// MasterKeySize is the required master key length in bytes (AES-256).
	MasterKeySize = 32

	// DerivedKeySize is the length of every derived data key.
	DerivedKeySize = 32

	// DefaultCacheTTL bounds how long a derived key stays cached. Derived
	// keys are cheap to recompute, so the cache is a latency optimization,
	// not a store.
	DefaultCacheTTL = 10 * time.Minute

	// signingContext is the derivation context reserved for JWT signing
	// keys, keeping them cryptographically separated from data keys.
	signingContext = "token-signing"
)

var (
	// ErrKeyUnavailable indicates the requested key version is not loaded.
	ErrKeyUnavailable = errors.New("key version unavailable")

	// ErrNoActiveKey indicates the store holds no active master key.
	ErrNoActiveKey = errors.New("no active master key configured")

	// ErrInvalidKeySize indicates a master key of the wrong length.
	ErrInvalidKeySize = errors.New("master key must be 32 bytes")
)

// Store holds versioned master keys and derives context-bound data keys.
// Safe for concurrent use.
type Store struct {
	mu       sync.RWMutex
	masters  map[string][]byte
	active   string
	cacheTTL time.Duration
	cache    map[string]cachedKey
}

type cachedKey struct {
	key      []byte
	expireAt time.Time
}

// Option configures a Store.
type Option func(*Store) error

// WithMasterKey registers a master key under the given version id. The
// first registered key becomes active unless WithActiveVersion overrides.
func WithMasterKey(version string, key []byte) Option {
	return func(s *Store) error {
		if len(key) != MasterKeySize {
			return fmt.Errorf("%w: version %q has %d bytes", ErrInvalidKeySize, version, len(key))
		}
		k := make([]byte, MasterKeySize)
		copy(k, key)
		s.masters[version] = k
		if s.active == "" {
			s.active = version
		}
		return nil
	}
}

// WithActiveVersion selects which registered version signs and encrypts
// new material. Older versions remain resolvable for decryption.
func WithActiveVersion(version string) Option {
	return func(s *Store) error {
		s.active = version
		return nil
	}
}

// WithCacheTTL overrides the derived-key cache lifetime.
func WithCacheTTL(ttl time.Duration) Option {
	return func(s *Store) error {
		s.cacheTTL = ttl
		return nil
	}
}

// New creates a Store from the given options.
func New(opts ...Option) (*Store, error) {
	s := &Store{
		masters:  make(map[string][]byte),
		cacheTTL: DefaultCacheTTL,
		cache:    make(map[string]cachedKey),
	}

	for _, opt := range opts {
		if err := opt(s); err != nil {
			return nil, err
		}
	}

	if s.active == "" {
		return nil, ErrNoActiveKey
	}
	if _, ok := s.masters[s.active]; !ok {
		return nil, fmt.Errorf("%w: active version %q not registered", ErrKeyUnavailable, s.active)
	}

	return s, nil
}

// FromEnv builds a Store from SENTINEL_MASTER_KEY (base64, 32 bytes
// decoded) registered as version "v1". Development convenience; real
// deployments load from Secrets Manager or a mounted key file.
func FromEnv() (*Store, error) {
	raw := os.Getenv("SENTINEL_MASTER_KEY")
	if raw == "" {
		return nil, fmt.Errorf("%w: SENTINEL_MASTER_KEY not set", ErrNoActiveKey)
	}

	key, err := base64.StdEncoding.DecodeString(raw)
	if err != nil {
		return nil, fmt.Errorf("failed to decode SENTINEL_MASTER_KEY: %w", err)
	}

	return New(WithMasterKey("v1", key))
}

// GenerateMasterKey returns a fresh random master key. Used by provisioning
// tooling and tests.
func GenerateMasterKey() ([]byte, error) {
	key := make([]byte, MasterKeySize)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("failed to generate master key: %w", err)
	}
	return key, nil
}

// ActiveVersion returns the version id used for new signatures and
// ciphertexts.
func (s *Store) ActiveVersion() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.active
}

// Versions returns all loaded key version ids.
func (s *Store) Versions() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	versions := make([]string, 0, len(s.masters))
	for v := range s.masters {
		versions = append(versions, v)
	}
	return versions
}

// Rotate registers a new master key version and makes it active. Previous
// versions stay loaded so existing ciphertexts remain decryptable.
func (s *Store) Rotate(version string, key []byte) error {
	if len(key) != MasterKeySize {
		return fmt.Errorf("%w: version %q has %d bytes", ErrInvalidKeySize, version, len(key))
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	k := make([]byte, MasterKeySize)
	copy(k, key)
	s.masters[version] = k
	s.active = version
	return nil
}

// DeriveKey derives the data key for (version, context) via HKDF-SHA256
// with the context label as the info parameter. The derivation is
// deterministic, so concurrent first derivations converge to the same
// cached value.
func (s *Store) DeriveKey(version, context string) ([]byte, error) {
	cacheKey := version + "\x00" + context

	s.mu.RLock()
	if c, ok := s.cache[cacheKey]; ok && time.Now().Before(c.expireAt) {
		key := make([]byte, DerivedKeySize)
		copy(key, c.key)
		s.mu.RUnlock()
		return key, nil
	}
	master, ok := s.masters[version]
	s.mu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrKeyUnavailable, version)
	}

	derived := make([]byte, DerivedKeySize)
	r := hkdf.New(sha256.New, master, nil, []byte(context))
	if _, err := io.ReadFull(r, derived); err != nil {
		return nil, fmt.Errorf("key derivation failed: %w", err)
	}

	s.mu.Lock()
	s.cache[cacheKey] = cachedKey{
		key:      derived,
		expireAt: time.Now().Add(s.cacheTTL),
	}
	// Opportunistic eviction keeps the cache bounded without a sweeper.
	if len(s.cache) > 1024 {
		now := time.Now()
		for k, c := range s.cache {
			if now.After(c.expireAt) {
				delete(s.cache, k)
			}
		}
	}
	s.mu.Unlock()

	key := make([]byte, DerivedKeySize)
	copy(key, derived)
	return key, nil
}

// ActiveDeriveKey derives a data key for the context under the active
// master version, returning the version so callers can tag their output.
func (s *Store) ActiveDeriveKey(context string) (version string, key []byte, err error) {
	version = s.ActiveVersion()
	key, err = s.DeriveKey(version, context)
	return version, key, err
}

// SigningKey returns the JWT signing key for a key id. Key ids map
// one-to-one onto master versions.
func (s *Store) SigningKey(kid string) ([]byte, error) {
	return s.DeriveKey(kid, signingContext)
}

// ActiveSigningKey returns the current signing key and its key id.
func (s *Store) ActiveSigningKey() (kid string, key []byte, err error) {
	kid = s.ActiveVersion()
	key, err = s.SigningKey(kid)
	return kid, key, err
}

// Equal compares two derived keys in constant time. Exposed for tests and
// for callers verifying key agreement.
func Equal(a, b []byte) bool {
	return hmac.Equal(a, b)
}
