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

// Package crypto implements the context-bound encryption service. Every
// ciphertext is produced under a key derived from the master key and a
// context label, and the blob embeds both the key version and the label
// so decryption can reject cross-context reuse and resolve rotated keys.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"sentinel/platform/security/keystore"
)

const (
	// blobVersion identifies the wire layout of encrypted blobs.
	blobVersion = 0x01

	// MaxPlaintextSize is the default size ceiling for a single payload.
	MaxPlaintextSize = 1 << 20 // 1MB

	// MaxContextLength bounds the embedded context label.
	MaxContextLength = 255
)

var (
	// ErrContextMismatch indicates the blob was encrypted under a
	// different context label than the caller supplied.
	ErrContextMismatch = errors.New("encryption context mismatch")

	// ErrAuthenticationFailed indicates the ciphertext or its bound
	// header failed GCM authentication.
	ErrAuthenticationFailed = errors.New("ciphertext authentication failed")

	// ErrKeyUnavailable indicates the key version embedded in the blob is
	// not loaded in the keystore.
	ErrKeyUnavailable = errors.New("encryption key unavailable")

	// ErrMalformedBlob indicates the blob does not parse as a known
	// layout.
	ErrMalformedBlob = errors.New("malformed ciphertext blob")

	// ErrPlaintextTooLarge indicates the payload exceeds the size ceiling.
	ErrPlaintextTooLarge = errors.New("plaintext exceeds size ceiling")

	// ErrEmptyContext indicates a missing context label.
	ErrEmptyContext = errors.New("encryption context must not be empty")
)

// Service encrypts and decrypts sensitive payloads with AES-256-GCM under
// context-derived keys.
type Service struct {
	keys         *keystore.Store
	maxPlaintext int
}

// ServiceOption configures a Service.
type ServiceOption func(*Service)

// WithMaxPlaintextSize overrides the payload size ceiling.
func WithMaxPlaintextSize(n int) ServiceOption {
	return func(s *Service) {
		s.maxPlaintext = n
	}
}

// NewService creates an encryption service backed by the given keystore.
func NewService(keys *keystore.Store, opts ...ServiceOption) *Service {
	s := &Service{
		keys:         keys,
		maxPlaintext: MaxPlaintextSize,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Blob layout (all lengths in bytes):
//
//	[1] blobVersion
//	[1] key version length (kv)
//	[kv] key version id
//	[2] context length, big endian (cl)
//	[cl] context label
//	[12] GCM nonce
//	[..] ciphertext ‖ auth tag
//
// The header through the context label is bound as GCM additional data,
// so tampering with the embedded version or label fails authentication.

// Encrypt seals plaintext under a key derived from the active master key
// and the context label.
func (s *Service) Encrypt(plaintext []byte, context string) ([]byte, error) {
	if context == "" {
		return nil, ErrEmptyContext
	}
	if len(context) > MaxContextLength {
		return nil, fmt.Errorf("%w: context label exceeds %d bytes", ErrMalformedBlob, MaxContextLength)
	}
	if len(plaintext) > s.maxPlaintext {
		return nil, fmt.Errorf("%w: %d > %d", ErrPlaintextTooLarge, len(plaintext), s.maxPlaintext)
	}

	version, key, err := s.keys.ActiveDeriveKey(context)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrKeyUnavailable, err)
	}
	if len(version) > 255 {
		return nil, fmt.Errorf("%w: key version id exceeds 255 bytes", ErrMalformedBlob)
	}

	gcm, err := newGCM(key)
	if err != nil {
		return nil, err
	}

	header := make([]byte, 0, 4+len(version)+len(context))
	header = append(header, blobVersion, byte(len(version)))
	header = append(header, version...)
	header = binary.BigEndian.AppendUint16(header, uint16(len(context)))
	header = append(header, context...)

	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}

	blob := make([]byte, 0, len(header)+len(nonce)+len(plaintext)+gcm.Overhead())
	blob = append(blob, header...)
	blob = append(blob, nonce...)
	blob = gcm.Seal(blob, nonce, plaintext, header)

	return blob, nil
}

// Decrypt opens a blob produced by Encrypt. The caller-supplied context
// must match the embedded label; the key version embedded in the blob
// selects the master key, so rotated-away versions keep decrypting.
func (s *Service) Decrypt(blob []byte, context string) ([]byte, error) {
	if context == "" {
		return nil, ErrEmptyContext
	}

	embeddedVersion, embeddedContext, header, rest, err := parseBlob(blob)
	if err != nil {
		return nil, err
	}

	// Context check happens before any key work: a mismatch is a caller
	// bug or a cross-context replay, not a crypto failure.
	if embeddedContext != context {
		return nil, ErrContextMismatch
	}

	key, err := s.keys.DeriveKey(embeddedVersion, context)
	if err != nil {
		return nil, fmt.Errorf("%w: version %q: %v", ErrKeyUnavailable, embeddedVersion, err)
	}

	gcm, err := newGCM(key)
	if err != nil {
		return nil, err
	}

	if len(rest) < gcm.NonceSize()+gcm.Overhead() {
		return nil, fmt.Errorf("%w: truncated ciphertext", ErrMalformedBlob)
	}

	nonce, ciphertext := rest[:gcm.NonceSize()], rest[gcm.NonceSize():]
	plaintext, err := gcm.Open(nil, nonce, ciphertext, header)
	if err != nil {
		return nil, ErrAuthenticationFailed
	}

	return plaintext, nil
}

// parseBlob splits a blob into its embedded key version, context label,
// raw header bytes, and the nonce+ciphertext remainder.
func parseBlob(blob []byte) (version, context string, header, rest []byte, err error) {
	if len(blob) < 4 {
		return "", "", nil, nil, fmt.Errorf("%w: too short", ErrMalformedBlob)
	}
	if blob[0] != blobVersion {
		return "", "", nil, nil, fmt.Errorf("%w: unknown blob version %d", ErrMalformedBlob, blob[0])
	}

	kvLen := int(blob[1])
	offset := 2
	if len(blob) < offset+kvLen+2 {
		return "", "", nil, nil, fmt.Errorf("%w: truncated key version", ErrMalformedBlob)
	}
	version = string(blob[offset : offset+kvLen])
	offset += kvLen

	ctxLen := int(binary.BigEndian.Uint16(blob[offset : offset+2]))
	offset += 2
	if len(blob) < offset+ctxLen {
		return "", "", nil, nil, fmt.Errorf("%w: truncated context label", ErrMalformedBlob)
	}
	context = string(blob[offset : offset+ctxLen])
	offset += ctxLen

	return version, context, blob[:offset], blob[offset:], nil
}

func newGCM(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}
	return gcm, nil
}
