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

// Package token issues, verifies, and revokes signed session tokens.
// Access tokens are short-lived; refresh tokens are days-scale and
// one-time-use. Revocation is a distributed-state lookup keyed by jti,
// checked fail-closed on every verification.
package token

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"sentinel/platform/security/backend"
	"sentinel/platform/security/keystore"
	"sentinel/platform/shared/logger"
)

const (
	// DefaultAccessTTL is the access-token lifetime. Short-lived so the
	// revocation list stays small and a stolen token ages out quickly.
	DefaultAccessTTL = 15 * time.Minute

	// DefaultRefreshTTL is the refresh-token lifetime.
	DefaultRefreshTTL = 7 * 24 * time.Hour

	// UseAccess and UseRefresh distinguish the two token classes via the
	// "use" claim so a refresh token can never pass as an access token.
	UseAccess  = "access"
	UseRefresh = "refresh"

	revokedKeyPrefix  = "revoked:"
	sessionsKeyPrefix = "sessions:"

	// revocationRetryBackoff spaces the single retry of the revocation
	// read. The read is idempotent, so retrying once rides out a
	// transient backend blip without rejecting a valid token.
	revocationRetryBackoff = 25 * time.Millisecond
)

// Verification errors. These are the complete failure taxonomy; callers
// never see raw jwt library errors.
var (
	ErrExpired          = errors.New("token expired")
	ErrInvalidSignature = errors.New("token signature invalid")
	ErrInvalidAudience  = errors.New("token audience mismatch")
	ErrInvalidIssuer    = errors.New("token issuer mismatch")
	ErrRevoked          = errors.New("token revoked")
	ErrMalformed        = errors.New("token malformed")
	ErrNotRefreshToken  = errors.New("token is not a refresh token")

	// ErrRevocationUnavailable indicates the revocation list could not be
	// consulted. Verification fails closed on it.
	ErrRevocationUnavailable = errors.New("revocation list unavailable")
)

// Claims carried by every issued token.
type Claims struct {
	jwt.RegisteredClaims

	// Roles granted to the subject.
	Roles []string `json:"roles,omitempty"`

	// SessionID groups the access/refresh pair issued together so a
	// forced logout can revoke the whole session.
	SessionID string `json:"sid,omitempty"`

	// Use is the token class, "access" or "refresh".
	Use string `json:"use,omitempty"`
}

// Pair is an access/refresh token pair sharing one session.
type Pair struct {
	AccessToken      string    `json:"access_token"`
	RefreshToken     string    `json:"refresh_token"`
	AccessExpiresAt  time.Time `json:"access_expires_at"`
	RefreshExpiresAt time.Time `json:"refresh_expires_at"`
	SessionID        string    `json:"session_id"`
}

// Handler is the token lifecycle service. It signs with the keystore's
// active key (key id in the header for rotation) and consults the state
// backend for revocation.
type Handler struct {
	keys     *keystore.Store
	state    backend.Store
	issuer   string
	audience string

	accessTTL  time.Duration
	refreshTTL time.Duration

	log *logger.Logger
	now func() time.Time
}

// HandlerOption configures a Handler.
type HandlerOption func(*Handler)

// WithAccessTTL overrides the access-token lifetime.
func WithAccessTTL(ttl time.Duration) HandlerOption {
	return func(h *Handler) {
		h.accessTTL = ttl
	}
}

// WithRefreshTTL overrides the refresh-token lifetime.
func WithRefreshTTL(ttl time.Duration) HandlerOption {
	return func(h *Handler) {
		h.refreshTTL = ttl
	}
}

// WithClock overrides the time source, used in tests.
func WithClock(now func() time.Time) HandlerOption {
	return func(h *Handler) {
		h.now = now
	}
}

// NewHandler creates a token handler. Issuer and audience are checked
// with exact match on every verification.
func NewHandler(keys *keystore.Store, state backend.Store, issuer, audience string, opts ...HandlerOption) (*Handler, error) {
	if issuer == "" || audience == "" {
		return nil, errors.New("token: issuer and audience are required")
	}
	h := &Handler{
		keys:       keys,
		state:      state,
		issuer:     issuer,
		audience:   audience,
		accessTTL:  DefaultAccessTTL,
		refreshTTL: DefaultRefreshTTL,
		log:        logger.New("token"),
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h, nil
}

// newJTI returns a 128-bit cryptographically random token id.
func newJTI() (string, error) {
	var b [16]byte
	if _, err := rand.Read(b[:]); err != nil {
		return "", fmt.Errorf("failed to generate jti: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(b[:]), nil
}

// Issue creates an access/refresh pair for the subject. Both tokens
// share a session id, and their jtis are registered under the subject's
// session set so RevokeAllForSubject can find them.
func (h *Handler) Issue(ctx context.Context, subject string, roles []string) (*Pair, error) {
	if subject == "" {
		return nil, errors.New("token: subject is required")
	}

	sessionID, err := newJTI()
	if err != nil {
		return nil, err
	}

	access, accessClaims, err := h.sign(UseAccess, subject, roles, sessionID, h.accessTTL)
	if err != nil {
		return nil, err
	}
	refresh, refreshClaims, err := h.sign(UseRefresh, subject, roles, sessionID, h.refreshTTL)
	if err != nil {
		return nil, err
	}

	// Session tracking is best effort: a backend outage must not block
	// login. The degraded window is logged because any jti missing from
	// the set stays invisible to RevokeAllForSubject until it expires.
	setKey := sessionsKeyPrefix + subject
	for _, jti := range []string{accessClaims.ID, refreshClaims.ID} {
		if err := h.state.SetAdd(ctx, setKey, jti, h.refreshTTL); err != nil {
			h.log.Warn(subject, sessionID, "session tracking degraded, bulk revocation will miss this token",
				map[string]interface{}{"error": err.Error()})
		}
	}

	return &Pair{
		AccessToken:      access,
		RefreshToken:     refresh,
		AccessExpiresAt:  accessClaims.ExpiresAt.Time,
		RefreshExpiresAt: refreshClaims.ExpiresAt.Time,
		SessionID:        sessionID,
	}, nil
}

func (h *Handler) sign(use, subject string, roles []string, sessionID string, ttl time.Duration) (string, *Claims, error) {
	jti, err := newJTI()
	if err != nil {
		return "", nil, err
	}

	now := h.now().UTC()
	claims := &Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    h.issuer,
			Subject:   subject,
			Audience:  jwt.ClaimStrings{h.audience},
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			ID:        jti,
		},
		Roles:     roles,
		SessionID: sessionID,
		Use:       use,
	}

	kid, key, err := h.keys.ActiveSigningKey()
	if err != nil {
		return "", nil, fmt.Errorf("failed to load signing key: %w", err)
	}

	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	tok.Header["kid"] = kid

	signed, err := tok.SignedString(key)
	if err != nil {
		return "", nil, fmt.Errorf("failed to sign token: %w", err)
	}
	return signed, claims, nil
}

// keyfunc resolves the signing key by the kid header. Tokens without a
// kid are rejected rather than falling back to the active key.
func (h *Handler) keyfunc(tok *jwt.Token) (interface{}, error) {
	kid, ok := tok.Header["kid"].(string)
	if !ok || kid == "" {
		return nil, errors.New("missing kid header")
	}
	return h.keys.SigningKey(kid)
}

// Verify decodes and validates a token string: signature under the
// key named by its kid header, exact issuer and audience match, expiry,
// and absence from the revocation list. The algorithm allowlist is
// pinned to HS256; tokens claiming any other method fail signature
// validation regardless of content.
func (h *Handler) Verify(ctx context.Context, tokenString string) (*Claims, error) {
	claims := &Claims{}
	_, err := jwt.ParseWithClaims(tokenString, claims, h.keyfunc,
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(h.issuer),
		jwt.WithAudience(h.audience),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(h.now),
	)
	if err != nil {
		return nil, mapJWTError(err)
	}
	if claims.ID == "" {
		return nil, fmt.Errorf("%w: missing jti", ErrMalformed)
	}

	// Revocation is fail-closed: if the list cannot be read, the token
	// does not pass. The read gets one retry after a short backoff
	// before the rejection, since it is idempotent.
	revoked, err := h.state.Exists(ctx, revokedKeyPrefix+claims.ID)
	if err != nil {
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("%w: %v", ErrRevocationUnavailable, ctx.Err())
		case <-time.After(revocationRetryBackoff):
		}
		revoked, err = h.state.Exists(ctx, revokedKeyPrefix+claims.ID)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrRevocationUnavailable, err)
		}
	}
	if revoked {
		return nil, ErrRevoked
	}

	return claims, nil
}

func mapJWTError(err error) error {
	switch {
	case errors.Is(err, jwt.ErrTokenExpired):
		return ErrExpired
	case errors.Is(err, jwt.ErrTokenInvalidAudience):
		return ErrInvalidAudience
	case errors.Is(err, jwt.ErrTokenInvalidIssuer):
		return ErrInvalidIssuer
	case errors.Is(err, jwt.ErrTokenSignatureInvalid):
		return ErrInvalidSignature
	case errors.Is(err, jwt.ErrTokenUnverifiable):
		return fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	default:
		return fmt.Errorf("%w: %v", ErrMalformed, err)
	}
}

// Revoke inserts the jti into the revocation list with the token's
// remaining lifetime, so the entry expires exactly when the token would
// have. Revoking an already-revoked or unknown jti is a no-op, and a
// backend failure is a hard error: the caller must not report a
// revocation that did not take effect.
func (h *Handler) Revoke(ctx context.Context, jti string, ttlHint time.Duration) error {
	if jti == "" {
		return fmt.Errorf("%w: empty jti", ErrMalformed)
	}
	if ttlHint <= 0 {
		// Already past natural expiry; nothing to persist.
		return nil
	}

	_, err := h.state.SetNXWithTTL(ctx, revokedKeyPrefix+jti, "1", ttlHint)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrRevocationUnavailable, err)
	}
	return nil
}

// RevokeClaims revokes a verified token using its own expiry as the
// entry lifetime.
func (h *Handler) RevokeClaims(ctx context.Context, claims *Claims) error {
	if claims == nil || claims.ExpiresAt == nil {
		return fmt.Errorf("%w: claims missing expiry", ErrMalformed)
	}
	remaining := claims.ExpiresAt.Time.Sub(h.now())
	return h.Revoke(ctx, claims.ID, remaining)
}

// RevokeAllForSubject terminates every tracked session for the subject:
// each jti in the session set is revoked for the maximum refresh
// lifetime, then the set is dropped.
func (h *Handler) RevokeAllForSubject(ctx context.Context, subject string) error {
	setKey := sessionsKeyPrefix + subject
	jtis, err := h.state.SetMembers(ctx, setKey)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrRevocationUnavailable, err)
	}

	for _, jti := range jtis {
		if err := h.Revoke(ctx, jti, h.refreshTTL); err != nil {
			return err
		}
	}

	if err := h.state.Delete(ctx, setKey); err != nil {
		return fmt.Errorf("%w: %v", ErrRevocationUnavailable, err)
	}
	return nil
}

// Rotate exchanges a refresh token for a fresh pair. The presented
// refresh token is revoked before the new pair is issued, making it
// one-time-use: a replayed refresh token fails with Revoked, which is a
// strong signal the credential leaked.
func (h *Handler) Rotate(ctx context.Context, refreshToken string) (*Pair, error) {
	claims, err := h.Verify(ctx, refreshToken)
	if err != nil {
		return nil, err
	}
	if claims.Use != UseRefresh {
		return nil, ErrNotRefreshToken
	}

	if err := h.RevokeClaims(ctx, claims); err != nil {
		return nil, err
	}

	return h.Issue(ctx, claims.Subject, claims.Roles)
}
