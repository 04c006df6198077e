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

package token

import (
	"bytes"
	"context"
	"errors"
	"log"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"sentinel/platform/security/backend"
	"sentinel/platform/security/keystore"
)

func newTestHandler(t *testing.T, opts ...HandlerOption) (*Handler, *backend.MemoryStore) {
	t.Helper()

	key, err := keystore.GenerateMasterKey()
	if err != nil {
		t.Fatalf("GenerateMasterKey() error = %v", err)
	}
	keys, err := keystore.New(keystore.WithMasterKey("v1", key))
	if err != nil {
		t.Fatalf("keystore.New() error = %v", err)
	}

	state := backend.NewMemoryStore()
	h, err := NewHandler(keys, state, "sentinel", "api", opts...)
	if err != nil {
		t.Fatalf("NewHandler() error = %v", err)
	}
	return h, state
}

func TestIssueVerify_RoundTrip(t *testing.T) {
	h, _ := newTestHandler(t)
	ctx := context.Background()

	pair, err := h.Issue(ctx, "user-42", []string{"agent:run", "agent:read"})
	if err != nil {
		t.Fatalf("Issue() error = %v", err)
	}
	if pair.AccessToken == "" || pair.RefreshToken == "" {
		t.Fatal("Issue() returned empty tokens")
	}
	if pair.AccessToken == pair.RefreshToken {
		t.Fatal("access and refresh tokens must differ")
	}

	claims, err := h.Verify(ctx, pair.AccessToken)
	if err != nil {
		t.Fatalf("Verify() error = %v", err)
	}
	if claims.Subject != "user-42" {
		t.Errorf("subject = %q, want user-42", claims.Subject)
	}
	if len(claims.Roles) != 2 {
		t.Errorf("roles = %v, want 2 entries", claims.Roles)
	}
	if claims.Use != UseAccess {
		t.Errorf("use = %q, want %q", claims.Use, UseAccess)
	}
	if claims.SessionID != pair.SessionID {
		t.Errorf("session id = %q, want %q", claims.SessionID, pair.SessionID)
	}
	if claims.ID == "" {
		t.Error("jti missing")
	}
}

func TestVerify_Expired(t *testing.T) {
	now := time.Now()
	h, _ := newTestHandler(t,
		WithAccessTTL(time.Minute),
		WithClock(func() time.Time { return now }),
	)
	ctx := context.Background()

	pair, err := h.Issue(ctx, "user-42", nil)
	if err != nil {
		t.Fatalf("Issue() error = %v", err)
	}

	now = now.Add(2 * time.Minute)

	_, err = h.Verify(ctx, pair.AccessToken)
	if !errors.Is(err, ErrExpired) {
		t.Errorf("Verify() after expiry error = %v, want ErrExpired", err)
	}
}

func TestVerify_AudienceMismatch(t *testing.T) {
	h, _ := newTestHandler(t)
	ctx := context.Background()

	// Token issued for audience "api", verified by a service expecting
	// "other". Must fail loudly, never silently accept.
	pair, err := h.Issue(ctx, "user-42", nil)
	if err != nil {
		t.Fatalf("Issue() error = %v", err)
	}

	other, err := NewHandler(h.keys, h.state, "sentinel", "other")
	if err != nil {
		t.Fatalf("NewHandler() error = %v", err)
	}

	_, err = other.Verify(ctx, pair.AccessToken)
	if !errors.Is(err, ErrInvalidAudience) {
		t.Errorf("Verify() error = %v, want ErrInvalidAudience", err)
	}
}

func TestVerify_IssuerMismatch(t *testing.T) {
	h, _ := newTestHandler(t)
	ctx := context.Background()

	pair, err := h.Issue(ctx, "user-42", nil)
	if err != nil {
		t.Fatalf("Issue() error = %v", err)
	}

	other, err := NewHandler(h.keys, h.state, "someone-else", "api")
	if err != nil {
		t.Fatalf("NewHandler() error = %v", err)
	}

	_, err = other.Verify(ctx, pair.AccessToken)
	if !errors.Is(err, ErrInvalidIssuer) {
		t.Errorf("Verify() error = %v, want ErrInvalidIssuer", err)
	}
}

func TestVerify_WrongKey(t *testing.T) {
	h, _ := newTestHandler(t)
	ctx := context.Background()

	pair, err := h.Issue(ctx, "user-42", nil)
	if err != nil {
		t.Fatalf("Issue() error = %v", err)
	}

	// Same kid, different master key
	otherMaster, err := keystore.GenerateMasterKey()
	if err != nil {
		t.Fatalf("GenerateMasterKey() error = %v", err)
	}
	otherKeys, err := keystore.New(keystore.WithMasterKey("v1", otherMaster))
	if err != nil {
		t.Fatalf("keystore.New() error = %v", err)
	}
	other, err := NewHandler(otherKeys, h.state, "sentinel", "api")
	if err != nil {
		t.Fatalf("NewHandler() error = %v", err)
	}

	_, err = other.Verify(ctx, pair.AccessToken)
	if !errors.Is(err, ErrInvalidSignature) {
		t.Errorf("Verify() error = %v, want ErrInvalidSignature", err)
	}
}

func TestVerify_AlgorithmConfusion(t *testing.T) {
	h, _ := newTestHandler(t)
	ctx := context.Background()

	// A token declaring alg=none must never verify, even with a valid
	// claim set.
	claims := &Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    "sentinel",
			Subject:   "user-42",
			Audience:  jwt.ClaimStrings{"api"},
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
			ID:        "forged-jti",
		},
		Use: UseAccess,
	}
	tok := jwt.NewWithClaims(jwt.SigningMethodNone, claims)
	tok.Header["kid"] = "v1"
	forged, err := tok.SignedString(jwt.UnsafeAllowNoneSignatureType)
	if err != nil {
		t.Fatalf("SignedString() error = %v", err)
	}

	if _, err := h.Verify(ctx, forged); err == nil {
		t.Fatal("Verify() accepted an alg=none token")
	}
}

func TestVerify_MissingKid(t *testing.T) {
	h, _ := newTestHandler(t)
	ctx := context.Background()

	pair, err := h.Issue(ctx, "user-42", nil)
	if err != nil {
		t.Fatalf("Issue() error = %v", err)
	}

	// Re-sign the same claims without a kid header
	claims, err := h.Verify(ctx, pair.AccessToken)
	if err != nil {
		t.Fatalf("Verify() error = %v", err)
	}
	_, key, err := h.keys.ActiveSigningKey()
	if err != nil {
		t.Fatalf("ActiveSigningKey() error = %v", err)
	}
	stripped, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(key)
	if err != nil {
		t.Fatalf("SignedString() error = %v", err)
	}

	if _, err := h.Verify(ctx, stripped); err == nil {
		t.Fatal("Verify() accepted a token without a kid header")
	}
}

func TestRevoke_ThenVerifyFails(t *testing.T) {
	h, _ := newTestHandler(t)
	ctx := context.Background()

	pair, err := h.Issue(ctx, "user-42", nil)
	if err != nil {
		t.Fatalf("Issue() error = %v", err)
	}
	claims, err := h.Verify(ctx, pair.AccessToken)
	if err != nil {
		t.Fatalf("Verify() error = %v", err)
	}

	if err := h.RevokeClaims(ctx, claims); err != nil {
		t.Fatalf("RevokeClaims() error = %v", err)
	}

	// Not yet expired, but revoked
	_, err = h.Verify(ctx, pair.AccessToken)
	if !errors.Is(err, ErrRevoked) {
		t.Errorf("Verify() after revoke error = %v, want ErrRevoked", err)
	}
}

func TestRevoke_Idempotent(t *testing.T) {
	h, _ := newTestHandler(t)
	ctx := context.Background()

	if err := h.Revoke(ctx, "some-jti", time.Hour); err != nil {
		t.Fatalf("Revoke() error = %v", err)
	}
	// Second revoke of the same jti succeeds without error
	if err := h.Revoke(ctx, "some-jti", time.Hour); err != nil {
		t.Errorf("second Revoke() error = %v, want nil", err)
	}
	// Revoking an unknown jti is also a no-op success
	if err := h.Revoke(ctx, "never-issued", time.Hour); err != nil {
		t.Errorf("Revoke() of unknown jti error = %v, want nil", err)
	}
}

func TestRevoke_BackendDown(t *testing.T) {
	h, state := newTestHandler(t)
	ctx := context.Background()

	state.SetFailing(true)

	// Revocation is fail-closed in both directions: the write is a hard
	// error, and verification refuses when the list is unreadable.
	err := h.Revoke(ctx, "some-jti", time.Hour)
	if !errors.Is(err, ErrRevocationUnavailable) {
		t.Errorf("Revoke() error = %v, want ErrRevocationUnavailable", err)
	}
}

func TestVerify_BackendDown(t *testing.T) {
	h, state := newTestHandler(t)
	ctx := context.Background()

	pair, err := h.Issue(ctx, "user-42", nil)
	if err != nil {
		t.Fatalf("Issue() error = %v", err)
	}

	state.SetFailing(true)

	_, err = h.Verify(ctx, pair.AccessToken)
	if !errors.Is(err, ErrRevocationUnavailable) {
		t.Errorf("Verify() error = %v, want ErrRevocationUnavailable", err)
	}
}

func TestRevokeAllForSubject(t *testing.T) {
	h, _ := newTestHandler(t)
	ctx := context.Background()

	p1, err := h.Issue(ctx, "user-42", nil)
	if err != nil {
		t.Fatalf("Issue() error = %v", err)
	}
	p2, err := h.Issue(ctx, "user-42", nil)
	if err != nil {
		t.Fatalf("Issue() error = %v", err)
	}
	other, err := h.Issue(ctx, "user-99", nil)
	if err != nil {
		t.Fatalf("Issue() error = %v", err)
	}

	if err := h.RevokeAllForSubject(ctx, "user-42"); err != nil {
		t.Fatalf("RevokeAllForSubject() error = %v", err)
	}

	for _, tok := range []string{p1.AccessToken, p1.RefreshToken, p2.AccessToken, p2.RefreshToken} {
		if _, err := h.Verify(ctx, tok); !errors.Is(err, ErrRevoked) {
			t.Errorf("Verify() error = %v, want ErrRevoked", err)
		}
	}

	// Unrelated subject untouched
	if _, err := h.Verify(ctx, other.AccessToken); err != nil {
		t.Errorf("Verify() for other subject error = %v, want nil", err)
	}
}

func TestRotate_OneTimeUse(t *testing.T) {
	h, _ := newTestHandler(t)
	ctx := context.Background()

	pair, err := h.Issue(ctx, "user-42", []string{"agent:run"})
	if err != nil {
		t.Fatalf("Issue() error = %v", err)
	}

	next, err := h.Rotate(ctx, pair.RefreshToken)
	if err != nil {
		t.Fatalf("Rotate() error = %v", err)
	}
	if _, err := h.Verify(ctx, next.AccessToken); err != nil {
		t.Errorf("Verify() of rotated access token error = %v", err)
	}

	claims, err := h.Verify(ctx, next.RefreshToken)
	if err != nil {
		t.Fatalf("Verify() of rotated refresh token error = %v", err)
	}
	if len(claims.Roles) != 1 || claims.Roles[0] != "agent:run" {
		t.Errorf("rotated roles = %v, want [agent:run]", claims.Roles)
	}

	// Replay of the consumed refresh token fails with Revoked
	if _, err := h.Rotate(ctx, pair.RefreshToken); !errors.Is(err, ErrRevoked) {
		t.Errorf("Rotate() replay error = %v, want ErrRevoked", err)
	}
}

func TestRotate_RejectsAccessToken(t *testing.T) {
	h, _ := newTestHandler(t)
	ctx := context.Background()

	pair, err := h.Issue(ctx, "user-42", nil)
	if err != nil {
		t.Fatalf("Issue() error = %v", err)
	}

	_, err = h.Rotate(ctx, pair.AccessToken)
	if !errors.Is(err, ErrNotRefreshToken) {
		t.Errorf("Rotate() with access token error = %v, want ErrNotRefreshToken", err)
	}
}

func TestVerify_AfterKeyRotation(t *testing.T) {
	h, _ := newTestHandler(t)
	ctx := context.Background()

	pair, err := h.Issue(ctx, "user-42", nil)
	if err != nil {
		t.Fatalf("Issue() error = %v", err)
	}

	newKey, err := keystore.GenerateMasterKey()
	if err != nil {
		t.Fatalf("GenerateMasterKey() error = %v", err)
	}
	if err := h.keys.Rotate("v2", newKey); err != nil {
		t.Fatalf("Rotate() error = %v", err)
	}

	// Old token still verifies via its kid header
	if _, err := h.Verify(ctx, pair.AccessToken); err != nil {
		t.Errorf("Verify() after key rotation error = %v", err)
	}

	// New tokens carry the new kid
	pair2, err := h.Issue(ctx, "user-42", nil)
	if err != nil {
		t.Fatalf("Issue() error = %v", err)
	}
	parsed, _, err := jwt.NewParser().ParseUnverified(pair2.AccessToken, &Claims{})
	if err != nil {
		t.Fatalf("ParseUnverified() error = %v", err)
	}
	if kid := parsed.Header["kid"]; kid != "v2" {
		t.Errorf("kid = %v, want v2", kid)
	}
}

func TestVerify_Garbage(t *testing.T) {
	h, _ := newTestHandler(t)
	ctx := context.Background()

	for _, s := range []string{"", "not-a-token", "a.b.c"} {
		if _, err := h.Verify(ctx, s); err == nil {
			t.Errorf("Verify(%q) succeeded, want error", s)
		}
	}
}

// blipStore fails a set number of Exists reads before recovering,
// simulating a transient backend blip on the revocation list.
type blipStore struct {
	*backend.MemoryStore
	remaining int
	reads     int
}

func (s *blipStore) Exists(ctx context.Context, key string) (bool, error) {
	s.reads++
	if s.remaining > 0 {
		s.remaining--
		return false, backend.ErrUnavailable
	}
	return s.MemoryStore.Exists(ctx, key)
}

func newBlipHandler(t *testing.T) (*Handler, *blipStore) {
	t.Helper()

	key, err := keystore.GenerateMasterKey()
	if err != nil {
		t.Fatalf("GenerateMasterKey() error = %v", err)
	}
	keys, err := keystore.New(keystore.WithMasterKey("v1", key))
	if err != nil {
		t.Fatalf("keystore.New() error = %v", err)
	}

	state := &blipStore{MemoryStore: backend.NewMemoryStore()}
	h, err := NewHandler(keys, state, "sentinel", "api")
	if err != nil {
		t.Fatalf("NewHandler() error = %v", err)
	}
	return h, state
}

func TestVerify_TransientRevocationReadRetried(t *testing.T) {
	h, state := newBlipHandler(t)
	ctx := context.Background()

	pair, err := h.Issue(ctx, "user-42", nil)
	if err != nil {
		t.Fatalf("Issue() error = %v", err)
	}

	state.remaining = 1
	state.reads = 0

	claims, err := h.Verify(ctx, pair.AccessToken)
	if err != nil {
		t.Fatalf("Verify() with one transient read failure error = %v, want success", err)
	}
	if claims.Subject != "user-42" {
		t.Errorf("subject = %q, want user-42", claims.Subject)
	}
	if state.reads != 2 {
		t.Errorf("revocation reads = %d, want 2 (original plus one retry)", state.reads)
	}
}

func TestVerify_RevocationReadFailsClosedAfterRetry(t *testing.T) {
	h, state := newBlipHandler(t)
	ctx := context.Background()

	pair, err := h.Issue(ctx, "user-42", nil)
	if err != nil {
		t.Fatalf("Issue() error = %v", err)
	}

	state.remaining = 2
	state.reads = 0

	_, err = h.Verify(ctx, pair.AccessToken)
	if !errors.Is(err, ErrRevocationUnavailable) {
		t.Errorf("Verify() error = %v, want ErrRevocationUnavailable", err)
	}
	if state.reads != 2 {
		t.Errorf("revocation reads = %d, want exactly one retry, not a loop", state.reads)
	}
}

func TestIssue_LogsDegradedSessionTracking(t *testing.T) {
	var buf bytes.Buffer
	log.SetOutput(&buf)
	defer log.SetOutput(os.Stderr)

	h, state := newTestHandler(t)
	state.SetFailing(true)

	pair, err := h.Issue(context.Background(), "user-42", nil)
	if err != nil {
		t.Fatalf("Issue() with failing session tracking error = %v, want success", err)
	}
	if pair.AccessToken == "" || pair.RefreshToken == "" {
		t.Fatal("Issue() returned empty tokens")
	}
	if !strings.Contains(buf.String(), "session tracking degraded") {
		t.Errorf("degraded session tracking not logged, output: %s", buf.String())
	}
}
