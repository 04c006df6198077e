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

package main

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"sentinel/platform/security/gateway"
	"sentinel/platform/security/keystore"
	"sentinel/platform/security/monitor"
	"sentinel/platform/security/threat"
	"sentinel/platform/security/token"
)

func (a *app) healthHandler(w http.ResponseWriter, r *http.Request) {
	status := "starting"
	if a.ready.Load() {
		status = "healthy"
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":    status,
		"service":   "sentinel-guard",
		"timestamp": time.Now().UTC(),
	})
}

type loginRequest struct {
	ClientID     string `json:"client_id"`
	ClientSecret string `json:"client_secret"`
}

type tokenResponse struct {
	AccessToken      string    `json:"access_token"`
	RefreshToken     string    `json:"refresh_token"`
	AccessExpiresAt  time.Time `json:"access_expires_at"`
	RefreshExpiresAt time.Time `json:"refresh_expires_at"`
	SessionID        string    `json:"session_id"`
}

func pairResponse(pair *token.Pair) tokenResponse {
	return tokenResponse{
		AccessToken:      pair.AccessToken,
		RefreshToken:     pair.RefreshToken,
		AccessExpiresAt:  pair.AccessExpiresAt,
		RefreshExpiresAt: pair.RefreshExpiresAt,
		SessionID:        pair.SessionID,
	}
}

func (a *app) loginHandler(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	expected, ok := a.clients[req.ClientID]
	if !ok || !keystore.Equal([]byte(req.ClientSecret), []byte(expected)) {
		a.recordAuthFailure(r, "invalid_credentials")
		writeError(w, http.StatusUnauthorized, "authentication failed")
		return
	}

	pair, err := a.tokens.Issue(r.Context(), req.ClientID, []string{"agent"})
	if err != nil {
		a.log.Error(req.ClientID, "", "token issuance failed",
			map[string]interface{}{"error": err.Error()})
		writeError(w, http.StatusInternalServerError, "token issuance failed")
		return
	}
	writeJSON(w, http.StatusOK, pairResponse(pair))
}

type refreshRequest struct {
	RefreshToken string `json:"refresh_token"`
}

func (a *app) refreshHandler(w http.ResponseWriter, r *http.Request) {
	var req refreshRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.RefreshToken == "" {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	pair, err := a.tokens.Rotate(r.Context(), req.RefreshToken)
	if err != nil {
		a.recordAuthFailure(r, "refresh_rejected")
		writeError(w, http.StatusUnauthorized, "authentication failed")
		return
	}
	writeJSON(w, http.StatusOK, pairResponse(pair))
}

func (a *app) logoutHandler(w http.ResponseWriter, r *http.Request) {
	claims := gateway.ClaimsFromContext(r.Context())
	if claims == nil {
		writeError(w, http.StatusUnauthorized, "authentication required")
		return
	}

	if err := a.tokens.RevokeAllForSubject(r.Context(), claims.Subject); err != nil {
		a.log.Error(claims.Subject, "", "session revocation failed",
			map[string]interface{}{"error": err.Error()})
		writeError(w, http.StatusServiceUnavailable, "revocation unavailable")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "logged_out"})
}

type queryRequest struct {
	Query string `json:"query"`
}

// queryHandler validates the request body the same way the gate
// validates query strings; bodies are only seen here.
func (a *app) queryHandler(w http.ResponseWriter, r *http.Request) {
	claims := gateway.ClaimsFromContext(r.Context())
	if claims == nil {
		writeError(w, http.StatusUnauthorized, "authentication required")
		return
	}

	var req queryRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	result, err := a.checker.SanitizeQuery(req.Query)
	if err != nil {
		var sigErr *threat.SignatureError
		if errors.As(err, &sigErr) {
			event := monitor.NewEvent(monitor.EventThreatSignatureDetected,
				monitor.Severity(result.Severity), "threat").
				WithActor(claims.Subject).
				WithMetadata("path", r.URL.Path).
				WithMetadata("category", string(sigErr.Category)).
				WithMetadata("pattern", sigErr.Pattern).
				WithMetadata("snippet", result.Snippet)
			if recordErr := a.mon.RecordEvent(r.Context(), event); recordErr != nil {
				a.log.Error(claims.Subject, event.ID, "failed to record security event",
					map[string]interface{}{"error": recordErr.Error()})
			}
		}
		writeError(w, http.StatusForbidden, "request_rejected")
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"subject":  claims.Subject,
		"roles":    claims.Roles,
		"query":    req.Query,
		"scan_ns":  result.Duration.Nanoseconds(),
		"detected": result.Detected,
	})
}

type sealRequest struct {
	Plaintext string `json:"plaintext"`
}

// sealHandler encrypts a payload bound to the caller's subject. Only
// the same subject can unseal it.
func (a *app) sealHandler(w http.ResponseWriter, r *http.Request) {
	claims := gateway.ClaimsFromContext(r.Context())
	if claims == nil {
		writeError(w, http.StatusUnauthorized, "authentication required")
		return
	}

	var req sealRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Plaintext == "" {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	blob, err := a.vault.Encrypt([]byte(req.Plaintext), claims.Subject)
	if err != nil {
		a.log.Error(claims.Subject, "", "encryption failed",
			map[string]interface{}{"error": err.Error()})
		a.recordCryptoFailure(r, claims.Subject)
		writeError(w, http.StatusInternalServerError, "encryption failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"blob": base64.StdEncoding.EncodeToString(blob),
	})
}

type unsealRequest struct {
	Blob string `json:"blob"`
}

func (a *app) unsealHandler(w http.ResponseWriter, r *http.Request) {
	claims := gateway.ClaimsFromContext(r.Context())
	if claims == nil {
		writeError(w, http.StatusUnauthorized, "authentication required")
		return
	}

	var req unsealRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Blob == "" {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	blob, err := base64.StdEncoding.DecodeString(req.Blob)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid blob encoding")
		return
	}

	plain, err := a.vault.Decrypt(blob, claims.Subject)
	if err != nil {
		a.recordCryptoFailure(r, claims.Subject)
		// Context mismatch and tampering get the same generic answer.
		writeError(w, http.StatusForbidden, "decryption failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"plaintext": string(plain)})
}

func (a *app) budgetsHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, a.mon.BudgetStatuses())
}

func (a *app) ackAlertHandler(w http.ResponseWriter, r *http.Request) {
	alertID := mux.Vars(r)["id"]
	if alertID == "" {
		writeError(w, http.StatusBadRequest, "alert id required")
		return
	}
	a.mon.Acknowledge(alertID)
	writeJSON(w, http.StatusOK, map[string]string{"status": "acknowledged"})
}

func (a *app) recordAuthFailure(r *http.Request, failure string) {
	event := monitor.NewEvent(monitor.EventAuthenticationRejected, monitor.SeverityMedium, "guard").
		WithMetadata("path", r.URL.Path).
		WithMetadata("failure", failure)
	if err := a.mon.RecordEvent(r.Context(), event); err != nil {
		a.log.Error("system", event.ID, "failed to record security event",
			map[string]interface{}{"error": err.Error()})
	}
}

func (a *app) recordCryptoFailure(r *http.Request, subject string) {
	event := monitor.NewEvent(monitor.EventEncryptionFailure, monitor.SeverityCritical, "crypto").
		WithActor(subject).
		WithMetadata("path", r.URL.Path)
	if err := a.mon.RecordEvent(r.Context(), event); err != nil {
		a.log.Error(subject, event.ID, "failed to record security event",
			map[string]interface{}{"error": err.Error()})
	}
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
