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

// Package gateway runs the request-gating pipeline: rate-limit
// admission, token verification, then threat validation, in that
// order. Any rejection short-circuits, records a SecurityEvent with
// full detail, and returns only a generic reason code to the caller.
package gateway

import (
	"context"
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"sentinel/platform/security/monitor"
	"sentinel/platform/security/ratelimit"
	"sentinel/platform/security/threat"
	"sentinel/platform/security/token"
	"sentinel/platform/shared/logger"
)

// Reason codes returned to clients. Deliberately generic: they never
// reveal which check failed in what way.
type Reason string

const (
	ReasonNone            Reason = ""
	ReasonRateLimited     Reason = "rate_limited"
	ReasonUnauthenticated Reason = "authentication_failed"
	ReasonRejected        Reason = "request_rejected"
)

// Request is the gating view of an inbound request.
type Request struct {
	// PeerAddr is the transport-layer remote address.
	PeerAddr string

	// ForwardedFor is the X-Forwarded-For header value, possibly empty.
	ForwardedFor string

	Path      string
	Method    string
	UserAgent string

	// BearerToken from the Authorization header, empty if absent.
	BearerToken string

	// UntrustedInputs are the payload fields subject to threat
	// validation (query strings, prompt text).
	UntrustedInputs []string

	// Class of the endpoint; resolved by the caller's classifier.
	Class ratelimit.EndpointClass
}

// Verdict is the gating decision.
type Verdict struct {
	Allowed    bool
	Reason     Reason
	RetryAfter time.Duration

	// Claims of the verified token, nil for anonymous requests.
	Claims *token.Claims
}

var promGateDecisions = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "sentinel_gate_decisions_total",
		Help: "Gating decisions by outcome and endpoint class",
	},
	[]string{"outcome", "class"},
)

func init() {
	prometheus.MustRegister(promGateDecisions)
}

// Gate is the synchronous gating decision service.
type Gate struct {
	limiter   *ratelimit.Limiter
	tokens    *token.Handler
	validator *threat.Validator
	monitor   *monitor.Monitor
	proxies   *ratelimit.ProxyTrust
	log       *logger.Logger
}

// New assembles a Gate from its components. All are required except the
// proxy trust, which defaults to trusting no proxies.
func New(limiter *ratelimit.Limiter, tokens *token.Handler, validator *threat.Validator,
	mon *monitor.Monitor, proxies *ratelimit.ProxyTrust, log *logger.Logger) *Gate {
	if proxies == nil {
		proxies, _ = ratelimit.NewProxyTrust(nil)
	}
	return &Gate{
		limiter:   limiter,
		tokens:    tokens,
		validator: validator,
		monitor:   mon,
		proxies:   proxies,
		log:       log,
	}
}

// Check runs the pipeline. The context bounds all backend calls, so a
// cancelled request aborts the pipeline without inconsistent state:
// every counter mutation is a single atomic backend operation.
func (g *Gate) Check(ctx context.Context, req Request) Verdict {
	clientIP := g.proxies.ResolveClientIP(req.PeerAddr, req.ForwardedFor)

	// Anonymous identity for the limiter until the token verifies; the
	// subject dimension only counts authenticated traffic.
	decision := g.limiter.Admit(ctx, ratelimit.Request{
		ClientIP:  clientIP,
		Path:      req.Path,
		UserAgent: req.UserAgent,
		Class:     req.Class,
	})
	if !decision.Allowed {
		g.record(ctx, monitor.NewEvent(monitor.EventRateLimitExceeded, monitor.SeverityMedium, "ratelimit").
			WithClientIP(clientIP).
			WithMetadata("path", req.Path).
			WithMetadata("dimension", string(decision.Dimension)).
			WithMetadata("retry_after", decision.RetryAfter.String()))
		promGateDecisions.WithLabelValues("rate_limited", string(req.Class)).Inc()
		return Verdict{Allowed: false, Reason: ReasonRateLimited, RetryAfter: decision.RetryAfter}
	}

	var claims *token.Claims
	if req.BearerToken != "" {
		verified, err := g.tokens.Verify(ctx, req.BearerToken)
		if err != nil {
			g.record(ctx, monitor.NewEvent(monitor.EventAuthenticationRejected, monitor.SeverityMedium, "token").
				WithClientIP(clientIP).
				WithMetadata("path", req.Path).
				WithMetadata("failure", authFailureLabel(err)))
			promGateDecisions.WithLabelValues("auth_rejected", string(req.Class)).Inc()
			return Verdict{Allowed: false, Reason: ReasonUnauthenticated}
		}
		claims = verified
	} else if req.Class != ratelimit.ClassPublic && req.Class != ratelimit.ClassAuth {
		// Non-public endpoints require identity; auth endpoints are the
		// ones that mint it.
		g.record(ctx, monitor.NewEvent(monitor.EventAuthenticationRejected, monitor.SeverityLow, "token").
			WithClientIP(clientIP).
			WithMetadata("path", req.Path).
			WithMetadata("failure", "missing_token"))
		promGateDecisions.WithLabelValues("auth_rejected", string(req.Class)).Inc()
		return Verdict{Allowed: false, Reason: ReasonUnauthenticated}
	}

	for _, input := range req.UntrustedInputs {
		result, err := g.validator.SanitizeQuery(input)
		if err == nil {
			continue
		}

		var sigErr *threat.SignatureError
		if errors.As(err, &sigErr) {
			event := monitor.NewEvent(monitor.EventThreatSignatureDetected, monitor.Severity(result.Severity), "threat").
				WithClientIP(clientIP).
				WithMetadata("path", req.Path).
				WithMetadata("category", string(sigErr.Category)).
				WithMetadata("pattern", sigErr.Pattern).
				WithMetadata("snippet", result.Snippet)
			if claims != nil {
				event = event.WithActor(claims.Subject)
			}
			g.record(ctx, event)
		}
		promGateDecisions.WithLabelValues("threat_rejected", string(req.Class)).Inc()
		return Verdict{Allowed: false, Reason: ReasonRejected}
	}

	promGateDecisions.WithLabelValues("allowed", string(req.Class)).Inc()
	return Verdict{Allowed: true, Claims: claims}
}

func (g *Gate) record(ctx context.Context, event monitor.SecurityEvent) {
	if g.monitor == nil {
		return
	}
	if err := g.monitor.RecordEvent(ctx, event); err != nil {
		g.log.Error(event.Actor, event.ID, "failed to record security event",
			map[string]interface{}{"error": err.Error()})
	}
}

// authFailureLabel classifies the verification error for the event
// trail without leaking library internals.
func authFailureLabel(err error) string {
	switch {
	case errors.Is(err, token.ErrExpired):
		return "expired"
	case errors.Is(err, token.ErrRevoked):
		return "revoked"
	case errors.Is(err, token.ErrInvalidAudience):
		return "audience_mismatch"
	case errors.Is(err, token.ErrInvalidIssuer):
		return "issuer_mismatch"
	case errors.Is(err, token.ErrInvalidSignature):
		return "invalid_signature"
	case errors.Is(err, token.ErrRevocationUnavailable):
		return "revocation_unavailable"
	default:
		return "malformed"
	}
}
