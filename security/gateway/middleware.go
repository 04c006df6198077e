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

package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"

	"sentinel/platform/security/ratelimit"
	"sentinel/platform/security/token"
)

type contextKey int

const claimsKey contextKey = iota

// ClaimsFromContext returns the verified claims for the request, or nil
// for anonymous requests.
func ClaimsFromContext(ctx context.Context) *token.Claims {
	claims, _ := ctx.Value(claimsKey).(*token.Claims)
	return claims
}

// Classifier maps a request path to its endpoint class.
type Classifier func(path string) ratelimit.EndpointClass

// PrefixClassifier builds a classifier from path-prefix rules, first
// match wins; unmatched paths default to the api class.
func PrefixClassifier(rules map[string]ratelimit.EndpointClass, order []string) Classifier {
	return func(path string) ratelimit.EndpointClass {
		for _, prefix := range order {
			if strings.HasPrefix(path, prefix) {
				return rules[prefix]
			}
		}
		return ratelimit.ClassAPI
	}
}

// Middleware gates every request through the pipeline before the
// wrapped handler runs. Verified claims are exposed on the request
// context; rejections render the generic reason code as JSON.
func (g *Gate) Middleware(classify Classifier) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			req := Request{
				PeerAddr:     r.RemoteAddr,
				ForwardedFor: r.Header.Get("X-Forwarded-For"),
				Path:         r.URL.Path,
				Method:       r.Method,
				UserAgent:    r.UserAgent(),
				BearerToken:  bearerToken(r),
				Class:        classify(r.URL.Path),
			}
			// Scan decoded parameter values so percent-encoding cannot
			// hide a signature from the validator.
			for _, values := range r.URL.Query() {
				for _, v := range values {
					if v != "" {
						req.UntrustedInputs = append(req.UntrustedInputs, v)
					}
				}
			}

			verdict := g.Check(r.Context(), req)
			if !verdict.Allowed {
				writeRejection(w, verdict)
				return
			}

			if verdict.Claims != nil {
				r = r.WithContext(context.WithValue(r.Context(), claimsKey, verdict.Claims))
			}
			next.ServeHTTP(w, r)
		})
	}
}

func bearerToken(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if len(auth) > len(prefix) && strings.EqualFold(auth[:len(prefix)], prefix) {
		return auth[len(prefix):]
	}
	return ""
}

func writeRejection(w http.ResponseWriter, verdict Verdict) {
	status := http.StatusForbidden
	switch verdict.Reason {
	case ReasonRateLimited:
		status = http.StatusTooManyRequests
		if verdict.RetryAfter > 0 {
			secs := int(verdict.RetryAfter.Seconds())
			if secs < 1 {
				secs = 1
			}
			w.Header().Set("Retry-After", strconv.Itoa(secs))
		}
	case ReasonUnauthenticated:
		status = http.StatusUnauthorized
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": string(verdict.Reason)})
}
