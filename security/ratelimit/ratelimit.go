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

// Package ratelimit implements multi-dimensional windowed admission
// control over the distributed state backend. Every request is counted
// against an ordered list of dimensions (raw IP, IP+endpoint,
// authenticated subject, IP+user-agent prefix); exceeding any one
// dimension's ceiling denies the request with the smallest retry-after
// across the violated dimensions.
//
// The limiter fails open: when the backend is unreachable, requests are
// admitted and a single outage notification is raised per failure
// window rather than one per request.
package ratelimit

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"sentinel/platform/security/backend"
)

// Dimension identifies one counting axis.
type Dimension string

const (
	// DimensionIP counts per client IP across all endpoints.
	DimensionIP Dimension = "ip"

	// DimensionIPEndpoint counts per client IP per endpoint path.
	DimensionIPEndpoint Dimension = "ip_endpoint"

	// DimensionSubject counts per authenticated subject. Only applied
	// when the request carries a verified identity.
	DimensionSubject Dimension = "subject"

	// DimensionIPUserAgent counts per IP plus a truncated user-agent
	// prefix, catching naive credential-stuffing tools that rotate
	// nothing but the target account.
	DimensionIPUserAgent Dimension = "ip_ua"
)

// dimensionOrder fixes evaluation order so tests and retry-after
// reporting are deterministic.
var dimensionOrder = []Dimension{
	DimensionIP,
	DimensionIPEndpoint,
	DimensionSubject,
	DimensionIPUserAgent,
}

// EndpointClass buckets endpoints into policy groups. Auth endpoints get
// far lower ceilings than general API traffic because brute-force and
// credential-stuffing attacks concentrate there.
type EndpointClass string

const (
	ClassAuth   EndpointClass = "auth"
	ClassAPI    EndpointClass = "api"
	ClassAdmin  EndpointClass = "admin"
	ClassPublic EndpointClass = "public"
)

// IsValid reports whether the class is a known policy group.
func (c EndpointClass) IsValid() bool {
	switch c {
	case ClassAuth, ClassAPI, ClassAdmin, ClassPublic:
		return true
	}
	return false
}

// Ceiling is one dimension's limit within a window.
type Ceiling struct {
	Limit  int64         `yaml:"limit" json:"limit"`
	Window time.Duration `yaml:"window" json:"window"`
}

// Limits maps endpoint classes to per-dimension ceilings. A class or
// dimension absent from the map is unlimited.
type Limits map[EndpointClass]map[Dimension]Ceiling

// DefaultLimits returns the stock policy. Numbers are deployment
// defaults, tunable through configuration.
func DefaultLimits() Limits {
	return Limits{
		ClassAuth: {
			DimensionIP:          {Limit: 10, Window: time.Minute},
			DimensionIPEndpoint:  {Limit: 10, Window: time.Minute},
			DimensionSubject:     {Limit: 20, Window: time.Minute},
			DimensionIPUserAgent: {Limit: 10, Window: time.Minute},
		},
		ClassAPI: {
			DimensionIP:          {Limit: 100, Window: time.Minute},
			DimensionIPEndpoint:  {Limit: 60, Window: time.Minute},
			DimensionSubject:     {Limit: 120, Window: time.Minute},
			DimensionIPUserAgent: {Limit: 100, Window: time.Minute},
		},
		ClassAdmin: {
			DimensionIP:          {Limit: 30, Window: time.Minute},
			DimensionIPEndpoint:  {Limit: 30, Window: time.Minute},
			DimensionSubject:     {Limit: 30, Window: time.Minute},
			DimensionIPUserAgent: {Limit: 30, Window: time.Minute},
		},
		ClassPublic: {
			DimensionIP:          {Limit: 300, Window: time.Minute},
			DimensionIPEndpoint:  {Limit: 120, Window: time.Minute},
			DimensionIPUserAgent: {Limit: 300, Window: time.Minute},
		},
	}
}

// Request is the admission-control view of an inbound request.
type Request struct {
	// ClientIP as resolved by ResolveClientIP.
	ClientIP string

	// Path of the endpoint, already normalized by the router.
	Path string

	// Subject is the verified identity, empty for anonymous requests.
	Subject string

	// UserAgent header value, may be empty.
	UserAgent string

	// Class of the endpoint.
	Class EndpointClass
}

// Decision is the admission verdict.
type Decision struct {
	Allowed bool

	// RetryAfter is the smallest wait across violated dimensions, only
	// set on denial.
	RetryAfter time.Duration

	// Dimension that produced the denial (the one with the smallest
	// retry-after).
	Dimension Dimension

	// FailedOpen marks an admission granted because the backend was
	// unreachable rather than because the request was under ceiling.
	FailedOpen bool
}

// OutageNotifier receives backend-outage notifications, at most one per
// failure window.
type OutageNotifier func(ctx context.Context, err error)

const (
	keyPrefix = "rl:"

	// DefaultFailureWindow is the dedup window for outage notifications.
	DefaultFailureWindow = 30 * time.Second

	uaPrefixLen = 24
)

// Limiter is the multi-dimensional admission controller.
type Limiter struct {
	state  backend.Store
	limits Limits
	now    func() time.Time

	notifier      OutageNotifier
	failureWindow time.Duration

	mu              sync.Mutex
	notifiedEpoch   int64
	notifiedPending bool
}

// Option configures a Limiter.
type Option func(*Limiter)

// WithLimits overrides the stock policy.
func WithLimits(limits Limits) Option {
	return func(l *Limiter) {
		l.limits = limits
	}
}

// WithOutageNotifier installs the callback invoked on backend outages.
func WithOutageNotifier(fn OutageNotifier) Option {
	return func(l *Limiter) {
		l.notifier = fn
	}
}

// WithFailureWindow overrides the outage-notification dedup window.
func WithFailureWindow(d time.Duration) Option {
	return func(l *Limiter) {
		l.failureWindow = d
	}
}

// WithClock overrides the time source, used in tests.
func WithClock(now func() time.Time) Option {
	return func(l *Limiter) {
		l.now = now
	}
}

// New creates a limiter over the given state backend.
func New(state backend.Store, opts ...Option) *Limiter {
	l := &Limiter{
		state:         state,
		limits:        DefaultLimits(),
		now:           time.Now,
		failureWindow: DefaultFailureWindow,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Admit counts the request against every applicable dimension and
// returns the verdict. All dimensions are incremented even when an
// early one is already over ceiling, so the per-dimension counters stay
// truthful for the whole window.
func (l *Limiter) Admit(ctx context.Context, req Request) Decision {
	class := req.Class
	if !class.IsValid() {
		class = ClassAPI
	}
	ceilings := l.limits[class]

	now := l.now()
	var denied []Decision

	for _, dim := range dimensionOrder {
		ceiling, ok := ceilings[dim]
		if !ok || ceiling.Limit <= 0 {
			continue
		}
		value := l.dimensionValue(dim, req)
		if value == "" {
			continue
		}

		key := bucketKey(class, dim, value, now, ceiling.Window)
		count, err := l.state.IncrWithExpiry(ctx, key, ceiling.Window)
		if err != nil {
			// Fail open: admit, notify once per failure window.
			l.notifyOutage(ctx, err)
			return Decision{Allowed: true, FailedOpen: true}
		}

		if count > ceiling.Limit {
			denied = append(denied, Decision{
				RetryAfter: windowRemaining(now, ceiling.Window),
				Dimension:  dim,
			})
		}
	}

	if len(denied) == 0 {
		return Decision{Allowed: true}
	}

	// Report the smallest wait across violated dimensions.
	verdict := denied[0]
	for _, d := range denied[1:] {
		if d.RetryAfter < verdict.RetryAfter {
			verdict = d
		}
	}
	verdict.Allowed = false
	return verdict
}

func (l *Limiter) dimensionValue(dim Dimension, req Request) string {
	switch dim {
	case DimensionIP:
		return req.ClientIP
	case DimensionIPEndpoint:
		if req.ClientIP == "" || req.Path == "" {
			return ""
		}
		return req.ClientIP + "|" + req.Path
	case DimensionSubject:
		return req.Subject
	case DimensionIPUserAgent:
		if req.ClientIP == "" || req.UserAgent == "" {
			return ""
		}
		ua := req.UserAgent
		if len(ua) > uaPrefixLen {
			ua = ua[:uaPrefixLen]
		}
		return req.ClientIP + "|" + ua
	}
	return ""
}

// bucketKey embeds the window epoch so a counter can never straddle two
// logical windows.
func bucketKey(class EndpointClass, dim Dimension, value string, now time.Time, window time.Duration) string {
	epoch := now.UnixNano() / int64(window)
	// Dimension values may contain colons (IPv6); replace to keep the
	// key structure parseable.
	value = strings.ReplaceAll(value, ":", ";")
	return fmt.Sprintf("%s%s:%s:%s:%d", keyPrefix, class, dim, value, epoch)
}

func windowRemaining(now time.Time, window time.Duration) time.Duration {
	elapsed := time.Duration(now.UnixNano() % int64(window))
	return window - elapsed
}

// notifyOutage raises at most one notification per failure window.
func (l *Limiter) notifyOutage(ctx context.Context, err error) {
	if l.notifier == nil {
		return
	}

	epoch := l.now().UnixNano() / int64(l.failureWindow)

	l.mu.Lock()
	if l.notifiedPending && l.notifiedEpoch == epoch {
		l.mu.Unlock()
		return
	}
	l.notifiedEpoch = epoch
	l.notifiedPending = true
	l.mu.Unlock()

	l.notifier(ctx, err)
}
