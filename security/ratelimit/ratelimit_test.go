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

package ratelimit

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"sentinel/platform/security/backend"
)

func ipOnlyLimits(limit int64, window time.Duration) Limits {
	return Limits{
		ClassAPI: {
			DimensionIP: {Limit: limit, Window: window},
		},
	}
}

func TestAdmit_ExactCeiling(t *testing.T) {
	state := backend.NewMemoryStore()
	base := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	l := New(state,
		WithLimits(ipOnlyLimits(100, time.Minute)),
		WithClock(func() time.Time { return base }),
	)
	ctx := context.Background()
	req := Request{ClientIP: "203.0.113.7", Path: "/api/query", Class: ClassAPI}

	// Requests 1..100 are admitted, 101 onward denied: no off-by-one in
	// either direction.
	for i := 1; i <= 100; i++ {
		d := l.Admit(ctx, req)
		if !d.Allowed {
			t.Fatalf("request %d denied, want admitted", i)
		}
	}

	d := l.Admit(ctx, req)
	if d.Allowed {
		t.Fatal("request 101 admitted, want denied")
	}
	if d.RetryAfter <= 0 || d.RetryAfter > time.Minute {
		t.Errorf("retryAfter = %v, want within (0, 60s]", d.RetryAfter)
	}
	if d.Dimension != DimensionIP {
		t.Errorf("dimension = %v, want %v", d.Dimension, DimensionIP)
	}
}

func TestAdmit_WindowLapse(t *testing.T) {
	state := backend.NewMemoryStore()
	now := time.Date(2026, 8, 1, 12, 0, 30, 0, time.UTC)
	l := New(state,
		WithLimits(ipOnlyLimits(2, time.Minute)),
		WithClock(func() time.Time { return now }),
	)
	ctx := context.Background()
	req := Request{ClientIP: "203.0.113.7", Class: ClassAPI}

	l.Admit(ctx, req)
	l.Admit(ctx, req)
	if d := l.Admit(ctx, req); d.Allowed {
		t.Fatal("third request admitted, want denied")
	}

	// Next window epoch: counters reset because the bucket key changes
	now = now.Add(time.Minute)
	if d := l.Admit(ctx, req); !d.Allowed {
		t.Fatal("request in new window denied, want admitted")
	}
}

func TestAdmit_IndependentDimensions(t *testing.T) {
	state := backend.NewMemoryStore()
	l := New(state, WithLimits(ipOnlyLimits(2, time.Minute)))
	ctx := context.Background()

	// Different IPs count independently
	for i := 0; i < 2; i++ {
		if d := l.Admit(ctx, Request{ClientIP: "203.0.113.7", Class: ClassAPI}); !d.Allowed {
			t.Fatal("request denied under ceiling")
		}
	}
	if d := l.Admit(ctx, Request{ClientIP: "203.0.113.7", Class: ClassAPI}); d.Allowed {
		t.Fatal("over-ceiling request admitted")
	}
	if d := l.Admit(ctx, Request{ClientIP: "198.51.100.9", Class: ClassAPI}); !d.Allowed {
		t.Fatal("other IP denied, want admitted")
	}
}

func TestAdmit_SmallestRetryAfter(t *testing.T) {
	state := backend.NewMemoryStore()
	base := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	limits := Limits{
		ClassAPI: {
			DimensionIP:         {Limit: 1, Window: time.Hour},
			DimensionIPEndpoint: {Limit: 1, Window: time.Minute},
		},
	}
	l := New(state, WithLimits(limits), WithClock(func() time.Time { return base }))
	ctx := context.Background()
	req := Request{ClientIP: "203.0.113.7", Path: "/api/query", Class: ClassAPI}

	l.Admit(ctx, req)
	d := l.Admit(ctx, req)
	if d.Allowed {
		t.Fatal("second request admitted, want denied on both dimensions")
	}
	// Both dimensions violated; the minute window yields the smaller wait
	if d.RetryAfter > time.Minute {
		t.Errorf("retryAfter = %v, want <= 1m (smallest across violations)", d.RetryAfter)
	}
	if d.Dimension != DimensionIPEndpoint {
		t.Errorf("dimension = %v, want %v", d.Dimension, DimensionIPEndpoint)
	}
}

func TestAdmit_AuthClassStricter(t *testing.T) {
	state := backend.NewMemoryStore()
	l := New(state)
	ctx := context.Background()

	authReq := Request{ClientIP: "203.0.113.7", Path: "/auth/login", Class: ClassAuth}

	denied := false
	for i := 0; i < 30; i++ {
		if d := l.Admit(ctx, authReq); !d.Allowed {
			denied = true
			break
		}
	}
	if !denied {
		t.Error("30 auth requests all admitted; auth ceiling should be stricter")
	}

	// The same volume against the api class stays under ceiling
	state2 := backend.NewMemoryStore()
	l2 := New(state2)
	apiReq := Request{ClientIP: "203.0.113.7", Path: "/api/query", Class: ClassAPI}
	for i := 0; i < 30; i++ {
		if d := l2.Admit(ctx, apiReq); !d.Allowed {
			t.Fatalf("api request %d denied under default ceilings", i+1)
		}
	}
}

func TestAdmit_FailOpen(t *testing.T) {
	state := backend.NewMemoryStore()
	var notifications int32
	l := New(state,
		WithLimits(ipOnlyLimits(1, time.Minute)),
		WithOutageNotifier(func(ctx context.Context, err error) {
			atomic.AddInt32(&notifications, 1)
		}),
	)
	ctx := context.Background()
	req := Request{ClientIP: "203.0.113.7", Class: ClassAPI}

	state.SetFailing(true)

	// Backend down: every request admitted, marked failed-open
	for i := 0; i < 50; i++ {
		d := l.Admit(ctx, req)
		if !d.Allowed {
			t.Fatalf("request %d denied during outage, want fail-open admit", i+1)
		}
		if !d.FailedOpen {
			t.Fatalf("request %d not marked FailedOpen", i+1)
		}
	}

	// Exactly one notification for the whole failure window
	if n := atomic.LoadInt32(&notifications); n != 1 {
		t.Errorf("outage notifications = %d, want 1", n)
	}
}

func TestAdmit_OutageNotificationPerWindow(t *testing.T) {
	state := backend.NewMemoryStore()
	now := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	var notifications int32
	l := New(state,
		WithLimits(ipOnlyLimits(1, time.Minute)),
		WithFailureWindow(30*time.Second),
		WithClock(func() time.Time { return now }),
		WithOutageNotifier(func(ctx context.Context, err error) {
			atomic.AddInt32(&notifications, 1)
		}),
	)
	ctx := context.Background()
	req := Request{ClientIP: "203.0.113.7", Class: ClassAPI}

	state.SetFailing(true)

	l.Admit(ctx, req)
	l.Admit(ctx, req)
	if n := atomic.LoadInt32(&notifications); n != 1 {
		t.Fatalf("notifications in first window = %d, want 1", n)
	}

	// A new failure window raises one more
	now = now.Add(31 * time.Second)
	l.Admit(ctx, req)
	l.Admit(ctx, req)
	if n := atomic.LoadInt32(&notifications); n != 2 {
		t.Errorf("notifications after second window = %d, want 2", n)
	}
}

func TestAdmit_Concurrent(t *testing.T) {
	state := backend.NewMemoryStore()
	base := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	l := New(state,
		WithLimits(ipOnlyLimits(100, time.Minute)),
		WithClock(func() time.Time { return base }),
	)
	ctx := context.Background()
	req := Request{ClientIP: "203.0.113.7", Class: ClassAPI}

	var admitted int64
	var wg sync.WaitGroup
	for i := 0; i < 150; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if d := l.Admit(ctx, req); d.Allowed {
				atomic.AddInt64(&admitted, 1)
			}
		}()
	}
	wg.Wait()

	if admitted != 100 {
		t.Errorf("admitted = %d, want exactly 100 under atomic counting", admitted)
	}
}

func TestResolveClientIP(t *testing.T) {
	pt, err := NewProxyTrust([]string{"10.0.0.0/8", "192.168.1.1"})
	if err != nil {
		t.Fatalf("NewProxyTrust() error = %v", err)
	}

	tests := []struct {
		name      string
		peer      string
		forwarded string
		want      string
	}{
		{"no header", "203.0.113.7:4431", "", "203.0.113.7"},
		{"trusted proxy honors header", "10.1.2.3:9090", "198.51.100.9", "198.51.100.9"},
		{"trusted bare-ip proxy", "192.168.1.1:80", "198.51.100.9", "198.51.100.9"},
		{"trusted proxy chain takes first", "10.1.2.3:9090", "198.51.100.9, 10.1.2.3", "198.51.100.9"},
		{"untrusted peer ignores spoofed header", "203.0.113.7:4431", "1.2.3.4", "203.0.113.7"},
		{"malformed header falls back", "10.1.2.3:9090", "not-an-ip", "10.1.2.3"},
		{"peer without port", "203.0.113.7", "1.2.3.4", "203.0.113.7"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := pt.ResolveClientIP(tt.peer, tt.forwarded); got != tt.want {
				t.Errorf("ResolveClientIP(%q, %q) = %q, want %q", tt.peer, tt.forwarded, got, tt.want)
			}
		})
	}
}

func TestNewProxyTrust_Invalid(t *testing.T) {
	for _, bad := range []string{"not-a-cidr", "10.0.0.0/99", "300.1.1.1"} {
		if _, err := NewProxyTrust([]string{bad}); err == nil {
			t.Errorf("NewProxyTrust(%q) succeeded, want error", bad)
		}
	}
}
