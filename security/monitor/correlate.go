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

package monitor

import (
	"fmt"
	"sync"
	"time"
)

// CorrelationRule escalates N matching events from the same actor
// within a sliding window into a single correlated alert. Deduplication
// is built in: once the rule fires for an actor, it stays silent for
// that actor until the window slides past the burst, so a brute-force
// run raises one alert instead of hundreds.
type CorrelationRule struct {
	Name string `yaml:"name" json:"name"`

	// EventType the rule watches.
	EventType EventType `yaml:"event_type" json:"event_type"`

	// Threshold is the event count that triggers the rule.
	Threshold int `yaml:"threshold" json:"threshold"`

	// Window is the sliding window length.
	Window time.Duration `yaml:"window" json:"window"`

	// AlertSeverity of the correlated alert.
	AlertSeverity Severity `yaml:"alert_severity" json:"alert_severity"`
}

// DefaultCorrelationRules returns the stock rules.
func DefaultCorrelationRules() []CorrelationRule {
	return []CorrelationRule{
		{
			Name:          "auth_failure_burst",
			EventType:     EventAuthenticationRejected,
			Threshold:     5,
			Window:        5 * time.Minute,
			AlertSeverity: SeverityHigh,
		},
		{
			Name:          "threat_signature_burst",
			EventType:     EventThreatSignatureDetected,
			Threshold:     10,
			Window:        5 * time.Minute,
			AlertSeverity: SeverityHigh,
		},
	}
}

// correlation output when a rule fires.
type correlation struct {
	rule  CorrelationRule
	actor string
	count int
}

func (c correlation) title() string {
	return fmt.Sprintf("correlated: %s", c.rule.Name)
}

func (c correlation) detail() string {
	return fmt.Sprintf("%d %s events from actor %q within %s",
		c.count, c.rule.EventType, c.actor, c.rule.Window)
}

type actorWindow struct {
	timestamps []time.Time
	fired      bool
}

// sweepInterval paces eviction of actors that stopped sending events.
// Without it, one map entry per distinct pre-auth IP would accumulate
// for the process lifetime.
const sweepInterval = time.Minute

// correlator tracks per-actor sliding windows for every rule.
type correlator struct {
	mu        sync.Mutex
	rules     []CorrelationRule
	byRule    []map[string]*actorWindow
	now       func() time.Time
	lastSweep time.Time
}

func newCorrelator(rules []CorrelationRule, now func() time.Time) *correlator {
	c := &correlator{
		rules:     rules,
		byRule:    make([]map[string]*actorWindow, len(rules)),
		now:       now,
		lastSweep: now(),
	}
	for i := range rules {
		c.byRule[i] = make(map[string]*actorWindow)
	}
	return c
}

// sweepLocked drops every actor whose newest event has aged out of its
// rule's window. Caller holds mu.
func (c *correlator) sweepLocked(now time.Time) {
	c.lastSweep = now
	for i, rule := range c.rules {
		cutoff := now.Add(-rule.Window)
		for actor, win := range c.byRule[i] {
			n := len(win.timestamps)
			if n == 0 || !win.timestamps[n-1].After(cutoff) {
				delete(c.byRule[i], actor)
			}
		}
	}
}

// observe records the event and returns any correlations that fired.
// Events without an actor fall back to the client IP; events with
// neither cannot be correlated.
func (c *correlator) observe(event SecurityEvent) []correlation {
	actor := event.Actor
	if actor == "" {
		actor = event.ClientIP
	}
	if actor == "" {
		return nil
	}

	now := c.now()

	c.mu.Lock()
	defer c.mu.Unlock()

	if now.Sub(c.lastSweep) >= sweepInterval {
		c.sweepLocked(now)
	}

	var fired []correlation
	for i, rule := range c.rules {
		if rule.EventType != event.Type {
			continue
		}

		win := c.byRule[i][actor]
		if win == nil {
			win = &actorWindow{}
			c.byRule[i][actor] = win
		}

		// Slide: drop timestamps outside the window. Once the burst
		// fully ages out, the dedup latch resets so a later burst can
		// alert again.
		cutoff := now.Add(-rule.Window)
		kept := win.timestamps[:0]
		for _, ts := range win.timestamps {
			if ts.After(cutoff) {
				kept = append(kept, ts)
			}
		}
		win.timestamps = kept
		if len(win.timestamps) == 0 {
			win.fired = false
		}

		win.timestamps = append(win.timestamps, now)

		if len(win.timestamps) >= rule.Threshold && !win.fired {
			win.fired = true
			fired = append(fired, correlation{rule: rule, actor: actor, count: len(win.timestamps)})
		}
	}
	return fired
}
