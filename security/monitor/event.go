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

// Package monitor is the event-driven security monitoring component:
// the sole consumer of SecurityEvents emitted by the defense pipeline.
// It persists events asynchronously, accounts them against per-SLO
// error budgets, runs correlation rules, and routes alerts by severity
// tier with acknowledgement deadlines and auto-escalation.
package monitor

import (
	"time"

	"github.com/google/uuid"
)

// EventType is the closed taxonomy of security events.
type EventType string

const (
	// EventAuthenticationRejected covers expired, invalid, revoked, and
	// audience-mismatched tokens.
	EventAuthenticationRejected EventType = "authentication_rejected"

	// EventRateLimitExceeded carries the retry-after in its metadata.
	EventRateLimitExceeded EventType = "rate_limit_exceeded"

	// EventThreatSignatureDetected carries the signature category. The
	// offending payload never appears in the event; only the sanitized
	// snippet does.
	EventThreatSignatureDetected EventType = "threat_signature_detected"

	// EventEncryptionFailure covers context mismatches and tamper
	// detection.
	EventEncryptionFailure EventType = "encryption_failure"

	// EventBackendUnavailable is infrastructure-level: the distributed
	// state backend could not be reached.
	EventBackendUnavailable EventType = "backend_unavailable"
)

// Severity tiers, ordered from most to least urgent.
type Severity string

const (
	SeverityCritical Severity = "critical"
	SeverityHigh     Severity = "high"
	SeverityMedium   Severity = "medium"
	SeverityLow      Severity = "low"
)

// severityRank orders tiers for escalation; lower is more urgent.
func severityRank(s Severity) int {
	switch s {
	case SeverityCritical:
		return 0
	case SeverityHigh:
		return 1
	case SeverityMedium:
		return 2
	default:
		return 3
	}
}

// SecurityEvent is an immutable record of a security-relevant outcome.
// Fields are set once by NewEvent and never mutated afterwards.
type SecurityEvent struct {
	ID        string            `json:"id"`
	Type      EventType         `json:"type"`
	Severity  Severity          `json:"severity"`
	Source    string            `json:"source"`
	Actor     string            `json:"actor,omitempty"`
	ClientIP  string            `json:"client_ip,omitempty"`
	Timestamp time.Time         `json:"timestamp"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// NewEvent creates a SecurityEvent with a fresh id and timestamp.
// Source names the emitting component ("ratelimit", "token", "threat",
// "crypto", "gateway").
func NewEvent(eventType EventType, severity Severity, source string) SecurityEvent {
	return SecurityEvent{
		ID:        uuid.NewString(),
		Type:      eventType,
		Severity:  severity,
		Source:    source,
		Timestamp: time.Now().UTC(),
	}
}

// WithActor returns a copy with the actor set.
func (e SecurityEvent) WithActor(actor string) SecurityEvent {
	e.Actor = actor
	return e
}

// WithClientIP returns a copy with the client IP set.
func (e SecurityEvent) WithClientIP(ip string) SecurityEvent {
	e.ClientIP = ip
	return e
}

// WithMetadata returns a copy with one metadata entry added.
func (e SecurityEvent) WithMetadata(key, value string) SecurityEvent {
	meta := make(map[string]string, len(e.Metadata)+1)
	for k, v := range e.Metadata {
		meta[k] = v
	}
	meta[key] = value
	e.Metadata = meta
	return e
}
