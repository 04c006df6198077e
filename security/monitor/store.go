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
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// EventStore persists SecurityEvents for audit and forensics.
type EventStore interface {
	Insert(ctx context.Context, event SecurityEvent) error

	// Purge removes events older than the cutoff, returning the number
	// removed.
	Purge(ctx context.Context, olderThan time.Time) (int64, error)

	Close() error
}

// DefaultRetention keeps security events for one year, the compliance
// floor for audit trails.
const DefaultRetention = 365 * 24 * time.Hour

// securityEventsSchema creates the events table. Executed on startup;
// idempotent.
const securityEventsSchema = `
CREATE TABLE IF NOT EXISTS security_events (
    id          UUID PRIMARY KEY,
    event_type  VARCHAR(64) NOT NULL,
    severity    VARCHAR(16) NOT NULL,
    source      VARCHAR(64) NOT NULL,
    actor       VARCHAR(255),
    client_ip   VARCHAR(64),
    occurred_at TIMESTAMPTZ NOT NULL,
    metadata    JSONB,
    created_at  TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
CREATE INDEX IF NOT EXISTS idx_security_events_occurred_at ON security_events (occurred_at);
CREATE INDEX IF NOT EXISTS idx_security_events_actor ON security_events (actor, occurred_at);
`

// PostgresStore is the production EventStore over lib/pq.
type PostgresStore struct {
	db        *sql.DB
	retention time.Duration
}

// NewPostgresStore wraps an open database handle. Migrate must be
// called once before inserts.
func NewPostgresStore(db *sql.DB, retention time.Duration) *PostgresStore {
	if retention <= 0 {
		retention = DefaultRetention
	}
	return &PostgresStore{db: db, retention: retention}
}

// Migrate applies the events schema.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, securityEventsSchema); err != nil {
		return fmt.Errorf("failed to migrate security_events: %w", err)
	}
	return nil
}

// Insert persists one event.
func (s *PostgresStore) Insert(ctx context.Context, event SecurityEvent) error {
	var metadata []byte
	if len(event.Metadata) > 0 {
		var err error
		metadata, err = json.Marshal(event.Metadata)
		if err != nil {
			return fmt.Errorf("failed to marshal event metadata: %w", err)
		}
	}

	const query = `
		INSERT INTO security_events (id, event_type, severity, source, actor, client_ip, occurred_at, metadata)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`
	_, err := s.db.ExecContext(ctx, query,
		event.ID,
		string(event.Type),
		string(event.Severity),
		event.Source,
		nullable(event.Actor),
		nullable(event.ClientIP),
		event.Timestamp,
		metadata,
	)
	if err != nil {
		return fmt.Errorf("failed to insert security event: %w", err)
	}
	return nil
}

// Purge deletes events past the retention cutoff.
func (s *PostgresStore) Purge(ctx context.Context, olderThan time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM security_events WHERE occurred_at < $1`, olderThan)
	if err != nil {
		return 0, fmt.Errorf("failed to purge security events: %w", err)
	}
	return res.RowsAffected()
}

// RetentionCutoff returns the oldest timestamp the store should keep.
func (s *PostgresStore) RetentionCutoff(now time.Time) time.Time {
	return now.Add(-s.retention)
}

// Close releases the underlying handle.
func (s *PostgresStore) Close() error {
	return s.db.Close()
}

func nullable(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

// NopStore discards events, used when no database is configured.
type NopStore struct{}

func (NopStore) Insert(context.Context, SecurityEvent) error     { return nil }
func (NopStore) Purge(context.Context, time.Time) (int64, error) { return 0, nil }
func (NopStore) Close() error                                    { return nil }
