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
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
)

func TestPostgresStore_Insert(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New() error = %v", err)
	}
	defer db.Close()

	store := NewPostgresStore(db, DefaultRetention)

	event := NewEvent(EventThreatSignatureDetected, SeverityHigh, "threat").
		WithActor("user-42").
		WithClientIP("203.0.113.7").
		WithMetadata("category", "prompt_injection")

	mock.ExpectExec("INSERT INTO security_events").
		WithArgs(
			event.ID,
			string(EventThreatSignatureDetected),
			string(SeverityHigh),
			"threat",
			"user-42",
			"203.0.113.7",
			event.Timestamp,
			sqlmock.AnyArg(),
		).
		WillReturnResult(sqlmock.NewResult(0, 1))

	if err := store.Insert(context.Background(), event); err != nil {
		t.Fatalf("Insert() error = %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestPostgresStore_InsertNullsEmptyActor(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New() error = %v", err)
	}
	defer db.Close()

	store := NewPostgresStore(db, DefaultRetention)
	event := NewEvent(EventBackendUnavailable, SeverityHigh, "ratelimit")

	mock.ExpectExec("INSERT INTO security_events").
		WithArgs(
			event.ID,
			string(EventBackendUnavailable),
			string(SeverityHigh),
			"ratelimit",
			nil,
			nil,
			event.Timestamp,
			nil,
		).
		WillReturnResult(sqlmock.NewResult(0, 1))

	if err := store.Insert(context.Background(), event); err != nil {
		t.Fatalf("Insert() error = %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestPostgresStore_Purge(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New() error = %v", err)
	}
	defer db.Close()

	store := NewPostgresStore(db, DefaultRetention)
	cutoff := time.Date(2025, 8, 31, 0, 0, 0, 0, time.UTC)

	mock.ExpectExec("DELETE FROM security_events").
		WithArgs(cutoff).
		WillReturnResult(sqlmock.NewResult(0, 1234))

	purged, err := store.Purge(context.Background(), cutoff)
	if err != nil {
		t.Fatalf("Purge() error = %v", err)
	}
	if purged != 1234 {
		t.Errorf("purged = %d, want 1234", purged)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestPostgresStore_Migrate(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New() error = %v", err)
	}
	defer db.Close()

	store := NewPostgresStore(db, DefaultRetention)

	mock.ExpectExec("CREATE TABLE IF NOT EXISTS security_events").
		WillReturnResult(sqlmock.NewResult(0, 0))

	if err := store.Migrate(context.Background()); err != nil {
		t.Fatalf("Migrate() error = %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestPostgresStore_RetentionCutoff(t *testing.T) {
	store := NewPostgresStore(nil, 0)
	now := time.Date(2026, 8, 31, 12, 0, 0, 0, time.UTC)

	cutoff := store.RetentionCutoff(now)
	if want := now.Add(-DefaultRetention); !cutoff.Equal(want) {
		t.Errorf("cutoff = %v, want %v (one year default)", cutoff, want)
	}
}
