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

package backend

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

func TestMemoryStore_IncrWithExpiry(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	for i := 1; i <= 3; i++ {
		count, err := store.IncrWithExpiry(ctx, "c", time.Minute)
		if err != nil {
			t.Fatalf("IncrWithExpiry failed: %v", err)
		}
		if count != int64(i) {
			t.Errorf("expected count %d, got %d", i, count)
		}
	}
}

func TestMemoryStore_IncrWithExpiry_Concurrent(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	const workers = 50
	var wg sync.WaitGroup
	wg.Add(workers)

	for i := 0; i < workers; i++ {
		go func() {
			defer wg.Done()
			_, _ = store.IncrWithExpiry(ctx, "concurrent", time.Minute)
		}()
	}
	wg.Wait()

	count, err := store.IncrWithExpiry(ctx, "concurrent", time.Minute)
	if err != nil {
		t.Fatalf("IncrWithExpiry failed: %v", err)
	}
	if count != workers+1 {
		t.Errorf("expected count %d, got %d", workers+1, count)
	}
}

func TestMemoryStore_SetNXWithTTL(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	ok, err := store.SetNXWithTTL(ctx, "k", "v", time.Minute)
	if err != nil {
		t.Fatalf("SetNXWithTTL failed: %v", err)
	}
	if !ok {
		t.Error("expected first set to succeed")
	}

	ok, err = store.SetNXWithTTL(ctx, "k", "other", time.Minute)
	if err != nil {
		t.Fatalf("second SetNXWithTTL failed: %v", err)
	}
	if ok {
		t.Error("expected second set to report false")
	}
}

func TestMemoryStore_SetOperations(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	if err := store.SetAdd(ctx, "s", "a", time.Hour); err != nil {
		t.Fatalf("SetAdd failed: %v", err)
	}
	if err := store.SetAdd(ctx, "s", "b", time.Hour); err != nil {
		t.Fatalf("SetAdd failed: %v", err)
	}

	members, err := store.SetMembers(ctx, "s")
	if err != nil {
		t.Fatalf("SetMembers failed: %v", err)
	}
	if len(members) != 2 {
		t.Errorf("expected 2 members, got %d", len(members))
	}

	if err := store.SetRemove(ctx, "s", "a"); err != nil {
		t.Fatalf("SetRemove failed: %v", err)
	}

	members, err = store.SetMembers(ctx, "s")
	if err != nil {
		t.Fatalf("SetMembers failed: %v", err)
	}
	if len(members) != 1 || members[0] != "b" {
		t.Errorf("expected [b], got %v", members)
	}
}

func TestMemoryStore_SetFailing(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	store.SetFailing(true)

	if _, err := store.IncrWithExpiry(ctx, "c", time.Minute); !errors.Is(err, ErrUnavailable) {
		t.Errorf("expected ErrUnavailable, got %v", err)
	}
	if err := store.Ping(ctx); !errors.Is(err, ErrUnavailable) {
		t.Errorf("expected ErrUnavailable from Ping, got %v", err)
	}

	store.SetFailing(false)

	if _, err := store.IncrWithExpiry(ctx, "c", time.Minute); err != nil {
		t.Errorf("expected recovery after SetFailing(false), got %v", err)
	}
}

func TestMemoryStore_Delete(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	_, _ = store.SetNXWithTTL(ctx, "k", "v", time.Minute)
	if err := store.Delete(ctx, "k"); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}

	exists, err := store.Exists(ctx, "k")
	if err != nil {
		t.Fatalf("Exists failed: %v", err)
	}
	if exists {
		t.Error("expected key to be deleted")
	}
}
