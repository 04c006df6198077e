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
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"sentinel/platform/shared/logger"
)

const (
	defaultQueueSize   = 4096
	defaultWorkers     = 2
	persistMaxRetries  = 3
	persistRetryDelay  = 100 * time.Millisecond
	persistCallTimeout = 5 * time.Second
)

// persistQueue writes events to the EventStore asynchronously. Critical
// events take the synchronous path so the caller knows they landed;
// everything else is queued, with a local fallback file absorbing
// overflow and store outages so no event is silently lost.
type persistQueue struct {
	store        EventStore
	log          *logger.Logger
	queue        chan SecurityEvent
	wg           sync.WaitGroup
	fallbackFile *os.File
	mu           sync.Mutex
	closeOnce    sync.Once

	processed uint64
	failed    uint64
}

func newPersistQueue(store EventStore, log *logger.Logger, queueSize, workers int, fallbackPath string) (*persistQueue, error) {
	if queueSize <= 0 {
		queueSize = defaultQueueSize
	}
	if workers <= 0 {
		workers = defaultWorkers
	}

	var fallbackFile *os.File
	if fallbackPath != "" {
		f, err := os.OpenFile(fallbackPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0600)
		if err != nil {
			return nil, fmt.Errorf("failed to open fallback file: %w", err)
		}
		fallbackFile = f
	}

	pq := &persistQueue{
		store:        store,
		log:          log,
		queue:        make(chan SecurityEvent, queueSize),
		fallbackFile: fallbackFile,
	}

	for i := 0; i < workers; i++ {
		pq.wg.Add(1)
		go pq.worker()
	}

	return pq, nil
}

// submit persists the event. Critical severities are written
// synchronously; others are queued, spilling to the fallback file when
// the queue is full.
func (pq *persistQueue) submit(ctx context.Context, event SecurityEvent) error {
	if event.Severity == SeverityCritical {
		return pq.persist(ctx, event)
	}

	select {
	case pq.queue <- event:
		return nil
	default:
		return pq.writeFallback(event)
	}
}

func (pq *persistQueue) worker() {
	defer pq.wg.Done()

	for event := range pq.queue {
		ctx, cancel := context.WithTimeout(context.Background(), persistCallTimeout)
		err := pq.persist(ctx, event)
		cancel()

		if err != nil {
			atomic.AddUint64(&pq.failed, 1)
			if fbErr := pq.writeFallback(event); fbErr != nil {
				pq.log.Error(event.Actor, event.ID, "security event lost: store and fallback both failed",
					map[string]interface{}{"store_error": err.Error(), "fallback_error": fbErr.Error()})
			}
		}
	}
}

func (pq *persistQueue) persist(ctx context.Context, event SecurityEvent) error {
	var err error
	for attempt := 0; attempt < persistMaxRetries; attempt++ {
		if err = pq.store.Insert(ctx, event); err == nil {
			atomic.AddUint64(&pq.processed, 1)
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(persistRetryDelay * time.Duration(attempt+1)):
		}
	}
	return err
}

func (pq *persistQueue) writeFallback(event SecurityEvent) error {
	if pq.fallbackFile == nil {
		return fmt.Errorf("no fallback file configured")
	}

	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	pq.mu.Lock()
	defer pq.mu.Unlock()
	if _, err := fmt.Fprintf(pq.fallbackFile, "%s\n", data); err != nil {
		return fmt.Errorf("failed to write fallback: %w", err)
	}
	return pq.fallbackFile.Sync()
}

// shutdown drains the queue and stops the workers. Safe to call more
// than once.
func (pq *persistQueue) shutdown(ctx context.Context) error {
	pq.closeOnce.Do(func() { close(pq.queue) })

	done := make(chan struct{})
	go func() {
		pq.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		// Spill whatever remains to the fallback file.
		for event := range pq.queue {
			_ = pq.writeFallback(event)
		}
		return ctx.Err()
	}
}

func (pq *persistQueue) stats() (processed, failed uint64, pending int) {
	return atomic.LoadUint64(&pq.processed), atomic.LoadUint64(&pq.failed), len(pq.queue)
}
