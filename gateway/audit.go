// Copyright 2025 FlowGate
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
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	"flowgate/platform/shared/logger"
)

// AuditEvent is one append-only audit record.
type AuditEvent struct {
	ActorType    string                 `json:"actor_type"`
	ActorID      string                 `json:"actor_id"`
	Action       string                 `json:"action"`
	ResourceType string                 `json:"resource_type,omitempty"`
	ResourceID   string                 `json:"resource_id,omitempty"`
	Details      map[string]interface{} `json:"details,omitempty"`
	OccurredAt   time.Time              `json:"occurred_at"`
}

const (
	auditMaxRetries   = 3
	auditRetryBackoff = 250 * time.Millisecond
)

// AuditQueue writes audit events asynchronously so logging latency and
// storage hiccups never sit on the request path. Events that exhaust
// their retries, or that arrive while the queue is full, go to a JSONL
// fallback file instead of being dropped silently.
type AuditQueue struct {
	db      *sql.DB
	queue   chan AuditEvent
	workers int
	wg      sync.WaitGroup
	log     *logger.Logger

	mu           sync.Mutex
	fallbackFile *os.File
	closed       bool
}

// NewAuditQueue starts the queue workers. fallbackPath may be empty, in
// which case overflow events are only counted in logs.
func NewAuditQueue(db *sql.DB, queueSize, workers int, fallbackPath string, log *logger.Logger) *AuditQueue {
	if queueSize <= 0 {
		queueSize = 1024
	}
	if workers <= 0 {
		workers = 2
	}

	q := &AuditQueue{
		db:      db,
		queue:   make(chan AuditEvent, queueSize),
		workers: workers,
		log:     log,
	}

	if fallbackPath != "" {
		f, err := os.OpenFile(fallbackPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0600)
		if err != nil {
			log.Warn("", "", "audit fallback file unavailable", map[string]interface{}{
				"path": fallbackPath, "error": err.Error(),
			})
		} else {
			q.fallbackFile = f
		}
	}

	for i := 0; i < workers; i++ {
		q.wg.Add(1)
		go q.worker()
	}
	return q
}

// Emit enqueues an event. It never blocks: when the queue is full the
// event goes straight to the fallback file.
func (q *AuditQueue) Emit(event AuditEvent) {
	if event.OccurredAt.IsZero() {
		event.OccurredAt = time.Now().UTC()
	}

	// The send happens under the same mutex Shutdown takes before
	// closing the channel, so a late Emit sees closed=true instead of
	// sending on a closed channel.
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		q.writeFallback(event)
		return
	}
	select {
	case q.queue <- event:
		q.mu.Unlock()
		return
	default:
	}
	q.mu.Unlock()

	q.log.Warn("", "", "audit queue full, writing event to fallback", map[string]interface{}{
		"action": event.Action,
	})
	q.writeFallback(event)
}

func (q *AuditQueue) worker() {
	defer q.wg.Done()
	for event := range q.queue {
		q.deliver(event)
	}
}

// deliver retries storage writes inline. Retrying inside the worker
// keeps the queue channel send-free, so Shutdown can close it without
// racing a re-enqueue.
func (q *AuditQueue) deliver(event AuditEvent) {
	for attempt := 0; attempt <= auditMaxRetries; attempt++ {
		if attempt > 0 {
			time.Sleep(auditRetryBackoff * time.Duration(attempt))
		}
		if err := q.writeEvent(event); err == nil {
			return
		}
	}
	q.writeFallback(event)
}

// writeEvent persists one event through the log_audit_event primitive.
func (q *AuditQueue) writeEvent(event AuditEvent) error {
	if q.db == nil {
		return fmt.Errorf("audit storage not configured")
	}
	details, err := json.Marshal(event.Details)
	if err != nil {
		details = []byte("{}")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, err = q.db.ExecContext(ctx,
		`SELECT log_audit_event($1, $2, $3, $4, $5, $6)`,
		event.ActorType, event.ActorID, event.Action, event.ResourceType, event.ResourceID, details)
	if err != nil {
		q.log.Warn("", "", "audit event write failed", map[string]interface{}{
			"action": event.Action, "error": err.Error(),
		})
	}
	return err
}

// writeFallback appends the event as one JSON line to the fallback file.
func (q *AuditQueue) writeFallback(event AuditEvent) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.fallbackFile == nil {
		return
	}
	line, err := json.Marshal(event)
	if err != nil {
		return
	}
	if _, err := q.fallbackFile.Write(append(line, '\n')); err != nil {
		q.log.Error("", "", "audit fallback write failed", map[string]interface{}{"error": err.Error()})
	}
}

// Shutdown stops intake and drains queued events, bounded by ctx.
func (q *AuditQueue) Shutdown(ctx context.Context) error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return nil
	}
	q.closed = true
	q.mu.Unlock()

	close(q.queue)

	done := make(chan struct{})
	go func() {
		q.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	if q.fallbackFile != nil {
		return q.fallbackFile.Close()
	}
	return nil
}
