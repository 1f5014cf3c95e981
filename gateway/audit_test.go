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
	"bufio"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"flowgate/platform/shared/logger"
)

func TestAuditQueueWritesEvents(t *testing.T) {
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectExec(`SELECT log_audit_event`).
		WithArgs("agent", "agent-1", "gateway.crm.search", "", "", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))

	q := NewAuditQueue(db, 16, 1, "", logger.New("audit-test"))
	q.Emit(AuditEvent{
		ActorType: "agent",
		ActorID:   "agent-1",
		Action:    "gateway.crm.search",
		Details:   map[string]interface{}{"outcome": "success"},
	})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, q.Shutdown(ctx))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestAuditQueueFallsBackWhenStorageUnavailable(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit-fallback.jsonl")

	// No database at all: every write fails and the event lands in the
	// JSONL fallback after the retries run out.
	q := NewAuditQueue(nil, 16, 1, path, logger.New("audit-test"))
	q.Emit(AuditEvent{ActorType: "agent", ActorID: "agent-1", Action: "gateway.email.send"})

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	require.NoError(t, q.Shutdown(ctx))

	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()

	scanner := bufio.NewScanner(f)
	require.True(t, scanner.Scan(), "fallback file must contain the event")

	var event AuditEvent
	require.NoError(t, json.Unmarshal(scanner.Bytes(), &event))
	assert.Equal(t, "gateway.email.send", event.Action)
	assert.Equal(t, "agent-1", event.ActorID)
	assert.False(t, event.OccurredAt.IsZero())
}

func TestAuditQueueShutdownIsIdempotent(t *testing.T) {
	q := NewAuditQueue(nil, 4, 1, "", logger.New("audit-test"))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, q.Shutdown(ctx))
	require.NoError(t, q.Shutdown(ctx))

	// Emits after shutdown are dropped to the (absent) fallback, never a
	// panic on the closed queue.
	q.Emit(AuditEvent{Action: "gateway.after_shutdown"})
}

func TestAuditQueueEmitRacesShutdown(t *testing.T) {
	// Detached goroutines (webhook workflow launches) can still emit
	// while the queue shuts down; the send and the close are ordered by
	// the queue mutex, so no interleaving may panic.
	q := NewAuditQueue(nil, 1, 1, "", logger.New("audit-test"))

	var wg sync.WaitGroup
	start := make(chan struct{})
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			for j := 0; j < 200; j++ {
				q.Emit(AuditEvent{Action: "gateway.concurrent"})
			}
		}()
	}

	close(start)
	// The drain retries queued events against the absent storage, so
	// give the deadline room for the backoff sleeps.
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	require.NoError(t, q.Shutdown(ctx))
	wg.Wait()
}
