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

package orchestrator

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"flowgate/platform/shared/logger"
)

func TestBuildSummaryCapsLength(t *testing.T) {
	long := strings.Repeat("x", 3000)
	summary := BuildSummary(long, long)
	assert.LessOrEqual(t, len(summary), maxSummaryLen)
	assert.True(t, strings.HasPrefix(summary, "Command: "))
}

func TestBuildSummaryShortInputs(t *testing.T) {
	summary := BuildSummary("list contacts", "3 contacts found")
	assert.Equal(t, "Command: list contacts | Response: 3 contacts found", summary)
}

func TestFormatMemories(t *testing.T) {
	created := time.Date(2025, 3, 14, 10, 0, 0, 0, time.UTC)
	block := FormatMemories([]Memory{
		{Summary: "sent weekly digest", ToolNames: []string{"email_send", "crm_search"}, CreatedAt: created},
		{Summary: "cleaned stale contacts", CreatedAt: created.AddDate(0, 0, 1)},
	})

	assert.True(t, strings.HasPrefix(block, memoryPromptHeader))
	assert.Contains(t, block, "1. [2025-03-14](tools: email_send, crm_search) sent weekly digest")
	assert.Contains(t, block, "2. [2025-03-15](tools: none) cleaned stale contacts")
}

func TestFormatMemoriesEmpty(t *testing.T) {
	assert.Empty(t, FormatMemories(nil))
}

func TestRetrieveMemoriesWithoutEmbeddingProvider(t *testing.T) {
	log := logger.New("memory-test")
	embeddings := NewEmbeddingClient("", "", "", nil, log)
	memory := NewMemoryService(nil, embeddings, log)

	// No provider configured: retrieval short-circuits before storage.
	assert.Nil(t, memory.RetrieveMemories(context.Background(), "agent-1", "find contacts"))
}

func TestStoreMemoryPersistsInteractionTexts(t *testing.T) {
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	defer db.Close()

	transport := &fakeEmbeddingTransport{body: `{"data": [{"embedding": [0.1, 0.2, 0.3]}]}`}
	log := logger.New("memory-test")
	embeddings := NewEmbeddingClient("key", "https://embed.example.com", "", nil, log)
	embeddings.SetHTTPClient(transport)
	memory := NewMemoryService(db, embeddings, log)

	// The row keeps the raw command and response alongside the summary.
	mock.ExpectExec(`INSERT INTO agent_memories`).
		WithArgs(sqlmock.AnyArg(), "agent-1", "session-1", "cmd-1",
			"Command: list contacts | Response: 3 contacts found",
			"[0.1,0.2,0.3]", "list contacts", "3 contacts found",
			pq.Array([]string{"crm_search"}), 2, 0.5).
		WillReturnResult(sqlmock.NewResult(0, 1))

	memory.StoreMemory(context.Background(), StoreMemoryParams{
		AgentID:   "agent-1",
		SessionID: "session-1",
		CommandID: "cmd-1",
		Command:   "list contacts",
		Response:  "3 contacts found",
		ToolNames: []string{"crm_search"},
		TurnCount: 2,
	})
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestVectorLiteral(t *testing.T) {
	assert.Equal(t, "[0.5,-1,2.25]", vectorLiteral([]float32{0.5, -1, 2.25}))
	assert.Equal(t, "[]", vectorLiteral(nil))
}
