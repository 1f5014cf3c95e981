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
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"flowgate/platform/shared/logger"
)

// Memory retrieval parameters: top-k nearest by cosine similarity
// above the threshold.
const (
	memoryMatchCount    = 5
	memoryThreshold     = 0.7
	maxSummaryLen       = 2000
	memoryPromptHeader  = "RELEVANT PAST INTERACTIONS:"
	defaultMemoryWeight = 0.5
)

// Memory is one retrieved past interaction.
type Memory struct {
	ID         string
	Summary    string
	ToolNames  []string
	CreatedAt  time.Time
	Similarity float64
}

// StoreMemoryParams captures one finished interaction for later recall.
type StoreMemoryParams struct {
	AgentID    string
	SessionID  string
	CommandID  string
	Command    string
	Response   string
	ToolNames  []string
	TurnCount  int
	Importance float64
}

// MemoryService retrieves and persists per-agent semantic memories.
// Every operation is best-effort: retrieval failures produce an empty
// list and storage failures are logged, never surfaced.
type MemoryService struct {
	db         *sql.DB
	embeddings *EmbeddingClient
	log        *logger.Logger
}

// NewMemoryService wires memory against storage and the embedding
// provider.
func NewMemoryService(db *sql.DB, embeddings *EmbeddingClient, log *logger.Logger) *MemoryService {
	return &MemoryService{db: db, embeddings: embeddings, log: log}
}

// BuildSummary condenses a command/response pair into one stored line,
// capped at 2,000 characters.
func BuildSummary(command, response string) string {
	summary := fmt.Sprintf("Command: %s | Response: %s", command, response)
	if len(summary) > maxSummaryLen {
		summary = summary[:maxSummaryLen]
	}
	return summary
}

// RetrieveMemories embeds the command and asks storage for the nearest
// past interactions. A failed embedding means no memories, not an
// error. Retrieved rows get their last_accessed_at touched in the
// background.
func (m *MemoryService) RetrieveMemories(ctx context.Context, agentID, command string) []Memory {
	embedding := m.embeddings.GenerateEmbedding(ctx, command)
	if embedding == nil {
		return nil
	}

	rows, err := m.db.QueryContext(ctx,
		`SELECT id, summary, tool_names, created_at, similarity
		 FROM match_agent_memories($1, $2, $3, $4)`,
		agentID, vectorLiteral(embedding), memoryMatchCount, memoryThreshold)
	if err != nil {
		m.log.Warn(agentID, "", "memory retrieval failed", map[string]interface{}{"error": err.Error()})
		return nil
	}
	defer rows.Close()

	var memories []Memory
	var ids []string
	for rows.Next() {
		var mem Memory
		var toolNames pq.StringArray
		if err := rows.Scan(&mem.ID, &mem.Summary, &toolNames, &mem.CreatedAt, &mem.Similarity); err != nil {
			m.log.Warn(agentID, "", "memory row scan failed", map[string]interface{}{"error": err.Error()})
			return memories
		}
		mem.ToolNames = []string(toolNames)
		memories = append(memories, mem)
		ids = append(ids, mem.ID)
	}
	if err := rows.Err(); err != nil {
		m.log.Warn(agentID, "", "memory retrieval failed", map[string]interface{}{"error": err.Error()})
	}

	if len(ids) > 0 {
		go m.touchMemories(ids)
	}
	return memories
}

// touchMemories updates last_accessed_at off the request path.
func (m *MemoryService) touchMemories(ids []string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := m.db.ExecContext(ctx, `SELECT touch_agent_memories($1)`, pq.Array(ids)); err != nil {
		m.log.Warn("", "", "memory touch failed", map[string]interface{}{"error": err.Error()})
	}
}

// StoreMemory embeds the interaction summary and inserts a memory row.
// Skips silently when embedding fails.
func (m *MemoryService) StoreMemory(ctx context.Context, params StoreMemoryParams) {
	summary := BuildSummary(params.Command, params.Response)
	embedding := m.embeddings.GenerateEmbedding(ctx, summary)
	if embedding == nil {
		return
	}
	importance := params.Importance
	if importance == 0 {
		importance = defaultMemoryWeight
	}
	_, err := m.db.ExecContext(ctx,
		`INSERT INTO agent_memories
		 (id, agent_id, session_id, command_id, summary, embedding, command_text, response_text, tool_names, turn_count, importance, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, NOW())`,
		uuid.New().String(), params.AgentID, params.SessionID, params.CommandID,
		summary, vectorLiteral(embedding), params.Command, params.Response,
		pq.Array(params.ToolNames), params.TurnCount, importance)
	if err != nil {
		m.log.Warn(params.AgentID, "", "memory insert failed", map[string]interface{}{"error": err.Error()})
	}
}

// FormatMemories renders retrieved memories for the system prompt:
// numbered items under a fixed header, newest metadata inline.
func FormatMemories(memories []Memory) string {
	if len(memories) == 0 {
		return ""
	}
	var b strings.Builder
	b.WriteString(memoryPromptHeader)
	b.WriteString("\n")
	for i, mem := range memories {
		tools := "none"
		if len(mem.ToolNames) > 0 {
			tools = strings.Join(mem.ToolNames, ", ")
		}
		fmt.Fprintf(&b, "%d. [%s](tools: %s) %s\n",
			i+1, mem.CreatedAt.Format("2006-01-02"), tools, mem.Summary)
	}
	return b.String()
}
