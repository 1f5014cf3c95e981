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
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
)

// Command statuses. completed, failed and cancelled are absorbing: the
// guarded UPDATE in Transition refuses to move a command out of them.
const (
	CommandStatusPending    = "pending"
	CommandStatusProcessing = "processing"
	CommandStatusCompleted  = "completed"
	CommandStatusFailed     = "failed"
	CommandStatusCancelled  = "cancelled"
)

// ErrCommandNotFound is returned when a command id matches no row.
var ErrCommandNotFound = errors.New("command not found")

// ErrCommandTerminal is returned when a transition targets a command
// already in a terminal state.
var ErrCommandTerminal = errors.New("command is in a terminal state")

// AgentCommand is one unit of asynchronous agent work.
type AgentCommand struct {
	ID       string
	AgentID  string
	Command  string
	Status   string
	Metadata map[string]interface{}
}

// CommandStore reads and transitions agent_commands rows.
type CommandStore struct {
	db *sql.DB
}

// NewCommandStore wraps the storage handle.
func NewCommandStore(db *sql.DB) *CommandStore {
	return &CommandStore{db: db}
}

// Create inserts a pending command and returns its id.
func (s *CommandStore) Create(ctx context.Context, agentID, command string, metadata map[string]interface{}) (string, error) {
	id := uuid.New().String()
	metaJSON, err := json.Marshal(metadata)
	if err != nil {
		return "", fmt.Errorf("encode command metadata: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO agent_commands (id, agent_id, command, status, metadata, created_at)
		 VALUES ($1, $2, $3, $4, $5, NOW())`,
		id, agentID, command, CommandStatusPending, metaJSON)
	if err != nil {
		return "", fmt.Errorf("insert command: %w", err)
	}
	return id, nil
}

// Read returns a command's status and metadata. Pollers call this
// every tick; cancellation shows up as a status change here.
func (s *CommandStore) Read(ctx context.Context, id string) (string, map[string]interface{}, error) {
	var status string
	var metaJSON []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT status, metadata FROM agent_commands WHERE id = $1`, id).
		Scan(&status, &metaJSON)
	if err == sql.ErrNoRows {
		return "", nil, ErrCommandNotFound
	}
	if err != nil {
		return "", nil, fmt.Errorf("read command: %w", err)
	}
	metadata := map[string]interface{}{}
	if len(metaJSON) > 0 {
		if err := json.Unmarshal(metaJSON, &metadata); err != nil {
			return "", nil, fmt.Errorf("decode command metadata: %w", err)
		}
	}
	return status, metadata, nil
}

// Transition moves a command to a new status, merging metadata into the
// existing document. The WHERE clause excludes terminal states so a
// completed, failed or cancelled command never changes again.
func (s *CommandStore) Transition(ctx context.Context, id, status string, metadata map[string]interface{}) error {
	metaJSON, err := json.Marshal(metadata)
	if err != nil {
		return fmt.Errorf("encode transition metadata: %w", err)
	}
	result, err := s.db.ExecContext(ctx,
		`UPDATE agent_commands
		 SET status = $2, metadata = COALESCE(metadata, '{}'::jsonb) || $3::jsonb, updated_at = NOW()
		 WHERE id = $1 AND status NOT IN ('completed', 'failed', 'cancelled')`,
		id, status, metaJSON)
	if err != nil {
		return fmt.Errorf("transition command: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("transition command: %w", err)
	}
	if affected == 0 {
		return ErrCommandTerminal
	}
	return nil
}
