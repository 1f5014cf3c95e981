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
	"time"

	"github.com/google/uuid"
)

// Confirmation statuses. A pending confirmation is consumed exactly
// once: approving it admits a single matching request.
const (
	ConfirmationPending  = "pending"
	ConfirmationApproved = "approved"
	ConfirmationRejected = "rejected"
	ConfirmationConsumed = "consumed"
)

// ConfirmationStore manages the human-approval records behind
// supervised agents.
type ConfirmationStore struct {
	db *sql.DB
}

// NewConfirmationStore returns a store over the given database.
func NewConfirmationStore(db *sql.DB) *ConfirmationStore {
	return &ConfirmationStore{db: db}
}

// ConsumeApproved atomically claims an approved confirmation for the
// agent and action. It returns true when one existed and was consumed,
// so two concurrent requests can never share one approval.
func (s *ConfirmationStore) ConsumeApproved(ctx context.Context, agentID, action string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE agent_confirmations SET status = $1, decided_at = NOW()
		WHERE id = (
			SELECT id FROM agent_confirmations
			WHERE agent_id = $2 AND action = $3 AND status = $4
			ORDER BY created_at ASC
			LIMIT 1
		)`, ConfirmationConsumed, agentID, action, ConfirmationApproved)
	if err != nil {
		return false, fmt.Errorf("consume confirmation: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("consume confirmation: %w", err)
	}
	return n == 1, nil
}

// CreatePending records that a supervised agent attempted an action
// requiring human approval. Returns the confirmation id for the 202
// response.
func (s *ConfirmationStore) CreatePending(ctx context.Context, agentID, action string, params map[string]interface{}, correlationID string) (string, error) {
	id := uuid.New().String()
	paramsJSON, err := json.Marshal(params)
	if err != nil {
		paramsJSON = []byte("{}")
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO agent_confirmations (id, agent_id, action, params, correlation_id, status, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, NOW())`,
		id, agentID, action, paramsJSON, correlationID, ConfirmationPending)
	if err != nil {
		return "", fmt.Errorf("create confirmation: %w", err)
	}
	return id, nil
}

// Decide resolves a pending confirmation. decision must be "approved"
// or "rejected"; deciding anything not pending is a conflict.
func (s *ConfirmationStore) Decide(ctx context.Context, id, decision string) *apiError {
	if decision != ConfirmationApproved && decision != ConfirmationRejected {
		return errValidation("decision must be approved or rejected")
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE agent_confirmations SET status = $1, decided_at = NOW()
		WHERE id = $2 AND status = $3`, decision, id, ConfirmationPending)
	if err != nil {
		return errInternal("confirmation update failed")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return errInternal("confirmation update failed")
	}
	if n == 0 {
		exists, err := s.exists(ctx, id)
		if err != nil {
			return errInternal("confirmation lookup failed")
		}
		if !exists {
			return errNotFound("confirmation not found")
		}
		return errConflict("confirmation already decided")
	}
	return nil
}

func (s *ConfirmationStore) exists(ctx context.Context, id string) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx, `SELECT 1 FROM agent_confirmations WHERE id = $1`, id).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// PendingConfirmation is the admin-facing view of an open approval.
type PendingConfirmation struct {
	ID            string          `json:"id"`
	AgentID       string          `json:"agent_id"`
	Action        string          `json:"action"`
	Params        json.RawMessage `json:"params"`
	CorrelationID string          `json:"correlation_id,omitempty"`
	CreatedAt     time.Time       `json:"created_at"`
}

// ListPending returns open confirmations, oldest first.
func (s *ConfirmationStore) ListPending(ctx context.Context, limit int) ([]PendingConfirmation, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, agent_id, action, params, COALESCE(correlation_id, ''), created_at
		FROM agent_confirmations
		WHERE status = $1
		ORDER BY created_at ASC
		LIMIT $2`, ConfirmationPending, limit)
	if err != nil {
		return nil, fmt.Errorf("list confirmations: %w", err)
	}
	defer rows.Close()

	out := make([]PendingConfirmation, 0, limit)
	for rows.Next() {
		var c PendingConfirmation
		var params []byte
		if err := rows.Scan(&c.ID, &c.AgentID, &c.Action, &params, &c.CorrelationID, &c.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan confirmation: %w", err)
		}
		c.Params = json.RawMessage(params)
		out = append(out, c)
	}
	return out, rows.Err()
}
