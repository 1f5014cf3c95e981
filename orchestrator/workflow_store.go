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
	"sync"
	"time"
)

// ErrWorkflowNotFound is returned when a workflow id matches no row.
var ErrWorkflowNotFound = errors.New("workflow not found")

// WorkflowStore persists workflow definitions and run state. The
// engine writes step_results after every step so a crashed process
// leaves an accurate prefix.
type WorkflowStore interface {
	GetWorkflow(ctx context.Context, id string) (*Workflow, error)
	CreateRun(ctx context.Context, run *WorkflowRun) error
	UpdateRunSteps(ctx context.Context, runID string, results []StepResult) error
	CompleteRun(ctx context.Context, runID, status string, results []StepResult, runErr string) error
}

// SQLWorkflowStore is the lib/pq-backed store.
type SQLWorkflowStore struct {
	db *sql.DB
}

// NewSQLWorkflowStore wraps the storage handle.
func NewSQLWorkflowStore(db *sql.DB) *SQLWorkflowStore {
	return &SQLWorkflowStore{db: db}
}

// GetWorkflow loads and validates a definition. Invalid stored steps
// surface as a ValidationError, not a storage error.
func (s *SQLWorkflowStore) GetWorkflow(ctx context.Context, id string) (*Workflow, error) {
	var w Workflow
	var stepsJSON, triggerConfigJSON []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT id, name, trigger_type, trigger_config, steps, is_active
		 FROM workflows WHERE id = $1`, id).
		Scan(&w.ID, &w.Name, &w.TriggerType, &triggerConfigJSON, &stepsJSON, &w.IsActive)
	if err == sql.ErrNoRows {
		return nil, ErrWorkflowNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load workflow: %w", err)
	}

	if len(triggerConfigJSON) > 0 {
		if err := json.Unmarshal(triggerConfigJSON, &w.TriggerConfig); err != nil {
			return nil, fmt.Errorf("decode trigger config: %w", err)
		}
	}
	steps, err := ParseWorkflowSteps(stepsJSON)
	if err != nil {
		return nil, err
	}
	w.Steps = steps
	return &w, nil
}

// CreateRun inserts the running row.
func (s *SQLWorkflowStore) CreateRun(ctx context.Context, run *WorkflowRun) error {
	triggerJSON, err := json.Marshal(run.TriggerData)
	if err != nil {
		return fmt.Errorf("encode trigger data: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO workflow_runs (id, workflow_id, status, trigger_type, trigger_data, step_results, started_at)
		 VALUES ($1, $2, $3, $4, $5, '[]'::jsonb, $6)`,
		run.ID, run.WorkflowID, run.Status, run.TriggerType, triggerJSON, run.StartedAt)
	if err != nil {
		return fmt.Errorf("insert workflow run: %w", err)
	}
	return nil
}

// UpdateRunSteps overwrites the growing step_results list.
func (s *SQLWorkflowStore) UpdateRunSteps(ctx context.Context, runID string, results []StepResult) error {
	resultsJSON, err := json.Marshal(results)
	if err != nil {
		return fmt.Errorf("encode step results: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`UPDATE workflow_runs SET step_results = $2 WHERE id = $1`,
		runID, resultsJSON)
	if err != nil {
		return fmt.Errorf("update step results: %w", err)
	}
	return nil
}

// CompleteRun writes the terminal run state.
func (s *SQLWorkflowStore) CompleteRun(ctx context.Context, runID, status string, results []StepResult, runErr string) error {
	resultsJSON, err := json.Marshal(results)
	if err != nil {
		return fmt.Errorf("encode step results: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`UPDATE workflow_runs SET status = $2, step_results = $3, error = NULLIF($4, ''), completed_at = NOW()
		 WHERE id = $1`,
		runID, status, resultsJSON, runErr)
	if err != nil {
		return fmt.Errorf("complete workflow run: %w", err)
	}
	return nil
}

// MemoryWorkflowStore is the in-process store used by engine tests.
type MemoryWorkflowStore struct {
	mu        sync.Mutex
	Workflows map[string]*Workflow
	Runs      map[string]*WorkflowRun
}

// NewMemoryWorkflowStore builds an empty in-memory store.
func NewMemoryWorkflowStore() *MemoryWorkflowStore {
	return &MemoryWorkflowStore{
		Workflows: map[string]*Workflow{},
		Runs:      map[string]*WorkflowRun{},
	}
}

func (s *MemoryWorkflowStore) GetWorkflow(ctx context.Context, id string) (*Workflow, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	w, ok := s.Workflows[id]
	if !ok {
		return nil, ErrWorkflowNotFound
	}
	return w, nil
}

func (s *MemoryWorkflowStore) CreateRun(ctx context.Context, run *WorkflowRun) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	copied := *run
	s.Runs[run.ID] = &copied
	return nil
}

func (s *MemoryWorkflowStore) UpdateRunSteps(ctx context.Context, runID string, results []StepResult) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	run, ok := s.Runs[runID]
	if !ok {
		return fmt.Errorf("run %s not found", runID)
	}
	run.StepResults = append([]StepResult(nil), results...)
	return nil
}

func (s *MemoryWorkflowStore) CompleteRun(ctx context.Context, runID, status string, results []StepResult, runErr string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	run, ok := s.Runs[runID]
	if !ok {
		return fmt.Errorf("run %s not found", runID)
	}
	run.Status = status
	run.StepResults = append([]StepResult(nil), results...)
	run.Error = runErr
	now := time.Now()
	run.CompletedAt = &now
	return nil
}
