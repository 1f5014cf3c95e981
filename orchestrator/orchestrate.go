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
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
	"golang.org/x/sync/errgroup"

	"flowgate/platform/shared/logger"
)

// Merge strategies.
const (
	StrategyFirstCompleted = "first_completed"
	StrategyBestScore      = "best_score"
	StrategyMergeAll       = "merge_all"
	StrategyConsensus      = "consensus"
)

// defaultOrchestrationTimeoutMS bounds fan-out below the gateway's own
// request limit.
const defaultOrchestrationTimeoutMS = 20000

// msgNoAgentsCompleted is the merged output when every agent failed or
// timed out, regardless of strategy.
const msgNoAgentsCompleted = "No agents completed successfully."

// OrchestrateRequest fans one command out to several agents.
type OrchestrateRequest struct {
	Command   string   `json:"command"`
	AgentIDs  []string `json:"agent_ids"`
	Strategy  string   `json:"strategy,omitempty"`
	TimeoutMS int      `json:"timeout_ms,omitempty"`
}

// AgentResult is one agent's terminal contribution to a run.
type AgentResult struct {
	AgentID    string   `json:"agent_id"`
	AgentName  string   `json:"agent_name,omitempty"`
	Status     string   `json:"status"`
	Response   string   `json:"response,omitempty"`
	ToolCalls  int      `json:"tool_calls,omitempty"`
	Turns      int      `json:"turns,omitempty"`
	Score      *float64 `json:"score,omitempty"`
	DurationMS int64    `json:"duration_ms"`
	Error      string   `json:"error,omitempty"`
}

// OrchestrateResult is the merged outcome of a fan-out run.
type OrchestrateResult struct {
	OrchestrationRunID string        `json:"orchestration_run_id"`
	Status             string        `json:"status"`
	MergedResponse     string        `json:"merged_response"`
	AgentResults       []AgentResult `json:"agent_results"`
	DurationMS         int64         `json:"duration_ms"`
}

// Orchestrator fans a command out to agents concurrently and merges
// their results under a single deadline.
type Orchestrator struct {
	db       *sql.DB
	executor *Executor
	log      *logger.Logger
}

// NewOrchestrator wires fan-out against the executor.
func NewOrchestrator(db *sql.DB, executor *Executor, log *logger.Logger) *Orchestrator {
	return &Orchestrator{db: db, executor: executor, log: log}
}

// Orchestrate runs the full fan-out protocol: persist the run and its
// pending per-agent rows, dispatch concurrently under one deadline,
// persist terminal rows, merge, and close out the run.
func (o *Orchestrator) Orchestrate(ctx context.Context, req OrchestrateRequest, correlationID string) (*OrchestrateResult, error) {
	if len(req.AgentIDs) == 0 {
		return nil, fmt.Errorf("agent_ids must not be empty")
	}
	strategy := req.Strategy
	if strategy == "" {
		strategy = StrategyMergeAll
	}
	timeoutMS := req.TimeoutMS
	if timeoutMS <= 0 || timeoutMS > defaultOrchestrationTimeoutMS {
		timeoutMS = defaultOrchestrationTimeoutMS
	}

	start := time.Now()
	runID := uuid.New().String()

	if err := o.createRun(ctx, runID, req, strategy); err != nil {
		return nil, err
	}

	names := o.agentNames(ctx, req.AgentIDs)

	fanoutCtx, cancel := context.WithTimeout(ctx, time.Duration(timeoutMS)*time.Millisecond)
	defer cancel()

	results := make([]AgentResult, len(req.AgentIDs))
	g, gctx := errgroup.WithContext(fanoutCtx)
	for i, agentID := range req.AgentIDs {
		i, agentID := i, agentID
		g.Go(func() error {
			results[i] = o.dispatchToAgent(gctx, agentID, req.Command, correlationID)
			return nil
		})
	}
	g.Wait()

	for i := range results {
		results[i].AgentName = names[results[i].AgentID]
		o.persistAgentResult(ctx, runID, results[i])
	}

	merged := mergeResults(strategy, results)
	status := runStatus(results)
	duration := time.Since(start)

	o.completeRun(ctx, runID, status, merged, results)
	o.markMessagesDelivered(ctx, runID)
	promFanout.WithLabelValues(strategy, status).Inc()

	o.log.InfoWithDuration("", correlationID, "orchestration complete",
		float64(duration.Milliseconds()),
		map[string]interface{}{"run_id": runID, "strategy": strategy, "status": status, "agents": len(req.AgentIDs)})

	return &OrchestrateResult{
		OrchestrationRunID: runID,
		Status:             status,
		MergedResponse:     merged,
		AgentResults:       results,
		DurationMS:         duration.Milliseconds(),
	}, nil
}

// createRun inserts the running row, one pending response per agent,
// and one task message per agent on the run's synthetic channel.
func (o *Orchestrator) createRun(ctx context.Context, runID string, req OrchestrateRequest, strategy string) error {
	_, err := o.db.ExecContext(ctx,
		`INSERT INTO orchestration_runs (id, command, agent_ids, strategy, status, started_at)
		 VALUES ($1, $2, $3, $4, 'running', NOW())`,
		runID, req.Command, pq.Array(req.AgentIDs), strategy)
	if err != nil {
		return fmt.Errorf("insert orchestration run: %w", err)
	}

	channel := "orchestration:" + runID
	for _, agentID := range req.AgentIDs {
		if _, err := o.db.ExecContext(ctx,
			`INSERT INTO orchestration_responses (id, run_id, agent_id, status, created_at)
			 VALUES ($1, $2, $3, 'pending', NOW())`,
			uuid.New().String(), runID, agentID); err != nil {
			return fmt.Errorf("insert pending response for %s: %w", agentID, err)
		}
		if _, err := o.db.ExecContext(ctx,
			`INSERT INTO agent_messages (id, channel, recipient_agent_id, message_type, content, status, created_at)
			 VALUES ($1, $2, $3, 'task', $4, 'sent', NOW())`,
			uuid.New().String(), channel, agentID, req.Command); err != nil {
			return fmt.Errorf("insert task message for %s: %w", agentID, err)
		}
	}
	return nil
}

// dispatchToAgent runs one agent's command under the shared deadline.
// An outstanding dispatch at deadline is recorded timed_out.
func (o *Orchestrator) dispatchToAgent(ctx context.Context, agentID, command, correlationID string) AgentResult {
	start := time.Now()
	capabilities := o.agentCapabilities(ctx, agentID)

	result, err := o.executor.Execute(ctx, ExecuteRequest{
		Command:      command,
		AgentID:      agentID,
		Capabilities: capabilities,
	}, correlationID)
	duration := time.Since(start).Milliseconds()

	if err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return AgentResult{AgentID: agentID, Status: "timed_out", DurationMS: duration, Error: "orchestration deadline exceeded"}
		}
		return AgentResult{AgentID: agentID, Status: "failed", DurationMS: duration, Error: err.Error()}
	}
	if ctx.Err() == context.DeadlineExceeded {
		return AgentResult{AgentID: agentID, Status: "timed_out", DurationMS: duration, Error: "orchestration deadline exceeded"}
	}
	return AgentResult{
		AgentID:    agentID,
		Status:     "completed",
		Response:   result.Response,
		ToolCalls:  result.ToolCalls,
		Turns:      result.Turns,
		DurationMS: duration,
	}
}

// agentCapabilities loads an agent's capability set; unknown agents run
// with none.
func (o *Orchestrator) agentCapabilities(ctx context.Context, agentID string) []string {
	var capabilities pq.StringArray
	err := o.db.QueryRowContext(ctx,
		`SELECT capabilities FROM agents WHERE id = $1`, agentID).Scan(&capabilities)
	if err != nil {
		o.log.Warn(agentID, "", "agent capability lookup failed", map[string]interface{}{"error": err.Error()})
		return nil
	}
	return []string(capabilities)
}

// agentNames resolves display names for the merge output.
func (o *Orchestrator) agentNames(ctx context.Context, agentIDs []string) map[string]string {
	names := make(map[string]string, len(agentIDs))
	rows, err := o.db.QueryContext(ctx,
		`SELECT id, name FROM agents WHERE id = ANY($1)`, pq.Array(agentIDs))
	if err != nil {
		o.log.Warn("", "", "agent name lookup failed", map[string]interface{}{"error": err.Error()})
		return names
	}
	defer rows.Close()
	for rows.Next() {
		var id, name string
		if err := rows.Scan(&id, &name); err != nil {
			return names
		}
		names[id] = name
	}
	return names
}

func (o *Orchestrator) persistAgentResult(ctx context.Context, runID string, result AgentResult) {
	_, err := o.db.ExecContext(ctx,
		`UPDATE orchestration_responses
		 SET status = $3, response = $4, tool_calls = $5, turns = $6, duration_ms = $7, error = $8, completed_at = NOW()
		 WHERE run_id = $1 AND agent_id = $2`,
		runID, result.AgentID, result.Status, result.Response, result.ToolCalls, result.Turns, result.DurationMS, result.Error)
	if err != nil {
		o.log.Warn(result.AgentID, "", "orchestration response update failed", map[string]interface{}{"error": err.Error()})
	}
}

func (o *Orchestrator) completeRun(ctx context.Context, runID, status, merged string, results []AgentResult) {
	completed := 0
	for _, r := range results {
		if r.Status == "completed" {
			completed++
		}
	}
	_, err := o.db.ExecContext(ctx,
		`UPDATE orchestration_runs
		 SET status = $2, merged_response = $3, completed_count = $4, total_count = $5, completed_at = NOW()
		 WHERE id = $1`,
		runID, status, merged, completed, len(results))
	if err != nil {
		o.log.Warn("", "", "orchestration run update failed", map[string]interface{}{"error": err.Error()})
	}
}

func (o *Orchestrator) markMessagesDelivered(ctx context.Context, runID string) {
	_, err := o.db.ExecContext(ctx,
		`UPDATE agent_messages SET status = 'delivered', delivered_at = NOW() WHERE channel = $1`,
		"orchestration:"+runID)
	if err != nil {
		o.log.Warn("", "", "message delivery update failed", map[string]interface{}{"error": err.Error()})
	}
}

// runStatus derives the run's final state: completed if anyone
// completed, timed_out if everyone timed out, failed otherwise.
func runStatus(results []AgentResult) string {
	anyCompleted := false
	allTimedOut := len(results) > 0
	for _, r := range results {
		if r.Status == "completed" {
			anyCompleted = true
		}
		if r.Status != "timed_out" {
			allTimedOut = false
		}
	}
	if anyCompleted {
		return "completed"
	}
	if allTimedOut {
		return "timed_out"
	}
	return "failed"
}

// mergeResults combines completed responses per the strategy.
func mergeResults(strategy string, results []AgentResult) string {
	var completed []AgentResult
	for _, r := range results {
		if r.Status == "completed" {
			completed = append(completed, r)
		}
	}
	if len(completed) == 0 {
		return msgNoAgentsCompleted
	}

	switch strategy {
	case StrategyFirstCompleted:
		return completed[0].Response

	case StrategyBestScore:
		scored := make([]AgentResult, 0, len(completed))
		for _, r := range completed {
			if r.Score != nil {
				scored = append(scored, r)
			}
		}
		if len(scored) > 0 {
			sort.SliceStable(scored, func(i, j int) bool { return *scored[i].Score > *scored[j].Score })
			return scored[0].Response
		}
		best := completed[0]
		for _, r := range completed[1:] {
			if r.DurationMS < best.DurationMS {
				best = r
			}
		}
		return best.Response

	case StrategyConsensus:
		if len(completed) == 1 {
			return completed[0].Response
		}
		var b strings.Builder
		fmt.Fprintf(&b, "%d of %d agents responded. Responses:", len(completed), len(results))
		for i, r := range completed {
			fmt.Fprintf(&b, "\n[%d] %s", i+1, r.Response)
		}
		return b.String()

	default: // merge_all
		if len(completed) == 1 {
			return completed[0].Response
		}
		parts := make([]string, 0, len(completed))
		for _, r := range completed {
			name := r.AgentName
			if name == "" {
				name = r.AgentID
			}
			parts = append(parts, fmt.Sprintf("[Agent %s]: %s", name, r.Response))
		}
		return strings.Join(parts, "\n\n")
	}
}

// agentResultsValue converts results into generic maps for embedding
// in workflow step outputs.
func agentResultsValue(results []AgentResult) []interface{} {
	out := make([]interface{}, 0, len(results))
	for _, r := range results {
		raw, err := json.Marshal(r)
		if err != nil {
			continue
		}
		var m map[string]interface{}
		if err := json.Unmarshal(raw, &m); err != nil {
			continue
		}
		out = append(out, m)
	}
	return out
}
