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
	"time"

	"github.com/google/uuid"

	"flowgate/platform/shared/logger"
)

// WorkflowEngine runs workflows step by step: sequential execution,
// per-step timeouts and retries, next_step branching, and step_results
// persisted after every step.
type WorkflowEngine struct {
	store        WorkflowStore
	executor     *Executor
	orchestrator *Orchestrator
	commands     *CommandStore
	poller       *Poller
	db           *sql.DB
	log          *logger.Logger
	backoff      func(attempt int) time.Duration
	sleep        func(ctx context.Context, d time.Duration) error
}

// NewWorkflowEngine wires the engine with the standard backoff and a
// context-aware sleep.
func NewWorkflowEngine(store WorkflowStore, executor *Executor, orchestrator *Orchestrator, commands *CommandStore, poller *Poller, db *sql.DB, log *logger.Logger) *WorkflowEngine {
	return &WorkflowEngine{
		store:        store,
		executor:     executor,
		orchestrator: orchestrator,
		commands:     commands,
		poller:       poller,
		db:           db,
		log:          log,
		backoff:      retryBackoff,
		sleep:        sleepContext,
	}
}

// retryBackoff doubles per attempt, capped at 10 seconds.
func retryBackoff(attempt int) time.Duration {
	ms := 1000 * (1 << attempt)
	if ms > 10000 {
		ms = 10000
	}
	return time.Duration(ms) * time.Millisecond
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Run executes a workflow to completion and returns the finished run.
func (e *WorkflowEngine) Run(ctx context.Context, workflowID, triggerType string, triggerData map[string]interface{}, correlationID string) (*WorkflowRun, error) {
	workflow, err := e.store.GetWorkflow(ctx, workflowID)
	if err != nil {
		return nil, err
	}
	if !workflow.IsActive {
		return nil, &ValidationError{Message: fmt.Sprintf("workflow %s is not active", workflowID)}
	}
	if triggerType == "" {
		triggerType = TriggerManual
	}

	run := &WorkflowRun{
		ID:          uuid.New().String(),
		WorkflowID:  workflowID,
		Status:      RunStatusRunning,
		TriggerType: triggerType,
		TriggerData: triggerData,
		StartedAt:   time.Now(),
	}
	if err := e.store.CreateRun(ctx, run); err != nil {
		return nil, err
	}

	e.log.Info("", correlationID, "workflow run started", map[string]interface{}{
		"workflow_id": workflowID, "run_id": run.ID, "trigger_type": triggerType, "steps": len(workflow.Steps),
	})

	status := RunStatusCompleted
	var runErr string
	var results []StepResult
	var pendingNext string

	for _, step := range workflow.Steps {
		// The previous step's next_step skips forward to the named
		// step; everything in between is recorded as skipped.
		if pendingNext != "" && step.ID != pendingNext {
			results = append(results, StepResult{
				StepID: step.ID, Type: step.Type, Status: StepStatusSkipped, DurationMS: 0,
			})
			e.persistSteps(ctx, run.ID, results)
			continue
		}
		pendingNext = ""

		result := e.runStepWithRetries(ctx, &step, triggerData, results, correlationID)
		results = append(results, result)
		e.persistSteps(ctx, run.ID, results)
		promStepDuration.WithLabelValues(step.Type).Observe(float64(result.DurationMS) / 1000)

		if next, ok := result.Output["next_step"].(string); ok && next != "" {
			pendingNext = next
		}

		if result.Status == StepStatusFailed && step.OnFailure == OnFailureStop {
			status = RunStatusFailed
			runErr = result.Error
			break
		}
	}

	if err := e.store.CompleteRun(ctx, run.ID, status, results, runErr); err != nil {
		e.log.Error("", correlationID, "workflow run finalization failed", map[string]interface{}{
			"run_id": run.ID, "error": err.Error(),
		})
	}
	promWorkflowRuns.WithLabelValues(status).Inc()

	run.Status = status
	run.StepResults = results
	run.Error = runErr
	now := time.Now()
	run.CompletedAt = &now

	e.log.InfoWithDuration("", correlationID, "workflow run finished",
		float64(now.Sub(run.StartedAt).Milliseconds()),
		map[string]interface{}{"run_id": run.ID, "status": status})
	return run, nil
}

// persistSteps writes the growing step_results prefix; a crash between
// steps leaves an accurate record.
func (e *WorkflowEngine) persistSteps(ctx context.Context, runID string, results []StepResult) {
	if err := e.store.UpdateRunSteps(ctx, runID, results); err != nil {
		e.log.Warn("", "", "step results persist failed", map[string]interface{}{
			"run_id": runID, "error": err.Error(),
		})
	}
}

// runStepWithRetries runs one step under its per-attempt timeout,
// retrying with exponential backoff inside the retry budget.
func (e *WorkflowEngine) runStepWithRetries(ctx context.Context, step *WorkflowStep, triggerData map[string]interface{}, prior []StepResult, correlationID string) StepResult {
	start := time.Now()
	attempts := step.Retries + 1
	var lastErr error

	for attempt := 0; attempt < attempts; attempt++ {
		stepCtx, cancel := context.WithTimeout(ctx, time.Duration(step.TimeoutMS)*time.Millisecond)
		output, err := e.runStep(stepCtx, step, triggerData, prior, correlationID)
		cancel()
		if err == nil {
			return StepResult{
				StepID:     step.ID,
				Type:       step.Type,
				Status:     StepStatusCompleted,
				Output:     output,
				DurationMS: time.Since(start).Milliseconds(),
			}
		}
		lastErr = err
		e.log.Warn("", correlationID, "workflow step attempt failed", map[string]interface{}{
			"step_id": step.ID, "attempt": attempt, "error": err.Error(),
		})
		if attempt < attempts-1 {
			if serr := e.sleep(ctx, e.backoff(attempt)); serr != nil {
				break
			}
		}
	}

	return StepResult{
		StepID:     step.ID,
		Type:       step.Type,
		Status:     StepStatusFailed,
		Error:      lastErr.Error(),
		DurationMS: time.Since(start).Milliseconds(),
	}
}

func (e *WorkflowEngine) runStep(ctx context.Context, step *WorkflowStep, triggerData map[string]interface{}, prior []StepResult, correlationID string) (map[string]interface{}, error) {
	switch step.Type {
	case StepTypeAgentCommand:
		return e.runAgentCommand(ctx, step, triggerData, correlationID)
	case StepTypeWait:
		return e.runWait(ctx, step)
	case StepTypeCondition:
		return e.runCondition(step, prior)
	case StepTypeIntegrationAction:
		return e.runIntegrationAction(ctx, step, triggerData)
	case StepTypeOrchestrator:
		return e.runOrchestratorStep(ctx, step, correlationID)
	}
	return nil, fmt.Errorf("unknown step type %q", step.Type)
}

func (e *WorkflowEngine) runAgentCommand(ctx context.Context, step *WorkflowStep, triggerData map[string]interface{}, correlationID string) (map[string]interface{}, error) {
	command := commandWithPayload(step.Config)
	agentID := configString(step.Config, "target_agent_id")
	if agentID == "" {
		agentID = triggerAgentID(triggerData)
	}
	capabilities := e.orchestrator.agentCapabilities(ctx, agentID)

	result, err := e.executor.Execute(ctx, ExecuteRequest{
		Command:      command,
		AgentID:      agentID,
		Capabilities: capabilities,
	}, correlationID)
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{
		"command":    command,
		"response":   result.Response,
		"tool_calls": result.ToolCalls,
		"turns":      result.Turns,
	}, nil
}

func (e *WorkflowEngine) runWait(ctx context.Context, step *WorkflowStep) (map[string]interface{}, error) {
	delayMS := configInt(step.Config, "delay_ms")
	if delayMS > maxWaitMS {
		delayMS = maxWaitMS
	}
	if err := e.sleep(ctx, time.Duration(delayMS)*time.Millisecond); err != nil {
		return nil, fmt.Errorf("wait interrupted: %w", err)
	}
	return map[string]interface{}{"waited_ms": delayMS}, nil
}

func (e *WorkflowEngine) runCondition(step *WorkflowStep, prior []StepResult) (map[string]interface{}, error) {
	if step.condition == nil {
		// Steps loaded through ParseWorkflowSteps always carry the
		// parsed expression; direct construction in tests may not.
		cond, err := ParseCondition(configString(step.Config, "expression"))
		if err != nil {
			return nil, err
		}
		step.condition = cond
	}

	met := step.condition.Evaluate(prior)
	next := configString(step.Config, "else_step")
	if met {
		next = configString(step.Config, "then_step")
	}
	return map[string]interface{}{
		"condition_met": met,
		"next_step":     next,
	}, nil
}

func (e *WorkflowEngine) runIntegrationAction(ctx context.Context, step *WorkflowStep, triggerData map[string]interface{}) (map[string]interface{}, error) {
	actionName := configString(step.Config, "action_name")
	integrationID := configString(step.Config, "integration_id")

	parameters := e.integrationActionDefaults(ctx, integrationID, actionName)
	for k, v := range configMap(step.Config, "parameters") {
		parameters[k] = v
	}

	commandID, err := e.commands.Create(ctx, triggerAgentID(triggerData), actionName, map[string]interface{}{
		"action_name":    actionName,
		"integration_id": integrationID,
		"parameters":     parameters,
	})
	if err != nil {
		return nil, fmt.Errorf("create integration command: %w", err)
	}

	result := e.poller.PollUntilTerminal(ctx, commandID, step.TimeoutMS)
	switch result.Status {
	case CommandStatusCompleted:
	case "timeout":
		return nil, fmt.Errorf("Integration action timed out: %s", actionName)
	default:
		return nil, fmt.Errorf("integration action %s %s: %s", actionName, result.Status, result.Error)
	}

	return map[string]interface{}{
		"command_id":     commandID,
		"action_name":    actionName,
		"integration_id": integrationID,
		"status":         result.Status,
		"output":         result.Output,
		"parameters":     parameters,
	}, nil
}

// integrationActionDefaults reads the action's default parameters from
// the integration's config document when an integration id is named.
func (e *WorkflowEngine) integrationActionDefaults(ctx context.Context, integrationID, actionName string) map[string]interface{} {
	defaults := map[string]interface{}{}
	if integrationID == "" || e.db == nil {
		return defaults
	}
	var configJSON []byte
	err := e.db.QueryRowContext(ctx,
		`SELECT config FROM integrations WHERE id = $1`, integrationID).Scan(&configJSON)
	if err != nil {
		if err != sql.ErrNoRows {
			e.log.Warn("", "", "integration config lookup failed", map[string]interface{}{
				"integration_id": integrationID, "error": err.Error(),
			})
		}
		return defaults
	}
	var config struct {
		Actions map[string]map[string]interface{} `json:"actions"`
	}
	if err := json.Unmarshal(configJSON, &config); err != nil {
		return defaults
	}
	if actionDefaults, ok := config.Actions[actionName]; ok {
		for k, v := range actionDefaults {
			defaults[k] = v
		}
	}
	return defaults
}

func (e *WorkflowEngine) runOrchestratorStep(ctx context.Context, step *WorkflowStep, correlationID string) (map[string]interface{}, error) {
	strategy := configString(step.Config, "strategy")
	if strategy == "" {
		strategy = StrategyMergeAll
	}
	result, err := e.orchestrator.Orchestrate(ctx, OrchestrateRequest{
		Command:  commandWithPayload(step.Config),
		AgentIDs: configStringSlice(step.Config, "agent_ids"),
		Strategy: strategy,
	}, correlationID)
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{
		"orchestration_run_id": result.OrchestrationRunID,
		"status":               result.Status,
		"merged_response":      result.MergedResponse,
		"agent_results":        agentResultsValue(result.AgentResults),
		"duration_ms":          result.DurationMS,
	}, nil
}

// commandWithPayload renders "<command>: <payload-json>" when a payload
// is configured, the bare command otherwise.
func commandWithPayload(config map[string]interface{}) string {
	command := configString(config, "command")
	payload := configMap(config, "payload")
	if len(payload) == 0 {
		return command
	}
	payloadJSON, err := json.Marshal(payload)
	if err != nil {
		return command
	}
	return command + ": " + string(payloadJSON)
}

// triggerAgentID resolves the acting agent for a step: the triggering
// agent when present, the system identity otherwise.
func triggerAgentID(triggerData map[string]interface{}) string {
	if triggerData != nil {
		if id, ok := triggerData["agent_id"].(string); ok && id != "" {
			return id
		}
	}
	return "system"
}
