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
	"encoding/json"
	"fmt"
	"time"
)

// Workflow step kinds.
const (
	StepTypeAgentCommand      = "agent_command"
	StepTypeWait              = "wait"
	StepTypeCondition         = "condition"
	StepTypeIntegrationAction = "integration_action"
	StepTypeOrchestrator      = "orchestrator"
)

// Step result statuses.
const (
	StepStatusCompleted = "completed"
	StepStatusFailed    = "failed"
	StepStatusSkipped   = "skipped"
)

// Step failure policies.
const (
	OnFailureStop     = "stop"
	OnFailureContinue = "continue"
	OnFailureSkip     = "skip"
)

// Workflow run statuses.
const (
	RunStatusRunning   = "running"
	RunStatusCompleted = "completed"
	RunStatusFailed    = "failed"
)

// Trigger types.
const (
	TriggerManual    = "manual"
	TriggerScheduled = "scheduled"
	TriggerWebhook   = "webhook"
	TriggerEvent     = "event"
)

// Step envelope defaults.
const (
	defaultStepTimeoutMS = 30000
	maxWaitMS            = 25000
)

// ValidationError marks a workflow definition that fails to load:
// unknown step type, duplicate id, or a condition expression outside
// the grammar.
type ValidationError struct {
	Message string
}

func (e *ValidationError) Error() string {
	return "workflow validation: " + e.Message
}

// WorkflowStep is one step envelope in a workflow definition.
type WorkflowStep struct {
	ID        string                 `json:"id"`
	Type      string                 `json:"type"`
	Config    map[string]interface{} `json:"config"`
	TimeoutMS int                    `json:"timeout_ms"`
	Retries   int                    `json:"retries"`
	OnFailure string                 `json:"on_failure"`

	// condition holds the pre-parsed expression for condition steps.
	condition *Condition
}

// Workflow is a loaded, validated definition.
type Workflow struct {
	ID            string
	Name          string
	TriggerType   string
	TriggerConfig map[string]interface{}
	Steps         []WorkflowStep
	IsActive      bool
}

// StepResult is one step's recorded outcome.
type StepResult struct {
	StepID     string                 `json:"step_id"`
	Type       string                 `json:"type"`
	Status     string                 `json:"status"`
	Output     map[string]interface{} `json:"output,omitempty"`
	Error      string                 `json:"error,omitempty"`
	DurationMS int64                  `json:"duration_ms"`
}

// WorkflowRun is one execution of a workflow.
type WorkflowRun struct {
	ID          string
	WorkflowID  string
	Status      string
	TriggerType string
	TriggerData map[string]interface{}
	StepResults []StepResult
	Error       string
	StartedAt   time.Time
	CompletedAt *time.Time
}

// ParseWorkflowSteps decodes and validates a stored steps document.
// Validation happens here, at load: a workflow that passes never sees
// a grammar error at run time.
func ParseWorkflowSteps(raw []byte) ([]WorkflowStep, error) {
	var steps []WorkflowStep
	if err := json.Unmarshal(raw, &steps); err != nil {
		return nil, &ValidationError{Message: fmt.Sprintf("steps document is not valid JSON: %v", err)}
	}
	if err := validateSteps(steps); err != nil {
		return nil, err
	}
	return steps, nil
}

func validateSteps(steps []WorkflowStep) error {
	if len(steps) == 0 {
		return &ValidationError{Message: "workflow has no steps"}
	}
	seen := make(map[string]struct{}, len(steps))
	for i := range steps {
		step := &steps[i]
		if step.ID == "" {
			return &ValidationError{Message: fmt.Sprintf("step %d has no id", i)}
		}
		if _, dup := seen[step.ID]; dup {
			return &ValidationError{Message: fmt.Sprintf("duplicate step id %q", step.ID)}
		}
		seen[step.ID] = struct{}{}

		if step.TimeoutMS <= 0 {
			step.TimeoutMS = defaultStepTimeoutMS
		}
		if step.Retries < 0 {
			step.Retries = 0
		}
		switch step.OnFailure {
		case "":
			step.OnFailure = OnFailureStop
		case OnFailureStop, OnFailureContinue, OnFailureSkip:
		default:
			return &ValidationError{Message: fmt.Sprintf("step %q: unknown on_failure %q", step.ID, step.OnFailure)}
		}

		switch step.Type {
		case StepTypeAgentCommand:
			if configString(step.Config, "command") == "" {
				return &ValidationError{Message: fmt.Sprintf("step %q: agent_command requires config.command", step.ID)}
			}
		case StepTypeWait:
			if configInt(step.Config, "delay_ms") <= 0 {
				return &ValidationError{Message: fmt.Sprintf("step %q: wait requires a positive config.delay_ms", step.ID)}
			}
		case StepTypeCondition:
			expr := configString(step.Config, "expression")
			cond, err := ParseCondition(expr)
			if err != nil {
				return &ValidationError{Message: fmt.Sprintf("step %q: %v", step.ID, err)}
			}
			step.condition = cond
		case StepTypeIntegrationAction:
			if configString(step.Config, "action_name") == "" {
				return &ValidationError{Message: fmt.Sprintf("step %q: integration_action requires config.action_name", step.ID)}
			}
		case StepTypeOrchestrator:
			if configString(step.Config, "command") == "" {
				return &ValidationError{Message: fmt.Sprintf("step %q: orchestrator requires config.command", step.ID)}
			}
			if len(configStringSlice(step.Config, "agent_ids")) == 0 {
				return &ValidationError{Message: fmt.Sprintf("step %q: orchestrator requires config.agent_ids", step.ID)}
			}
		default:
			return &ValidationError{Message: fmt.Sprintf("step %q: unknown type %q", step.ID, step.Type)}
		}
	}
	return nil
}

// Config accessors tolerate the loose typing of decoded JSON.

func configString(config map[string]interface{}, key string) string {
	if config == nil {
		return ""
	}
	if s, ok := config[key].(string); ok {
		return s
	}
	return ""
}

func configInt(config map[string]interface{}, key string) int {
	if config == nil {
		return 0
	}
	switch v := config[key].(type) {
	case float64:
		return int(v)
	case int:
		return v
	}
	return 0
}

func configMap(config map[string]interface{}, key string) map[string]interface{} {
	if config == nil {
		return nil
	}
	if m, ok := config[key].(map[string]interface{}); ok {
		return m
	}
	return nil
}

func configStringSlice(config map[string]interface{}, key string) []string {
	if config == nil {
		return nil
	}
	switch v := config[key].(type) {
	case []string:
		return v
	case []interface{}:
		out := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}
