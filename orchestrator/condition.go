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
	"fmt"
	"regexp"
	"strings"
)

// Condition grammar: `<step_id>.<field> <op> <value>` with field in
// {status, output} and op in {==, !=}, or a bare `<step_id>` which is
// truthy iff that step completed. Anything else is rejected when the
// workflow is loaded, not at run time.

var identPattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_-]*$`)

// Condition is a parsed, validated expression.
type Condition struct {
	StepID string
	Field  string // empty for bare step_id form
	Op     string
	Value  string
}

// ParseCondition validates an expression against the grammar.
func ParseCondition(expression string) (*Condition, error) {
	expr := strings.TrimSpace(expression)
	if expr == "" {
		return nil, fmt.Errorf("condition expression is empty")
	}

	fields := strings.Fields(expr)
	switch len(fields) {
	case 1:
		operand := fields[0]
		if !strings.Contains(operand, ".") {
			if !identPattern.MatchString(operand) {
				return nil, fmt.Errorf("invalid step id %q", operand)
			}
			return &Condition{StepID: operand}, nil
		}
		return nil, fmt.Errorf("condition %q is missing an operator", expr)

	case 3:
		operand, op, value := fields[0], fields[1], fields[2]
		if op != "==" && op != "!=" {
			return nil, fmt.Errorf("unsupported operator %q", op)
		}
		parts := strings.SplitN(operand, ".", 2)
		if len(parts) != 2 {
			return nil, fmt.Errorf("operand %q must be <step_id>.<field>", operand)
		}
		stepID, field := parts[0], parts[1]
		if !identPattern.MatchString(stepID) {
			return nil, fmt.Errorf("invalid step id %q", stepID)
		}
		if field != "status" && field != "output" {
			return nil, fmt.Errorf("unsupported field %q", field)
		}
		if !identPattern.MatchString(value) {
			return nil, fmt.Errorf("invalid value %q", value)
		}
		return &Condition{StepID: stepID, Field: field, Op: op, Value: value}, nil
	}
	return nil, fmt.Errorf("condition %q does not match the grammar", expr)
}

// Evaluate resolves the condition against completed step results.
// The bare form is truthy iff the step completed. The output field
// compares only plain-string step outputs; structured outputs never
// match.
func (c *Condition) Evaluate(results []StepResult) bool {
	var target *StepResult
	for i := range results {
		if results[i].StepID == c.StepID {
			target = &results[i]
			break
		}
	}
	if target == nil {
		return false
	}

	if c.Field == "" {
		return target.Status == StepStatusCompleted
	}

	var actual string
	switch c.Field {
	case "status":
		actual = target.Status
	case "output":
		if s, ok := target.Output["response"].(string); ok {
			actual = s
		} else if s, ok := target.Output["output"].(string); ok {
			actual = s
		}
	}

	if c.Op == "==" {
		return actual == c.Value
	}
	return actual != c.Value
}
