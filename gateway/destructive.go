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

// destructiveActions names every action with irreversible external
// effect. The gate runs after the capability check, so holding the
// capability is never enough on its own.
var destructiveActions = map[string]struct{}{
	"email.send":         {},
	"email.send_bulk":    {},
	"social.post":        {},
	"finance.payment":    {},
	"finance.refund":     {},
	"code.deploy":        {},
	"crm.update_contact": {},
	"crm.delete_contact": {},
	"data.export":        {},
	"data.delete":        {},
}

// GateDecision is the outcome of the destructive-action gate.
type GateDecision struct {
	Allowed bool
	Reason  string
}

// IsDestructiveAction reports whether the action is in the static
// destructive set.
func IsDestructiveAction(action string) bool {
	_, ok := destructiveActions[action]
	return ok
}

// VerifyDestructiveAction applies the gate: non-destructive actions
// pass, tool agents are denied unconditionally, and everyone else
// needs allow_destructive on their agent record.
func VerifyDestructiveAction(action, agentType string, allowDestructive bool) GateDecision {
	if !IsDestructiveAction(action) {
		return GateDecision{Allowed: true}
	}
	if agentType == AgentTypeTool {
		return GateDecision{Allowed: false, Reason: "tool agents may not perform destructive actions"}
	}
	if !allowDestructive {
		return GateDecision{Allowed: false, Reason: "agent is not permitted to perform destructive actions"}
	}
	return GateDecision{Allowed: true}
}
