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

import "strings"

// Handler routes. Every action resolves to exactly one route; the
// dispatcher switches on it.
const (
	RouteQuery       = "query"
	RouteWorkflow    = "workflow"
	RouteIntegration = "integration"
	RouteAgent       = "agent"
	RouteSystem      = "system"
)

// actionCapabilities is the compiled-in registry of every action the
// gateway accepts, mapped to the capability an agent must hold. An
// empty value marks a system action that needs no capability. Actions
// absent from this map are denied outright.
var actionCapabilities = map[string]string{
	// CRM
	"crm.search":         "crm",
	"crm.get_contact":    "crm",
	"crm.create_contact": "crm",
	"crm.update_contact": "crm",
	"crm.delete_contact": "crm",

	// Email
	"email.send":      "email",
	"email.send_bulk": "email",
	"email.search":    "email",

	// Tasks and calendar
	"tasks.create":    "tasks",
	"tasks.update":    "tasks",
	"tasks.list":      "tasks",
	"calendar.create": "calendar",
	"calendar.list":   "calendar",

	// Social, finance, docs, code, data
	"social.post":      "social",
	"social.schedule":  "social",
	"finance.payment":  "finance",
	"finance.refund":   "finance",
	"finance.invoice":  "finance",
	"docs.create":      "docs",
	"docs.search":      "docs",
	"code.deploy":      "deploy",
	"data.export":      "data",
	"data.delete":      "data",
	"data.import":      "data",

	// Storage queries
	"query.workflows":        "query",
	"query.workflow_runs":    "query",
	"query.agent_commands":   "query",
	"query.integrations":     "query",
	"query.tool_definitions": "query",

	// Workflows
	"workflow.execute": "workflows",
	"workflow.status":  "",
	"workflow.list":    "",

	// Agent-to-agent
	"agent.execute":      "",
	"agent.orchestrate":  "orchestration",
	"agent.status":       "",
	"agent.capabilities": "",

	// Integrations
	"integration.status":  "",
	"integration.list":    "",
	"integration.connect": "integrations",
}

// routePrefixes maps action prefixes to handler routes, checked in
// order. Anything unmatched goes to the generic system handler.
var routePrefixes = []struct {
	prefix string
	route  string
}{
	{"query.", RouteQuery},
	{"workflow.", RouteWorkflow},
	{"integration.", RouteIntegration},
	{"agent.", RouteAgent},
}

// LookupAction returns the capability required for an action and
// whether the action is known at all.
func LookupAction(action string) (string, bool) {
	capability, ok := actionCapabilities[action]
	return capability, ok
}

// RouteForAction resolves the handler route for an action by prefix.
func RouteForAction(action string) string {
	for _, rp := range routePrefixes {
		if strings.HasPrefix(action, rp.prefix) {
			return rp.route
		}
	}
	return RouteSystem
}

// CanPerformAction reports whether an agent holding the given
// capabilities may invoke the action: the action must be known, and
// must either require no capability or require one the agent holds.
func CanPerformAction(capabilities []string, action string) bool {
	required, ok := actionCapabilities[action]
	if !ok {
		return false
	}
	if required == "" {
		return true
	}
	for _, c := range capabilities {
		if c == required {
			return true
		}
	}
	return false
}
