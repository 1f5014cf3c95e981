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
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestLookupAction(t *testing.T) {
	capability, ok := LookupAction("crm.search")
	assert.True(t, ok)
	assert.Equal(t, "crm", capability)

	capability, ok = LookupAction("workflow.status")
	assert.True(t, ok)
	assert.Empty(t, capability, "workflow.status needs no capability")

	_, ok = LookupAction("crm.obliterate")
	assert.False(t, ok)
}

func TestRouteForAction(t *testing.T) {
	tests := []struct {
		action string
		route  string
	}{
		{"query.workflows", RouteQuery},
		{"workflow.execute", RouteWorkflow},
		{"integration.status", RouteIntegration},
		{"agent.orchestrate", RouteAgent},
		{"email.send", RouteSystem},
		{"finance.payment", RouteSystem},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.route, RouteForAction(tt.action), tt.action)
	}
}

func TestCanPerformAction(t *testing.T) {
	tests := []struct {
		name         string
		capabilities []string
		action       string
		want         bool
	}{
		{"holds required capability", []string{"crm", "email"}, "crm.search", true},
		{"lacks required capability", []string{"email"}, "crm.search", false},
		{"no capability required", nil, "agent.status", true},
		{"unknown action always denied", []string{"crm"}, "crm.obliterate", false},
		{"empty capability set", nil, "email.send", false},
		{"orchestration gate", []string{"orchestration"}, "agent.orchestrate", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, CanPerformAction(tt.capabilities, tt.action))
		})
	}
}
