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
	"time"

	"flowgate/platform/shared/crypto"
)

// Agent types. The type determines what the gateway lets an agent do:
// autonomous agents act without human review, supervised agents need an
// approved confirmation for anything beyond reads, and tool agents are
// restricted to query routes.
const (
	AgentTypeAutonomous = "autonomous"
	AgentTypeSupervised = "supervised"
	AgentTypeTool       = "tool"
)

// Agent statuses.
const (
	AgentStatusActive    = "active"
	AgentStatusInactive  = "inactive"
	AgentStatusSuspended = "suspended"
)

// Agent is the authenticated principal for a gateway request, loaded
// from storage during API key verification.
type Agent struct {
	ID                 string
	TenantID           string
	Name               string
	Type               string
	Status             string
	Capabilities       []string
	RateLimitPerMinute int
	AllowDestructive   bool
	SigningSecret      *crypto.EncryptedPayload
	Metadata           map[string]interface{}
	LastSeenAt         *time.Time
}

// GatewayRequest is the body of POST /api/gateway.
type GatewayRequest struct {
	Action        string                 `json:"action"`
	Params        map[string]interface{} `json:"params,omitempty"`
	CorrelationID string                 `json:"correlation_id,omitempty"`
}

// GatewayResponse is the uniform success envelope returned after
// dispatch completes.
type GatewayResponse struct {
	RequestID string        `json:"request_id"`
	Status    string        `json:"status"`
	Data      interface{}   `json:"data,omitempty"`
	Error     string        `json:"error,omitempty"`
	Meta      *ResponseMeta `json:"meta,omitempty"`
}

// ResponseMeta carries per-request observability fields alongside the
// dispatch payload.
type ResponseMeta struct {
	AgentID    string         `json:"agent_id,omitempty"`
	Action     string         `json:"action"`
	DurationMS int64          `json:"duration_ms"`
	RateLimit  *RateLimitInfo `json:"rate_limit,omitempty"`
}

// RateLimitInfo mirrors the X-RateLimit-* headers in the response body
// so clients that strip headers still see their budget.
type RateLimitInfo struct {
	Limit     int       `json:"limit"`
	Remaining int       `json:"remaining"`
	ResetAt   time.Time `json:"reset_at"`
}
