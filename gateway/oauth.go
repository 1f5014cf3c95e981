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
	"net/http"

	"github.com/google/uuid"

	"flowgate/platform/integrations"
)

// HandleOAuthCallback completes an OAuth connection started through
// integration.connect. The provider redirects the browser here with the
// state and authorization code; the state is single-use, so a replayed
// callback conflicts instead of re-exchanging the code.
func (g *Gateway) HandleOAuthCallback(w http.ResponseWriter, r *http.Request) {
	correlationID := r.Header.Get(headerCorrelationID)
	if correlationID == "" {
		correlationID = uuid.New().String()
	}
	w.Header().Set("X-Correlation-Id", correlationID)

	state := r.URL.Query().Get("state")
	code := r.URL.Query().Get("code")
	if state == "" || code == "" {
		writeAPIError(w, correlationID, errValidation("state and code query parameters are required"))
		return
	}

	integrationID, err := g.registry.CompleteOAuth(r.Context(), state, code)
	if err != nil {
		switch {
		case err == integrations.ErrStateUsed:
			writeAPIError(w, correlationID, errConflict("oauth state already used"))
		case err == integrations.ErrStateInvalid:
			writeAPIError(w, correlationID, errAuth("oauth state is invalid or expired"))
		case err == integrations.ErrExchangeFailed:
			writeAPIError(w, correlationID, errUpstream("authorization code exchange failed"))
		default:
			g.log.Error("", correlationID, "oauth completion failed", map[string]interface{}{"error": err.Error()})
			writeAPIError(w, correlationID, errInternal("oauth completion failed"))
		}
		return
	}

	g.audit.Emit(AuditEvent{
		ActorType: "system",
		ActorID:   "oauth-callback",
		Action:    "gateway.integration.connected",
		Details: map[string]interface{}{
			"integration_id": integrationID,
			"correlation_id": correlationID,
		},
	})
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":         "connected",
		"integration_id": integrationID,
	})
}
