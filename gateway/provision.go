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
	"encoding/json"
	"net/http"
	"regexp"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
)

// tenantPlans is the accepted plan enum for provisioning.
var tenantPlans = map[string]struct{}{
	"free":         {},
	"starter":      {},
	"business":     {},
	"professional": {},
	"enterprise":   {},
}

var (
	slugPattern  = regexp.MustCompile(`^[a-z0-9][a-z0-9-]{1,62}$`)
	emailPattern = regexp.MustCompile(`^[^\s@]+@[^\s@]+\.[^\s@]+$`)
)

// provisionRequest is the body of POST /api/admin/provision.
type provisionRequest struct {
	Name       string                 `json:"name"`
	Slug       string                 `json:"slug"`
	Type       string                 `json:"type"`
	AdminEmail string                 `json:"admin_email"`
	Plan       string                 `json:"plan"`
	Branding   map[string]interface{} `json:"branding,omitempty"`
}

// HandleProvision creates a tenant. Callers present either the
// provisioning secret or an admin bearer token.
func (g *Gateway) HandleProvision(w http.ResponseWriter, r *http.Request) {
	correlationID := r.Header.Get(headerCorrelationID)
	if correlationID == "" {
		correlationID = uuid.New().String()
	}
	w.Header().Set("X-Correlation-Id", correlationID)

	if !secretsEqual(r.Header.Get("X-Provisioning-Secret"), g.cfg.ProvisioningSecret) {
		if apiErr := requireAdmin(r, g.cfg.AdminJWTSecret); apiErr != nil {
			writeAPIError(w, correlationID, errAuth("provisioning requires the provisioning secret or an admin token"))
			return
		}
	}

	body, apiErr := readJSONBody(w, r)
	if apiErr != nil {
		writeAPIError(w, correlationID, apiErr)
		return
	}
	var req provisionRequest
	if err := json.Unmarshal(body, &req); err != nil {
		writeAPIError(w, correlationID, errValidation("request body is not valid JSON"))
		return
	}
	if apiErr := validateProvisionRequest(&req); apiErr != nil {
		writeAPIError(w, correlationID, apiErr)
		return
	}

	branding, err := json.Marshal(req.Branding)
	if err != nil {
		branding = []byte("{}")
	}

	var (
		tenantID  string
		createdAt time.Time
	)
	err = g.db.QueryRowContext(r.Context(),
		`SELECT tenant_id, created_at FROM provision_tenant($1, $2, $3, $4, $5, $6)`,
		req.Name, req.Slug, req.Type, req.AdminEmail, req.Plan, branding,
	).Scan(&tenantID, &createdAt)
	if err != nil {
		if pqErr, ok := err.(*pq.Error); ok && pqErr.Code == "23505" {
			writeAPIError(w, correlationID, errConflict("a tenant with this slug already exists"))
			return
		}
		g.log.Error("", correlationID, "tenant provisioning failed", map[string]interface{}{"slug": req.Slug, "error": err.Error()})
		writeAPIError(w, correlationID, errInternal("tenant provisioning failed"))
		return
	}

	g.audit.Emit(AuditEvent{
		ActorType:    "admin",
		ActorID:      "provisioner",
		Action:       "gateway.provision_tenant",
		ResourceType: "tenant",
		ResourceID:   tenantID,
		Details:      map[string]interface{}{"slug": req.Slug, "plan": req.Plan, "correlation_id": correlationID},
	})

	writeJSON(w, http.StatusCreated, map[string]interface{}{
		"tenant_id":  tenantID,
		"created_at": createdAt,
	})
}

func validateProvisionRequest(req *provisionRequest) *apiError {
	if req.Name == "" {
		return errValidation("name is required")
	}
	if !slugPattern.MatchString(req.Slug) {
		return errValidation("slug must be 2-63 lowercase letters, digits, or hyphens")
	}
	if !emailPattern.MatchString(req.AdminEmail) {
		return errValidation("admin_email must be a valid email address")
	}
	if req.Plan == "" {
		req.Plan = "free"
	}
	if _, ok := tenantPlans[req.Plan]; !ok {
		return errValidation("plan must be one of free, starter, business, professional, enterprise")
	}
	return nil
}

// HandleConfirmationDecision resolves a pending confirmation:
// POST /api/admin/confirmations/{id} with {"decision": "approved"|"rejected"}.
func (g *Gateway) HandleConfirmationDecision(w http.ResponseWriter, r *http.Request) {
	correlationID := r.Header.Get(headerCorrelationID)
	if correlationID == "" {
		correlationID = uuid.New().String()
	}
	w.Header().Set("X-Correlation-Id", correlationID)

	if apiErr := requireAdmin(r, g.cfg.AdminJWTSecret); apiErr != nil {
		writeAPIError(w, correlationID, apiErr)
		return
	}

	var req struct {
		Decision string `json:"decision"`
	}
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req); err != nil {
		writeAPIError(w, correlationID, errValidation("request body is not valid JSON"))
		return
	}

	id := muxVar(r, "id")
	if apiErr := g.confirmations.Decide(r.Context(), id, req.Decision); apiErr != nil {
		writeAPIError(w, correlationID, apiErr)
		return
	}

	g.audit.Emit(AuditEvent{
		ActorType:    "admin",
		ActorID:      "confirmations",
		Action:       "gateway.confirmation_" + req.Decision,
		ResourceType: "agent_confirmation",
		ResourceID:   id,
		Details:      map[string]interface{}{"correlation_id": correlationID},
	})

	writeJSON(w, http.StatusOK, map[string]interface{}{"id": id, "status": req.Decision})
}

// HandleConfirmationList returns open confirmations for review.
func (g *Gateway) HandleConfirmationList(w http.ResponseWriter, r *http.Request) {
	correlationID := r.Header.Get(headerCorrelationID)
	if correlationID == "" {
		correlationID = uuid.New().String()
	}
	w.Header().Set("X-Correlation-Id", correlationID)

	if apiErr := requireAdmin(r, g.cfg.AdminJWTSecret); apiErr != nil {
		writeAPIError(w, correlationID, apiErr)
		return
	}

	pending, err := g.confirmations.ListPending(r.Context(), 50)
	if err != nil {
		g.log.Error("", correlationID, "confirmation listing failed", map[string]interface{}{"error": err.Error()})
		writeAPIError(w, correlationID, errInternal("confirmation listing failed"))
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"confirmations": pending})
}
