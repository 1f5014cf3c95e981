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
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"flowgate/platform/shared/crypto"
)

// Webhook signature formats accepted on the inbound receiver.
const (
	WebhookFormatHMAC   = "hmac_sha256"
	WebhookFormatStripe = "stripe"
	WebhookFormatGitHub = "github"
)

// webhookIntegration is the subset of an integration row the receiver
// needs: where the shared secret lives and which signature scheme the
// sender uses.
type webhookIntegration struct {
	ID     string
	Secret string
	Format string
}

// HandleWebhook receives POST /api/webhooks/{integration}: verify the
// sender's signature, record the event, and launch any webhook-triggered
// workflows bound to the integration.
func (g *Gateway) HandleWebhook(w http.ResponseWriter, r *http.Request) {
	correlationID := r.Header.Get(headerCorrelationID)
	if correlationID == "" {
		correlationID = uuid.New().String()
	}
	w.Header().Set("X-Correlation-Id", correlationID)

	name := mux.Vars(r)["integration"]
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		writeAPIError(w, correlationID, errValidation("request body exceeds 1MiB limit"))
		return
	}

	integration, err := g.lookupWebhookIntegration(r.Context(), name)
	if err != nil {
		if err == sql.ErrNoRows {
			writeAPIError(w, correlationID, errNotFound(fmt.Sprintf("no integration named %q", name)))
			return
		}
		g.log.Error("", correlationID, "webhook integration lookup failed", map[string]interface{}{"integration": name, "error": err.Error()})
		writeAPIError(w, correlationID, errInternal("integration lookup failed"))
		return
	}

	if err := verifyWebhookSignature(r, body, integration); err != nil {
		g.audit.Emit(AuditEvent{
			ActorType: "webhook",
			ActorID:   name,
			Action:    "gateway.webhook_rejected",
			Details:   map[string]interface{}{"reason": err.Error(), "correlation_id": correlationID},
		})
		writeAPIError(w, correlationID, errAuth("webhook signature verification failed"))
		return
	}

	if _, err := g.db.ExecContext(r.Context(),
		`SELECT emit_event($1, $2, $3, $4)`,
		"webhook."+name, body, "integration", integration.ID); err != nil {
		g.log.Warn("", correlationID, "emit_event failed for webhook", map[string]interface{}{"integration": name, "error": err.Error()})
	}

	triggered := g.triggerWebhookWorkflows(r.Context(), name, body, correlationID)

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"received":            true,
		"integration":         name,
		"workflows_triggered": triggered,
		"correlationId":       correlationID,
	})
}

func (g *Gateway) lookupWebhookIntegration(ctx context.Context, name string) (*webhookIntegration, error) {
	var (
		id     string
		config []byte
	)
	err := g.db.QueryRowContext(ctx,
		`SELECT id, config FROM integrations WHERE service_name = $1 AND status != 'disabled'`,
		name).Scan(&id, &config)
	if err != nil {
		return nil, err
	}

	var cfg struct {
		WebhookSecret   string `json:"webhook_secret"`
		SignatureFormat string `json:"signature_format"`
	}
	if len(config) > 0 {
		if err := json.Unmarshal(config, &cfg); err != nil {
			return nil, fmt.Errorf("malformed integration config: %w", err)
		}
	}
	if cfg.SignatureFormat == "" {
		cfg.SignatureFormat = WebhookFormatHMAC
	}
	return &webhookIntegration{ID: id, Secret: cfg.WebhookSecret, Format: cfg.SignatureFormat}, nil
}

// verifyWebhookSignature checks the inbound payload against the
// integration's configured signature scheme. All comparisons are
// constant time.
func verifyWebhookSignature(r *http.Request, body []byte, integration *webhookIntegration) error {
	if integration.Secret == "" {
		return fmt.Errorf("integration has no webhook secret configured")
	}

	switch integration.Format {
	case WebhookFormatHMAC:
		provided := r.Header.Get("X-Webhook-Signature")
		if provided == "" {
			return fmt.Errorf("missing X-Webhook-Signature header")
		}
		expected := crypto.ComputeHMACHex(integration.Secret, body)
		if !crypto.SecureCompareHex(provided, expected) {
			return fmt.Errorf("signature mismatch")
		}
		return nil

	case WebhookFormatStripe:
		header := r.Header.Get("Stripe-Signature")
		if header == "" {
			return fmt.Errorf("missing Stripe-Signature header")
		}
		return crypto.VerifySignature(header, body, integration.Secret)

	case WebhookFormatGitHub:
		provided := r.Header.Get("X-Hub-Signature-256")
		if !strings.HasPrefix(provided, "sha256=") {
			return fmt.Errorf("missing or malformed X-Hub-Signature-256 header")
		}
		expected := crypto.ComputeHMACHex(integration.Secret, body)
		if !crypto.SecureCompareHex(strings.TrimPrefix(provided, "sha256="), expected) {
			return fmt.Errorf("signature mismatch")
		}
		return nil
	}
	return fmt.Errorf("unsupported signature format %q", integration.Format)
}

// triggerWebhookWorkflows launches every active webhook-triggered
// workflow bound to the integration. Launches are asynchronous; the
// webhook sender gets an immediate 200 regardless of run outcomes.
func (g *Gateway) triggerWebhookWorkflows(ctx context.Context, integration string, payload []byte, correlationID string) int {
	rows, err := g.db.QueryContext(ctx, `
		SELECT id FROM workflows
		WHERE trigger_type = 'webhook'
		  AND is_active = true
		  AND trigger_config->>'integration' = $1`, integration)
	if err != nil {
		g.log.Warn("", correlationID, "webhook workflow lookup failed", map[string]interface{}{"integration": integration, "error": err.Error()})
		return 0
	}
	defer rows.Close()

	var workflowIDs []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err == nil {
			workflowIDs = append(workflowIDs, id)
		}
	}

	var event map[string]interface{}
	if err := json.Unmarshal(payload, &event); err != nil {
		event = map[string]interface{}{"raw": string(payload)}
	}

	for _, workflowID := range workflowIDs {
		go func(id string) {
			runCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			_, _, apiErr := g.postOrchestrator(runCtx, "/internal/run-workflow", map[string]interface{}{
				"workflow_id":  id,
				"trigger_type": "webhook",
				"trigger_data": map[string]interface{}{
					"source":      "webhook",
					"integration": integration,
					"event":       event,
				},
			}, correlationID)
			if apiErr != nil {
				g.log.Warn("", correlationID, "webhook workflow launch failed", map[string]interface{}{
					"workflow_id": id, "error": apiErr.Message,
				})
			}
		}(workflowID)
	}
	return len(workflowIDs)
}
