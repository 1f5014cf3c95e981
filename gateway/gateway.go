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
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"

	"flowgate/platform/integrations"
	"flowgate/platform/shared/crypto"
	"flowgate/platform/shared/logger"
)

// headerActingAgent carries the acting agent id on internal dispatches,
// so the destructive gate still applies when the agent executor calls
// back through the shared-secret channel.
const headerActingAgent = "X-Acting-Agent-Id"

// Config is the gateway's process configuration. Empty fields disable
// the feature that needs them; nothing here is required at boot.
type Config struct {
	SchedulerSecret    string
	ProvisioningSecret string
	AdminJWTSecret     string
	OrchestratorURL    string
	InternalBaseURL    string
	AllowedOrigin      string
	AuditFallbackPath  string
}

// Gateway is the single authenticated entry point for agent actions.
type Gateway struct {
	db            *sql.DB
	cfg           Config
	auth          *Authenticator
	limiter       *MemoryLimiter
	confirmations *ConfirmationStore
	audit         *AuditQueue
	registry      *integrations.Service
	codec         *crypto.Codec
	client        *http.Client
	log           *logger.Logger
}

// NewGateway wires the admission pipeline components.
func NewGateway(db *sql.DB, codec *crypto.Codec, cfg Config, log *logger.Logger) *Gateway {
	registerMetrics()
	limiter := NewMemoryLimiter()
	return &Gateway{
		db:            db,
		cfg:           cfg,
		auth:          NewAuthenticator(db, limiter, log),
		limiter:       limiter,
		confirmations: NewConfirmationStore(db),
		audit:         NewAuditQueue(db, 1024, 2, cfg.AuditFallbackPath, log),
		registry:      integrations.NewService(db, codec, log),
		codec:         codec,
		client:        &http.Client{Timeout: 30 * time.Second},
		log:           log,
	}
}

// Audit exposes the queue so the service can drain it on shutdown.
func (g *Gateway) Audit() *AuditQueue {
	return g.audit
}

// principal is the resolved caller of one request: an agent, or an
// internal service presenting the scheduler secret (optionally acting
// on behalf of an agent).
type principal struct {
	agent     *Agent
	internal  bool
	rateLimit RateLimitResult
}

func (p *principal) actorType() string {
	if p.internal {
		return "internal"
	}
	return "agent"
}

func (p *principal) actorID() string {
	if p.agent != nil {
		return p.agent.ID
	}
	return "scheduler"
}

// HandleGateway runs the admission pipeline and dispatches the action.
func (g *Gateway) HandleGateway(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	correlationID := r.Header.Get(headerCorrelationID)
	if correlationID == "" {
		correlationID = uuid.New().String()
	}
	w.Header().Set("X-Correlation-Id", correlationID)

	// 1. Input validation.
	body, apiErr := readJSONBody(w, r)
	if apiErr != nil {
		g.reject(w, correlationID, "", "validation", apiErr)
		return
	}
	req, apiErr := decodeGatewayRequest(body)
	if apiErr != nil {
		g.reject(w, correlationID, "", "validation", apiErr)
		return
	}
	if req.CorrelationID != "" && r.Header.Get(headerCorrelationID) == "" {
		correlationID = req.CorrelationID
		w.Header().Set("X-Correlation-Id", correlationID)
	}

	// 2. Action resolution. Unknown actions never reach auth.
	if _, known := LookupAction(req.Action); !known {
		g.reject(w, correlationID, req.Action, "unknown_action",
			errValidation(fmt.Sprintf("unknown action %q", req.Action)))
		return
	}
	route := RouteForAction(req.Action)

	// 3. Authentication.
	caller, apiErr := g.resolvePrincipal(r.Context(), r)
	if apiErr != nil {
		g.reject(w, correlationID, req.Action, "auth", apiErr)
		return
	}

	if caller.agent != nil && !caller.internal {
		// 4. Capability check.
		if !CanPerformAction(caller.agent.Capabilities, req.Action) {
			g.reject(w, correlationID, req.Action, "capability",
				errPermission(fmt.Sprintf("agent lacks the capability required for %s", req.Action)))
			return
		}

		// 5. Agent-type enforcement.
		if apiErr := g.enforceAgentType(r.Context(), caller.agent, req, route, correlationID); apiErr != nil {
			if apiErr.Status == http.StatusAccepted {
				// Supervised deferral is not an error envelope.
				promBlockedTotal.WithLabelValues("confirmation_pending").Inc()
				writeConfirmationPending(w, correlationID, apiErr.Message)
				return
			}
			g.reject(w, correlationID, req.Action, "agent_type", apiErr)
			return
		}
	}

	// 6. Destructive-action gate. Internal dispatches acting for an
	// agent are gated on that agent's record too.
	if apiErr := g.enforceDestructive(caller, req.Action, correlationID); apiErr != nil {
		g.reject(w, correlationID, req.Action, "destructive", apiErr)
		return
	}

	// 7. Signature verification over the raw body.
	if sig := r.Header.Get(headerSignature); sig != "" && caller.agent != nil && caller.agent.SigningSecret != nil {
		if apiErr := g.verifySignature(r.Context(), caller.agent, sig, body); apiErr != nil {
			g.reject(w, correlationID, req.Action, "signature", apiErr)
			return
		}
	}

	// 8. Dispatch.
	data, status, apiErr := g.dispatch(r.Context(), caller, req, route, correlationID)
	duration := time.Since(start)

	// 9. Audit and envelope.
	outcome := "success"
	if apiErr != nil {
		outcome = "error"
	}
	g.audit.Emit(AuditEvent{
		ActorType: caller.actorType(),
		ActorID:   caller.actorID(),
		Action:    "gateway." + req.Action,
		Details: map[string]interface{}{
			"outcome":        outcome,
			"route":          route,
			"duration_ms":    duration.Milliseconds(),
			"correlation_id": correlationID,
		},
	})
	promRequestsTotal.WithLabelValues(req.Action, outcome).Inc()
	promRequestDuration.WithLabelValues(req.Action).Observe(duration.Seconds())

	if apiErr != nil {
		writeAPIError(w, correlationID, apiErr)
		return
	}

	meta := &ResponseMeta{
		Action:     req.Action,
		DurationMS: duration.Milliseconds(),
	}
	if caller.agent != nil {
		meta.AgentID = caller.agent.ID
		meta.RateLimit = caller.rateLimit.Info()
		SetRateLimitHeaders(w, caller.rateLimit)
	}
	writeJSON(w, status, GatewayResponse{
		RequestID: uuid.New().String(),
		Status:    "success",
		Data:      data,
		Meta:      meta,
	})
}

// reject records a pipeline rejection and writes the error envelope.
func (g *Gateway) reject(w http.ResponseWriter, correlationID, action, reason string, apiErr *apiError) {
	promBlockedTotal.WithLabelValues(reason).Inc()
	if action != "" {
		promRequestsTotal.WithLabelValues(action, "blocked").Inc()
	}
	writeAPIError(w, correlationID, apiErr)
}

// resolvePrincipal authenticates either an internal caller (scheduler
// secret) or an agent (API key).
func (g *Gateway) resolvePrincipal(ctx context.Context, r *http.Request) (*principal, *apiError) {
	if secret := r.Header.Get(headerSchedulerSecret); secret != "" {
		if !secretsEqual(secret, g.cfg.SchedulerSecret) {
			return nil, errAuth("invalid scheduler secret")
		}
		p := &principal{internal: true}
		if actingID := r.Header.Get(headerActingAgent); actingID != "" {
			agent, err := g.auth.LoadAgent(ctx, actingID)
			if err != nil {
				if err == sql.ErrNoRows {
					return nil, errAuth("unknown acting agent")
				}
				return nil, errInternal("agent lookup failed")
			}
			p.agent = agent
		}
		return p, nil
	}

	agent, rateRes, apiErr := g.auth.Authenticate(ctx, r)
	if apiErr != nil {
		return nil, apiErr
	}
	return &principal{agent: agent, rateLimit: rateRes}, nil
}

// enforceAgentType applies the per-type restrictions: tool agents may
// only hit query routes, and supervised agents need a consumed approval
// for anything else. A deferred supervised request gets its 202 written
// here and returns a sentinel 202 error so the pipeline stops.
func (g *Gateway) enforceAgentType(ctx context.Context, agent *Agent, req *GatewayRequest, route, correlationID string) *apiError {
	switch agent.Type {
	case AgentTypeTool:
		if route != RouteQuery {
			return errPermission("tool agents may only perform query actions")
		}
	case AgentTypeSupervised:
		if route == RouteQuery {
			return nil
		}
		approved, err := g.confirmations.ConsumeApproved(ctx, agent.ID, req.Action)
		if err != nil {
			g.log.Error(agent.ID, correlationID, "confirmation lookup failed", map[string]interface{}{"error": err.Error()})
			return errInternal("confirmation check failed")
		}
		if approved {
			return nil
		}
		confirmationID, err := g.confirmations.CreatePending(ctx, agent.ID, req.Action, req.Params, correlationID)
		if err != nil {
			g.log.Error(agent.ID, correlationID, "pending confirmation insert failed", map[string]interface{}{"error": err.Error()})
			return errInternal("confirmation check failed")
		}
		return &apiError{Kind: "approval_required", Status: http.StatusAccepted, Message: confirmationID}
	}
	return nil
}

// writeConfirmationPending renders the supervised 202 body.
func writeConfirmationPending(w http.ResponseWriter, correlationID, confirmationID string) {
	writeJSON(w, http.StatusAccepted, map[string]interface{}{
		"error":                "Approval required",
		"confirmation_pending": true,
		"confirmation_id":      confirmationID,
		"correlationId":        correlationID,
	})
}

// enforceDestructive runs the destructive-action gate for the agent the
// request acts as. Internal calls with no agent context pass: they can
// only originate from operators holding the scheduler secret.
func (g *Gateway) enforceDestructive(caller *principal, action, correlationID string) *apiError {
	if !IsDestructiveAction(action) || caller.agent == nil {
		return nil
	}
	decision := VerifyDestructiveAction(action, caller.agent.Type, caller.agent.AllowDestructive)
	if decision.Allowed {
		return nil
	}
	g.audit.Emit(AuditEvent{
		ActorType: caller.actorType(),
		ActorID:   caller.agent.ID,
		Action:    "gateway.destructive_blocked",
		Details: map[string]interface{}{
			"blocked_action": action,
			"reason":         decision.Reason,
			"correlation_id": correlationID,
		},
	})
	return errPermission(decision.Reason)
}

// verifySignature checks X-Signature against the raw body using the
// agent's decrypted signing secret.
func (g *Gateway) verifySignature(ctx context.Context, agent *Agent, header string, body []byte) *apiError {
	var secret string
	if err := g.codec.Decrypt(ctx, agent.SigningSecret, &secret); err != nil {
		g.log.Error(agent.ID, "", "signing secret decrypt failed", map[string]interface{}{"error": err.Error()})
		return errInternal("signature verification unavailable")
	}
	if err := crypto.VerifySignature(header, body, secret); err != nil {
		return errAuth("invalid request signature")
	}
	return nil
}

// dispatch routes an admitted request to its handler.
func (g *Gateway) dispatch(ctx context.Context, caller *principal, req *GatewayRequest, route, correlationID string) (interface{}, int, *apiError) {
	switch route {
	case RouteQuery:
		return g.dispatchQuery(ctx, req)
	case RouteWorkflow:
		return g.dispatchWorkflow(ctx, caller, req, correlationID)
	case RouteAgent:
		return g.dispatchAgent(ctx, caller, req, correlationID)
	case RouteIntegration:
		return g.dispatchIntegration(ctx, caller, req)
	default:
		return g.dispatchSystem(ctx, caller, req, correlationID)
	}
}

// queryableTables is the allow-list behind query.* actions. The table
// name is taken from the action suffix, never from params.
var queryableTables = map[string]struct{}{
	"workflows":        {},
	"workflow_runs":    {},
	"agent_commands":   {},
	"integrations":     {},
	"tool_definitions": {},
}

var selectListPattern = regexp.MustCompile(`^(\*|[a-z][a-z0-9_]*(\s*,\s*[a-z][a-z0-9_]*)*)$`)

func (g *Gateway) dispatchQuery(ctx context.Context, req *GatewayRequest) (interface{}, int, *apiError) {
	table := strings.TrimPrefix(req.Action, "query.")
	if _, ok := queryableTables[table]; !ok {
		return nil, 0, errNotFound(fmt.Sprintf("no queryable table for %s", req.Action))
	}

	sel, apiErr := optionalString(req.Params, "select", "*")
	if apiErr != nil {
		return nil, 0, apiErr
	}
	if !selectListPattern.MatchString(strings.TrimSpace(sel)) {
		return nil, 0, errValidation("params.select must be * or a comma-separated column list")
	}
	limit, apiErr := optionalInt(req.Params, "limit", 50)
	if apiErr != nil {
		return nil, 0, apiErr
	}
	if limit <= 0 || limit > 200 {
		limit = 50
	}

	rows, err := g.runQuery(ctx, fmt.Sprintf(`SELECT %s FROM %s LIMIT %d`, sel, table, limit))
	if err != nil {
		g.log.Error("", "", "query dispatch failed", map[string]interface{}{"table": table, "error": err.Error()})
		return nil, 0, errInternal("query failed")
	}
	return map[string]interface{}{"rows": rows, "count": len(rows)}, http.StatusOK, nil
}

// runQuery executes a read and decodes every row into a generic map.
func (g *Gateway) runQuery(ctx context.Context, query string, args ...interface{}) ([]map[string]interface{}, error) {
	rows, err := g.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return nil, err
	}

	out := []map[string]interface{}{}
	for rows.Next() {
		values := make([]interface{}, len(cols))
		ptrs := make([]interface{}, len(cols))
		for i := range values {
			ptrs[i] = &values[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, err
		}
		record := make(map[string]interface{}, len(cols))
		for i, col := range cols {
			switch v := values[i].(type) {
			case []byte:
				record[col] = string(v)
			default:
				record[col] = v
			}
		}
		out = append(out, record)
	}
	return out, rows.Err()
}

func (g *Gateway) dispatchWorkflow(ctx context.Context, caller *principal, req *GatewayRequest, correlationID string) (interface{}, int, *apiError) {
	switch req.Action {
	case "workflow.execute":
		workflowID, apiErr := requireString(req.Params, "workflow_id")
		if apiErr != nil {
			return nil, 0, apiErr
		}
		triggerType, apiErr := optionalString(req.Params, "trigger_type", "manual")
		if apiErr != nil {
			return nil, 0, apiErr
		}
		triggerData := map[string]interface{}{}
		for k, v := range req.Params {
			triggerData[k] = v
		}
		triggerData["source"] = "api-gateway"
		if caller.agent != nil {
			triggerData["agent_id"] = caller.agent.ID
		}
		return g.postOrchestrator(ctx, "/internal/run-workflow", map[string]interface{}{
			"workflow_id":  workflowID,
			"trigger_type": triggerType,
			"trigger_data": triggerData,
		}, correlationID)

	case "workflow.status":
		runID, apiErr := requireString(req.Params, "run_id")
		if apiErr != nil {
			return nil, 0, apiErr
		}
		rows, err := g.runQuery(ctx,
			`SELECT id, workflow_id, status, trigger_type, step_results, error, started_at, completed_at
			 FROM workflow_runs WHERE id = $1`, runID)
		if err != nil {
			return nil, 0, errInternal("workflow run lookup failed")
		}
		if len(rows) == 0 {
			return nil, 0, errNotFound("workflow run not found")
		}
		return rows[0], http.StatusOK, nil

	case "workflow.list":
		rows, err := g.runQuery(ctx,
			`SELECT id, name, trigger_type, is_active FROM workflows ORDER BY name LIMIT 100`)
		if err != nil {
			return nil, 0, errInternal("workflow listing failed")
		}
		return map[string]interface{}{"workflows": rows}, http.StatusOK, nil
	}
	return nil, 0, errNotFound(fmt.Sprintf("no workflow handler for %s", req.Action))
}

func (g *Gateway) dispatchAgent(ctx context.Context, caller *principal, req *GatewayRequest, correlationID string) (interface{}, int, *apiError) {
	agent := caller.agent
	switch req.Action {
	case "agent.status":
		if agent == nil {
			return nil, 0, errValidation("agent.status requires an agent caller")
		}
		return map[string]interface{}{
			"agent_id":     agent.ID,
			"name":         agent.Name,
			"type":         agent.Type,
			"status":       agent.Status,
			"last_seen_at": agent.LastSeenAt,
		}, http.StatusOK, nil

	case "agent.capabilities":
		if agent == nil {
			return nil, 0, errValidation("agent.capabilities requires an agent caller")
		}
		return map[string]interface{}{
			"agent_id":          agent.ID,
			"capabilities":      agent.Capabilities,
			"allow_destructive": agent.AllowDestructive,
		}, http.StatusOK, nil

	case "agent.execute":
		if agent == nil {
			return nil, 0, errValidation("agent.execute requires an agent caller")
		}
		command, apiErr := requireString(req.Params, "command")
		if apiErr != nil {
			return nil, 0, apiErr
		}
		commandID, apiErr := optionalString(req.Params, "command_id", "")
		if apiErr != nil {
			return nil, 0, apiErr
		}
		return g.postOrchestrator(ctx, "/internal/agent-execute", map[string]interface{}{
			"command":      command,
			"agent_id":     agent.ID,
			"capabilities": agent.Capabilities,
			"command_id":   commandID,
		}, correlationID)

	case "agent.orchestrate":
		command, apiErr := requireString(req.Params, "command")
		if apiErr != nil {
			return nil, 0, apiErr
		}
		rawIDs, ok := req.Params["agent_ids"].([]interface{})
		if !ok || len(rawIDs) == 0 {
			return nil, 0, errValidation("params.agent_ids must be a non-empty array")
		}
		agentIDs := make([]string, 0, len(rawIDs))
		for _, raw := range rawIDs {
			id, ok := raw.(string)
			if !ok || id == "" {
				return nil, 0, errValidation("params.agent_ids must contain agent id strings")
			}
			agentIDs = append(agentIDs, id)
		}
		strategy, apiErr := optionalString(req.Params, "strategy", "merge_all")
		if apiErr != nil {
			return nil, 0, apiErr
		}
		timeoutMS, apiErr := optionalInt(req.Params, "timeout_ms", 0)
		if apiErr != nil {
			return nil, 0, apiErr
		}
		return g.postOrchestrator(ctx, "/internal/orchestrate", map[string]interface{}{
			"command":    command,
			"agent_ids":  agentIDs,
			"strategy":   strategy,
			"timeout_ms": timeoutMS,
		}, correlationID)
	}
	return nil, 0, errNotFound(fmt.Sprintf("no agent handler for %s", req.Action))
}

func (g *Gateway) dispatchIntegration(ctx context.Context, caller *principal, req *GatewayRequest) (interface{}, int, *apiError) {
	switch req.Action {
	case "integration.list":
		list, err := g.registry.List(ctx)
		if err != nil {
			return nil, 0, errInternal("integration listing failed")
		}
		summaries := make([]map[string]interface{}, 0, len(list))
		for i := range list {
			summaries = append(summaries, integrationSummary(&list[i]))
		}
		return map[string]interface{}{"integrations": summaries}, http.StatusOK, nil

	case "integration.status":
		service, apiErr := optionalString(req.Params, "service", "")
		if apiErr != nil {
			return nil, 0, apiErr
		}
		if service == "" {
			return g.dispatchIntegration(ctx, caller, &GatewayRequest{Action: "integration.list", Params: req.Params})
		}
		integration, err := g.registry.Get(ctx, service)
		if err != nil {
			if err == integrations.ErrNotFound {
				return nil, 0, errNotFound(fmt.Sprintf("integration %q not found", service))
			}
			return nil, 0, errInternal("integration lookup failed")
		}
		if check, _ := req.Params["check_health"].(bool); check {
			status, err := g.registry.CheckHealth(ctx, service)
			if err != nil {
				return nil, 0, errInternal("integration health check failed")
			}
			integration.Status = status
		}
		return integrationSummary(integration), http.StatusOK, nil

	case "integration.connect":
		service, apiErr := requireString(req.Params, "service")
		if apiErr != nil {
			return nil, 0, apiErr
		}
		redirectURI, apiErr := requireString(req.Params, "redirect_uri")
		if apiErr != nil {
			return nil, 0, apiErr
		}
		authorizeURL, state, err := g.registry.InitiateOAuth(ctx, service, caller.actorID(), redirectURI)
		if err != nil {
			if err == integrations.ErrNotFound {
				return nil, 0, errNotFound(fmt.Sprintf("integration %q not found", service))
			}
			return nil, 0, errValidation(err.Error())
		}
		return map[string]interface{}{
			"authorize_url": authorizeURL,
			"state":         state,
		}, http.StatusOK, nil
	}
	return nil, 0, errNotFound(fmt.Sprintf("no integration handler for %s", req.Action))
}

// integrationSummary renders a registry row without its config, which
// may hold client secrets.
func integrationSummary(integration *integrations.Integration) map[string]interface{} {
	return map[string]interface{}{
		"id":              integration.ID,
		"service_name":    integration.ServiceName,
		"service_type":    integration.ServiceType,
		"status":          integration.Status,
		"last_checked_at": integration.LastCheckedAt,
	}
}

// dispatchSystem forwards an action to the internal handler named after
// it: POST <base>/functions/v1/<action>.
func (g *Gateway) dispatchSystem(ctx context.Context, caller *principal, req *GatewayRequest, correlationID string) (interface{}, int, *apiError) {
	if g.cfg.InternalBaseURL == "" {
		return nil, 0, errInternal("internal dispatch is not configured")
	}
	url := strings.TrimSuffix(g.cfg.InternalBaseURL, "/") + "/functions/v1/" + req.Action
	return g.postInternal(ctx, url, req.Params, caller, correlationID)
}

// postOrchestrator posts to an orchestrator internal endpoint with the
// scheduler secret, avoiding a second authentication pass.
func (g *Gateway) postOrchestrator(ctx context.Context, path string, body interface{}, correlationID string) (interface{}, int, *apiError) {
	if g.cfg.OrchestratorURL == "" {
		return nil, 0, errInternal("orchestrator dispatch is not configured")
	}
	url := strings.TrimSuffix(g.cfg.OrchestratorURL, "/") + path
	return g.postInternal(ctx, url, body, nil, correlationID)
}

func (g *Gateway) postInternal(ctx context.Context, url string, body interface{}, caller *principal, correlationID string) (interface{}, int, *apiError) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, 0, errInternal("dispatch payload encoding failed")
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return nil, 0, errInternal("dispatch request build failed")
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-scheduler-secret", g.cfg.SchedulerSecret)
	httpReq.Header.Set("x-correlation-id", correlationID)
	if caller != nil && caller.agent != nil {
		httpReq.Header.Set(headerActingAgent, caller.agent.ID)
	}

	resp, err := g.client.Do(httpReq)
	if err != nil {
		return nil, 0, errUpstream("downstream handler unreachable")
	}
	defer resp.Body.Close()

	var decoded interface{}
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		decoded = nil
	}
	if resp.StatusCode >= 400 {
		apiErr := errUpstream(fmt.Sprintf("downstream handler returned %d", resp.StatusCode))
		apiErr.Status = resp.StatusCode
		return nil, 0, apiErr
	}
	return decoded, resp.StatusCode, nil
}
