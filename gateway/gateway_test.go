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
	"database/sql/driver"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"flowgate/platform/shared/crypto"
	"flowgate/platform/shared/logger"
)

var agentColumns = []string{
	"id", "tenant_id", "name", "type", "status", "capabilities",
	"rate_limit_per_minute", "allow_destructive", "signing_secret", "metadata", "last_seen_at",
}

// agentFixture describes the row verify_agent_api_key returns for a test.
type agentFixture struct {
	id               string
	agentType        string
	status           string
	capabilities     pq.StringArray
	rateLimit        int
	allowDestructive bool
	signingSecret    driver.Value
}

func defaultAgent() agentFixture {
	return agentFixture{
		id:           "agent-1",
		agentType:    AgentTypeAutonomous,
		status:       AgentStatusActive,
		capabilities: pq.StringArray{"email"},
		rateLimit:    60,
	}
}

func expectKeyLookup(mock sqlmock.Sqlmock, f agentFixture) {
	mock.ExpectQuery(`FROM verify_agent_api_key`).WillReturnRows(
		sqlmock.NewRows(agentColumns).AddRow(
			f.id, "tenant-1", "Test Agent", f.agentType, f.status, f.capabilities,
			f.rateLimit, f.allowDestructive, f.signingSecret, []byte(`{}`), nil))
}

// newTestGateway builds a gateway over sqlmock. The extra exec
// expectations absorb fire-and-forget writes (audit, last_seen) so they
// succeed instead of spinning through retry backoff.
func newTestGateway(t *testing.T, cfg Config) (*Gateway, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	mock.MatchExpectationsInOrder(false)

	for i := 0; i < 8; i++ {
		mock.ExpectExec(`SELECT log_audit_event`).WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectExec(`UPDATE agents SET last_seen_at`).WillReturnResult(sqlmock.NewResult(0, 1))
	}

	codec := crypto.NewCodec(crypto.NewEnvKeySource())
	gw := NewGateway(db, codec, cfg, logger.New("gateway-test"))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = gw.Audit().Shutdown(ctx)
		db.Close()
	})
	return gw, mock
}

func doGateway(gw *Gateway, action string, params map[string]interface{}, headers map[string]string) *httptest.ResponseRecorder {
	body, _ := json.Marshal(GatewayRequest{Action: action, Params: params})
	return doGatewayRaw(gw, body, headers)
}

func doGatewayRaw(gw *Gateway, body []byte, headers map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/api/gateway", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	gw.HandleGateway(rec, req)
	return rec
}

func decodeEnvelope(t *testing.T, rec *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var out map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	return out
}

func TestGatewayAgentExecuteHappyPath(t *testing.T) {
	var gotPath, gotSecret string
	orchestrator := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotSecret = r.Header.Get("X-Scheduler-Secret")
		writeJSON(w, http.StatusOK, map[string]interface{}{"response": "done"})
	}))
	defer orchestrator.Close()

	gw, mock := newTestGateway(t, Config{SchedulerSecret: "sched-secret", OrchestratorURL: orchestrator.URL})
	expectKeyLookup(mock, defaultAgent())

	rec := doGateway(gw, "agent.execute", map[string]interface{}{"command": "list new leads"},
		map[string]string{headerAgentKey: "fgk_test-key"})

	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "/internal/agent-execute", gotPath)
	assert.Equal(t, "sched-secret", gotSecret)
	assert.NotEmpty(t, rec.Header().Get("X-Correlation-Id"))
	assert.Equal(t, "60", rec.Header().Get("X-RateLimit-Limit"))

	envelope := decodeEnvelope(t, rec)
	assert.Equal(t, "success", envelope["status"])
	assert.NotEmpty(t, envelope["request_id"])
	data := envelope["data"].(map[string]interface{})
	assert.Equal(t, "done", data["response"])
	meta := envelope["meta"].(map[string]interface{})
	assert.Equal(t, "agent-1", meta["agent_id"])
	assert.Equal(t, "agent.execute", meta["action"])
}

func TestGatewayUnknownActionRejectedBeforeAuth(t *testing.T) {
	gw, _ := newTestGateway(t, Config{})

	// No agent key at all: the unknown action must fail first.
	rec := doGateway(gw, "crm.obliterate", nil, nil)

	require.Equal(t, http.StatusBadRequest, rec.Code)
	envelope := decodeEnvelope(t, rec)
	assert.Equal(t, ErrKindValidation, envelope["error"])
	assert.Contains(t, envelope["message"], "unknown action")
}

func TestGatewayMissingKeyRejected(t *testing.T) {
	gw, _ := newTestGateway(t, Config{})

	rec := doGateway(gw, "crm.search", nil, nil)

	require.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, ErrKindAuth, decodeEnvelope(t, rec)["error"])
}

func TestGatewayCapabilityDenied(t *testing.T) {
	gw, mock := newTestGateway(t, Config{})
	agent := defaultAgent() // holds "email" only
	expectKeyLookup(mock, agent)

	rec := doGateway(gw, "crm.search", map[string]interface{}{"query": "acme"},
		map[string]string{headerAgentKey: "fgk_test-key"})

	require.Equal(t, http.StatusForbidden, rec.Code)
	envelope := decodeEnvelope(t, rec)
	assert.Equal(t, ErrKindPermission, envelope["error"])
	assert.Contains(t, envelope["message"], "capability")
}

func TestGatewayToolAgentRestrictedToQueries(t *testing.T) {
	gw, mock := newTestGateway(t, Config{})
	agent := defaultAgent()
	agent.agentType = AgentTypeTool
	expectKeyLookup(mock, agent)

	rec := doGateway(gw, "email.search", map[string]interface{}{"query": "invoices"},
		map[string]string{headerAgentKey: "fgk_test-key"})

	require.Equal(t, http.StatusForbidden, rec.Code)
	assert.Contains(t, decodeEnvelope(t, rec)["message"], "query actions")
}

func TestGatewayToolAgentMayQuery(t *testing.T) {
	gw, mock := newTestGateway(t, Config{})
	agent := defaultAgent()
	agent.agentType = AgentTypeTool
	agent.capabilities = pq.StringArray{"query"}
	expectKeyLookup(mock, agent)
	mock.ExpectQuery(`SELECT \* FROM workflows`).WillReturnRows(
		sqlmock.NewRows([]string{"id", "name"}).AddRow("wf-1", "Weekly digest"))

	rec := doGateway(gw, "query.workflows", nil, map[string]string{headerAgentKey: "fgk_test-key"})

	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	data := decodeEnvelope(t, rec)["data"].(map[string]interface{})
	assert.Equal(t, float64(1), data["count"])
}

func TestGatewayDestructiveBlocked(t *testing.T) {
	gw, mock := newTestGateway(t, Config{})
	agent := defaultAgent() // allowDestructive false
	expectKeyLookup(mock, agent)

	rec := doGateway(gw, "email.send", map[string]interface{}{"to": "a@example.com"},
		map[string]string{headerAgentKey: "fgk_test-key"})

	require.Equal(t, http.StatusForbidden, rec.Code)
	assert.Contains(t, decodeEnvelope(t, rec)["message"], "destructive")
}

func TestGatewaySupervisedAgentDeferred(t *testing.T) {
	gw, mock := newTestGateway(t, Config{})
	agent := defaultAgent()
	agent.agentType = AgentTypeSupervised
	agent.allowDestructive = true
	expectKeyLookup(mock, agent)

	// No approved confirmation exists; a pending one is created.
	mock.ExpectExec(`UPDATE agent_confirmations SET status`).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(`INSERT INTO agent_confirmations`).
		WillReturnResult(sqlmock.NewResult(0, 1))

	rec := doGateway(gw, "email.send", map[string]interface{}{"to": "a@example.com"},
		map[string]string{headerAgentKey: "fgk_test-key"})

	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	envelope := decodeEnvelope(t, rec)
	assert.Equal(t, true, envelope["confirmation_pending"])
	assert.NotEmpty(t, envelope["confirmation_id"])
}

func TestGatewaySupervisedAgentApprovedProceeds(t *testing.T) {
	internal := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/functions/v1/email.send", r.URL.Path)
		writeJSON(w, http.StatusOK, map[string]interface{}{"sent": true})
	}))
	defer internal.Close()

	gw, mock := newTestGateway(t, Config{InternalBaseURL: internal.URL})
	agent := defaultAgent()
	agent.agentType = AgentTypeSupervised
	agent.allowDestructive = true
	expectKeyLookup(mock, agent)

	// One approved confirmation is consumed by this request.
	mock.ExpectExec(`UPDATE agent_confirmations SET status`).
		WillReturnResult(sqlmock.NewResult(0, 1))

	rec := doGateway(gw, "email.send", map[string]interface{}{"to": "a@example.com"},
		map[string]string{headerAgentKey: "fgk_test-key"})

	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	data := decodeEnvelope(t, rec)["data"].(map[string]interface{})
	assert.Equal(t, true, data["sent"])
}

func TestGatewayRateLimitExceeded(t *testing.T) {
	gw, mock := newTestGateway(t, Config{})
	agent := defaultAgent()
	agent.rateLimit = 2
	for i := 0; i < 3; i++ {
		expectKeyLookup(mock, agent)
	}

	headers := map[string]string{headerAgentKey: "fgk_test-key"}
	require.Equal(t, http.StatusOK, doGateway(gw, "agent.status", nil, headers).Code)
	require.Equal(t, http.StatusOK, doGateway(gw, "agent.status", nil, headers).Code)

	rec := doGateway(gw, "agent.status", nil, headers)
	require.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "0", rec.Header().Get("X-RateLimit-Remaining"))
	assert.NotEmpty(t, rec.Header().Get("Retry-After"))

	envelope := decodeEnvelope(t, rec)
	assert.Equal(t, ErrKindRateLimited, envelope["error"])
	require.NotNil(t, envelope["rateLimit"])
	limitInfo := envelope["rateLimit"].(map[string]interface{})
	assert.Equal(t, float64(2), limitInfo["limit"])
}

func TestGatewaySignatureVerification(t *testing.T) {
	t.Setenv("ENCRYPTION_MASTER_KEY", "unit-test-master-key")

	codec := crypto.NewCodec(crypto.NewEnvKeySource())
	payload, err := codec.Encrypt(context.Background(), "agent-signing-secret")
	require.NoError(t, err)
	payloadJSON, err := json.Marshal(payload)
	require.NoError(t, err)

	gw, mock := newTestGateway(t, Config{})
	agent := defaultAgent()
	agent.signingSecret = payloadJSON

	body, _ := json.Marshal(GatewayRequest{Action: "agent.status"})

	expectKeyLookup(mock, agent)
	valid := doGatewayRaw(gw, body, map[string]string{
		headerAgentKey:  "fgk_test-key",
		headerSignature: crypto.SignPayload("agent-signing-secret", time.Now(), body),
	})
	require.Equal(t, http.StatusOK, valid.Code, valid.Body.String())

	expectKeyLookup(mock, agent)
	forged := doGatewayRaw(gw, body, map[string]string{
		headerAgentKey:  "fgk_test-key",
		headerSignature: crypto.SignPayload("wrong-secret", time.Now(), body),
	})
	require.Equal(t, http.StatusUnauthorized, forged.Code)
	assert.Contains(t, decodeEnvelope(t, forged)["message"], "signature")
}

func TestGatewayInternalCallerQuery(t *testing.T) {
	gw, mock := newTestGateway(t, Config{SchedulerSecret: "sched-secret"})
	mock.ExpectQuery(`SELECT id, name FROM workflows`).WillReturnRows(
		sqlmock.NewRows([]string{"id", "name"}).
			AddRow("wf-1", "Weekly digest").
			AddRow("wf-2", "Lead sync"))

	rec := doGateway(gw, "query.workflows", map[string]interface{}{"select": "id, name"},
		map[string]string{headerSchedulerSecret: "sched-secret"})

	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	data := decodeEnvelope(t, rec)["data"].(map[string]interface{})
	assert.Equal(t, float64(2), data["count"])
}

func TestGatewayInternalCallerBadSecret(t *testing.T) {
	gw, _ := newTestGateway(t, Config{SchedulerSecret: "sched-secret"})

	rec := doGateway(gw, "query.workflows", nil,
		map[string]string{headerSchedulerSecret: "wrong"})

	require.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestGatewayQuerySelectListValidated(t *testing.T) {
	gw, _ := newTestGateway(t, Config{SchedulerSecret: "sched-secret"})

	rec := doGateway(gw, "query.workflows",
		map[string]interface{}{"select": "id; DROP TABLE workflows"},
		map[string]string{headerSchedulerSecret: "sched-secret"})

	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, decodeEnvelope(t, rec)["message"], "select")
}

func TestGatewayInternalActingAgentStillGated(t *testing.T) {
	gw, mock := newTestGateway(t, Config{SchedulerSecret: "sched-secret"})

	// The acting agent is a tool agent: destructive actions stay blocked
	// even though the caller holds the scheduler secret.
	mock.ExpectQuery(`FROM agents WHERE id`).WillReturnRows(
		sqlmock.NewRows(agentColumns).AddRow(
			"agent-7", "tenant-1", "Tool Agent", AgentTypeTool, AgentStatusActive,
			pq.StringArray{"email"}, 60, true, nil, []byte(`{}`), nil))

	rec := doGateway(gw, "email.send", map[string]interface{}{"to": "a@example.com"},
		map[string]string{
			headerSchedulerSecret: "sched-secret",
			headerActingAgent:     "agent-7",
		})

	require.Equal(t, http.StatusForbidden, rec.Code)
	assert.Contains(t, decodeEnvelope(t, rec)["message"], "destructive")
}

func TestGatewayOrchestrateValidation(t *testing.T) {
	gw, mock := newTestGateway(t, Config{})
	agent := defaultAgent()
	agent.capabilities = pq.StringArray{"orchestration"}
	expectKeyLookup(mock, agent)

	rec := doGateway(gw, "agent.orchestrate",
		map[string]interface{}{"command": "summarize inbox", "agent_ids": []interface{}{}},
		map[string]string{headerAgentKey: "fgk_test-key"})

	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, decodeEnvelope(t, rec)["message"], "agent_ids")
}

func TestGatewayUpstreamErrorPropagated(t *testing.T) {
	orchestrator := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusServiceUnavailable, map[string]interface{}{"error": "llm offline"})
	}))
	defer orchestrator.Close()

	gw, mock := newTestGateway(t, Config{SchedulerSecret: "s", OrchestratorURL: orchestrator.URL})
	expectKeyLookup(mock, defaultAgent())

	rec := doGateway(gw, "agent.execute", map[string]interface{}{"command": "hello"},
		map[string]string{headerAgentKey: "fgk_test-key"})

	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, ErrKindUpstream, decodeEnvelope(t, rec)["error"])
}
