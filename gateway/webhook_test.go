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
	"database/sql"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/gorilla/mux"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"flowgate/platform/shared/crypto"
)

func doWebhook(gw *Gateway, integration string, body []byte, headers map[string]string) *httptest.ResponseRecorder {
	router := mux.NewRouter()
	router.HandleFunc("/api/webhooks/{integration}", gw.HandleWebhook).Methods(http.MethodPost)

	req := httptest.NewRequest(http.MethodPost, "/api/webhooks/"+integration, bytes.NewReader(body))
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func expectWebhookIntegration(mock sqlmock.Sqlmock, name, id string, config map[string]interface{}) {
	configJSON, _ := json.Marshal(config)
	mock.ExpectQuery(`SELECT id, config FROM integrations`).
		WithArgs(name).
		WillReturnRows(sqlmock.NewRows([]string{"id", "config"}).AddRow(id, configJSON))
}

func expectNoTriggeredWorkflows(mock sqlmock.Sqlmock) {
	mock.ExpectQuery(`FROM workflows`).
		WillReturnRows(sqlmock.NewRows([]string{"id"}))
}

func TestWebhookHMACSignature(t *testing.T) {
	gw, mock := newTestGateway(t, Config{})
	body := []byte(`{"event": "contact.created", "id": "c-1"}`)

	expectWebhookIntegration(mock, "hubspot", "int-1", map[string]interface{}{
		"webhook_secret": "whsec_test",
	})
	mock.ExpectExec(`SELECT emit_event`).WillReturnResult(sqlmock.NewResult(0, 1))
	expectNoTriggeredWorkflows(mock)

	rec := doWebhook(gw, "hubspot", body, map[string]string{
		"X-Webhook-Signature": crypto.ComputeHMACHex("whsec_test", body),
	})

	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var out map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	assert.Equal(t, true, out["received"])
	assert.Equal(t, "hubspot", out["integration"])
	assert.Equal(t, float64(0), out["workflows_triggered"])
}

func TestWebhookGitHubSignature(t *testing.T) {
	gw, mock := newTestGateway(t, Config{})
	body := []byte(`{"action": "opened"}`)

	expectWebhookIntegration(mock, "github", "int-2", map[string]interface{}{
		"webhook_secret":   "gh_secret",
		"signature_format": WebhookFormatGitHub,
	})
	mock.ExpectExec(`SELECT emit_event`).WillReturnResult(sqlmock.NewResult(0, 1))
	expectNoTriggeredWorkflows(mock)

	rec := doWebhook(gw, "github", body, map[string]string{
		"X-Hub-Signature-256": "sha256=" + crypto.ComputeHMACHex("gh_secret", body),
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
}

func TestWebhookStripeSignature(t *testing.T) {
	gw, mock := newTestGateway(t, Config{})
	body := []byte(`{"type": "invoice.paid"}`)

	expectWebhookIntegration(mock, "stripe", "int-3", map[string]interface{}{
		"webhook_secret":   "stripe_secret",
		"signature_format": WebhookFormatStripe,
	})
	mock.ExpectExec(`SELECT emit_event`).WillReturnResult(sqlmock.NewResult(0, 1))
	expectNoTriggeredWorkflows(mock)

	rec := doWebhook(gw, "stripe", body, map[string]string{
		"Stripe-Signature": crypto.SignPayload("stripe_secret", time.Now(), body),
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
}

func TestWebhookBadSignatureRejected(t *testing.T) {
	gw, mock := newTestGateway(t, Config{})
	body := []byte(`{"event": "contact.created"}`)

	expectWebhookIntegration(mock, "hubspot", "int-1", map[string]interface{}{
		"webhook_secret": "whsec_test",
	})

	rec := doWebhook(gw, "hubspot", body, map[string]string{
		"X-Webhook-Signature": crypto.ComputeHMACHex("wrong_secret", body),
	})
	require.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Contains(t, rec.Body.String(), "signature")
}

func TestWebhookMissingSignatureHeaderRejected(t *testing.T) {
	gw, mock := newTestGateway(t, Config{})

	expectWebhookIntegration(mock, "hubspot", "int-1", map[string]interface{}{
		"webhook_secret": "whsec_test",
	})

	rec := doWebhook(gw, "hubspot", []byte(`{}`), nil)
	require.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestWebhookUnknownIntegration(t *testing.T) {
	gw, mock := newTestGateway(t, Config{})
	mock.ExpectQuery(`SELECT id, config FROM integrations`).
		WillReturnError(sql.ErrNoRows)

	rec := doWebhook(gw, "nope", []byte(`{}`), nil)
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestWebhookUnconfiguredSecretRejected(t *testing.T) {
	gw, mock := newTestGateway(t, Config{})

	// No webhook_secret in the integration config: everything is rejected
	// rather than silently accepted.
	expectWebhookIntegration(mock, "hubspot", "int-1", map[string]interface{}{})

	rec := doWebhook(gw, "hubspot", []byte(`{}`), map[string]string{
		"X-Webhook-Signature": crypto.ComputeHMACHex("", []byte(`{}`)),
	})
	require.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestWebhookTriggersBoundWorkflows(t *testing.T) {
	var launches int32
	orchestrator := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/internal/run-workflow", r.URL.Path)
		atomic.AddInt32(&launches, 1)
		writeJSON(w, http.StatusOK, map[string]interface{}{"status": "completed"})
	}))
	defer orchestrator.Close()

	gw, mock := newTestGateway(t, Config{OrchestratorURL: orchestrator.URL})
	body := []byte(`{"event": "deal.closed"}`)

	expectWebhookIntegration(mock, "hubspot", "int-1", map[string]interface{}{
		"webhook_secret": "whsec_test",
	})
	mock.ExpectExec(`SELECT emit_event`).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery(`FROM workflows`).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow("wf-1").AddRow("wf-2"))

	rec := doWebhook(gw, "hubspot", body, map[string]string{
		"X-Webhook-Signature": crypto.ComputeHMACHex("whsec_test", body),
	})

	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var out map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	assert.Equal(t, float64(2), out["workflows_triggered"])

	// Launches are fire-and-forget; wait for both to land.
	require.Eventually(t, func() bool {
		return atomic.LoadInt32(&launches) == 2
	}, 2*time.Second, 10*time.Millisecond)
}

func TestVerifyWebhookSignatureUnsupportedFormat(t *testing.T) {
	err := verifyWebhookSignature(httptest.NewRequest(http.MethodPost, "/", nil), []byte(`{}`),
		&webhookIntegration{ID: "int-1", Secret: "s", Format: "pgp"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unsupported")
}

func TestVerifyWebhookSignatureGitHubMalformedHeader(t *testing.T) {
	req := httptest.NewRequest(http.MethodPost, "/", nil)
	req.Header.Set("X-Hub-Signature-256", fmt.Sprintf("md5=%s", crypto.ComputeHMACHex("s", []byte(`{}`))))
	err := verifyWebhookSignature(req, []byte(`{}`),
		&webhookIntegration{ID: "int-1", Secret: "s", Format: WebhookFormatGitHub})
	require.Error(t, err)
}
