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

package integrations

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"flowgate/platform/shared/crypto"
	"flowgate/platform/shared/logger"
)

var integrationColumns = []string{
	"id", "service_name", "service_type", "config", "health_check_url", "status", "last_checked_at",
}

func newTestService(t *testing.T) (*Service, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	mock.MatchExpectationsInOrder(false)

	codec := crypto.NewCodec(crypto.NewEnvKeySource())
	return NewService(db, codec, logger.New("integrations-test")), mock
}

func expectIntegrationRow(mock sqlmock.Sqlmock, name, configJSON, healthURL, status string) {
	mock.ExpectQuery(`FROM integrations WHERE service_name`).
		WithArgs(name).
		WillReturnRows(sqlmock.NewRows(integrationColumns).
			AddRow("int-1", name, ServiceTypeOAuth2, []byte(configJSON), healthURL, status, nil))
}

func TestGetIntegration(t *testing.T) {
	svc, mock := newTestService(t)
	expectIntegrationRow(mock, "hubspot", `{"client_id": "cid"}`, "", StatusActive)

	integration, err := svc.Get(context.Background(), "hubspot")
	require.NoError(t, err)
	assert.Equal(t, "int-1", integration.ID)
	assert.Equal(t, "hubspot", integration.ServiceName)
	assert.Equal(t, "cid", integration.Config["client_id"])
}

func TestGetIntegrationNotFound(t *testing.T) {
	svc, mock := newTestService(t)
	mock.ExpectQuery(`FROM integrations WHERE service_name`).
		WillReturnRows(sqlmock.NewRows(integrationColumns))

	_, err := svc.Get(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestListIntegrations(t *testing.T) {
	svc, mock := newTestService(t)
	checked := time.Date(2025, 6, 1, 7, 0, 0, 0, time.UTC)
	mock.ExpectQuery(`FROM integrations ORDER BY service_name`).
		WillReturnRows(sqlmock.NewRows(integrationColumns).
			AddRow("int-1", "github", ServiceTypeWebhook, []byte(`{}`), "", StatusActive, checked).
			AddRow("int-2", "hubspot", ServiceTypeOAuth2, []byte(`{}`), "", StatusDegraded, nil))

	list, err := svc.List(context.Background())
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "github", list[0].ServiceName)
	require.NotNil(t, list[0].LastCheckedAt)
	assert.Nil(t, list[1].LastCheckedAt)
}

func TestCheckHealthHealthy(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	svc, mock := newTestService(t)
	expectIntegrationRow(mock, "hubspot", `{}`, server.URL, StatusDegraded)
	mock.ExpectExec(`UPDATE integrations SET status`).
		WithArgs(StatusActive, "int-1").
		WillReturnResult(sqlmock.NewResult(0, 1))

	status, err := svc.CheckHealth(context.Background(), "hubspot")
	require.NoError(t, err)
	assert.Equal(t, StatusActive, status)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCheckHealthDegradedOnServerError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	svc, mock := newTestService(t)
	expectIntegrationRow(mock, "hubspot", `{}`, server.URL, StatusActive)
	mock.ExpectExec(`UPDATE integrations SET status`).
		WithArgs(StatusDegraded, "int-1").
		WillReturnResult(sqlmock.NewResult(0, 1))

	status, err := svc.CheckHealth(context.Background(), "hubspot")
	require.NoError(t, err)
	assert.Equal(t, StatusDegraded, status)
}

func TestCheckHealthUnreachableProvider(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {}))
	server.Close() // provider is down

	svc, mock := newTestService(t)
	expectIntegrationRow(mock, "hubspot", `{}`, server.URL, StatusActive)
	mock.ExpectExec(`UPDATE integrations SET status`).
		WithArgs(StatusDegraded, "int-1").
		WillReturnResult(sqlmock.NewResult(0, 1))

	status, err := svc.CheckHealth(context.Background(), "hubspot")
	require.NoError(t, err)
	assert.Equal(t, StatusDegraded, status)
}

func TestCheckHealthWithoutURLKeepsStatus(t *testing.T) {
	svc, mock := newTestService(t)
	expectIntegrationRow(mock, "internal-tool", `{}`, "", StatusActive)

	status, err := svc.CheckHealth(context.Background(), "internal-tool")
	require.NoError(t, err)
	assert.Equal(t, StatusActive, status)
}
