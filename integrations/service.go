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
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"flowgate/platform/shared/crypto"
	"flowgate/platform/shared/logger"
)

// Integration service types.
const (
	ServiceTypeOAuth2  = "oauth2"
	ServiceTypeAPIKey  = "api_key"
	ServiceTypeWebhook = "webhook"
	ServiceTypeCustom  = "custom"
)

// Integration statuses maintained by health checks.
const (
	StatusActive   = "active"
	StatusDegraded = "degraded"
	StatusDisabled = "disabled"
)

// ErrNotFound indicates the named integration does not exist.
var ErrNotFound = errors.New("integration not found")

// Integration is one registered third-party service.
type Integration struct {
	ID             string                 `json:"id"`
	ServiceName    string                 `json:"service_name"`
	ServiceType    string                 `json:"service_type"`
	Config         map[string]interface{} `json:"config,omitempty"`
	HealthCheckURL string                 `json:"health_check_url,omitempty"`
	Status         string                 `json:"status"`
	LastCheckedAt  *time.Time             `json:"last_checked_at,omitempty"`
}

// Service is the integration registry.
type Service struct {
	db          *sql.DB
	credentials *CredentialStore
	client      *http.Client
	log         *logger.Logger
}

// NewService wires the registry with its credential store.
func NewService(db *sql.DB, codec *crypto.Codec, log *logger.Logger) *Service {
	return &Service{
		db:          db,
		credentials: NewCredentialStore(db, codec, log),
		client:      &http.Client{Timeout: 5 * time.Second},
		log:         log,
	}
}

// Credentials exposes the credential store.
func (s *Service) Credentials() *CredentialStore {
	return s.credentials
}

// List returns all registered integrations.
func (s *Service) List(ctx context.Context) ([]Integration, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, service_name, service_type, config, COALESCE(health_check_url, ''), status, last_checked_at
		FROM integrations ORDER BY service_name`)
	if err != nil {
		return nil, fmt.Errorf("list integrations: %w", err)
	}
	defer rows.Close()

	var out []Integration
	for rows.Next() {
		integration, err := scanIntegration(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *integration)
	}
	return out, rows.Err()
}

// Get fetches one integration by service name.
func (s *Service) Get(ctx context.Context, serviceName string) (*Integration, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, service_name, service_type, config, COALESCE(health_check_url, ''), status, last_checked_at
		FROM integrations WHERE service_name = $1`, serviceName)
	if err != nil {
		return nil, fmt.Errorf("get integration: %w", err)
	}
	defer rows.Close()
	if !rows.Next() {
		return nil, ErrNotFound
	}
	return scanIntegration(rows)
}

func scanIntegration(rows *sql.Rows) (*Integration, error) {
	var (
		integration Integration
		config      []byte
		lastChecked sql.NullTime
	)
	if err := rows.Scan(&integration.ID, &integration.ServiceName, &integration.ServiceType,
		&config, &integration.HealthCheckURL, &integration.Status, &lastChecked); err != nil {
		return nil, fmt.Errorf("scan integration: %w", err)
	}
	if len(config) > 0 {
		_ = json.Unmarshal(config, &integration.Config)
	}
	if lastChecked.Valid {
		integration.LastCheckedAt = &lastChecked.Time
	}
	return &integration, nil
}

// CheckHealth probes the integration's health endpoint and records the
// outcome on the row. Integrations without a health URL keep their
// current status.
func (s *Service) CheckHealth(ctx context.Context, serviceName string) (string, error) {
	integration, err := s.Get(ctx, serviceName)
	if err != nil {
		return "", err
	}
	if integration.HealthCheckURL == "" {
		return integration.Status, nil
	}

	status := StatusActive
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, integration.HealthCheckURL, nil)
	if err != nil {
		return "", fmt.Errorf("health check request: %w", err)
	}
	resp, err := s.client.Do(req)
	if err != nil {
		status = StatusDegraded
	} else {
		resp.Body.Close()
		if resp.StatusCode >= 400 {
			status = StatusDegraded
		}
	}

	if _, err := s.db.ExecContext(ctx,
		`UPDATE integrations SET status = $1, last_checked_at = NOW() WHERE id = $2`,
		status, integration.ID); err != nil {
		s.log.Warn("", "", "integration health status update failed", map[string]interface{}{
			"integration": serviceName, "error": err.Error(),
		})
	}
	return status, nil
}
