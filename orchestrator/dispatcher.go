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

package orchestrator

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// InternalDispatcher executes a tool action on behalf of an agent and
// returns the raw response body. The HTTP implementation round-trips
// through the gateway so every tool call passes the same admission
// pipeline as a direct request; tests substitute in-process fakes.
type InternalDispatcher interface {
	Dispatch(ctx context.Context, action string, input json.RawMessage, agentID, correlationID string) (string, error)
}

// GatewayDispatcher posts tool actions back to the gateway with the
// scheduler secret and the acting agent id.
type GatewayDispatcher struct {
	gatewayURL      string
	schedulerSecret string
	client          HTTPClient
}

// NewGatewayDispatcher builds the HTTP dispatcher.
func NewGatewayDispatcher(gatewayURL, schedulerSecret string) *GatewayDispatcher {
	return &GatewayDispatcher{
		gatewayURL:      gatewayURL,
		schedulerSecret: schedulerSecret,
		client:          &http.Client{Timeout: 20 * time.Second},
	}
}

// SetHTTPClient swaps the transport; used by tests.
func (d *GatewayDispatcher) SetHTTPClient(client HTTPClient) {
	d.client = client
}

// Dispatch posts {action, params} to the gateway. The acting agent id
// rides a header so the gateway's destructive gate still applies.
func (d *GatewayDispatcher) Dispatch(ctx context.Context, action string, input json.RawMessage, agentID, correlationID string) (string, error) {
	if d.gatewayURL == "" {
		return "", fmt.Errorf("gateway dispatch is not configured")
	}

	var params map[string]interface{}
	if len(input) > 0 {
		if err := json.Unmarshal(input, &params); err != nil {
			return "", fmt.Errorf("tool input is not an object: %w", err)
		}
	}
	payload, err := json.Marshal(map[string]interface{}{
		"action": action,
		"params": params,
	})
	if err != nil {
		return "", fmt.Errorf("encode dispatch payload: %w", err)
	}

	url := strings.TrimSuffix(d.gatewayURL, "/") + "/api/gateway"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return "", fmt.Errorf("build dispatch request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Scheduler-Secret", d.schedulerSecret)
	req.Header.Set("X-Acting-Agent-Id", agentID)
	req.Header.Set("X-Correlation-Id", correlationID)

	resp, err := d.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("dispatch %s: %w", action, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", fmt.Errorf("read dispatch response: %w", err)
	}
	if resp.StatusCode >= 400 {
		return "", fmt.Errorf("dispatch %s returned %d: %s", action, resp.StatusCode, strings.TrimSpace(string(body)))
	}
	return string(body), nil
}
