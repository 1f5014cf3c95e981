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
	"crypto/subtle"
	"database/sql"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/lib/pq"

	"flowgate/platform/shared/crypto"
	"flowgate/platform/shared/logger"
)

// agentKeyPrefix is the product prefix every issued agent API key
// carries. Keys without it are rejected before touching storage.
const agentKeyPrefix = "fgk_"

// Request headers recognized by the gateway.
const (
	headerAgentKey        = "X-Agent-Key"
	headerSchedulerSecret = "X-Scheduler-Secret"
	headerSignature       = "X-Signature"
	headerCorrelationID   = "X-Correlation-ID"
)

// Authenticator verifies agent API keys against storage and applies
// the per-agent request rate limit.
type Authenticator struct {
	db      *sql.DB
	limiter *MemoryLimiter
	log     *logger.Logger

	// touchTimeout bounds the async last_seen_at update.
	touchTimeout time.Duration
}

// NewAuthenticator wires the authenticator with its per-agent limiter.
func NewAuthenticator(db *sql.DB, limiter *MemoryLimiter, log *logger.Logger) *Authenticator {
	return &Authenticator{
		db:           db,
		limiter:      limiter,
		log:          log,
		touchTimeout: 5 * time.Second,
	}
}

// Authenticate resolves the calling agent from X-Agent-Key, enforces
// its status and per-minute rate limit, and schedules the last_seen_at
// touch. The returned rate limit result is surfaced to the client even
// on success.
func (a *Authenticator) Authenticate(ctx context.Context, r *http.Request) (*Agent, RateLimitResult, *apiError) {
	key := r.Header.Get(headerAgentKey)
	if key == "" {
		return nil, RateLimitResult{}, errAuth("missing agent API key")
	}
	if !strings.HasPrefix(key, agentKeyPrefix) {
		return nil, RateLimitResult{}, errAuth("invalid agent API key")
	}

	agent, err := a.verifyKey(ctx, key)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, RateLimitResult{}, errAuth("invalid agent API key")
		}
		a.log.Error("", "", "agent key verification failed", map[string]interface{}{"error": err.Error()})
		return nil, RateLimitResult{}, errInternal("authentication unavailable")
	}

	switch agent.Status {
	case AgentStatusActive:
	case AgentStatusSuspended:
		return nil, RateLimitResult{}, errAuth("agent is suspended")
	default:
		return nil, RateLimitResult{}, errAuth("agent is inactive")
	}

	res := a.limiter.Check("agent:"+agent.ID, agent.RateLimitPerMinute, time.Minute)
	if !res.Allowed {
		return nil, res, errRateLimited(res)
	}

	go a.touchLastSeen(agent.ID)

	return agent, res, nil
}

// verifyKey calls the storage primitive that hashes the presented key
// and returns the matching agent row. The raw key never persists.
func (a *Authenticator) verifyKey(ctx context.Context, key string) (*Agent, error) {
	row := a.db.QueryRowContext(ctx, `
		SELECT id, tenant_id, name, type, status, capabilities,
		       rate_limit_per_minute, allow_destructive, signing_secret, metadata, last_seen_at
		FROM verify_agent_api_key($1)`, key)
	return scanAgent(row)
}

// LoadAgent fetches an agent by id. Used when an internal caller acts
// on behalf of an agent and the destructive gate still has to run.
func (a *Authenticator) LoadAgent(ctx context.Context, agentID string) (*Agent, error) {
	row := a.db.QueryRowContext(ctx, `
		SELECT id, tenant_id, name, type, status, capabilities,
		       rate_limit_per_minute, allow_destructive, signing_secret, metadata, last_seen_at
		FROM agents WHERE id = $1`, agentID)
	return scanAgent(row)
}

func scanAgent(row *sql.Row) (*Agent, error) {
	var (
		agent         Agent
		capabilities  pq.StringArray
		signingSecret []byte
		metadata      []byte
		lastSeen      sql.NullTime
	)
	err := row.Scan(&agent.ID, &agent.TenantID, &agent.Name, &agent.Type, &agent.Status,
		&capabilities, &agent.RateLimitPerMinute, &agent.AllowDestructive,
		&signingSecret, &metadata, &lastSeen)
	if err != nil {
		return nil, err
	}
	agent.Capabilities = []string(capabilities)
	if len(signingSecret) > 0 {
		var payload crypto.EncryptedPayload
		if err := json.Unmarshal(signingSecret, &payload); err != nil {
			return nil, fmt.Errorf("malformed signing secret for agent %s: %w", agent.ID, err)
		}
		agent.SigningSecret = &payload
	}
	if len(metadata) > 0 {
		// Metadata is advisory; a malformed blob must not lock the agent out.
		_ = json.Unmarshal(metadata, &agent.Metadata)
	}
	if lastSeen.Valid {
		agent.LastSeenAt = &lastSeen.Time
	}
	return &agent, nil
}

// touchLastSeen updates last_seen_at outside the request path.
func (a *Authenticator) touchLastSeen(agentID string) {
	ctx, cancel := context.WithTimeout(context.Background(), a.touchTimeout)
	defer cancel()
	if _, err := a.db.ExecContext(ctx, `UPDATE agents SET last_seen_at = NOW() WHERE id = $1`, agentID); err != nil {
		a.log.Debug(agentID, "", "last_seen update failed", map[string]interface{}{"error": err.Error()})
	}
}

// secretsEqual compares two shared secrets in constant time. Empty
// configured secrets never match anything.
func secretsEqual(presented, configured string) bool {
	if configured == "" || presented == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(presented), []byte(configured)) == 1
}

// adminClaims are the JWT claims required on admin endpoints.
type adminClaims struct {
	Role string `json:"role"`
	jwt.RegisteredClaims
}

// validateAdminToken parses and verifies an HS256 admin bearer token.
// The token must be signed with the configured secret and carry
// role=admin.
func validateAdminToken(tokenString, secret string) (*adminClaims, error) {
	if secret == "" {
		return nil, fmt.Errorf("admin authentication is not configured")
	}
	claims := &adminClaims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return []byte(secret), nil
	}, jwt.WithValidMethods([]string{"HS256"}))
	if err != nil {
		return nil, err
	}
	if !token.Valid {
		return nil, fmt.Errorf("invalid token")
	}
	if claims.Role != "admin" {
		return nil, fmt.Errorf("token lacks admin role")
	}
	return claims, nil
}

// requireAdmin authorizes a request via Authorization: Bearer with an
// admin JWT.
func requireAdmin(r *http.Request, secret string) *apiError {
	header := r.Header.Get("Authorization")
	if !strings.HasPrefix(header, "Bearer ") {
		return errAuth("missing bearer token")
	}
	if _, err := validateAdminToken(strings.TrimPrefix(header, "Bearer "), secret); err != nil {
		return errAuth("invalid admin token")
	}
	return nil
}
