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
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// OAuthStateTTL is how long an issued state remains redeemable.
const OAuthStateTTL = 5 * time.Minute

var (
	// ErrStateInvalid indicates the state is unknown or expired.
	ErrStateInvalid = errors.New("oauth state invalid or expired")

	// ErrStateUsed indicates the state was already consumed.
	ErrStateUsed = errors.New("oauth state already used")

	// ErrExchangeFailed indicates the provider rejected the code
	// exchange; callers surface this as 502.
	ErrExchangeFailed = errors.New("oauth token exchange failed")
)

// oauthConfig is the per-integration OAuth configuration kept in the
// integration's config JSON.
type oauthConfig struct {
	AuthorizeURL string `json:"authorize_url"`
	TokenURL     string `json:"token_url"`
	ClientID     string `json:"client_id"`
	ClientSecret string `json:"client_secret"`
	Scope        string `json:"scope"`
}

// OAuthToken is the stored result of a successful code exchange.
type OAuthToken struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token,omitempty"`
	TokenType    string `json:"token_type,omitempty"`
	ExpiresIn    int    `json:"expires_in,omitempty"`
	Scope        string `json:"scope,omitempty"`
}

// InitiateOAuth issues a single-use state and builds the provider's
// authorize URL for the caller to redirect to.
func (s *Service) InitiateOAuth(ctx context.Context, serviceName, agentID, redirectURI string) (string, string, error) {
	integration, err := s.Get(ctx, serviceName)
	if err != nil {
		return "", "", err
	}
	cfg, err := oauthConfigFor(integration)
	if err != nil {
		return "", "", err
	}

	state, err := randomState()
	if err != nil {
		return "", "", err
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO oauth_states (state, integration_id, agent_id, redirect_uri, expires_at, created_at)
		VALUES ($1, $2, $3, $4, $5, NOW())`,
		state, integration.ID, agentID, redirectURI, time.Now().Add(OAuthStateTTL))
	if err != nil {
		return "", "", fmt.Errorf("store oauth state: %w", err)
	}

	authorize, err := url.Parse(cfg.AuthorizeURL)
	if err != nil {
		return "", "", fmt.Errorf("malformed authorize URL for %s: %w", serviceName, err)
	}
	q := authorize.Query()
	q.Set("response_type", "code")
	q.Set("client_id", cfg.ClientID)
	q.Set("redirect_uri", redirectURI)
	q.Set("state", state)
	if cfg.Scope != "" {
		q.Set("scope", cfg.Scope)
	}
	authorize.RawQuery = q.Encode()

	return authorize.String(), state, nil
}

// CompleteOAuth consumes the state, exchanges the authorization code
// for tokens, and stores them encrypted. The state claim is a guarded
// UPDATE so concurrent callbacks cannot both succeed.
func (s *Service) CompleteOAuth(ctx context.Context, state, code string) (string, error) {
	var integrationID string
	err := s.db.QueryRowContext(ctx, `
		UPDATE oauth_states SET used_at = NOW()
		WHERE state = $1 AND used_at IS NULL AND expires_at > NOW()
		RETURNING integration_id`, state).Scan(&integrationID)
	if err == sql.ErrNoRows {
		return "", s.classifyStateFailure(ctx, state)
	}
	if err != nil {
		return "", fmt.Errorf("claim oauth state: %w", err)
	}

	var redirectURI string
	_ = s.db.QueryRowContext(ctx,
		`SELECT redirect_uri FROM oauth_states WHERE state = $1`, state).Scan(&redirectURI)

	cfg, err := s.oauthConfigByID(ctx, integrationID)
	if err != nil {
		return "", err
	}

	token, err := s.exchangeCode(ctx, cfg, code, redirectURI)
	if err != nil {
		return "", err
	}

	var expiresAt *time.Time
	if token.ExpiresIn > 0 {
		t := time.Now().Add(time.Duration(token.ExpiresIn) * time.Second)
		expiresAt = &t
	}
	if _, err := s.credentials.Store(ctx, integrationID, token, expiresAt); err != nil {
		return "", err
	}
	return integrationID, nil
}

// classifyStateFailure distinguishes a consumed state (conflict) from
// an unknown or expired one (auth failure).
func (s *Service) classifyStateFailure(ctx context.Context, state string) error {
	var used sql.NullTime
	err := s.db.QueryRowContext(ctx,
		`SELECT used_at FROM oauth_states WHERE state = $1`, state).Scan(&used)
	if err == nil && used.Valid {
		return ErrStateUsed
	}
	return ErrStateInvalid
}

func (s *Service) oauthConfigByID(ctx context.Context, integrationID string) (*oauthConfig, error) {
	var config []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT config FROM integrations WHERE id = $1`, integrationID).Scan(&config)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("integration config lookup: %w", err)
	}
	integration := &Integration{}
	if len(config) > 0 {
		_ = json.Unmarshal(config, &integration.Config)
	}
	cfg, err := decodeOAuthConfig(integration)
	if err != nil {
		return nil, err
	}
	// The exchange path never builds an authorize URL.
	if cfg.TokenURL == "" || cfg.ClientID == "" {
		return nil, fmt.Errorf("integration token endpoint is not configured")
	}
	return cfg, nil
}

// oauthConfigFor validates the fields the authorize redirect needs.
func oauthConfigFor(integration *Integration) (*oauthConfig, error) {
	cfg, err := decodeOAuthConfig(integration)
	if err != nil {
		return nil, err
	}
	if cfg.AuthorizeURL == "" || cfg.ClientID == "" {
		return nil, fmt.Errorf("integration is not configured for oauth")
	}
	return cfg, nil
}

func decodeOAuthConfig(integration *Integration) (*oauthConfig, error) {
	raw, err := json.Marshal(integration.Config)
	if err != nil {
		return nil, fmt.Errorf("integration config encode: %w", err)
	}
	var cfg oauthConfig
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("integration config decode: %w", err)
	}
	return &cfg, nil
}

// exchangeCode redeems the authorization code at the provider's token
// endpoint.
func (s *Service) exchangeCode(ctx context.Context, cfg *oauthConfig, code, redirectURI string) (*OAuthToken, error) {
	form := url.Values{}
	form.Set("grant_type", "authorization_code")
	form.Set("code", code)
	form.Set("client_id", cfg.ClientID)
	form.Set("client_secret", cfg.ClientSecret)
	form.Set("redirect_uri", redirectURI)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, cfg.TokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, fmt.Errorf("token exchange request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrExchangeFailed, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return nil, fmt.Errorf("%w: provider returned %d", ErrExchangeFailed, resp.StatusCode)
	}

	var token OAuthToken
	if err := json.NewDecoder(resp.Body).Decode(&token); err != nil {
		return nil, fmt.Errorf("%w: malformed token response", ErrExchangeFailed)
	}
	if token.AccessToken == "" {
		return nil, fmt.Errorf("%w: response carries no access token", ErrExchangeFailed)
	}
	return &token, nil
}

// randomState produces a 128-bit URL-safe state value.
func randomState() (string, error) {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate oauth state: %w", err)
	}
	return hex.EncodeToString(buf), nil
}
