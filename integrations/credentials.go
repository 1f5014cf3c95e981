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
	"time"

	"github.com/google/uuid"

	"flowgate/platform/shared/crypto"
	"flowgate/platform/shared/logger"
)

// ErrCredentialExpired indicates the stored credential's expiry has
// passed; callers surface this as HTTP 410.
var ErrCredentialExpired = errors.New("credential expired")

// ErrCredentialNotFound indicates no credential is stored for the
// integration.
var ErrCredentialNotFound = errors.New("credential not found")

// CredentialStore keeps integration credentials envelope-encrypted at
// rest. Rows written under an older key version are rotated to the
// current version the next time they are read.
type CredentialStore struct {
	db    *sql.DB
	codec *crypto.Codec
	log   *logger.Logger
}

// NewCredentialStore returns a store encrypting through codec.
func NewCredentialStore(db *sql.DB, codec *crypto.Codec, log *logger.Logger) *CredentialStore {
	return &CredentialStore{db: db, codec: codec, log: log}
}

// Store encrypts secret and upserts it as the integration's credential.
func (s *CredentialStore) Store(ctx context.Context, integrationID string, secret interface{}, expiresAt *time.Time) (string, error) {
	payload, err := s.codec.Encrypt(ctx, secret)
	if err != nil {
		return "", fmt.Errorf("encrypt credential: %w", err)
	}
	encoded, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("encode credential payload: %w", err)
	}

	id := uuid.New().String()
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO integration_credentials (id, integration_id, encrypted_payload, key_version, expires_at, created_at)
		VALUES ($1, $2, $3, $4, $5, NOW())
		ON CONFLICT (integration_id) DO UPDATE
		SET encrypted_payload = EXCLUDED.encrypted_payload,
		    key_version = EXCLUDED.key_version,
		    expires_at = EXCLUDED.expires_at,
		    updated_at = NOW()`,
		id, integrationID, encoded, payload.KeyID, expiresAt)
	if err != nil {
		return "", fmt.Errorf("store credential: %w", err)
	}
	return id, nil
}

// Load decrypts the integration's credential into out. Expired
// credentials return ErrCredentialExpired without decrypting. Reading a
// row whose key version lags the current one re-encrypts it in place;
// rotation failures are logged and do not fail the read.
func (s *CredentialStore) Load(ctx context.Context, integrationID string, out interface{}) error {
	var (
		id        string
		encoded   []byte
		expiresAt sql.NullTime
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT id, encrypted_payload, expires_at
		FROM integration_credentials WHERE integration_id = $1`,
		integrationID).Scan(&id, &encoded, &expiresAt)
	if err == sql.ErrNoRows {
		return ErrCredentialNotFound
	}
	if err != nil {
		return fmt.Errorf("load credential: %w", err)
	}
	if expiresAt.Valid && time.Now().After(expiresAt.Time) {
		return ErrCredentialExpired
	}

	var payload crypto.EncryptedPayload
	if err := json.Unmarshal(encoded, &payload); err != nil {
		return fmt.Errorf("malformed credential payload: %w", err)
	}
	if err := s.codec.Decrypt(ctx, &payload, out); err != nil {
		return fmt.Errorf("decrypt credential: %w", err)
	}

	if payload.KeyID != s.codec.CurrentKeyID() {
		s.rotate(ctx, id, &payload)
	}
	go s.touchLastUsed(id)

	return nil
}

// rotate re-encrypts a stale payload under the current key version and
// writes it back. Best-effort: the next read retries on failure.
func (s *CredentialStore) rotate(ctx context.Context, id string, payload *crypto.EncryptedPayload) {
	rotated, changed, err := s.codec.ReEncrypt(ctx, payload)
	if err != nil || !changed {
		if err != nil {
			s.log.Warn("", "", "credential key rotation failed", map[string]interface{}{
				"credential_id": id, "error": err.Error(),
			})
		}
		return
	}
	encoded, err := json.Marshal(rotated)
	if err != nil {
		return
	}
	if _, err := s.db.ExecContext(ctx, `
		UPDATE integration_credentials
		SET encrypted_payload = $1, key_version = $2, updated_at = NOW()
		WHERE id = $3`, encoded, rotated.KeyID, id); err != nil {
		s.log.Warn("", "", "credential rotation write failed", map[string]interface{}{
			"credential_id": id, "error": err.Error(),
		})
	}
}

func (s *CredentialStore) touchLastUsed(id string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := s.db.ExecContext(ctx,
		`UPDATE integration_credentials SET last_used_at = NOW() WHERE id = $1`, id); err != nil {
		s.log.Debug("", "", "credential last_used update failed", map[string]interface{}{
			"credential_id": id, "error": err.Error(),
		})
	}
}
