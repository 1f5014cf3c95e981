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
	"encoding/json"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"flowgate/platform/shared/crypto"
	"flowgate/platform/shared/logger"
)

func newTestCredentials(t *testing.T) (*CredentialStore, *crypto.Codec, sqlmock.Sqlmock) {
	t.Helper()
	t.Setenv("ENCRYPTION_MASTER_KEY", "unit-test-master-key")
	t.Setenv("ENCRYPTION_MASTER_KEY_V1", "unit-test-legacy-key")

	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	mock.MatchExpectationsInOrder(false)
	mock.ExpectExec(`UPDATE integration_credentials SET last_used_at`).
		WillReturnResult(sqlmock.NewResult(0, 1))

	codec := crypto.NewCodec(crypto.NewEnvKeySource())
	return NewCredentialStore(db, codec, logger.New("credentials-test")), codec, mock
}

// encryptedRow builds the stored row for a secret encrypted under keyID.
func encryptedRow(t *testing.T, codec *crypto.Codec, secret interface{}, keyID string, expiresAt interface{}) *sqlmock.Rows {
	t.Helper()
	payload, err := codec.EncryptWithKey(context.Background(), secret, keyID)
	require.NoError(t, err)
	encoded, err := json.Marshal(payload)
	require.NoError(t, err)
	return sqlmock.NewRows([]string{"id", "encrypted_payload", "expires_at"}).
		AddRow("cred-1", encoded, expiresAt)
}

func TestCredentialStoreRoundTrip(t *testing.T) {
	store, codec, mock := newTestCredentials(t)
	secret := OAuthToken{AccessToken: "at-123", RefreshToken: "rt-456"}

	mock.ExpectExec(`INSERT INTO integration_credentials`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	id, err := store.Store(context.Background(), "int-1", secret, nil)
	require.NoError(t, err)
	assert.NotEmpty(t, id)

	mock.ExpectQuery(`FROM integration_credentials WHERE integration_id`).
		WithArgs("int-1").
		WillReturnRows(encryptedRow(t, codec, secret, crypto.CurrentKeyID, nil))

	var loaded OAuthToken
	require.NoError(t, store.Load(context.Background(), "int-1", &loaded))
	assert.Equal(t, secret, loaded)
}

func TestCredentialLoadNotFound(t *testing.T) {
	store, _, mock := newTestCredentials(t)
	mock.ExpectQuery(`FROM integration_credentials WHERE integration_id`).
		WillReturnRows(sqlmock.NewRows([]string{"id", "encrypted_payload", "expires_at"}))

	var out OAuthToken
	err := store.Load(context.Background(), "int-missing", &out)
	assert.ErrorIs(t, err, ErrCredentialNotFound)
}

func TestCredentialLoadExpired(t *testing.T) {
	store, codec, mock := newTestCredentials(t)
	expired := time.Now().Add(-time.Hour)
	mock.ExpectQuery(`FROM integration_credentials WHERE integration_id`).
		WillReturnRows(encryptedRow(t, codec, OAuthToken{AccessToken: "at"}, crypto.CurrentKeyID, expired))

	var out OAuthToken
	err := store.Load(context.Background(), "int-1", &out)
	assert.ErrorIs(t, err, ErrCredentialExpired)
	// The payload is never decrypted for an expired credential.
	assert.Empty(t, out.AccessToken)
}

func TestCredentialLoadRotatesLegacyKey(t *testing.T) {
	store, codec, mock := newTestCredentials(t)
	secret := OAuthToken{AccessToken: "at-legacy"}

	mock.ExpectQuery(`FROM integration_credentials WHERE integration_id`).
		WillReturnRows(encryptedRow(t, codec, secret, crypto.LegacyKeyID, nil))

	// The stale payload is rewritten under the current key version.
	mock.ExpectExec(`UPDATE integration_credentials`).
		WillReturnResult(sqlmock.NewResult(0, 1))

	var loaded OAuthToken
	require.NoError(t, store.Load(context.Background(), "int-1", &loaded))
	assert.Equal(t, "at-legacy", loaded.AccessToken)
}

func TestCredentialLoadRotationFailureDoesNotFailRead(t *testing.T) {
	store, codec, mock := newTestCredentials(t)
	secret := OAuthToken{AccessToken: "at-legacy"}

	mock.ExpectQuery(`FROM integration_credentials WHERE integration_id`).
		WillReturnRows(encryptedRow(t, codec, secret, crypto.LegacyKeyID, nil))
	mock.ExpectExec(`UPDATE integration_credentials`).
		WillReturnError(context.DeadlineExceeded)

	var loaded OAuthToken
	require.NoError(t, store.Load(context.Background(), "int-1", &loaded))
	assert.Equal(t, "at-legacy", loaded.AccessToken)
}
