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

package crypto

import (
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSignAndVerify(t *testing.T) {
	secret := "signing-secret"
	body := []byte(`{"action":"crm.search","params":{"q":"Ada"}}`)
	now := time.Now()

	header := SignPayload(secret, now, body)
	assert.NoError(t, verifySignatureAt(header, body, secret, now))
}

func TestVerifyRejectsStaleTimestamp(t *testing.T) {
	secret := "signing-secret"
	body := []byte(`{}`)
	signedAt := time.Now()

	header := SignPayload(secret, signedAt, body)

	err := verifySignatureAt(header, body, secret, signedAt.Add(301*time.Second))
	assert.ErrorIs(t, err, ErrStaleSignature)

	// Clocks skewed the other way are equally rejected.
	err = verifySignatureAt(header, body, secret, signedAt.Add(-301*time.Second))
	assert.ErrorIs(t, err, ErrStaleSignature)

	assert.NoError(t, verifySignatureAt(header, body, secret, signedAt.Add(299*time.Second)))
}

func TestVerifyRejectsForgedSignature(t *testing.T) {
	secret := "signing-secret"
	body := []byte(`{"action":"email.send"}`)
	now := time.Now()

	header := fmt.Sprintf("t=%d,v1=%s", now.Unix(), strings.Repeat("ab", 32))
	err := verifySignatureAt(header, body, secret, now)
	assert.ErrorIs(t, err, ErrSignatureMismatch)
}

func TestVerifyRejectsWrongBody(t *testing.T) {
	secret := "signing-secret"
	now := time.Now()

	header := SignPayload(secret, now, []byte(`{"a":1}`))
	err := verifySignatureAt(header, []byte(`{"a":2}`), secret, now)
	assert.ErrorIs(t, err, ErrSignatureMismatch)
}

func TestVerifyAcceptsAnyMatchingV1(t *testing.T) {
	secret := "rotated-secret"
	body := []byte(`payload`)
	now := time.Now()

	valid := SignPayload(secret, now, body)
	parsed, err := ParseSignatureHeader(valid)
	require.NoError(t, err)

	// Header carrying a signature from a retired secret plus the valid one.
	header := fmt.Sprintf("t=%d,v1=%s,v1=%s", parsed.Timestamp, strings.Repeat("00", 32), parsed.Signatures[0])
	assert.NoError(t, verifySignatureAt(header, body, secret, now))
}

func TestParseSignatureHeader(t *testing.T) {
	tests := []struct {
		name    string
		header  string
		wantErr error
	}{
		{name: "valid", header: "t=1700000000,v1=" + strings.Repeat("ab", 32)},
		{name: "valid with spaces", header: "t=1700000000, v1=" + strings.Repeat("cd", 32)},
		{name: "missing timestamp", header: "v1=" + strings.Repeat("ab", 32), wantErr: ErrMalformedSignature},
		{name: "missing v1", header: "t=1700000000", wantErr: ErrMissingSignature},
		{name: "bad timestamp", header: "t=not-a-number,v1=aabb", wantErr: ErrMalformedSignature},
		{name: "empty value", header: "t=,v1=aabb", wantErr: ErrMalformedSignature},
		{name: "empty header", header: "", wantErr: ErrMalformedSignature},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			parsed, err := ParseSignatureHeader(tt.header)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, int64(1700000000), parsed.Timestamp)
			assert.Len(t, parsed.Signatures, 1)
		})
	}
}

func TestSecureCompareHex(t *testing.T) {
	mac := ComputeHMACHex("secret", []byte("data"))

	assert.True(t, SecureCompareHex(mac, mac))
	assert.False(t, SecureCompareHex(mac, ComputeHMACHex("secret", []byte("other"))))
	assert.False(t, SecureCompareHex(mac, "zz"+mac[2:]))
	assert.False(t, SecureCompareHex(mac, mac[:len(mac)-2]))
}
