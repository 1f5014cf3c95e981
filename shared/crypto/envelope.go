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
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"

	"golang.org/x/crypto/pbkdf2"
)

const (
	// PayloadAlg is the only cipher suite stored payloads may carry.
	PayloadAlg = "AES-256-GCM"

	saltSize         = 16
	ivSize           = 12
	derivedKeySize   = 32
	pbkdf2Iterations = 100000
)

// EncryptedPayload is the storable form of an encrypted value. All binary
// components are base64 (standard alphabet).
type EncryptedPayload struct {
	Ciphertext string `json:"ciphertext"`
	IV         string `json:"iv"`
	Salt       string `json:"salt"`
	KeyID      string `json:"key_id"`
	Alg        string `json:"alg"`
}

// Codec encrypts and decrypts payloads against a KeySource. New payloads
// are written under currentKeyID; decryption honors whatever key id the
// payload recorded.
type Codec struct {
	keys         KeySource
	currentKeyID string
}

// NewCodec creates a Codec writing payloads under the current key version.
func NewCodec(keys KeySource) *Codec {
	return &Codec{keys: keys, currentKeyID: CurrentKeyID}
}

// CurrentKeyID reports the key version new payloads are encrypted under.
func (c *Codec) CurrentKeyID() string {
	return c.currentKeyID
}

// Encrypt JSON-serializes v and encrypts it under the current key id.
func (c *Codec) Encrypt(ctx context.Context, v interface{}) (*EncryptedPayload, error) {
	return c.EncryptWithKey(ctx, v, c.currentKeyID)
}

// EncryptWithKey JSON-serializes v and encrypts it under the given key id.
func (c *Codec) EncryptWithKey(ctx context.Context, v interface{}, keyID string) (*EncryptedPayload, error) {
	secret, err := c.keys.MasterSecret(ctx, keyID)
	if err != nil {
		return nil, err
	}

	plaintext, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to serialize plaintext: %w", err)
	}

	salt := make([]byte, saltSize)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("failed to generate salt: %w", err)
	}
	iv := make([]byte, ivSize)
	if _, err := rand.Read(iv); err != nil {
		return nil, fmt.Errorf("failed to generate iv: %w", err)
	}

	gcm, err := newGCM(secret, salt)
	if err != nil {
		return nil, err
	}
	ciphertext := gcm.Seal(nil, iv, plaintext, nil)

	return &EncryptedPayload{
		Ciphertext: base64.StdEncoding.EncodeToString(ciphertext),
		IV:         base64.StdEncoding.EncodeToString(iv),
		Salt:       base64.StdEncoding.EncodeToString(salt),
		KeyID:      keyID,
		Alg:        PayloadAlg,
	}, nil
}

// Decrypt reverses Encrypt, deserializing the plaintext into out.
func (c *Codec) Decrypt(ctx context.Context, p *EncryptedPayload, out interface{}) error {
	if p == nil {
		return fmt.Errorf("nil payload")
	}
	if p.Alg != "" && p.Alg != PayloadAlg {
		return fmt.Errorf("unsupported payload algorithm %q", p.Alg)
	}

	secret, err := c.keys.MasterSecret(ctx, p.KeyID)
	if err != nil {
		return err
	}

	ciphertext, err := base64.StdEncoding.DecodeString(p.Ciphertext)
	if err != nil {
		return fmt.Errorf("invalid ciphertext encoding: %w", err)
	}
	iv, err := base64.StdEncoding.DecodeString(p.IV)
	if err != nil {
		return fmt.Errorf("invalid iv encoding: %w", err)
	}
	salt, err := base64.StdEncoding.DecodeString(p.Salt)
	if err != nil {
		return fmt.Errorf("invalid salt encoding: %w", err)
	}

	gcm, err := newGCM(secret, salt)
	if err != nil {
		return err
	}
	plaintext, err := gcm.Open(nil, iv, ciphertext, nil)
	if err != nil {
		return fmt.Errorf("decryption failed: %w", err)
	}

	if err := json.Unmarshal(plaintext, out); err != nil {
		return fmt.Errorf("failed to deserialize plaintext: %w", err)
	}
	return nil
}

// ReEncrypt migrates a payload to the current key id. The second return
// reports whether a rotation actually happened; payloads already on the
// current key are returned unchanged.
func (c *Codec) ReEncrypt(ctx context.Context, p *EncryptedPayload) (*EncryptedPayload, bool, error) {
	if p == nil {
		return nil, false, fmt.Errorf("nil payload")
	}
	if p.KeyID == c.currentKeyID {
		return p, false, nil
	}

	var plain json.RawMessage
	if err := c.Decrypt(ctx, p, &plain); err != nil {
		return nil, false, fmt.Errorf("re-encrypt decrypt step: %w", err)
	}
	rotated, err := c.EncryptWithKey(ctx, plain, c.currentKeyID)
	if err != nil {
		return nil, false, fmt.Errorf("re-encrypt encrypt step: %w", err)
	}
	return rotated, true, nil
}

// newGCM derives the AES key for (secret, salt) and builds the AEAD.
func newGCM(secret string, salt []byte) (cipher.AEAD, error) {
	key := pbkdf2.Key([]byte(secret), salt, pbkdf2Iterations, derivedKeySize, sha256.New)
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize GCM: %w", err)
	}
	return gcm, nil
}
