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
	"encoding/json"
	"fmt"
	"log"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
)

const (
	// CurrentKeyID is the key version new payloads are encrypted under.
	CurrentKeyID = "key-v2"

	// LegacyKeyID identifies payloads written before the key rotation.
	LegacyKeyID = "key-v1"
)

// KeySource resolves the master secret registered for a key id.
type KeySource interface {
	MasterSecret(ctx context.Context, keyID string) (string, error)
}

// EnvKeySource resolves master secrets from environment variables.
//
// key-v2 reads ENCRYPTION_MASTER_KEY. key-v1 reads ENCRYPTION_MASTER_KEY_V1
// and falls back to STORAGE_SERVICE_KEY, which aliases the storage
// service-role key that legacy payloads were derived from. Other key ids
// map to ENCRYPTION_MASTER_KEY_<VERSION>.
type EnvKeySource struct{}

// NewEnvKeySource creates a key source backed by process environment variables.
func NewEnvKeySource() EnvKeySource {
	return EnvKeySource{}
}

// MasterSecret returns the master secret for keyID or an error when unset.
func (EnvKeySource) MasterSecret(_ context.Context, keyID string) (string, error) {
	var candidates []string
	switch keyID {
	case CurrentKeyID:
		candidates = []string{"ENCRYPTION_MASTER_KEY"}
	case LegacyKeyID:
		candidates = []string{"ENCRYPTION_MASTER_KEY_V1", "STORAGE_SERVICE_KEY"}
	default:
		suffix := strings.ToUpper(strings.ReplaceAll(strings.TrimPrefix(keyID, "key-"), "-", "_"))
		candidates = []string{"ENCRYPTION_MASTER_KEY_" + suffix}
	}

	for _, name := range candidates {
		if v := os.Getenv(name); v != "" {
			return v, nil
		}
	}
	return "", fmt.Errorf("no master secret configured for key id %q", keyID)
}

// AWSKeySource resolves master secrets from AWS Secrets Manager, caching
// values for a short TTL. Secret names are "<prefix>/<key_id>" and values
// are either a raw string or a JSON object with a "value" field.
type AWSKeySource struct {
	client *secretsmanager.Client
	prefix string
	ttl    time.Duration

	mu    sync.RWMutex
	cache map[string]cachedSecret
}

type cachedSecret struct {
	value     string
	expiresAt time.Time
}

// NewAWSKeySource loads the default AWS configuration and returns a
// Secrets Manager backed key source for the given name prefix.
func NewAWSKeySource(ctx context.Context, prefix string) (*AWSKeySource, error) {
	cfg, err := config.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	return &AWSKeySource{
		client: secretsmanager.NewFromConfig(cfg),
		prefix: strings.TrimSuffix(prefix, "/"),
		ttl:    5 * time.Minute,
		cache:  make(map[string]cachedSecret),
	}, nil
}

// MasterSecret fetches and caches the master secret for keyID.
func (s *AWSKeySource) MasterSecret(ctx context.Context, keyID string) (string, error) {
	s.mu.RLock()
	entry, ok := s.cache[keyID]
	s.mu.RUnlock()
	if ok && time.Now().Before(entry.expiresAt) {
		return entry.value, nil
	}

	name := s.prefix + "/" + keyID
	out, err := s.client.GetSecretValue(ctx, &secretsmanager.GetSecretValueInput{
		SecretId: aws.String(name),
	})
	if err != nil {
		return "", fmt.Errorf("failed to get secret for key id %q: %w", keyID, err)
	}
	if out.SecretString == nil {
		return "", fmt.Errorf("secret for key id %q has no string value", keyID)
	}

	value := *out.SecretString
	// JSON-object secrets carry the material under "value".
	var wrapped map[string]string
	if err := json.Unmarshal([]byte(value), &wrapped); err == nil {
		if v, ok := wrapped["value"]; ok && v != "" {
			value = v
		}
	}

	s.mu.Lock()
	s.cache[keyID] = cachedSecret{value: value, expiresAt: time.Now().Add(s.ttl)}
	s.mu.Unlock()

	return value, nil
}

// chainKeySource tries each source in order, returning the first hit.
type chainKeySource struct {
	sources []KeySource
}

func (c chainKeySource) MasterSecret(ctx context.Context, keyID string) (string, error) {
	var lastErr error
	for _, s := range c.sources {
		secret, err := s.MasterSecret(ctx, keyID)
		if err == nil {
			return secret, nil
		}
		lastErr = err
	}
	if lastErr == nil {
		lastErr = fmt.Errorf("no key source configured")
	}
	return "", lastErr
}

// NewKeySourceFromEnv builds the process-wide key source: AWS Secrets
// Manager fronted over environment variables when AWS_SECRETS_PREFIX is
// set, plain environment variables otherwise. Secrets Manager setup
// failures degrade to the env source so that a missing IAM role never
// blocks local installs.
func NewKeySourceFromEnv(ctx context.Context) KeySource {
	env := NewEnvKeySource()
	prefix := os.Getenv("AWS_SECRETS_PREFIX")
	if prefix == "" {
		return env
	}

	awsSource, err := NewAWSKeySource(ctx, prefix)
	if err != nil {
		log.Printf("[Crypto] Secrets Manager unavailable, using env key source: %v", err)
		return env
	}
	return chainKeySource{sources: []KeySource{awsSource, env}}
}
