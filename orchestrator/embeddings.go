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
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/go-redis/redis/v8"

	"flowgate/platform/shared/logger"
)

// Embedding calls run under a hard deadline so memory lookup can never
// stall the executor.
const (
	embeddingTimeout  = 3 * time.Second
	embeddingCacheTTL = 15 * time.Minute
)

// HTTPClient lets tests substitute the embedding transport.
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

// EmbeddingClient turns text into vectors through an external provider,
// fronted by an optional Redis cache. Every failure path returns nil:
// callers treat a missing embedding as "no memory available".
type EmbeddingClient struct {
	apiKey  string
	baseURL string
	model   string
	client  HTTPClient
	cache   *redis.Client
	log     *logger.Logger
}

// NewEmbeddingClient builds the provider client. An empty apiKey or
// baseURL disables embedding; cache may be nil.
func NewEmbeddingClient(apiKey, baseURL, model string, cache *redis.Client, log *logger.Logger) *EmbeddingClient {
	if model == "" {
		model = "text-embedding-3-small"
	}
	return &EmbeddingClient{
		apiKey:  apiKey,
		baseURL: baseURL,
		model:   model,
		client:  &http.Client{Timeout: embeddingTimeout},
		cache:   cache,
		log:     log,
	}
}

// SetHTTPClient swaps the transport; used by tests.
func (c *EmbeddingClient) SetHTTPClient(client HTTPClient) {
	c.client = client
}

// GenerateEmbedding returns the vector for text, or nil when the
// provider is unconfigured, unreachable, or times out.
func (c *EmbeddingClient) GenerateEmbedding(ctx context.Context, text string) []float32 {
	if c.apiKey == "" || c.baseURL == "" || text == "" {
		return nil
	}

	key := cacheKey(text)
	if cached := c.cacheGet(ctx, key); cached != nil {
		return cached
	}

	ctx, cancel := context.WithTimeout(ctx, embeddingTimeout)
	defer cancel()

	payload, err := json.Marshal(map[string]interface{}{
		"model": c.model,
		"input": text,
	})
	if err != nil {
		return nil
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/embeddings", bytes.NewReader(payload))
	if err != nil {
		return nil
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.client.Do(req)
	if err != nil {
		c.log.Warn("", "", "embedding request failed", map[string]interface{}{"error": err.Error()})
		return nil
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		c.log.Warn("", "", "embedding provider rejected request", map[string]interface{}{"status": resp.StatusCode})
		return nil
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil
	}
	var decoded struct {
		Data []struct {
			Embedding []float32 `json:"embedding"`
		} `json:"data"`
	}
	if err := json.Unmarshal(body, &decoded); err != nil || len(decoded.Data) == 0 {
		return nil
	}

	vector := decoded.Data[0].Embedding
	c.cacheSet(ctx, key, vector)
	return vector
}

func cacheKey(text string) string {
	sum := sha256.Sum256([]byte(text))
	return "emb:" + hex.EncodeToString(sum[:])
}

// cacheGet fails open: a cache miss or Redis error just means a
// provider round trip.
func (c *EmbeddingClient) cacheGet(ctx context.Context, key string) []float32 {
	if c.cache == nil {
		return nil
	}
	raw, err := c.cache.Get(ctx, key).Result()
	if err != nil {
		return nil
	}
	var vector []float32
	if err := json.Unmarshal([]byte(raw), &vector); err != nil {
		return nil
	}
	return vector
}

func (c *EmbeddingClient) cacheSet(ctx context.Context, key string, vector []float32) {
	if c.cache == nil {
		return
	}
	raw, err := json.Marshal(vector)
	if err != nil {
		return
	}
	if err := c.cache.Set(ctx, key, raw, embeddingCacheTTL).Err(); err != nil {
		c.log.Warn("", "", "embedding cache write failed", map[string]interface{}{"error": err.Error()})
	}
}

// vectorLiteral renders a vector in the pgvector text format accepted
// by match_agent_memories.
func vectorLiteral(vector []float32) string {
	var buf bytes.Buffer
	buf.WriteByte('[')
	for i, v := range vector {
		if i > 0 {
			buf.WriteByte(',')
		}
		fmt.Fprintf(&buf, "%g", v)
	}
	buf.WriteByte(']')
	return buf.String()
}
