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
	"fmt"
	"math"
	"net/http"
	"strings"
	"sync"
	"time"
)

// RateLimitResult is the outcome of a rate limit check, regardless of
// which limiter produced it.
type RateLimitResult struct {
	Allowed    bool
	Limit      int
	Remaining  int
	ResetAt    time.Time
	RetryAfter time.Duration
}

// Info converts the result into the response-body representation.
func (r RateLimitResult) Info() *RateLimitInfo {
	return &RateLimitInfo{Limit: r.Limit, Remaining: r.Remaining, ResetAt: r.ResetAt}
}

// SetRateLimitHeaders writes the X-RateLimit-* headers, plus
// Retry-After when the request was rejected.
func SetRateLimitHeaders(w http.ResponseWriter, res RateLimitResult) {
	w.Header().Set("X-RateLimit-Limit", fmt.Sprintf("%d", res.Limit))
	w.Header().Set("X-RateLimit-Remaining", fmt.Sprintf("%d", res.Remaining))
	w.Header().Set("X-RateLimit-Reset", fmt.Sprintf("%d", res.ResetAt.Unix()))
	if !res.Allowed {
		seconds := int(math.Ceil(res.RetryAfter.Seconds()))
		if seconds < 1 {
			seconds = 1
		}
		w.Header().Set("Retry-After", fmt.Sprintf("%d", seconds))
	}
}

// isLoopbackKey reports whether a limiter key identifies local
// traffic, which is never limited so health probes and sidecars cannot
// exhaust an agent's budget.
func isLoopbackKey(key string) bool {
	host := key
	if idx := strings.LastIndex(key, ":"); idx != -1 && strings.Count(key, ":") == 1 {
		host = key[:idx]
	}
	return host == "localhost" || host == "::1" || host == "127.0.0.1" || strings.HasPrefix(host, "127.")
}

// allowedResult is what loopback callers and failed-open checks get.
func allowedResult(limit int, window time.Duration) RateLimitResult {
	return RateLimitResult{
		Allowed:   true,
		Limit:     limit,
		Remaining: limit,
		ResetAt:   time.Now().Add(window),
	}
}

type memoryBucket struct {
	count       int
	windowStart time.Time
}

// MemoryLimiter is a fixed-window rate limiter scoped to one process.
// Each key gets an independent window that starts at its first request
// and resets when the window elapses.
type MemoryLimiter struct {
	mu      sync.Mutex
	buckets map[string]*memoryBucket
	now     func() time.Time
}

// NewMemoryLimiter returns an empty in-process limiter.
func NewMemoryLimiter() *MemoryLimiter {
	return &MemoryLimiter{
		buckets: make(map[string]*memoryBucket),
		now:     time.Now,
	}
}

// Check records one request against the key's current window and
// reports whether it fit under the limit.
func (l *MemoryLimiter) Check(key string, limit int, window time.Duration) RateLimitResult {
	if isLoopbackKey(key) {
		return allowedResult(limit, window)
	}
	if limit <= 0 {
		limit = 1
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	bucket, ok := l.buckets[key]
	if !ok || now.Sub(bucket.windowStart) >= window {
		bucket = &memoryBucket{windowStart: now}
		l.buckets[key] = bucket
	}
	bucket.count++

	resetAt := bucket.windowStart.Add(window)
	remaining := limit - bucket.count
	if remaining < 0 {
		remaining = 0
	}
	result := RateLimitResult{
		Allowed:   bucket.count <= limit,
		Limit:     limit,
		Remaining: remaining,
		ResetAt:   resetAt,
	}
	if !result.Allowed {
		result.RetryAfter = resetAt.Sub(now)
	}
	return result
}

// Reset clears the window for a key. Used by tests and by the admin
// surface when unblocking an agent.
func (l *MemoryLimiter) Reset(key string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.buckets, key)
}
