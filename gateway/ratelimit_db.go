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
	"database/sql"
	"time"

	"flowgate/platform/shared/logger"
)

// DurableLimiter counts requests in storage so the window survives
// restarts and is shared across gateway instances. When storage is
// unreachable it degrades to the in-process limiter rather than
// failing the caller.
type DurableLimiter struct {
	db       *sql.DB
	fallback *MemoryLimiter
	log      *logger.Logger
}

// NewDurableLimiter wires the storage-backed limiter with its
// in-process fallback.
func NewDurableLimiter(db *sql.DB, fallback *MemoryLimiter, log *logger.Logger) *DurableLimiter {
	if fallback == nil {
		fallback = NewMemoryLimiter()
	}
	return &DurableLimiter{db: db, fallback: fallback, log: log}
}

// Check consults check_rate_limit in storage. The window is passed in
// milliseconds so storage and process agree on boundaries.
func (l *DurableLimiter) Check(ctx context.Context, key string, limit int, window time.Duration) RateLimitResult {
	if isLoopbackKey(key) {
		return allowedResult(limit, window)
	}
	if l.db == nil {
		return l.fallback.Check(key, limit, window)
	}

	var (
		allowed           bool
		remaining         int
		resetAt           time.Time
		retryAfterSeconds int
	)
	row := l.db.QueryRowContext(ctx,
		`SELECT allowed, remaining, reset_at, retry_after_seconds FROM check_rate_limit($1, $2, $3)`,
		key, window.Milliseconds(), limit)
	if err := row.Scan(&allowed, &remaining, &resetAt, &retryAfterSeconds); err != nil {
		if l.log != nil {
			l.log.Warn("", "", "durable rate limit check failed, using in-process window",
				map[string]interface{}{"key": key, "error": err.Error()})
		}
		return l.fallback.Check(key, limit, window)
	}

	result := RateLimitResult{
		Allowed:   allowed,
		Limit:     limit,
		Remaining: remaining,
		ResetAt:   resetAt,
	}
	if !allowed {
		result.RetryAfter = time.Duration(retryAfterSeconds) * time.Second
	}
	return result
}
