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
	"context"
	"fmt"
	"time"
)

// Polling bounds. The clamp keeps pollers inside the platform's
// 25-second external ceiling.
const (
	defaultPollInterval = 500 * time.Millisecond
	maxPollTimeoutMS    = 24000
)

// PollResult is the terminal observation of a command.
type PollResult struct {
	Status string
	Output string
	Error  string
}

// Poller watches a command row until it reaches a terminal state or the
// clamped timeout expires.
type Poller struct {
	commands *CommandStore
	interval time.Duration
}

// NewPoller builds a poller at the standard 500 ms cadence.
func NewPoller(commands *CommandStore) *Poller {
	return &Poller{commands: commands, interval: defaultPollInterval}
}

// SetInterval overrides the poll cadence; used by tests.
func (p *Poller) SetInterval(interval time.Duration) {
	p.interval = interval
}

// PollUntilTerminal reads (status, metadata) every tick. completed
// yields metadata.result, cancelled yields a fixed error, failed yields
// metadata.error, and deadline expiry yields status=timeout.
func (p *Poller) PollUntilTerminal(ctx context.Context, commandID string, timeoutMS int) PollResult {
	if timeoutMS <= 0 || timeoutMS > maxPollTimeoutMS {
		timeoutMS = maxPollTimeoutMS
	}
	deadline := time.Now().Add(time.Duration(timeoutMS) * time.Millisecond)

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		status, metadata, err := p.commands.Read(ctx, commandID)
		if err != nil {
			return PollResult{Status: CommandStatusFailed, Error: fmt.Sprintf("command read failed: %v", err)}
		}
		switch status {
		case CommandStatusCompleted:
			return PollResult{Status: CommandStatusCompleted, Output: metadataString(metadata, "result")}
		case CommandStatusCancelled:
			return PollResult{Status: CommandStatusCancelled, Error: "Command was cancelled"}
		case CommandStatusFailed:
			return PollResult{Status: CommandStatusFailed, Error: metadataString(metadata, "error")}
		}

		if time.Now().After(deadline) {
			return PollResult{Status: "timeout"}
		}
		select {
		case <-ctx.Done():
			return PollResult{Status: "timeout"}
		case <-ticker.C:
		}
	}
}

// metadataString extracts a string field from command metadata.
func metadataString(metadata map[string]interface{}, key string) string {
	if metadata == nil {
		return ""
	}
	if s, ok := metadata[key].(string); ok {
		return s
	}
	return ""
}
