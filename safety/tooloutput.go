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

package safety

import (
	"regexp"
	"unicode/utf8"
)

// MaxToolOutputBytes caps how much of a tool result is fed back to the model.
const MaxToolOutputBytes = 50 * 1024

// TruncationMarker is appended when a tool result exceeds the cap.
const TruncationMarker = "[TRUNCATED]"

var toolOutputPatterns = []piiPattern{
	{
		Name:    "internal_ip",
		Pattern: regexp.MustCompile(`\b(10\.\d{1,3}\.\d{1,3}\.\d{1,3}|172\.(1[6-9]|2\d|3[01])\.\d{1,3}\.\d{1,3}|192\.168\.\d{1,3}\.\d{1,3})\b`),
		Label:   "[REDACTED_INTERNAL_IP]",
	},
	{
		Name:    "connection_string",
		Pattern: regexp.MustCompile(`(?i)\b(postgres(ql)?|mysql|mongodb(\+srv)?|redis|amqps?|jdbc:[a-z0-9]+):\/\/[^\s"']+`),
		Label:   "[REDACTED_CONNECTION]",
	},
	{
		Name:    "env_var",
		Pattern: regexp.MustCompile(`\b[A-Z][A-Z0-9_]{2,}=[^\s"']+`),
		Label:   "[REDACTED_ENV_VAR]",
	},
}

// FilterToolOutput sanitizes a tool result before it re-enters the
// conversation: PII redaction, infrastructure-detail redaction, and a
// 50 KiB truncation. Violations are collected but never block.
func FilterToolOutput(s string) (string, []string) {
	out, found := RedactPII(s)

	for _, p := range toolOutputPatterns {
		if !p.Pattern.MatchString(out) {
			continue
		}
		out = p.Pattern.ReplaceAllString(out, p.Label)
		found = append(found, p.Name)
	}

	if len(out) > MaxToolOutputBytes {
		out = truncateUTF8(out, MaxToolOutputBytes) + TruncationMarker
		found = append(found, "truncated")
	}
	return out, found
}

// WrapToolResult frames tool output with boundary markers so the model
// treats the content as data rather than instructions.
func WrapToolResult(name, content string) string {
	return "[TOOL_RESULT: " + name + "]\n" + content + "\n[/TOOL_RESULT]"
}

// truncateUTF8 cuts s to at most n bytes without splitting a rune.
func truncateUTF8(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}
