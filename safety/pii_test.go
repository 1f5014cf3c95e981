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
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRedactPII(t *testing.T) {
	tests := []struct {
		name        string
		input       string
		wantLabel   string
		wantPattern string
		wantAbsent  string
	}{
		{
			name:        "email address",
			input:       "Contact ada@example.com for details",
			wantLabel:   "[REDACTED_EMAIL]",
			wantPattern: "email",
			wantAbsent:  "ada@example.com",
		},
		{
			name:        "phone with parens",
			input:       "Call (555) 123-4567 tomorrow",
			wantLabel:   "[REDACTED_PHONE]",
			wantPattern: "phone",
			wantAbsent:  "123-4567",
		},
		{
			name:        "phone with country code",
			input:       "Reach me at +1 555-123-4567",
			wantLabel:   "[REDACTED_PHONE]",
			wantPattern: "phone",
			wantAbsent:  "555-123-4567",
		},
		{
			name:        "ssn",
			input:       "SSN on file: 123-45-6789",
			wantLabel:   "[REDACTED_SSN]",
			wantPattern: "ssn",
			wantAbsent:  "123-45-6789",
		},
		{
			name:        "credit card with spaces",
			input:       "Charged 4111 1111 1111 1111 yesterday",
			wantLabel:   "[REDACTED_CARD]",
			wantPattern: "credit_card",
			wantAbsent:  "4111 1111 1111 1111",
		},
		{
			name:        "credit card with dashes",
			input:       "Card 5500-0000-0000-0004 declined",
			wantLabel:   "[REDACTED_CARD]",
			wantPattern: "credit_card",
			wantAbsent:  "5500-0000-0000-0004",
		},
		{
			name:        "secret key token",
			input:       "Use sk-abcdef1234567890abcdef to authenticate",
			wantLabel:   "[REDACTED_API_KEY]",
			wantPattern: "api_key",
			wantAbsent:  "sk-abcdef1234567890abcdef",
		},
		{
			name:        "publishable key token",
			input:       "pk_live_ABCDEF1234567890xyz is in the config",
			wantLabel:   "[REDACTED_API_KEY]",
			wantPattern: "api_key",
			wantAbsent:  "pk_live_ABCDEF1234567890xyz",
		},
		{
			name:        "token underscore prefix",
			input:       "header token_0123456789abcdefgh was rejected",
			wantLabel:   "[REDACTED_API_KEY]",
			wantPattern: "api_key",
			wantAbsent:  "token_0123456789abcdefgh",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out, found := RedactPII(tt.input)

			assert.Contains(t, out, tt.wantLabel)
			assert.NotContains(t, out, tt.wantAbsent)
			assert.Contains(t, found, tt.wantPattern)
		})
	}
}

func TestRedactPIICleanInput(t *testing.T) {
	input := "find contacts named Ada and summarize open tasks"

	out, found := RedactPII(input)

	assert.Equal(t, input, out)
	assert.Empty(t, found)
}

func TestRedactPIIMultiplePatterns(t *testing.T) {
	input := "Email ada@example.com or call (555) 123-4567, card 4111111111111111"

	out, found := RedactPII(input)

	assert.Contains(t, out, "[REDACTED_EMAIL]")
	assert.Contains(t, out, "[REDACTED_PHONE]")
	assert.Contains(t, out, "[REDACTED_CARD]")
	assert.Len(t, found, 3)
}

func TestRedactPIIShortTokenNotRedacted(t *testing.T) {
	// Key-shaped prefixes with fewer than 16 trailing chars pass through.
	input := "versioned as key-v2 in storage"

	out, found := RedactPII(input)

	assert.Equal(t, input, out)
	assert.Empty(t, found)
}

func TestRedactPIILongDigitRunsIgnored(t *testing.T) {
	// 20+ digit identifiers are not card numbers.
	input := "trace id 12345678901234567890123"

	out, _ := RedactPII(input)

	assert.NotContains(t, out, "[REDACTED_CARD]")
}

func BenchmarkRedactPII(b *testing.B) {
	input := strings.Repeat("Contact ada@example.com or call (555) 123-4567. ", 100)
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		RedactPII(input)
	}
}
