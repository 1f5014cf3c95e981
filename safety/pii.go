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

import "regexp"

// piiPattern pairs a detector with its fixed replacement label.
type piiPattern struct {
	Name    string
	Pattern *regexp.Regexp
	Label   string
}

// Ordered so that longer digit runs (cards) are consumed before the
// shorter SSN and phone shapes can partially match them.
var piiPatterns = []piiPattern{
	{
		Name:    "email",
		Pattern: regexp.MustCompile(`[a-zA-Z0-9._%+\-]+@[a-zA-Z0-9.\-]+\.[a-zA-Z]{2,}`),
		Label:   "[REDACTED_EMAIL]",
	},
	{
		Name:    "api_key",
		Pattern: regexp.MustCompile(`\b(?:sk-|pk_|key-|token_)[A-Za-z0-9_\-]{16,}`),
		Label:   "[REDACTED_API_KEY]",
	},
	{
		Name:    "credit_card",
		Pattern: regexp.MustCompile(`\b(?:\d[ \-]?){12,18}\d\b`),
		Label:   "[REDACTED_CARD]",
	},
	{
		Name:    "ssn",
		Pattern: regexp.MustCompile(`\b\d{3}[\- ]\d{2}[\- ]\d{4}\b`),
		Label:   "[REDACTED_SSN]",
	},
	{
		Name:    "phone",
		Pattern: regexp.MustCompile(`(?:\+?1[\-. ])?\(?\d{3}\)?[\-. ]\d{3}[\-. ]\d{4}\b`),
		Label:   "[REDACTED_PHONE]",
	},
}

// RedactPII rewrites recognized PII patterns with fixed labels and reports
// which pattern names matched, in detection order.
func RedactPII(s string) (string, []string) {
	var found []string
	for _, p := range piiPatterns {
		if !p.Pattern.MatchString(s) {
			continue
		}
		s = p.Pattern.ReplaceAllString(s, p.Label)
		found = append(found, p.Name)
	}
	return s, found
}
