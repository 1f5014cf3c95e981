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

// Patterns that suggest the model is echoing its own system instructions.
var leakPatterns = []struct {
	Name    string
	Pattern *regexp.Regexp
}{
	{
		Name:    "system_prompt_leak",
		Pattern: regexp.MustCompile(`(?i)\bmy\s+(system\s+)?(prompt|instructions?)\s+(is|are|says?|were)\b`),
	},
	{
		Name:    "system_prompt_leak",
		Pattern: regexp.MustCompile(`(?i)\bi\s+(was|am)\s+(instructed|told|programmed)\s+to\b`),
	},
	{
		Name:    "system_prompt_leak",
		Pattern: regexp.MustCompile(`(?i)\bhere\s+(is|are)\s+my\s+(system\s+prompt|instructions?)\b`),
	},
	{
		Name:    "memory_header_leak",
		Pattern: regexp.MustCompile(`RELEVANT PAST INTERACTIONS:`),
	},
}

// FilterResponse sanitizes a final model response: PII is redacted and
// system-prompt leak shapes produce non-blocking warnings.
func FilterResponse(s string) (string, []string) {
	out, warnings := RedactPII(s)

	for _, p := range leakPatterns {
		if p.Pattern.MatchString(out) {
			warnings = append(warnings, p.Name)
		}
	}
	return out, warnings
}
