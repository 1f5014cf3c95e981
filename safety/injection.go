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

// Severity classifies how an injection violation is handled.
type Severity string

const (
	// SeverityWarn violations are logged but do not stop execution.
	SeverityWarn Severity = "warn"

	// SeverityBlock violations cause the executor to refuse the command.
	SeverityBlock Severity = "block"
)

// Violation is one detected prompt-injection pattern.
type Violation struct {
	Name     string   `json:"name"`
	Severity Severity `json:"severity"`
	Excerpt  string   `json:"excerpt,omitempty"`
}

type injectionPattern struct {
	Name     string
	Pattern  *regexp.Regexp
	Severity Severity
}

var injectionPatterns = []injectionPattern{
	{
		Name:     "instruction_override",
		Pattern:  regexp.MustCompile(`(?i)\b(ignore|disregard|forget)\s+(all\s+)?(previous|prior|above|earlier|your)\s+(instructions?|directions?|prompts?|rules?)`),
		Severity: SeverityBlock,
	},
	{
		Name:     "instruction_override",
		Pattern:  regexp.MustCompile(`(?i)\bnew\s+instructions?\s*:`),
		Severity: SeverityBlock,
	},
	{
		Name:     "role_hijack",
		Pattern:  regexp.MustCompile(`(?i)\byou\s+are\s+now\s+(a|an|the)\b`),
		Severity: SeverityBlock,
	},
	{
		Name:     "role_hijack",
		Pattern:  regexp.MustCompile(`(?i)\b(pretend\s+(to\s+be|you\s+are)|act\s+as\s+(the\s+)?(system|admin|root|developer))\b`),
		Severity: SeverityBlock,
	},
	{
		Name:     "delimiter_injection",
		Pattern:  regexp.MustCompile(`(?i)(\[INST\]|<<SYS>>|</?system>|###\s*system)`),
		Severity: SeverityBlock,
	},
	{
		Name:     "prompt_extraction",
		Pattern:  regexp.MustCompile(`(?i)\b(what(\s+is|'s)|show(\s+me)?|repeat|print|reveal|output)\s+(your|the)\s+(system\s+prompt|instructions?|initial\s+prompt)`),
		Severity: SeverityWarn,
	},
}

const maxExcerptLen = 80

// DetectInjection scans text for prompt-injection patterns and returns one
// violation per matching catalog entry.
func DetectInjection(s string) []Violation {
	var violations []Violation
	for _, p := range injectionPatterns {
		loc := p.Pattern.FindStringIndex(s)
		if loc == nil {
			continue
		}
		end := loc[1]
		if end > loc[0]+maxExcerptLen {
			end = loc[0] + maxExcerptLen
		}
		violations = append(violations, Violation{
			Name:     p.Name,
			Severity: p.Severity,
			Excerpt:  s[loc[0]:end],
		})
	}
	return violations
}

// HasBlocking reports whether any violation carries block severity.
func HasBlocking(violations []Violation) bool {
	for _, v := range violations {
		if v.Severity == SeverityBlock {
			return true
		}
	}
	return false
}
