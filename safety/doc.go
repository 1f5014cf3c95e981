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

/*
Package safety implements the content filters applied around every LLM
conversation: PII redaction, prompt-injection detection, tool-output
sanitization, response leak detection, and boundary-marker wrapping.

All functions are pure and side-effect free. They are called on every
inbound command, every tool result, and every model response, so the
patterns are compiled once at package load and matching stays
sub-millisecond on inputs up to the 50 KiB tool-output cap.
*/
package safety
