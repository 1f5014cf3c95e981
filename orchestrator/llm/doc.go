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
Package llm is the client for the tool-using messages API the agent
executor converses with. Two providers speak the same request/response
contract: direct Anthropic HTTP and AWS Bedrock InvokeModel. Providers
are selected from environment configuration by NewClientFromEnv.
*/
package llm
