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
Package orchestrator executes agent work admitted by the gateway: the
tool-use conversation loop (executor), multi-agent fan-out with result
merging, the sequential workflow engine, semantic memory, and command
polling.

The service listens on internal endpoints guarded by the shared
scheduler secret; agents never reach it directly. Commands move through
pending → processing → (completed | failed | cancelled) with terminal
states absorbing at the storage layer.
*/
package orchestrator
