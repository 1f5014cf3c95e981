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
Package integrations manages third-party service registrations: the
integration registry with on-demand health checks, encrypted credential
storage with lazy key rotation, and the OAuth authorization flow with
single-use states.

Credential payloads are envelope-encrypted (shared/crypto); rows written
under an older key version are re-encrypted to the current version the
next time they are read.
*/
package integrations
