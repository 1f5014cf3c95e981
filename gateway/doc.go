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
Package gateway implements the FlowGate API gateway: the single
authenticated entry point through which agents submit actions.

Every request passes an admission pipeline before dispatch:

 1. Input validation (content type, body size, JSON shape)
 2. Action resolution against the compiled-in capability registry
 3. Authentication (agent API key or internal scheduler secret)
 4. Capability check
 5. Agent-type enforcement (tool agents: query routes only; supervised
    agents: confirmation required for non-query actions)
 6. Destructive-action gate
 7. Optional HMAC signature verification
 8. Dispatch (workflow executor, storage query, or internal handler)
 9. Audit

The package also hosts the inbound webhook receiver, the OAuth
callback for integration connections, tenant provisioning, and
confirmation administration endpoints.
*/
package gateway
