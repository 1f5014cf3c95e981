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
Package crypto implements envelope encryption for stored credentials and
HMAC request signing for the gateway.

# Envelope encryption

Payloads are encrypted with AES-256-GCM under a key derived from a
versioned master secret via PBKDF2-HMAC-SHA256 (100,000 iterations). Each
payload records the salt, IV, and key id used, so decryption only needs
the master secret registered for that key id:

	codec := crypto.NewCodec(crypto.NewEnvKeySource())
	payload, err := codec.Encrypt(ctx, map[string]string{"token": "..."})
	...
	var creds map[string]string
	err = codec.Decrypt(ctx, payload, &creds)

ReEncrypt migrates a payload from its stored key id to the current one;
callers use it to rotate credentials lazily on access.

Master secrets are resolved per key id through a KeySource. The env source
reads ENCRYPTION_MASTER_KEY (current) and ENCRYPTION_MASTER_KEY_V1 (legacy
key-v1, falling back to STORAGE_SERVICE_KEY). An AWS Secrets Manager
source can front the env source when AWS_SECRETS_PREFIX is set. A missing
secret fails the individual call, never process start.

# Request signing

Signatures use the header format

	t=<unix_seconds>,v1=<hex>[,v1=<hex>...]

computed as HMAC-SHA256 over the literal string "<timestamp>.<raw_body>".
Verification rejects timestamps outside a 300-second window and compares
each v1 candidate in constant time, so multiple v1 entries tolerate
signing-secret rotation.
*/
package crypto
