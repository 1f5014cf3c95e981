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

package gateway

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"regexp"
	"strings"
)

// Input limits enforced before any JSON is interpreted. These bound
// worst-case memory per request, not business payload sizes.
const (
	maxBodyBytes     = 1 << 20 // 1 MiB
	maxJSONDepth     = 10
	maxArrayElements = 1000
	maxObjectKeys    = 100
	maxStringBytes   = 100 * 1024
)

var actionPattern = regexp.MustCompile(`^[a-z][a-z0-9_]*(\.[a-z][a-z0-9_]*)+$`)

// readJSONBody enforces the content type and the 1 MiB cap, returning
// the raw bytes so signature verification can run over the exact wire
// payload later in the pipeline.
func readJSONBody(w http.ResponseWriter, r *http.Request) ([]byte, *apiError) {
	contentType := r.Header.Get("Content-Type")
	if contentType != "" && !strings.HasPrefix(strings.ToLower(contentType), "application/json") {
		return nil, errValidation("Content-Type must be application/json")
	}
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		return nil, errValidation("request body exceeds 1MiB limit")
	}
	if len(body) == 0 {
		return nil, errValidation("request body is required")
	}
	return body, nil
}

// decodeGatewayRequest parses and shape-checks a gateway request body.
func decodeGatewayRequest(body []byte) (*GatewayRequest, *apiError) {
	var raw interface{}
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, errValidation("request body is not valid JSON")
	}
	if err := checkJSONShape(raw, 0); err != nil {
		return nil, err
	}
	var req GatewayRequest
	if err := json.Unmarshal(body, &req); err != nil {
		return nil, errValidation("request body does not match the expected schema")
	}
	if req.Action == "" {
		return nil, errValidation("action is required")
	}
	if !actionPattern.MatchString(req.Action) {
		return nil, errValidation("action must be a dot-separated identifier, e.g. workflow.execute")
	}
	return &req, nil
}

// checkJSONShape walks a decoded JSON value enforcing the depth,
// collection size, and string size limits.
func checkJSONShape(value interface{}, depth int) *apiError {
	if depth > maxJSONDepth {
		return errValidation(fmt.Sprintf("JSON nesting exceeds %d levels", maxJSONDepth))
	}
	switch v := value.(type) {
	case map[string]interface{}:
		if len(v) > maxObjectKeys {
			return errValidation(fmt.Sprintf("JSON object exceeds %d keys", maxObjectKeys))
		}
		for _, item := range v {
			if err := checkJSONShape(item, depth+1); err != nil {
				return err
			}
		}
	case []interface{}:
		if len(v) > maxArrayElements {
			return errValidation(fmt.Sprintf("JSON array exceeds %d elements", maxArrayElements))
		}
		for _, item := range v {
			if err := checkJSONShape(item, depth+1); err != nil {
				return err
			}
		}
	case string:
		if len(v) > maxStringBytes {
			return errValidation(fmt.Sprintf("JSON string exceeds %d bytes", maxStringBytes))
		}
	}
	return nil
}

// requireString pulls a required string field out of a params map.
func requireString(params map[string]interface{}, field string) (string, *apiError) {
	raw, ok := params[field]
	if !ok || raw == nil {
		return "", errValidation(fmt.Sprintf("params.%s is required", field))
	}
	s, ok := raw.(string)
	if !ok || s == "" {
		return "", errValidation(fmt.Sprintf("params.%s must be a non-empty string", field))
	}
	return s, nil
}

// optionalString returns the named string field or the fallback when
// absent. A present-but-wrong-type value is a validation error.
func optionalString(params map[string]interface{}, field, fallback string) (string, *apiError) {
	raw, ok := params[field]
	if !ok || raw == nil {
		return fallback, nil
	}
	s, ok := raw.(string)
	if !ok {
		return "", errValidation(fmt.Sprintf("params.%s must be a string", field))
	}
	return s, nil
}

// optionalInt returns the named numeric field (JSON numbers decode as
// float64) or the fallback when absent.
func optionalInt(params map[string]interface{}, field string, fallback int) (int, *apiError) {
	raw, ok := params[field]
	if !ok || raw == nil {
		return fallback, nil
	}
	f, ok := raw.(float64)
	if !ok {
		return 0, errValidation(fmt.Sprintf("params.%s must be a number", field))
	}
	return int(f), nil
}
