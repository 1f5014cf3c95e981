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
	"errors"
	"net/http"
)

// Error kinds returned in the "error" field of the error envelope.
// Clients branch on these, so they are part of the API contract.
const (
	ErrKindValidation        = "validation_error"
	ErrKindAuth              = "auth_error"
	ErrKindPermission        = "permission_error"
	ErrKindNotFound          = "not_found"
	ErrKindConflict          = "conflict"
	ErrKindCredentialExpired = "credential_expired"
	ErrKindRateLimited       = "rate_limit_exceeded"
	ErrKindUpstream          = "upstream_error"
	ErrKindTimeout           = "timeout"
	ErrKindInternal          = "internal_error"
)

// apiError is the internal error type the admission pipeline threads
// between stages. It knows its HTTP status and error kind so handlers
// never improvise status codes.
type apiError struct {
	Kind      string
	Status    int
	Message   string
	RateLimit *RateLimitResult
}

func (e *apiError) Error() string {
	return e.Message
}

func errValidation(msg string) *apiError {
	return &apiError{Kind: ErrKindValidation, Status: http.StatusBadRequest, Message: msg}
}

func errAuth(msg string) *apiError {
	return &apiError{Kind: ErrKindAuth, Status: http.StatusUnauthorized, Message: msg}
}

func errPermission(msg string) *apiError {
	return &apiError{Kind: ErrKindPermission, Status: http.StatusForbidden, Message: msg}
}

func errNotFound(msg string) *apiError {
	return &apiError{Kind: ErrKindNotFound, Status: http.StatusNotFound, Message: msg}
}

func errConflict(msg string) *apiError {
	return &apiError{Kind: ErrKindConflict, Status: http.StatusConflict, Message: msg}
}

func errCredentialExpired(msg string) *apiError {
	return &apiError{Kind: ErrKindCredentialExpired, Status: http.StatusGone, Message: msg}
}

func errRateLimited(res RateLimitResult) *apiError {
	return &apiError{
		Kind:      ErrKindRateLimited,
		Status:    http.StatusTooManyRequests,
		Message:   "Rate limit exceeded",
		RateLimit: &res,
	}
}

func errUpstream(msg string) *apiError {
	return &apiError{Kind: ErrKindUpstream, Status: http.StatusBadGateway, Message: msg}
}

func errTimeout(msg string) *apiError {
	return &apiError{Kind: ErrKindTimeout, Status: http.StatusGatewayTimeout, Message: msg}
}

func errInternal(msg string) *apiError {
	return &apiError{Kind: ErrKindInternal, Status: http.StatusInternalServerError, Message: msg}
}

// asAPIError normalizes arbitrary errors into an apiError, defaulting
// to internal_error so raw storage or codec failures never leak detail
// to callers.
func asAPIError(err error) *apiError {
	var apiErr *apiError
	if errors.As(err, &apiErr) {
		return apiErr
	}
	return errInternal("internal error")
}

// errorEnvelope is the uniform JSON error body.
type errorEnvelope struct {
	Error         string         `json:"error"`
	Message       string         `json:"message"`
	CorrelationID string         `json:"correlationId"`
	RateLimit     *RateLimitInfo `json:"rateLimit,omitempty"`
}

// writeAPIError renders an apiError as the uniform envelope. When the
// error carries rate limit state the X-RateLimit-* headers are set too.
func writeAPIError(w http.ResponseWriter, correlationID string, apiErr *apiError) {
	if apiErr.RateLimit != nil {
		SetRateLimitHeaders(w, *apiErr.RateLimit)
	}
	envelope := errorEnvelope{
		Error:         apiErr.Kind,
		Message:       apiErr.Message,
		CorrelationID: correlationID,
	}
	if apiErr.RateLimit != nil {
		envelope.RateLimit = apiErr.RateLimit.Info()
	}
	writeJSON(w, apiErr.Status, envelope)
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
