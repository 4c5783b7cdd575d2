package httputil

import (
	"encoding/json"
	"net/http"
	"strings"
)

const HeaderRequestID = "X-Request-ID"

// APIError is the error envelope returned by every gateway-generated failure.
type APIError struct {
	Error APIErrorBody `json:"error"`
}

type APIErrorBody struct {
	Message   string `json:"message"`
	Type      string `json:"type"`
	Code      string `json:"code"`
	RequestID string `json:"request_id,omitempty"`
	// Detail carries the underlying error text; only populated outside production.
	Detail string `json:"detail,omitempty"`
}

// Error codes clients can switch on.
const (
	CodeMissingTenant          = "missing_tenant"
	CodeAuthenticationRequired = "authentication_required"
	CodeBypassUnavailable      = "bypass_token_unavailable"
	CodeServiceUnavailable     = "service_unavailable"
	CodeInternal               = "internal_error"
	CodeMethodNotAllowed       = "method_not_allowed"
	CodeRateLimited            = "rate_limit_exceeded"
	CodeBadRequest             = "invalid_request"
	CodeNotFound               = "not_found"
)

func WriteError(w http.ResponseWriter, requestID string, statusCode int, errType, code, message string) {
	WriteErrorDetail(w, requestID, statusCode, errType, code, message, "")
}

func WriteErrorDetail(w http.ResponseWriter, requestID string, statusCode int, errType, code, message, detail string) {
	w.Header().Set("Content-Type", "application/json")
	if requestID != "" {
		w.Header().Set(HeaderRequestID, requestID)
	}
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(APIError{
		Error: APIErrorBody{
			Message:   message,
			Type:      errType,
			Code:      code,
			RequestID: requestID,
			Detail:    detail,
		},
	})
}

// WriteJSON writes an arbitrary JSON body, used when relaying downstream responses.
func WriteJSON(w http.ResponseWriter, requestID string, statusCode int, body any) {
	w.Header().Set("Content-Type", "application/json")
	if requestID != "" {
		w.Header().Set(HeaderRequestID, requestID)
	}
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(body)
}

func WriteMissingTenantError(w http.ResponseWriter, requestID, message string) {
	WriteError(w, requestID, http.StatusUnauthorized, "authentication_error", CodeMissingTenant, message)
}

func WriteAuthRequiredError(w http.ResponseWriter, requestID, message string) {
	w.Header().Set("WWW-Authenticate", `Bearer realm="dealcycle"`)
	WriteError(w, requestID, http.StatusUnauthorized, "authentication_error", CodeAuthenticationRequired, message)
}

// WriteBypassUnavailableError is distinct from the generic auth failure so operators can
// spot a misconfigured development or test environment.
func WriteBypassUnavailableError(w http.ResponseWriter, requestID, message string) {
	WriteError(w, requestID, http.StatusServiceUnavailable, "configuration_error", CodeBypassUnavailable, message)
}

func WriteRateLimitError(w http.ResponseWriter, requestID, message string) {
	WriteError(w, requestID, http.StatusTooManyRequests, "rate_limit_error", CodeRateLimited, message)
}

func WriteBadRequestError(w http.ResponseWriter, requestID, message string) {
	WriteError(w, requestID, http.StatusBadRequest, "invalid_request_error", CodeBadRequest, message)
}

func WriteNotFoundError(w http.ResponseWriter, requestID, message string) {
	WriteError(w, requestID, http.StatusNotFound, "invalid_request_error", CodeNotFound, message)
}

func WriteInternalError(w http.ResponseWriter, requestID, message, detail string) {
	WriteErrorDetail(w, requestID, http.StatusInternalServerError, "server_error", CodeInternal, message, detail)
}

func WriteServiceUnavailableError(w http.ResponseWriter, requestID, message, detail string) {
	WriteErrorDetail(w, requestID, http.StatusServiceUnavailable, "server_error", CodeServiceUnavailable, message, detail)
}

func WriteMethodNotAllowedError(w http.ResponseWriter, requestID string, allowed []string) {
	w.Header().Set("Allow", strings.Join(allowed, ", "))
	WriteError(w, requestID, http.StatusMethodNotAllowed, "invalid_request_error", CodeMethodNotAllowed,
		"Method not allowed. Allowed: "+strings.Join(allowed, ", "))
}
