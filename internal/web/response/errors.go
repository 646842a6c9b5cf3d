package response

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/fieldops/layoutd/internal/engine"
)

// ErrorResponse represents a standard error response
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
	Code    string `json:"code,omitempty"`
}

// RenderJSON writes v as the JSON body of a response with the given status
func RenderJSON(w http.ResponseWriter, statusCode int, v interface{}) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(v)
}

// RenderError renders err with the status its kind maps to
func RenderError(w http.ResponseWriter, err error) {
	RenderErrorWithStatus(w, StatusFor(err), err)
}

// RenderErrorWithStatus renders an error with an explicit status code
func RenderErrorWithStatus(w http.ResponseWriter, statusCode int, err error) {
	message := err.Error()
	if statusCode >= http.StatusInternalServerError && engine.KindOf(err) == nil {
		// unclassified failures may carry driver or upstream details
		message = http.StatusText(statusCode)
	}
	RenderJSON(w, statusCode, &ErrorResponse{
		Error:   "error",
		Message: message,
		Code:    errorCodeFromStatus(statusCode),
	})
}

// StatusFor maps an error to its HTTP status code
func StatusFor(err error) int {
	switch engine.KindOf(err) {
	case engine.ErrValidation:
		return http.StatusBadRequest
	case engine.ErrNotFound:
		return http.StatusNotFound
	case engine.ErrPermissionDenied:
		return http.StatusForbidden
	case engine.ErrVersionConflict:
		return http.StatusConflict
	case engine.ErrUpstreamUnavailable:
		return http.StatusServiceUnavailable
	}
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	case errors.Is(err, context.Canceled):
		// nobody is listening; the status only shows up in access logs
		return 499
	}
	return http.StatusInternalServerError
}

// RenderBadRequest renders a 400 Bad Request error
func RenderBadRequest(w http.ResponseWriter, message string) {
	RenderErrorWithStatus(w, http.StatusBadRequest, fmt.Errorf("%s", message))
}

// RenderUnauthorized renders a 401 Unauthorized error
func RenderUnauthorized(w http.ResponseWriter, message string) {
	if message == "" {
		message = "Authentication required"
	}
	w.Header().Set("WWW-Authenticate", `Bearer realm="layoutd"`)
	RenderErrorWithStatus(w, http.StatusUnauthorized, fmt.Errorf("%s", message))
}

// RenderForbidden renders a 403 Forbidden error
func RenderForbidden(w http.ResponseWriter, message string) {
	if message == "" {
		message = "Access denied"
	}
	RenderErrorWithStatus(w, http.StatusForbidden, fmt.Errorf("%s", message))
}

// RenderNotFound renders a 404 Not Found error
func RenderNotFound(w http.ResponseWriter, message string) {
	if message == "" {
		message = "Resource not found"
	}
	RenderErrorWithStatus(w, http.StatusNotFound, fmt.Errorf("%s", message))
}

// RenderMethodNotAllowed renders a 405 Method Not Allowed error
func RenderMethodNotAllowed(w http.ResponseWriter) {
	RenderErrorWithStatus(w, http.StatusMethodNotAllowed, fmt.Errorf("method not allowed"))
}

// RenderTooManyRequests renders a 429 with the wait before the next attempt
func RenderTooManyRequests(w http.ResponseWriter, retryAfter time.Duration) {
	w.Header().Set("Retry-After", strconv.Itoa(int(retryAfter/time.Second)))
	RenderErrorWithStatus(w, http.StatusTooManyRequests, fmt.Errorf("too many events, retry in %s", retryAfter))
}

// RenderInternalError renders a 500 Internal Server Error without exposing err
func RenderInternalError(w http.ResponseWriter) {
	RenderErrorWithStatus(w, http.StatusInternalServerError, fmt.Errorf("internal server error"))
}

// errorCodeFromStatus maps HTTP status codes to error codes
func errorCodeFromStatus(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "bad_request"
	case http.StatusUnauthorized:
		return "unauthorized"
	case http.StatusForbidden:
		return "forbidden"
	case http.StatusNotFound:
		return "not_found"
	case http.StatusMethodNotAllowed:
		return "method_not_allowed"
	case http.StatusConflict:
		return "version_conflict"
	case http.StatusRequestEntityTooLarge:
		return "request_too_large"
	case http.StatusUnsupportedMediaType:
		return "unsupported_media_type"
	case http.StatusTooManyRequests:
		return "rate_limited"
	case 499:
		return "client_closed_request"
	case http.StatusInternalServerError:
		return "internal_error"
	case http.StatusServiceUnavailable:
		return "upstream_unavailable"
	case http.StatusGatewayTimeout:
		return "gateway_timeout"
	default:
		return "error"
	}
}
