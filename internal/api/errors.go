package api

import (
	"encoding/json"
	stderrors "errors"
	"net/http"

	"apiagg/internal/errors"
)

// StatusClientClosedRequest is reported when the client went away before
// the response was ready.
const StatusClientClosedRequest = 499

// ErrorResponse represents an HTTP error response
type ErrorResponse struct {
	Error          string             `json:"error"`
	Code           string             `json:"code"`
	Details        interface{}        `json:"details,omitempty"`
	SuggestedFixes []errors.FixAction `json:"suggestedFixes,omitempty"`
}

// WriteError writes an error response to the HTTP response writer
func WriteError(w http.ResponseWriter, err error, status int) {
	resp := ErrorResponse{Error: err.Error()}

	var aggErr *errors.AggError
	if stderrors.As(err, &aggErr) {
		resp.Error = aggErr.Message
		resp.Code = string(aggErr.Code)
		resp.Details = aggErr.Details
		resp.SuggestedFixes = aggErr.SuggestedFixes
	} else {
		resp.Code = string(errors.InternalError)
	}

	WriteJSON(w, resp, status)
}

// WriteAggError writes err with the status mapped from its error code.
func WriteAggError(w http.ResponseWriter, err error) {
	WriteError(w, err, MapErrorToStatus(errors.CodeOf(err)))
}

// MapErrorToStatus maps error codes to HTTP status codes
func MapErrorToStatus(code errors.ErrorCode) int {
	switch code {
	case errors.InvalidInput:
		return http.StatusBadRequest // 400
	case errors.NotFound:
		return http.StatusNotFound // 404
	case errors.Cancelled:
		return StatusClientClosedRequest // 499
	case errors.RateLimited:
		return http.StatusTooManyRequests // 429
	case errors.Timeout:
		return http.StatusGatewayTimeout // 504
	case errors.UpstreamUnavailable:
		return http.StatusServiceUnavailable // 503
	case errors.UpstreamStatus, errors.UpstreamDecode:
		return http.StatusBadGateway // 502
	default:
		return http.StatusInternalServerError // 500
	}
}

// WriteJSON writes a JSON response
func WriteJSON(w http.ResponseWriter, data interface{}, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

// BadRequest writes a 400 Bad Request error
func BadRequest(w http.ResponseWriter, message string) {
	WriteError(w, errors.New(errors.InvalidInput, message), http.StatusBadRequest)
}

// NotFound writes a 404 Not Found error
func NotFound(w http.ResponseWriter, message string) {
	WriteError(w, errors.New(errors.NotFound, message), http.StatusNotFound)
}

// InternalError writes a 500 Internal Server Error
func InternalError(w http.ResponseWriter, message string, err error) {
	WriteError(w, errors.Wrap(errors.InternalError, message, err), http.StatusInternalServerError)
}

// allowMethod writes a 405 and returns false unless r uses one of methods.
func allowMethod(w http.ResponseWriter, r *http.Request, methods ...string) bool {
	for _, m := range methods {
		if r.Method == m {
			return true
		}
	}
	for _, m := range methods {
		w.Header().Add("Allow", m)
	}
	WriteError(w, errors.New(errors.InvalidInput, "method not allowed"), http.StatusMethodNotAllowed)
	return false
}
