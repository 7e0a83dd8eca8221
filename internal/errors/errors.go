package errors

import (
	"context"
	stderrors "errors"
	"fmt"
)

// ErrorCode represents stable error codes for all failure modes
type ErrorCode string

const (
	// InvalidInput indicates a malformed or missing request parameter
	InvalidInput ErrorCode = "INVALID_INPUT"
	// Cancelled indicates the caller abandoned the request
	Cancelled ErrorCode = "CANCELLED"
	// UpstreamUnavailable indicates a source is not configured or unreachable
	UpstreamUnavailable ErrorCode = "UPSTREAM_UNAVAILABLE"
	// UpstreamStatus indicates a source answered with a non-success status
	UpstreamStatus ErrorCode = "UPSTREAM_STATUS"
	// UpstreamDecode indicates a source response could not be decoded
	UpstreamDecode ErrorCode = "UPSTREAM_DECODE"
	// RateLimited indicates too many requests, either ours or upstream's
	RateLimited ErrorCode = "RATE_LIMITED"
	// Timeout indicates a source call exceeded its deadline
	Timeout ErrorCode = "TIMEOUT"
	// NotFound indicates an unknown resource
	NotFound ErrorCode = "NOT_FOUND"
	// InternalError indicates unexpected error
	InternalError ErrorCode = "INTERNAL_ERROR"
)

// FixAction represents a suggested fix for an error
type FixAction struct {
	Description string `json:"description"`
	Command     string `json:"command,omitempty"`
}

// AggError is the error type used across apiagg.
type AggError struct {
	Code           ErrorCode   `json:"code"`
	Message        string      `json:"message"`
	Details        interface{} `json:"details,omitempty"`
	SuggestedFixes []FixAction `json:"suggestedFixes,omitempty"`
	cause          error
}

// New creates an AggError without an underlying cause.
func New(code ErrorCode, message string) *AggError {
	return &AggError{Code: code, Message: message, SuggestedFixes: GetSuggestedFixes(code)}
}

// Wrap creates an AggError around cause.
func Wrap(code ErrorCode, message string, cause error) *AggError {
	return &AggError{Code: code, Message: message, cause: cause, SuggestedFixes: GetSuggestedFixes(code)}
}

// Error implements the error interface
func (e *AggError) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.cause)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap returns the underlying error
func (e *AggError) Unwrap() error {
	return e.cause
}

// WithDetails adds details to the error
func (e *AggError) WithDetails(details interface{}) *AggError {
	e.Details = details
	return e
}

// CodeOf returns the code of the first AggError in err's chain.
// Context errors without an AggError wrapper map to Cancelled or Timeout.
func CodeOf(err error) ErrorCode {
	if err == nil {
		return ""
	}
	var aggErr *AggError
	if stderrors.As(err, &aggErr) {
		return aggErr.Code
	}
	switch {
	case stderrors.Is(err, context.Canceled):
		return Cancelled
	case stderrors.Is(err, context.DeadlineExceeded):
		return Timeout
	}
	return InternalError
}

// IsCancellation reports whether err represents the caller giving up.
func IsCancellation(err error) bool {
	if err == nil {
		return false
	}
	var aggErr *AggError
	if stderrors.As(err, &aggErr) && aggErr.Code == Cancelled {
		return true
	}
	return stderrors.Is(err, context.Canceled)
}

// ErrorActions maps error codes to suggested fix actions
var ErrorActions = map[ErrorCode][]FixAction{
	InvalidInput: {
		{Description: "Pass a non-empty query; sortBy must be date|title|source and sortOrder asc|desc"},
	},
	RateLimited: {
		{Description: "Retry after the delay given in the Retry-After header"},
	},
	UpstreamUnavailable: {
		{Description: "Check the source credentials in the configuration", Command: "apiagg config show"},
	},
}

// GetSuggestedFixes returns suggested fixes for an error code
func GetSuggestedFixes(code ErrorCode) []FixAction {
	if fixes, ok := ErrorActions[code]; ok {
		return fixes
	}
	return nil
}
