// Package errors defines the error kinds the slowhello server distinguishes between.
// Every kind maps to a sentinel so callers can classify with errors.Is, and each
// kind has a fixed HTTP status used when the error reaches a client.
package errors

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
)

// Error kinds
var (
	ErrTimeout    = errors.New("timeout error")
	ErrValidation = errors.New("validation error")
	ErrBind       = errors.New("bind error")
	ErrRateLimit  = errors.New("rate limit error")
	ErrPublish    = errors.New("publish error")
	ErrConnection = errors.New("connection error")
	ErrInternal   = errors.New("internal error")
)

// kindError is an error of one of the kinds above
type kindError struct {
	kind      error
	msg       string
	cause     error
	details   map[string]interface{}
	retryable bool
}

// ErrorWithDetails is implemented by errors that carry structured details
type ErrorWithDetails interface {
	Error() string
	Details() map[string]interface{}
}

func (e *kindError) Error() string {
	if e == nil {
		return ""
	}

	base := fmt.Sprintf("%s: %s", e.kind.Error(), e.msg)

	if len(e.details) > 0 {
		if detailsJSON, err := json.Marshal(e.details); err == nil {
			base += fmt.Sprintf(" - details: %s", detailsJSON)
		}
	}

	if e.cause != nil {
		base += fmt.Sprintf(" - caused by: %v", e.cause)
	}

	return base
}

// Unwrap returns the underlying cause of the error
func (e *kindError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.cause
}

// Is reports whether the error is of the target kind
func (e *kindError) Is(target error) bool {
	if e == nil {
		return target == nil
	}
	return errors.Is(e.kind, target)
}

// Details returns the structured details attached to the error
func (e *kindError) Details() map[string]interface{} {
	if e == nil {
		return nil
	}
	return e.details
}

// NewTimeoutError creates an error for a request whose handler lost the race
// against the watchdog timer. Timeouts are never retried by the server.
func NewTimeoutError(msg string) error {
	return &kindError{kind: ErrTimeout, msg: msg}
}

// NewValidationError creates a new validation error
func NewValidationError(msg string) error {
	return &kindError{kind: ErrValidation, msg: msg}
}

// NewBindError creates an error for a listener that could not be opened
func NewBindError(addr string, cause error) error {
	return &kindError{
		kind:    ErrBind,
		msg:     "failed to listen on " + addr,
		cause:   cause,
		details: map[string]interface{}{"address": addr},
	}
}

// NewRateLimitError creates a new rate limit error
func NewRateLimitError(msg string) error {
	return &kindError{kind: ErrRateLimit, msg: msg, retryable: true}
}

// NewPublishError creates a new publish error
func NewPublishError(msg string, cause error) error {
	return &kindError{kind: ErrPublish, msg: msg, cause: cause, retryable: true}
}

// NewConnectionError creates a new connection error
func NewConnectionError(msg string) error {
	return &kindError{kind: ErrConnection, msg: msg, retryable: true}
}

// NewInternalError creates a new internal error
func NewInternalError(msg string) error {
	return &kindError{kind: ErrInternal, msg: msg}
}

// Wrap adds context to err. Errors of a known kind keep their kind, anything
// else becomes an internal error.
func Wrap(err error, msg string) error {
	if err == nil {
		return nil
	}

	if ke, ok := err.(*kindError); ok {
		return &kindError{
			kind:      ke.kind,
			msg:       msg + ": " + ke.msg,
			cause:     ke.cause,
			details:   ke.details,
			retryable: ke.retryable,
		}
	}

	return &kindError{kind: ErrInternal, msg: msg, cause: err}
}

// WithDetails attaches details to an error
func WithDetails(err error, details map[string]interface{}) error {
	if err == nil {
		return nil
	}

	if ke, ok := err.(*kindError); ok {
		return &kindError{
			kind:      ke.kind,
			msg:       ke.msg,
			cause:     ke.cause,
			details:   details,
			retryable: ke.retryable,
		}
	}

	return &kindError{kind: ErrInternal, msg: err.Error(), details: details}
}

// GetDetails returns error details if available, nil otherwise
func GetDetails(err error) map[string]interface{} {
	var detailed ErrorWithDetails
	if errors.As(err, &detailed) {
		return detailed.Details()
	}
	return nil
}

// IsTimeoutError checks if the error is a timeout error
func IsTimeoutError(err error) bool {
	return err != nil && errors.Is(err, ErrTimeout)
}

// IsValidationError checks if the error is a validation error
func IsValidationError(err error) bool {
	return err != nil && errors.Is(err, ErrValidation)
}

// IsBindError checks if the error is a bind error
func IsBindError(err error) bool {
	return err != nil && errors.Is(err, ErrBind)
}

// IsRateLimitError checks if the error is a rate limit error
func IsRateLimitError(err error) bool {
	return err != nil && errors.Is(err, ErrRateLimit)
}

// IsPublishError checks if the error is a publish error
func IsPublishError(err error) bool {
	return err != nil && errors.Is(err, ErrPublish)
}

// IsConnectionError checks if the error is a connection error
func IsConnectionError(err error) bool {
	return err != nil && errors.Is(err, ErrConnection)
}

// IsRetryable checks if the error is retryable
func IsRetryable(err error) bool {
	var ke *kindError
	if !errors.As(err, &ke) {
		return false
	}
	return ke.retryable
}

// Format returns a properly formatted error string
func Format(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

// ErrorResponse is the JSON body written for errors that reach a client
type ErrorResponse struct {
	Status    string                 `json:"status"`
	Message   string                 `json:"message"`
	ErrorType string                 `json:"error_type"`
	Details   map[string]interface{} `json:"details,omitempty"`
}

// Type returns the short name of the error's kind
func Type(err error) string {
	switch {
	case err == nil:
		return ""
	case IsTimeoutError(err):
		return "timeout"
	case IsValidationError(err):
		return "validation"
	case IsBindError(err):
		return "bind"
	case IsRateLimitError(err):
		return "rate_limit"
	case IsConnectionError(err):
		return "connection"
	case IsPublishError(err):
		return "publish"
	default:
		return "internal"
	}
}

// StatusCode returns the HTTP status for an error
func StatusCode(err error) int {
	switch {
	case IsTimeoutError(err):
		return http.StatusRequestTimeout
	case IsValidationError(err):
		return http.StatusBadRequest
	case IsRateLimitError(err):
		return http.StatusTooManyRequests
	case IsConnectionError(err):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// ToErrorResponse converts an error to a standardized ErrorResponse
func ToErrorResponse(err error) ErrorResponse {
	if err == nil {
		return ErrorResponse{
			Status:  "error",
			Message: "Unknown error",
		}
	}

	return ErrorResponse{
		Status:    "error",
		Message:   Format(err),
		ErrorType: Type(err),
		Details:   GetDetails(err),
	}
}

// WriteJSON writes err to w as an ErrorResponse with the given status code.
// A zero status uses StatusCode(err).
func WriteJSON(w http.ResponseWriter, status int, err error) error {
	if status == 0 {
		status = StatusCode(err)
	}

	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.WriteHeader(status)

	return json.NewEncoder(w).Encode(ToErrorResponse(err))
}
