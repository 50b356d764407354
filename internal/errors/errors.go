package errors

import (
	"fmt"
	"net/http"

	"github.com/go-chi/render"
)

// APIError is an error from the internal and callback APIs, which report
// field-level detail the protocol endpoints never disclose.
type APIError struct {
	StatusCode int    `json:"status_code"`
	ErrorCode  string `json:"error_code"`
	Message    string `json:"message"`
	Details    any    `json:"details,omitempty"`
}

func (e *APIError) Error() string {
	return e.Message
}

// Render implements render.Renderer.
func (e *APIError) Render(w http.ResponseWriter, r *http.Request) error {
	render.Status(r, e.StatusCode)
	return nil
}

// ValidationError is one failed field.
type ValidationError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// New creates an APIError.
func New(statusCode int, errorCode, message string) *APIError {
	return &APIError{StatusCode: statusCode, ErrorCode: errorCode, Message: message}
}

// InvalidJSON reports an undecodable request body.
func InvalidJSON() *APIError {
	return New(http.StatusBadRequest, "INVALID_JSON", "Request body must be JSON")
}

// NewValidationErrors reports every failed field at once.
func NewValidationErrors(errs []ValidationError) *APIError {
	e := New(http.StatusBadRequest, "VALIDATION_FAILED", "Request validation failed")
	e.Details = errs
	return e
}

// NotFoundError reports a missing node, key or other named resource.
func NotFoundError(resource string) *APIError {
	e := New(http.StatusNotFound, "NOT_FOUND", fmt.Sprintf("%s not found", resource))
	e.Details = resource
	return e
}
