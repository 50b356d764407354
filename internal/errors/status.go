package errors

import (
	"errors"
	"fmt"
	"net/http"
)

// Status is the closed set of protocol outcomes. Every switch over Status in
// this package lists all values; add new values here and to each switch.
type Status uint8

const (
	StatusUnknown Status = iota
	StatusKeyValid
	StatusKeyExpired
	StatusKeyBanned
	StatusKeyHWIDMismatch
	StatusKeyNotFound
	StatusInvalidSignature
	StatusInvalidRequest
	StatusRateLimited
	StatusExpiredRequest
	StatusDuplicateRequest
	StatusIPBlocked
	StatusInvalidToken
	StatusTokenExpired
	StatusIPMismatch
	StatusUnauthorized
	StatusPayloadNotFound
	StatusServerError
)

// AllStatuses lists every defined status in declaration order.
var AllStatuses = []Status{
	StatusKeyValid, StatusKeyExpired, StatusKeyBanned, StatusKeyHWIDMismatch, StatusKeyNotFound,
	StatusInvalidSignature, StatusInvalidRequest, StatusRateLimited, StatusExpiredRequest,
	StatusDuplicateRequest, StatusIPBlocked, StatusInvalidToken, StatusTokenExpired,
	StatusIPMismatch, StatusUnauthorized, StatusPayloadNotFound, StatusServerError,
}

// String returns the wire code sent to clients.
func (s Status) String() string {
	switch s {
	case StatusKeyValid:
		return "KEY_VALID"
	case StatusKeyExpired:
		return "KEY_EXPIRED"
	case StatusKeyBanned:
		return "KEY_BANNED"
	case StatusKeyHWIDMismatch:
		return "KEY_HWID_MISMATCH"
	case StatusKeyNotFound:
		return "KEY_NOT_FOUND"
	case StatusInvalidSignature:
		return "INVALID_SIGNATURE"
	case StatusInvalidRequest:
		return "INVALID_REQUEST"
	case StatusRateLimited:
		return "RATE_LIMITED"
	case StatusExpiredRequest:
		return "EXPIRED_REQUEST"
	case StatusDuplicateRequest:
		return "DUPLICATE_REQUEST"
	case StatusIPBlocked:
		return "IP_BLOCKED"
	case StatusInvalidToken:
		return "INVALID_TOKEN"
	case StatusTokenExpired:
		return "TOKEN_EXPIRED"
	case StatusIPMismatch:
		return "IP_MISMATCH"
	case StatusUnauthorized:
		return "UNAUTHORIZED"
	case StatusPayloadNotFound:
		return "PAYLOAD_NOT_FOUND"
	case StatusServerError:
		return "SERVER_ERROR"
	case StatusUnknown:
		return "UNKNOWN"
	}
	return fmt.Sprintf("STATUS(%d)", uint8(s))
}

// HTTPStatus maps the outcome to its HTTP status code.
func (s Status) HTTPStatus() int {
	switch s {
	case StatusKeyValid:
		return http.StatusOK
	case StatusKeyExpired, StatusKeyBanned, StatusKeyHWIDMismatch, StatusKeyNotFound:
		return http.StatusForbidden
	case StatusInvalidSignature, StatusInvalidToken, StatusTokenExpired, StatusIPMismatch, StatusUnauthorized:
		return http.StatusUnauthorized
	case StatusInvalidRequest:
		return http.StatusBadRequest
	case StatusRateLimited:
		return http.StatusTooManyRequests
	case StatusExpiredRequest, StatusDuplicateRequest, StatusIPBlocked:
		return http.StatusForbidden
	case StatusPayloadNotFound:
		return http.StatusNotFound
	case StatusServerError, StatusUnknown:
		return http.StatusInternalServerError
	}
	return http.StatusInternalServerError
}

// Message is the terse human-readable text for the outcome. Authorization
// failures deliberately share wording so they do not leak which check failed.
func (s Status) Message() string {
	switch s {
	case StatusKeyValid:
		return "Key is valid"
	case StatusKeyExpired:
		return "Key has expired"
	case StatusKeyBanned:
		return "Key is banned"
	case StatusKeyHWIDMismatch:
		return "Key is locked to another device"
	case StatusKeyNotFound:
		return "Key not found"
	case StatusInvalidSignature:
		return "Invalid signature"
	case StatusInvalidRequest:
		return "Invalid request"
	case StatusRateLimited:
		return "Too many requests"
	case StatusExpiredRequest:
		return "Request expired"
	case StatusDuplicateRequest:
		return "Duplicate request"
	case StatusIPBlocked:
		return "Access denied"
	case StatusInvalidToken, StatusTokenExpired, StatusIPMismatch, StatusUnauthorized:
		return "Unauthorized"
	case StatusPayloadNotFound:
		return "Not found"
	case StatusServerError, StatusUnknown:
		return "Internal server error"
	}
	return "Internal server error"
}

func (s Status) problemType() string {
	switch s {
	case StatusKeyValid:
		return TypeOK
	case StatusKeyExpired, StatusKeyBanned, StatusKeyHWIDMismatch, StatusKeyNotFound:
		return TypeKeyState
	case StatusInvalidSignature, StatusInvalidToken, StatusTokenExpired, StatusIPMismatch, StatusUnauthorized:
		return TypeUnauthorized
	case StatusInvalidRequest:
		return TypeValidation
	case StatusRateLimited:
		return TypeRateLimit
	case StatusExpiredRequest, StatusDuplicateRequest, StatusIPBlocked:
		return TypeAbuse
	case StatusPayloadNotFound:
		return TypeNotFound
	case StatusServerError, StatusUnknown:
		return TypeInternal
	}
	return TypeInternal
}

// ProtocolError carries a protocol outcome through the service layer.
type ProtocolError struct {
	Status Status
	Detail string
	Err    error
}

// Error implements the error interface
func (e *ProtocolError) Error() string {
	msg := e.Status.String()
	if e.Detail != "" {
		msg += ": " + e.Detail
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Unwrap returns the wrapped cause
func (e *ProtocolError) Unwrap() error {
	return e.Err
}

// Is matches any ProtocolError with the same status.
func (e *ProtocolError) Is(target error) bool {
	var pe *ProtocolError
	if errors.As(target, &pe) {
		return pe.Status == e.Status
	}
	return false
}

// Protocol creates a ProtocolError for status.
func Protocol(status Status, detail string) *ProtocolError {
	return &ProtocolError{Status: status, Detail: detail}
}

// WrapProtocol attaches status to an underlying cause.
func WrapProtocol(status Status, err error) *ProtocolError {
	return &ProtocolError{Status: status, Err: err}
}

// StatusOf extracts the protocol status from err.
// Errors without one report StatusServerError.
func StatusOf(err error) Status {
	if err == nil {
		return StatusUnknown
	}
	var pe *ProtocolError
	if errors.As(err, &pe) {
		return pe.Status
	}
	return StatusServerError
}
