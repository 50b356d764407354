package license

import (
	apperrors "scriptgate/internal/errors"
)

// State is the resolved condition of a key.
type State uint8

const (
	StateNotFound State = iota
	StateBanned
	StateExpired
	StateHWIDLocked
	StateActive
)

func (s State) String() string {
	switch s {
	case StateNotFound:
		return "NOT_FOUND"
	case StateBanned:
		return "BANNED"
	case StateExpired:
		return "EXPIRED"
	case StateHWIDLocked:
		return "HWID_LOCKED"
	case StateActive:
		return "ACTIVE"
	}
	return "UNKNOWN"
}

// Status is the protocol outcome reported for the state.
func (s State) Status() apperrors.Status {
	switch s {
	case StateNotFound:
		return apperrors.StatusKeyNotFound
	case StateBanned:
		return apperrors.StatusKeyBanned
	case StateExpired:
		return apperrors.StatusKeyExpired
	case StateHWIDLocked:
		return apperrors.StatusKeyHWIDMismatch
	case StateActive:
		return apperrors.StatusKeyValid
	}
	return apperrors.StatusServerError
}
