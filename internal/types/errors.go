package types

import (
	"errors"
)

var (
	ErrLockTimeout         = errors.New("lock timeout")
	ErrLockAlreadyAcquired = errors.New("lock already acquired")
	ErrLockNotHeld         = errors.New("lock not held")
	ErrNoSocketAvailable   = errors.New("no socket available")
	ErrCacheUnavailable    = errors.New("cache unavailable")
	ErrValueOutOfRange     = errors.New("value out of range")
	ErrTypeMismatch        = errors.New("type mismatch")
	ErrNoMasterConfigured  = errors.New("no master inverter configured")
	ErrNotAggregated       = errors.New("register has no accumulated value")
	ErrRegisterNotFound    = errors.New("register not found")
	ErrDeviceNotFound      = errors.New("device not found")
	ErrReadOnly            = errors.New("register is read-only")
	ErrWriteMismatch       = errors.New("device acknowledged a different register count")
)

// IsRetryable reports whether a failed cycle may be retried by the caller.
// Only device connectivity problems qualify.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrNoSocketAvailable)
}

type ErrorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details any    `json:"details,omitempty"`
}

type ErrorResponse struct {
	Error ErrorBody `json:"error"`
}

// NewErrorResponse builds a consistent API error payload.
// details can be string, map, struct, etc.
func NewErrorResponse(code, message string, details any) ErrorResponse {
	return ErrorResponse{
		Error: ErrorBody{
			Code:    code,
			Message: message,
			Details: details,
		},
	}
}
