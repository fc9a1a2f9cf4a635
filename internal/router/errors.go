package router

import (
	"errors"
	"fmt"

	"quizcast/pkg/types"
)

// Router error values. Each wraps one of the shared sentinels so callers and
// the error event code mapping can match with errors.Is.
var (
	ErrMalformedEvent   = fmt.Errorf("malformed event: %w", types.ErrValidation)
	ErrUnknownEventType = fmt.Errorf("unknown event type: %w", types.ErrValidation)
	ErrUnknownCommand   = fmt.Errorf("unknown presenter command: %w", types.ErrValidation)
	ErrNotJoined        = fmt.Errorf("connection has not joined a session: %w", types.ErrInvalidState)
	ErrPresenterOnly    = fmt.Errorf("presenter role required: %w", types.ErrUnauthorized)
	ErrSessionMismatch  = fmt.Errorf("session does not match connection: %w", types.ErrUnauthorized)
	ErrNoActivity       = fmt.Errorf("no activity selected: %w", types.ErrNotFound)
	ErrEmptyBatch       = fmt.Errorf("batch contains no responses: %w", types.ErrValidation)
)

// Error codes carried by the outbound error event
const (
	CodeValidation   = "validation_error"
	CodeInvalidState = "invalid_state"
	CodeStale        = "stale_response"
	CodeNotFound     = "not_found"
	CodeUnauthorized = "unauthorized"
	CodeRateLimited  = "rate_limited"
	CodeInternal     = "internal_error"
)

// ErrorCode maps an error onto the stable code sent to clients
func ErrorCode(err error) string {
	switch {
	case errors.Is(err, types.ErrValidation):
		return CodeValidation
	case errors.Is(err, types.ErrStaleResponse):
		return CodeStale
	case errors.Is(err, types.ErrInvalidState):
		return CodeInvalidState
	case errors.Is(err, types.ErrNotFound):
		return CodeNotFound
	case errors.Is(err, types.ErrUnauthorized):
		return CodeUnauthorized
	case errors.Is(err, types.ErrRateLimited):
		return CodeRateLimited
	default:
		return CodeInternal
	}
}
