package types

import (
	"errors"
	"fmt"
)

// Error taxonomy shared by every component. Callers match with errors.Is;
// components wrap these with the offending identifier.
var (
	ErrNotFound     = errors.New("not found")
	ErrInvalidState = errors.New("invalid state")
	ErrValidation   = errors.New("validation failed")
	ErrUnauthorized = errors.New("not authorized")
	ErrRateLimited  = errors.New("rate limit exceeded: too many events per minute")

	// ErrStaleResponse is returned under the reject late policy
	ErrStaleResponse = fmt.Errorf("stale response: %w", ErrInvalidState)
)
