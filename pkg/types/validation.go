package types

import (
	"encoding/json"
	"fmt"
	"regexp"
)

// Compiled once; identifiers arrive on every inbound event
var identifierRegex = regexp.MustCompile(`^[a-zA-Z0-9_-]+$`)

// MaxResponseBytes bounds a single raw response value
const MaxResponseBytes = 16 * 1024

// IsValidIdentifier checks session, participant and activity identifiers.
// 1-64 characters, alphanumeric plus underscore/hyphen.
func IsValidIdentifier(id string) bool {
	if len(id) < 1 || len(id) > 64 {
		return false
	}
	return identifierRegex.MatchString(id)
}

// IsValidRole reports whether role is one of the two known roles
func IsValidRole(role Role) bool {
	return role == RoleParticipant || role == RolePresenter
}

// IsValidCommand reports whether command is a known presenter command
func IsValidCommand(command string) bool {
	switch command {
	case CommandStartActivity,
		CommandPauseActivity,
		CommandResumeActivity,
		CommandEndActivity,
		CommandNextQuestion,
		CommandShowResults:
		return true
	default:
		return false
	}
}

// ValidateIdentifier returns an ErrValidation-wrapped error naming the field
func ValidateIdentifier(field, value string) error {
	if value == "" {
		return fmt.Errorf("%w: %s is required", ErrValidation, field)
	}
	if !IsValidIdentifier(value) {
		return fmt.Errorf("%w: %s must be 1-64 characters, alphanumeric + underscore/hyphen", ErrValidation, field)
	}
	return nil
}

// ValidateResponseValue rejects empty, malformed or oversized raw responses
func ValidateResponseValue(value json.RawMessage) error {
	if len(value) == 0 {
		return fmt.Errorf("%w: response is required", ErrValidation)
	}
	if len(value) > MaxResponseBytes {
		return fmt.Errorf("%w: response exceeds %d bytes", ErrValidation, MaxResponseBytes)
	}
	if !json.Valid(value) {
		return fmt.Errorf("%w: response is not valid JSON", ErrValidation)
	}
	return nil
}
