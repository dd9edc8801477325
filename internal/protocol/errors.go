package protocol

// ============================================================================
// Protocol Error Definitions
// ============================================================================

import (
	"errors"
	"fmt"
)

// ErrValidation matches every *ValidationError with errors.Is.
var ErrValidation = errors.New("protocol: invalid command")

// ValidationError reports why a command was rejected before being sent.
type ValidationError struct {
	Field  string // option that failed (player, track, location, transition, command)
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("protocol: invalid %s: %s", e.Field, e.Reason)
}

func (e *ValidationError) Is(target error) bool {
	return target == ErrValidation
}

func invalid(field, format string, args ...any) *ValidationError {
	return &ValidationError{Field: field, Reason: fmt.Sprintf(format, args...)}
}

// DecodeError wraps a line that is not valid JSON.
type DecodeError struct {
	Line string
	Err  error
}

func (e *DecodeError) Error() string {
	line := e.Line
	if len(line) > 120 {
		line = line[:120] + "..."
	}
	return fmt.Sprintf("protocol: cannot decode %q: %v", line, e.Err)
}

func (e *DecodeError) Unwrap() error {
	return e.Err
}
