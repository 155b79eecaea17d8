package telemetry

import (
	"errors"
	"fmt"
)

var (
	// ErrValidation is matched by every validation failure.
	ErrValidation = errors.New("telemetry: validation failed")
	// ErrNotFound is returned when a robot has no stored records.
	ErrNotFound = errors.New("telemetry: not found")
	// ErrStoreUnavailable is returned when the persistence layer cannot be reached.
	ErrStoreUnavailable = errors.New("telemetry: store unavailable")
	// ErrInvalidHours is returned when a history window is not a positive finite number.
	ErrInvalidHours = fmt.Errorf("%w: hours must be a positive number", ErrValidation)
	// ErrEmptyRobotID is returned when a robot identity is missing.
	ErrEmptyRobotID = fmt.Errorf("%w: empty robot id", ErrValidation)
)

// ValidationError describes a single rejected field.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "telemetry: invalid reading: " + e.Reason
	}
	return fmt.Sprintf("telemetry: invalid %s: %s", e.Field, e.Reason)
}

// Is lets errors.Is(err, ErrValidation) match.
func (e *ValidationError) Is(target error) bool {
	return target == ErrValidation
}

func invalid(field, reason string) error {
	return &ValidationError{Field: field, Reason: reason}
}
