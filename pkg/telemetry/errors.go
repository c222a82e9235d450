package telemetry

import (
	"errors"
	"strings"
)

// FieldViolation describes one invalid field of a submission.
type FieldViolation struct {
	Field       string `json:"field"`
	Description string `json:"description"`
}

// ValidationError is returned when a submission is malformed.
// It is always a client error: nothing was written.
type ValidationError struct {
	Violations []FieldViolation
}

func (e *ValidationError) Error() string {
	parts := make([]string, 0, len(e.Violations))
	for _, v := range e.Violations {
		if v.Field == "" {
			parts = append(parts, v.Description)
			continue
		}
		parts = append(parts, v.Field+" "+v.Description)
	}
	return "invalid submission: " + strings.Join(parts, "; ")
}

// IsValidationError reports whether err wraps a *ValidationError.
func IsValidationError(err error) bool {
	var vErr *ValidationError
	return errors.As(err, &vErr)
}

type violations struct {
	list []FieldViolation
}

func (v *violations) add(field, description string) {
	v.list = append(v.list, FieldViolation{Field: field, Description: description})
}

func (v *violations) err() error {
	if len(v.list) == 0 {
		return nil
	}
	return &ValidationError{Violations: v.list}
}
