package errors

import (
	"fmt"
	"strings"
)

// ConfigValidationError aggregates every field problem found in one configuration document.
type ConfigValidationError struct {
	Source string
	Errors []error
}

func (e *ConfigValidationError) Error() string {
	switch len(e.Errors) {
	case 0:
		return fmt.Sprintf("configuration %s is invalid", e.Source)
	case 1:
		return fmt.Sprintf("configuration %s is invalid: %v", e.Source, e.Errors[0])
	default:
		msgs := make([]string, len(e.Errors))
		for i, err := range e.Errors {
			msgs[i] = err.Error()
		}
		return fmt.Sprintf("configuration %s is invalid with %d errors: %s", e.Source, len(e.Errors), strings.Join(msgs, "; "))
	}
}

func (e *ConfigValidationError) Unwrap() []error {
	return e.Errors
}

// NewConfigValidationError returns nil when errs is empty.
func NewConfigValidationError(source string, errs ...error) error {
	if len(errs) == 0 {
		return nil
	}
	return &ConfigValidationError{Source: source, Errors: errs}
}
