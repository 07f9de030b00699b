package schema

import (
	"fmt"
	"strings"

	"github.com/glimte/amqp-connector-go/contracts"
)

// Validator checks an inbound envelope
type Validator interface {
	Validate(env *contracts.Envelope) error
}

// ValidatorFunc is a function adapter for Validator. A returned error that
// is not already a *ValidationError is wrapped in one.
type ValidatorFunc func(env *contracts.Envelope) error

// Validate implements Validator
func (f ValidatorFunc) Validate(env *contracts.Envelope) error {
	err := f(env)
	if err == nil {
		return nil
	}
	if ve, ok := err.(*ValidationError); ok {
		return ve
	}
	return &ValidationError{Violations: []Violation{{Message: err.Error()}}, cause: err}
}

// Violation is a single failed constraint
type Violation struct {
	Field   string `json:"field,omitempty"`
	Message string `json:"message"`
	Code    string `json:"code,omitempty"`
}

func (v Violation) String() string {
	if v.Field == "" {
		return v.Message
	}
	return fmt.Sprintf("%s: %s", v.Field, v.Message)
}

// ValidationError reports every violation found in an envelope
type ValidationError struct {
	Violations []Violation `json:"violations"`
	cause      error
}

func (e *ValidationError) Error() string {
	if len(e.Violations) == 0 {
		return "validation failed"
	}
	parts := make([]string, len(e.Violations))
	for i, v := range e.Violations {
		parts[i] = v.String()
	}
	return "validation failed: " + strings.Join(parts, "; ")
}

// Unwrap returns the error reported by a ValidatorFunc, if any
func (e *ValidationError) Unwrap() error {
	return e.cause
}

// All combines validators, stopping at the first failure
func All(validators ...Validator) Validator {
	return ValidatorFunc(func(env *contracts.Envelope) error {
		for _, v := range validators {
			if v == nil {
				continue
			}
			if err := v.Validate(env); err != nil {
				return err
			}
		}
		return nil
	})
}
