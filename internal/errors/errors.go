// Package errors provides custom error types for domain-specific errors.
package errors

import (
	"errors"
	"fmt"
)

// Standard sentinel errors
var (
	ErrCaseNotFound     = errors.New("case not found")
	ErrCaseTerminal     = errors.New("case is in a terminal state")
	ErrActionNotFound   = errors.New("action not found")
	ErrActionNotLive    = errors.New("action is not pending or dispatched")
	ErrMarketClosed     = errors.New("market is closed")
	ErrAgentUnavailable = errors.New("execution agent unavailable")
	ErrConfigInvalid    = errors.New("invalid configuration")
	ErrTimeout          = errors.New("operation timed out")
)

// DispatchError represents a failure sending an order to the agent.
type DispatchError struct {
	ActionID string
	Ticker   string
	Kind     string
	Err      error
}

func (e *DispatchError) Error() string {
	return fmt.Sprintf("dispatch error [%s] %s %s: %v", e.ActionID, e.Kind, e.Ticker, e.Err)
}

func (e *DispatchError) Unwrap() error {
	return e.Err
}

// NewDispatchError creates a new DispatchError.
func NewDispatchError(actionID, ticker, kind string, err error) *DispatchError {
	return &DispatchError{
		ActionID: actionID,
		Ticker:   ticker,
		Kind:     kind,
		Err:      err,
	}
}

// ResolutionError represents a failure resolving a case's policy.
type ResolutionError struct {
	Fingerprint string
	Ticker      string
	Err         error
}

func (e *ResolutionError) Error() string {
	return fmt.Sprintf("resolution error [%s] %s: %v", e.Fingerprint, e.Ticker, e.Err)
}

func (e *ResolutionError) Unwrap() error {
	return e.Err
}

// NewResolutionError creates a new ResolutionError.
func NewResolutionError(fingerprint, ticker string, err error) *ResolutionError {
	return &ResolutionError{
		Fingerprint: fingerprint,
		Ticker:      ticker,
		Err:         err,
	}
}

// ValidationError represents a validation error.
type ValidationError struct {
	Field   string
	Value   interface{}
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation error: %s (%v): %s", e.Field, e.Value, e.Message)
}

// NewValidationError creates a new ValidationError.
func NewValidationError(field string, value interface{}, message string) *ValidationError {
	return &ValidationError{
		Field:   field,
		Value:   value,
		Message: message,
	}
}

// Wrap wraps an error with additional context.
func Wrap(err error, message string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", message, err)
}

// Wrapf wraps an error with formatted context.
func Wrapf(err error, format string, args ...interface{}) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), err)
}

// Is reports whether any error in err's chain matches target.
func Is(err, target error) bool {
	return errors.Is(err, target)
}

// As finds the first error in err's chain that matches target.
func As(err error, target interface{}) bool {
	return errors.As(err, target)
}
