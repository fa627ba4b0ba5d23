package dispatch

import (
	"context"
	"errors"
	"fmt"
)

// Failure codes recorded by the dispatcher itself. Provider adapters use their
// own codes (for SES, the API error code).
const (
	CodeNotAttempted = "NotAttempted"
	CodePanic        = "Panic"
	CodeUnknown      = "Unknown"
)

// ConfigError reports an invalid dispatch option or a missing sender. It is
// returned before any batch runs.
type ConfigError struct {
	Option string
	Value  any
	Reason string
}

func (e *ConfigError) Error() string {
	if e.Value == nil {
		return fmt.Sprintf("dispatch: invalid %s: %s", e.Option, e.Reason)
	}
	return fmt.Sprintf("dispatch: invalid %s %v: %s", e.Option, e.Value, e.Reason)
}

// ProviderError is a single batch's send failure. Code is optional.
type ProviderError struct {
	Message string
	Code    string
	Err     error
}

func (e *ProviderError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("provider error %s: %s", e.Code, e.Message)
	}
	return "provider error: " + e.Message
}

func (e *ProviderError) Unwrap() error { return e.Err }

// NewProviderError wraps err with a code.
func NewProviderError(code string, err error) *ProviderError {
	return &ProviderError{Message: err.Error(), Code: code, Err: err}
}

// AsProviderError normalizes any error returned by a BatchSender.
func AsProviderError(err error) *ProviderError {
	var pe *ProviderError
	if errors.As(err, &pe) {
		return pe
	}
	code := CodeUnknown
	switch {
	case errors.Is(err, context.Canceled):
		code = "Canceled"
	case errors.Is(err, context.DeadlineExceeded):
		code = "Timeout"
	}
	return &ProviderError{Message: err.Error(), Code: code, Err: err}
}
