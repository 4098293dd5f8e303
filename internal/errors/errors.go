// SPDX-License-Identifier: AGPL-3.0-only
package errors

import (
	stderrors "errors"
	"fmt"
)

// ErrMalformedInput marks inbound payloads that were rejected before reaching
// a conversation.
var ErrMalformedInput = stderrors.New("malformed input")

// ErrSessionClosed is returned when a turn is attempted on a closed session.
var ErrSessionClosed = stderrors.New("session closed")

// NotFound creates a formatted "not found" error
func NotFound(resource, id string) error {
	return fmt.Errorf("resource not found: %s with ID %s", resource, id)
}

// AlreadyExists creates a formatted "already exists" error
func AlreadyExists(resource, id string) error {
	return fmt.Errorf("resource already exists: %s with ID %s", resource, id)
}

// InvalidInput creates a formatted "invalid input" error
func InvalidInput(reason string) error {
	return fmt.Errorf("invalid input: %s", reason)
}

// Internal creates a formatted "internal error" error
func Internal(err error) error {
	return fmt.Errorf("internal error: %v", err)
}

// MalformedInput creates an error wrapping ErrMalformedInput
func MalformedInput(reason string) error {
	return fmt.Errorf("%w: %s", ErrMalformedInput, reason)
}

// ProviderError reports a failed round-trip to an LLM backend. It is never
// retried by the orchestrator.
type ProviderError struct {
	Provider string
	Err      error
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("provider error (%s): %v", e.Provider, e.Err)
}

func (e *ProviderError) Unwrap() error {
	return e.Err
}

// NewProviderError wraps err as a ProviderError. Errors that already are
// provider errors are returned unchanged.
func NewProviderError(provider string, err error) error {
	if err == nil {
		return nil
	}
	var pe *ProviderError
	if stderrors.As(err, &pe) {
		return err
	}
	return &ProviderError{Provider: provider, Err: err}
}

// IsProviderError reports whether err is, or wraps, a ProviderError
func IsProviderError(err error) bool {
	var pe *ProviderError
	return stderrors.As(err, &pe)
}

// IsMalformedInput reports whether err wraps ErrMalformedInput
func IsMalformedInput(err error) bool {
	return stderrors.Is(err, ErrMalformedInput)
}
