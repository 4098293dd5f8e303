// SPDX-License-Identifier: AGPL-3.0-only
package errors

import (
	stderrors "errors"
	"fmt"
	"testing"
)

func TestNotFound(t *testing.T) {
	err := NotFound("session", "123")
	expectedMsg := "resource not found: session with ID 123"
	if err.Error() != expectedMsg {
		t.Errorf("Expected error message '%s', got '%s'", expectedMsg, err.Error())
	}
}

func TestAlreadyExists(t *testing.T) {
	err := AlreadyExists("job", "refresh-tools")
	expectedMsg := "resource already exists: job with ID refresh-tools"
	if err.Error() != expectedMsg {
		t.Errorf("Expected error message '%s', got '%s'", expectedMsg, err.Error())
	}
}

func TestInvalidInput(t *testing.T) {
	reason := "missing required field"
	err := InvalidInput(reason)
	expectedMsg := "invalid input: " + reason
	if err.Error() != expectedMsg {
		t.Errorf("Expected error message '%s', got '%s'", expectedMsg, err.Error())
	}
}

func TestInternal(t *testing.T) {
	originalErr := fmt.Errorf("database connection failed")
	err := Internal(originalErr)
	expectedMsg := "internal error: database connection failed"
	if err.Error() != expectedMsg {
		t.Errorf("Expected error message '%s', got '%s'", expectedMsg, err.Error())
	}
}

func TestMalformedInput(t *testing.T) {
	err := MalformedInput("empty message")
	if err.Error() != "malformed input: empty message" {
		t.Errorf("unexpected message %q", err.Error())
	}
	if !IsMalformedInput(err) {
		t.Error("expected IsMalformedInput to be true")
	}
	if IsMalformedInput(InvalidInput("x")) {
		t.Error("InvalidInput must not be reported as malformed input")
	}
}

func TestProviderError(t *testing.T) {
	cause := stderrors.New("401 unauthorized")
	err := NewProviderError("anthropic", cause)

	if !IsProviderError(err) {
		t.Fatal("expected IsProviderError to be true")
	}
	if !stderrors.Is(err, cause) {
		t.Error("expected ProviderError to unwrap to its cause")
	}
	expectedMsg := "provider error (anthropic): 401 unauthorized"
	if err.Error() != expectedMsg {
		t.Errorf("Expected error message '%s', got '%s'", expectedMsg, err.Error())
	}

	// Wrapping twice keeps the original provider name.
	again := NewProviderError("openai", fmt.Errorf("round 2: %w", err))
	var pe *ProviderError
	if !stderrors.As(again, &pe) || pe.Provider != "anthropic" {
		t.Errorf("expected nested provider error to be preserved, got %v", again)
	}

	if NewProviderError("openai", nil) != nil {
		t.Error("expected nil for nil cause")
	}
	if IsProviderError(stderrors.New("tool failed")) {
		t.Error("plain errors are not provider errors")
	}
}
