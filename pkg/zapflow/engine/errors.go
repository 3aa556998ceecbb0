// Package engine – errors.go defines the failure taxonomy shared by the
// tool executors, the orchestration loop and the collaboration state machine.
// Executors never let an error escape their boundary: every failure is
// converted into a structured ToolCallResult carrying one of these kinds.
package engine

import (
	"errors"
	"fmt"
)

// Sentinel errors for the four failure classes. Callers should test with
// errors.Is rather than string matching.
var (
	// ErrValidation indicates tool arguments outside their schema bounds.
	// The tool fails, the turn continues.
	ErrValidation = errors.New("validation error")

	// ErrNotFound indicates a missing entity (media asset, conversation, lead).
	// The tool fails and the failure is surfaced to the model.
	ErrNotFound = errors.New("not found")

	// ErrExternalService indicates the model API or messaging gateway is
	// unreachable. The model call gets one bounded retry; tools do not.
	ErrExternalService = errors.New("external service error")

	// ErrPermission indicates a tool outside the tenant allowlist, or an
	// attempt to speak to the customer while a human holds the conversation.
	// Rejected before execution, never silently dropped.
	ErrPermission = errors.New("permission denied")
)

// validationErrorf wraps ErrValidation with a formatted message.
func validationErrorf(format string, args ...any) error {
	return fmt.Errorf("%w: "+format, append([]any{ErrValidation}, args...)...)
}

// notFoundErrorf wraps ErrNotFound with a formatted message.
func notFoundErrorf(format string, args ...any) error {
	return fmt.Errorf("%w: "+format, append([]any{ErrNotFound}, args...)...)
}

// permissionErrorf wraps ErrPermission with a formatted message.
func permissionErrorf(format string, args ...any) error {
	return fmt.Errorf("%w: "+format, append([]any{ErrPermission}, args...)...)
}

// externalErrorf wraps ErrExternalService with a formatted message.
func externalErrorf(format string, args ...any) error {
	return fmt.Errorf("%w: "+format, append([]any{ErrExternalService}, args...)...)
}

// isRetryableError reports whether a failure is worth surfacing to the model
// as retryable. Only external service failures qualify; validation,
// permission and not-found failures are deterministic.
func isRetryableError(err error) bool {
	return errors.Is(err, ErrExternalService)
}
