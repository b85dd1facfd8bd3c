package types

import "errors"

// Sentinel errors shared across the agent and controller. Callers classify
// failures with errors.Is and wrap these with fmt.Errorf("%w: ...") to add
// context.
var (
	// ErrConfiguration indicates missing or contradictory settings. Not
	// retryable; the operator has to fix the configuration.
	ErrConfiguration = errors.New("invalid gathering configuration")

	// ErrTransport indicates a failed exchange with the controller.
	// Retryable in a later cycle.
	ErrTransport = errors.New("controller transport failure")

	// ErrLockContention indicates another holder owns the resource, such
	// as a concurrent registration for the same project.
	ErrLockContention = errors.New("resource locked by another operation")

	// ErrImport indicates the controller's import pipeline rejected or
	// failed to process an uploaded bundle.
	ErrImport = errors.New("import failure")

	// ErrValidation indicates structurally invalid input: a malformed
	// project key, an unsafe file name, a bad manifest.
	ErrValidation = errors.New("validation failed")
)
