// Package errdefs defines the error kinds surfaced by the bridge. Every failure
// wraps exactly one of the sentinel kinds below, so callers can separate input
// validation bugs from runtime failures with errors.Is while still getting a
// human-readable cause.
package errdefs

import (
	"errors"
	"fmt"
)

var (
	// ErrShapeMismatch is returned when a buffer or tensor does not match the
	// dimensions the model was exported with. Caller bug, not retryable.
	ErrShapeMismatch = errors.New("shape mismatch")

	// ErrArityMismatch is returned when the point coordinate and label sequences
	// have different lengths.
	ErrArityMismatch = errors.New("arity mismatch")

	// ErrEmptyPrompt is returned when no points are given and the model does not
	// support promptless inference.
	ErrEmptyPrompt = errors.New("empty prompt")

	// ErrOutOfRange is returned when a point coordinate falls outside [0,1].
	ErrOutOfRange = errors.New("coordinate out of range")

	// ErrNotLoaded is returned when inference is requested on a model handle that
	// is not in the loaded state.
	ErrNotLoaded = errors.New("model not loaded")

	// ErrLoadFailure is returned when a model artifact cannot be deserialized.
	// Potentially retryable with a different artifact.
	ErrLoadFailure = errors.New("model load failure")

	// ErrInferenceFailure is returned when the model runtime fails during the
	// forward computation.
	ErrInferenceFailure = errors.New("inference failure")
)

func ShapeMismatch(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrShapeMismatch, fmt.Sprintf(format, args...))
}

func ArityMismatch(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrArityMismatch, fmt.Sprintf(format, args...))
}

func EmptyPrompt(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrEmptyPrompt, fmt.Sprintf(format, args...))
}

func OutOfRange(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrOutOfRange, fmt.Sprintf(format, args...))
}

func NotLoaded(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrNotLoaded, fmt.Sprintf(format, args...))
}

// LoadFailure wraps the underlying deserialization or I/O error so both the kind
// and the cause remain matchable.
func LoadFailure(cause error) error {
	return fmt.Errorf("%w: %w", ErrLoadFailure, cause)
}

// InferenceFailure wraps the underlying runtime error.
func InferenceFailure(cause error) error {
	return fmt.Errorf("%w: %w", ErrInferenceFailure, cause)
}
