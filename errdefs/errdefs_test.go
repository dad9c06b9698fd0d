package errdefs

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestErrorKindsMatchSentinels(t *testing.T) {
	tests := map[string]struct {
		err      error
		sentinel error
	}{
		"shape":  {ShapeMismatch("expected %dx%d", 1024, 1024), ErrShapeMismatch},
		"arity":  {ArityMismatch("%d points, %d labels", 2, 1), ErrArityMismatch},
		"empty":  {EmptyPrompt("no points given"), ErrEmptyPrompt},
		"range":  {OutOfRange("x=%f", 1.5), ErrOutOfRange},
		"loaded": {NotLoaded("state is %s", "unloaded"), ErrNotLoaded},
	}
	for name, tt := range tests {
		t.Run(name, func(t *testing.T) {
			assert.True(t, errors.Is(tt.err, tt.sentinel))
		})
	}
}

func TestWrappedErrorsPreserveCause(t *testing.T) {
	cause := errors.New("file is not a valid onnx graph")

	err := LoadFailure(cause)
	assert.True(t, errors.Is(err, ErrLoadFailure))
	assert.True(t, errors.Is(err, cause))

	err = InferenceFailure(cause)
	assert.True(t, errors.Is(err, ErrInferenceFailure))
	assert.True(t, errors.Is(err, cause))
	assert.Contains(t, err.Error(), "onnx graph")
}
