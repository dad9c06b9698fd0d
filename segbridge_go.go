package segbridge

import (
	"github.com/pointprompt/segbridge/options"
)

// NewGoSession creates a session backed by the pure Go onnx runtime. It needs
// no shared library, at the cost of slower inference than ORT.
func NewGoSession(opts ...options.WithOption) (*Session, error) {
	return newSession("GO", opts...)
}
