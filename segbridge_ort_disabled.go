//go:build !cgo || (!ORT && !ALL)

package segbridge

import (
	"errors"

	"github.com/pointprompt/segbridge/options"
)

func NewORTSession(_ ...options.WithOption) (*Session, error) {
	return nil, errors.New("to enable ORT, run `go build -tags ORT` or `go build -tags ALL`")
}
