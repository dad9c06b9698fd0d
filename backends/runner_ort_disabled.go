//go:build !cgo || (!ORT && !ALL)

package backends

import (
	"errors"

	"github.com/pointprompt/segbridge/options"
)

func newORTRunner(_ *Model, _ *options.Options) (Runner, error) {
	return nil, errors.New("the ORT backend requires cgo and the ORT or ALL build tag")
}
