//go:build !cgo
// +build !cgo

package onnxdepth

import (
	"context"
	"errors"
	"image"

	"github.com/ticdso/depthserve/depthmap"
)

// ErrCGORequired is returned when inference is attempted without CGO support.
var ErrCGORequired = errors.New("onnxdepth requires CGO support; rebuild with CGO_ENABLED=1")

// Estimator is unavailable without CGO.
type Estimator struct {
	opts Options
}

// Load returns ErrCGORequired.
func Load(modelPath string, opts Options) (*Estimator, error) {
	return nil, ErrCGORequired
}

// Info describes the configured model.
func (e *Estimator) Info() ModelInfo {
	return e.opts.info()
}

// Estimate returns ErrCGORequired.
func (e *Estimator) Estimate(ctx context.Context, img image.Image) (*depthmap.DepthMap, error) {
	return nil, ErrCGORequired
}

// Close is a no-op.
func (e *Estimator) Close() error {
	return nil
}
