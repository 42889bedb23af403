//go:build !cgo
// +build !cgo

package onnxdepth

import (
	"context"
	"image"
)

// Estimator is a stub for non-CGO builds where ONNX Runtime is not available.
type Estimator struct {
	opts Options
}

// New returns a stub estimator.
func New(opts Options) *Estimator {
	return &Estimator{opts: opts}
}

// Estimate returns ErrCGORequired.
func (e *Estimator) Estimate(ctx context.Context, img *image.RGBA) ([]float32, int, int, error) {
	return nil, 0, 0, ErrCGORequired
}

// Close is a no-op in non-CGO builds.
func (e *Estimator) Close() error { return nil }
