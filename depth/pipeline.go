package depth

import (
	"context"
	"errors"
	"fmt"
	"image"
	"log/slog"
)

// ErrEstimatorUnavailable is reported when no estimator is configured or the
// pipeline is forced onto the synthetic field.
var ErrEstimatorUnavailable = errors.New("depth estimator unavailable")

// Default bilateral parameters for estimator output.
const (
	DefaultSpatialSigma = 2.0
	DefaultColorSigma   = 0.1
)

// Estimator produces a raw depth map for an image. The output may be in any
// range and at any resolution; w*h must equal len(raw).
type Estimator interface {
	Estimate(ctx context.Context, img *image.RGBA) (raw []float32, w, h int, err error)
}

// EstimatorFunc adapts a function to Estimator.
type EstimatorFunc func(ctx context.Context, img *image.RGBA) ([]float32, int, int, error)

func (f EstimatorFunc) Estimate(ctx context.Context, img *image.RGBA) ([]float32, int, int, error) {
	return f(ctx, img)
}

// Result is a built depth field plus how it was obtained.
type Result struct {
	Field *Field
	// Fallback is set when the synthetic radial field was used.
	Fallback bool
	// Cause is the estimator error behind a fallback, if any.
	Cause error
}

// Pipeline runs estimator -> normalize -> smooth -> resample.
type Pipeline struct {
	Estimator    Estimator
	SpatialSigma float64
	ColorSigma   float64
	// SkipSmoothing disables the bilateral pass.
	SkipSmoothing bool
	// FallbackOnly skips the estimator entirely.
	FallbackOnly bool
}

// NewPipeline returns a pipeline with the default smoothing parameters.
func NewPipeline(est Estimator) *Pipeline {
	return &Pipeline{
		Estimator:    est,
		SpatialSigma: DefaultSpatialSigma,
		ColorSigma:   DefaultColorSigma,
	}
}

// Build produces a field matching img's dimensions. Estimator failure is not
// an error: the synthetic field is returned with Fallback set. Only context
// cancellation is returned as an error, so callers can discard stale work.
func (p *Pipeline) Build(ctx context.Context, img *image.RGBA) (Result, error) {
	b := img.Bounds()
	w, h := b.Dx(), b.Dy()
	if w == 0 || h == 0 {
		return Result{}, fmt.Errorf("empty portrait %dx%d", w, h)
	}

	if p.FallbackOnly || p.Estimator == nil {
		return fallback(w, h, ErrEstimatorUnavailable), nil
	}

	raw, rw, rh, err := p.Estimator.Estimate(ctx, img)
	if ctxErr := ctx.Err(); ctxErr != nil {
		return Result{}, ctxErr
	}
	var src *Field
	if err == nil {
		src, err = NewField(rw, rh, raw)
	}
	if err == nil && src.Empty() {
		err = errors.New("estimator returned no samples")
	}
	if err != nil {
		slog.Warn("depth estimation failed, using fallback field", "component", "depth", "error", err)
		return fallback(w, h, err), nil
	}

	src.Values = Normalize(src.Values)
	if !p.SkipSmoothing {
		src.Values = Smooth(src.Values, src.Width, src.Height, p.SpatialSigma, p.ColorSigma)
	}
	field, err := Resample(src, w, h)
	if err != nil {
		return fallback(w, h, err), nil
	}
	return Result{Field: field}, nil
}

func fallback(w, h int, cause error) Result {
	return Result{
		Field:    &Field{Width: w, Height: h, Values: Radial(w, h)},
		Fallback: true,
		Cause:    cause,
	}
}
