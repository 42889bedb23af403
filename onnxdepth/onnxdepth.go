//go:build cgo
// +build cgo

package onnxdepth

import (
	"context"
	"errors"
	"fmt"
	"image"
	"log/slog"
	"os"
	"sync"

	ort "github.com/yalue/onnxruntime_go"
)

// Estimator runs the depth model. The ONNX environment and session are
// created on first use and reused until Close.
type Estimator struct {
	opts Options

	initOnce sync.Once
	initErr  error

	mu      sync.Mutex
	session *ort.DynamicAdvancedSession
}

// New returns an estimator for opts. Nothing is loaded until Estimate.
func New(opts Options) *Estimator {
	def := DefaultOptions()
	if opts.InputName == "" {
		opts.InputName = def.InputName
	}
	if opts.OutputName == "" {
		opts.OutputName = def.OutputName
	}
	if opts.InputSize <= 0 {
		opts.InputSize = def.InputSize
	}
	opts.InputSize = roundToPatch(opts.InputSize)
	if opts.NormalizeStddevRGB == [3]float32{} {
		opts.NormalizeStddevRGB = def.NormalizeStddevRGB
	}
	return &Estimator{opts: opts}
}

func (e *Estimator) init() error {
	e.initOnce.Do(func() {
		if e.opts.ModelPath == "" {
			e.initErr = errors.New("no depth model path configured")
			return
		}
		if _, err := os.Stat(e.opts.ModelPath); err != nil {
			e.initErr = fmt.Errorf("depth model not found: %w", err)
			return
		}
		if e.opts.ORTSharedLibraryPath != "" {
			ort.SetSharedLibraryPath(e.opts.ORTSharedLibraryPath)
		} else if p := os.Getenv("ONNXRUNTIME_SHARED_LIBRARY_PATH"); p != "" {
			ort.SetSharedLibraryPath(p)
		}
		if !ort.IsInitialized() {
			if err := ort.InitializeEnvironment(); err != nil {
				e.initErr = fmt.Errorf("initialize onnxruntime: %w", err)
				return
			}
		}
		session, err := ort.NewDynamicAdvancedSession(
			e.opts.ModelPath,
			[]string{e.opts.InputName},
			[]string{e.opts.OutputName},
			nil,
		)
		if err != nil {
			e.initErr = fmt.Errorf("load depth model: %w", err)
			return
		}
		e.session = session
		slog.Info("depth model loaded", "component", "onnxdepth", "model", e.opts.ModelPath, "inputSize", e.opts.InputSize)
	})
	return e.initErr
}

// Estimate runs one inference. The returned map is at the model's output
// resolution and in the model's own (unnormalized) range.
func (e *Estimator) Estimate(ctx context.Context, img *image.RGBA) ([]float32, int, int, error) {
	if err := ctx.Err(); err != nil {
		return nil, 0, 0, err
	}
	if err := e.init(); err != nil {
		return nil, 0, 0, err
	}

	size := e.opts.InputSize
	data := preprocess(img, size, e.opts)
	input, err := ort.NewTensor(ort.NewShape(1, 3, int64(size), int64(size)), data)
	if err != nil {
		return nil, 0, 0, err
	}
	defer input.Destroy()

	if err := ctx.Err(); err != nil {
		return nil, 0, 0, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.session == nil {
		return nil, 0, 0, errors.New("depth estimator closed")
	}
	outputs := []ort.Value{nil}
	if err := e.session.Run([]ort.Value{input}, outputs); err != nil {
		return nil, 0, 0, fmt.Errorf("depth inference: %w", err)
	}
	defer outputs[0].Destroy()

	out, ok := outputs[0].(*ort.Tensor[float32])
	if !ok {
		return nil, 0, 0, fmt.Errorf("unexpected depth output type %T", outputs[0])
	}
	w, h, err := spatialDims(out.GetShape())
	if err != nil {
		return nil, 0, 0, err
	}
	plane, err := firstChannel(out.GetData(), w, h)
	if err != nil {
		return nil, 0, 0, err
	}
	// GetData aliases tensor memory that Destroy frees.
	raw := make([]float32, len(plane))
	copy(raw, plane)
	return raw, w, h, nil
}

// Close releases the session and the onnxruntime environment.
func (e *Estimator) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.session == nil {
		return nil
	}
	err := e.session.Destroy()
	e.session = nil
	if derr := ort.DestroyEnvironment(); derr != nil && err == nil {
		err = derr
	}
	return err
}
