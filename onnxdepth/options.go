// Package onnxdepth runs a Depth-Anything style ONNX model as a
// depth.Estimator. Builds without cgo get a stub that always fails, which
// the depth pipeline turns into its synthetic fallback field.
package onnxdepth

import (
	"errors"
	"image"
	"image/color"
	"strings"

	resize "github.com/nfnt/resize"
	"golang.org/x/image/draw"
)

// ErrCGORequired is returned when inference is attempted without CGO support.
var ErrCGORequired = errors.New("onnxdepth requires CGO support; rebuild with CGO_ENABLED=1")

// Options configures the estimator.
type Options struct {
	// ModelPath is the .onnx file on disk.
	ModelPath string
	// Path to the onnxruntime shared library (.dll/.so/.dylib). If empty, the
	// environment variable ONNXRUNTIME_SHARED_LIBRARY_PATH will be respected.
	ORTSharedLibraryPath string

	InputName  string
	OutputName string

	// InputSize is the square model input side. Depth-Anything wants a
	// multiple of 14.
	InputSize int

	NormalizeMeanRGB   [3]float32
	NormalizeStddevRGB [3]float32

	// Interpolation filter name: "bicubic", "bilinear", "nearest", or "catmullrom".
	Interpolation string
}

// DefaultOptions matches depth-anything-v2-small exported by onnx-community:
// NCHW RGB in [0,1], 518x518.
func DefaultOptions() Options {
	return Options{
		InputName:          "pixel_values",
		OutputName:         "predicted_depth",
		InputSize:          518,
		NormalizeMeanRGB:   [3]float32{0, 0, 0},
		NormalizeStddevRGB: [3]float32{1, 1, 1},
		Interpolation:      "bicubic",
	}
}

// roundToPatch rounds n to the nearest positive multiple of 14.
func roundToPatch(n int) int {
	if n < 14 {
		return 14
	}
	return (n + 7) / 14 * 14
}

// preprocess flattens img over white, resizes it to size x size and returns
// NCHW float32 RGB data.
func preprocess(img image.Image, size int, opts Options) []float32 {
	b := img.Bounds()
	flat := image.NewRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
	draw.Draw(flat, flat.Bounds(), &image.Uniform{C: color.White}, image.Point{}, draw.Src)
	draw.Draw(flat, flat.Bounds(), img, b.Min, draw.Over)

	var dst image.Image
	if strings.EqualFold(strings.TrimSpace(opts.Interpolation), "bicubic") {
		dst = resize.Resize(uint(size), uint(size), flat, resize.Bicubic)
	} else {
		rgba := image.NewRGBA(image.Rect(0, 0, size, size))
		chooseScaler(opts.Interpolation).Scale(rgba, rgba.Bounds(), flat, flat.Bounds(), draw.Src, nil)
		dst = rgba
	}

	stdR, stdG, stdB := opts.NormalizeStddevRGB[0], opts.NormalizeStddevRGB[1], opts.NormalizeStddevRGB[2]
	if stdR == 0 {
		stdR = 1
	}
	if stdG == 0 {
		stdG = 1
	}
	if stdB == 0 {
		stdB = 1
	}

	n := size * size
	data := make([]float32, 3*n)
	db := dst.Bounds()
	idx := 0
	for y := 0; y < size; y++ {
		for x := 0; x < size; x++ {
			c := color.RGBAModel.Convert(dst.At(db.Min.X+x, db.Min.Y+y)).(color.RGBA)
			data[idx] = (float32(c.R)/255 - opts.NormalizeMeanRGB[0]) / stdR
			data[n+idx] = (float32(c.G)/255 - opts.NormalizeMeanRGB[1]) / stdG
			data[2*n+idx] = (float32(c.B)/255 - opts.NormalizeMeanRGB[2]) / stdB
			idx++
		}
	}
	return data
}

// firstChannel extracts a w*h plane from model output. Outputs of exactly
// w*h are used as is, interleaved two-channel outputs keep channel 0, and
// anything longer is truncated.
func firstChannel(data []float32, w, h int) ([]float32, error) {
	n := w * h
	switch {
	case n <= 0:
		return nil, errors.New("model output has no spatial extent")
	case len(data) == n:
		return data, nil
	case len(data) == 2*n:
		out := make([]float32, n)
		for i := 0; i < n; i++ {
			out[i] = data[i*2]
		}
		return out, nil
	case len(data) > n:
		out := make([]float32, n)
		copy(out, data[:n])
		return out, nil
	default:
		return nil, errors.New("model output smaller than its reported shape")
	}
}

// spatialDims reads height and width from the last two axes of shape.
func spatialDims(shape []int64) (w, h int, err error) {
	if len(shape) < 2 {
		return 0, 0, errors.New("model output rank below 2")
	}
	return int(shape[len(shape)-1]), int(shape[len(shape)-2]), nil
}

func chooseScaler(name string) draw.Scaler {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "bilinear":
		return draw.BiLinear
	case "nearest":
		return draw.NearestNeighbor
	default:
		return draw.CatmullRom
	}
}
