// Package depth turns raw estimator output into the normalized, edge-aware
// smoothed displacement field the parallax renderer samples every frame.
package depth

import (
	"errors"
	"fmt"
	"image"
	"image/color"
	"math"
	"runtime"
	"sync"

	"golang.org/x/image/draw"
)

// Field is a row-major width*height grid of depth values in [0,1].
// Treat it as immutable once built.
type Field struct {
	Width  int
	Height int
	Values []float32
}

// NewField wraps values, checking the length matches the dimensions.
func NewField(width, height int, values []float32) (*Field, error) {
	if width < 0 || height < 0 {
		return nil, fmt.Errorf("invalid depth dimensions %dx%d", width, height)
	}
	if len(values) != width*height {
		return nil, fmt.Errorf("depth length %d does not match %dx%d", len(values), width, height)
	}
	return &Field{Width: width, Height: height, Values: values}, nil
}

// Empty reports whether the field has no samples.
func (f *Field) Empty() bool { return f == nil || len(f.Values) == 0 }

// Sample bilinearly samples the field at texture coordinate (u,v) in [0,1],
// v=0 being the top row. Coordinates outside the unit square clamp to the edge.
func (f *Field) Sample(u, v float64) float64 {
	if f.Empty() {
		return 0.5
	}
	fx := clamp01(u)*float64(f.Width) - 0.5
	fy := clamp01(v)*float64(f.Height) - 0.5
	x0 := int(math.Floor(fx))
	y0 := int(math.Floor(fy))
	tx := fx - float64(x0)
	ty := fy - float64(y0)
	x1, y1 := x0+1, y0+1
	x0, x1 = clampInt(x0, 0, f.Width-1), clampInt(x1, 0, f.Width-1)
	y0, y1 = clampInt(y0, 0, f.Height-1), clampInt(y1, 0, f.Height-1)

	v00 := float64(f.Values[y0*f.Width+x0])
	v10 := float64(f.Values[y0*f.Width+x1])
	v01 := float64(f.Values[y1*f.Width+x0])
	v11 := float64(f.Values[y1*f.Width+x1])
	return v00*(1-tx)*(1-ty) + v10*tx*(1-ty) + v01*(1-tx)*ty + v11*tx*ty
}

// Normalize linearly rescales raw into [0,1] using one pass for the extremes
// and one for the rescale. A flat input becomes a uniform 0.5 field and an
// empty input is returned as is. NaN and ±Inf samples are ignored when
// finding the extremes and come out as 0.5.
func Normalize(raw []float32) []float32 {
	if len(raw) == 0 {
		return raw
	}
	lo, hi := float32(math.Inf(1)), float32(math.Inf(-1))
	for _, v := range raw {
		if !finite(v) {
			continue
		}
		if v < lo {
			lo = v
		}
		if v > hi {
			hi = v
		}
	}

	out := make([]float32, len(raw))
	rng := hi - lo
	if !(rng > 0) || !finite(rng) {
		for i := range out {
			out[i] = 0.5
		}
		return out
	}
	for i, v := range raw {
		if !finite(v) {
			out[i] = 0.5
			continue
		}
		n := (v - lo) / rng
		// Guard the rounding edge so the output stays inside [0,1].
		if n < 0 {
			n = 0
		} else if n > 1 {
			n = 1
		}
		out[i] = n
	}
	return out
}

func finite(v float32) bool {
	f := float64(v)
	return !math.IsNaN(f) && !math.IsInf(f, 0)
}

// Smooth applies an edge-aware bilateral blur: each sample becomes the
// weighted mean of its neighbors within ceil(3*spatialSigma) pixels, weighted
// by a spatial Gaussian times a Gaussian over the value difference. Neighbors
// outside the image are skipped.
//
// Cost is O(width*height*window^2). Rows are split across CPUs, but large
// fields should be downscaled first.
func Smooth(field []float32, width, height int, spatialSigma, colorSigma float64) []float32 {
	if len(field) == 0 || width <= 0 || height <= 0 || len(field) != width*height {
		return field
	}
	out := make([]float32, len(field))
	if spatialSigma <= 0 || colorSigma <= 0 {
		copy(out, field)
		return out
	}

	radius := int(math.Ceil(spatialSigma * 3))
	sigS2 := 2 * spatialSigma * spatialSigma
	sigC2 := 2 * colorSigma * colorSigma

	// Spatial weights depend only on the offset.
	side := 2*radius + 1
	spatial := make([]float64, side*side)
	for dy := -radius; dy <= radius; dy++ {
		for dx := -radius; dx <= radius; dx++ {
			d2 := float64(dx*dx + dy*dy)
			spatial[(dy+radius)*side+dx+radius] = math.Exp(-d2 / sigS2)
		}
	}

	var wg sync.WaitGroup
	for _, rr := range splitRows(height, runtime.NumCPU()) {
		wg.Add(1)
		go func(y0, y1 int) {
			defer wg.Done()
			for y := y0; y < y1; y++ {
				for x := 0; x < width; x++ {
					center := float64(field[y*width+x])
					// Accumulating offsets from the center keeps flat regions
					// bit-identical.
					sumW, sumD := 0.0, 0.0
					for dy := -radius; dy <= radius; dy++ {
						yy := y + dy
						if yy < 0 || yy >= height {
							continue
						}
						row := (dy + radius) * side
						for dx := -radius; dx <= radius; dx++ {
							xx := x + dx
							if xx < 0 || xx >= width {
								continue
							}
							d := float64(field[yy*width+xx]) - center
							w := spatial[row+dx+radius] * math.Exp(-(d*d)/sigC2)
							sumW += w
							sumD += w * d
						}
					}
					if sumW > 0 {
						out[y*width+x] = float32(center + sumD/sumW)
					} else {
						out[y*width+x] = float32(center)
					}
				}
			}
		}(rr[0], rr[1])
	}
	wg.Wait()
	return out
}

// Radial builds the synthetic fallback field: distance from the image center
// divided by the center-to-corner distance, capped at 1.
func Radial(width, height int) []float32 {
	if width <= 0 || height <= 0 {
		return []float32{}
	}
	out := make([]float32, width*height)
	cx, cy := float64(width)/2, float64(height)/2
	maxDist := math.Hypot(cx, cy)
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			d := math.Hypot(float64(x)-cx, float64(y)-cy)
			out[y*width+x] = float32(math.Min(d/maxDist, 1))
		}
	}
	return out
}

// ToGray quantizes a [0,1] field to 8 bits with floor(v*255).
func ToGray(field []float32, width, height int) *image.Gray {
	img := image.NewGray(image.Rect(0, 0, width, height))
	n := min(len(field), width*height)
	for i := 0; i < n; i++ {
		img.Pix[(i/width)*img.Stride+i%width] = quantize(field[i])
	}
	return img
}

// ToDisplayable maps a [0,1] field to an opaque grayscale RGBA texture, the
// value replicated across R, G and B.
func ToDisplayable(field []float32, width, height int) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, width, height))
	n := min(len(field), width*height)
	for i := 0; i < n; i++ {
		v := quantize(field[i])
		o := (i/width)*img.Stride + (i%width)*4
		img.Pix[o], img.Pix[o+1], img.Pix[o+2], img.Pix[o+3] = v, v, v, 255
	}
	return img
}

// FromImage reads a grayscale depth texture back into a [0,1] field.
func FromImage(img image.Image) *Field {
	b := img.Bounds()
	w, h := b.Dx(), b.Dy()
	out := make([]float32, w*h)
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			g := color.Gray16Model.Convert(img.At(b.Min.X+x, b.Min.Y+y)).(color.Gray16)
			out[y*w+x] = float32(g.Y) / 65535
		}
	}
	return &Field{Width: w, Height: h, Values: out}
}

var errResampleSize = errors.New("resample target must be positive")

// Resample scales a field to width x height with bilinear filtering at 16-bit
// precision.
func Resample(f *Field, width, height int) (*Field, error) {
	if width <= 0 || height <= 0 {
		return nil, errResampleSize
	}
	if f.Empty() {
		return nil, errors.New("resample of empty field")
	}
	if f.Width == width && f.Height == height {
		return f, nil
	}
	src := image.NewGray16(image.Rect(0, 0, f.Width, f.Height))
	for i, v := range f.Values {
		q := uint16(math.Round(clamp01(float64(v)) * 65535))
		o := (i/f.Width)*src.Stride + (i%f.Width)*2
		src.Pix[o], src.Pix[o+1] = uint8(q>>8), uint8(q)
	}
	dst := image.NewGray16(image.Rect(0, 0, width, height))
	draw.BiLinear.Scale(dst, dst.Bounds(), src, src.Bounds(), draw.Src, nil)

	out := make([]float32, width*height)
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			o := y*dst.Stride + x*2
			out[y*width+x] = float32(uint16(dst.Pix[o])<<8|uint16(dst.Pix[o+1])) / 65535
		}
	}
	return &Field{Width: width, Height: height, Values: out}, nil
}

func quantize(v float32) uint8 {
	return uint8(math.Floor(clamp01(float64(v)) * 255))
}

func clamp01(v float64) float64 {
	if v < 0 || math.IsNaN(v) {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

func clampInt(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func splitRows(h, workers int) [][2]int {
	if workers < 1 {
		workers = 1
	}
	if workers > h {
		workers = h
	}
	rows := make([][2]int, 0, workers)
	step := h / workers
	start := 0
	for i := 0; i < workers; i++ {
		end := start + step
		if i == workers-1 {
			end = h
		}
		rows = append(rows, [2]int{start, end})
		start = end
	}
	return rows
}
