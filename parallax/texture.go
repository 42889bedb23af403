package parallax

import (
	"errors"
	"image"
	"math"
	"sync"
)

// ErrTextureReleased is returned when a texture is used or released after
// Release.
var ErrTextureReleased = errors.New("texture already released")

// Texture is an owned image buffer with an explicit lifetime.
type Texture struct {
	mu       sync.Mutex
	img      *image.RGBA
	released bool
}

// NewTexture takes ownership of img.
func NewTexture(img *image.RGBA) *Texture {
	return &Texture{img: img}
}

// Image returns the pixels, or nil after Release.
func (t *Texture) Image() *image.RGBA {
	if t == nil {
		return nil
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.img
}

// Release drops the pixels. A second call returns ErrTextureReleased.
func (t *Texture) Release() error {
	if t == nil {
		return nil
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.released {
		return ErrTextureReleased
	}
	t.released = true
	t.img = nil
	return nil
}

// sampleRGBA performs bilinear filtering with edge clamping. UV (0,0) is the
// top-left texel.
func sampleRGBA(tex *image.RGBA, u, v float64) (r, g, b, a uint8) {
	w := tex.Rect.Dx()
	h := tex.Rect.Dy()
	if w == 0 || h == 0 {
		return 0, 0, 0, 0
	}
	fx := clampF(u, 0, 1) * float64(w-1)
	fy := clampF(v, 0, 1) * float64(h-1)
	x0 := int(fx)
	y0 := int(fy)
	x1 := min(x0+1, w-1)
	y1 := min(y0+1, h-1)
	dx := fx - float64(x0)
	dy := fy - float64(y0)

	stride := tex.Stride
	pix := tex.Pix
	i00 := y0*stride + x0*4
	i10 := y0*stride + x1*4
	i01 := y1*stride + x0*4
	i11 := y1*stride + x1*4

	w00 := (1 - dx) * (1 - dy)
	w10 := dx * (1 - dy)
	w01 := (1 - dx) * dy
	w11 := dx * dy

	fr := float64(pix[i00])*w00 + float64(pix[i10])*w10 + float64(pix[i01])*w01 + float64(pix[i11])*w11
	fg := float64(pix[i00+1])*w00 + float64(pix[i10+1])*w10 + float64(pix[i01+1])*w01 + float64(pix[i11+1])*w11
	fb := float64(pix[i00+2])*w00 + float64(pix[i10+2])*w10 + float64(pix[i01+2])*w01 + float64(pix[i11+2])*w11
	fa := float64(pix[i00+3])*w00 + float64(pix[i10+3])*w10 + float64(pix[i01+3])*w01 + float64(pix[i11+3])*w11

	return uint8(fr + 0.5), uint8(fg + 0.5), uint8(fb + 0.5), uint8(fa + 0.5)
}

func clampF(v, lo, hi float64) float64 {
	if v < lo || math.IsNaN(v) {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
