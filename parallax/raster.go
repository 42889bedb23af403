package parallax

import (
	"image"
	"image/color"
	"io"
	"math"

	"github.com/HugoSmits86/nativewebp"
)

// Background fills pixels not covered by the plane.
var Background = color.RGBA{R: 0x1a, G: 0x1a, B: 0x1a, A: 0xff}

// viewport maps plane coordinates to pixels with an orthographic camera that
// fits the undisplaced plane inside the frame.
type viewport struct {
	scale  float64 // pixels per plane unit
	cx, cy float64
}

func fitViewport(width, height int, planeW, planeH float64) viewport {
	s := math.Min(float64(width)/planeW, float64(height)/planeH)
	return viewport{scale: s, cx: float64(width) / 2, cy: float64(height) / 2}
}

func (v viewport) project(p [2]float64) (x, y float64) {
	return v.cx + p[0]*v.scale, v.cy - p[1]*v.scale
}

// rasterize draws the displaced mesh textured with tex into dst. depths is
// the per-vertex depth sample, used as a z-buffer so near content wins where
// triangles overlap.
func rasterize(dst *image.RGBA, m *Mesh, pos [][2]float64, depths []float64, tex *image.RGBA) {
	w, h := dst.Rect.Dx(), dst.Rect.Dy()
	for i := 0; i < len(dst.Pix); i += 4 {
		dst.Pix[i], dst.Pix[i+1], dst.Pix[i+2], dst.Pix[i+3] = Background.R, Background.G, Background.B, Background.A
	}
	if tex == nil || w == 0 || h == 0 {
		return
	}

	zbuf := make([]float64, w*h)
	for i := range zbuf {
		zbuf[i] = math.Inf(-1)
	}

	vp := fitViewport(w, h, m.ScaleX, m.ScaleY)
	sx := make([]float64, len(pos))
	sy := make([]float64, len(pos))
	for i, p := range pos {
		sx[i], sy[i] = vp.project(p)
	}

	for _, tri := range m.Indices {
		i0, i1, i2 := tri[0], tri[1], tri[2]
		x0, y0 := sx[i0], sy[i0]
		x1, y1 := sx[i1], sy[i1]
		x2, y2 := sx[i2], sy[i2]

		minX := max(int(math.Floor(math.Min(math.Min(x0, x1), x2))), 0)
		maxX := min(int(math.Ceil(math.Max(math.Max(x0, x1), x2))), w-1)
		minY := max(int(math.Floor(math.Min(math.Min(y0, y1), y2))), 0)
		maxY := min(int(math.Ceil(math.Max(math.Max(y0, y1), y2))), h-1)
		if minX > maxX || minY > maxY {
			continue
		}

		det := (y1-y2)*(x0-x2) + (x2-x1)*(y0-y2)
		if det > -1e-12 && det < 1e-12 {
			continue
		}
		invDet := 1.0 / det
		dy12 := y1 - y2
		dx21 := x2 - x1
		dy20 := y2 - y0
		dx02 := x0 - x2

		uv0, uv1, uv2 := m.UVs[i0], m.UVs[i1], m.UVs[i2]
		z0, z1, z2 := depths[i0], depths[i1], depths[i2]

		for py := minY; py <= maxY; py++ {
			dsy := float64(py) + 0.5 - y2
			row := py * w
			for px := minX; px <= maxX; px++ {
				dsx := float64(px) + 0.5 - x2
				b0 := (dy12*dsx + dx21*dsy) * invDet
				b1 := (dy20*dsx + dx02*dsy) * invDet
				b2 := 1 - b0 - b1
				if b0 < -1e-9 || b1 < -1e-9 || b2 < -1e-9 {
					continue
				}
				z := b0*z0 + b1*z1 + b2*z2
				if z < zbuf[row+px] {
					continue
				}
				zbuf[row+px] = z

				u := b0*uv0[0] + b1*uv1[0] + b2*uv2[0]
				v := b0*uv0[1] + b1*uv1[1] + b2*uv2[1]
				r, g, b, a := sampleRGBA(tex, u, v)
				o := py*dst.Stride + px*4
				dst.Pix[o], dst.Pix[o+1], dst.Pix[o+2], dst.Pix[o+3] = r, g, b, a
			}
		}
	}
}

// EncodeWebP writes img as lossless WebP.
func EncodeWebP(w io.Writer, img image.Image) error {
	return nativewebp.Encode(w, img, nil)
}
