// Package portrait decodes uploaded portraits and prepares them for depth
// estimation and rendering.
package portrait

import (
	"bytes"
	"encoding/base64"
	"errors"
	"fmt"
	"image"
	"image/draw"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"io"
	"os"
	"strings"

	_ "github.com/ftrvxmtrx/tga"
	resize "github.com/nfnt/resize"
	_ "golang.org/x/image/webp"
)

// MaxDecodeBytes bounds how much of an upload is read.
const MaxDecodeBytes = 64 << 20

// ErrEmptyImage is returned for zero-sized images.
var ErrEmptyImage = errors.New("image has no pixels")

// Decode reads a JPEG, PNG, GIF, WebP or TGA image.
func Decode(r io.Reader) (image.Image, string, error) {
	img, format, err := image.Decode(io.LimitReader(r, MaxDecodeBytes))
	if err != nil {
		return nil, "", fmt.Errorf("portrait: decode: %w", err)
	}
	if img.Bounds().Empty() {
		return nil, format, ErrEmptyImage
	}
	return img, format, nil
}

// Load opens and decodes the image at path.
func Load(path string) (image.Image, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("portrait: open %s: %w", path, err)
	}
	defer f.Close()
	img, _, err := Decode(f)
	return img, err
}

// DecodeDataURI accepts either a bare base64 payload or a
// "data:image/...;base64," URI.
func DecodeDataURI(s string) (image.Image, []byte, error) {
	payload := strings.TrimSpace(s)
	if strings.HasPrefix(payload, "data:") {
		comma := strings.IndexByte(payload, ',')
		if comma < 0 || !strings.Contains(payload[:comma], ";base64") {
			return nil, nil, errors.New("portrait: data URI is not base64 encoded")
		}
		payload = payload[comma+1:]
	}
	raw, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return nil, nil, fmt.Errorf("portrait: base64: %w", err)
	}
	img, _, err := Decode(bytes.NewReader(raw))
	if err != nil {
		return nil, nil, err
	}
	return img, raw, nil
}

// Prepare downscales img so its width is at most maxWidth, keeping the aspect
// ratio. Images already narrow enough, or maxWidth <= 0, are returned as a
// tight RGBA copy without resampling.
func Prepare(img image.Image, maxWidth int) *image.RGBA {
	b := img.Bounds()
	if maxWidth <= 0 || b.Dx() <= maxWidth {
		return ToRGBA(img)
	}
	h := uint(float64(b.Dy()) * float64(maxWidth) / float64(b.Dx()))
	if h == 0 {
		h = 1
	}
	return ToRGBA(resize.Resize(uint(maxWidth), h, img, resize.Lanczos3))
}

// ToRGBA returns img as an *image.RGBA whose bounds start at the origin and
// whose stride is exactly 4*width.
func ToRGBA(img image.Image) *image.RGBA {
	b := img.Bounds()
	if rgba, ok := img.(*image.RGBA); ok && b.Min == (image.Point{}) && rgba.Stride == 4*b.Dx() {
		return rgba
	}
	dst := image.NewRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
	draw.Draw(dst, dst.Bounds(), img, b.Min, draw.Src)
	return dst
}

// Aspect returns width/height, or 1 for degenerate images.
func Aspect(img image.Image) float64 {
	b := img.Bounds()
	if b.Dy() == 0 {
		return 1
	}
	return float64(b.Dx()) / float64(b.Dy())
}
