package portrait

import (
	"bytes"
	"encoding/base64"
	"image"
	"image/color"
	"image/png"
	"strings"
	"testing"
)

func pngBytes(t *testing.T, w, h int) []byte {
	t.Helper()
	img := image.NewNRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.SetNRGBA(x, y, color.NRGBA{R: uint8(x), G: uint8(y), B: 7, A: 255})
		}
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatal(err)
	}
	return buf.Bytes()
}

func TestDecode(t *testing.T) {
	img, format, err := Decode(bytes.NewReader(pngBytes(t, 5, 3)))
	if err != nil {
		t.Fatal(err)
	}
	if format != "png" || img.Bounds().Dx() != 5 || img.Bounds().Dy() != 3 {
		t.Errorf("format=%s bounds=%v", format, img.Bounds())
	}
	if _, _, err := Decode(strings.NewReader("not an image")); err == nil {
		t.Error("expected decode error")
	}
}

func TestDecodeDataURI(t *testing.T) {
	raw := pngBytes(t, 2, 2)
	enc := base64.StdEncoding.EncodeToString(raw)
	for _, in := range []string{enc, "data:image/png;base64," + enc} {
		img, got, err := DecodeDataURI(in)
		if err != nil {
			t.Fatalf("DecodeDataURI: %v", err)
		}
		if !bytes.Equal(got, raw) || img.Bounds().Dx() != 2 {
			t.Errorf("unexpected result for %.20q", in)
		}
	}
	if _, _, err := DecodeDataURI("data:image/png," + enc); err == nil {
		t.Error("non-base64 data URI should fail")
	}
	if _, _, err := DecodeDataURI("%%%"); err == nil {
		t.Error("invalid base64 should fail")
	}
}

func TestPrepare(t *testing.T) {
	src := image.NewRGBA(image.Rect(0, 0, 2048, 1024))
	out := Prepare(src, 1024)
	if out.Bounds().Dx() != 1024 || out.Bounds().Dy() != 512 {
		t.Errorf("downscaled to %v; want 1024x512", out.Bounds())
	}

	small := image.NewRGBA(image.Rect(0, 0, 300, 400))
	if got := Prepare(small, 1024); got.Bounds().Dx() != 300 {
		t.Errorf("small image resized to %v; must never upscale", got.Bounds())
	}
	if got := Prepare(src, 0); got.Bounds().Dx() != 2048 {
		t.Errorf("maxWidth 0 resized to %v", got.Bounds())
	}
}

func TestToRGBANormalizesOrigin(t *testing.T) {
	src := image.NewRGBA(image.Rect(10, 10, 14, 12))
	src.SetRGBA(10, 10, color.RGBA{R: 9, A: 255})
	out := ToRGBA(src)
	if out.Bounds().Min != (image.Point{}) || out.Stride != 16 {
		t.Fatalf("bounds=%v stride=%d", out.Bounds(), out.Stride)
	}
	if out.Pix[0] != 9 {
		t.Errorf("origin pixel = %v", out.Pix[:4])
	}

	tight := image.NewRGBA(image.Rect(0, 0, 3, 3))
	if ToRGBA(tight) != tight {
		t.Error("tight RGBA should be returned as is")
	}
}

func TestAspect(t *testing.T) {
	if a := Aspect(image.NewRGBA(image.Rect(0, 0, 300, 400))); a != 0.75 {
		t.Errorf("Aspect = %v", a)
	}
	if a := Aspect(image.NewRGBA(image.Rect(0, 0, 3, 0))); a != 1 {
		t.Errorf("degenerate Aspect = %v", a)
	}
}
