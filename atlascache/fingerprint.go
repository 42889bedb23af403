package atlascache

import (
	"crypto/sha256"
	"encoding/hex"
	"image"
	"image/draw"
)

// Fingerprint hashes the decoded, non-premultiplied RGBA pixels of img, the
// same bytes a browser canvas exposes through ImageData. Re-encoding a
// portrait does not change its fingerprint.
func Fingerprint(img image.Image) string {
	b := img.Bounds()
	n, ok := img.(*image.NRGBA)
	if !ok || n.Stride != 4*b.Dx() || b.Min != (image.Point{}) {
		n = image.NewNRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
		draw.Draw(n, n.Bounds(), img, b.Min, draw.Src)
	}
	return FingerprintPixels(n.Pix)
}

// FingerprintPixels hashes a raw RGBA byte buffer.
func FingerprintPixels(pix []byte) string {
	sum := sha256.Sum256(pix)
	return hex.EncodeToString(sum[:])
}
