// Command parallaxframe renders one parallax frame, or a side-by-side stereo
// pair, of an image at a given rotation.
package main

import (
	"flag"
	"fmt"
	"image"
	"image/draw"
	"image/png"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"strings"

	"github.com/stevecastle/gazefield/cursor"
	"github.com/stevecastle/gazefield/depth"
	"github.com/stevecastle/gazefield/parallax"
	"github.com/stevecastle/gazefield/portrait"
)

func fatal(msg string, args ...any) {
	slog.Error(msg, args...)
	os.Exit(1)
}

func main() {
	inPath := flag.String("in", "", "input color image path (PNG/JPEG/WEBP/TGA)")
	depthPath := flag.String("depth", "", "input depth map path (default: radial fallback)")
	outPath := flag.String("out", "frame.webp", "output path; .png writes PNG, anything else WebP")

	yaw := flag.Float64("yaw", 0, "yaw in degrees (positive turns right)")
	pitch := flag.Float64("pitch", 0, "pitch in degrees")
	intensity := flag.Float64("intensity", 50, "depth intensity percent (0..100)")
	invertDepth := flag.Bool("invert-depth", false, "invert depth (treat black as near)")
	segments := flag.Int("segments", 128, "mesh subdivisions per side")
	width := flag.Int("width", 0, "output width per eye (default: image width)")
	height := flag.Int("height", 0, "output height (default: keeps aspect)")
	maxWidth := flag.Int("max-width", 1024, "downscale the input to this width first (0 keeps it)")

	sbs := flag.Bool("sbs", false, "write a side-by-side stereo pair")
	separation := flag.Float64("separation", 4, "total yaw between the eyes in degrees (with --sbs)")
	mode := flag.String("mode", "Parallel", "stereo mode: Parallel|Cross")

	ratioTol := flag.Float64("ratio-tol", 0.002, "max allowed aspect ratio mismatch before error (e.g., 0.002 = 0.2%)")
	flag.Parse()

	if *inPath == "" {
		fmt.Fprintln(os.Stderr, "usage: --in <image> [--depth <depth>] [--out frame.webp] [--yaw 6 --pitch -3] [--sbs] ...")
		os.Exit(2)
	}

	src, err := portrait.Load(*inPath)
	if err != nil {
		fatal("failed to load input image", "error", err)
	}
	rgba := portrait.Prepare(src, *maxWidth)
	w, h := rgba.Bounds().Dx(), rgba.Bounds().Dy()

	var field *depth.Field
	if *depthPath != "" {
		depthImg, err := portrait.Load(*depthPath)
		if err != nil {
			fatal("failed to load depth image", "error", err)
		}
		dw, dh := depthImg.Bounds().Dx(), depthImg.Bounds().Dy()
		arA := float64(w) / float64(h)
		arB := float64(dw) / float64(dh)
		if math.Abs(arA-arB)/arA > *ratioTol {
			fatal("aspect ratios differ too much", "image", arA, "depth", arB, "tol", *ratioTol)
		}
		field, err = depth.Resample(depth.FromImage(depthImg), w, h)
		if err != nil {
			fatal("failed to resample depth", "error", err)
		}
	} else {
		field = &depth.Field{Width: w, Height: h, Values: depth.Radial(w, h)}
		slog.Info("no depth map given, using radial fallback")
	}
	if *invertDepth {
		for i, v := range field.Values {
			field.Values[i] = 1 - v
		}
	}

	cfg := parallax.DefaultConfig()
	cfg.Segments = *segments
	cfg.FallbackSegments = *segments
	cfg.FrameTimeThresholdMs = 0
	r, err := parallax.NewRenderer(rgba, field, cfg)
	if err != nil {
		fatal("failed to create renderer", "error", err)
	}
	defer r.Dispose()
	r.SetIntensity(*intensity)

	fw, fh := frameSize(w, h, *width, *height)
	render := func(yawDeg float64) *image.RGBA {
		r.SetRotation(cursor.RotationState{Yaw: yawDeg, Pitch: *pitch})
		img, err := r.RenderFrame(fw, fh)
		if err != nil {
			fatal("render failed", "error", err)
		}
		return img
	}

	var out *image.RGBA
	if *sbs {
		left, right := render(*yaw-*separation/2), render(*yaw+*separation/2)
		if strings.EqualFold(*mode, "Cross") {
			left, right = right, left
		}
		out = image.NewRGBA(image.Rect(0, 0, fw*2, fh))
		draw.Draw(out, image.Rect(0, 0, fw, fh), left, image.Point{}, draw.Src)
		draw.Draw(out, image.Rect(fw, 0, fw*2, fh), right, image.Point{}, draw.Src)
	} else {
		out = render(*yaw)
	}

	if err := save(*outPath, out); err != nil {
		fatal("failed to write output", "path", *outPath, "error", err)
	}
	fmt.Printf("%s %dx%d\n", *outPath, out.Bounds().Dx(), out.Bounds().Dy())
}

// frameSize fills in whichever of width and height is unset from the image aspect.
func frameSize(imgW, imgH, width, height int) (int, int) {
	switch {
	case width <= 0 && height <= 0:
		return imgW, imgH
	case height <= 0:
		return width, max(1, width*imgH/imgW)
	case width <= 0:
		return max(1, height*imgW/imgH), height
	}
	return width, height
}

func save(path string, img image.Image) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if strings.EqualFold(filepath.Ext(path), ".png") {
		err = png.Encode(f, img)
	} else {
		err = parallax.EncodeWebP(f, img)
	}
	if err != nil {
		f.Close()
		return err
	}
	return f.Close()
}
