// Command depthmap writes a grayscale depth PNG for an image, falling back to
// the synthetic radial field when the model cannot run.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"

	"github.com/stevecastle/gazefield/depth"
	"github.com/stevecastle/gazefield/onnxdepth"
	"github.com/stevecastle/gazefield/tasks"
)

func fatal(msg string, args ...any) {
	slog.Error(msg, args...)
	os.Exit(1)
}

func main() {
	var (
		modelPath     string
		imagePath     string
		outPath       string
		ortLibPath    string
		inputName     string
		outputName    string
		inputSize     int
		maxWidth      int
		meanStr       string
		stdStr        string
		interpolation string
		noSmooth      bool
		fallbackOnly  bool
		jsonOut       bool
	)

	flag.StringVar(&modelPath, "model", "", "Path to ONNX depth model file")
	flag.StringVar(&imagePath, "image", "", "Path to input image file")
	flag.StringVar(&outPath, "out", "", "Output PNG path (default: <image>.depth.png)")
	flag.StringVar(&ortLibPath, "ort", "", "Path to onnxruntime shared library (optional)")
	flag.StringVar(&inputName, "input", "pixel_values", "Model input tensor name")
	flag.StringVar(&outputName, "output", "predicted_depth", "Model output tensor name")
	flag.IntVar(&inputSize, "size", 518, "Model input side, rounded to a multiple of 14")
	flag.IntVar(&maxWidth, "max-width", 1024, "Downscale the image to this width first (0 keeps it)")
	flag.StringVar(&meanStr, "mean", "0,0,0", "Normalization mean RGB as comma-separated floats in [0,1]")
	flag.StringVar(&stdStr, "std", "1,1,1", "Normalization stddev RGB as comma-separated floats")
	flag.StringVar(&interpolation, "interp", "bicubic", "Resize filter: bicubic, bilinear, nearest or catmullrom")
	flag.BoolVar(&noSmooth, "no-smooth", false, "Skip the bilateral smoothing pass")
	flag.BoolVar(&fallbackOnly, "fallback", false, "Write the radial fallback field without running the model")
	flag.BoolVar(&jsonOut, "json", false, "Print the result as JSON")
	flag.Parse()

	if imagePath == "" || (modelPath == "" && !fallbackOnly) {
		fmt.Fprintln(os.Stderr, "Error: --image and --model are required (or --fallback)")
		flag.Usage()
		os.Exit(2)
	}

	opts := onnxdepth.DefaultOptions()
	opts.ModelPath = modelPath
	opts.ORTSharedLibraryPath = ortLibPath
	opts.InputName = inputName
	opts.OutputName = outputName
	opts.InputSize = inputSize
	opts.Interpolation = interpolation

	parse3 := func(s string) ([3]float32, error) {
		parts := strings.Split(s, ",")
		if len(parts) != 3 {
			return [3]float32{}, fmt.Errorf("expected 3 comma-separated values, got %d", len(parts))
		}
		var out [3]float32
		for i := 0; i < 3; i++ {
			var v float64
			if _, err := fmt.Sscanf(strings.TrimSpace(parts[i]), "%f", &v); err != nil {
				return [3]float32{}, err
			}
			out[i] = float32(v)
		}
		return out, nil
	}
	mean, err := parse3(meanStr)
	if err != nil {
		fatal("invalid --mean", "error", err)
	}
	std, err := parse3(stdStr)
	if err != nil {
		fatal("invalid --std", "error", err)
	}
	opts.NormalizeMeanRGB, opts.NormalizeStddevRGB = mean, std

	est := onnxdepth.New(opts)
	defer est.Close()
	pipeline := depth.NewPipeline(est)
	pipeline.SkipSmoothing = noSmooth
	pipeline.FallbackOnly = fallbackOnly

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	in := tasks.DepthMapInput{Path: imagePath, Output: outPath, MaxWidth: maxWidth}
	if in.Output == "" {
		in.Output = tasks.DefaultDepthOutput(imagePath)
	}
	mapper := &tasks.DepthMapper{Pipeline: pipeline}
	res, err := mapper.Build(ctx, in)
	if err != nil {
		fatal("depth map failed", "image", imagePath, "error", err)
	}

	if jsonOut {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		enc.Encode(res)
		return
	}
	if res.Fallback {
		fmt.Fprintf(os.Stderr, "model unavailable, wrote radial fallback: %s\n", res.Cause)
	}
	fmt.Printf("%s %dx%d fallback=%t\n", res.Output, res.Width, res.Height, res.Fallback)
}
