package tasks

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"image/png"
	"os"
	"path/filepath"
	"strings"

	"github.com/stevecastle/gazefield/depth"
	"github.com/stevecastle/gazefield/jobqueue"
	"github.com/stevecastle/gazefield/portrait"
)

// DepthMapCommand is the job command that writes a depth PNG for a file.
const DepthMapCommand = "depth-map"

// DepthMapInput is the JSON payload of a depth-map job. A bare path string is
// also accepted.
type DepthMapInput struct {
	Path     string `json:"path"`
	Output   string `json:"output,omitempty"`
	MaxWidth int    `json:"maxWidth,omitempty"`
}

// DepthMapResult is stored as the job result.
type DepthMapResult struct {
	Output   string `json:"output"`
	Width    int    `json:"width"`
	Height   int    `json:"height"`
	Fallback bool   `json:"fallback"`
	Cause    string `json:"cause,omitempty"`
}

// DepthMapper runs the depth pipeline on files.
type DepthMapper struct {
	Pipeline *depth.Pipeline
	// MaxWidth applies when the job input leaves it unset.
	MaxWidth int
}

// RegisterDepthMap binds the depth-map command to m.
func RegisterDepthMap(r *Registry, m *DepthMapper) {
	r.Register(DepthMapCommand, "Depth Map", m.Run)
}

// ParseDepthMapInput accepts JSON or a bare path.
func ParseDepthMapInput(raw string) (DepthMapInput, error) {
	raw = strings.TrimSpace(raw)
	var in DepthMapInput
	if strings.HasPrefix(raw, "{") {
		if err := json.Unmarshal([]byte(raw), &in); err != nil {
			return in, fmt.Errorf("invalid depth-map input: %w", err)
		}
	} else {
		in.Path = raw
	}
	if in.Path == "" {
		return in, errors.New("depth-map input needs a path")
	}
	if in.Output == "" {
		in.Output = DefaultDepthOutput(in.Path)
	}
	return in, nil
}

// DefaultDepthOutput returns photo.depth.png for photo.jpg.
func DefaultDepthOutput(path string) string {
	return strings.TrimSuffix(path, filepath.Ext(path)) + ".depth.png"
}

// Build loads in.Path, runs the pipeline and writes the grayscale field.
func (m *DepthMapper) Build(ctx context.Context, in DepthMapInput) (DepthMapResult, error) {
	img, err := portrait.Load(in.Path)
	if err != nil {
		return DepthMapResult{}, err
	}
	width := in.MaxWidth
	if width <= 0 {
		width = m.MaxWidth
	}
	rgba := portrait.Prepare(img, width)

	res, err := m.Pipeline.Build(ctx, rgba)
	if err != nil {
		return DepthMapResult{}, err
	}
	if err := WriteDepthPNG(in.Output, res.Field); err != nil {
		return DepthMapResult{}, err
	}

	out := DepthMapResult{
		Output:   in.Output,
		Width:    res.Field.Width,
		Height:   res.Field.Height,
		Fallback: res.Fallback,
	}
	if res.Cause != nil {
		out.Cause = res.Cause.Error()
	}
	return out, nil
}

// WriteDepthPNG writes field as an 8-bit grayscale PNG.
func WriteDepthPNG(path string, field *depth.Field) error {
	if field.Empty() {
		return errors.New("depth field is empty")
	}
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create output directory: %w", err)
		}
	}
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", path, err)
	}
	if err := png.Encode(f, depth.ToGray(field.Values, field.Width, field.Height)); err != nil {
		f.Close()
		return fmt.Errorf("failed to encode depth png: %w", err)
	}
	return f.Close()
}

func (m *DepthMapper) Run(ctx context.Context, j *jobqueue.Job, q *jobqueue.Queue) error {
	in, err := ParseDepthMapInput(j.Input)
	if err != nil {
		return err
	}
	q.PushJobStdout(j.ID, "Estimating depth for "+in.Path)

	res, err := m.Build(ctx, in)
	if err != nil {
		return err
	}
	if res.Fallback {
		q.PushJobStdout(j.ID, "Model unavailable, wrote radial fallback: "+res.Cause)
	}
	q.PushJobStdout(j.ID, fmt.Sprintf("Wrote %dx%d depth map to %s", res.Width, res.Height, res.Output))
	if data, err := json.Marshal(res); err == nil {
		q.SetResult(j.ID, string(data))
	}
	return nil
}
