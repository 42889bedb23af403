package tasks

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/stevecastle/gazefield/atlas"
	"github.com/stevecastle/gazefield/atlascache"
	"github.com/stevecastle/gazefield/gaze"
	"github.com/stevecastle/gazefield/jobqueue"
	"github.com/stevecastle/gazefield/stream"
)

// AtlasGenerateCommand is the job command for whole-atlas generation.
const AtlasGenerateCommand = "atlas-generate"

// AtlasInput is the JSON payload of an atlas-generate job.
type AtlasInput struct {
	Image     string `json:"image"`
	ImageHash string `json:"imageHash,omitempty"`
	Min       int    `json:"min"`
	Max       int    `json:"max"`
	Step      int    `json:"step"`
}

// AtlasResult is stored as the job result.
type AtlasResult struct {
	ImageHash string            `json:"imageHash"`
	Images    map[string]string `json:"images"`
	Total     int               `json:"total"`
	Cached    int               `json:"cached"`
	Generated int               `json:"generated"`
	Failed    map[string]string `json:"failed,omitempty"`
}

// AtlasProgress is published on every coordinate.
type AtlasProgress struct {
	JobID     string `json:"jobId"`
	ImageHash string `json:"imageHash"`
	Completed int    `json:"completed"`
	Total     int    `json:"total"`
	Cached    int    `json:"cached"`
}

// AtlasGenerator runs gaze batches as jobs.
type AtlasGenerator struct {
	Service    *gaze.Service
	AngleLimit int
	// Publisher receives atlas-progress events; nil disables them.
	Publisher jobqueue.Publisher
}

// RegisterAtlasGenerate binds the atlas-generate command to g.
func RegisterAtlasGenerate(r *Registry, g *AtlasGenerator) {
	r.Register(AtlasGenerateCommand, "Generate Gaze Atlas", g.Run)
}

// ParseAtlasInput decodes a job payload and validates its grid.
func ParseAtlasInput(raw string, angleLimit int) (AtlasInput, atlas.GridSpec, error) {
	var in AtlasInput
	if err := json.Unmarshal([]byte(raw), &in); err != nil {
		return in, atlas.GridSpec{}, fmt.Errorf("%w: %v", gaze.ErrInvalidRequest, err)
	}
	if in.Image == "" {
		return in, atlas.GridSpec{}, fmt.Errorf("%w: image is required", gaze.ErrInvalidRequest)
	}
	if angleLimit <= 0 {
		angleLimit = atlascache.DefaultAngleLimit
	}
	grid, err := atlascache.ValidateSpec(in.Min, in.Max, in.Step, angleLimit)
	return in, grid, err
}

func (g *AtlasGenerator) Run(ctx context.Context, j *jobqueue.Job, q *jobqueue.Queue) error {
	in, grid, err := ParseAtlasInput(j.Input, g.AngleLimit)
	if err != nil {
		return err
	}
	fp, err := g.Service.Fingerprint(gaze.Request{Image: in.Image, Fingerprint: in.ImageHash})
	if err != nil {
		return err
	}

	q.PushJobStdout(j.ID, fmt.Sprintf("Generating atlas %d..%d step %d (%d images)", in.Min, in.Max, in.Step, grid.Count()))

	res, runErr := gaze.NewBatch(g.Service).Run(ctx, gaze.BatchRequest{
		Image:       in.Image,
		Fingerprint: fp,
		Grid:        grid,
	}, func(completed, total, cached int) {
		q.SetProgress(j.ID, jobqueue.Progress{Completed: completed, Total: total, Cached: cached})
		q.PushJobStdout(j.ID, fmt.Sprintf("%d/%d (%d cached)", completed, total, cached))
		if g.Publisher != nil {
			g.Publisher.Publish(stream.EventAtlasProgress, AtlasProgress{
				JobID: j.ID, ImageHash: fp, Completed: completed, Total: total, Cached: cached,
			})
		}
	})

	out := AtlasResult{
		ImageHash: fp,
		Images:    res.Images,
		Total:     res.Total,
		Cached:    res.Cached,
		Generated: res.Generated,
	}
	if len(res.Failed) > 0 {
		out.Failed = make(map[string]string, len(res.Failed))
		keys := make([]string, 0, len(res.Failed))
		for k, e := range res.Failed {
			out.Failed[k] = e.Error()
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			q.PushJobStdout(j.ID, fmt.Sprintf("failed %s: %s", k, out.Failed[k]))
		}
	}
	if out.Images != nil {
		if data, err := json.Marshal(out); err == nil {
			q.SetResult(j.ID, string(data))
		}
	}
	if runErr != nil {
		return runErr
	}
	if res.Total > 0 && len(res.Failed) == res.Total {
		return fmt.Errorf("all %d coordinates failed", res.Total)
	}
	q.PushJobStdout(j.ID, fmt.Sprintf("Done: %d cached, %d generated, %d failed", res.Cached, res.Generated, len(res.Failed)))
	return nil
}
