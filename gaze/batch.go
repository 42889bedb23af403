package gaze

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/stevecastle/gazefield/atlas"
)

// Progress is called after every coordinate with the number processed so
// far, the lattice size and how many of the processed came from the cache.
type Progress func(completed, total, cached int)

// BatchRequest generates a whole atlas for one portrait.
type BatchRequest struct {
	Image       string
	Fingerprint string
	Grid        atlas.GridSpec
}

// BatchResult maps atlas keys (px{x}_py{y}) to image references. Coordinates
// that failed are absent from Images and listed in Failed.
type BatchResult struct {
	Images    map[string]string
	Total     int
	Cached    int
	Generated int
	Failed    map[string]error
}

// Batch runs atlas generation one coordinate at a time, so the backend
// never sees more than one job from us.
type Batch struct {
	svc *Service
	log *slog.Logger
}

func NewBatch(svc *Service) *Batch {
	return &Batch{svc: svc, log: slog.Default().With("component", "gaze.batch")}
}

// Run partitions the lattice with a cache status query and generates only
// the missing coordinates. A failed coordinate is recorded and the batch
// moves on. Only context cancellation stops the run early; the partial
// result is returned alongside ctx.Err().
func (b *Batch) Run(ctx context.Context, req BatchRequest, onProgress Progress) (BatchResult, error) {
	if err := req.Grid.Validate(); err != nil {
		return BatchResult{}, err
	}
	if req.Image == "" {
		return BatchResult{}, fmt.Errorf("%w: image is required", ErrInvalidRequest)
	}
	fp, err := b.svc.Fingerprint(Request{Image: req.Image, Fingerprint: req.Fingerprint})
	if err != nil {
		return BatchResult{}, err
	}

	cached := map[atlas.Coord]string{}
	if b.svc.cache != nil {
		st, err := b.svc.cache.Status(ctx, fp, req.Grid)
		switch {
		case err == nil:
			for _, f := range st.Found {
				cached[atlas.Coord{PX: f.PX, PY: f.PY}] = f.URL
			}
			b.log.Info("cache status", "cached", st.Cached, "total", st.Total)
		case ctx.Err() != nil:
			return BatchResult{}, ctx.Err()
		default:
			b.log.Warn("cache status failed, generating everything", "error", err)
		}
	}

	coords := req.Grid.Lattice()
	res := BatchResult{
		Images: make(map[string]string, len(coords)),
		Total:  len(coords),
		Failed: map[string]error{},
	}
	report := func(completed int) {
		if onProgress != nil {
			onProgress(completed, res.Total, res.Cached)
		}
	}

	for i, c := range coords {
		if ref, ok := cached[c]; ok {
			res.Images[c.Key()] = b.svc.Public(ref)
			res.Cached++
			report(i + 1)
			continue
		}
		if err := ctx.Err(); err != nil {
			return res, err
		}
		resp, err := b.svc.generate(ctx, fp, req.Image, c)
		if err != nil {
			if ctx.Err() != nil {
				return res, ctx.Err()
			}
			b.log.Error("coordinate failed", "px", c.PX, "py", c.PY, "job", JobID(err), "error", err)
			res.Failed[c.Key()] = err
			report(i + 1)
			continue
		}
		res.Images[c.Key()] = resp.ImageURL
		if resp.Cached {
			res.Cached++
		} else {
			res.Generated++
		}
		report(i + 1)
	}

	b.log.Info("batch complete", "total", res.Total, "cached", res.Cached,
		"generated", res.Generated, "failed", len(res.Failed))
	return res, nil
}
