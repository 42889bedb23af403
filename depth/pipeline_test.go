package depth

import (
	"context"
	"errors"
	"image"
	"testing"
)

func gradientEstimator(calls *int) Estimator {
	return EstimatorFunc(func(ctx context.Context, img *image.RGBA) ([]float32, int, int, error) {
		*calls++
		raw := make([]float32, 4*4)
		for i := range raw {
			raw[i] = float32(i%4) * 10
		}
		return raw, 4, 4, nil
	})
}

func TestPipelineBuildUsesEstimator(t *testing.T) {
	calls := 0
	p := NewPipeline(gradientEstimator(&calls))
	res, err := p.Build(context.Background(), image.NewRGBA(image.Rect(0, 0, 12, 6)))
	if err != nil {
		t.Fatal(err)
	}
	if calls != 1 {
		t.Errorf("estimator calls = %d", calls)
	}
	if res.Fallback {
		t.Errorf("unexpected fallback: %v", res.Cause)
	}
	if res.Field.Width != 12 || res.Field.Height != 6 {
		t.Errorf("field %dx%d; want 12x6", res.Field.Width, res.Field.Height)
	}
	for i, v := range res.Field.Values {
		if v < 0 || v > 1 {
			t.Fatalf("[%d] = %v outside [0,1]", i, v)
		}
	}
	if res.Field.Values[0] >= res.Field.Values[11] {
		t.Error("left-to-right gradient not preserved")
	}
}

func TestPipelineFallsBackOnEstimatorError(t *testing.T) {
	boom := errors.New("model load failed")
	p := NewPipeline(EstimatorFunc(func(ctx context.Context, img *image.RGBA) ([]float32, int, int, error) {
		return nil, 0, 0, boom
	}))
	res, err := p.Build(context.Background(), image.NewRGBA(image.Rect(0, 0, 8, 8)))
	if err != nil {
		t.Fatalf("fallback must not be an error: %v", err)
	}
	if !res.Fallback || !errors.Is(res.Cause, boom) {
		t.Errorf("Fallback=%v Cause=%v", res.Fallback, res.Cause)
	}
	if len(res.Field.Values) != 64 {
		t.Errorf("fallback field len = %d", len(res.Field.Values))
	}
}

func TestPipelineFallsBackOnBadShape(t *testing.T) {
	p := NewPipeline(EstimatorFunc(func(ctx context.Context, img *image.RGBA) ([]float32, int, int, error) {
		return []float32{1, 2, 3}, 2, 2, nil
	}))
	res, err := p.Build(context.Background(), image.NewRGBA(image.Rect(0, 0, 4, 4)))
	if err != nil || !res.Fallback {
		t.Fatalf("err=%v fallback=%v", err, res.Fallback)
	}
}

func TestPipelineFallbackOnly(t *testing.T) {
	calls := 0
	p := NewPipeline(gradientEstimator(&calls))
	p.FallbackOnly = true
	res, _ := p.Build(context.Background(), image.NewRGBA(image.Rect(0, 0, 4, 4)))
	if calls != 0 || !res.Fallback || !errors.Is(res.Cause, ErrEstimatorUnavailable) {
		t.Errorf("calls=%d fallback=%v cause=%v", calls, res.Fallback, res.Cause)
	}
}

func TestPipelineCanceled(t *testing.T) {
	calls := 0
	p := NewPipeline(gradientEstimator(&calls))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := p.Build(ctx, image.NewRGBA(image.Rect(0, 0, 4, 4))); !errors.Is(err, context.Canceled) {
		t.Errorf("err = %v; want context.Canceled", err)
	}
}

func TestTrackerDiscardsLateResults(t *testing.T) {
	var tr Tracker
	ctx1, tok1 := tr.Begin(context.Background())
	_, tok2 := tr.Begin(context.Background())

	if ctx1.Err() == nil {
		t.Error("first build should be canceled by the second Begin")
	}
	if !tr.Stale(tok1) || tr.Stale(tok2) {
		t.Error("stale flags wrong")
	}

	late := &Field{Width: 1, Height: 1, Values: []float32{0.1}}
	fresh := &Field{Width: 1, Height: 1, Values: []float32{0.9}}
	if tr.Commit(tok1, late) {
		t.Error("late result was applied")
	}
	if !tr.Commit(tok2, fresh) {
		t.Error("current result rejected")
	}
	if tr.Current() != fresh {
		t.Error("Current() is not the committed field")
	}

	tr.Stop()
	if tr.Commit(tok2, late) {
		t.Error("commit after Stop was applied")
	}
}
