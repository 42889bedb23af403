package downloads

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

type recorder struct {
	mu     sync.Mutex
	events []Summary
}

func (r *recorder) Publish(eventType string, v any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := v.(Summary); ok && eventType == EventProgress {
		r.events = append(r.events, s)
	}
}

func (r *recorder) last() Summary {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.events[len(r.events)-1]
}

func TestFetchOutcomes(t *testing.T) {
	boom := errors.New("boom")
	tests := []struct {
		name    string
		fn      FetchFunc
		want    Status
		wantErr bool
	}{
		{"complete", func(ctx context.Context, p ProgressCallback) error { return nil }, StatusComplete, false},
		{"error", func(ctx context.Context, p ProgressCallback) error { return boom }, StatusError, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := &recorder{}
			m := NewManager(rec)
			err := m.Fetch(context.Background(), "depth-model", "Depth model", tt.fn)
			if (err != nil) != tt.wantErr {
				t.Fatalf("err = %v", err)
			}
			p, ok := m.Progress("depth-model")
			if !ok || p.Status != tt.want || p.Name != "Depth model" {
				t.Errorf("progress = %+v", p)
			}
			if got := rec.last().Assets[0].Status; got != tt.want {
				t.Errorf("published status = %s", got)
			}
		})
	}
}

func TestFetchCancel(t *testing.T) {
	m := NewManager(nil)
	started := make(chan struct{})
	done := make(chan error, 1)
	go func() {
		done <- m.Fetch(context.Background(), "ort", "ONNX Runtime", func(ctx context.Context, p ProgressCallback) error {
			close(started)
			<-ctx.Done()
			return ctx.Err()
		})
	}()
	<-started

	if err := m.Fetch(context.Background(), "ort", "ONNX Runtime", func(context.Context, ProgressCallback) error { return nil }); !errors.Is(err, ErrBusy) {
		t.Errorf("second fetch err = %v; want ErrBusy", err)
	}
	if s := m.GetProgress(); s.Active != 1 {
		t.Errorf("active = %d", s.Active)
	}
	if !m.Cancel("ort") {
		t.Fatal("Cancel found nothing")
	}
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("fetch did not stop")
	}
	if p, _ := m.Progress("ort"); p.Status != StatusCancelled {
		t.Errorf("status = %s", p.Status)
	}
	if m.Cancel("ort") {
		t.Error("Cancel after finish reported a running fetch")
	}
}

func TestSummary(t *testing.T) {
	m := NewManager(nil)
	m.Fetch(context.Background(), "b", "B", func(context.Context, ProgressCallback) error { return nil })
	m.Fetch(context.Background(), "a", "A", func(context.Context, ProgressCallback) error { return errors.New("x") })

	s := m.GetProgress()
	if len(s.Assets) != 2 || s.Assets[0].ID != "a" {
		t.Fatalf("assets = %+v", s.Assets)
	}
	if s.Done != 1 || s.Active != 0 || s.Percent != 50 {
		t.Errorf("summary = %+v", s)
	}
}

func TestFormatBytes(t *testing.T) {
	tests := []struct {
		in   int64
		want string
	}{
		{512, "512 B"},
		{1536, "1.5 KB"},
		{5 << 20, "5.0 MB"},
	}
	for _, tt := range tests {
		if got := FormatBytes(tt.in); got != tt.want {
			t.Errorf("FormatBytes(%d) = %q; want %q", tt.in, got, tt.want)
		}
	}
}
