package gaze

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"
)

const (
	DefaultBaseURL     = "https://api.replicate.com"
	DefaultMaxAttempts = 60
	DefaultPollEvery   = time.Second
)

// Input is one generation request. Image is a data URI.
type Input struct {
	Image string
	PX    int
	PY    int
}

// APIError is a non-2xx answer from the backend.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("generation backend error %d: %s", e.StatusCode, strings.TrimSpace(e.Body))
}

// Client talks to a Replicate-style predictions API.
type Client struct {
	BaseURL      string
	Token        string
	Version      string
	HTTP         *http.Client
	PollInterval time.Duration
	MaxAttempts  int

	// sleep is swapped out by tests.
	sleep func(ctx context.Context, d time.Duration) error
	log   *slog.Logger
}

func NewClient(baseURL, token, version string) *Client {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	return &Client{
		BaseURL:      strings.TrimRight(baseURL, "/"),
		Token:        token,
		Version:      version,
		HTTP:         &http.Client{Timeout: 30 * time.Second},
		PollInterval: DefaultPollEvery,
		MaxAttempts:  DefaultMaxAttempts,
		sleep:        sleepCtx,
		log:          slog.Default().With("component", "gaze"),
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func (c *Client) do(ctx context.Context, method, path string, body any) (Prediction, error) {
	var rd io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return Prediction{}, err
		}
		rd = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, rd)
	if err != nil {
		return Prediction{}, err
	}
	req.Header.Set("Authorization", "Token "+c.Token)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.HTTP.Do(req)
	if err != nil {
		return Prediction{}, err
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return Prediction{}, err
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return Prediction{}, &APIError{StatusCode: resp.StatusCode, Body: string(data)}
	}
	var p Prediction
	if err := json.Unmarshal(data, &p); err != nil {
		return Prediction{}, fmt.Errorf("decode prediction: %w", err)
	}
	return p, nil
}

// Submit creates a prediction and returns its job.
func (c *Client) Submit(ctx context.Context, in Input) (*Job, error) {
	body := map[string]any{
		"version": c.Version,
		"input": map[string]any{
			"image":   in.Image,
			"pupil_x": in.PX,
			"pupil_y": in.PY,
		},
	}
	p, err := c.do(ctx, http.MethodPost, "/v1/predictions", body)
	if err != nil {
		return nil, err
	}
	job := &Job{Status: StatusStarting}
	if err := job.Advance(p); err != nil {
		return nil, err
	}
	c.log.Debug("prediction submitted", "job", job.ID, "px", in.PX, "py", in.PY, "status", job.Status)
	return job, nil
}

// Poll fetches the current state of job once and advances it.
func (c *Client) Poll(ctx context.Context, job *Job) error {
	p, err := c.do(ctx, http.MethodGet, "/v1/predictions/"+job.ID, nil)
	if err != nil {
		return err
	}
	job.Attempts++
	return job.Advance(p)
}

// Cancel asks the backend to stop job.
func (c *Client) Cancel(ctx context.Context, jobID string) error {
	_, err := c.do(ctx, http.MethodPost, "/v1/predictions/"+jobID+"/cancel", nil)
	return err
}

// Await polls until job is terminal or MaxAttempts polls have been spent,
// in which case the job becomes timed_out. A timed out job, or one whose
// ctx ends first, is canceled on the backend on a best-effort basis.
func (c *Client) Await(ctx context.Context, job *Job) error {
	for !job.Status.Terminal() {
		if job.Attempts >= c.MaxAttempts {
			job.expire()
			c.cancelDetached(job.ID)
			break
		}
		if err := c.sleep(ctx, c.PollInterval); err != nil {
			c.cancelDetached(job.ID)
			return err
		}
		if err := c.Poll(ctx, job); err != nil {
			if ctx.Err() != nil {
				c.cancelDetached(job.ID)
				return ctx.Err()
			}
			return fmt.Errorf("poll job %s: %w", job.ID, err)
		}
	}
	return job.Err()
}

func (c *Client) cancelDetached(jobID string) {
	if jobID == "" {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := c.Cancel(ctx, jobID); err != nil {
		c.log.Warn("cancel prediction failed", "job", jobID, "error", err)
	}
}

// Generate submits in and waits for its output reference.
func (c *Client) Generate(ctx context.Context, in Input) (Output, error) {
	job, err := c.Submit(ctx, in)
	if err != nil {
		return Output{}, err
	}
	if err := c.Await(ctx, job); err != nil {
		return Output{JobID: job.ID}, err
	}
	return Output{URL: job.Output, JobID: job.ID}, nil
}
