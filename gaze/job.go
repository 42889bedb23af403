// Package gaze drives the hosted gaze-redirection model and assembles atlas
// batches from its output.
package gaze

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Status is the lifecycle state of a generation job.
type Status string

const (
	StatusStarting   Status = "starting"
	StatusProcessing Status = "processing"
	StatusSucceeded  Status = "succeeded"
	StatusFailed     Status = "failed"
	StatusCanceled   Status = "canceled"
	StatusTimedOut   Status = "timed_out"
)

// Terminal reports whether no further transition is possible.
func (s Status) Terminal() bool {
	switch s {
	case StatusSucceeded, StatusFailed, StatusCanceled, StatusTimedOut:
		return true
	}
	return false
}

var (
	ErrTimeout  = errors.New("generation timed out")
	ErrFailed   = errors.New("generation failed")
	ErrCanceled = errors.New("generation canceled")
	ErrNoOutput = errors.New("generation returned no output")

	errBadTransition = errors.New("invalid job transition")
)

// TimeoutError carries the job ID of a generation that exceeded its polling
// budget, so the paid job can be traced.
type TimeoutError struct {
	JobID    string
	Attempts int
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("generation timeout after %d polls (job %s)", e.Attempts, e.JobID)
}

func (e *TimeoutError) Unwrap() error { return ErrTimeout }

// JobError is a failed or canceled job. Unwrap yields ErrFailed or ErrCanceled.
type JobError struct {
	JobID   string
	Status  Status
	Message string
}

func (e *JobError) Error() string {
	msg := e.Message
	if msg == "" {
		msg = "Generation failed"
	}
	return fmt.Sprintf("%s (job %s)", msg, e.JobID)
}

func (e *JobError) Unwrap() error {
	if e.Status == StatusCanceled {
		return ErrCanceled
	}
	return ErrFailed
}

// JobID extracts the job identifier from a generation error, if it has one.
func JobID(err error) string {
	var te *TimeoutError
	if errors.As(err, &te) {
		return te.JobID
	}
	var je *JobError
	if errors.As(err, &je) {
		return je.JobID
	}
	return ""
}

// Prediction is the backend's view of a job.
type Prediction struct {
	ID     string          `json:"id"`
	Status Status          `json:"status"`
	Output json.RawMessage `json:"output,omitempty"`
	Error  any             `json:"error,omitempty"`
}

// OutputURL returns the output reference. The backend answers with either a
// single string or a list whose first element is used.
func (p Prediction) OutputURL() (string, error) {
	if len(p.Output) == 0 || string(p.Output) == "null" {
		return "", ErrNoOutput
	}
	var one string
	if err := json.Unmarshal(p.Output, &one); err == nil {
		if one == "" {
			return "", ErrNoOutput
		}
		return one, nil
	}
	var many []string
	if err := json.Unmarshal(p.Output, &many); err != nil {
		return "", fmt.Errorf("unexpected output %s: %w", p.Output, err)
	}
	if len(many) == 0 || many[0] == "" {
		return "", ErrNoOutput
	}
	return many[0], nil
}

func (p Prediction) errorMessage() string {
	switch v := p.Error.(type) {
	case nil:
		return ""
	case string:
		return v
	default:
		b, _ := json.Marshal(v)
		return string(b)
	}
}

// Job tracks one generation through starting -> processing -> terminal.
type Job struct {
	ID       string
	Status   Status
	Output   string
	Message  string
	Attempts int
}

// Advance applies a backend observation. Terminal jobs never move again and
// a job never moves back to starting once processing.
func (j *Job) Advance(p Prediction) error {
	if j.Status.Terminal() {
		return fmt.Errorf("%w: %s -> %s", errBadTransition, j.Status, p.Status)
	}
	if j.Status == StatusProcessing && p.Status == StatusStarting {
		return fmt.Errorf("%w: %s -> %s", errBadTransition, j.Status, p.Status)
	}
	if p.ID != "" && j.ID == "" {
		j.ID = p.ID
	}
	switch p.Status {
	case StatusStarting, StatusProcessing:
	case StatusSucceeded:
		url, err := p.OutputURL()
		if err != nil {
			j.Status = StatusFailed
			j.Message = err.Error()
			return nil
		}
		j.Output = url
	case StatusFailed, StatusCanceled:
		j.Message = p.errorMessage()
	default:
		return fmt.Errorf("%w: unknown status %q", errBadTransition, p.Status)
	}
	j.Status = p.Status
	return nil
}

// expire marks a non-terminal job as timed out.
func (j *Job) expire() {
	if !j.Status.Terminal() {
		j.Status = StatusTimedOut
	}
}

// Err converts a terminal job into its error, nil on success.
func (j *Job) Err() error {
	switch j.Status {
	case StatusSucceeded:
		return nil
	case StatusTimedOut:
		return &TimeoutError{JobID: j.ID, Attempts: j.Attempts}
	case StatusFailed, StatusCanceled:
		return &JobError{JobID: j.ID, Status: j.Status, Message: j.Message}
	}
	return fmt.Errorf("job %s still %s", j.ID, j.Status)
}
