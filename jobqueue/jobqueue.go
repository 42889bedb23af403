// Package jobqueue is a persistent FIFO of long-running tasks (atlas batches,
// depth-map renders) with per-host concurrency limits.
package jobqueue

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// JobState represents the current state of a job in the queue.
type JobState int

const (
	StatePending JobState = iota
	StateInProgress
	StateCompleted
	StateCancelled
	StateError
)

// LocalHost is the lane for jobs that only use this machine.
const LocalHost = "localhost"

var (
	ErrJobNotFound = errors.New("job not found")
	ErrJobExists   = errors.New("job with given ID already exists")
)

func (s JobState) String() string {
	switch s {
	case StatePending:
		return "Pending"
	case StateInProgress:
		return "InProgress"
	case StateCompleted:
		return "Completed"
	case StateCancelled:
		return "Cancelled"
	case StateError:
		return "Error"
	default:
		return "Unknown"
	}
}

// MarshalJSON serializes JobState as a lowercase string for JSON.
func (s JobState) MarshalJSON() ([]byte, error) {
	var str string
	switch s {
	case StatePending:
		str = "pending"
	case StateInProgress:
		str = "in_progress"
	case StateCompleted:
		str = "completed"
	case StateCancelled:
		str = "cancelled"
	case StateError:
		str = "error"
	default:
		str = "unknown"
	}
	return json.Marshal(str)
}

// UnmarshalJSON deserializes JobState from a string.
func (s *JobState) UnmarshalJSON(data []byte) error {
	var str string
	if err := json.Unmarshal(data, &str); err != nil {
		return err
	}
	switch str {
	case "in_progress":
		*s = StateInProgress
	case "completed":
		*s = StateCompleted
	case "cancelled":
		*s = StateCancelled
	case "error":
		*s = StateError
	default:
		*s = StatePending
	}
	return nil
}

// Progress is the last reported position of a batch job.
type Progress struct {
	Completed int `json:"completed"`
	Total     int `json:"total"`
	Cached    int `json:"cached"`
}

// Job is one queued task. Input is the task's JSON payload.
type Job struct {
	ID           string             `json:"id"`
	Command      string             `json:"command"`
	Input        string             `json:"-"`
	Host         string             `json:"host"`
	Stdout       []string           `json:"stdout"`
	Progress     Progress           `json:"progress"`
	Result       string             `json:"result,omitempty"`
	Dependencies []string           `json:"dependencies"`
	State        JobState           `json:"state"`
	Ctx          context.Context    `json:"-"`
	Cancel       context.CancelFunc `json:"-"`

	CreatedAt   time.Time `json:"created_at"`
	ClaimedAt   time.Time `json:"claimed_at"`
	CompletedAt time.Time `json:"completed_at"`
	ErroredAt   time.Time `json:"errored_at"`
}

// Publisher receives job lifecycle events. *stream.Hub implements it.
type Publisher interface {
	Publish(eventType string, v any)
}

// Event types sent to the Publisher.
const (
	EventCreate = "job-create"
	EventUpdate = "job-update"
	EventDelete = "job-delete"
	EventOutput = "job-output"
)

// ListUpdate is published on create/update/delete.
type ListUpdate struct {
	UpdateType string `json:"updateType"`
	Job        Job    `json:"job"`
}

// OutputLine is published for every stdout line.
type OutputLine struct {
	JobID string `json:"jobId"`
	Line  string `json:"line"`
}

// Queue is a thread-safe structure that manages Jobs with dependencies.
type Queue struct {
	mu            sync.Mutex
	Jobs          map[string]*Job
	JobOrder      []string
	Signal        chan string
	Db            *sql.DB
	HostLimits    map[string]int
	RunningCounts map[string]int
	// CommandHosts routes a command to the remote host it talks to, so jobs
	// hitting the same backend share that host's limit.
	CommandHosts map[string]string

	pub Publisher
	log *slog.Logger
}

// NewQueue returns an in-memory queue.
func NewQueue() *Queue {
	return &Queue{
		Jobs:          make(map[string]*Job),
		Signal:        make(chan string, 100),
		HostLimits:    make(map[string]int),
		RunningCounts: make(map[string]int),
		CommandHosts:  make(map[string]string),
		log:           slog.Default().With("component", "jobqueue"),
	}
}

// NewQueueWithDB returns a queue persisted in db, reloading existing jobs.
func NewQueueWithDB(db *sql.DB) *Queue {
	q := NewQueue()
	q.Db = db
	if err := q.createJobsTable(); err != nil {
		q.log.Error("failed to create jobs table", "error", err)
	}
	if err := q.loadJobsFromDB(); err != nil {
		q.log.Error("failed to load jobs from database", "error", err)
	}
	return q
}

// SetPublisher installs the event sink.
func (q *Queue) SetPublisher(p Publisher) {
	q.mu.Lock()
	q.pub = p
	q.mu.Unlock()
}

// SaveAllJobsToDB persists every job, used on shutdown.
func (q *Queue) SaveAllJobsToDB() error {
	if q.Db == nil {
		return nil
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, job := range q.Jobs {
		if err := q.saveJobToDB(job); err != nil {
			q.log.Error("failed to save job", "job", job.ID, "error", err)
		}
	}
	return nil
}

func (q *Queue) persist(job *Job, what string) {
	if err := q.saveJobToDB(job); err != nil {
		q.log.Error("failed to persist job", "job", job.ID, "change", what, "error", err)
	}
}

func (q *Queue) publishLocked(updateType string, job *Job) {
	if q.pub == nil {
		return
	}
	q.pub.Publish(updateType, ListUpdate{UpdateType: updateType, Job: *job})
}

// AddJob queues command with its JSON input and returns the new job ID.
func (q *Queue) AddJob(command, input string, dependencies []string) (string, error) {
	return q.AddJobWithID(uuid.NewString(), command, input, dependencies)
}

// AddJobWithID queues a job under a caller-chosen ID.
func (q *Queue) AddJobWithID(id, command, input string, dependencies []string) (string, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if _, exists := q.Jobs[id]; exists {
		return "", ErrJobExists
	}
	if dependencies == nil {
		dependencies = []string{}
	}
	ctx, cancel := context.WithCancel(context.Background())
	job := &Job{
		ID:           id,
		Command:      command,
		Input:        input,
		Stdout:       []string{},
		Dependencies: dependencies,
		State:        StatePending,
		Ctx:          ctx,
		Cancel:       cancel,
		CreatedAt:    time.Now(),
		Host:         q.hostFor(command),
	}
	q.Jobs[id] = job
	q.JobOrder = append(q.JobOrder, id)
	q.persist(job, "create")

	select {
	case q.Signal <- id:
	default:
	}
	q.publishLocked(EventCreate, job)
	return id, nil
}

// CopyJob re-queues a finished job with the same command and input.
func (q *Queue) CopyJob(id string) (string, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	job, exists := q.Jobs[id]
	if !exists {
		return "", ErrJobNotFound
	}
	newID := uuid.NewString()
	ctx, cancel := context.WithCancel(context.Background())
	newJob := *job
	newJob.ID = newID
	newJob.Stdout = []string{}
	newJob.Progress = Progress{}
	newJob.Result = ""
	newJob.State = StatePending
	newJob.CreatedAt = time.Now()
	newJob.ClaimedAt = time.Time{}
	newJob.CompletedAt = time.Time{}
	newJob.ErroredAt = time.Time{}
	newJob.Ctx, newJob.Cancel = ctx, cancel

	q.Jobs[newID] = &newJob
	q.JobOrder = append(q.JobOrder, newID)
	q.persist(&newJob, "copy")

	select {
	case q.Signal <- newID:
	default:
	}
	q.publishLocked(EventCreate, &newJob)
	return newID, nil
}

// ClaimJob returns the oldest pending job whose dependencies are complete
// and whose host has a free slot, marking it in progress. It returns nil
// when nothing can run.
func (q *Queue) ClaimJob() (*Job, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	for _, jobID := range q.JobOrder {
		job := q.Jobs[jobID]
		if job.State != StatePending || !q.canClaim(job) {
			continue
		}
		if q.RunningCounts[job.Host] >= q.getHostLimitLocked(job.Host) {
			continue
		}
		job.State = StateInProgress
		job.ClaimedAt = time.Now()
		q.RunningCounts[job.Host]++
		q.persist(job, "claim")
		q.publishLocked(EventUpdate, job)
		return job, nil
	}
	return nil, nil
}

func (q *Queue) canClaim(job *Job) bool {
	for _, dep := range job.Dependencies {
		depJob, exists := q.Jobs[dep]
		if !exists || depJob.State != StateCompleted {
			return false
		}
	}
	return true
}

// ErrorJob moves an in-progress job to the error state.
func (q *Queue) ErrorJob(id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	job, exists := q.Jobs[id]
	if !exists {
		return ErrJobNotFound
	}
	if job.State != StateInProgress {
		return errors.New("job is not in progress, cannot set error")
	}
	job.State = StateError
	job.ErroredAt = time.Now()
	q.RunningCounts[job.Host]--
	q.persist(job, "error")
	q.publishLocked(EventUpdate, job)
	return nil
}

// CancelJob cancels a pending or running job. Running jobs see their
// context cancelled.
func (q *Queue) CancelJob(id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	job, exists := q.Jobs[id]
	if !exists {
		return ErrJobNotFound
	}
	if job.State != StatePending && job.State != StateInProgress {
		return errors.New("job is not pending or in progress, cannot cancel")
	}
	job.Cancel()
	if job.State == StateInProgress {
		q.RunningCounts[job.Host]--
	}
	job.State = StateCancelled
	q.persist(job, "cancel")
	q.publishLocked(EventUpdate, job)
	return nil
}

// MaxStdoutLines bounds the output kept per job; older lines are dropped.
const MaxStdoutLines = 500

// PushJobStdout appends a line to the job's output.
func (q *Queue) PushJobStdout(id string, line string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	job, exists := q.Jobs[id]
	if !exists {
		return ErrJobNotFound
	}
	job.Stdout = append(job.Stdout, line)
	if over := len(job.Stdout) - MaxStdoutLines; over > 0 {
		job.Stdout = append(job.Stdout[:0:0], job.Stdout[over:]...)
	}
	q.persist(job, "stdout")
	if q.pub != nil {
		q.pub.Publish(EventOutput, OutputLine{JobID: id, Line: line})
	}
	return nil
}

// SetProgress records a batch position and publishes it.
func (q *Queue) SetProgress(id string, p Progress) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	job, exists := q.Jobs[id]
	if !exists {
		return ErrJobNotFound
	}
	job.Progress = p
	q.persist(job, "progress")
	q.publishLocked(EventUpdate, job)
	return nil
}

// SetResult stores the job's JSON result.
func (q *Queue) SetResult(id string, result string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	job, exists := q.Jobs[id]
	if !exists {
		return ErrJobNotFound
	}
	job.Result = result
	q.persist(job, "result")
	return nil
}

// CompleteJob marks an in-progress job completed.
func (q *Queue) CompleteJob(id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	job, exists := q.Jobs[id]
	if !exists {
		return ErrJobNotFound
	}
	if job.State != StateInProgress {
		return errors.New("job is not in progress, cannot complete")
	}
	job.State = StateCompleted
	job.CompletedAt = time.Now()
	q.RunningCounts[job.Host]--
	q.persist(job, "complete")
	q.publishLocked(EventUpdate, job)
	return nil
}

// GetJobs returns copies of all jobs, newest first.
func (q *Queue) GetJobs() []Job {
	q.mu.Lock()
	defer q.mu.Unlock()
	jobs := make([]Job, 0, len(q.JobOrder))
	for i := len(q.JobOrder) - 1; i >= 0; i-- {
		jobs = append(jobs, *q.Jobs[q.JobOrder[i]])
	}
	return jobs
}

// GetJob returns the live job, or nil.
func (q *Queue) GetJob(id string) *Job {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.Jobs[id]
}

// Snapshot returns a copy of the job safe to read without the lock.
func (q *Queue) Snapshot(id string) (Job, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	job, ok := q.Jobs[id]
	if !ok {
		return Job{}, false
	}
	cp := *job
	cp.Stdout = append([]string(nil), job.Stdout...)
	return cp, true
}

func (q *Queue) removeLocked(id string) {
	delete(q.Jobs, id)
	for i, jobID := range q.JobOrder {
		if jobID == id {
			q.JobOrder = append(q.JobOrder[:i], q.JobOrder[i+1:]...)
			break
		}
	}
	if err := q.removeJobFromDB(id); err != nil {
		q.log.Error("failed to remove job from database", "job", id, "error", err)
	}
	q.publishLocked(EventDelete, &Job{ID: id})
}

// RemoveJob deletes a job, cancelling it first if it is running.
func (q *Queue) RemoveJob(id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	job, exists := q.Jobs[id]
	if !exists {
		return ErrJobNotFound
	}
	if job.State == StateInProgress {
		job.Cancel()
		q.RunningCounts[job.Host]--
	}
	q.removeLocked(id)
	return nil
}

// ClearNonRunningJobs removes every job that is not in progress and returns
// how many were removed.
func (q *Queue) ClearNonRunningJobs() (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	var toRemove []string
	for _, id := range q.JobOrder {
		if q.Jobs[id].State != StateInProgress {
			toRemove = append(toRemove, id)
		}
	}
	for _, id := range toRemove {
		q.removeLocked(id)
	}
	return len(toRemove), nil
}

func (q *Queue) hostFor(command string) string {
	if h, ok := q.CommandHosts[command]; ok && h != "" {
		return h
	}
	return LocalHost
}

func (q *Queue) getHostLimitLocked(host string) int {
	if limit, ok := q.HostLimits[host]; ok {
		return limit
	}
	return 1
}

// SetHostLimit sets how many jobs may run against host at once.
func (q *Queue) SetHostLimit(host string, limit int) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.HostLimits[host] = limit
}

// SetCommandHost routes every future job of command to host.
func (q *Queue) SetCommandHost(command, host string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.CommandHosts[command] = host
}
