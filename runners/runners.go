package runners

import (
	"context"
	"log/slog"
	"sync"

	"github.com/stevecastle/gazefield/jobqueue"
	"github.com/stevecastle/gazefield/tasks"
)

// Runners pulls claimable jobs off the queue and runs their task in a
// goroutine each. Concurrency is bounded by the queue's host limits.
type Runners struct {
	queue    *jobqueue.Queue
	registry *tasks.Registry
	mu       sync.Mutex
	running  int
	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	jobs     sync.WaitGroup
	log      *slog.Logger
}

// New starts listening on the queue's signal channel.
func New(queue *jobqueue.Queue, registry *tasks.Registry) *Runners {
	ctx, cancel := context.WithCancel(context.Background())
	r := &Runners{
		queue:    queue,
		registry: registry,
		ctx:      ctx,
		cancel:   cancel,
		log:      slog.Default().With("component", "runners"),
	}

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		for {
			select {
			case <-r.ctx.Done():
				return
			case <-r.queue.Signal:
				r.CheckForJobs()
			}
		}
	}()

	return r
}

// Shutdown stops the signal listener. Running jobs are left to finish;
// use Wait to block on them.
func (r *Runners) Shutdown() {
	r.cancel()
	r.wg.Wait()
}

// Wait blocks until every started job has returned.
func (r *Runners) Wait() {
	r.jobs.Wait()
}

// Running reports how many jobs are executing.
func (r *Runners) Running() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.running
}

// CheckForJobs claims and starts every job that can run now.
func (r *Runners) CheckForJobs() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.claimAll()
}

func (r *Runners) claimAll() {
	for {
		job, err := r.queue.ClaimJob()
		if err != nil || job == nil {
			return
		}
		r.runJob(job)
	}
}

// runJob must be called with r.mu held.
func (r *Runners) runJob(j *jobqueue.Job) {
	r.running++
	r.jobs.Add(1)
	go func() {
		defer r.jobs.Done()
		defer func() {
			r.mu.Lock()
			r.running--
			r.claimAll()
			r.mu.Unlock()
		}()
		r.execute(j)
	}()
}

func (r *Runners) execute(j *jobqueue.Job) {
	log := r.log.With("job", j.ID, "command", j.Command)

	task, ok := r.registry.Get(j.Command)
	if !ok {
		r.queue.PushJobStdout(j.ID, "Task not found: "+j.Command)
		r.queue.ErrorJob(j.ID)
		log.Warn("no task registered for command")
		return
	}

	log.Info("job started")
	err := task.Fn(j.Ctx, j, r.queue)
	if err == nil {
		// Tasks may finalize the job themselves; only complete it if they didn't.
		if snap, ok := r.queue.Snapshot(j.ID); ok && snap.State == jobqueue.StateInProgress {
			r.queue.CompleteJob(j.ID)
		}
		log.Info("job completed")
		return
	}

	select {
	case <-j.Ctx.Done():
		_ = r.queue.CancelJob(j.ID)
		log.Info("job cancelled", "error", err)
	default:
		r.queue.PushJobStdout(j.ID, "Error: "+err.Error())
		_ = r.queue.ErrorJob(j.ID)
		log.Error("job failed", "error", err)
	}
}
