package runners

import (
	"context"
	"database/sql"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stevecastle/gazefield/jobqueue"
	"github.com/stevecastle/gazefield/tasks"
	_ "modernc.org/sqlite"
)

func setupTestQueue(t *testing.T) *jobqueue.Queue {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("Failed to open in-memory database: %v", err)
	}
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })
	return jobqueue.NewQueueWithDB(db)
}

// waitForState polls until the job reaches want or the deadline passes.
func waitForState(t *testing.T, q *jobqueue.Queue, id string, want jobqueue.JobState) jobqueue.Job {
	t.Helper()
	deadline := time.After(3 * time.Second)
	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-deadline:
			snap, _ := q.Snapshot(id)
			t.Fatalf("job %s state = %v; want %v", id, snap.State, want)
		case <-ticker.C:
			if snap, ok := q.Snapshot(id); ok && snap.State == want {
				return snap
			}
		}
	}
}

func newRegistry() *tasks.Registry {
	r := tasks.NewRegistry()
	r.Register("ok", "OK", func(ctx context.Context, j *jobqueue.Job, q *jobqueue.Queue) error {
		q.PushJobStdout(j.ID, "ran")
		return nil
	})
	r.Register("self-complete", "Self Complete", func(ctx context.Context, j *jobqueue.Job, q *jobqueue.Queue) error {
		return q.CompleteJob(j.ID)
	})
	r.Register("fail", "Fail", func(ctx context.Context, j *jobqueue.Job, q *jobqueue.Queue) error {
		return errors.New("boom")
	})
	r.Register("block", "Block", func(ctx context.Context, j *jobqueue.Job, q *jobqueue.Queue) error {
		<-ctx.Done()
		return ctx.Err()
	})
	return r
}

func TestNewRunners(t *testing.T) {
	q := setupTestQueue(t)
	r := New(q, newRegistry())
	if r.queue != q || r.ctx == nil || r.cancel == nil {
		t.Fatal("Runners not initialized")
	}
	r.Shutdown()
}

func TestRunnersShutdown(t *testing.T) {
	q := setupTestQueue(t)
	r := New(q, newRegistry())

	done := make(chan struct{})
	go func() {
		r.Shutdown()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Error("Shutdown did not complete in time")
	}

	defer func() {
		if recover() != nil {
			t.Error("Double shutdown caused panic")
		}
	}()
	r.Shutdown()
}

func TestRunnersCompleteJob(t *testing.T) {
	q := setupTestQueue(t)
	r := New(q, newRegistry())
	defer r.Shutdown()

	id, _ := q.AddJob("ok", "", nil)
	snap := waitForState(t, q, id, jobqueue.StateCompleted)
	if len(snap.Stdout) != 1 || snap.Stdout[0] != "ran" {
		t.Errorf("stdout = %v", snap.Stdout)
	}

	// A task that finalizes the job itself is left alone.
	id2, _ := q.AddJob("self-complete", "", nil)
	waitForState(t, q, id2, jobqueue.StateCompleted)
}

func TestRunnersTaskError(t *testing.T) {
	q := setupTestQueue(t)
	r := New(q, newRegistry())
	defer r.Shutdown()

	id, _ := q.AddJob("fail", "", nil)
	snap := waitForState(t, q, id, jobqueue.StateError)
	if len(snap.Stdout) == 0 || snap.Stdout[len(snap.Stdout)-1] != "Error: boom" {
		t.Errorf("stdout = %v", snap.Stdout)
	}
}

func TestRunnersUnknownTask(t *testing.T) {
	q := setupTestQueue(t)
	r := New(q, newRegistry())
	defer r.Shutdown()

	id, _ := q.AddJob("this-task-does-not-exist", "", nil)
	snap := waitForState(t, q, id, jobqueue.StateError)
	if len(snap.Stdout) == 0 || snap.Stdout[0] != "Task not found: this-task-does-not-exist" {
		t.Errorf("stdout = %v", snap.Stdout)
	}
}

func TestRunnersCancel(t *testing.T) {
	q := setupTestQueue(t)
	r := New(q, newRegistry())
	defer r.Shutdown()

	id, _ := q.AddJob("block", "", nil)
	waitForState(t, q, id, jobqueue.StateInProgress)
	if err := q.CancelJob(id); err != nil {
		t.Fatalf("CancelJob: %v", err)
	}
	waitForState(t, q, id, jobqueue.StateCancelled)
	r.Wait()
	if n := r.Running(); n != 0 {
		t.Errorf("Running() = %d after cancel", n)
	}
}

func TestRunnersDependencies(t *testing.T) {
	q := setupTestQueue(t)
	reg := newRegistry()
	var order atomic.Int32
	var second int32
	reg.Register("second", "Second", func(ctx context.Context, j *jobqueue.Job, q *jobqueue.Queue) error {
		second = order.Add(1)
		return nil
	})
	r := New(q, reg)
	defer r.Shutdown()

	first, _ := q.AddJob("ok", "", nil)
	id, _ := q.AddJob("second", "", []string{first})
	waitForState(t, q, id, jobqueue.StateCompleted)
	r.Wait()
	if second != 1 {
		t.Errorf("dependent job ran %d times", second)
	}
	if snap, _ := q.Snapshot(first); snap.State != jobqueue.StateCompleted {
		t.Errorf("first state = %v", snap.State)
	}
}

func TestRunnersHostLimit(t *testing.T) {
	q := setupTestQueue(t)
	q.SetCommandHost("block", "api.example.com")
	q.SetHostLimit("api.example.com", 1)
	r := New(q, newRegistry())
	defer r.Shutdown()

	a, _ := q.AddJob("block", "", nil)
	b, _ := q.AddJob("block", "", nil)
	waitForState(t, q, a, jobqueue.StateInProgress)
	time.Sleep(50 * time.Millisecond)
	if snap, _ := q.Snapshot(b); snap.State != jobqueue.StatePending {
		t.Fatalf("second job state = %v; want pending while host is busy", snap.State)
	}

	q.CancelJob(a)
	waitForState(t, q, b, jobqueue.StateInProgress)
	q.CancelJob(b)
	waitForState(t, q, b, jobqueue.StateCancelled)
	r.Wait()
}
