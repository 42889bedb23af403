package tasks

import (
	"context"
	"sort"
	"sync"

	"github.com/stevecastle/gazefield/jobqueue"
)

// Func runs one job. Returning nil completes the job unless the task already
// moved it to a terminal state; returning an error marks it failed, or
// cancelled when ctx is done.
type Func func(ctx context.Context, j *jobqueue.Job, q *jobqueue.Queue) error

// Task represents a runnable unit bound to the jobqueue.
type Task struct {
	ID   string `json:"id"`
	Name string `json:"name"`
	Fn   Func   `json:"-"`
}

// Registry maps job commands to tasks.
type Registry struct {
	mu    sync.RWMutex
	tasks map[string]Task
}

func NewRegistry() *Registry {
	return &Registry{tasks: make(map[string]Task)}
}

// Register adds or replaces the task for id.
func (r *Registry) Register(id, name string, fn Func) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tasks[id] = Task{ID: id, Name: name, Fn: fn}
}

func (r *Registry) Get(id string) (Task, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tasks[id]
	return t, ok
}

// List returns the registered tasks sorted by ID.
func (r *Registry) List() []Task {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Task, 0, len(r.tasks))
	for _, t := range r.tasks {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
