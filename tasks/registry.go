// Package tasks binds job queue commands to the work they run.
package tasks

import (
	"context"
	"sort"
	"sync"

	"github.com/ticdso/depthserve/jobqueue"
)

// Func runs one claimed job. It reports progress through q and finalizes
// the job state itself on success.
type Func func(ctx context.Context, j *jobqueue.Job, q *jobqueue.Queue) error

// Task represents a runnable unit bound to the jobqueue.
type Task struct {
	ID   string `json:"id"`
	Name string `json:"name"`
	Fn   Func   `json:"-"`
}

// Registry maps command names to tasks.
type Registry struct {
	mu    sync.RWMutex
	tasks map[string]Task
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{tasks: make(map[string]Task)}
}

// Register adds or replaces a task.
func (r *Registry) Register(id, name string, fn Func) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tasks[id] = Task{ID: id, Name: name, Fn: fn}
}

// Get looks up a task by command name.
func (r *Registry) Get(id string) (Task, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tasks[id]
	return t, ok
}

// List returns the registered tasks sorted by id.
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
