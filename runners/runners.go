// Package runners pulls jobs off the queue and executes their tasks.
package runners

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"

	"github.com/ticdso/depthserve/jobqueue"
	"github.com/ticdso/depthserve/tasks"
)

// Runners manages a pool of job runners bounded by the queue's limit.
type Runners struct {
	queue    *jobqueue.Queue
	registry *tasks.Registry
	mu       sync.Mutex
	running  int
	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	jobs     sync.WaitGroup
}

// New starts listening for queue signals.
func New(queue *jobqueue.Queue, registry *tasks.Registry) *Runners {
	ctx, cancel := context.WithCancel(context.Background())
	r := &Runners{
		queue:    queue,
		registry: registry,
		ctx:      ctx,
		cancel:   cancel,
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
	// Pick up jobs restored from the database.
	r.CheckForJobs()
	return r
}

// Shutdown stops accepting new jobs, cancels running ones and waits for
// them to return.
func (r *Runners) Shutdown() {
	r.cancel()
	r.wg.Wait()
	r.jobs.Wait()
}

// Running returns the number of jobs currently executing.
func (r *Runners) Running() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.running
}

// CheckForJobs claims and starts pending jobs while capacity allows.
func (r *Runners) CheckForJobs() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tryFetchJobAndRun()
}

// tryFetchJobAndRun must be called with r.mu held.
func (r *Runners) tryFetchJobAndRun() {
	if r.ctx.Err() != nil {
		return
	}
	for {
		job := r.queue.ClaimJob()
		if job == nil {
			return
		}
		r.runJob(job)
	}
}

func (r *Runners) runJob(j *jobqueue.Job) {
	r.running++
	r.jobs.Add(1)
	go func() {
		defer r.jobs.Done()
		defer func() {
			r.mu.Lock()
			r.running--
			r.tryFetchJobAndRun()
			r.mu.Unlock()
		}()

		task, ok := r.registry.Get(j.Command)
		if !ok {
			r.queue.PushJobStdout(j.ID, "Task not found: "+j.Command)
			r.queue.ErrorJob(j.ID)
			return
		}

		// Job context ends on CancelJob or on shutdown.
		ctx, cancel := context.WithCancel(j.Ctx)
		defer cancel()
		stop := context.AfterFunc(r.ctx, cancel)
		defer stop()

		err := r.safeRun(ctx, task, j)
		if err == nil {
			// Tasks normally finalize themselves; this is a no-op then.
			if job := r.queue.GetJob(j.ID); job != nil && job.State == jobqueue.StateInProgress {
				r.queue.CompleteJob(j.ID)
			}
			return
		}
		log.Printf("Job %s (%s) failed: %v", j.ID, j.Command, err)
		switch {
		case j.Ctx.Err() != nil:
			// CancelJob already set the state.
		case r.ctx.Err() != nil:
			// Shutting down; the job stays in progress and is resumed on
			// the next start.
		case errors.Is(err, context.Canceled):
			r.queue.CancelJob(j.ID)
		default:
			r.queue.ErrorJob(j.ID)
		}
	}()
}

func (r *Runners) safeRun(ctx context.Context, task tasks.Task, j *jobqueue.Job) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("task %s panicked: %v", task.ID, rec)
			r.queue.PushJobStdout(j.ID, err.Error())
		}
	}()
	return task.Fn(ctx, j, r.queue)
}
