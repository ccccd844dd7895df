// Package jobqueue is a sqlite-persisted FIFO of long-running evaluation,
// folder and benchmark jobs.
package jobqueue

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ticdso/depthserve/stream"
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

// ErrJobNotFound is returned for unknown job ids.
var ErrJobNotFound = errors.New("job not found")

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

// Job is one queued task invocation.
type Job struct {
	ID        string             `json:"id"`
	Command   string             `json:"command"`
	Arguments []string           `json:"arguments"`
	Input     string             `json:"input"`
	Output    []string           `json:"output"`
	Result    json.RawMessage    `json:"result,omitempty"`
	State     JobState           `json:"state"`
	Ctx       context.Context    `json:"-"`
	Cancel    context.CancelFunc `json:"-"`

	CreatedAt   time.Time `json:"created_at"`
	ClaimedAt   time.Time `json:"claimed_at"`
	CompletedAt time.Time `json:"completed_at"`
	ErroredAt   time.Time `json:"errored_at"`
}

// Queue is a thread-safe FIFO of jobs. At most Limit jobs are in progress.
type Queue struct {
	mu      sync.Mutex
	jobs    map[string]*Job
	order   []string
	running int
	limit   int
	db      *sql.DB
	hub     *stream.Hub
	Signal  chan string
}

// NewQueue returns an in-memory queue.
func NewQueue() *Queue {
	return &Queue{
		jobs:   make(map[string]*Job),
		limit:  1,
		Signal: make(chan string, 100),
	}
}

// NewQueueWithDB returns a queue persisted in db. Jobs found in progress
// are reset to pending.
func NewQueueWithDB(db *sql.DB, hub *stream.Hub) (*Queue, error) {
	q := NewQueue()
	q.db = db
	q.hub = hub
	if err := q.createJobsTable(); err != nil {
		return nil, fmt.Errorf("failed to create jobs table: %w", err)
	}
	if err := q.loadJobsFromDB(); err != nil {
		return nil, fmt.Errorf("failed to load jobs: %w", err)
	}
	return q, nil
}

// SetLimit changes how many jobs may run at once.
func (q *Queue) SetLimit(n int) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if n < 1 {
		n = 1
	}
	q.limit = n
}

func (q *Queue) createJobsTable() error {
	_, err := q.db.Exec(`
	CREATE TABLE IF NOT EXISTS jobs (
		id TEXT PRIMARY KEY,
		command TEXT NOT NULL,
		arguments TEXT, -- JSON array
		input TEXT,
		output TEXT, -- JSON array
		result TEXT,
		state INTEGER NOT NULL,
		created_at DATETIME NOT NULL,
		claimed_at DATETIME,
		completed_at DATETIME,
		errored_at DATETIME,
		position INTEGER
	)`)
	return err
}

func (q *Queue) saveJobToDB(job *Job) error {
	if q.db == nil {
		return nil
	}
	argumentsJSON, _ := json.Marshal(job.Arguments)
	outputJSON, _ := json.Marshal(job.Output)

	position := -1
	for i, id := range q.order {
		if id == job.ID {
			position = i
			break
		}
	}
	_, err := q.db.Exec(`
	INSERT OR REPLACE INTO jobs (
		id, command, arguments, input, output, result, state,
		created_at, claimed_at, completed_at, errored_at, position
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		job.ID,
		job.Command,
		string(argumentsJSON),
		job.Input,
		string(outputJSON),
		string(job.Result),
		int(job.State),
		job.CreatedAt,
		job.ClaimedAt,
		job.CompletedAt,
		job.ErroredAt,
		position,
	)
	return err
}

func (q *Queue) loadJobsFromDB() error {
	rows, err := q.db.Query(`
	SELECT id, command, arguments, input, output, COALESCE(result, ''), state,
		   created_at, claimed_at, completed_at, errored_at
	FROM jobs
	ORDER BY position`)
	if err != nil {
		return err
	}
	defer rows.Close()

	var resumed []string
	for rows.Next() {
		var (
			job                       Job
			argumentsJSON, outputJSON string
			result                    string
			state                     int
		)
		if err := rows.Scan(
			&job.ID, &job.Command, &argumentsJSON, &job.Input, &outputJSON, &result, &state,
			&job.CreatedAt, &job.ClaimedAt, &job.CompletedAt, &job.ErroredAt,
		); err != nil {
			log.Printf("Error scanning job row: %v", err)
			continue
		}
		if err := json.Unmarshal([]byte(argumentsJSON), &job.Arguments); err != nil {
			job.Arguments = []string{}
		}
		if err := json.Unmarshal([]byte(outputJSON), &job.Output); err != nil {
			job.Output = []string{}
		}
		if result != "" {
			job.Result = json.RawMessage(result)
		}
		job.State = JobState(state)
		if job.State == StateInProgress {
			job.State = StatePending
			job.ClaimedAt = time.Time{}
			resumed = append(resumed, job.ID)
		}
		job.Ctx, job.Cancel = context.WithCancel(context.Background())

		q.jobs[job.ID] = &job
		q.order = append(q.order, job.ID)
	}
	if len(resumed) > 0 {
		log.Printf("Resumed %d jobs that were in progress: %v", len(resumed), resumed)
		for _, id := range resumed {
			q.signal(id)
		}
	}
	return rows.Err()
}

func (q *Queue) signal(id string) {
	select {
	case q.Signal <- id:
	default:
	}
}

// jobEvent is the payload broadcast on every state change.
type jobEvent struct {
	UpdateType string `json:"updateType"`
	Job        Job    `json:"job"`
}

type stdoutEvent struct {
	UpdateType string `json:"updateType"`
	ID         string `json:"id"`
	Line       string `json:"line"`
}

// notify persists job and publishes the change. Must hold q.mu.
func (q *Queue) notify(updateType string, job *Job) {
	if err := q.saveJobToDB(job); err != nil {
		log.Printf("Failed to save job %s to database: %v", job.ID, err)
	}
	q.hub.BroadcastJSON(stream.EventJob, jobEvent{UpdateType: updateType, Job: *job})
}

// AddJob enqueues a new job and returns its id.
func (q *Queue) AddJob(command string, arguments []string, input string) (string, error) {
	if command == "" {
		return "", errors.New("command is required")
	}
	q.mu.Lock()
	defer q.mu.Unlock()

	ctx, cancel := context.WithCancel(context.Background())
	job := &Job{
		ID:        uuid.NewString(),
		Command:   command,
		Arguments: arguments,
		Input:     input,
		Output:    []string{},
		State:     StatePending,
		Ctx:       ctx,
		Cancel:    cancel,
		CreatedAt: time.Now(),
	}
	q.jobs[job.ID] = job
	q.order = append(q.order, job.ID)
	q.notify("create", job)
	q.signal(job.ID)
	return job.ID, nil
}

// ClaimJob marks the oldest pending job in progress and returns it. It
// returns nil when nothing is pending or the running limit is reached.
func (q *Queue) ClaimJob() *Job {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.running >= q.limit {
		return nil
	}
	for _, id := range q.order {
		job := q.jobs[id]
		if job.State != StatePending {
			continue
		}
		job.State = StateInProgress
		job.ClaimedAt = time.Now()
		q.running++
		q.notify("update", job)
		return job
	}
	return nil
}

func (q *Queue) finish(id string, state JobState) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	job, ok := q.jobs[id]
	if !ok {
		return ErrJobNotFound
	}
	if job.State != StateInProgress {
		return fmt.Errorf("job %s is %s, not in progress", id, job.State)
	}
	job.State = state
	if state == StateError {
		job.ErroredAt = time.Now()
	} else {
		job.CompletedAt = time.Now()
	}
	q.running--
	q.notify("update", job)
	return nil
}

// CompleteJob marks an in-progress job completed.
func (q *Queue) CompleteJob(id string) error {
	return q.finish(id, StateCompleted)
}

// ErrorJob marks an in-progress job failed.
func (q *Queue) ErrorJob(id string) error {
	return q.finish(id, StateError)
}

// CancelJob cancels a pending or running job.
func (q *Queue) CancelJob(id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	job, ok := q.jobs[id]
	if !ok {
		return ErrJobNotFound
	}
	if job.State != StatePending && job.State != StateInProgress {
		return fmt.Errorf("job %s is %s, cannot cancel", id, job.State)
	}
	job.Cancel()
	if job.State == StateInProgress {
		q.running--
	}
	job.State = StateCancelled
	q.notify("update", job)
	return nil
}

// PushJobStdout appends a progress line to the job output.
func (q *Queue) PushJobStdout(id string, line string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	job, ok := q.jobs[id]
	if !ok {
		return ErrJobNotFound
	}
	job.Output = append(job.Output, line)
	if err := q.saveJobToDB(job); err != nil {
		log.Printf("Failed to save job output to database: %v", err)
	}
	q.hub.BroadcastJSON(stream.EventJob, stdoutEvent{UpdateType: "stdout", ID: id, Line: line})
	return nil
}

// SetResult stores v as the job's JSON result.
func (q *Queue) SetResult(id string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	job, ok := q.jobs[id]
	if !ok {
		return ErrJobNotFound
	}
	job.Result = data
	return q.saveJobToDB(job)
}

// GetJobs returns copies of all jobs, newest first.
func (q *Queue) GetJobs() []Job {
	q.mu.Lock()
	defer q.mu.Unlock()
	jobs := make([]Job, 0, len(q.order))
	for i := len(q.order) - 1; i >= 0; i-- {
		jobs = append(jobs, *q.jobs[q.order[i]])
	}
	return jobs
}

// GetJob returns a copy of the job, or nil.
func (q *Queue) GetJob(id string) *Job {
	q.mu.Lock()
	defer q.mu.Unlock()
	job, ok := q.jobs[id]
	if !ok {
		return nil
	}
	cp := *job
	cp.Output = append([]string(nil), job.Output...)
	return &cp
}

// RemoveJob deletes a job that is not running.
func (q *Queue) RemoveJob(id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	job, ok := q.jobs[id]
	if !ok {
		return ErrJobNotFound
	}
	if job.State == StateInProgress {
		return fmt.Errorf("job %s is running; cancel it first", id)
	}
	q.removeLocked(id)
	return nil
}

func (q *Queue) removeLocked(id string) {
	delete(q.jobs, id)
	for i, jid := range q.order {
		if jid == id {
			q.order = append(q.order[:i], q.order[i+1:]...)
			break
		}
	}
	if q.db != nil {
		if _, err := q.db.Exec("DELETE FROM jobs WHERE id = ?", id); err != nil {
			log.Printf("Failed to remove job %s from database: %v", id, err)
		}
	}
	q.hub.BroadcastJSON(stream.EventJob, jobEvent{UpdateType: "delete", Job: Job{ID: id}})
}

// ClearFinished removes every job that is not pending or running and
// returns how many were removed.
func (q *Queue) ClearFinished() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	var ids []string
	for _, id := range q.order {
		if s := q.jobs[id].State; s != StatePending && s != StateInProgress {
			ids = append(ids, id)
		}
	}
	for _, id := range ids {
		q.removeLocked(id)
	}
	return len(ids)
}
