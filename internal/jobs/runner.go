package jobs

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Status of a background job.
type Status string

const (
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// Job is the pollable state of one fire-and-forget invocation. Run-check
// and recalculate-impact requests return a job id immediately; the UI
// polls until the job settles.
type Job struct {
	ID         uuid.UUID   `json:"id"`
	Kind       string      `json:"kind"`
	Status     Status      `json:"status"`
	Report     interface{} `json:"report,omitempty"`
	Error      string      `json:"error,omitempty"`
	StartedAt  time.Time   `json:"startedAt"`
	FinishedAt *time.Time  `json:"finishedAt,omitempty"`
}

// Runner tracks background jobs in memory. Jobs outlive the HTTP request
// that started them; a caller abandoning the request does not cancel the
// job.
type Runner struct {
	mu      sync.RWMutex
	jobs    map[uuid.UUID]*Job
	timeout time.Duration
}

func NewRunner(timeout time.Duration) *Runner {
	if timeout <= 0 {
		timeout = 5 * time.Minute
	}
	return &Runner{
		jobs:    map[uuid.UUID]*Job{},
		timeout: timeout,
	}
}

// Start launches fn in a goroutine and returns the job id. fn's returned
// report (or error) becomes the polled result.
func (r *Runner) Start(kind string, fn func(ctx context.Context) (interface{}, error)) uuid.UUID {
	job := &Job{
		ID:        uuid.New(),
		Kind:      kind,
		Status:    StatusRunning,
		StartedAt: time.Now().UTC(),
	}
	r.mu.Lock()
	r.jobs[job.ID] = job
	r.mu.Unlock()

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
		defer cancel()

		report, err := fn(ctx)
		now := time.Now().UTC()

		r.mu.Lock()
		defer r.mu.Unlock()
		job.FinishedAt = &now
		if err != nil {
			job.Status = StatusFailed
			job.Error = err.Error()
			log.Printf("[jobs] %s %s failed: %v", kind, job.ID, err)
			// Keep any partial report; per-test work already committed stays
			// committed.
			job.Report = report
			return
		}
		job.Status = StatusCompleted
		job.Report = report
	}()

	return job.ID
}

// Get returns a copy of the job state.
func (r *Runner) Get(id uuid.UUID) (Job, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	job, ok := r.jobs[id]
	if !ok {
		return Job{}, false
	}
	return *job, true
}
