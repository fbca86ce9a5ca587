package scheduler

import (
	"context"
	"fmt"
	"time"
)

// JobState is the lifecycle state of one job.
type JobState string

const (
	JobStatePending   JobState = "pending"
	JobStateRunning   JobState = "running"
	JobStateCompleted JobState = "completed"
	JobStateFailed    JobState = "failed"
	JobStateCanceled  JobState = "canceled"
)

// Job is one schedulable unit of work. Jobs are created by AddJob and
// consumed by exactly one queue at a time.
type Job struct {
	ID      string
	Task    string
	Payload any
	// QueueName serializes jobs: at most one job per queue runs at a time.
	QueueName string
	// JobKey deduplicates: while a job with this key is pending, AddJob
	// calls carrying the same key return its id instead of creating a new
	// job.
	JobKey      string
	MaxAttempts int
	// RunAt, when in the future, holds the job on a timer before it enters
	// its queue.
	RunAt   time.Time
	Attempt int
	State   JobState

	canceled bool
}

// Options configures AddJob.
type Options struct {
	QueueName   string
	JobKey      string
	MaxAttempts int
	RunAt       time.Time
}

func (o Options) validate() error {
	if o.QueueName == "" {
		return fmt.Errorf("scheduler: queue name is required")
	}
	if o.MaxAttempts < 0 {
		return fmt.Errorf("scheduler: max attempts must be non-negative, got %d", o.MaxAttempts)
	}
	return nil
}

// TaskFunc is a registered task body. A returned error triggers the retry
// policy up to the job's MaxAttempts.
type TaskFunc func(ctx context.Context, job Job) error
