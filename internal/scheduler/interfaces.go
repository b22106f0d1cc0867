package scheduler

import (
	"context"
	"time"
)

// Job represents a scheduled task
type Job interface {
	ID() string
	Name() string
	Run(ctx context.Context) error
	Schedule() string // "@every <duration>", "@minutely", "@hourly" or "@daily"
	LastRun() time.Time
	NextRun() time.Time
	Runs() int64
}

// JobFunc is a function that can be scheduled
type JobFunc func(ctx context.Context) error

func (jf JobFunc) Run(ctx context.Context) error {
	return jf(ctx)
}

// Scheduler defines the interface for scheduling jobs
type Scheduler interface {
	// Schedule a function to run at the given interval
	ScheduleFunc(name string, schedule string, job JobFunc, opts ...JobOption) (string, error)

	// Start the scheduler; jobs stop when ctx is cancelled or Stop is called
	Start(ctx context.Context) error

	// Stop the scheduler and wait for running jobs to return
	Stop() error

	// Get all scheduled jobs
	Jobs() []Job

	// Remove a job by ID
	Remove(jobID string) error

	// Check if scheduler is running
	IsRunning() bool
}
