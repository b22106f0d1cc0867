// Package scheduler runs interval jobs, each on its own ticker goroutine.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

var (
	ErrAlreadyRunning = errors.New("scheduler is already running")
	ErrNotRunning     = errors.New("scheduler is not running")
)

// JobOption tunes a single job.
type JobOption func(*InMemoryJob)

// RunOnStart makes the job fire once as soon as it starts instead of waiting
// a full interval.
func RunOnStart() JobOption {
	return func(j *InMemoryJob) { j.runOnStart = true }
}

// InMemoryJob represents a job with in-memory storage
type InMemoryJob struct {
	id         string
	name       string
	jobFunc    JobFunc
	schedule   string
	interval   time.Duration
	runOnStart bool

	mu      sync.RWMutex
	lastRun time.Time
	nextRun time.Time
	runs    atomic.Int64

	cancel context.CancelFunc
}

// NewInMemoryJob creates a new in-memory job. Unlike cron, a schedule that
// cannot be parsed is an error rather than a silent hourly fallback.
func NewInMemoryJob(name string, schedule string, jobFunc JobFunc, opts ...JobOption) (*InMemoryJob, error) {
	if jobFunc == nil {
		return nil, errors.New("job function is required")
	}
	interval, err := parseSchedule(schedule)
	if err != nil {
		return nil, fmt.Errorf("job %s: %w", name, err)
	}

	job := &InMemoryJob{
		id:       "job_" + uuid.NewString(),
		name:     name,
		jobFunc:  jobFunc,
		schedule: schedule,
		interval: interval,
	}
	for _, opt := range opts {
		opt(job)
	}
	job.nextRun = time.Now().Add(interval)

	return job, nil
}

// Run executes the job function and records the run
func (ij *InMemoryJob) Run(ctx context.Context) error {
	now := time.Now()
	ij.mu.Lock()
	ij.lastRun = now
	ij.nextRun = now.Add(ij.interval)
	ij.mu.Unlock()
	ij.runs.Add(1)

	return ij.jobFunc(ctx)
}

// parseSchedule parses the schedule string to determine interval
func parseSchedule(schedule string) (time.Duration, error) {
	switch {
	case strings.HasPrefix(schedule, "@every "):
		intervalStr := strings.TrimPrefix(schedule, "@every ")
		duration, err := time.ParseDuration(intervalStr)
		if err != nil {
			return 0, fmt.Errorf("invalid duration format: %v", err)
		}
		if duration <= 0 {
			return 0, fmt.Errorf("interval must be positive, got %s", duration)
		}
		return duration, nil
	case schedule == "@hourly":
		return time.Hour, nil
	case schedule == "@daily":
		return 24 * time.Hour, nil
	case schedule == "@minutely":
		return time.Minute, nil
	default:
		if len(strings.Fields(schedule)) == 5 {
			return 0, errors.New("cron expressions are not supported, use @every <duration>, @hourly, @daily, or @minutely")
		}
		return 0, errors.New("invalid schedule format")
	}
}

// Every renders an interval as a schedule string.
func Every(d time.Duration) string {
	return "@every " + d.String()
}

func (ij *InMemoryJob) ID() string { return ij.id }

func (ij *InMemoryJob) Name() string { return ij.name }

func (ij *InMemoryJob) Schedule() string { return ij.schedule }

// Interval returns the parsed schedule
func (ij *InMemoryJob) Interval() time.Duration { return ij.interval }

// LastRun returns the last run time
func (ij *InMemoryJob) LastRun() time.Time {
	ij.mu.RLock()
	defer ij.mu.RUnlock()
	return ij.lastRun
}

// NextRun returns the next run time
func (ij *InMemoryJob) NextRun() time.Time {
	ij.mu.RLock()
	defer ij.mu.RUnlock()
	return ij.nextRun
}

// Runs returns how many times the job has fired
func (ij *InMemoryJob) Runs() int64 {
	return ij.runs.Load()
}

// InMemoryScheduler implements the Scheduler interface with in-memory storage
type InMemoryScheduler struct {
	log *zap.Logger

	mu      sync.RWMutex
	jobs    map[string]*InMemoryJob
	running bool
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// NewInMemoryScheduler creates a new in-memory scheduler
func NewInMemoryScheduler(log *zap.Logger) *InMemoryScheduler {
	if log == nil {
		log = zap.NewNop()
	}
	return &InMemoryScheduler{
		log:  log,
		jobs: make(map[string]*InMemoryJob),
	}
}

// ScheduleFunc creates and schedules a function as a job. Jobs added while
// the scheduler runs start immediately.
func (s *InMemoryScheduler) ScheduleFunc(name string, schedule string, fn JobFunc, opts ...JobOption) (string, error) {
	job, err := NewInMemoryJob(name, schedule, fn, opts...)
	if err != nil {
		return "", err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.jobs[job.id] = job
	if s.running {
		s.startJob(job)
	}
	return job.id, nil
}

// Start launches one goroutine per job
func (s *InMemoryScheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return ErrAlreadyRunning
	}

	s.ctx, s.cancel = context.WithCancel(ctx)
	s.running = true
	for _, job := range s.jobs {
		s.startJob(job)
	}

	return nil
}

// startJob must be called with s.mu held.
func (s *InMemoryScheduler) startJob(job *InMemoryJob) {
	jobCtx, cancel := context.WithCancel(s.ctx)
	job.cancel = cancel

	s.wg.Add(1)
	go s.loop(jobCtx, job)
}

func (s *InMemoryScheduler) loop(ctx context.Context, job *InMemoryJob) {
	defer s.wg.Done()

	ticker := time.NewTicker(job.interval)
	defer ticker.Stop()

	if job.runOnStart {
		s.execute(ctx, job)
	}

	for {
		select {
		case <-ticker.C:
			s.execute(ctx, job)
		case <-ctx.Done():
			return
		}
	}
}

// execute runs one iteration; errors and panics are logged and the loop keeps going.
func (s *InMemoryScheduler) execute(ctx context.Context, job *InMemoryJob) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("Job panicked", zap.String("job", job.name), zap.Any("panic", r))
		}
	}()

	start := time.Now()
	if err := job.Run(ctx); err != nil {
		if ctx.Err() != nil {
			return
		}
		s.log.Warn("Error running job",
			zap.String("job", job.name),
			zap.Duration("duration", time.Since(start)),
			zap.Error(err))
		return
	}
	s.log.Debug("Job finished", zap.String("job", job.name), zap.Duration("duration", time.Since(start)))
}

// Stop cancels every job and waits for in-flight runs to return
func (s *InMemoryScheduler) Stop() error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return ErrNotRunning
	}
	s.cancel()
	s.running = false
	s.mu.Unlock()

	s.wg.Wait()
	return nil
}

// Jobs returns all scheduled jobs
func (s *InMemoryScheduler) Jobs() []Job {
	s.mu.RLock()
	defer s.mu.RUnlock()

	jobs := make([]Job, 0, len(s.jobs))
	for _, job := range s.jobs {
		jobs = append(jobs, job)
	}

	return jobs
}

// Remove removes a job by ID, stopping it if it is running
func (s *InMemoryScheduler) Remove(jobID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, exists := s.jobs[jobID]
	if !exists {
		return fmt.Errorf("job with ID %s does not exist", jobID)
	}
	if job.cancel != nil {
		job.cancel()
	}

	delete(s.jobs, jobID)
	return nil
}

// IsRunning returns whether the scheduler is running
func (s *InMemoryScheduler) IsRunning() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.running
}
