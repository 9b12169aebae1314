package jobs

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"sync"
	"time"

	"hvac-telemetry/internal/observability/metrics"
)

// ErrUnknownJob is returned when triggering an unregistered job.
var ErrUnknownJob = errors.New("jobs: unknown job")

// ErrJobRunning is returned when a job is triggered while it runs.
var ErrJobRunning = errors.New("jobs: job already running")

// RunFunc executes one job pass at now. The returned value is reported as the
// job's last result.
type RunFunc func(ctx context.Context, now time.Time) (any, error)

// Job is a periodic background task.
type Job struct {
	Name     string
	Interval time.Duration
	// RunOnStart runs the job once immediately when the scheduler starts.
	RunOnStart bool
	Run        RunFunc
}

// Status is the last known state of a job.
type Status struct {
	Name       string        `json:"name"`
	Interval   string        `json:"interval"`
	Running    bool          `json:"running"`
	LastStart  time.Time     `json:"last_start,omitempty"`
	LastFinish time.Time     `json:"last_finish,omitempty"`
	Duration   time.Duration `json:"duration_ns"`
	LastError  string        `json:"last_error,omitempty"`
	LastResult any           `json:"last_result,omitempty"`
	Runs       int64         `json:"runs"`
	Failures   int64         `json:"failures"`
}

// Clock provides time.
type Clock interface {
	Now() time.Time
}

type jobState struct {
	job    Job
	mu     sync.Mutex
	status Status
}

// Scheduler runs registered jobs on independent tickers. A job never
// overlaps with itself; a failed pass is retried on the next tick.
type Scheduler struct {
	mu     sync.RWMutex
	jobs   map[string]*jobState
	base   context.Context
	clock  Clock
	logger *log.Logger
	wg     sync.WaitGroup
}

// Option configures the scheduler.
type Option func(*Scheduler)

// WithClock overrides the default clock.
func WithClock(clock Clock) Option {
	return func(s *Scheduler) {
		if clock != nil {
			s.clock = clock
		}
	}
}

// WithLogger overrides the default logger.
func WithLogger(logger *log.Logger) Option {
	return func(s *Scheduler) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// NewScheduler constructs a Scheduler.
func NewScheduler(opts ...Option) *Scheduler {
	s := &Scheduler{
		jobs:   make(map[string]*jobState),
		base:   context.Background(),
		clock:  systemClock{},
		logger: log.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Register adds a job. Names must be unique.
func (s *Scheduler) Register(job Job) error {
	if job.Name == "" {
		return errors.New("jobs: empty job name")
	}
	if job.Run == nil {
		return fmt.Errorf("jobs: %s: nil run func", job.Name)
	}
	if job.Interval <= 0 {
		return fmt.Errorf("jobs: %s: interval must be positive", job.Name)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.jobs[job.Name]; exists {
		return fmt.Errorf("jobs: %s already registered", job.Name)
	}
	s.jobs[job.Name] = &jobState{
		job:    job,
		status: Status{Name: job.Name, Interval: job.Interval.String()},
	}
	return nil
}

// Start launches one loop per job. It returns immediately; loops stop when
// ctx is cancelled. Wait blocks until they have exited.
func (s *Scheduler) Start(ctx context.Context) {
	if s == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.base = ctx
	for _, state := range s.jobs {
		s.wg.Add(1)
		go s.loop(ctx, state)
	}
}

// Wait blocks until all job loops have stopped.
func (s *Scheduler) Wait() {
	s.wg.Wait()
}

// Trigger runs a job now, outside its schedule, and waits for it.
func (s *Scheduler) Trigger(ctx context.Context, name string) (Status, error) {
	state, err := s.lookup(name)
	if err != nil {
		return Status{}, err
	}
	if err := s.runOnce(ctx, state, s.clock.Now().UTC()); err != nil && errors.Is(err, ErrJobRunning) {
		return state.snapshot(), err
	}
	return state.snapshot(), nil
}

// Launch starts a job pass in the background and returns its status at
// start. The pass runs on the context given to Start, so it outlives the
// caller's request.
func (s *Scheduler) Launch(name string) (Status, error) {
	state, err := s.lookup(name)
	if err != nil {
		return Status{}, err
	}
	now := s.clock.Now().UTC()
	if err := s.begin(state, now); err != nil {
		return state.snapshot(), err
	}
	s.mu.RLock()
	ctx := s.base
	s.mu.RUnlock()

	snapshot := state.snapshot()
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		_ = s.execute(ctx, state, now)
	}()
	return snapshot, nil
}

func (s *Scheduler) lookup(name string) (*jobState, error) {
	s.mu.RLock()
	state, ok := s.jobs[name]
	s.mu.RUnlock()
	if !ok {
		return nil, ErrUnknownJob
	}
	return state, nil
}

// Statuses returns every job's status ordered by name.
func (s *Scheduler) Statuses() []Status {
	s.mu.RLock()
	result := make([]Status, 0, len(s.jobs))
	for _, state := range s.jobs {
		result = append(result, state.snapshot())
	}
	s.mu.RUnlock()
	sort.Slice(result, func(i, j int) bool { return result[i].Name < result[j].Name })
	return result
}

func (s *Scheduler) loop(ctx context.Context, state *jobState) {
	defer s.wg.Done()
	if state.job.RunOnStart {
		_ = s.runOnce(ctx, state, s.clock.Now().UTC())
	}
	ticker := time.NewTicker(state.job.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			_ = s.runOnce(ctx, state, s.clock.Now().UTC())
		}
	}
}

func (s *Scheduler) runOnce(ctx context.Context, state *jobState, now time.Time) error {
	if err := s.begin(state, now); err != nil {
		return err
	}
	return s.execute(ctx, state, now)
}

// begin marks the job running, or reports that a pass is already in flight.
func (s *Scheduler) begin(state *jobState, now time.Time) error {
	state.mu.Lock()
	defer state.mu.Unlock()
	if state.status.Running {
		return ErrJobRunning
	}
	state.status.Running = true
	state.status.LastStart = now
	return nil
}

func (s *Scheduler) execute(ctx context.Context, state *jobState, now time.Time) error {
	started := time.Now()
	result, err := safeRun(ctx, state.job.Run, now)
	elapsed := time.Since(started)

	state.mu.Lock()
	state.status.Running = false
	state.status.LastFinish = s.clock.Now().UTC()
	state.status.Duration = elapsed
	state.status.Runs++
	state.status.LastResult = result
	if err != nil {
		state.status.Failures++
		state.status.LastError = err.Error()
	} else {
		state.status.LastError = ""
	}
	state.mu.Unlock()

	if err != nil {
		metrics.IncJobRun(state.job.Name, metrics.ResultError)
		s.logger.Printf("event=job_failed job=%s duration=%s err=%v", state.job.Name, elapsed, err)
		return err
	}
	metrics.IncJobRun(state.job.Name, metrics.ResultSuccess)
	s.logger.Printf("event=job_done job=%s duration=%s", state.job.Name, elapsed)
	return nil
}

func safeRun(ctx context.Context, fn RunFunc, now time.Time) (result any, err error) {
	defer func() {
		if recovered := recover(); recovered != nil {
			err = fmt.Errorf("jobs: panic: %v", recovered)
		}
	}()
	return fn(ctx, now)
}

func (s *jobState) snapshot() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now().UTC() }
