// Package scheduler drives one rolling-training pass: generate the windows, drop the ones
// the experiment already holds a valid record for, then run the rest one at a time in
// isolated worker processes.
package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/touhoufan2024/qlibAssistant/internal/ledger"
	"github.com/touhoufan2024/qlibAssistant/internal/metrics"
	"github.com/touhoufan2024/qlibAssistant/internal/progress"
	"github.com/touhoufan2024/qlibAssistant/internal/runner"
	"github.com/touhoufan2024/qlibAssistant/internal/store"
	"github.com/touhoufan2024/qlibAssistant/internal/task"
	"github.com/touhoufan2024/qlibAssistant/internal/window"
)

// State of a pass
type State string

const (
	StateIdle       State = "IDLE"
	StateGenerating State = "GENERATING"
	StateFiltering  State = "FILTERING"
	StateRunning    State = "RUNNING"
	StateDone       State = "DONE"
)

// Plan is everything a pass needs to know about the experiment
type Plan struct {
	Base     task.TaskSpec
	Policy   window.Policy
	Boundary time.Time
	Key      store.ExperimentKey
}

// Validate reports plan errors; they are fatal before any work starts
func (p Plan) Validate() error {
	if err := p.Base.Validate(); err != nil {
		return err
	}
	if err := p.Policy.Validate(); err != nil {
		return err
	}
	if p.Boundary.IsZero() {
		return fmt.Errorf("%w: boundary is required", window.ErrInvalidPolicy)
	}
	if p.Key.Model == "" {
		return fmt.Errorf("experiment key needs a model")
	}
	return nil
}

// TaskRunner executes one task to completion
type TaskRunner interface {
	Run(ctx context.Context, spec task.TaskSpec, experiment string) runner.Outcome
}

// Observer receives per-task outcomes, typically a metrics registry
type Observer interface {
	TaskFinished(result string, d time.Duration)
	SetSchedulerRunning(running bool)
}

// TaskResult is the outcome of one generated task
type TaskResult struct {
	Index   int            `json:"index"`
	Train   task.Segment   `json:"train"`
	Test    task.Segment   `json:"test"`
	Skipped bool           `json:"skipped"`
	Outcome runner.Outcome `json:"-"`
	Result  string         `json:"result"`
	Error   string         `json:"error,omitempty"`
}

// Summary reports a whole pass
type Summary struct {
	Experiment string        `json:"experiment"`
	Total      int           `json:"total"`
	Skipped    int           `json:"skipped"`
	Succeeded  int           `json:"succeeded"`
	Failed     int           `json:"failed"`
	TimedOut   int           `json:"timed_out"`
	Results    []TaskResult  `json:"results"`
	StartTime  time.Time     `json:"start_time"`
	EndTime    time.Time     `json:"end_time"`
	Duration   time.Duration `json:"duration"`
}

// Attempted is the number of tasks actually executed
func (s *Summary) Attempted() int {
	return s.Succeeded + s.Failed + s.TimedOut
}

// Status is a point-in-time view of the scheduler
type Status struct {
	State      State     `json:"state"`
	Experiment string    `json:"experiment,omitempty"`
	Index      int       `json:"index"`
	Total      int       `json:"total"`
	LastRun    time.Time `json:"last_run,omitempty"`
	LastFailed int       `json:"last_failed"`
}

// Scheduler runs passes of one plan
type Scheduler struct {
	plan     Plan
	store    *store.Store
	runner   TaskRunner
	observer Observer
	now      func() time.Time

	mu     sync.RWMutex
	status Status
}

// Option configures a Scheduler
type Option func(*Scheduler)

// WithObserver attaches an outcome observer
func WithObserver(o Observer) Option {
	return func(s *Scheduler) { s.observer = o }
}

// WithClock overrides the time source used for experiment naming
func WithClock(now func() time.Time) Option {
	return func(s *Scheduler) { s.now = now }
}

// New creates a scheduler
func New(plan Plan, st *store.Store, r TaskRunner, opts ...Option) *Scheduler {
	s := &Scheduler{
		plan:   plan,
		store:  st,
		runner: r,
		now:    time.Now,
		status: Status{State: StateIdle},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Status returns the current state
func (s *Scheduler) Status() Status {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.status
}

func (s *Scheduler) setState(state State) {
	s.mu.Lock()
	s.status.State = state
	s.mu.Unlock()
	log.Debug().Str("state", string(state)).Msg("Scheduler state")
}

// Generate returns the normalized windows of the plan without touching the store
func (s *Scheduler) Generate() ([]task.TaskSpec, error) {
	if err := s.plan.Validate(); err != nil {
		return nil, err
	}
	return window.Generate(s.plan.Base, s.plan.Policy, s.plan.Boundary)
}

// Run executes one pass. Only plan and store errors are returned; task failures are
// counted in the summary. Cancelling ctx stops the pass before the next task.
func (s *Scheduler) Run(ctx context.Context) (*Summary, error) {
	summary := &Summary{StartTime: s.now()}
	if s.observer != nil {
		s.observer.SetSchedulerRunning(true)
		defer s.observer.SetSchedulerRunning(false)
	}
	defer s.setState(StateDone)

	s.setState(StateGenerating)
	tasks, err := s.Generate()
	if err != nil {
		return nil, fmt.Errorf("invalid plan: %w", err)
	}
	summary.Total = len(tasks)

	s.setState(StateFiltering)
	name, existing, err := ledger.ResolveExperimentName(s.store, s.plan.Key, s.now())
	if err != nil {
		return nil, fmt.Errorf("failed to resolve experiment: %w", err)
	}
	summary.Experiment = name

	led, err := ledger.Open(s.store, name)
	if err != nil {
		return nil, fmt.Errorf("failed to read ledger: %w", err)
	}
	valid, rejected := led.Counts()
	log.Info().
		Str("experiment", name).
		Bool("existing", existing).
		Int("tasks", len(tasks)).
		Int("done_records", valid).
		Int("partial_records", rejected).
		Msg("Rolling pass planned")

	s.mu.Lock()
	s.status.Experiment = name
	s.status.Total = len(tasks)
	s.status.Index = 0
	s.mu.Unlock()

	s.setState(StateRunning)
	tracker := progress.New(name, len(tasks))
	for i, spec := range tasks {
		if err := ctx.Err(); err != nil {
			log.Warn().Err(err).Int("remaining", len(tasks)-i).Msg("Pass cancelled")
			break
		}

		s.mu.Lock()
		s.status.Index = i + 1
		s.mu.Unlock()

		segs := spec.Dataset.Segments
		result := TaskResult{Index: i, Train: segs.Train, Test: segs.Test}

		if led.IsDone(segs.Train) {
			result.Skipped = true
			result.Result = metrics.ResultSkipped
			summary.Skipped++
			s.observe(result.Result, 0)
			summary.Results = append(summary.Results, result)
			tracker.Step("Skipping completed task " + spec.Label())
			continue
		}

		tracker.Step("Running task " + spec.Label())
		out := s.runner.Run(ctx, spec, name)
		result.Outcome = out
		result.Result = out.String()

		switch {
		case out.Success:
			summary.Succeeded++
			log.Info().
				Str("task", spec.Label()).
				Str("recorder", out.RecorderID).
				Dur("duration", out.Duration).
				Msg("Task succeeded")
		case out.TimedOut:
			summary.TimedOut++
			result.Error = errString(out.Err)
			log.Error().
				Str("task", spec.Label()).
				Str("train", segs.Train.String()).
				Dur("duration", out.Duration).
				Msg("Task timed out")
		default:
			summary.Failed++
			result.Error = errString(out.Err)
			log.Error().
				Err(out.Err).
				Str("task", spec.Label()).
				Str("train", segs.Train.String()).
				Int("exit_code", out.ExitCode).
				Msg("Task failed")
		}
		s.observe(result.Result, out.Duration)
		summary.Results = append(summary.Results, result)
	}

	summary.EndTime = s.now()
	summary.Duration = summary.EndTime.Sub(summary.StartTime)
	tracker.Finish(fmt.Sprintf("Pass complete: %d skipped, %d succeeded, %d failed, %d timed out",
		summary.Skipped, summary.Succeeded, summary.Failed, summary.TimedOut))

	s.mu.Lock()
	s.status.LastRun = summary.EndTime
	s.status.LastFailed = summary.Failed + summary.TimedOut
	s.mu.Unlock()
	return summary, nil
}

func (s *Scheduler) observe(result string, d time.Duration) {
	if s.observer != nil {
		s.observer.TaskFinished(result, d)
	}
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
