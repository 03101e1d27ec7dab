package scheduler

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/touhoufan2024/qlibAssistant/internal/runner"
	"github.com/touhoufan2024/qlibAssistant/internal/signal"
	"github.com/touhoufan2024/qlibAssistant/internal/store"
	"github.com/touhoufan2024/qlibAssistant/internal/task"
	"github.com/touhoufan2024/qlibAssistant/internal/trainer"
	"github.com/touhoufan2024/qlibAssistant/internal/window"
	"github.com/touhoufan2024/qlibAssistant/internal/worker"
)

// inProcessRunner executes tasks with a worker in the test process
type inProcessRunner struct {
	worker *worker.Worker
	fail   map[string]bool
	calls  []string
}

func (r *inProcessRunner) Run(ctx context.Context, spec task.TaskSpec, experiment string) runner.Outcome {
	train := spec.Dataset.Segments.Train.Key()
	r.calls = append(r.calls, train)
	if r.fail[train] {
		return runner.Outcome{ExitCode: 1, Err: errors.New("exit status 1")}
	}
	res, err := r.worker.Execute(ctx, spec, experiment)
	if err != nil {
		return runner.Outcome{ExitCode: 1, Err: err, RecorderID: res.RecorderID}
	}
	return runner.Outcome{Success: true, RecorderID: res.RecorderID}
}

type countingObserver struct {
	results map[string]int
	running []bool
}

func (o *countingObserver) TaskFinished(result string, d time.Duration) {
	if o.results == nil {
		o.results = make(map[string]int)
	}
	o.results[result]++
}

func (o *countingObserver) SetSchedulerRunning(running bool) {
	o.running = append(o.running, running)
}

func plan(t *testing.T, boundary string) Plan {
	t.Helper()
	base, err := task.Build("LightGBM", task.DatasetAlpha158, "csi300", task.Segments{
		Train: task.MustSegment("2020-01-01", "2020-12-31"),
		Valid: task.MustSegment("2021-01-01", "2021-02-28"),
		Test:  task.MustSegment("2021-03-01", "2021-04-30"),
	})
	require.NoError(t, err)
	return Plan{
		Base:     base,
		Policy:   window.Policy{StepDays: 60, Mode: window.Sliding},
		Boundary: task.MustDate(boundary),
		Key:      testKey,
	}
}

var testKey = store.ExperimentKey{Model: "LightGBM", Dataset: "Alpha158", Universe: "csi300", Mode: "sliding", Step: 60}

func scores() []signal.Observation {
	var out []signal.Observation
	for d := task.MustDate("2021-03-01"); d.Before(task.MustDate("2021-12-31")); d = d.AddDate(0, 0, 7) {
		for i, inst := range []string{"SH600000", "SZ000001", "SZ000002"} {
			out = append(out, signal.Observation{Date: d, Instrument: inst, Value: float64(i) + 0.1})
		}
	}
	return out
}

func newRunner(s *store.Store) *inProcessRunner {
	return &inProcessRunner{
		worker: &worker.Worker{Store: s, Trainer: &trainer.Static{Scores: scores(), Truth: scores()}, Key: &testKey},
		fail:   map[string]bool{},
	}
}

func TestRunIsResumable(t *testing.T) {
	s, err := store.Open(t.TempDir())
	require.NoError(t, err)
	r := newRunner(s)
	clock := func() time.Time { return time.Date(2024, 6, 1, 9, 0, 0, 0, time.UTC) }
	obs := &countingObserver{}

	first, err := New(plan(t, "2021-06-30"), s, r, WithClock(clock), WithObserver(obs)).Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, first.Total)
	assert.Equal(t, 2, first.Succeeded)
	assert.Equal(t, 0, first.Skipped)
	assert.Len(t, r.calls, 2)
	assert.Equal(t, []bool{true, false}, obs.running)

	second, err := New(plan(t, "2021-06-30"), s, r, WithClock(func() time.Time { return clock().Add(48 * time.Hour) })).Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, first.Experiment, second.Experiment)
	assert.Equal(t, 2, second.Skipped)
	assert.Equal(t, 0, second.Attempted())
	assert.Len(t, r.calls, 2)

	experiments, err := s.ListExperiments()
	require.NoError(t, err)
	assert.Len(t, experiments, 1)
}

func TestRunExtendsWithLaterBoundary(t *testing.T) {
	s, err := store.Open(t.TempDir())
	require.NoError(t, err)
	r := newRunner(s)

	_, err = New(plan(t, "2021-06-30"), s, r).Run(context.Background())
	require.NoError(t, err)

	summary, err := New(plan(t, "2021-10-31"), s, r).Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, summary.Skipped)
	assert.Equal(t, summary.Total-2, summary.Succeeded)
}

func TestRunContinuesAfterFailure(t *testing.T) {
	s, err := store.Open(t.TempDir())
	require.NoError(t, err)
	r := newRunner(s)
	r.fail["2020-01-01~2020-12-31"] = true
	obs := &countingObserver{}

	summary, err := New(plan(t, "2021-06-30"), s, r, WithObserver(obs)).Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Failed)
	assert.Equal(t, 1, summary.Succeeded)
	assert.Equal(t, "failed", summary.Results[0].Result)
	assert.NotEmpty(t, summary.Results[0].Error)
	assert.Equal(t, 1, obs.results["failed"])

	delete(r.fail, "2020-01-01~2020-12-31")
	retry, err := New(plan(t, "2021-06-30"), s, r).Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, retry.Skipped)
	assert.Equal(t, 1, retry.Succeeded)
}

func TestRunWithoutSuccessLeavesNoExperiment(t *testing.T) {
	tests := []struct {
		name  string
		setup func(t *testing.T, r *inProcessRunner)
	}{
		{"runner failures", func(t *testing.T, r *inProcessRunner) {
			tasks, err := New(plan(t, "2021-06-30"), nil, nil).Generate()
			require.NoError(t, err)
			for _, spec := range tasks {
				r.fail[spec.Dataset.Segments.Train.Key()] = true
			}
		}},
		{"fit failures", func(t *testing.T, r *inProcessRunner) {
			r.worker.Trainer = &trainer.Static{FitErr: errors.New("boom")}
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, err := store.Open(t.TempDir())
			require.NoError(t, err)
			r := newRunner(s)
			tt.setup(t, r)

			summary, err := New(plan(t, "2021-06-30"), s, r).Run(context.Background())
			require.NoError(t, err)
			assert.Equal(t, 0, summary.Succeeded)
			assert.Equal(t, 2, summary.Failed)
			assert.Len(t, r.calls, 2)

			experiments, err := s.ListExperiments()
			require.NoError(t, err)
			assert.Empty(t, experiments)
		})
	}
}

func TestRunCreatesExperimentWithKey(t *testing.T) {
	s, err := store.Open(t.TempDir())
	require.NoError(t, err)
	r := newRunner(s)
	r.fail["2020-01-01~2020-12-31"] = true

	summary, err := New(plan(t, "2021-06-30"), s, r).Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Succeeded)

	info, err := s.Experiment(summary.Experiment)
	require.NoError(t, err)
	require.True(t, info.HasKey())
	assert.Equal(t, testKey, *info.Key)
}

type timeoutRunner struct{}

func (timeoutRunner) Run(ctx context.Context, spec task.TaskSpec, experiment string) runner.Outcome {
	return runner.Outcome{TimedOut: true, ExitCode: -1, Err: errors.New("worker exceeded timeout")}
}

func TestRunCountsTimeouts(t *testing.T) {
	s, err := store.Open(t.TempDir())
	require.NoError(t, err)
	summary, err := New(plan(t, "2021-06-30"), s, timeoutRunner{}).Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, summary.TimedOut)
	assert.Equal(t, "timed_out", summary.Results[1].Result)
}

func TestRunStopsOnCancel(t *testing.T) {
	s, err := store.Open(t.TempDir())
	require.NoError(t, err)
	r := newRunner(s)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	sched := New(plan(t, "2021-06-30"), s, r)
	summary, err := sched.Run(ctx)
	require.NoError(t, err)
	assert.Empty(t, r.calls)
	assert.Equal(t, 0, summary.Attempted())
	assert.Equal(t, StateDone, sched.Status().State)
}

func TestRunRejectsInvalidPlan(t *testing.T) {
	s, err := store.Open(t.TempDir())
	require.NoError(t, err)

	p := plan(t, "2021-06-30")
	p.Policy.StepDays = 0
	_, err = New(p, s, newRunner(s)).Run(context.Background())
	assert.ErrorIs(t, err, window.ErrInvalidPolicy)

	p = plan(t, "2021-06-30")
	p.Base.Dataset.Segments.Valid = task.MustSegment("2020-06-01", "2020-07-01")
	_, err = New(p, s, newRunner(s)).Run(context.Background())
	assert.ErrorIs(t, err, task.ErrInvalidSpec)
}

func TestGenerateScenario(t *testing.T) {
	s, err := store.Open(t.TempDir())
	require.NoError(t, err)
	tasks, err := New(plan(t, "2021-06-30"), s, nil).Generate()
	require.NoError(t, err)
	require.Len(t, tasks, 2)
	assert.Equal(t, "2021-06-30", task.FormatDate(tasks[1].Dataset.Segments.Test.End))
}
