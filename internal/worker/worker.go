// Package worker executes one task inside the disposable child process: fit, predict over
// the test segment, compute signal statistics and persist the record.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"runtime/debug"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/touhoufan2024/qlibAssistant/internal/signal"
	"github.com/touhoufan2024/qlibAssistant/internal/store"
	"github.com/touhoufan2024/qlibAssistant/internal/task"
	"github.com/touhoufan2024/qlibAssistant/internal/trainer"
)

// Worker persists one record per Execute call. With Key set, a missing experiment is
// created before the first recorder and removed again if that record fails.
type Worker struct {
	Store   *store.Store
	Trainer trainer.Trainer
	Labels  trainer.LabelSource
	Key     *store.ExperimentKey
}

// Result is the single JSON line a worker process prints on stdout
type Result struct {
	RecorderID string        `json:"recorder_id"`
	Experiment string        `json:"experiment"`
	Duration   time.Duration `json:"duration_ns"`
	Labeled    bool          `json:"labeled"`
	Error      string        `json:"error,omitempty"`
}

// WriteTo emits the result line
func (r Result) WriteTo(w io.Writer) (int64, error) {
	data, err := json.Marshal(r)
	if err != nil {
		return 0, err
	}
	n, err := w.Write(append(data, '\n'))
	return int64(n), err
}

// Execute runs spec to completion. Any error or panic is returned; the recorder is then
// left without its required artifacts and never counts as done.
func (w *Worker) Execute(ctx context.Context, spec task.TaskSpec, experiment string) (res Result, err error) {
	start := time.Now()
	res.Experiment = experiment
	created := false

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("worker panic: %v\n%s", r, debug.Stack())
		}
		res.Duration = time.Since(start)
		if err != nil {
			res.Error = err.Error()
			if created {
				w.discard(experiment)
			}
		}
	}()

	if err := spec.Validate(); err != nil {
		return res, err
	}
	if task.IsPlaceholder(spec.Dataset.Handler.FitStartTime) || task.IsPlaceholder(spec.Dataset.Handler.FitEndTime) {
		return res, fmt.Errorf("%w: fit boundaries are not normalized", task.ErrInvalidSpec)
	}

	if created, err = w.ensureExperiment(experiment); err != nil {
		return res, err
	}
	rw, err := w.Store.NewRecorder(experiment)
	if err != nil {
		return res, err
	}
	res.RecorderID = rw.ID()
	logger := log.With().Str("recorder", rw.ID()).Str("task", spec.Label()).Logger()

	runErr := w.run(ctx, rw, spec, &res)
	if ferr := rw.Finish(runErr); ferr != nil {
		// meta.json is informational; the required artifacts decide validity
		logger.Warn().Err(ferr).Msg("Failed to write recorder meta")
	}
	if runErr != nil {
		logger.Error().Err(runErr).Msg("Task failed")
		return res, runErr
	}

	logger.Info().Dur("duration", time.Since(start)).Bool("labeled", res.Labeled).Msg("Record persisted")
	return res, nil
}

// ensureExperiment reports whether it had to create the experiment
func (w *Worker) ensureExperiment(experiment string) (bool, error) {
	_, err := w.Store.Experiment(experiment)
	if err == nil {
		return false, nil
	}
	if !errors.Is(err, store.ErrNotFound) || w.Key == nil {
		return false, err
	}
	if _, err := w.Store.CreateExperiment(experiment, *w.Key); err != nil {
		return false, err
	}
	log.Info().Str("experiment", experiment).Msg("Experiment created")
	return true, nil
}

// discard removes an experiment created by a failed first record
func (w *Worker) discard(experiment string) {
	if err := w.Store.RemoveExperiment(experiment); err != nil {
		log.Warn().Err(err).Str("experiment", experiment).Msg("Failed to remove empty experiment")
		return
	}
	log.Info().Str("experiment", experiment).Msg("Removed experiment without records")
}

func (w *Worker) run(ctx context.Context, rw *store.RecordWriter, spec task.TaskSpec, res *Result) error {
	if err := rw.WriteTask(spec); err != nil {
		return fmt.Errorf("failed to write task: %w", err)
	}

	model, err := w.Trainer.Fit(ctx, spec)
	if err != nil {
		return fmt.Errorf("fit failed: %w", err)
	}
	if c, ok := model.(interface{ Cleanup() error }); ok {
		defer c.Cleanup()
	}

	test := spec.Dataset.Segments.Test
	preds, err := model.Predict(ctx, test)
	if err != nil {
		return fmt.Errorf("predict failed: %w", err)
	}
	if len(preds) == 0 {
		return fmt.Errorf("model produced no predictions for %s", test)
	}
	if err := rw.WritePredictions(preds); err != nil {
		return fmt.Errorf("failed to write predictions: %w", err)
	}

	labels := w.labels(ctx, model, test)
	if len(labels) > 0 {
		if err := rw.WriteLabels(labels); err != nil {
			return fmt.Errorf("failed to write labels: %w", err)
		}
		res.Labeled = true
	}

	if err := ctx.Err(); err != nil {
		return err
	}
	report := signal.Analyze(preds, labels)
	if err := rw.WriteStats(report); err != nil {
		return fmt.Errorf("failed to write stats: %w", err)
	}
	return nil
}

// labels prefers labels produced by the model itself, then the configured source
func (w *Worker) labels(ctx context.Context, model trainer.Model, test task.Segment) []signal.Observation {
	sources := make([]trainer.LabelSource, 0, 2)
	if ls, ok := model.(trainer.LabelSource); ok {
		sources = append(sources, ls)
	}
	if w.Labels != nil {
		sources = append(sources, w.Labels)
	}

	for _, src := range sources {
		obs, err := src.Labels(ctx, test)
		if err == nil && len(obs) > 0 {
			return obs
		}
		if err != nil && !errors.Is(err, trainer.ErrNoLabels) {
			log.Warn().Err(err).Str("segment", test.String()).Msg("Label source failed")
		}
	}
	log.Warn().Str("segment", test.String()).Msg("No labels for test segment, statistics left undefined")
	return nil
}
