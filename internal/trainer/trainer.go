// Package trainer is the boundary to the model-fitting collaborator. Fitting itself happens
// outside this repository; CommandTrainer drives it through an external command.
package trainer

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/touhoufan2024/qlibAssistant/internal/signal"
	"github.com/touhoufan2024/qlibAssistant/internal/task"
)

// Prediction is one model score for (date, instrument)
type Prediction = signal.Observation

// Trainer fits a model for a task
type Trainer interface {
	Fit(ctx context.Context, spec task.TaskSpec) (Model, error)
}

// Model is a fitted model
type Model interface {
	Class() string
	Predict(ctx context.Context, segment task.Segment) ([]Prediction, error)
}

// LabelSource provides realized labels for a segment
type LabelSource interface {
	Labels(ctx context.Context, segment task.Segment) ([]signal.Observation, error)
}

// ErrNoLabels is returned when no labels are available for a segment
var ErrNoLabels = errors.New("no labels available")

// FilterSegment keeps observations dated inside segment, sorted by date then instrument
func FilterSegment(obs []signal.Observation, segment task.Segment) []signal.Observation {
	out := make([]signal.Observation, 0, len(obs))
	for _, o := range obs {
		if segment.Contains(o.Date) {
			out = append(out, o)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if !out[i].Date.Equal(out[j].Date) {
			return out[i].Date.Before(out[j].Date)
		}
		return out[i].Instrument < out[j].Instrument
	})
	return out
}

// Static is an in-memory model and label source
type Static struct {
	ModelClass string
	Scores     []Prediction
	Truth      []signal.Observation
	FitErr     error
}

// Fit returns the receiver or FitErr
func (s *Static) Fit(ctx context.Context, spec task.TaskSpec) (Model, error) {
	if s.FitErr != nil {
		return nil, s.FitErr
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s.ModelClass == "" {
		s.ModelClass = spec.Model.Class
	}
	return s, nil
}

func (s *Static) Class() string { return s.ModelClass }

func (s *Static) Predict(ctx context.Context, segment task.Segment) ([]Prediction, error) {
	return FilterSegment(s.Scores, segment), nil
}

func (s *Static) Labels(ctx context.Context, segment task.Segment) ([]signal.Observation, error) {
	if len(s.Truth) == 0 {
		return nil, fmt.Errorf("%s: %w", segment, ErrNoLabels)
	}
	return FilterSegment(s.Truth, segment), nil
}
