// Package task describes one unit of rolling training: which model to fit, on which
// dataset and universe, over which train/valid/test segments, and what to record.
package task

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// ErrInvalidSpec marks a task spec that breaks a structural invariant
var ErrInvalidSpec = errors.New("invalid task spec")

// TaskSpec is an immutable description of one training unit
type TaskSpec struct {
	Model   ModelConfig   `json:"model" yaml:"model"`
	Dataset DatasetConfig `json:"dataset" yaml:"dataset"`
	Record  RecordConfig  `json:"record" yaml:"record"`
}

// ModelConfig identifies the fitting algorithm and its hyperparameters
type ModelConfig struct {
	Class      string                 `json:"class" yaml:"class"`
	ModulePath string                 `json:"module_path,omitempty" yaml:"module_path,omitempty"`
	Params     map[string]interface{} `json:"kwargs,omitempty" yaml:"kwargs,omitempty"`
}

// DatasetConfig identifies the feature set, universe and time segments
type DatasetConfig struct {
	Class    string        `json:"class" yaml:"class"`
	Handler  HandlerConfig `json:"handler" yaml:"handler"`
	Segments Segments      `json:"segments" yaml:"segments"`
}

// HandlerConfig is the feature handler section. FitStartTime and FitEndTime may hold a
// placeholder such as "<dataset.kwargs.segments.train.0>" in templates; generated tasks
// always carry concrete dates there.
type HandlerConfig struct {
	Class        string `json:"class" yaml:"class"`
	ModulePath   string `json:"module_path,omitempty" yaml:"module_path,omitempty"`
	Instruments  string `json:"instruments" yaml:"instruments"`
	StartTime    string `json:"start_time" yaml:"start_time"`
	EndTime      string `json:"end_time" yaml:"end_time"`
	FitStartTime string `json:"fit_start_time" yaml:"fit_start_time"`
	FitEndTime   string `json:"fit_end_time" yaml:"fit_end_time"`
}

// Segments holds the three disjoint time spans of a task
type Segments struct {
	Train Segment `json:"train" yaml:"train"`
	Valid Segment `json:"valid" yaml:"valid"`
	Test  Segment `json:"test" yaml:"test"`
}

// RecordConfig is the record-production directive executed after fitting
type RecordConfig struct {
	Signal       bool `json:"signal" yaml:"signal"`
	SigAnalysis  bool `json:"sig_analysis" yaml:"sig_analysis"`
	PortAnalysis bool `json:"port_analysis" yaml:"port_analysis"`
}

// IsPlaceholder reports whether a fit boundary is symbolic rather than a concrete date
func IsPlaceholder(v string) bool {
	v = strings.TrimSpace(v)
	return v == "" || (strings.HasPrefix(v, "<") && strings.HasSuffix(v, ">"))
}

// Validate checks required fields and segment ordering:
// train.start < train.end <= valid.start < valid.end <= test.start < test.end
func (t TaskSpec) Validate() error {
	var problems []string

	if t.Model.Class == "" {
		problems = append(problems, "model class is required")
	}
	if t.Dataset.Handler.Class == "" {
		problems = append(problems, "dataset handler class is required")
	}
	if t.Dataset.Handler.Instruments == "" {
		problems = append(problems, "dataset instruments are required")
	}

	s := t.Dataset.Segments
	if !s.Train.Start.Before(s.Train.End) {
		problems = append(problems, fmt.Sprintf("train %s must have start < end", s.Train))
	}
	if s.Valid.Start.Before(s.Train.End) {
		problems = append(problems, fmt.Sprintf("valid %s must start at or after train end", s.Valid))
	}
	if !s.Valid.Start.Before(s.Valid.End) {
		problems = append(problems, fmt.Sprintf("valid %s must have start < end", s.Valid))
	}
	if s.Test.Start.Before(s.Valid.End) {
		problems = append(problems, fmt.Sprintf("test %s must start at or after valid end", s.Test))
	}
	if !s.Test.Start.Before(s.Test.End) {
		problems = append(problems, fmt.Sprintf("test %s must have start < end", s.Test))
	}

	if len(problems) > 0 {
		return fmt.Errorf("%w: %s", ErrInvalidSpec, strings.Join(problems, "; "))
	}
	return nil
}

// Clone returns a deep copy so generated windows never share parameter maps
func (t TaskSpec) Clone() TaskSpec {
	out := t
	if t.Model.Params != nil {
		out.Model.Params = make(map[string]interface{}, len(t.Model.Params))
		for k, v := range t.Model.Params {
			out.Model.Params[k] = v
		}
	}
	return out
}

// Label is a short human identity used in logs
func (t TaskSpec) Label() string {
	return fmt.Sprintf("%s/%s/%s train=%s test=%s",
		t.Model.Class, t.Dataset.Handler.Class, t.Dataset.Handler.Instruments,
		t.Dataset.Segments.Train.Key(), t.Dataset.Segments.Test.Key())
}

// Marshal encodes the spec as indented JSON (the persisted task.json form)
func (t TaskSpec) Marshal() ([]byte, error) {
	return json.MarshalIndent(t, "", "  ")
}

// Unmarshal decodes a persisted task.json
func Unmarshal(data []byte) (TaskSpec, error) {
	var t TaskSpec
	if err := json.Unmarshal(data, &t); err != nil {
		return TaskSpec{}, fmt.Errorf("failed to decode task spec: %w", err)
	}
	return t, nil
}
