package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/touhoufan2024/qlibAssistant/internal/signal"
	"github.com/touhoufan2024/qlibAssistant/internal/task"
)

// Meta is the completion marker of a recorder
type Meta struct {
	RecorderID string    `json:"recorder_id"`
	Experiment string    `json:"experiment"`
	ModelClass string    `json:"model_class"`
	StartTime  time.Time `json:"start_time"`
	EndTime    time.Time `json:"end_time"`
	Status     string    `json:"status"`
	Error      string    `json:"error,omitempty"`
}

// Recorder statuses
const (
	StatusRunning  = "RUNNING"
	StatusFinished = "FINISHED"
	StatusFailed   = "FAILED"
)

// Record is one valid recorder of an experiment
type Record struct {
	Experiment string
	ID         string
	Dir        string
	Task       task.TaskSpec
	Stats      signal.Report
	Meta       Meta
}

// Train is the train segment the record was fitted on
func (r *Record) Train() task.Segment {
	return r.Task.Dataset.Segments.Train
}

// Predictions loads pred.csv
func (r *Record) Predictions() ([]signal.Observation, error) {
	return ReadObservations(filepath.Join(r.Dir, PredFile))
}

// HasLabels reports whether label.csv exists
func (r *Record) HasLabels() bool {
	_, err := os.Stat(filepath.Join(r.Dir, LabelFile))
	return err == nil
}

// Labels loads label.csv. A missing file yields ErrNotFound.
func (r *Record) Labels() ([]signal.Observation, error) {
	path := filepath.Join(r.Dir, LabelFile)
	if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("labels of %s: %w", r.ID, ErrNotFound)
	}
	return ReadObservations(path)
}

// Inspection is the validity report of one recorder directory
type Inspection struct {
	Experiment string
	ID         string
	Valid      bool
	Missing    []string
	Err        error
}

func (i Inspection) String() string {
	if i.Valid {
		return i.ID + " valid"
	}
	if len(i.Missing) > 0 {
		return fmt.Sprintf("%s missing %s", i.ID, strings.Join(i.Missing, ","))
	}
	return fmt.Sprintf("%s invalid: %v", i.ID, i.Err)
}

// Inspect checks a recorder for validity without keeping the decoded record
func (s *Store) Inspect(experiment, id string) Inspection {
	_, err := s.LoadRecord(experiment, id)
	ins := Inspection{Experiment: experiment, ID: id, Valid: err == nil, Err: err}
	if err != nil {
		var pe *PartialError
		if errors.As(err, &pe) {
			ins.Missing = pe.Missing
		}
	}
	return ins
}

// PartialError lists the required artifacts a recorder lacks or cannot decode
type PartialError struct {
	ID      string
	Missing []string
	Cause   error
}

func (e *PartialError) Error() string {
	msg := fmt.Sprintf("recorder %s: %s", e.ID, strings.Join(e.Missing, ","))
	if e.Cause != nil {
		msg += ": " + e.Cause.Error()
	}
	return msg
}

func (e *PartialError) Unwrap() error { return ErrPartialRecord }

// LoadRecord decodes a recorder. It fails with ErrPartialRecord unless every required
// artifact is present and parses.
func (s *Store) LoadRecord(experiment, id string) (*Record, error) {
	dir := s.recorderDir(experiment, id)
	if st, err := os.Stat(dir); err != nil || !st.IsDir() {
		return nil, fmt.Errorf("recorder %s/%s: %w", experiment, id, ErrNotFound)
	}

	var missing []string
	for _, name := range RequiredArtifacts {
		if _, err := os.Stat(filepath.Join(dir, name)); err != nil {
			missing = append(missing, name)
		}
	}
	if len(missing) > 0 {
		return nil, &PartialError{ID: id, Missing: missing}
	}

	rec := &Record{Experiment: experiment, ID: id, Dir: dir}

	data, err := os.ReadFile(filepath.Join(dir, TaskFile))
	if err != nil {
		return nil, &PartialError{ID: id, Missing: []string{TaskFile}, Cause: err}
	}
	if rec.Task, err = task.Unmarshal(data); err != nil {
		return nil, &PartialError{ID: id, Missing: []string{TaskFile}, Cause: err}
	}

	data, err = os.ReadFile(filepath.Join(dir, StatsFile))
	if err != nil {
		return nil, &PartialError{ID: id, Missing: []string{StatsFile}, Cause: err}
	}
	if err := json.Unmarshal(data, &rec.Stats); err != nil {
		return nil, &PartialError{ID: id, Missing: []string{StatsFile}, Cause: err}
	}

	f, err := os.Open(filepath.Join(dir, PredFile))
	if err != nil {
		return nil, &PartialError{ID: id, Missing: []string{PredFile}, Cause: err}
	}
	_, err = DecodeObservations(f)
	f.Close()
	if err != nil {
		return nil, &PartialError{ID: id, Missing: []string{PredFile}, Cause: err}
	}

	if data, err := os.ReadFile(filepath.Join(dir, MetaFile)); err == nil {
		_ = json.Unmarshal(data, &rec.Meta)
	}
	return rec, nil
}

// ValidRecords loads every valid recorder of an experiment in recorder id order. The
// second result lists rejected recorders.
func (s *Store) ValidRecords(experiment string) ([]*Record, []Inspection, error) {
	ids, err := s.ListRecorders(experiment)
	if err != nil {
		return nil, nil, err
	}

	var records []*Record
	var rejected []Inspection
	for _, id := range ids {
		rec, err := s.LoadRecord(experiment, id)
		if err != nil {
			ins := Inspection{Experiment: experiment, ID: id, Err: err}
			var pe *PartialError
			if errors.As(err, &pe) {
				ins.Missing = pe.Missing
			}
			rejected = append(rejected, ins)
			continue
		}
		records = append(records, rec)
	}
	return records, rejected, nil
}
