package store

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	atomicio "github.com/touhoufan2024/qlibAssistant/internal/io"
	"github.com/touhoufan2024/qlibAssistant/internal/signal"
	"github.com/touhoufan2024/qlibAssistant/internal/task"
)

// RecordWriter persists the artifacts of one recorder. Only one writer exists per
// recorder id; every artifact is written atomically and meta.json is written last.
type RecordWriter struct {
	store      *Store
	experiment string
	id         string
	dir        string
	meta       Meta
}

// NewRecorder allocates a fresh recorder directory under an existing experiment
func (s *Store) NewRecorder(experiment string) (*RecordWriter, error) {
	if err := validateName(experiment); err != nil {
		return nil, err
	}
	if _, err := os.Stat(s.experimentDir(experiment)); err != nil {
		return nil, fmt.Errorf("experiment %s: %w", experiment, ErrNotFound)
	}

	id := uuid.New().String()
	dir := s.recorderDir(experiment, id)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create recorder: %w", err)
	}
	return &RecordWriter{
		store:      s,
		experiment: experiment,
		id:         id,
		dir:        dir,
		meta: Meta{
			RecorderID: id,
			Experiment: experiment,
			StartTime:  s.now().UTC(),
			Status:     StatusRunning,
		},
	}, nil
}

// ID is the recorder id
func (w *RecordWriter) ID() string { return w.id }

// Dir is the recorder directory
func (w *RecordWriter) Dir() string { return w.dir }

// WriteTask persists the task spec that produced this record
func (w *RecordWriter) WriteTask(spec task.TaskSpec) error {
	data, err := spec.Marshal()
	if err != nil {
		return err
	}
	w.meta.ModelClass = spec.Model.Class
	return atomicio.WriteFileAtomic(filepath.Join(w.dir, TaskFile), data)
}

// WritePredictions persists pred.csv
func (w *RecordWriter) WritePredictions(obs []signal.Observation) error {
	return w.writeObservations(PredFile, colScore, obs)
}

// WriteLabels persists label.csv
func (w *RecordWriter) WriteLabels(obs []signal.Observation) error {
	return w.writeObservations(LabelFile, colLabel, obs)
}

func (w *RecordWriter) writeObservations(name, column string, obs []signal.Observation) error {
	data, err := EncodeObservations(obs, column)
	if err != nil {
		return fmt.Errorf("failed to encode %s: %w", name, err)
	}
	return atomicio.WriteFileAtomic(filepath.Join(w.dir, name), data)
}

// WriteStats persists stats.json
func (w *RecordWriter) WriteStats(report signal.Report) error {
	return atomicio.WriteJSONAtomic(filepath.Join(w.dir, StatsFile), report)
}

// Finish writes meta.json. A non-nil cause marks the recorder failed.
func (w *RecordWriter) Finish(cause error) error {
	w.meta.EndTime = w.store.now().UTC()
	w.meta.Status = StatusFinished
	if cause != nil {
		w.meta.Status = StatusFailed
		w.meta.Error = cause.Error()
	}
	return atomicio.WriteJSONAtomic(filepath.Join(w.dir, MetaFile), w.meta)
}

// Meta returns the current completion marker
func (w *RecordWriter) Meta() Meta { return w.meta }

// Elapsed is the time since the recorder was opened
func (w *RecordWriter) Elapsed() time.Duration {
	return w.store.now().Sub(w.meta.StartTime)
}
