// Package store is the file-backed record store. It is rooted at a configured URI and
// partitioned by experiment name, then by recorder id:
//
//	<root>/<experiment>/experiment.json
//	<root>/<experiment>/<recorder>/{task.json, pred.csv, label.csv, stats.json, meta.json}
//
// Experiments are append-only. A recorder is a valid record only when its task spec,
// predictions and signal statistics are all present and decodable.
package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	atomicio "github.com/touhoufan2024/qlibAssistant/internal/io"
)

// Artifact file names
const (
	ExperimentFile = "experiment.json"
	TaskFile       = "task.json"
	PredFile       = "pred.csv"
	LabelFile      = "label.csv"
	StatsFile      = "stats.json"
	MetaFile       = "meta.json"
)

// RequiredArtifacts must all be present for a recorder to count as a record
var RequiredArtifacts = []string{TaskFile, PredFile, StatsFile}

var (
	// ErrNotFound is returned for unknown experiments or recorders
	ErrNotFound = errors.New("not found")
	// ErrPartialRecord is returned when a recorder lacks a required artifact
	ErrPartialRecord = errors.New("partial record")
	// ErrInvalidURI is returned when the store root cannot be resolved
	ErrInvalidURI = errors.New("invalid store uri")
)

// Store is a record store rooted at a local directory
type Store struct {
	root string
	now  func() time.Time
}

// ResolveURI turns "file:", "file://" URIs, "~" paths and plain paths into an absolute
// directory
func ResolveURI(uri string) (string, error) {
	uri = strings.TrimSpace(uri)
	if uri == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidURI)
	}

	path := uri
	if strings.Contains(uri, ":") && !filepath.IsAbs(uri) && !isWindowsDrive(uri) {
		u, err := url.Parse(uri)
		if err != nil {
			return "", fmt.Errorf("%w: %v", ErrInvalidURI, err)
		}
		if u.Scheme != "file" {
			return "", fmt.Errorf("%w: unsupported scheme %q", ErrInvalidURI, u.Scheme)
		}
		path = u.Path
		if path == "" {
			path = u.Opaque
		}
	}

	if path == "~" || strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("%w: %v", ErrInvalidURI, err)
		}
		path = filepath.Join(home, strings.TrimPrefix(path, "~"))
	}

	abs, err := filepath.Abs(path)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidURI, err)
	}
	return abs, nil
}

func isWindowsDrive(p string) bool {
	return len(p) >= 2 && p[1] == ':'
}

// Open resolves uri and ensures the root directory exists
func Open(uri string) (*Store, error) {
	root, err := ResolveURI(uri)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(root, 0755); err != nil {
		return nil, fmt.Errorf("%w: cannot create %s: %v", ErrInvalidURI, root, err)
	}
	return &Store{root: root, now: time.Now}, nil
}

// Root is the absolute root directory
func (s *Store) Root() string {
	return s.root
}

func (s *Store) experimentDir(name string) string {
	return filepath.Join(s.root, name)
}

func (s *Store) recorderDir(experiment, id string) string {
	return filepath.Join(s.root, experiment, id)
}

// ListExperiments returns every experiment directory, sorted by creation time then name
func (s *Store) ListExperiments() ([]ExperimentInfo, error) {
	entries, err := os.ReadDir(s.root)
	if err != nil {
		return nil, fmt.Errorf("failed to list experiments: %w", err)
	}

	var out []ExperimentInfo
	for _, e := range entries {
		if !e.IsDir() || strings.HasPrefix(e.Name(), ".") {
			continue
		}
		info, err := s.Experiment(e.Name())
		if err != nil {
			continue
		}
		out = append(out, info)
	}

	sort.SliceStable(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].Name < out[j].Name
	})
	return out, nil
}

// Experiment loads experiment.json. Directories without it are legacy experiments whose
// creation time falls back to the directory mtime.
func (s *Store) Experiment(name string) (ExperimentInfo, error) {
	dir := s.experimentDir(name)
	st, err := os.Stat(dir)
	if err != nil || !st.IsDir() {
		return ExperimentInfo{}, fmt.Errorf("experiment %s: %w", name, ErrNotFound)
	}

	info := ExperimentInfo{Name: name, CreatedAt: st.ModTime().UTC(), Dir: dir}
	data, err := os.ReadFile(filepath.Join(dir, ExperimentFile))
	if err != nil {
		return info, nil
	}
	var stored ExperimentInfo
	if err := json.Unmarshal(data, &stored); err != nil {
		return info, nil
	}
	stored.Name = name
	stored.Dir = dir
	return stored, nil
}

// CreateExperiment records the experiment identity. It is a no-op when experiment.json
// already exists.
func (s *Store) CreateExperiment(name string, key ExperimentKey) (ExperimentInfo, error) {
	if err := validateName(name); err != nil {
		return ExperimentInfo{}, err
	}
	dir := s.experimentDir(name)
	path := filepath.Join(dir, ExperimentFile)
	if _, err := os.Stat(path); err == nil {
		return s.Experiment(name)
	}

	info := ExperimentInfo{Name: name, Key: &key, CreatedAt: s.now().UTC(), Dir: dir}
	if err := atomicio.WriteJSONAtomic(path, info); err != nil {
		return ExperimentInfo{}, fmt.Errorf("failed to create experiment %s: %w", name, err)
	}
	return info, nil
}

// ListRecorders returns recorder ids of an experiment in lexical order
func (s *Store) ListRecorders(experiment string) ([]string, error) {
	entries, err := os.ReadDir(s.experimentDir(experiment))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("experiment %s: %w", experiment, ErrNotFound)
		}
		return nil, fmt.Errorf("failed to list recorders: %w", err)
	}

	var ids []string
	for _, e := range entries {
		if e.IsDir() && !strings.HasPrefix(e.Name(), ".") {
			ids = append(ids, e.Name())
		}
	}
	sort.Strings(ids)
	return ids, nil
}

// RemoveRecorder deletes one recorder directory
func (s *Store) RemoveRecorder(experiment, id string) error {
	if err := validateName(experiment); err != nil {
		return err
	}
	if err := validateName(id); err != nil {
		return err
	}
	return os.RemoveAll(s.recorderDir(experiment, id))
}

// RemoveExperiment deletes an experiment and everything below it
func (s *Store) RemoveExperiment(name string) error {
	if err := validateName(name); err != nil {
		return err
	}
	return os.RemoveAll(s.experimentDir(name))
}

func validateName(name string) error {
	if name == "" || name == "." || name == ".." || strings.ContainsAny(name, `/\`) {
		return fmt.Errorf("invalid store name %q", name)
	}
	return nil
}

// RecorderModTime is the last modification time of a recorder directory
func (s *Store) RecorderModTime(experiment, id string) (time.Time, error) {
	fi, err := os.Stat(s.recorderDir(experiment, id))
	if err != nil {
		return time.Time{}, err
	}
	return fi.ModTime(), nil
}
