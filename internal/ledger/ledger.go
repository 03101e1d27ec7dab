// Package ledger answers which training windows an experiment has already completed.
// Only valid records count, so a crashed or partial recorder is re-run on the next pass.
package ledger

import (
	"errors"
	"sort"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/touhoufan2024/qlibAssistant/internal/store"
	"github.com/touhoufan2024/qlibAssistant/internal/task"
)

// Ledger is a snapshot of the completed train segments of one experiment
type Ledger struct {
	experiment string
	done       map[string]task.Segment
	records    int
	rejected   int
}

// Open reads every valid record of experiment. An experiment that does not exist yet
// yields an empty ledger.
func Open(s *store.Store, experiment string) (*Ledger, error) {
	l := &Ledger{experiment: experiment, done: make(map[string]task.Segment)}

	records, rejected, err := s.ValidRecords(experiment)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return l, nil
		}
		return nil, err
	}

	for _, rec := range records {
		train := rec.Train()
		l.done[train.Key()] = train
	}
	l.records = len(records)
	l.rejected = len(rejected)

	for _, ins := range rejected {
		log.Debug().
			Str("experiment", experiment).
			Str("recorder", ins.ID).
			Strs("missing", ins.Missing).
			Msg("Ignoring partial recorder")
	}
	return l, nil
}

// Experiment is the experiment this ledger describes
func (l *Ledger) Experiment() string { return l.experiment }

// IsDone reports whether a valid record exists whose train segment equals train exactly
func (l *Ledger) IsDone(train task.Segment) bool {
	_, ok := l.done[train.Key()]
	return ok
}

// DoneSegments lists completed train segments ordered by start then end
func (l *Ledger) DoneSegments() []task.Segment {
	out := make([]task.Segment, 0, len(l.done))
	for _, s := range l.done {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].Start.Equal(out[j].Start) {
			return out[i].Start.Before(out[j].Start)
		}
		return out[i].End.Before(out[j].End)
	})
	return out
}

// Counts returns the number of valid and rejected recorders seen
func (l *Ledger) Counts() (valid, rejected int) {
	return l.records, l.rejected
}

// ResolveExperimentName finds the oldest experiment whose stored key equals key. Experiments
// without a stored key match when their name minus the creation stamp equals the key's base
// name. With no match a fresh stamped name is returned and existing is false.
func ResolveExperimentName(s *store.Store, key store.ExperimentKey, now time.Time) (name string, existing bool, err error) {
	experiments, err := s.ListExperiments()
	if err != nil {
		return "", false, err
	}

	base := key.BaseName()
	var legacy string
	for _, exp := range experiments {
		if exp.HasKey() {
			if *exp.Key == key {
				return exp.Name, true, nil
			}
			continue
		}
		if legacy == "" && (store.TrimNameStamp(exp.Name) == base || exp.Name == base) {
			legacy = exp.Name
		}
	}
	if legacy != "" {
		log.Info().Str("experiment", legacy).Msg("Matched legacy experiment by name")
		return legacy, true, nil
	}
	return key.NewName(now), false, nil
}
