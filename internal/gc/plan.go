// Package gc plans and applies housekeeping of the record store: experiments without
// recorders and recorders that never became valid are removed.
package gc

import (
	"fmt"
	"time"

	"github.com/touhoufan2024/qlibAssistant/internal/store"
)

// DefaultMinAge protects recorders that may still be written by a running worker
const DefaultMinAge = time.Hour

// Plan lists what a clean pass would remove
type Plan struct {
	CreatedAt   time.Time        `json:"created_at"`
	DryRun      bool             `json:"dry_run"`
	Experiments []ExperimentPlan `json:"experiments"`

	RecordersToDelete   int `json:"recorders_to_delete"`
	ExperimentsToDelete int `json:"experiments_to_delete"`
	RecordersKept       int `json:"recorders_kept"`
	InProgressKept      int `json:"in_progress_kept"`
}

// ExperimentPlan is the plan for one experiment
type ExperimentPlan struct {
	Name       string           `json:"name"`
	Remove     bool             `json:"remove"`
	Reason     string           `json:"reason,omitempty"`
	ToDelete   []RecorderAction `json:"to_delete"`
	Kept       int              `json:"kept"`
	InProgress []string         `json:"in_progress,omitempty"`
}

// RecorderAction is one recorder scheduled for deletion
type RecorderAction struct {
	ID      string   `json:"id"`
	Missing []string `json:"missing,omitempty"`
	Reason  string   `json:"reason"`
}

// Planner builds clean plans from the store
type Planner struct {
	store  *store.Store
	minAge time.Duration
	now    func() time.Time
}

// NewPlanner creates a planner; minAge <= 0 uses DefaultMinAge
func NewPlanner(st *store.Store, minAge time.Duration) *Planner {
	if minAge <= 0 {
		minAge = DefaultMinAge
	}
	return &Planner{store: st, minAge: minAge, now: time.Now}
}

// CreatePlan inspects every experiment accepted by match (nil accepts all)
func (p *Planner) CreatePlan(match func(name string) bool, dryRun bool) (*Plan, error) {
	plan := &Plan{CreatedAt: p.now(), DryRun: dryRun}

	experiments, err := p.store.ListExperiments()
	if err != nil {
		return nil, err
	}
	for _, exp := range experiments {
		if match != nil && !match(exp.Name) {
			continue
		}
		ep, err := p.planExperiment(exp.Name)
		if err != nil {
			return nil, fmt.Errorf("failed to plan experiment %s: %w", exp.Name, err)
		}
		plan.Experiments = append(plan.Experiments, ep)
		plan.RecordersToDelete += len(ep.ToDelete)
		plan.RecordersKept += ep.Kept
		plan.InProgressKept += len(ep.InProgress)
		if ep.Remove {
			plan.ExperimentsToDelete++
		}
	}
	return plan, nil
}

func (p *Planner) planExperiment(name string) (ExperimentPlan, error) {
	ep := ExperimentPlan{Name: name, ToDelete: make([]RecorderAction, 0)}
	ids, err := p.store.ListRecorders(name)
	if err != nil {
		return ep, err
	}
	if len(ids) == 0 {
		ep.Remove = true
		ep.Reason = "no recorders"
		return ep, nil
	}

	cutoff := p.now().Add(-p.minAge)
	for _, id := range ids {
		ins := p.store.Inspect(name, id)
		if ins.Valid {
			ep.Kept++
			continue
		}
		if mod, err := p.store.RecorderModTime(name, id); err == nil && mod.After(cutoff) {
			ep.InProgress = append(ep.InProgress, id)
			continue
		}
		reason := "incomplete"
		if ins.Err != nil {
			reason = ins.Err.Error()
		}
		ep.ToDelete = append(ep.ToDelete, RecorderAction{ID: id, Missing: ins.Missing, Reason: reason})
	}

	if ep.Kept == 0 && len(ep.InProgress) == 0 {
		ep.Remove = true
		ep.Reason = "no valid recorders"
	}
	return ep, nil
}
