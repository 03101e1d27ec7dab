package gc

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/touhoufan2024/qlibAssistant/internal/store"
)

// Executor applies clean plans
type Executor struct {
	store    *store.Store
	trashDir string
}

// NewExecutor creates an executor. With a trash directory recorders are moved there
// instead of being deleted.
func NewExecutor(st *store.Store, trashDir string) *Executor {
	return &Executor{store: st, trashDir: trashDir}
}

// ApplyResult reports what a plan did
type ApplyResult struct {
	Plan      *Plan         `json:"plan"`
	Success   bool          `json:"success"`
	StartTime time.Time     `json:"start_time"`
	EndTime   time.Time     `json:"end_time"`
	Duration  time.Duration `json:"duration"`

	RecordersRemoved   int      `json:"recorders_removed"`
	ExperimentsRemoved int      `json:"experiments_removed"`
	Errors             []string `json:"errors,omitempty"`
}

// Apply executes plan. A dry-run plan only logs what would happen.
func (e *Executor) Apply(plan *Plan) *ApplyResult {
	result := &ApplyResult{Plan: plan, StartTime: time.Now()}
	defer func() {
		result.EndTime = time.Now()
		result.Duration = result.EndTime.Sub(result.StartTime)
		result.Success = len(result.Errors) == 0
	}()

	for _, ep := range plan.Experiments {
		logger := log.With().Str("experiment", ep.Name).Bool("dry_run", plan.DryRun).Logger()

		if ep.Remove {
			logger.Info().Str("reason", ep.Reason).Msg("Removing experiment")
			if plan.DryRun {
				continue
			}
			if err := e.remove(ep.Name, ""); err != nil {
				result.Errors = append(result.Errors, err.Error())
				continue
			}
			result.ExperimentsRemoved++
			result.RecordersRemoved += len(ep.ToDelete)
			continue
		}

		for _, a := range ep.ToDelete {
			logger.Info().Str("recorder", a.ID).Strs("missing", a.Missing).Str("reason", a.Reason).Msg("Removing recorder")
			if plan.DryRun {
				continue
			}
			if err := e.remove(ep.Name, a.ID); err != nil {
				result.Errors = append(result.Errors, err.Error())
				continue
			}
			result.RecordersRemoved++
		}
	}
	return result
}

func (e *Executor) remove(experiment, id string) error {
	if e.trashDir == "" {
		var err error
		if id == "" {
			err = e.store.RemoveExperiment(experiment)
		} else {
			err = e.store.RemoveRecorder(experiment, id)
		}
		if err != nil {
			return fmt.Errorf("failed to remove %s/%s: %w", experiment, id, err)
		}
		return nil
	}

	src := filepath.Join(e.store.Root(), experiment, id)
	dst := filepath.Join(e.trashDir, time.Now().UTC().Format("20060102T150405"), experiment, id)
	if err := os.MkdirAll(filepath.Dir(dst), 0755); err != nil {
		return fmt.Errorf("failed to prepare trash: %w", err)
	}
	if err := os.Rename(src, dst); err != nil {
		return fmt.Errorf("failed to move %s/%s to trash: %w", experiment, id, err)
	}
	return nil
}
