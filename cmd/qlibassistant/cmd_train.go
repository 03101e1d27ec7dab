package main

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/touhoufan2024/qlibAssistant/internal/config"
	"github.com/touhoufan2024/qlibAssistant/internal/metrics"
	"github.com/touhoufan2024/qlibAssistant/internal/runner"
	"github.com/touhoufan2024/qlibAssistant/internal/scheduler"
	"github.com/touhoufan2024/qlibAssistant/internal/store"
)

func init() {
	rootCmd.AddCommand(trainCmd)
	trainCmd.AddCommand(trainStartCmd)
	trainCmd.AddCommand(trainGenCmd)

	trainGenCmd.Flags().Bool("json", false, "Print the full task specs as JSON")
}

var trainCmd = &cobra.Command{
	Use:   "train",
	Short: "Rolling-window training",
}

var trainStartCmd = &cobra.Command{
	Use:   "start",
	Short: "Run one rolling training pass",
	Long: `Generates the rolling windows of the configured experiment, skips windows whose
train segment already has a complete record and trains the rest one at a time,
each in its own worker process.

Task failures are logged and counted; the command exits non-zero only when the
configuration is invalid.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		env, err := cfg.Environment()
		if err != nil {
			return err
		}
		ctx, cancel := signalContext(cmd)
		defer cancel()

		_, err = runTrain(ctx, cfg, env, metrics.NewRegistry())
		return err
	},
}

var trainGenCmd = &cobra.Command{
	Use:   "gen",
	Short: "Print the rolling windows without training",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		plan, err := buildPlan(cfg)
		if err != nil {
			return err
		}
		tasks, err := scheduler.New(plan, nil, nil).Generate()
		if err != nil {
			return fmt.Errorf("%w: %v", config.ErrInvalidConfig, err)
		}

		out := cmd.OutOrStdout()
		if asJSON, _ := cmd.Flags().GetBool("json"); asJSON {
			enc := json.NewEncoder(out)
			enc.SetIndent("", "  ")
			return enc.Encode(tasks)
		}
		fmt.Fprintf(out, "%-4s %-23s %-23s %-23s\n", "#", "train", "valid", "test")
		for i, t := range tasks {
			segs := t.Dataset.Segments
			fmt.Fprintf(out, "%-4d %-23s %-23s %-23s\n", i+1, segs.Train, segs.Valid, segs.Test)
		}
		fmt.Fprintf(out, "\n%d windows, boundary %s\n", len(tasks), plan.Boundary.Format("2006-01-02"))
		return nil
	},
}

// buildPlan resolves the base task, rolling policy and boundary of the experiment
func buildPlan(cfg *config.Config) (scheduler.Plan, error) {
	base, err := cfg.BaseTask()
	if err != nil {
		return scheduler.Plan{}, fmt.Errorf("%w: %v", config.ErrInvalidConfig, err)
	}
	policy, err := cfg.Experiment.Policy()
	if err != nil {
		return scheduler.Plan{}, fmt.Errorf("%w: %v", config.ErrInvalidConfig, err)
	}
	boundary, err := cfg.Boundary()
	if err != nil {
		return scheduler.Plan{}, err
	}
	return scheduler.Plan{
		Base:     base,
		Policy:   policy,
		Boundary: boundary,
		Key:      cfg.Experiment.Key(),
	}, nil
}

// workerArgs are the flags every worker process needs to reach the same store and trainer
func workerArgs(cfg *config.Config, st *store.Store) []string {
	args := []string{"--" + config.FlagMlruns, st.Root()}
	if cfg.Path != "" {
		path := cfg.Path
		if abs, err := filepath.Abs(path); err == nil {
			path = abs
		}
		args = append(args, "--"+config.FlagConfig, path)
	}
	if cfg.LogLevel != "" {
		args = append(args, "--"+config.FlagLogLevel, cfg.LogLevel)
	}
	return args
}

// runTrain executes one scheduler pass and mirrors the store into the index when enabled
func runTrain(ctx context.Context, cfg *config.Config, env *config.Environment, reg *metrics.Registry) (*scheduler.Summary, error) {
	plan, err := buildPlan(cfg)
	if err != nil {
		return nil, err
	}
	r, err := runner.New(runner.Config{
		ExtraArgs: workerArgs(cfg, env.Store),
		Timeout:   cfg.Runner.Timeout,
		Key:       &plan.Key,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", config.ErrInvalidConfig, err)
	}

	sched := scheduler.New(plan, env.Store, r, scheduler.WithObserver(reg))
	summary, err := sched.Run(ctx)
	if err != nil {
		return nil, err
	}
	log.Info().
		Str("experiment", summary.Experiment).
		Int("total", summary.Total).
		Int("skipped", summary.Skipped).
		Int("succeeded", summary.Succeeded).
		Int("failed", summary.Failed).
		Int("timed_out", summary.TimedOut).
		Dur("duration", summary.Duration).
		Msg("Training pass finished")

	if cfg.Index.Enabled {
		if _, err := syncIndex(ctx, cfg, env.Store); err != nil {
			log.Warn().Err(err).Msg("Record index not updated")
		}
	}
	return summary, nil
}
