package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/touhoufan2024/qlibAssistant/internal/config"
	"github.com/touhoufan2024/qlibAssistant/internal/metrics"
	"github.com/touhoufan2024/qlibAssistant/internal/pool"
)

func init() {
	rootCmd.AddCommand(batchCmd)
	batchCmd.AddCommand(batchRunCmd)

	batchRunCmd.Flags().Int("max-workers", 0, "Concurrent commands (default batch.max_workers)")
	batchRunCmd.Flags().Bool("dry-run", false, "Print the commands without running them")
}

var batchCmd = &cobra.Command{
	Use:   "batch",
	Short: "Run many training passes through a bounded pool",
}

var batchRunCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the configured command list or parameter matrix",
	Long: `Expands batch.matrix into one "train start" invocation per combination of model,
dataset, universe and rolling type, appends batch.commands and runs them with at
most max_workers at a time. A failing command does not stop its siblings.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		workers := cfg.Batch.MaxWorkers
		if cmd.Flags().Changed("max-workers") {
			workers, _ = cmd.Flags().GetInt("max-workers")
		}
		if workers < 1 {
			return fmt.Errorf("%w: max workers must be >= 1, got %d", config.ErrInvalidConfig, workers)
		}

		cmds, err := batchCommands(cfg)
		if err != nil {
			return err
		}
		if len(cmds) == 0 {
			return fmt.Errorf("%w: batch.commands and batch.matrix are both empty", config.ErrInvalidConfig)
		}

		out := cmd.OutOrStdout()
		if dry, _ := cmd.Flags().GetBool("dry-run"); dry {
			for _, c := range cmds {
				fmt.Fprintln(out, c.String())
			}
			return nil
		}

		ctx, cancel := signalContext(cmd)
		defer cancel()

		log.Info().Int("commands", len(cmds)).Int("workers", workers).Msg("Batch started")
		start := time.Now()
		failed := 0
		for res := range pool.New(workers, metrics.NewRegistry()).Run(ctx, cmds) {
			if !res.Success() {
				failed++
			}
			fmt.Fprintf(out, "%-8s %-40s exit %d  %s\n", res.Label(), res.Command, res.ExitCode, res.Duration.Round(time.Second))
		}
		log.Info().
			Int("commands", len(cmds)).
			Int("failed", failed).
			Dur("duration", time.Since(start)).
			Msg("Batch finished")
		return nil
	},
}

// batchCommands expands the matrix against this binary and appends the explicit commands
func batchCommands(cfg *config.Config) ([]pool.Command, error) {
	var cmds []pool.Command
	if !cfg.Batch.Matrix.IsZero() {
		exe, err := os.Executable()
		if err != nil {
			return nil, fmt.Errorf("failed to locate executable: %w", err)
		}
		base := []string{exe, "train", "start", "--" + config.FlagMlruns, config.ExpandHome(cfg.Store.URI)}
		if cfg.Path != "" {
			path := cfg.Path
			if abs, err := filepath.Abs(path); err == nil {
				path = abs
			}
			base = append(base, "--"+config.FlagConfig, path)
		}
		if cfg.Experiment.Step > 0 {
			base = append(base, "--"+config.FlagStep, strconv.Itoa(cfg.Experiment.Step))
		}
		cmds = append(cmds, cfg.Batch.Matrix.Expand(base)...)
	}
	for i, line := range cfg.Batch.Commands {
		cmds = append(cmds, pool.Command{Name: fmt.Sprintf("command[%d]", i+1), Line: line})
	}
	return cmds, nil
}
