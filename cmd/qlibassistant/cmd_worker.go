package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/touhoufan2024/qlibAssistant/internal/store"
	"github.com/touhoufan2024/qlibAssistant/internal/task"
	"github.com/touhoufan2024/qlibAssistant/internal/worker"
)

func init() {
	rootCmd.AddCommand(workerCmd)
	workerCmd.AddCommand(workerRunCmd)

	workerRunCmd.Flags().String("spec", "", "Task spec file written by the parent")
	workerRunCmd.Flags().String("experiment", "", "Experiment receiving the recorder")
	workerRunCmd.Flags().String("key", "", "Experiment key file, used when the experiment does not exist yet")
	workerRunCmd.MarkFlagRequired("spec")
	workerRunCmd.MarkFlagRequired("experiment")
}

var workerCmd = &cobra.Command{
	Use:    "worker",
	Short:  "Internal worker process",
	Hidden: true,
}

var workerRunCmd = &cobra.Command{
	Use:   "run",
	Short: "Train one task and write its recorder",
	Long: `Runs a single task to completion. Logs go to stderr as JSON for the parent to
relay; the last stdout line is the JSON result. A non-zero exit means the
recorder was left incomplete.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		// the parent parses JSON lines, never console output
		log.Logger = zerolog.New(os.Stderr).With().Timestamp().Int("pid", os.Getpid()).Logger()

		specPath, _ := cmd.Flags().GetString("spec")
		experiment, _ := cmd.Flags().GetString("experiment")

		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		env, err := cfg.Environment()
		if err != nil {
			return err
		}
		tr, err := env.Trainer()
		if err != nil {
			return err
		}

		data, err := os.ReadFile(specPath)
		if err != nil {
			return fmt.Errorf("failed to read spec: %w", err)
		}
		spec, err := task.Unmarshal(data)
		if err != nil {
			return err
		}

		ctx, cancel := signalContext(cmd)
		defer cancel()

		w := &worker.Worker{Store: env.Store, Trainer: tr, Labels: env.Labels}
		if keyPath, _ := cmd.Flags().GetString("key"); keyPath != "" {
			key, err := readKey(keyPath)
			if err != nil {
				return err
			}
			w.Key = &key
		}
		res, runErr := w.Execute(ctx, spec, experiment)
		if _, err := res.WriteTo(cmd.OutOrStdout()); err != nil {
			log.Error().Err(err).Msg("Failed to write result")
		}
		return runErr
	},
}

func readKey(path string) (store.ExperimentKey, error) {
	var key store.ExperimentKey
	data, err := os.ReadFile(path)
	if err != nil {
		return key, fmt.Errorf("failed to read experiment key: %w", err)
	}
	if err := json.Unmarshal(data, &key); err != nil {
		return key, fmt.Errorf("invalid experiment key: %w", err)
	}
	return key, nil
}
