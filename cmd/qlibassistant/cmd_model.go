package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/touhoufan2024/qlibAssistant/internal/collector"
	"github.com/touhoufan2024/qlibAssistant/internal/config"
	"github.com/touhoufan2024/qlibAssistant/internal/gc"
	"github.com/touhoufan2024/qlibAssistant/internal/index"
	"github.com/touhoufan2024/qlibAssistant/internal/store"
)

func init() {
	rootCmd.AddCommand(modelCmd)
	modelCmd.AddCommand(modelLsCmd)
	modelCmd.AddCommand(modelCleanCmd)
	modelCmd.AddCommand(modelSyncCmd)

	modelLsCmd.Flags().Bool("all", false, "Ignore model_filter and rec_filter")
	modelLsCmd.Flags().Bool("json", false, "Print the listing as JSON")
	modelLsCmd.Flags().Bool("from-index", false, "Read the listing from the record index")

	modelCleanCmd.Flags().Bool("apply", false, "Delete instead of printing the plan")
	modelCleanCmd.Flags().Duration("min-age", gc.DefaultMinAge, "Keep incomplete recorders younger than this")
}

var modelCmd = &cobra.Command{
	Use:   "model",
	Short: "Inspect and maintain trained records",
}

var modelLsCmd = &cobra.Command{
	Use:   "ls",
	Short: "List experiments and their valid records",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()

		if fromIndex, _ := cmd.Flags().GetBool("from-index"); fromIndex {
			return listIndex(cmd.Context(), cfg, out)
		}

		env, err := cfg.Environment()
		if err != nil {
			return err
		}
		var filter *collector.Filter
		if all, _ := cmd.Flags().GetBool("all"); !all {
			if filter, err = cfg.Filter(); err != nil {
				return fmt.Errorf("%w: %v", config.ErrInvalidConfig, err)
			}
		}
		listing, err := collector.New(env.Store, collector.Config{Filter: filter}).List()
		if err != nil {
			return err
		}

		if asJSON, _ := cmd.Flags().GetBool("json"); asJSON {
			enc := json.NewEncoder(out)
			enc.SetIndent("", "  ")
			return enc.Encode(listing)
		}
		printListing(out, listing)
		return nil
	},
}

var modelCleanCmd = &cobra.Command{
	Use:   "clean",
	Short: "Remove empty experiments and incomplete records",
	Long: `Plans the removal of experiments without recorders and of recorders missing
required artifacts. Without --apply the plan is only printed. Recorders younger
than --min-age are kept because a worker may still be writing them.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		env, err := cfg.Environment()
		if err != nil {
			return err
		}
		apply, _ := cmd.Flags().GetBool("apply")
		minAge, _ := cmd.Flags().GetDuration("min-age")

		plan, err := gc.NewPlanner(env.Store, minAge).CreatePlan(nil, !apply)
		if err != nil {
			return err
		}
		printPlan(cmd.OutOrStdout(), plan)

		trash := ""
		if cfg.Store.TrashDir != "" {
			trash = config.ExpandHome(cfg.Store.TrashDir)
		}
		res := gc.NewExecutor(env.Store, trash).Apply(plan)
		for _, e := range res.Errors {
			log.Error().Str("error", e).Msg("Clean step failed")
		}
		if !apply {
			fmt.Fprintln(cmd.OutOrStdout(), "dry run, pass --apply to delete")
			return nil
		}
		fmt.Fprintf(cmd.OutOrStdout(), "removed %d recorders and %d experiments\n", res.RecordersRemoved, res.ExperimentsRemoved)

		if cfg.Index.Enabled {
			if _, err := syncIndex(cmd.Context(), cfg, env.Store); err != nil {
				log.Warn().Err(err).Msg("Record index not updated")
			}
		}
		return nil
	},
}

var modelSyncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Mirror valid records into the record index",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		env, err := cfg.Environment()
		if err != nil {
			return err
		}
		stats, err := syncIndex(cmd.Context(), cfg, env.Store)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%d experiments, %d records indexed, %d pruned\n", stats.Experiments, stats.Indexed, stats.Pruned)
		return nil
	},
}

// syncIndex opens the configured index, creates its table and mirrors the store
func syncIndex(ctx context.Context, cfg *config.Config, st *store.Store) (index.SyncStats, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	x, err := index.Open(cfg.Index)
	if err != nil {
		return index.SyncStats{}, err
	}
	defer x.Close()
	if err := x.Migrate(ctx); err != nil {
		return index.SyncStats{}, err
	}
	return x.Sync(ctx, st)
}

func listIndex(ctx context.Context, cfg *config.Config, out io.Writer) error {
	if ctx == nil {
		ctx = context.Background()
	}
	x, err := index.Open(cfg.Index)
	if err != nil {
		return err
	}
	defer x.Close()

	names, err := x.Experiments(ctx)
	if err != nil {
		return err
	}
	for _, name := range names {
		entries, err := x.List(ctx, name)
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "Experiment: %s (%d indexed)\n", name, len(entries))
		for _, e := range entries {
			fmt.Fprintf(out, "  %s  %s  %s  train [%s, %s]  ic %s  rank_ic %s\n",
				e.RecorderID, e.ModelClass, e.Handler, e.TrainStart, e.TrainEnd,
				nullString(e.IC.Valid, e.IC.Float64), nullString(e.RankIC.Valid, e.RankIC.Float64))
		}
	}
	return nil
}

func nullString(valid bool, v float64) string {
	if !valid {
		return "n/a"
	}
	return collector.Round(v).String()
}

func printListing(out io.Writer, listing []collector.ExperimentListing) {
	for _, exp := range listing {
		fmt.Fprintf(out, "Experiment: %s (%d/%d valid)\n", exp.Name, exp.Valid, exp.Total)
		for _, r := range exp.Records {
			fmt.Fprintf(out, "  %s  %s  %s  train %s  ic %s  icir %s  rank_ic %s  rank_icir %s  %s -> %s\n",
				r.ID, r.ModelClass, r.Handler, r.Train,
				r.IC, r.ICIR, r.RankIC, r.RankICIR,
				r.StartTime.Format("2006-01-02 15:04:05"), r.EndTime.Format("2006-01-02 15:04:05"))
		}
	}
}

func printPlan(out io.Writer, plan *gc.Plan) {
	for _, exp := range plan.Experiments {
		if exp.Remove {
			fmt.Fprintf(out, "experiment %s: remove (%s)\n", exp.Name, exp.Reason)
			continue
		}
		for _, r := range exp.ToDelete {
			fmt.Fprintf(out, "experiment %s: recorder %s: remove (%s)\n", exp.Name, r.ID, r.Reason)
		}
		for _, id := range exp.InProgress {
			fmt.Fprintf(out, "experiment %s: recorder %s: kept, may be in progress\n", exp.Name, id)
		}
	}
	fmt.Fprintf(out, "%d experiments and %d recorders to remove, %d recorders kept\n",
		plan.ExperimentsToDelete, plan.RecordersToDelete, plan.RecordersKept)
}
