package main

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/touhoufan2024/qlibAssistant/internal/collector"
	"github.com/touhoufan2024/qlibAssistant/internal/config"
	"github.com/touhoufan2024/qlibAssistant/internal/enrich"
	"github.com/touhoufan2024/qlibAssistant/internal/metrics"
	"github.com/touhoufan2024/qlibAssistant/internal/report"
)

func init() {
	rootCmd.AddCommand(collectCmd)
	collectCmd.AddCommand(collectSelectionCmd)
	collectCmd.AddCommand(collectInquiryCmd)
	collectCmd.AddCommand(collectFilterCmd)

	collectInquiryCmd.Flags().StringSlice("instruments", nil, "Instruments to inquire (default collect.stock_list)")

	collectFilterCmd.Flags().String("file", "", "Ranked report CSV to filter")
	collectFilterCmd.Flags().Float64("threshold", 0, "Positive ratio threshold (default collect.positive_threshold)")
	collectFilterCmd.MarkFlagRequired("file")
}

var collectCmd = &cobra.Command{
	Use:   "collect",
	Short: "Collect and rank predictions of finished records",
}

var collectSelectionCmd = &cobra.Command{
	Use:   "selection",
	Short: "Rank instruments across every admitted record",
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

		dir, err := runCollect(ctx, cfg, env, metrics.NewRegistry(), collector.Selection, nil)
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), dir)
		return nil
	},
}

var collectInquiryCmd = &cobra.Command{
	Use:   "inquiry",
	Short: "Report the scores of specific instruments",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		instruments, _ := cmd.Flags().GetStringSlice("instruments")
		if len(instruments) == 0 {
			instruments = cfg.Collect.StockList
		}
		if len(instruments) == 0 {
			return fmt.Errorf("%w: no instruments given and collect.stock_list is empty", config.ErrInvalidConfig)
		}
		env, err := cfg.Environment()
		if err != nil {
			return err
		}
		ctx, cancel := signalContext(cmd)
		defer cancel()

		dir, err := runCollect(ctx, cfg, env, metrics.NewRegistry(), collector.Inquiry, instruments)
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), dir)
		return nil
	},
}

var collectFilterCmd = &cobra.Command{
	Use:   "filter",
	Short: "Print candidate codes from a ranked report CSV",
	Long: `Keeps rows with a positive average score and a positive ratio above the
threshold and prints their numeric codes, comma separated.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		path, _ := cmd.Flags().GetString("file")
		threshold := cfg.Collect.PositiveThreshold
		if cmd.Flags().Changed("threshold") {
			threshold, _ = cmd.Flags().GetFloat64("threshold")
		}

		f, err := os.Open(path)
		if err != nil {
			return err
		}
		defer f.Close()

		codes, err := collector.Candidates(f, threshold)
		if err != nil {
			return err
		}
		log.Info().Str("file", path).Float64("threshold", threshold).Int("candidates", len(codes)).Msg("Candidates filtered")
		fmt.Fprintln(cmd.OutOrStdout(), strings.Join(codes, ","))
		return nil
	},
}

// newCollector wires the filter, labels, enrichment and metrics of a collection pass
func newCollector(cfg *config.Config, env *config.Environment, reg *metrics.Registry) (*collector.Collector, error) {
	filter, err := cfg.Filter()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", config.ErrInvalidConfig, err)
	}
	window := cfg.PredictWindow()

	c := collector.Config{
		Window:   window,
		TopN:     cfg.Collect.TopN,
		Filter:   filter,
		Labels:   env.Labels,
		Observer: reg,
		Settings: settings(cfg, env, window.String()),
	}
	if window.IsZero() {
		c.Settings["window"] = "latest dates"
	}
	if cfg.Enrich.URL != "" {
		var cache enrich.Cache
		if cfg.Enrich.Redis.Addr != "" {
			cache = enrich.NewRedisCache(enrich.NewRedisClient(cfg.Enrich.Redis), "")
		}
		c.Enricher = enrich.NewClient(cfg.Enrich, cache, reg)
	}
	return collector.New(env.Store, c), nil
}

// runCollect runs one collection pass into a fresh run directory and returns it
func runCollect(ctx context.Context, cfg *config.Config, env *config.Environment, reg *metrics.Registry, mode collector.Mode, instruments []string) (string, error) {
	c, err := newCollector(cfg, env, reg)
	if err != nil {
		return "", err
	}
	dir := report.RunDir(env.AnalysisFolder(), mode, env.Now())
	res, err := c.Run(ctx, mode, instruments, report.Sinks(dir)...)
	if err != nil {
		return "", err
	}
	log.Info().
		Str("mode", string(mode)).
		Str("dir", dir).
		Int("sources", len(res.Sources)).
		Int("skipped", res.Skipped).
		Int("reports", len(res.Reports)).
		Msg("Collection finished")
	return dir, nil
}

// settings is the effective configuration written to the report header
func settings(cfg *config.Config, env *config.Environment, window string) map[string]string {
	s := map[string]string{
		"store":        env.Store.Root(),
		"provider_uri": env.ProviderURI,
		"top_n":        strconv.Itoa(cfg.Collect.TopN),
		"window":       window,
	}
	if cfg.Path != "" {
		s["config"] = cfg.Path
	}
	if len(cfg.Collect.ModelFilter) > 0 {
		s["model_filter"] = strings.Join(cfg.Collect.ModelFilter, ", ")
	}
	for metric, v := range cfg.Collect.RecFilter {
		s["rec_filter."+metric] = strconv.FormatFloat(v, 'f', -1, 64)
	}
	if cfg.Collect.LabelsFile != "" {
		s["labels_file"] = cfg.Collect.LabelsFile
	}
	if cfg.Enrich.URL != "" {
		s["enrich_url"] = cfg.Enrich.URL
	}
	return s
}
