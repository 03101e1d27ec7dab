package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/touhoufan2024/qlibAssistant/internal/collector"
	"github.com/touhoufan2024/qlibAssistant/internal/config"
	"github.com/touhoufan2024/qlibAssistant/internal/daemon"
	"github.com/touhoufan2024/qlibAssistant/internal/metrics"
	"github.com/touhoufan2024/qlibAssistant/internal/monitor"
)

func init() {
	rootCmd.AddCommand(daemonCmd)

	daemonCmd.Flags().Bool("run-now", false, "Run every pass once at start (default daemon.run_on_start)")
	daemonCmd.Flags().Bool("no-monitor", false, "Do not serve the HTTP monitor")
}

var daemonCmd = &cobra.Command{
	Use:   "daemon",
	Short: "Run training and collection passes on a schedule",
	Long: `Schedules "train start" on daemon.train and "collect selection" on
daemon.collect. Each spec is a duration such as 6h or a cron expression such as
"30 18 * * 1-5". Passes never overlap. The monitor is served alongside with the
same metrics.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		env, err := cfg.Environment()
		if err != nil {
			return err
		}
		reg := metrics.NewRegistry()

		d, err := daemon.New(
			daemon.Job{Name: "train", Spec: cfg.Daemon.Train, Run: func(ctx context.Context) error {
				_, err := runTrain(ctx, cfg, env, reg)
				return err
			}},
			daemon.Job{Name: "collect", Spec: cfg.Daemon.Collect, Run: func(ctx context.Context) error {
				_, err := runCollect(ctx, cfg, env, reg, collector.Selection, nil)
				return err
			}},
		)
		if err != nil {
			return fmt.Errorf("%w: daemon: %v", config.ErrInvalidConfig, err)
		}

		runNow := cfg.Daemon.RunOnStart
		if cmd.Flags().Changed("run-now") {
			runNow, _ = cmd.Flags().GetBool("run-now")
		}

		ctx, cancel := signalContext(cmd)
		defer cancel()

		errc := make(chan error, 1)
		if noMonitor, _ := cmd.Flags().GetBool("no-monitor"); !noMonitor {
			srv, err := newMonitor(cfg, env, reg, monitor.WithStatus("daemon", func() interface{} {
				return d.Status()
			}))
			if err != nil {
				return err
			}
			go func() { errc <- srv.Run(ctx) }()
		}

		d.Start(ctx, runNow)
		select {
		case <-ctx.Done():
		case err = <-errc:
			if err != nil && !errors.Is(err, context.Canceled) {
				log.Error().Err(err).Msg("Monitor stopped")
			}
			<-ctx.Done()
		}
		d.Stop()
		return nil
	},
}
