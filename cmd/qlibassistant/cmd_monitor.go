package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/touhoufan2024/qlibAssistant/internal/collector"
	"github.com/touhoufan2024/qlibAssistant/internal/config"
	"github.com/touhoufan2024/qlibAssistant/internal/index"
	"github.com/touhoufan2024/qlibAssistant/internal/metrics"
	"github.com/touhoufan2024/qlibAssistant/internal/monitor"
)

func init() {
	rootCmd.AddCommand(monitorCmd)
}

var monitorCmd = &cobra.Command{
	Use:   "monitor",
	Short: "Serve health, metrics and the experiment listing over HTTP",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		env, err := cfg.Environment()
		if err != nil {
			return err
		}
		srv, err := newMonitor(cfg, env, metrics.NewRegistry())
		if err != nil {
			return err
		}
		ctx, cancel := signalContext(cmd)
		defer cancel()
		return srv.Run(ctx)
	},
}

// newMonitor builds the HTTP monitor over the store with the configured health probes
func newMonitor(cfg *config.Config, env *config.Environment, reg *metrics.Registry, opts ...monitor.Option) (*monitor.Server, error) {
	filter, err := cfg.Filter()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", config.ErrInvalidConfig, err)
	}
	lister := collector.New(env.Store, collector.Config{Filter: filter})

	opts = append(opts, monitor.WithCheck("store", func(ctx context.Context) error {
		_, err := os.Stat(env.Store.Root())
		return err
	}))
	if cfg.Window.Boundary == "" || cfg.Window.Boundary == config.BoundaryAuto {
		opts = append(opts, monitor.WithCheck("calendar", func(ctx context.Context) error {
			_, err := config.CalendarTail(env.ProviderURI)
			return err
		}))
	}
	if cfg.Index.Enabled {
		x, err := index.Open(cfg.Index)
		if err != nil {
			return nil, err
		}
		opts = append(opts, monitor.WithCheck("index", func(ctx context.Context) error {
			return x.DB().PingContext(ctx)
		}))
	}

	return monitor.New(monitor.Config{
		Addr:         cfg.Monitor.Addr(),
		ReadTimeout:  cfg.Monitor.ReadTimeout,
		WriteTimeout: cfg.Monitor.WriteTimeout,
	}, reg, lister, opts...), nil
}
