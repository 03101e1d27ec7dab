package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/touhoufan2024/qlibAssistant/internal/config"
)

const (
	appName = "qlibassistant"
	version = "v0.4.0"
)

var rootCmd = &cobra.Command{
	Use:     appName,
	Short:   "Rolling-window training and result ranking for qlib models",
	Version: version,
	Long: `qlibassistant trains a model template over a sequence of rolling windows,
records each run in a local store and ranks the collected predictions.

Configuration resolves in three layers: built-in defaults, ./config.yaml
(or --config), then command-line flags.`,
	SilenceUsage:      true,
	SilenceErrors:     true,
	PersistentPreRunE: setupLogging,
}

func init() {
	config.BindFlags(rootCmd.PersistentFlags())
}

func main() {
	zerolog.TimeFieldFormat = time.RFC3339
	configureOutput(zerolog.InfoLevel)

	if err := rootCmd.Execute(); err != nil {
		if errors.Is(err, config.ErrInvalidConfig) {
			log.Error().Err(err).Msg("Configuration rejected")
		} else {
			log.Error().Err(err).Msg("Command failed")
		}
		os.Exit(1)
	}
}

// configureOutput writes human readable logs to a terminal and JSON otherwise
func configureOutput(level zerolog.Level) {
	zerolog.SetGlobalLevel(level)
	if term.IsTerminal(int(os.Stderr.Fd())) {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen})
		return
	}
	log.Logger = zerolog.New(os.Stderr).With().Timestamp().Logger()
}

// setupLogging applies --log-level before any command runs; the configured level is
// applied again once the file is loaded
func setupLogging(cmd *cobra.Command, _ []string) error {
	lvl, _ := cmd.Flags().GetString(config.FlagLogLevel)
	if lvl == "" {
		return nil
	}
	return applyLevel(lvl)
}

func applyLevel(lvl string) error {
	level, err := zerolog.ParseLevel(lvl)
	if err != nil {
		return err
	}
	zerolog.SetGlobalLevel(level)
	return nil
}

// loadConfig resolves and validates the configuration for cmd
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	cfg, err := config.FromFlags(cmd.Flags())
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.LogLevel != "" {
		if err := applyLevel(cfg.LogLevel); err != nil {
			return nil, err
		}
	}
	if cfg.Path != "" {
		log.Debug().Str("path", cfg.Path).Msg("Configuration loaded")
	}
	return cfg, nil
}

// signalContext is cancelled on interrupt or termination
func signalContext(cmd *cobra.Command) (context.Context, context.CancelFunc) {
	parent := cmd.Context()
	if parent == nil {
		parent = context.Background()
	}
	return signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
}
