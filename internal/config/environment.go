package config

import (
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/touhoufan2024/qlibAssistant/internal/store"
	"github.com/touhoufan2024/qlibAssistant/internal/trainer"
)

// Environment is the resolved runtime context of one pass. It is built once and only read
// afterwards.
type Environment struct {
	Config      *Config
	Store       *store.Store
	ProviderURI string
	Region      string
	Labels      trainer.LabelSource
	Logger      zerolog.Logger
	Now         func() time.Time
}

// Environment resolves the store and label source
func (c *Config) Environment() (*Environment, error) {
	st, err := store.Open(c.Store.URI)
	if err != nil {
		return nil, fmt.Errorf("%w: store.uri: %v", ErrInvalidConfig, err)
	}
	env := &Environment{
		Config:      c,
		Store:       st,
		ProviderURI: ExpandHome(c.ProviderURI),
		Region:      c.Region,
		Logger:      log.With().Str("store", st.Root()).Logger(),
		Now:         time.Now,
	}
	if c.Collect.LabelsFile != "" {
		env.Labels = &trainer.CSVLabels{Path: ExpandHome(c.Collect.LabelsFile)}
	}
	return env, nil
}

// Trainer builds the command trainer used by worker processes
func (e *Environment) Trainer() (*trainer.CommandTrainer, error) {
	r := e.Config.Runner
	if len(r.Command) == 0 {
		return nil, fmt.Errorf("%w: runner.command is required to train", ErrInvalidConfig)
	}
	return &trainer.CommandTrainer{
		Command:     r.Command,
		WorkDir:     ExpandHome(r.WorkDir),
		ProviderURI: e.ProviderURI,
		Region:      e.Region,
		Env:         r.Env,
	}, nil
}

// AnalysisFolder is the expanded report root
func (e *Environment) AnalysisFolder() string {
	return ExpandHome(e.Config.Collect.AnalysisFolder)
}
