package config

import (
	"fmt"
	"strings"

	"github.com/rs/zerolog"

	"github.com/touhoufan2024/qlibAssistant/internal/collector"
	"github.com/touhoufan2024/qlibAssistant/internal/store"
	"github.com/touhoufan2024/qlibAssistant/internal/task"
)

// Validate reports every invalid field at once
func (c *Config) Validate() error {
	var problems []string
	add := func(format string, args ...interface{}) {
		problems = append(problems, fmt.Sprintf(format, args...))
	}

	if _, err := store.ResolveURI(c.Store.URI); err != nil {
		add("store.uri: %v", err)
	}
	if c.ProviderURI == "" {
		add("provider_uri is required")
	}

	if _, err := task.LookupModel(c.Experiment.ModelName); err != nil {
		add("experiment.model_name: %v", err)
	}
	if !task.KnownDataset(c.Experiment.DatasetName) {
		add("experiment.dataset_name: unsupported dataset %q", c.Experiment.DatasetName)
	}
	if _, err := c.Experiment.Policy(); err != nil {
		add("experiment: %v", err)
	}
	if strings.ContainsAny(c.Experiment.PfxName+c.Experiment.SfxName, `/\`) {
		add("experiment: pfx_name and sfx_name must not contain path separators")
	}

	if _, err := c.BaseTask(); err != nil {
		add("window: %v", err)
	}
	if b := c.Window.Boundary; b != "" && b != BoundaryAuto {
		if _, err := task.ParseDate(b); err != nil {
			add("window.boundary: %v", err)
		}
	}

	if c.Runner.Timeout < 0 {
		add("runner.timeout must not be negative")
	}

	if c.Collect.TopN < 0 {
		add("collect.top_n must not be negative")
	}
	if c.Collect.PositiveThreshold < 0 || c.Collect.PositiveThreshold > 1 {
		add("collect.positive_threshold must be between 0 and 1")
	}
	if p := c.Collect.PredictDates; !p.IsZero() && p.End.Before(p.Start) {
		add("collect.predict_dates: end before start")
	}
	if _, err := collector.NewFilter(c.Collect.ModelFilter, c.Collect.RecFilter); err != nil {
		add("collect: %v", err)
	}

	if c.Enrich.URL != "" {
		if c.Enrich.RPS <= 0 {
			add("enrich.rps must be positive")
		}
		if c.Enrich.Timeout <= 0 {
			add("enrich.timeout must be positive")
		}
	}
	if err := c.Index.Validate(); err != nil {
		add("index: %v", err)
	}

	if c.Batch.MaxWorkers < 0 {
		add("batch.max_workers must not be negative")
	}
	if c.Monitor.Port < 0 || c.Monitor.Port > 65535 {
		add("monitor.port out of range")
	}
	if _, err := zerolog.ParseLevel(c.LogLevel); err != nil {
		add("log_level: %v", err)
	}

	if len(problems) > 0 {
		return fmt.Errorf("%w: %s", ErrInvalidConfig, strings.Join(problems, "; "))
	}
	return nil
}

// BaseTask builds the base task template of the configured experiment
func (c *Config) BaseTask() (task.TaskSpec, error) {
	return task.Build(c.Experiment.ModelName, c.Experiment.DatasetName, c.Experiment.StockPool, task.Segments{
		Train: c.Window.Train,
		Valid: c.Window.Valid,
		Test:  c.Window.Test,
	})
}

// Filter compiles the collection filters
func (c *Config) Filter() (*collector.Filter, error) {
	return collector.NewFilter(c.Collect.ModelFilter, c.Collect.RecFilter)
}
