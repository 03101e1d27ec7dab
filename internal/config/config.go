// Package config loads the qlibassistant configuration. Values resolve in three layers:
// built-in defaults, then the YAML file, then command-line flags.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/touhoufan2024/qlibAssistant/internal/enrich"
	"github.com/touhoufan2024/qlibAssistant/internal/index"
	"github.com/touhoufan2024/qlibAssistant/internal/pool"
	"github.com/touhoufan2024/qlibAssistant/internal/store"
	"github.com/touhoufan2024/qlibAssistant/internal/task"
	"github.com/touhoufan2024/qlibAssistant/internal/window"
)

// ErrInvalidConfig wraps every configuration problem
var ErrInvalidConfig = errors.New("invalid configuration")

// DefaultPath is the configuration file read when --config is not given
const DefaultPath = "./config.yaml"

// BoundaryAuto resolves the boundary from the local calendar
const BoundaryAuto = "auto"

// Config is the complete configuration
type Config struct {
	Store       StoreConfig      `yaml:"store"`
	ProviderURI string           `yaml:"provider_uri"`
	Region      string           `yaml:"region"`
	Experiment  ExperimentConfig `yaml:"experiment"`
	Window      WindowConfig     `yaml:"window"`
	Runner      RunnerConfig     `yaml:"runner"`
	Collect     CollectConfig    `yaml:"collect"`
	Enrich      enrich.Config    `yaml:"enrich"`
	Index       index.Config     `yaml:"index"`
	Batch       BatchConfig      `yaml:"batch"`
	Daemon      DaemonConfig     `yaml:"daemon"`
	Monitor     MonitorConfig    `yaml:"monitor"`
	LogLevel    string           `yaml:"log_level"`

	// Path is the file the configuration was read from, empty for defaults only
	Path string `yaml:"-"`
}

// StoreConfig locates the record store
type StoreConfig struct {
	URI      string `yaml:"uri"`
	TrashDir string `yaml:"trash_dir"`
}

// ExperimentConfig selects the model template and rolling policy
type ExperimentConfig struct {
	ModelName   string `yaml:"model_name"`
	DatasetName string `yaml:"dataset_name"`
	StockPool   string `yaml:"stock_pool"`
	RollingType string `yaml:"rolling_type"`
	Step        int    `yaml:"step"`
	PfxName     string `yaml:"pfx_name"`
	SfxName     string `yaml:"sfx_name"`
}

// Key is the composite experiment identity
func (e ExperimentConfig) Key() store.ExperimentKey {
	mode := e.RollingType
	if m, err := window.ParseMode(mode); err == nil {
		mode = string(m)
	}
	return store.ExperimentKey{
		Model:    e.ModelName,
		Dataset:  e.DatasetName,
		Universe: e.StockPool,
		Mode:     mode,
		Step:     e.Step,
		Prefix:   e.PfxName,
		Suffix:   e.SfxName,
	}
}

// Policy is the rolling policy
func (e ExperimentConfig) Policy() (window.Policy, error) {
	mode, err := window.ParseMode(e.RollingType)
	if err != nil {
		return window.Policy{}, err
	}
	p := window.Policy{StepDays: e.Step, Mode: mode}
	return p, p.Validate()
}

// WindowConfig is the base task window and the generation boundary
type WindowConfig struct {
	Train    task.Segment `yaml:"train"`
	Valid    task.Segment `yaml:"valid"`
	Test     task.Segment `yaml:"test"`
	Boundary string       `yaml:"boundary"`
}

// RunnerConfig controls worker processes
type RunnerConfig struct {
	Timeout time.Duration `yaml:"timeout"`
	Command []string      `yaml:"command"`
	WorkDir string        `yaml:"work_dir"`
	Env     []string      `yaml:"env"`
}

// CollectConfig controls result collection
type CollectConfig struct {
	AnalysisFolder    string             `yaml:"analysis_folder"`
	PredictDates      task.Segment       `yaml:"predict_dates"`
	TopN              int                `yaml:"top_n"`
	ModelFilter       []string           `yaml:"model_filter"`
	RecFilter         map[string]float64 `yaml:"rec_filter"`
	StockList         []string           `yaml:"stock_list"`
	LabelsFile        string             `yaml:"labels_file"`
	PositiveThreshold float64            `yaml:"positive_threshold"`
}

// BatchConfig describes a batch of training commands
type BatchConfig struct {
	MaxWorkers int         `yaml:"max_workers"`
	Commands   []string    `yaml:"commands"`
	Matrix     pool.Matrix `yaml:"matrix"`
}

// DaemonConfig holds the cron specs of periodic passes; empty disables a pass
type DaemonConfig struct {
	Train      string `yaml:"train"`
	Collect    string `yaml:"collect"`
	RunOnStart bool   `yaml:"run_on_start"`
}

// MonitorConfig configures the HTTP monitor
type MonitorConfig struct {
	Host         string        `yaml:"host"`
	Port         int           `yaml:"port"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
}

// Addr is host:port
func (m MonitorConfig) Addr() string {
	return fmt.Sprintf("%s:%d", m.Host, m.Port)
}

// Default returns the built-in configuration
func Default() *Config {
	return &Config{
		Store:       StoreConfig{URI: "~/.qlibAssistant/mlruns"},
		ProviderURI: "~/.qlib/qlib_data/cn_data",
		Region:      "cn",
		Experiment: ExperimentConfig{
			ModelName:   "LightGBM",
			DatasetName: task.DatasetAlpha158,
			StockPool:   task.CSI300Market,
			RollingType: string(window.Expanding),
			Step:        40,
		},
		Window: WindowConfig{
			Train:    task.MustSegment("2015-01-01", "2016-12-31"),
			Valid:    task.MustSegment("2017-01-01", "2017-02-28"),
			Test:     task.MustSegment("2017-03-01", "2017-04-30"),
			Boundary: BoundaryAuto,
		},
		Collect: CollectConfig{
			AnalysisFolder:    "~/.qlibAssistant/analysis",
			TopN:              20,
			PositiveThreshold: 0.8,
		},
		Enrich:   enrich.DefaultConfig(),
		Index:    index.DefaultConfig(),
		Batch:    BatchConfig{MaxWorkers: 1},
		Monitor:  MonitorConfig{Host: "127.0.0.1", Port: 8080, ReadTimeout: 10 * time.Second, WriteTimeout: 10 * time.Second},
		LogLevel: "info",
	}
}

// Load reads path over the defaults. A missing file is an error only when required.
func Load(path string, required bool) (*Config, error) {
	cfg := Default()
	if path == "" {
		path = DefaultPath
	}

	data, err := os.ReadFile(ExpandHome(path))
	switch {
	case err == nil:
		cfg.Path = path
	case os.IsNotExist(err) && !required:
		return cfg, nil
	default:
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	if err := decodeStrict(data, cfg); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrInvalidConfig, path, err)
	}
	return cfg, nil
}

func decodeStrict(data []byte, cfg *Config) error {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

// ExpandHome replaces a leading ~ with the user's home directory
func ExpandHome(p string) string {
	if p != "~" && !strings.HasPrefix(p, "~/") && !strings.HasPrefix(p, `~\`) {
		return p
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return p
	}
	return filepath.Join(home, p[1:])
}
