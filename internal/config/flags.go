package config

import (
	"github.com/spf13/pflag"
)

// Flag names overlaying the configuration file
const (
	FlagConfig      = "config"
	FlagModel       = "model"
	FlagDataset     = "dataset"
	FlagUniverse    = "universe"
	FlagRollingType = "rolling-type"
	FlagStep        = "step"
	FlagPfxName     = "pfx-name"
	FlagSfxName     = "sfx-name"
	FlagMlruns      = "mlruns"
	FlagLogLevel    = "log-level"
)

// BindFlags registers the overlay flags on fs
func BindFlags(fs *pflag.FlagSet) {
	fs.String(FlagConfig, DefaultPath, "configuration file")
	fs.String(FlagModel, "", "model name (experiment.model_name)")
	fs.String(FlagDataset, "", "dataset handler (experiment.dataset_name)")
	fs.String(FlagUniverse, "", "stock pool (experiment.stock_pool)")
	fs.String(FlagRollingType, "", "rolling type: sliding or expanding")
	fs.Int(FlagStep, 0, "rolling step in days")
	fs.String(FlagPfxName, "", "experiment name prefix")
	fs.String(FlagSfxName, "", "experiment name suffix")
	fs.String(FlagMlruns, "", "record store uri (store.uri)")
	fs.String(FlagLogLevel, "", "log level")
}

// FromFlags loads the file named by --config and overlays every flag that was set
// explicitly. The file is required only when --config was given.
func FromFlags(fs *pflag.FlagSet) (*Config, error) {
	path, _ := fs.GetString(FlagConfig)
	cfg, err := Load(path, fs.Changed(FlagConfig))
	if err != nil {
		return nil, err
	}
	cfg.ApplyFlags(fs)
	return cfg, nil
}

// ApplyFlags overlays explicitly set flags
func (c *Config) ApplyFlags(fs *pflag.FlagSet) {
	overlay := func(name string, dst *string) {
		if fs.Lookup(name) != nil && fs.Changed(name) {
			if v, err := fs.GetString(name); err == nil {
				*dst = v
			}
		}
	}
	overlay(FlagModel, &c.Experiment.ModelName)
	overlay(FlagDataset, &c.Experiment.DatasetName)
	overlay(FlagUniverse, &c.Experiment.StockPool)
	overlay(FlagRollingType, &c.Experiment.RollingType)
	overlay(FlagPfxName, &c.Experiment.PfxName)
	overlay(FlagSfxName, &c.Experiment.SfxName)
	overlay(FlagMlruns, &c.Store.URI)
	overlay(FlagLogLevel, &c.LogLevel)

	if fs.Lookup(FlagStep) != nil && fs.Changed(FlagStep) {
		if v, err := fs.GetInt(FlagStep); err == nil {
			c.Experiment.Step = v
		}
	}
}
