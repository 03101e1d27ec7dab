package task

import (
	"fmt"
	"sort"
)

// Fit boundary placeholders used by templates before window normalization
const (
	FitStartPlaceholder = "<dataset.kwargs.segments.train.0>"
	FitEndPlaceholder   = "<dataset.kwargs.segments.train.1>"
)

// Default universes and handler classes
const (
	CSI300Market = "csi300"
	CSI100Market = "csi100"

	DatasetAlpha158 = "Alpha158"
	DatasetAlpha360 = "Alpha360"
)

// DefaultRecord produces signal predictions and signal analysis, no portfolio backtest
var DefaultRecord = RecordConfig{Signal: true, SigAnalysis: true}

var modelCatalog = map[string]ModelConfig{
	"LightGBM": {
		Class:      "LGBModel",
		ModulePath: "qlib.contrib.model.gbdt",
		Params: map[string]interface{}{
			"loss":             "mse",
			"colsample_bytree": 0.8879,
			"learning_rate":    0.2,
			"subsample":        0.8789,
			"lambda_l1":        205.6999,
			"lambda_l2":        580.9768,
			"max_depth":        8,
			"num_leaves":       210,
			"num_threads":      20,
		},
	},
	"XGBoost": {
		Class:      "XGBModel",
		ModulePath: "qlib.contrib.model.xgboost",
		Params: map[string]interface{}{
			"eval_metric":      "rmse",
			"colsample_bytree": 0.8879,
			"eta":              0.0421,
			"max_depth":        8,
			"n_estimators":     647,
			"subsample":        0.8789,
			"nthread":          20,
		},
	},
	"CatBoost": {
		Class:      "CatBoostModel",
		ModulePath: "qlib.contrib.model.catboost_model",
		Params: map[string]interface{}{
			"loss":           "RMSE",
			"learning_rate":  0.0421,
			"subsample":      0.8789,
			"max_depth":      6,
			"num_leaves":     100,
			"thread_count":   20,
			"grow_policy":    "Lossguide",
			"bootstrap_type": "Poisson",
		},
	},
	"Linear": {
		Class:      "LinearModel",
		ModulePath: "qlib.contrib.model.linear",
		Params:     map[string]interface{}{"estimator": "ols"},
	},
	"DoubleEnsemble": {
		Class:      "DEnsembleModel",
		ModulePath: "qlib.contrib.model.double_ensemble",
		Params: map[string]interface{}{
			"base_model":    "gbm",
			"loss":          "mse",
			"num_models":    6,
			"enable_sr":     true,
			"enable_fs":     true,
			"alpha1":        1,
			"alpha2":        1,
			"bins_sr":       10,
			"bins_fs":       5,
			"decay":         0.5,
			"sample_ratios": []interface{}{0.8, 0.7, 0.6, 0.5, 0.4},
			"sub_weights":   []interface{}{1, 1, 1, 1, 1, 1},
			"epochs":        28,
		},
	},
	"KRNN": {
		Class:      "KRNN",
		ModulePath: "qlib.contrib.model.pytorch_krnn",
		Params: map[string]interface{}{
			"fea_dim":    6,
			"cnn_dim":    8,
			"rnn_dim":    8,
			"rnn_layers": 2,
			"n_epochs":   200,
			"lr":         0.001,
			"early_stop": 20,
			"batch_size": 2000,
			"GPU":        0,
		},
	},
	"Sandwich": {
		Class:      "Sandwich",
		ModulePath: "qlib.contrib.model.pytorch_sandwich",
		Params: map[string]interface{}{
			"fea_dim":    6,
			"cnn_dim_1":  16,
			"cnn_dim_2":  16,
			"rnn_dim_1":  8,
			"rnn_dim_2":  8,
			"rnn_layers": 2,
			"n_epochs":   200,
			"lr":         0.001,
			"early_stop": 20,
			"batch_size": 2000,
			"GPU":        0,
		},
	},
}

var datasetCatalog = map[string]bool{
	DatasetAlpha158: true,
	DatasetAlpha360: true,
}

// ModelNames lists the supported model names in sorted order
func ModelNames() []string {
	names := make([]string, 0, len(modelCatalog))
	for name := range modelCatalog {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// LookupModel returns a copy of the named model template
func LookupModel(name string) (ModelConfig, error) {
	m, ok := modelCatalog[name]
	if !ok {
		return ModelConfig{}, fmt.Errorf("%w: model %q is not supported (known: %v)", ErrInvalidSpec, name, ModelNames())
	}
	spec := TaskSpec{Model: m}.Clone()
	return spec.Model, nil
}

// KnownDataset reports whether a handler class is supported
func KnownDataset(name string) bool {
	return datasetCatalog[name]
}

// Build assembles the base task template for a model, dataset and universe. Fit
// boundaries are left as placeholders; window generation resolves them per window.
func Build(modelName, datasetName, universe string, segs Segments) (TaskSpec, error) {
	model, err := LookupModel(modelName)
	if err != nil {
		return TaskSpec{}, err
	}
	if !KnownDataset(datasetName) {
		return TaskSpec{}, fmt.Errorf("%w: dataset %q is not supported", ErrInvalidSpec, datasetName)
	}
	if universe == "" {
		universe = CSI300Market
	}

	spec := TaskSpec{
		Model: model,
		Dataset: DatasetConfig{
			Class: "DatasetH",
			Handler: HandlerConfig{
				Class:        datasetName,
				ModulePath:   "qlib.contrib.data.handler",
				Instruments:  universe,
				StartTime:    FormatDate(segs.Train.Start),
				EndTime:      FormatDate(segs.Test.End),
				FitStartTime: FitStartPlaceholder,
				FitEndTime:   FitEndPlaceholder,
			},
			Segments: segs,
		},
		Record: DefaultRecord,
	}
	if err := spec.Validate(); err != nil {
		return TaskSpec{}, err
	}
	return spec, nil
}
