package workflow

import (
	"github.com/spf13/viper"

	"github.com/YuminosukeSato/mltrack/datasets"
	"github.com/YuminosukeSato/mltrack/pkg/errors"
	"github.com/YuminosukeSato/mltrack/sklearn/model_selection"
	"github.com/YuminosukeSato/mltrack/tracking/artifacts"
)

// Hyperparameter search logging modes.
const (
	// ModeNested logs one child run per grid candidate under a parent run.
	ModeNested = "nested"
	// ModeBestOnly logs only the best candidate, with CSV snapshots of the split.
	ModeBestOnly = "best-only"
)

// Config drives a workflow. Keys match the YAML config file and the
// MLTRACK_* environment variables.
type Config struct {
	TrackingURI string `mapstructure:"tracking_uri"`
	Experiment  string `mapstructure:"experiment"`
	RunName     string `mapstructure:"run_name"`

	// Dataset names a bundled dataset; DataFile loads a CSV instead.
	Dataset     string `mapstructure:"dataset"`
	DataFile    string `mapstructure:"data_file"`
	LabelColumn string `mapstructure:"label_column"`
	CacheDir    string `mapstructure:"cache_dir"`
	DataURL     string `mapstructure:"data_url"`
	RefreshData bool   `mapstructure:"refresh_data"`

	TestSize float64 `mapstructure:"test_size"`
	Seed     uint64  `mapstructure:"seed"`

	// Model holds RandomForestClassifier parameters by their sklearn names.
	Model map[string]interface{}    `mapstructure:"model"`
	Grid  model_selection.ParamGrid `mapstructure:"grid"`
	CV    int                       `mapstructure:"cv"`
	NJobs int                       `mapstructure:"n_jobs"`

	Verbose int    `mapstructure:"verbose"`
	Author  string `mapstructure:"author"`
	Mode    string `mapstructure:"mode"`

	// SourceFile is logged as an artifact, the way a script logs itself.
	SourceFile    string `mapstructure:"source_file"`
	ArtifactDir   string `mapstructure:"artifact_dir"`
	CompressModel bool   `mapstructure:"compress_model"`

	S3 artifacts.S3Config `mapstructure:"s3"`
}

// BaselineDefaults returns the settings of the wine baseline.
func BaselineDefaults() Config {
	return Config{
		Experiment:  "mlflow-experiment1",
		Dataset:     datasets.Wine,
		LabelColumn: datasets.TargetColumn,
		TestSize:    0.10,
		Seed:        42,
		Model: map[string]interface{}{
			"max_depth":    5,
			"n_estimators": 8,
		},
		NJobs: 1,
	}
}

// HyperTuneDefaults returns the settings of the breast-cancer grid search.
func HyperTuneDefaults() Config {
	return Config{
		Experiment:  "breast_cancer",
		Dataset:     datasets.BreastCancer,
		LabelColumn: datasets.TargetColumn,
		TestSize:    0.2,
		Seed:        42,
		Model: map[string]interface{}{
			"random_state": 42,
		},
		Grid: model_selection.ParamGrid{
			"n_estimators": {10, 50, 100},
			"max_depth":    {nil, 10, 20, 30},
		},
		CV:      5,
		NJobs:   -1,
		Verbose: 2,
		Mode:    ModeNested,
	}
}

// LoadConfig overlays the settings held by v onto defaults. A grid given in v
// replaces the default grid; model parameters are merged key by key.
func LoadConfig(v *viper.Viper, defaults Config) (Config, error) {
	cfg := defaults
	cfg.Model = make(map[string]interface{}, len(defaults.Model))
	for k, val := range defaults.Model {
		cfg.Model[k] = val
	}
	if v.IsSet("grid") {
		cfg.Grid = nil
	}
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, errors.Wrap(err, "decode config")
	}
	return cfg, cfg.Validate()
}

// Validate checks settings the workflows cannot run without.
func (c Config) Validate() error {
	if c.Experiment == "" {
		return errors.NewValidationError("experiment", "must not be empty", c.Experiment)
	}
	if c.Dataset == "" && c.DataFile == "" {
		return errors.NewValidationError("dataset", "set dataset or data_file", c.Dataset)
	}
	if c.TestSize <= 0 || c.TestSize >= 1 {
		return errors.NewValidationError("test_size", "must be in (0, 1)", c.TestSize)
	}
	switch c.Mode {
	case "", ModeNested, ModeBestOnly:
	default:
		return errors.NewValidationError("mode", "must be "+ModeNested+" or "+ModeBestOnly, c.Mode)
	}
	if c.Grid != nil && c.CV < 2 {
		return errors.NewValidationError("cv", "must be at least 2", c.CV)
	}
	return nil
}
