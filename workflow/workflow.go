// Package workflow holds the end-to-end training pipelines: load a dataset,
// split it, train a random forest (optionally through a grid search),
// evaluate it and record everything in a tracking run.
package workflow

import (
	"context"
	"io"
	"os"
	"path/filepath"

	"github.com/YuminosukeSato/mltrack/datasets"
	"github.com/YuminosukeSato/mltrack/pkg/errors"
	"github.com/YuminosukeSato/mltrack/pkg/log"
	"github.com/YuminosukeSato/mltrack/sklearn/model_selection"
	"github.com/YuminosukeSato/mltrack/tracking"
)

// Loader returns the dataset a workflow trains on.
type Loader func(ctx context.Context, cfg Config) (*datasets.Frame, error)

// Result summarises a finished workflow run.
type Result struct {
	RunID        string
	ExperimentID string

	// Accuracy is the test accuracy for the baseline and the best mean
	// cross-validation score for a grid search.
	Accuracy float64

	BestParams  map[string]interface{}
	ChildRunIDs []string
	CVResults   *model_selection.CVResults
	ModelURI    string
}

type options struct {
	loader Loader
	out    io.Writer
}

// Option configures a workflow call.
type Option func(*options)

// WithLoader replaces the dataset loader.
func WithLoader(l Loader) Option {
	return func(o *options) { o.loader = l }
}

// WithOutput sets where the summary lines are printed. Defaults to io.Discard.
func WithOutput(w io.Writer) Option {
	return func(o *options) { o.out = w }
}

func newOptions(opts []Option) *options {
	o := &options{loader: DefaultLoader, out: io.Discard}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// DefaultLoader reads cfg.DataFile when set, otherwise the bundled cfg.Dataset.
func DefaultLoader(ctx context.Context, cfg Config) (*datasets.Frame, error) {
	if cfg.DataFile != "" {
		return datasets.LoadCSV(cfg.DataFile, cfg.LabelColumn)
	}
	var opts []datasets.Option
	if cfg.CacheDir != "" {
		opts = append(opts, datasets.WithCacheDir(cfg.CacheDir))
	}
	if cfg.DataURL != "" {
		opts = append(opts, datasets.WithBaseURL(cfg.DataURL))
	}
	if cfg.RefreshData {
		opts = append(opts, datasets.WithRefresh())
	}
	return datasets.Load(ctx, cfg.Dataset, opts...)
}

// prepared is the state shared by the workflows once data is split.
type prepared struct {
	frame *datasets.Frame
	split *model_selection.Split
	train *datasets.Frame
	test  *datasets.Frame
}

func prepare(ctx context.Context, client *tracking.Client, cfg Config, o *options) (*prepared, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if _, err := client.SetExperiment(ctx, cfg.Experiment); err != nil {
		return nil, err
	}
	frame, err := o.loader(ctx, cfg)
	if err != nil {
		return nil, err
	}
	split, err := model_selection.TrainTestSplit(frame.X, frame.Y,
		model_selection.WithTestSize(cfg.TestSize),
		model_selection.WithRandomState(cfg.Seed),
	)
	if err != nil {
		return nil, err
	}
	return &prepared{
		frame: frame,
		split: split,
		train: frame.Subset(split.TrainIndex),
		test:  frame.Subset(split.TestIndex),
	}, nil
}

// stagingDir returns a directory for files that are uploaded as artifacts
// and a cleanup func. A configured ArtifactDir is kept afterwards.
func stagingDir(cfg Config) (string, func(), error) {
	if cfg.ArtifactDir != "" {
		if err := os.MkdirAll(cfg.ArtifactDir, 0o755); err != nil {
			return "", nil, errors.Wrapf(err, "create artifact directory %s", cfg.ArtifactDir)
		}
		return cfg.ArtifactDir, func() {}, nil
	}
	dir, err := os.MkdirTemp("", "mltrack-artifacts-*")
	if err != nil {
		return "", nil, errors.Wrap(err, "create artifact staging directory")
	}
	return dir, func() { os.RemoveAll(dir) }, nil
}

// logSource uploads the configured source file, if any.
func logSource(ctx context.Context, run *tracking.Run, cfg Config) error {
	if cfg.SourceFile == "" {
		return nil
	}
	if _, err := os.Stat(cfg.SourceFile); err != nil {
		return errors.Wrapf(err, "source file %s", cfg.SourceFile)
	}
	return run.LogArtifact(ctx, cfg.SourceFile, "")
}

func writeFrameCSV(dir, name string, f *datasets.Frame) (string, error) {
	p := filepath.Join(dir, name)
	out, err := os.Create(p)
	if err != nil {
		return "", errors.Wrapf(err, "create %s", p)
	}
	if err := f.WriteCSV(out); err != nil {
		out.Close()
		return "", errors.Wrapf(err, "write %s", p)
	}
	return p, errors.Wrapf(out.Close(), "close %s", p)
}

func runOptions(cfg Config) []tracking.RunOption {
	if cfg.RunName == "" {
		return nil
	}
	return []tracking.RunOption{tracking.WithRunName(cfg.RunName)}
}

func logger(name string, cfg Config) log.Logger {
	return log.GetLoggerWithName("workflow").With(
		log.OperationKey, name,
		log.ExperimentKey, cfg.Experiment,
		log.DatasetKey, datasetLabel(cfg),
	)
}

func datasetLabel(cfg Config) string {
	if cfg.DataFile != "" {
		return cfg.DataFile
	}
	return cfg.Dataset
}
