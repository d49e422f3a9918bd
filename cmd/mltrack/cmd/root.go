// Package cmd implements the mltrack command line.
package cmd

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/YuminosukeSato/mltrack/pkg/errors"
	"github.com/YuminosukeSato/mltrack/pkg/log"
	"github.com/YuminosukeSato/mltrack/tracking"
	"github.com/YuminosukeSato/mltrack/tracking/artifacts"
	"github.com/YuminosukeSato/mltrack/workflow"

	// tracking backends
	_ "github.com/YuminosukeSato/mltrack/tracking/filestore"
	_ "github.com/YuminosukeSato/mltrack/tracking/rest"
	_ "github.com/YuminosukeSato/mltrack/tracking/sqlstore"
)

// EnvPrefix prefixes the environment variables read for config keys,
// e.g. MLTRACK_EXPERIMENT or MLTRACK_S3_ENDPOINT.
const EnvPrefix = "MLTRACK"

// keys read from the environment in addition to the config file
var envKeys = []string{
	"tracking_uri", "experiment", "run_name", "dataset", "data_file",
	"label_column", "cache_dir", "data_url", "refresh_data", "test_size", "seed", "cv",
	"n_jobs", "verbose", "author", "mode", "source_file", "artifact_dir",
	"compress_model", "s3.endpoint", "s3.access_key_id",
	"s3.secret_access_key", "s3.region",
}

type app struct {
	v      *viper.Viper
	out    io.Writer
	loader workflow.Loader
	// flag name -> config key, bound only when the flag is set
	flagKeys map[string]string
}

// Execute runs the command line and returns the process exit code.
func Execute() int {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	root := NewRootCommand(os.Stdout)
	if err := root.ExecuteContext(ctx); err != nil {
		log.GetLoggerWithName("cli").Error("command failed", err)
		fmt.Fprintln(os.Stderr, "Error:", err)
		return 1
	}
	return 0
}

// NewRootCommand builds the mltrack command tree writing results to out.
func NewRootCommand(out io.Writer) *cobra.Command {
	return newApp(out, workflow.DefaultLoader).rootCommand()
}

func newApp(out io.Writer, loader workflow.Loader) *app {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	for _, key := range envKeys {
		_ = v.BindEnv(key)
	}
	return &app{
		v:      v,
		out:    out,
		loader: loader,
		flagKeys: map[string]string{
			"tracking-uri": "tracking_uri",
			"experiment":   "experiment",
			"run-name":     "run_name",
			"author":       "author",
		},
	}
}

func (a *app) rootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:           "mltrack",
		Short:         "Train random forests and track the runs",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return a.setup(cmd)
		},
	}
	flags := root.PersistentFlags()
	flags.String("config", "", "YAML config file")
	flags.String("tracking-uri", "", "tracking URI (directory, file://, sqlite:///, http(s)://); defaults to $MLFLOW_TRACKING_URI or ./mlruns")
	flags.String("experiment", "", "experiment name")
	flags.String("run-name", "", "name of the run")
	flags.String("author", "", "value of the author tag")
	flags.String("log-level", "info", "log level (debug, info, warn, error)")
	flags.String("log-format", log.FormatConsole, "log format (console, json, cloud)")

	root.AddCommand(a.baselineCommand(), a.hyperTuneCommand(), a.runsCommand())
	return root
}

func (a *app) setup(cmd *cobra.Command) error {
	flags := cmd.Flags()
	level, _ := flags.GetString("log-level")
	format, _ := flags.GetString("log-format")
	if err := log.Setup(os.Stderr, level, format); err != nil {
		return err
	}

	if path, _ := flags.GetString("config"); path != "" {
		a.v.SetConfigFile(path)
		if err := a.v.ReadInConfig(); err != nil {
			return errors.Wrapf(err, "read config %s", path)
		}
	}

	var bindErr error
	flags.Visit(func(f *pflag.Flag) {
		if key, ok := a.flagKeys[f.Name]; ok && bindErr == nil {
			bindErr = a.v.BindPFlag(key, f)
		}
	})
	return bindErr
}

// config decodes the workflow settings; the config file doubles as the
// source artifact unless one is configured.
func (a *app) config(defaults workflow.Config) (workflow.Config, error) {
	cfg, err := workflow.LoadConfig(a.v, defaults)
	if err != nil {
		return cfg, err
	}
	if cfg.SourceFile == "" {
		cfg.SourceFile = a.v.ConfigFileUsed()
	}
	return cfg, nil
}

func (a *app) client(ctx context.Context, cfg workflow.Config) (*tracking.Client, error) {
	return tracking.NewClient(ctx, cfg.TrackingURI,
		tracking.WithArtifactConfig(artifacts.Config{S3: cfg.S3}),
	)
}

// workflowFlags registers the flags shared by baseline and hypertune.
func (a *app) workflowFlags(cmd *cobra.Command) {
	flags := cmd.Flags()
	flags.String("dataset", "", "bundled dataset (wine, breast_cancer)")
	flags.String("data-file", "", "CSV file to train on instead of a bundled dataset")
	flags.String("label-column", "", "label column of --data-file (default: target)")
	flags.String("cache-dir", "", "directory for downloaded datasets")
	flags.Bool("refresh-data", false, "download the dataset again instead of using the bundled copy")
	flags.Float64("test-size", 0, "fraction of samples held out for testing")
	flags.Uint64("seed", 0, "seed of the train/test split")
	flags.Int("n-jobs", 0, "parallel workers, -1 for all CPUs")
	flags.String("source-file", "", "file logged as the run's source artifact (default: the config file)")
	flags.String("artifact-dir", "", "keep generated artifacts in this directory")
	flags.Bool("compress-model", false, "store the model xz-compressed")

	for name, key := range map[string]string{
		"dataset":        "dataset",
		"data-file":      "data_file",
		"label-column":   "label_column",
		"cache-dir":      "cache_dir",
		"refresh-data":   "refresh_data",
		"test-size":      "test_size",
		"seed":           "seed",
		"n-jobs":         "n_jobs",
		"source-file":    "source_file",
		"artifact-dir":   "artifact_dir",
		"compress-model": "compress_model",
	} {
		a.flagKeys[name] = key
	}
}

func (a *app) run(cmd *cobra.Command, defaults workflow.Config,
	fn func(ctx context.Context, c *tracking.Client, cfg workflow.Config, opts ...workflow.Option) (*workflow.Result, error),
) error {
	ctx := cmd.Context()
	cfg, err := a.config(defaults)
	if err != nil {
		return err
	}
	client, err := a.client(ctx, cfg)
	if err != nil {
		return err
	}
	defer client.Close()

	res, err := fn(ctx, client, cfg, workflow.WithLoader(a.loader), workflow.WithOutput(a.out))
	if err != nil {
		return err
	}
	log.GetLoggerWithName("cli").Info("run recorded",
		log.RunIDKey, res.RunID,
		log.ExperimentIDKey, res.ExperimentID,
		log.TrackingURIKey, client.TrackingURI(),
	)
	return nil
}
