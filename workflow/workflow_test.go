package workflow

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/YuminosukeSato/mltrack/core/model"
	"github.com/YuminosukeSato/mltrack/datasets"
	"github.com/YuminosukeSato/mltrack/sklearn/model_selection"
	"github.com/YuminosukeSato/mltrack/tracking"
	_ "github.com/YuminosukeSato/mltrack/tracking/filestore"
)

func syntheticLoader(samples, classes int) Loader {
	return func(context.Context, Config) (*datasets.Frame, error) {
		return datasets.MakeClassification(samples, 4, classes, 3)
	}
}

func newClient(t *testing.T) *tracking.Client {
	t.Helper()
	c, err := tracking.NewClient(context.Background(), filepath.Join(t.TempDir(), "mlruns"), tracking.WithUser("tester"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func sourceFile(t *testing.T) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), "train.yaml")
	require.NoError(t, os.WriteFile(p, []byte("experiment: test\n"), 0o644))
	return p
}

func artifactNames(t *testing.T, c *tracking.Client, rec *tracking.RunRecord) map[string]bool {
	t.Helper()
	repo, err := c.ArtifactRepository(rec.Info.ArtifactURI)
	require.NoError(t, err)
	files, err := repo.ListArtifacts(context.Background(), "")
	require.NoError(t, err)
	names := make(map[string]bool, len(files))
	for _, f := range files {
		names[f.Path] = f.IsDir
	}
	return names
}

func TestRunBaseline(t *testing.T) {
	ctx := context.Background()
	c := newClient(t)
	cfg := BaselineDefaults()
	cfg.SourceFile = sourceFile(t)

	var out bytes.Buffer
	res, err := RunBaseline(ctx, c, cfg, WithLoader(syntheticLoader(90, 3)), WithOutput(&out))
	require.NoError(t, err)
	assert.GreaterOrEqual(t, res.Accuracy, 0.0)
	assert.LessOrEqual(t, res.Accuracy, 1.0)
	assert.True(t, strings.HasPrefix(out.String(), "accuracy: "), out.String())

	exp, err := c.Store().GetExperimentByName(ctx, "mlflow-experiment1")
	require.NoError(t, err)
	assert.Equal(t, exp.ExperimentID, res.ExperimentID)

	rec, err := c.GetRun(ctx, res.RunID)
	require.NoError(t, err)
	assert.Equal(t, tracking.RunStatusFinished, rec.Info.Status)
	acc, ok := rec.Data.Metric("accuracy")
	require.True(t, ok)
	assert.Equal(t, res.Accuracy, acc)
	for key := range cfg.Model {
		_, ok := rec.Data.Param(key)
		assert.True(t, ok, "param %s logged", key)
	}
	depth, _ := rec.Data.Param("max_depth")
	assert.Equal(t, "5", depth)

	names := artifactNames(t, c, rec)
	assert.Contains(t, names, ConfusionMatrixFile)
	assert.Contains(t, names, "train.yaml")
}

func hyperTuneConfig(t *testing.T, mode string) Config {
	cfg := HyperTuneDefaults()
	cfg.Mode = mode
	cfg.Grid = model_selection.ParamGrid{
		"n_estimators": {3, 5},
		"max_depth":    {nil, 2},
	}
	cfg.CV = 3
	cfg.NJobs = 2
	cfg.Verbose = 0
	cfg.Model = map[string]interface{}{"random_state": 7}
	cfg.Author = "tester"
	cfg.SourceFile = sourceFile(t)
	return cfg
}

// assertParamsLogged checks that the fixed model parameters and every grid key
// were recorded on rec.
func assertParamsLogged(t *testing.T, cfg Config, rec *tracking.RunRecord) {
	t.Helper()
	for key, want := range cfg.Model {
		got, ok := rec.Data.Param(key)
		assert.True(t, ok, "model param %s logged", key)
		assert.Equal(t, model.FormatParam(want), got, key)
	}
	for key := range cfg.Grid {
		_, ok := rec.Data.Param(key)
		assert.True(t, ok, "grid param %s logged", key)
	}
}

func TestRunHyperTuneNested(t *testing.T) {
	ctx := context.Background()
	c := newClient(t)
	cfg := hyperTuneConfig(t, ModeNested)

	var out bytes.Buffer
	res, err := RunHyperTune(ctx, c, cfg, WithLoader(syntheticLoader(120, 2)), WithOutput(&out))
	require.NoError(t, err)
	require.Len(t, res.ChildRunIDs, 4)
	assert.Contains(t, out.String(), "'max_depth': ")

	children, err := c.ListChildRuns(ctx, res.RunID)
	require.NoError(t, err)
	require.Len(t, children, 4)

	best := -1.0
	for _, ch := range children {
		assert.Equal(t, tracking.RunStatusFinished, ch.Info.Status)
		for key := range cfg.Grid {
			_, ok := ch.Data.Param(key)
			assert.True(t, ok, "child param %s", key)
		}
		acc, ok := ch.Data.Metric("accuracy")
		require.True(t, ok)
		if acc > best {
			best = acc
		}
	}

	parent, err := c.GetRun(ctx, res.RunID)
	require.NoError(t, err)
	assert.Equal(t, tracking.RunStatusFinished, parent.Info.Status)
	acc, ok := parent.Data.Metric("accuracy")
	require.True(t, ok)
	assert.Equal(t, best, acc, "parent accuracy is the best child accuracy")
	assert.Equal(t, res.Accuracy, acc)
	assertParamsLogged(t, cfg, parent)
	author, _ := parent.Data.Tag(AuthorTag)
	assert.Equal(t, "tester", author)

	contexts := map[string]bool{}
	for _, in := range parent.Inputs.DatasetInputs {
		contexts[in.Context()] = true
	}
	assert.Equal(t, map[string]bool{"training": true, "testing": true}, contexts)

	names := artifactNames(t, c, parent)
	assert.Equal(t, true, names[NestedModelPath], "model directory")
	assert.Contains(t, names, "train.yaml")

	bundle, _, err := c.LoadModel(ctx, res.ModelURI)
	require.NoError(t, err)
	for key, want := range res.BestParams {
		assert.Equal(t, bundle.Params[key], model.FormatParam(want), key)
	}
}

func TestRunHyperTuneBestOnly(t *testing.T) {
	ctx := context.Background()
	c := newClient(t)
	cfg := hyperTuneConfig(t, ModeBestOnly)

	res, err := RunHyperTune(ctx, c, cfg, WithLoader(syntheticLoader(120, 2)))
	require.NoError(t, err)
	assert.Empty(t, res.ChildRunIDs)

	children, err := c.ListChildRuns(ctx, res.RunID)
	require.NoError(t, err)
	assert.Empty(t, children)

	rec, err := c.GetRun(ctx, res.RunID)
	require.NoError(t, err)
	acc, _ := rec.Data.Metric("accuracy")
	assert.Equal(t, res.Accuracy, acc)
	assert.Empty(t, rec.Inputs.DatasetInputs)
	assertParamsLogged(t, cfg, rec)

	names := artifactNames(t, c, rec)
	assert.Contains(t, names, TrainingDataFile)
	assert.Contains(t, names, TestingDataFile)
	assert.Equal(t, true, names[BestOnlyModelPath])
	assert.NotContains(t, names, "train.yaml")
}

func TestRunHyperTuneDefaultAuthor(t *testing.T) {
	ctx := context.Background()
	c := newClient(t)
	cfg := hyperTuneConfig(t, ModeBestOnly)
	cfg.Author = ""

	res, err := RunHyperTune(ctx, c, cfg, WithLoader(syntheticLoader(60, 2)))
	require.NoError(t, err)

	rec, err := c.GetRun(ctx, res.RunID)
	require.NoError(t, err)
	author, _ := rec.Data.Tag(AuthorTag)
	assert.Equal(t, "tester", author, "author defaults to the client user")
}

func TestRunHyperTuneFailureMarksRunFailed(t *testing.T) {
	ctx := context.Background()
	c := newClient(t)
	cfg := hyperTuneConfig(t, ModeNested)
	cfg.Grid = model_selection.ParamGrid{"no_such_param": {1}}

	_, err := RunHyperTune(ctx, c, cfg, WithLoader(syntheticLoader(60, 2)))
	require.Error(t, err)

	runs, err := c.SearchRuns(ctx, tracking.RunFilter{})
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, tracking.RunStatusFailed, runs[0].Info.Status)
}

func TestLoadConfig(t *testing.T) {
	v := viper.New()
	v.SetConfigType("yaml")
	require.NoError(t, v.ReadConfig(strings.NewReader(`
experiment: custom
test_size: 0.3
model:
  n_estimators: 20
grid:
  max_depth: [null, 4]
mode: best-only
s3:
  endpoint: http://minio:9000
`)))
	cfg, err := LoadConfig(v, HyperTuneDefaults())
	require.NoError(t, err)
	assert.Equal(t, "custom", cfg.Experiment)
	assert.Equal(t, 0.3, cfg.TestSize)
	assert.Equal(t, ModeBestOnly, cfg.Mode)
	assert.Equal(t, "http://minio:9000", cfg.S3.Endpoint)
	assert.EqualValues(t, 20, cfg.Model["n_estimators"])
	assert.EqualValues(t, 42, cfg.Model["random_state"], "defaults merged")
	require.Len(t, cfg.Grid, 1, "grid replaced")
	assert.Equal(t, []interface{}{nil, 4}, cfg.Grid["max_depth"])
	assert.Equal(t, uint64(42), cfg.Seed)

	// defaults are left untouched
	assert.Len(t, HyperTuneDefaults().Model, 1)
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"empty experiment", func(c *Config) { c.Experiment = "" }},
		{"no data", func(c *Config) { c.Dataset = "" }},
		{"test size", func(c *Config) { c.TestSize = 1 }},
		{"mode", func(c *Config) { c.Mode = "everything" }},
		{"cv", func(c *Config) { c.CV = 1 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := HyperTuneDefaults()
			tt.mutate(&cfg)
			assert.Error(t, cfg.Validate())
		})
	}
	assert.NoError(t, BaselineDefaults().Validate())
	assert.NoError(t, HyperTuneDefaults().Validate())
}

func TestFormatBest(t *testing.T) {
	got := formatBest(map[string]interface{}{"n_estimators": 100, "max_depth": nil})
	assert.Equal(t, "{'max_depth': None, 'n_estimators': 100}", got)
}
