package cmd

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/YuminosukeSato/mltrack/datasets"
	"github.com/YuminosukeSato/mltrack/tracking"
	"github.com/YuminosukeSato/mltrack/workflow"
)

func synthetic(context.Context, workflow.Config) (*datasets.Frame, error) {
	return datasets.MakeClassification(90, 4, 3, 11)
}

func execute(t *testing.T, args ...string) string {
	t.Helper()
	var out bytes.Buffer
	root := newApp(&out, synthetic).rootCommand()
	root.SetArgs(append(args, "--log-level", "error"))
	require.NoError(t, root.ExecuteContext(context.Background()))
	return out.String()
}

func TestBaselineCommand(t *testing.T) {
	uri := filepath.Join(t.TempDir(), "mlruns")
	out := execute(t, "baseline", "--tracking-uri", uri, "--experiment", "cli", "--n-estimators", "4", "--seed", "3")
	assert.True(t, strings.HasPrefix(out, "accuracy: "), out)

	c, err := tracking.NewClient(context.Background(), uri)
	require.NoError(t, err)
	defer c.Close()
	exp, err := c.SetExperiment(context.Background(), "cli")
	require.NoError(t, err)
	runs, err := c.SearchRuns(context.Background(), tracking.RunFilter{}, exp.ExperimentID)
	require.NoError(t, err)
	require.Len(t, runs, 1)

	n, _ := runs[0].Data.Param("n_estimators")
	assert.Equal(t, "4", n, "flag overrides the default")
	depth, _ := runs[0].Data.Param("max_depth")
	assert.Equal(t, "5", depth, "default kept")

	got := execute(t, "runs", "get", runs[0].Info.RunID, "--tracking-uri", uri)
	var rec tracking.RunRecord
	require.NoError(t, json.Unmarshal([]byte(got), &rec))
	assert.Equal(t, runs[0].Info.RunID, rec.Info.RunID)
	assert.Equal(t, tracking.RunStatusFinished, rec.Info.Status)

	listed := execute(t, "runs", "list", "--tracking-uri", uri, "--experiment", "cli", "--status", "finished")
	assert.Contains(t, listed, runs[0].Info.RunID)
}

func TestHyperTuneCommandFromConfig(t *testing.T) {
	dir := t.TempDir()
	uri := "sqlite:///" + filepath.Join(dir, "mlflow.db")
	config := filepath.Join(dir, "hypertune.yaml")
	require.NoError(t, os.WriteFile(config, []byte(`
experiment: cli-tune
author: tester
cv: 3
n_jobs: 2
verbose: 0
grid:
  n_estimators: [3, 6]
  max_depth: [null, 3]
`), 0o644))

	out := execute(t, "hypertune", "--config", config, "--tracking-uri", uri)
	assert.Contains(t, out, "'n_estimators': ")

	c, err := tracking.NewClient(context.Background(), uri)
	require.NoError(t, err)
	defer c.Close()
	exp, err := c.SetExperiment(context.Background(), "cli-tune")
	require.NoError(t, err)
	all, err := c.SearchRuns(context.Background(), tracking.RunFilter{}, exp.ExperimentID)
	require.NoError(t, err)
	require.Len(t, all, 5)

	var parent *tracking.RunRecord
	for _, r := range all {
		if r.ParentRunID() == "" {
			parent = r
		}
	}
	require.NotNil(t, parent)
	author, _ := parent.Data.Tag(workflow.AuthorTag)
	assert.Equal(t, "tester", author)

	table := execute(t, "runs", "children", parent.Info.RunID, "--tracking-uri", uri)
	lines := strings.Split(strings.TrimSpace(table), "\n")
	assert.Len(t, lines, 5, "header plus one row per candidate")
	assert.Contains(t, lines[0], "RUN ID")
}

func TestEnvironmentOverrides(t *testing.T) {
	uri := filepath.Join(t.TempDir(), "mlruns")
	t.Setenv("MLTRACK_TRACKING_URI", uri)
	t.Setenv("MLTRACK_EXPERIMENT", "from-env")
	t.Setenv("MLTRACK_TEST_SIZE", "0.25")

	execute(t, "baseline")

	c, err := tracking.NewClient(context.Background(), uri)
	require.NoError(t, err)
	defer c.Close()
	_, err = c.Store().GetExperimentByName(context.Background(), "from-env")
	assert.NoError(t, err)
}

func TestInvalidMode(t *testing.T) {
	var out bytes.Buffer
	root := newApp(&out, synthetic).rootCommand()
	root.SetArgs([]string{"hypertune", "--mode", "all", "--tracking-uri", t.TempDir(), "--log-level", "error"})
	assert.Error(t, root.ExecuteContext(context.Background()))
}
