package filestore

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/YuminosukeSato/mltrack/tracking"
	"github.com/YuminosukeSato/mltrack/tracking/storetest"
)

func TestStore(t *testing.T) {
	storetest.Run(t, func(t *testing.T) tracking.Store {
		s, err := Open(t.TempDir())
		require.NoError(t, err)
		return s
	})
}

func TestLayout(t *testing.T) {
	ctx := context.Background()
	root := t.TempDir()
	s, err := Open(root)
	require.NoError(t, err)

	info, err := s.CreateRun(ctx, tracking.CreateRunRequest{ExperimentID: "0", RunName: "layout", StartTime: 7})
	require.NoError(t, err)
	require.NoError(t, s.LogBatch(ctx, info.RunID,
		[]tracking.Metric{{Key: "accuracy", Value: 0.25, Timestamp: 11, Step: 3}},
		[]tracking.Param{{Key: "max_depth", Value: "None"}},
		[]tracking.Tag{{Key: "mlflow.user", Value: "me"}}))

	runDir := filepath.Join(root, "0", info.RunID)
	assert.FileExists(t, filepath.Join(root, "0", metaFile))
	assert.FileExists(t, filepath.Join(runDir, metaFile))
	assert.DirExists(t, filepath.Join(runDir, artifactDir))

	raw, err := os.ReadFile(filepath.Join(runDir, metricsDir, "accuracy"))
	require.NoError(t, err)
	assert.Equal(t, "11 0.25 3\n", string(raw))

	raw, err = os.ReadFile(filepath.Join(runDir, paramsDir, "max_depth"))
	require.NoError(t, err)
	assert.Equal(t, "None", string(raw))

	raw, err = os.ReadFile(filepath.Join(runDir, tagsDir, "mlflow.user"))
	require.NoError(t, err)
	assert.Equal(t, "me", string(raw))

	meta, err := os.ReadFile(filepath.Join(runDir, metaFile))
	require.NoError(t, err)
	assert.Contains(t, string(meta), "run_name: layout")
	assert.Contains(t, string(meta), "status: 1")
	assert.True(t, strings.HasPrefix(info.ArtifactURI, "file://"), info.ArtifactURI)
}

func TestReopen(t *testing.T) {
	ctx := context.Background()
	root := t.TempDir()
	s, err := Open(root)
	require.NoError(t, err)
	expID, err := s.CreateExperiment(ctx, "persisted", "")
	require.NoError(t, err)
	info, err := s.CreateRun(ctx, tracking.CreateRunRequest{ExperimentID: expID, StartTime: 1})
	require.NoError(t, err)

	// a fresh store has no run index and must find the run by scanning
	s2, err := Open("file://" + filepath.ToSlash(root))
	require.NoError(t, err)
	assert.Equal(t, root, s2.Root())
	rec, err := s2.GetRun(ctx, info.RunID)
	require.NoError(t, err)
	assert.Equal(t, expID, rec.Info.ExperimentID)

	exp, err := s2.GetExperimentByName(ctx, "persisted")
	require.NoError(t, err)
	assert.Equal(t, expID, exp.ExperimentID)
}

func TestKeyPathRejectsEscapes(t *testing.T) {
	tests := []struct {
		key     string
		wantErr bool
	}{
		{"accuracy", false},
		{"cv/fold_0", false},
		{"", true},
		{"../escape", true},
		{"..", true},
		{"/abs", true},
	}
	for _, tt := range tests {
		t.Run(tt.key, func(t *testing.T) {
			_, err := keyPath("/run", metricsDir, tt.key)
			assert.Equal(t, tt.wantErr, err != nil, "err = %v", err)
		})
	}
}

func TestRegisteredForFileScheme(t *testing.T) {
	dir := t.TempDir()
	for _, uri := range []string{dir, "file://" + filepath.ToSlash(dir)} {
		s, err := tracking.OpenStore(context.Background(), uri)
		require.NoError(t, err, uri)
		assert.IsType(t, &Store{}, s)
		require.NoError(t, s.Close())
	}
}
