// Package storetest checks that a tracking.Store behaves like the reference
// backends. Backend packages call Run from their tests.
package storetest

import (
	"context"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/YuminosukeSato/mltrack/pkg/errors"
	"github.com/YuminosukeSato/mltrack/tracking"
)

// Opener returns a fresh, empty store for one subtest.
type Opener func(t *testing.T) tracking.Store

// Code returns the tracking error code carried by err, or "".
func Code(err error) string {
	var te *errors.TrackingError
	if errors.As(err, &te) {
		return te.Code
	}
	return ""
}

// Run exercises every Store operation against stores returned by open.
func Run(t *testing.T, open Opener) {
	tests := []struct {
		name string
		fn   func(t *testing.T, s tracking.Store)
	}{
		{"DefaultExperiment", testDefaultExperiment},
		{"CreateExperiment", testCreateExperiment},
		{"RunLifecycle", testRunLifecycle},
		{"ParamsAreImmutable", testParamsImmutable},
		{"LatestMetric", testLatestMetric},
		{"Tags", testTags},
		{"Inputs", testInputs},
		{"SearchRuns", testSearchRuns},
		{"Missing", testMissing},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := open(t)
			t.Cleanup(func() { _ = s.Close() })
			tt.fn(t, s)
		})
	}
}

func newRun(t *testing.T, s tracking.Store, expID string, start int64, tags ...tracking.Tag) *tracking.RunInfo {
	t.Helper()
	info, err := s.CreateRun(context.Background(), tracking.CreateRunRequest{
		ExperimentID: expID,
		UserID:       "tester",
		RunName:      "run",
		StartTime:    start,
		Tags:         tags,
	})
	require.NoError(t, err)
	return info
}

func testDefaultExperiment(t *testing.T, s tracking.Store) {
	ctx := context.Background()
	exp, err := s.GetExperiment(ctx, tracking.DefaultExperimentID)
	require.NoError(t, err)
	assert.Equal(t, tracking.DefaultExperimentName, exp.Name)
	assert.Equal(t, tracking.LifecycleActive, exp.LifecycleStage)
	assert.NotEmpty(t, exp.ArtifactLocation)

	byName, err := s.GetExperimentByName(ctx, tracking.DefaultExperimentName)
	require.NoError(t, err)
	assert.Equal(t, tracking.DefaultExperimentID, byName.ExperimentID)
}

func testCreateExperiment(t *testing.T, s tracking.Store) {
	ctx := context.Background()
	id, err := s.CreateExperiment(ctx, "wine", "")
	require.NoError(t, err)
	assert.NotEqual(t, tracking.DefaultExperimentID, id)

	exp, err := s.GetExperimentByName(ctx, "wine")
	require.NoError(t, err)
	assert.Equal(t, id, exp.ExperimentID)
	assert.Contains(t, exp.ArtifactLocation, id)

	_, err = s.CreateExperiment(ctx, "wine", "")
	assert.Equal(t, errors.CodeResourceAlreadyExists, Code(err))

	_, err = s.CreateExperiment(ctx, "", "")
	assert.Equal(t, errors.CodeInvalidParameterValue, Code(err))

	custom, err := s.CreateExperiment(ctx, "custom", "s3://bucket/prefix")
	require.NoError(t, err)
	exp, err = s.GetExperiment(ctx, custom)
	require.NoError(t, err)
	assert.Equal(t, "s3://bucket/prefix", exp.ArtifactLocation)
}

func testRunLifecycle(t *testing.T, s tracking.Store) {
	ctx := context.Background()
	info := newRun(t, s, tracking.DefaultExperimentID, 1000, tracking.Tag{Key: tracking.TagRunName, Value: "run"})
	assert.Equal(t, tracking.RunStatusRunning, info.Status)
	assert.Equal(t, tracking.DefaultExperimentID, info.ExperimentID)
	assert.Contains(t, info.ArtifactURI, info.RunID)

	rec, err := s.GetRun(ctx, info.RunID)
	require.NoError(t, err)
	assert.Equal(t, tracking.RunStatusRunning, rec.Info.Status)
	assert.Equal(t, int64(1000), rec.Info.StartTime)
	assert.Zero(t, rec.Info.EndTime)
	assert.Equal(t, "tester", rec.Info.UserID)
	name, ok := rec.Data.Tag(tracking.TagRunName)
	assert.True(t, ok)
	assert.Equal(t, "run", name)

	require.NoError(t, s.UpdateRun(ctx, info.RunID, tracking.RunStatusFinished, 2000))
	rec, err = s.GetRun(ctx, info.RunID)
	require.NoError(t, err)
	assert.Equal(t, tracking.RunStatusFinished, rec.Info.Status)
	assert.Equal(t, int64(2000), rec.Info.EndTime)

	err = s.UpdateRun(ctx, info.RunID, tracking.RunStatus("BOGUS"), 0)
	assert.Equal(t, errors.CodeInvalidParameterValue, Code(err))
}

func testParamsImmutable(t *testing.T, s tracking.Store) {
	ctx := context.Background()
	info := newRun(t, s, tracking.DefaultExperimentID, 1)

	params := []tracking.Param{{Key: "max_depth", Value: "5"}, {Key: "n_estimators", Value: "8"}}
	require.NoError(t, s.LogBatch(ctx, info.RunID, nil, params, nil))
	// same value again is a no-op
	require.NoError(t, s.LogBatch(ctx, info.RunID, nil, params[:1], nil))

	err := s.LogBatch(ctx, info.RunID, nil, []tracking.Param{{Key: "max_depth", Value: "6"}}, nil)
	require.Error(t, err)
	assert.Equal(t, errors.CodeInvalidParameterValue, Code(err))

	rec, err := s.GetRun(ctx, info.RunID)
	require.NoError(t, err)
	assert.Equal(t, params, rec.Data.Params)
}

func testLatestMetric(t *testing.T, s tracking.Store) {
	ctx := context.Background()
	info := newRun(t, s, tracking.DefaultExperimentID, 1)

	require.NoError(t, s.LogBatch(ctx, info.RunID, []tracking.Metric{
		{Key: "accuracy", Value: 0.5, Timestamp: 10, Step: 0},
		{Key: "accuracy", Value: 0.9, Timestamp: 5, Step: 2},
		{Key: "accuracy", Value: 0.7, Timestamp: 20, Step: 1},
		{Key: "loss", Value: math.NaN(), Timestamp: 10},
	}, nil, nil))

	rec, err := s.GetRun(ctx, info.RunID)
	require.NoError(t, err)
	acc, ok := rec.Data.Metric("accuracy")
	require.True(t, ok)
	assert.Equal(t, 0.9, acc)
	loss, ok := rec.Data.Metric("loss")
	require.True(t, ok)
	assert.True(t, math.IsNaN(loss))
}

func testTags(t *testing.T, s tracking.Store) {
	ctx := context.Background()
	info := newRun(t, s, tracking.DefaultExperimentID, 1)

	require.NoError(t, s.LogBatch(ctx, info.RunID, nil, nil, []tracking.Tag{{Key: "author", Value: "a"}}))
	require.NoError(t, s.LogBatch(ctx, info.RunID, nil, nil, []tracking.Tag{{Key: "author", Value: "b"}}))

	rec, err := s.GetRun(ctx, info.RunID)
	require.NoError(t, err)
	author, ok := rec.Data.Tag("author")
	require.True(t, ok)
	assert.Equal(t, "b", author)
}

func testInputs(t *testing.T, s tracking.Store) {
	ctx := context.Background()
	info := newRun(t, s, tracking.DefaultExperimentID, 1)

	train := tracking.DatasetInput{
		Tags:    []tracking.InputTag{{Key: tracking.InputTagContext, Value: "training"}},
		Dataset: tracking.Dataset{Name: "wine", Digest: "abc123", SourceType: "code", Source: "{}", Schema: "{}", Profile: "{}"},
	}
	test := tracking.DatasetInput{
		Tags:    []tracking.InputTag{{Key: tracking.InputTagContext, Value: "testing"}},
		Dataset: tracking.Dataset{Name: "wine", Digest: "def456", SourceType: "code", Source: "{}"},
	}
	require.NoError(t, s.LogInputs(ctx, info.RunID, []tracking.DatasetInput{train, test}))
	// logging the same dataset again does not duplicate it
	require.NoError(t, s.LogInputs(ctx, info.RunID, []tracking.DatasetInput{train}))

	rec, err := s.GetRun(ctx, info.RunID)
	require.NoError(t, err)
	require.Len(t, rec.Inputs.DatasetInputs, 2)
	assert.Equal(t, train.Dataset, rec.Inputs.DatasetInputs[0].Dataset)
	assert.Equal(t, "training", rec.Inputs.DatasetInputs[0].Context())
	assert.Equal(t, "testing", rec.Inputs.DatasetInputs[1].Context())

	err = s.LogInputs(ctx, info.RunID, []tracking.DatasetInput{{Dataset: tracking.Dataset{Name: "nodigest"}}})
	assert.Equal(t, errors.CodeInvalidParameterValue, Code(err))
}

func testSearchRuns(t *testing.T, s tracking.Store) {
	ctx := context.Background()
	expID, err := s.CreateExperiment(ctx, "search", "")
	require.NoError(t, err)

	parent := newRun(t, s, expID, 100)
	child1 := newRun(t, s, expID, 200, tracking.Tag{Key: tracking.TagParentRunID, Value: parent.RunID})
	child2 := newRun(t, s, expID, 300, tracking.Tag{Key: tracking.TagParentRunID, Value: parent.RunID})
	newRun(t, s, tracking.DefaultExperimentID, 400)

	all, err := s.SearchRuns(ctx, []string{expID}, tracking.RunFilter{})
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, child2.RunID, all[0].Info.RunID, "newest first")
	assert.Equal(t, parent.RunID, all[2].Info.RunID)

	children, err := s.SearchRuns(ctx, []string{expID}, tracking.RunFilter{ParentRunID: parent.RunID})
	require.NoError(t, err)
	require.Len(t, children, 2)
	assert.ElementsMatch(t, []string{child1.RunID, child2.RunID},
		[]string{children[0].Info.RunID, children[1].Info.RunID})

	require.NoError(t, s.UpdateRun(ctx, child1.RunID, tracking.RunStatusFailed, 500))
	failed, err := s.SearchRuns(ctx, []string{expID}, tracking.RunFilter{Status: tracking.RunStatusFailed})
	require.NoError(t, err)
	require.Len(t, failed, 1)
	assert.Equal(t, child1.RunID, failed[0].Info.RunID)

	both, err := s.SearchRuns(ctx, []string{expID, tracking.DefaultExperimentID}, tracking.RunFilter{})
	require.NoError(t, err)
	assert.Len(t, both, 4)
}

func testMissing(t *testing.T, s tracking.Store) {
	ctx := context.Background()
	_, err := s.GetExperiment(ctx, "424242")
	assert.True(t, errors.IsNotFound(err), "GetExperiment: %v", err)
	_, err = s.GetExperimentByName(ctx, "nope")
	assert.True(t, errors.IsNotFound(err), "GetExperimentByName: %v", err)
	_, err = s.GetRun(ctx, "0123456789abcdef0123456789abcdef")
	assert.True(t, errors.IsNotFound(err), "GetRun: %v", err)
	err = s.UpdateRun(ctx, "0123456789abcdef0123456789abcdef", tracking.RunStatusFinished, 1)
	assert.True(t, errors.IsNotFound(err), "UpdateRun: %v", err)
	err = s.LogBatch(ctx, "0123456789abcdef0123456789abcdef", nil, []tracking.Param{{Key: "a", Value: "b"}}, nil)
	assert.True(t, errors.IsNotFound(err), "LogBatch: %v", err)
	_, err = s.CreateRun(ctx, tracking.CreateRunRequest{ExperimentID: "424242"})
	assert.True(t, errors.IsNotFound(err), "CreateRun: %v", err)
}
