package rest

import (
	"context"
	"encoding/json"
	"math"
	"net/http"
	"net/http/httptest"
	"regexp"
	"strconv"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-http-utils/headers"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/YuminosukeSato/mltrack/pkg/errors"
	"github.com/YuminosukeSato/mltrack/tracking"
	"github.com/YuminosukeSato/mltrack/tracking/filestore"
	"github.com/YuminosukeSato/mltrack/tracking/storetest"
)

// fakeServer exposes a file store through the MLflow REST routes the client uses.
type fakeServer struct {
	backend  tracking.Store
	pageSize int
	auth     string // last Authorization header seen
}

var (
	parentFilter = regexp.MustCompile("tags\\.`mlflow\\.parentRunId` = '([^']*)'")
	statusFilter = regexp.MustCompile(`attributes\.status = '([^']*)'`)
)

func newFakeServer(t *testing.T) (*fakeServer, *httptest.Server) {
	t.Helper()
	backend, err := filestore.Open(t.TempDir())
	require.NoError(t, err)
	f := &fakeServer{backend: backend, pageSize: 2}

	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(func(c *gin.Context) {
		f.auth = c.GetHeader(headers.Authorization)
		c.Next()
	})
	api := r.Group(APIPrefix)
	api.POST("/experiments/create", f.createExperiment)
	api.GET("/experiments/get", f.getExperiment)
	api.GET("/experiments/get-by-name", f.getExperimentByName)
	api.POST("/runs/create", f.createRun)
	api.POST("/runs/update", f.updateRun)
	api.GET("/runs/get", f.getRun)
	api.POST("/runs/search", f.searchRuns)
	api.POST("/runs/log-batch", f.logBatch)
	api.POST("/runs/log-inputs", f.logInputs)

	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return f, srv
}

func (f *fakeServer) fail(c *gin.Context, err error) {
	var te *errors.TrackingError
	if !errors.As(err, &te) {
		c.JSON(http.StatusInternalServerError, errorResponse{ErrorCode: errors.CodeInternalError, Message: err.Error()})
		return
	}
	status := http.StatusBadRequest
	if te.Code == errors.CodeResourceDoesNotExist {
		status = http.StatusNotFound
	}
	c.JSON(status, errorResponse{ErrorCode: te.Code, Message: te.Message})
}

func (f *fakeServer) createExperiment(c *gin.Context) {
	var req createExperimentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.AbortWithStatus(http.StatusBadRequest)
		return
	}
	id, err := f.backend.CreateExperiment(c, req.Name, req.ArtifactLocation)
	if err != nil {
		f.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, createExperimentResponse{ExperimentID: id})
}

func experimentJSON(exp *tracking.Experiment) experimentResponse {
	return experimentResponse{Experiment: wireExperiment{
		ExperimentID:     exp.ExperimentID,
		Name:             exp.Name,
		ArtifactLocation: exp.ArtifactLocation,
		LifecycleStage:   exp.LifecycleStage,
		CreationTime:     flexInt(exp.CreationTime),
		LastUpdateTime:   flexInt(exp.LastUpdateTime),
	}}
}

func (f *fakeServer) getExperiment(c *gin.Context) {
	exp, err := f.backend.GetExperiment(c, c.Query("experiment_id"))
	if err != nil {
		f.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, experimentJSON(exp))
}

func (f *fakeServer) getExperimentByName(c *gin.Context) {
	exp, err := f.backend.GetExperimentByName(c, c.Query("experiment_name"))
	if err != nil {
		f.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, experimentJSON(exp))
}

func (f *fakeServer) createRun(c *gin.Context) {
	var req createRunRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.AbortWithStatus(http.StatusBadRequest)
		return
	}
	var tags []tracking.Tag
	for _, t := range req.Tags {
		tags = append(tags, tracking.Tag(t))
	}
	info, err := f.backend.CreateRun(c, tracking.CreateRunRequest{
		ExperimentID: req.ExperimentID, UserID: req.UserID, RunName: req.RunName, StartTime: req.StartTime, Tags: tags,
	})
	if err != nil {
		f.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"run": gin.H{"info": wireInfoOf(*info), "data": gin.H{}}})
}

func (f *fakeServer) updateRun(c *gin.Context) {
	var req updateRunRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.AbortWithStatus(http.StatusBadRequest)
		return
	}
	if err := f.backend.UpdateRun(c, req.RunID, tracking.RunStatus(req.Status), req.EndTime); err != nil {
		f.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{})
}

func (f *fakeServer) getRun(c *gin.Context) {
	rec, err := f.backend.GetRun(c, c.Query("run_id"))
	if err != nil {
		f.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, runResponse{Run: wireRunOf(rec)})
}

func (f *fakeServer) searchRuns(c *gin.Context) {
	var req searchRunsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.AbortWithStatus(http.StatusBadRequest)
		return
	}
	var filter tracking.RunFilter
	if m := parentFilter.FindStringSubmatch(req.Filter); m != nil {
		filter.ParentRunID = m[1]
	}
	if m := statusFilter.FindStringSubmatch(req.Filter); m != nil {
		filter.Status = tracking.RunStatus(m[1])
	}
	recs, err := f.backend.SearchRuns(c, req.ExperimentIDs, filter)
	if err != nil {
		f.fail(c, err)
		return
	}
	offset, _ := strconv.Atoi(req.PageToken)
	end := min(offset+f.pageSize, len(recs))
	resp := searchRunsResponse{Runs: []wireRun{}}
	for _, rec := range recs[offset:end] {
		resp.Runs = append(resp.Runs, wireRunOf(rec))
	}
	if end < len(recs) {
		resp.NextPageToken = strconv.Itoa(end)
	}
	c.JSON(http.StatusOK, resp)
}

func (f *fakeServer) logBatch(c *gin.Context) {
	var req logBatchRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.AbortWithStatus(http.StatusBadRequest)
		return
	}
	var (
		metrics []tracking.Metric
		params  []tracking.Param
		tags    []tracking.Tag
	)
	for _, m := range req.Metrics {
		metrics = append(metrics, tracking.Metric{Key: m.Key, Value: float64(m.Value), Timestamp: int64(m.Timestamp), Step: int64(m.Step)})
	}
	for _, p := range req.Params {
		params = append(params, tracking.Param(p))
	}
	for _, t := range req.Tags {
		tags = append(tags, tracking.Tag(t))
	}
	if err := f.backend.LogBatch(c, req.RunID, metrics, params, tags); err != nil {
		f.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{})
}

func (f *fakeServer) logInputs(c *gin.Context) {
	var req logInputsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.AbortWithStatus(http.StatusBadRequest)
		return
	}
	var inputs []tracking.DatasetInput
	for _, in := range req.Datasets {
		di := tracking.DatasetInput{Dataset: tracking.Dataset(in.Dataset)}
		for _, t := range in.Tags {
			di.Tags = append(di.Tags, tracking.InputTag(t))
		}
		inputs = append(inputs, di)
	}
	if err := f.backend.LogInputs(c, req.RunID, inputs); err != nil {
		f.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{})
}

func TestStore(t *testing.T) {
	storetest.Run(t, func(t *testing.T) tracking.Store {
		_, srv := newFakeServer(t)
		s, err := New(srv.URL, WithHTTPClient(srv.Client()))
		require.NoError(t, err)
		return s
	})
}

func TestRegisteredForHTTP(t *testing.T) {
	_, srv := newFakeServer(t)
	s, err := tracking.OpenStore(context.Background(), srv.URL)
	require.NoError(t, err)
	assert.IsType(t, &Store{}, s)

	_, err = New("ftp://example.com")
	assert.Error(t, err)
	_, err = New("http://")
	assert.Error(t, err)
}

func TestBearerToken(t *testing.T) {
	f, srv := newFakeServer(t)
	s, err := New(srv.URL, WithToken("s3cret"))
	require.NoError(t, err)
	_, err = s.GetExperiment(context.Background(), tracking.DefaultExperimentID)
	require.NoError(t, err)
	assert.Equal(t, "Bearer s3cret", f.auth)
}

func TestRetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.Header().Set(headers.ContentType, "application/json")
		_, _ = w.Write([]byte(`{"experiment":{"experiment_id":"0","name":"Default","creation_time":"1700000000000"}}`))
	}))
	defer srv.Close()

	s, err := New(srv.URL, WithBackoff(time.Millisecond))
	require.NoError(t, err)
	exp, err := s.GetExperiment(context.Background(), "0")
	require.NoError(t, err)
	assert.Equal(t, "Default", exp.Name)
	assert.Equal(t, int64(1700000000000), exp.CreationTime, "string-encoded int64")
	assert.Equal(t, int32(3), calls.Load())
}

func TestCreateIsNotRetried(t *testing.T) {
	tests := []struct {
		name   string
		create func(s *Store) error
	}{
		{"experiment", func(s *Store) error {
			_, err := s.CreateExperiment(context.Background(), "wine", "")
			return err
		}},
		{"run", func(s *Store) error {
			_, err := s.CreateRun(context.Background(), tracking.CreateRunRequest{ExperimentID: "0", RunName: "r"})
			return err
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var calls atomic.Int32
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				calls.Add(1)
				w.WriteHeader(http.StatusBadGateway)
			}))
			defer srv.Close()

			s, err := New(srv.URL, WithBackoff(time.Millisecond))
			require.NoError(t, err)
			err = tt.create(s)
			var te *errors.TrackingError
			require.True(t, errors.As(err, &te), "%v", err)
			assert.Equal(t, http.StatusBadGateway, te.Status)
			assert.Equal(t, int32(1), calls.Load(), "a lost reply must not create a duplicate")
		})
	}
}

func TestLogBatchIsRetried(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		_, _ = w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	s, err := New(srv.URL, WithBackoff(time.Millisecond))
	require.NoError(t, err)
	err = s.LogBatch(context.Background(), "abc", nil, []tracking.Param{{Key: "max_depth", Value: "5"}}, nil)
	require.NoError(t, err)
	assert.Equal(t, int32(2), calls.Load())
}

func TestErrorMapping(t *testing.T) {
	tests := []struct {
		name     string
		status   int
		body     string
		wantCode string
	}{
		{"mlflow error", http.StatusBadRequest, `{"error_code":"INVALID_PARAMETER_VALUE","message":"bad"}`, errors.CodeInvalidParameterValue},
		{"plain 404", http.StatusNotFound, `not found`, errors.CodeResourceDoesNotExist},
		{"plain 403", http.StatusForbidden, `forbidden`, errors.CodeInternalError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(tt.body))
			}))
			defer srv.Close()
			s, err := New(srv.URL)
			require.NoError(t, err)

			_, err = s.GetRun(context.Background(), "abc")
			var te *errors.TrackingError
			require.True(t, errors.As(err, &te), "%v", err)
			assert.Equal(t, tt.wantCode, te.Code)
			assert.Equal(t, tt.status, te.Status)
		})
	}
}

func TestFilterString(t *testing.T) {
	assert.Equal(t, "", FilterString(tracking.RunFilter{}))
	assert.Equal(t, "tags.`mlflow.parentRunId` = 'abc' AND attributes.status = 'FINISHED'",
		FilterString(tracking.RunFilter{ParentRunID: "abc", Status: tracking.RunStatusFinished}))
}

func TestJSONFloatSpecialValues(t *testing.T) {
	raw, err := json.Marshal([]jsonFloat{jsonFloat(math.NaN()), jsonFloat(math.Inf(1)), 0.5})
	require.NoError(t, err)
	assert.JSONEq(t, `["NaN","Infinity",0.5]`, string(raw))

	var back []jsonFloat
	require.NoError(t, json.Unmarshal(raw, &back))
	assert.True(t, math.IsNaN(float64(back[0])))
	assert.True(t, math.IsInf(float64(back[1]), 1))
	assert.Equal(t, jsonFloat(0.5), back[2])
}

func TestClientOverREST(t *testing.T) {
	ctx := context.Background()
	_, srv := newFakeServer(t)
	c, err := tracking.NewClient(ctx, srv.URL, tracking.WithUser("remote"))
	require.NoError(t, err)

	_, err = c.SetExperiment(ctx, "remote-exp")
	require.NoError(t, err)
	var parentID string
	err = c.WithRun(ctx, func(ctx context.Context, run *tracking.Run) error {
		parentID = run.ID()
		for i := 0; i < 3; i++ {
			if err := run.WithChild(ctx, func(ctx context.Context, child *tracking.Run) error {
				return child.LogMetric(ctx, "accuracy", float64(i)/10)
			}); err != nil {
				return err
			}
		}
		return run.LogParam(ctx, "cv", 5)
	})
	require.NoError(t, err)

	// three children with a page size of two exercises pagination
	children, err := c.ListChildRuns(ctx, parentID)
	require.NoError(t, err)
	assert.Len(t, children, 3)

	rec, err := c.GetRun(ctx, parentID)
	require.NoError(t, err)
	assert.Equal(t, tracking.RunStatusFinished, rec.Info.Status)
	cv, _ := rec.Data.Param("cv")
	assert.Equal(t, "5", cv)
}
