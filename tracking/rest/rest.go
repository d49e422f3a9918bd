// Package rest talks to an MLflow tracking server over its REST API 2.0.
// Importing it registers the http:// and https:// schemes.
//
// Credentials come from the environment variables MLflow itself reads:
// MLFLOW_TRACKING_TOKEN (bearer) or MLFLOW_TRACKING_USERNAME and
// MLFLOW_TRACKING_PASSWORD (basic auth).
package rest

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/go-http-utils/headers"
	"github.com/hashicorp/go-retryablehttp"

	"github.com/YuminosukeSato/mltrack/pkg/errors"
	"github.com/YuminosukeSato/mltrack/pkg/log"
	"github.com/YuminosukeSato/mltrack/pkg/retry"
	"github.com/YuminosukeSato/mltrack/tracking"
)

// APIPrefix is the route prefix of the tracking API.
const APIPrefix = "/api/2.0/mlflow"

const searchPageSize = 1000

func init() {
	open := func(_ context.Context, uri string) (tracking.Store, error) {
		return New(uri)
	}
	tracking.Register("http", open)
	tracking.Register("https", open)
}

// Store is a tracking.Store backed by a remote tracking server.
type Store struct {
	base     string
	client   *http.Client
	token    string
	user     string
	password string
	backoff  time.Duration
	logger   log.Logger
	http     *retryablehttp.Client
}

var _ tracking.Store = (*Store)(nil)

// Option configures a Store.
type Option func(*Store)

// WithHTTPClient replaces http.DefaultClient.
func WithHTTPClient(c *http.Client) Option {
	return func(s *Store) { s.client = c }
}

// WithToken sets a bearer token, overriding MLFLOW_TRACKING_TOKEN.
func WithToken(token string) Option {
	return func(s *Store) { s.token = token }
}

// WithBackoff sets the initial delay between retries of failed reads and
// idempotent writes. Creating experiments and runs is never retried.
func WithBackoff(d time.Duration) Option {
	return func(s *Store) { s.backoff = d }
}

// New returns a store for the server at uri, e.g. http://127.0.0.1:5000.
func New(uri string, opts ...Option) (*Store, error) {
	u, err := url.Parse(uri)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, errors.NewValueError("rest.New", "tracking URI must be http(s)://host[:port], got "+uri)
	}
	s := &Store{
		base:     strings.TrimRight(uri, "/"),
		client:   http.DefaultClient,
		token:    os.Getenv("MLFLOW_TRACKING_TOKEN"),
		user:     os.Getenv("MLFLOW_TRACKING_USERNAME"),
		password: os.Getenv("MLFLOW_TRACKING_PASSWORD"),
		backoff:  retry.DefaultBackoff,
		logger:   log.GetLoggerWithName("rest").With(log.TrackingURIKey, uri),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.http = retry.NewClient(s.client, retry.WithBackoff(s.backoff), retry.WithLogger(s.logger))
	return s, nil
}

// Close implements tracking.Store.
func (s *Store) Close() error {
	s.client.CloseIdleConnections()
	return nil
}

// endpoints whose replay could create a duplicate when the server committed
// the write but the reply was lost
var createEndpoints = map[string]bool{
	"/experiments/create": true,
	"/runs/create":        true,
}

// call sends one API request and decodes the reply into out (if non-nil).
// GET requests carry query as URL parameters, others as a JSON body.
func (s *Store) call(ctx context.Context, op, method, endpoint string, query url.Values, in, out interface{}) error {
	var body []byte
	if in != nil {
		var err error
		if body, err = json.Marshal(in); err != nil {
			return errors.Wrapf(err, "%s: encode request", op)
		}
	}
	target := s.base + APIPrefix + endpoint
	if len(query) > 0 {
		target += "?" + query.Encode()
	}
	if method != http.MethodGet && createEndpoints[endpoint] {
		ctx = retry.SingleAttempt(ctx)
	}

	status, raw, err := s.send(ctx, method, target, body)
	if err != nil {
		return err
	}
	if status/100 != 2 {
		return apiError(op, status, raw)
	}
	if out == nil || len(raw) == 0 {
		return nil
	}
	return errors.Wrapf(json.Unmarshal(raw, out), "%s: decode response", op)
}

func (s *Store) send(ctx context.Context, method, target string, body []byte) (int, []byte, error) {
	var rawBody interface{}
	if body != nil {
		rawBody = body
	}
	req, err := retryablehttp.NewRequestWithContext(ctx, method, target, rawBody)
	if err != nil {
		return 0, nil, errors.Wrapf(err, "build %s %s", method, target)
	}
	req.Header.Set(headers.UserAgent, "mltrack")
	req.Header.Set(headers.Accept, "application/json")
	if body != nil {
		req.Header.Set(headers.ContentType, "application/json")
	}
	switch {
	case s.token != "":
		req.Header.Set(headers.Authorization, "Bearer "+s.token)
	case s.user != "":
		req.SetBasicAuth(s.user, s.password)
	}

	resp, err := s.http.Do(req)
	if err != nil {
		return 0, nil, errors.Wrapf(err, "%s %s", method, target)
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return resp.StatusCode, nil, errors.Wrapf(err, "read response of %s %s", method, target)
	}
	return resp.StatusCode, raw, nil
}

func apiError(op string, status int, raw []byte) error {
	var e errorResponse
	if json.Unmarshal(raw, &e) != nil || e.ErrorCode == "" {
		e.ErrorCode = errors.CodeInternalError
		if status == http.StatusNotFound {
			e.ErrorCode = errors.CodeResourceDoesNotExist
		}
		e.Message = strings.TrimSpace(string(raw))
	}
	return errors.NewHTTPTrackingError(op, e.ErrorCode, status, e.Message)
}

// ===========================================================================
//
//	Experiments
//
// ===========================================================================

// CreateExperiment implements tracking.Store.
func (s *Store) CreateExperiment(ctx context.Context, name, artifactLocation string) (string, error) {
	var out createExperimentResponse
	err := s.call(ctx, "CreateExperiment", http.MethodPost, "/experiments/create", nil,
		createExperimentRequest{Name: name, ArtifactLocation: artifactLocation}, &out)
	return out.ExperimentID, err
}

// GetExperiment implements tracking.Store.
func (s *Store) GetExperiment(ctx context.Context, experimentID string) (*tracking.Experiment, error) {
	var out experimentResponse
	if err := s.call(ctx, "GetExperiment", http.MethodGet, "/experiments/get",
		url.Values{"experiment_id": {experimentID}}, nil, &out); err != nil {
		return nil, err
	}
	return out.Experiment.experiment(), nil
}

// GetExperimentByName implements tracking.Store.
func (s *Store) GetExperimentByName(ctx context.Context, name string) (*tracking.Experiment, error) {
	var out experimentResponse
	if err := s.call(ctx, "GetExperimentByName", http.MethodGet, "/experiments/get-by-name",
		url.Values{"experiment_name": {name}}, nil, &out); err != nil {
		return nil, err
	}
	return out.Experiment.experiment(), nil
}

// ===========================================================================
//
//	Runs
//
// ===========================================================================

func wireTags(tags []tracking.Tag) []wireTag {
	out := make([]wireTag, len(tags))
	for i, t := range tags {
		out[i] = wireTag(t)
	}
	return out
}

// CreateRun implements tracking.Store.
func (s *Store) CreateRun(ctx context.Context, req tracking.CreateRunRequest) (*tracking.RunInfo, error) {
	var out runResponse
	if err := s.call(ctx, "CreateRun", http.MethodPost, "/runs/create", nil, createRunRequest{
		ExperimentID: req.ExperimentID,
		UserID:       req.UserID,
		RunName:      req.RunName,
		StartTime:    req.StartTime,
		Tags:         wireTags(req.Tags),
	}, &out); err != nil {
		return nil, err
	}
	info := out.Run.Info.info()
	return &info, nil
}

// UpdateRun implements tracking.Store.
func (s *Store) UpdateRun(ctx context.Context, runID string, status tracking.RunStatus, endTime int64) error {
	req := updateRunRequest{RunID: runID, RunUUID: runID, Status: string(status)}
	if status.IsTerminal() {
		req.EndTime = endTime
	}
	return s.call(ctx, "UpdateRun", http.MethodPost, "/runs/update", nil, req, nil)
}

// GetRun implements tracking.Store.
func (s *Store) GetRun(ctx context.Context, runID string) (*tracking.RunRecord, error) {
	var out runResponse
	if err := s.call(ctx, "GetRun", http.MethodGet, "/runs/get",
		url.Values{"run_id": {runID}}, nil, &out); err != nil {
		return nil, err
	}
	return out.Run.record(), nil
}

// FilterString renders f in MLflow's search syntax.
func FilterString(f tracking.RunFilter) string {
	var clauses []string
	if f.ParentRunID != "" {
		clauses = append(clauses, "tags.`"+tracking.TagParentRunID+"` = '"+escapeQuote(f.ParentRunID)+"'")
	}
	if f.Status != "" {
		clauses = append(clauses, "attributes.status = '"+escapeQuote(string(f.Status))+"'")
	}
	return strings.Join(clauses, " AND ")
}

func escapeQuote(s string) string {
	return strings.ReplaceAll(s, "'", "\\'")
}

// SearchRuns implements tracking.Store, following next_page_token until the
// server has no more results.
func (s *Store) SearchRuns(ctx context.Context, experimentIDs []string, filter tracking.RunFilter) ([]*tracking.RunRecord, error) {
	req := searchRunsRequest{
		ExperimentIDs: experimentIDs,
		Filter:        FilterString(filter),
		RunViewType:   "ACTIVE_ONLY",
		MaxResults:    searchPageSize,
		OrderBy:       []string{"attributes.start_time DESC"},
	}
	var out []*tracking.RunRecord
	for {
		var page searchRunsResponse
		if err := s.call(ctx, "SearchRuns", http.MethodPost, "/runs/search", nil, req, &page); err != nil {
			return nil, err
		}
		for i := range page.Runs {
			out = append(out, page.Runs[i].record())
		}
		if page.NextPageToken == "" {
			return out, nil
		}
		req.PageToken = page.NextPageToken
	}
}

// LogBatch implements tracking.Store.
func (s *Store) LogBatch(ctx context.Context, runID string, metrics []tracking.Metric, params []tracking.Param, tags []tracking.Tag) error {
	req := logBatchRequest{RunID: runID, Tags: wireTags(tags)}
	for _, m := range metrics {
		req.Metrics = append(req.Metrics, wireMetric{
			Key: m.Key, Value: jsonFloat(m.Value), Timestamp: flexInt(m.Timestamp), Step: flexInt(m.Step),
		})
	}
	for _, p := range params {
		req.Params = append(req.Params, wireParam(p))
	}
	return s.call(ctx, "LogBatch", http.MethodPost, "/runs/log-batch", nil, req, nil)
}

// LogInputs implements tracking.Store.
func (s *Store) LogInputs(ctx context.Context, runID string, inputs []tracking.DatasetInput) error {
	req := logInputsRequest{RunID: runID}
	for _, in := range inputs {
		wi := wireDatasetInput{Dataset: wireDataset(in.Dataset)}
		for _, t := range in.Tags {
			wi.Tags = append(wi.Tags, wireTag(t))
		}
		req.Datasets = append(req.Datasets, wi)
	}
	return s.call(ctx, "LogInputs", http.MethodPost, "/runs/log-inputs", nil, req, nil)
}
