// Package tracking records experiment runs in MLflow-compatible backends.
//
// A Client talks to one Store, chosen by tracking URI: a directory or file://
// URI for the file store, sqlite:/// for a SQLite database, or http(s):// for
// a tracking server. Backends register themselves when imported:
//
//	import (
//	    "github.com/YuminosukeSato/mltrack/tracking"
//	    _ "github.com/YuminosukeSato/mltrack/tracking/filestore"
//	)
//
//	client, err := tracking.NewClient(ctx, "./mlruns")
//	if _, err := client.SetExperiment(ctx, "wine"); err != nil { ... }
//	err = client.WithRun(ctx, func(ctx context.Context, run *tracking.Run) error {
//	    return run.LogMetric(ctx, "accuracy", 0.97)
//	})
package tracking

import (
	"context"
	"os"
	"os/user"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/YuminosukeSato/mltrack/pkg/errors"
	"github.com/YuminosukeSato/mltrack/pkg/log"
	"github.com/YuminosukeSato/mltrack/tracking/artifacts"
)

// Client creates runs and queries run state in one tracking backend.
type Client struct {
	store       Store
	uri         string
	artifactCfg artifacts.Config
	user        string
	sourceName  string
	clock       func() time.Time
	logger      log.Logger

	mu           sync.RWMutex
	experimentID string
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithUser sets the mlflow.user tag of new runs.
func WithUser(name string) ClientOption {
	return func(c *Client) { c.user = name }
}

// WithSourceName sets the mlflow.source.name tag of new runs.
func WithSourceName(name string) ClientOption {
	return func(c *Client) { c.sourceName = name }
}

// WithArtifactConfig sets S3 credentials and the HTTP client used for artifacts.
func WithArtifactConfig(cfg artifacts.Config) ClientOption {
	return func(c *Client) { c.artifactCfg = cfg }
}

// WithStore uses s instead of opening a backend from the URI.
func WithStore(s Store) ClientOption {
	return func(c *Client) { c.store = s }
}

// WithClock replaces time.Now for run timestamps.
func WithClock(now func() time.Time) ClientOption {
	return func(c *Client) { c.clock = now }
}

// NewClient connects to the backend behind uri (see ResolveTrackingURI).
// New runs go to the Default experiment until SetExperiment is called.
func NewClient(ctx context.Context, uri string, opts ...ClientOption) (*Client, error) {
	c := &Client{
		uri:          ResolveTrackingURI(uri),
		user:         currentUser(),
		sourceName:   sourceName(),
		clock:        time.Now,
		experimentID: DefaultExperimentID,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.artifactCfg.TrackingURI == "" {
		c.artifactCfg.TrackingURI = c.uri
	}
	c.logger = log.GetLoggerWithName("tracking").With(log.TrackingURIKey, c.uri)

	if c.store == nil {
		store, err := OpenStore(ctx, c.uri)
		if err != nil {
			return nil, err
		}
		c.store = store
	}
	c.logger.Debug("tracking client ready", log.BackendKey, Scheme(c.uri))
	return c, nil
}

func currentUser() string {
	if u, err := user.Current(); err == nil && u.Username != "" {
		return u.Username
	}
	if name := os.Getenv("USER"); name != "" {
		return name
	}
	return "unknown"
}

func sourceName() string {
	if len(os.Args) == 0 {
		return ""
	}
	if abs, err := filepath.Abs(os.Args[0]); err == nil {
		return abs
	}
	return os.Args[0]
}

// TrackingURI returns the resolved tracking URI.
func (c *Client) TrackingURI() string { return c.uri }

// User returns the name recorded as mlflow.user on new runs.
func (c *Client) User() string { return c.user }

// Store returns the underlying backend.
func (c *Client) Store() Store { return c.store }

// Close releases the backend.
func (c *Client) Close() error { return c.store.Close() }

// ExperimentID returns the experiment new runs are created in.
func (c *Client) ExperimentID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.experimentID
}

// SetExperiment makes name the active experiment, creating it if needed.
func (c *Client) SetExperiment(ctx context.Context, name string) (*Experiment, error) {
	if name == "" {
		return nil, errors.NewValidationError("experiment_name", "must not be empty", name)
	}
	exp, err := c.store.GetExperimentByName(ctx, name)
	if errors.IsNotFound(err) {
		var id string
		id, err = c.store.CreateExperiment(ctx, name, "")
		if err != nil {
			return nil, err
		}
		c.logger.Info("created experiment", log.ExperimentKey, name, log.ExperimentIDKey, id)
		exp, err = c.store.GetExperiment(ctx, id)
	}
	if err != nil {
		return nil, err
	}
	if exp.LifecycleStage == LifecycleDeleted {
		return nil, errors.NewTrackingError("SetExperiment", errors.CodeInvalidParameterValue,
			"experiment "+name+" is deleted")
	}

	c.mu.Lock()
	c.experimentID = exp.ExperimentID
	c.mu.Unlock()
	return exp, nil
}

type runConfig struct {
	name         string
	experimentID string
	parentID     string
	tags         map[string]string
}

// RunOption configures a new run.
type RunOption func(*runConfig)

// WithRunName sets the run name. Without it a name is derived from the run id.
func WithRunName(name string) RunOption {
	return func(c *runConfig) { c.name = name }
}

// WithRunTags adds tags at creation time.
func WithRunTags(tags map[string]string) RunOption {
	return func(c *runConfig) {
		if c.tags == nil {
			c.tags = make(map[string]string, len(tags))
		}
		for k, v := range tags {
			c.tags[k] = v
		}
	}
}

// WithExperimentID creates the run in a specific experiment.
func WithExperimentID(id string) RunOption {
	return func(c *runConfig) { c.experimentID = id }
}

// StartRun creates a run in the active experiment. The caller must End it;
// WithRun does that automatically.
func (c *Client) StartRun(ctx context.Context, opts ...RunOption) (*Run, error) {
	cfg := &runConfig{experimentID: c.ExperimentID()}
	for _, opt := range opts {
		opt(cfg)
	}
	return c.startRun(ctx, cfg)
}

func (c *Client) startRun(ctx context.Context, cfg *runConfig) (*Run, error) {
	if cfg.name == "" {
		cfg.name = "run-" + uuid.NewString()[:8]
	}
	tags := map[string]string{
		TagRunName:    cfg.name,
		TagUser:       c.user,
		TagSourceName: c.sourceName,
		TagSourceType: SourceTypeLocal,
	}
	if cfg.parentID != "" {
		tags[TagParentRunID] = cfg.parentID
	}
	for k, v := range cfg.tags {
		tags[k] = v
	}

	info, err := c.store.CreateRun(ctx, CreateRunRequest{
		ExperimentID: cfg.experimentID,
		UserID:       c.user,
		RunName:      cfg.name,
		StartTime:    c.clock().UnixMilli(),
		Tags:         sortedTags(tags),
	})
	if err != nil {
		return nil, err
	}

	run := &Run{
		client:   c,
		info:     *info,
		parentID: cfg.parentID,
		params:   make(map[string]string),
		logger: c.logger.With(
			log.RunIDKey, info.RunID,
			log.ExperimentIDKey, info.ExperimentID,
		),
	}
	if cfg.parentID != "" {
		run.logger = run.logger.With(log.ParentRunIDKey, cfg.parentID)
	}
	run.logger.Info("run started", "run_name", cfg.name)
	return run, nil
}

// WithRun starts a run, calls fn, and always ends the run: FINISHED when fn
// returns nil, KILLED when it returns a context cancellation, FAILED on any
// other error or a panic. A panic is re-raised after the run is closed.
func (c *Client) WithRun(ctx context.Context, fn func(ctx context.Context, run *Run) error, opts ...RunOption) error {
	run, err := c.StartRun(ctx, opts...)
	if err != nil {
		return err
	}
	return run.scope(ctx, fn)
}

// GetRun fetches the current state of a run.
func (c *Client) GetRun(ctx context.Context, runID string) (*RunRecord, error) {
	return c.store.GetRun(ctx, runID)
}

// ListChildRuns returns the runs nested directly under parentID.
func (c *Client) ListChildRuns(ctx context.Context, parentID string) ([]*RunRecord, error) {
	parent, err := c.store.GetRun(ctx, parentID)
	if err != nil {
		return nil, err
	}
	return c.store.SearchRuns(ctx, []string{parent.Info.ExperimentID}, RunFilter{ParentRunID: parentID})
}

// SearchRuns lists runs of the given experiments, the active one when none is given.
func (c *Client) SearchRuns(ctx context.Context, filter RunFilter, experimentIDs ...string) ([]*RunRecord, error) {
	if len(experimentIDs) == 0 {
		experimentIDs = []string{c.ExperimentID()}
	}
	return c.store.SearchRuns(ctx, experimentIDs, filter)
}

// ArtifactRepository opens the artifact store of a run.
func (c *Client) ArtifactRepository(artifactURI string) (artifacts.Repository, error) {
	return artifacts.New(artifactURI, c.artifactCfg)
}
