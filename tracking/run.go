package tracking

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"regexp"
	"sort"
	"sync"

	"github.com/YuminosukeSato/mltrack/core/model"
	"github.com/YuminosukeSato/mltrack/datasets"
	"github.com/YuminosukeSato/mltrack/pkg/errors"
	"github.com/YuminosukeSato/mltrack/pkg/log"
	"github.com/YuminosukeSato/mltrack/tracking/artifacts"
)

const (
	maxKeyLength        = 250
	maxParamValueLength = 6000
	maxTagValueLength   = 8000
)

var keyPattern = regexp.MustCompile(`^[\w\-./ ]+$`)

func validateKey(kind, key string) error {
	if key == "" || len(key) > maxKeyLength || !keyPattern.MatchString(key) {
		return errors.NewTrackingError("validate", errors.CodeInvalidParameterValue,
			fmt.Sprintf("invalid %s name %q: names may contain alphanumerics, underscores, dashes, periods, spaces and slashes", kind, key))
	}
	return nil
}

// Run is a handle to an open run. Logging methods fail with
// errors.ErrRunNotActive once the run has ended.
type Run struct {
	client   *Client
	info     RunInfo
	parentID string
	logger   log.Logger

	mu     sync.Mutex
	ended  bool
	status RunStatus
	params map[string]string
	repo   artifacts.Repository
}

// ID returns the run id.
func (r *Run) ID() string { return r.info.RunID }

// Info returns the run metadata as of creation.
func (r *Run) Info() RunInfo { return r.info }

// ExperimentID returns the experiment the run belongs to.
func (r *Run) ExperimentID() string { return r.info.ExperimentID }

// ParentID returns the parent run id of a nested run, or "".
func (r *Run) ParentID() string { return r.parentID }

// Status returns RUNNING until End succeeds.
func (r *Run) Status() RunStatus {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.ended {
		return RunStatusRunning
	}
	return r.status
}

func (r *Run) checkActive(op string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.ended {
		return errors.Wrapf(errors.ErrRunNotActive, "%s on run %s", op, r.info.RunID)
	}
	return nil
}

// End closes the run with a terminal status. Ending an ended run is a no-op.
func (r *Run) End(ctx context.Context, status RunStatus) error {
	if !status.IsTerminal() {
		return errors.NewValidationError("status", "must be FINISHED, FAILED or KILLED", status)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.ended {
		return nil
	}
	if err := r.client.store.UpdateRun(ctx, r.info.RunID, status, r.client.clock().UnixMilli()); err != nil {
		return err
	}
	r.ended, r.status = true, status
	r.logger.Info("run ended", log.RunStatusKey, string(status))
	return nil
}

func (r *Run) scope(ctx context.Context, fn func(ctx context.Context, run *Run) error) (err error) {
	closeCtx := context.WithoutCancel(ctx)
	defer func() {
		if p := recover(); p != nil {
			if endErr := r.End(closeCtx, RunStatusFailed); endErr != nil {
				r.logger.Error("failed to close run after panic", endErr)
			}
			panic(p)
		}
		status := RunStatusFinished
		switch {
		case err == nil:
		case errors.Is(err, context.Canceled):
			status = RunStatusKilled
		default:
			status = RunStatusFailed
		}
		if endErr := r.End(closeCtx, status); endErr != nil {
			err = errors.CombineErrors(err, endErr)
		}
	}()
	return fn(ctx, r)
}

// StartChild starts a run nested under r in the same experiment.
func (r *Run) StartChild(ctx context.Context, opts ...RunOption) (*Run, error) {
	if err := r.checkActive("StartChild"); err != nil {
		return nil, err
	}
	cfg := &runConfig{}
	for _, opt := range opts {
		opt(cfg)
	}
	cfg.experimentID = r.info.ExperimentID
	cfg.parentID = r.info.RunID
	return r.client.startRun(ctx, cfg)
}

// WithChild runs fn inside a nested run with the same closing rules as Client.WithRun.
func (r *Run) WithChild(ctx context.Context, fn func(ctx context.Context, child *Run) error, opts ...RunOption) error {
	child, err := r.StartChild(ctx, opts...)
	if err != nil {
		return err
	}
	return child.scope(ctx, fn)
}

// LogParam records one hyperparameter. nil is recorded as "None".
func (r *Run) LogParam(ctx context.Context, key string, value interface{}) error {
	return r.LogParams(ctx, map[string]interface{}{key: value})
}

// LogParams records hyperparameters. A key already logged with a different
// value is rejected; logging the same value again is allowed.
func (r *Run) LogParams(ctx context.Context, params map[string]interface{}) error {
	if err := r.checkActive("LogParams"); err != nil {
		return err
	}
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	batch := make([]Param, 0, len(keys))
	r.mu.Lock()
	for _, k := range keys {
		if err := validateKey("param", k); err != nil {
			r.mu.Unlock()
			return err
		}
		v := model.FormatParam(params[k])
		if len(v) > maxParamValueLength {
			r.mu.Unlock()
			return errors.NewTrackingError("LogParams", errors.CodeInvalidParameterValue,
				fmt.Sprintf("param %q value exceeds %d characters", k, maxParamValueLength))
		}
		if old, ok := r.params[k]; ok && old != v {
			r.mu.Unlock()
			return errors.NewTrackingError("LogParams", errors.CodeInvalidParameterValue,
				fmt.Sprintf("changing param values is not allowed: %q was %q, got %q", k, old, v))
		}
		batch = append(batch, Param{Key: k, Value: v})
	}
	r.mu.Unlock()

	if err := r.client.store.LogBatch(ctx, r.info.RunID, nil, batch, nil); err != nil {
		return err
	}
	r.mu.Lock()
	for _, p := range batch {
		r.params[p.Key] = p.Value
	}
	r.mu.Unlock()
	return nil
}

// LogMetric records a metric value at an optional step (default 0).
func (r *Run) LogMetric(ctx context.Context, key string, value float64, step ...int64) error {
	var s int64
	if len(step) > 0 {
		s = step[0]
	}
	return r.logMetrics(ctx, map[string]float64{key: value}, s)
}

// LogMetrics records several metrics at step 0.
func (r *Run) LogMetrics(ctx context.Context, metrics map[string]float64) error {
	return r.logMetrics(ctx, metrics, 0)
}

func (r *Run) logMetrics(ctx context.Context, metrics map[string]float64, step int64) error {
	if err := r.checkActive("LogMetrics"); err != nil {
		return err
	}
	now := r.client.clock().UnixMilli()
	batch := make([]Metric, 0, len(metrics))
	for k, v := range metrics {
		if err := validateKey("metric", k); err != nil {
			return err
		}
		if math.IsInf(v, 0) {
			return errors.NewTrackingError("LogMetrics", errors.CodeInvalidParameterValue,
				fmt.Sprintf("metric %q is infinite", k))
		}
		batch = append(batch, Metric{Key: k, Value: v, Timestamp: now, Step: step})
	}
	sort.Slice(batch, func(i, j int) bool { return batch[i].Key < batch[j].Key })
	return r.client.store.LogBatch(ctx, r.info.RunID, batch, nil, nil)
}

// SetTag sets a run tag, overwriting any previous value.
func (r *Run) SetTag(ctx context.Context, key, value string) error {
	return r.SetTags(ctx, map[string]string{key: value})
}

// SetTags sets several run tags.
func (r *Run) SetTags(ctx context.Context, tags map[string]string) error {
	if err := r.checkActive("SetTags"); err != nil {
		return err
	}
	for k, v := range tags {
		if err := validateKey("tag", k); err != nil {
			return err
		}
		if len(v) > maxTagValueLength {
			return errors.NewTrackingError("SetTags", errors.CodeInvalidParameterValue,
				fmt.Sprintf("tag %q value exceeds %d characters", k, maxTagValueLength))
		}
	}
	return r.client.store.LogBatch(ctx, r.info.RunID, nil, nil, sortedTags(tags))
}

// LogInput records a dataset by reference (name, digest, schema and
// profile) with its role, e.g. "training" or "testing".
func (r *Run) LogInput(ctx context.Context, frame *datasets.Frame, dataContext string) error {
	if err := r.checkActive("LogInput"); err != nil {
		return err
	}
	ds, err := r.datasetOf(frame)
	if err != nil {
		return err
	}
	in := DatasetInput{Dataset: ds}
	if dataContext != "" {
		in.Tags = []InputTag{{Key: InputTagContext, Value: dataContext}}
	}
	if err := r.client.store.LogInputs(ctx, r.info.RunID, []DatasetInput{in}); err != nil {
		return err
	}
	r.logger.Debug("dataset logged", log.DatasetKey, ds.Name, "digest", ds.Digest, "context", dataContext)
	return nil
}

func (r *Run) datasetOf(frame *datasets.Frame) (Dataset, error) {
	if frame == nil {
		return Dataset{}, errors.NewValueError("LogInput", "dataset is nil")
	}
	digest, err := frame.Digest()
	if err != nil {
		return Dataset{}, err
	}
	schema, err := frame.Schema()
	if err != nil {
		return Dataset{}, err
	}
	// in-memory data is attributed to the code that produced it
	source, err := json.Marshal(map[string]map[string]string{
		"tags": {
			TagUser:       r.client.user,
			TagSourceName: r.client.sourceName,
			TagSourceType: SourceTypeLocal,
		},
	})
	if err != nil {
		return Dataset{}, errors.Wrap(err, "encode dataset source")
	}
	return Dataset{
		Name:       frame.Name,
		Digest:     digest,
		SourceType: "code",
		Source:     string(source),
		Schema:     schema,
		Profile:    frame.Profile(),
	}, nil
}

func (r *Run) repository() (artifacts.Repository, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.repo == nil {
		repo, err := r.client.ArtifactRepository(r.info.ArtifactURI)
		if err != nil {
			return nil, err
		}
		r.repo = repo
	}
	return r.repo, nil
}

// LogArtifact uploads a local file under artifactPath ("" for the root).
func (r *Run) LogArtifact(ctx context.Context, localPath, artifactPath string) error {
	if err := r.checkActive("LogArtifact"); err != nil {
		return err
	}
	repo, err := r.repository()
	if err != nil {
		return err
	}
	if err := repo.LogArtifact(ctx, localPath, artifactPath); err != nil {
		return err
	}
	r.logger.Debug("artifact logged", log.ArtifactKey, localPath)
	return nil
}

// LogArtifacts uploads the contents of a local directory under artifactPath.
func (r *Run) LogArtifacts(ctx context.Context, localDir, artifactPath string) error {
	if err := r.checkActive("LogArtifacts"); err != nil {
		return err
	}
	repo, err := r.repository()
	if err != nil {
		return err
	}
	return repo.LogArtifacts(ctx, localDir, artifactPath)
}

// ListArtifacts lists the direct children of dir in the run's artifact store.
func (r *Run) ListArtifacts(ctx context.Context, dir string) ([]artifacts.FileInfo, error) {
	repo, err := r.repository()
	if err != nil {
		return nil, err
	}
	return repo.ListArtifacts(ctx, dir)
}

func sortedTags(tags map[string]string) []Tag {
	out := make([]Tag, 0, len(tags))
	for k, v := range tags {
		out = append(out, Tag{Key: k, Value: v})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}
