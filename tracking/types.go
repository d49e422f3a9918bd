package tracking

// RunStatus is the lifecycle state of a run.
type RunStatus string

const (
	RunStatusRunning   RunStatus = "RUNNING"
	RunStatusScheduled RunStatus = "SCHEDULED"
	RunStatusFinished  RunStatus = "FINISHED"
	RunStatusFailed    RunStatus = "FAILED"
	RunStatusKilled    RunStatus = "KILLED"
)

// IsTerminal reports whether no further updates are expected for the run.
func (s RunStatus) IsTerminal() bool {
	return s == RunStatusFinished || s == RunStatusFailed || s == RunStatusKilled
}

// Valid reports whether s is one of the known statuses.
func (s RunStatus) Valid() bool {
	switch s {
	case RunStatusRunning, RunStatusScheduled, RunStatusFinished, RunStatusFailed, RunStatusKilled:
		return true
	}
	return false
}

// System tags written by the client.
const (
	TagRunName         = "mlflow.runName"
	TagUser            = "mlflow.user"
	TagSourceName      = "mlflow.source.name"
	TagSourceType      = "mlflow.source.type"
	TagParentRunID     = "mlflow.parentRunId"
	TagLogModelHistory = "mlflow.log-model.history"

	// InputTagContext labels a dataset input with its role, e.g. "training".
	InputTagContext = "mlflow.data.context"

	SourceTypeLocal = "LOCAL"
)

// Lifecycle stages of experiments and runs.
const (
	LifecycleActive  = "active"
	LifecycleDeleted = "deleted"
)

// DefaultExperimentID is the id of the experiment every store creates first.
const (
	DefaultExperimentID   = "0"
	DefaultExperimentName = "Default"
)

// Experiment groups runs.
type Experiment struct {
	ExperimentID     string `json:"experiment_id"`
	Name             string `json:"name"`
	ArtifactLocation string `json:"artifact_location,omitempty"`
	LifecycleStage   string `json:"lifecycle_stage,omitempty"`
	CreationTime     int64  `json:"creation_time,omitempty"`
	LastUpdateTime   int64  `json:"last_update_time,omitempty"`
	Tags             []Tag  `json:"tags,omitempty"`
}

// RunInfo is the metadata of a run. Times are Unix milliseconds.
type RunInfo struct {
	RunID          string    `json:"run_id"`
	RunName        string    `json:"run_name,omitempty"`
	ExperimentID   string    `json:"experiment_id"`
	UserID         string    `json:"user_id,omitempty"`
	Status         RunStatus `json:"status"`
	StartTime      int64     `json:"start_time,omitempty"`
	EndTime        int64     `json:"end_time,omitempty"`
	ArtifactURI    string    `json:"artifact_uri,omitempty"`
	LifecycleStage string    `json:"lifecycle_stage,omitempty"`
}

// Param is a logged hyperparameter. Values are immutable once logged.
type Param struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

// Metric is one logged value of a metric.
type Metric struct {
	Key       string  `json:"key"`
	Value     float64 `json:"value"`
	Timestamp int64   `json:"timestamp"`
	Step      int64   `json:"step"`
}

// Tag is a run or experiment tag.
type Tag struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

// Dataset describes a logged dataset by reference.
type Dataset struct {
	Name       string `json:"name"`
	Digest     string `json:"digest"`
	SourceType string `json:"source_type"`
	Source     string `json:"source"`
	Schema     string `json:"schema,omitempty"`
	Profile    string `json:"profile,omitempty"`
}

// InputTag annotates a dataset input.
type InputTag struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

// DatasetInput links a dataset to a run.
type DatasetInput struct {
	Tags    []InputTag `json:"tags,omitempty"`
	Dataset Dataset    `json:"dataset"`
}

// Context returns the mlflow.data.context tag, or "".
func (in DatasetInput) Context() string {
	for _, t := range in.Tags {
		if t.Key == InputTagContext {
			return t.Value
		}
	}
	return ""
}

// RunData holds the params, latest metric values and tags of a run.
type RunData struct {
	Metrics []Metric `json:"metrics,omitempty"`
	Params  []Param  `json:"params,omitempty"`
	Tags    []Tag    `json:"tags,omitempty"`
}

// Param returns the value of a logged param.
func (d RunData) Param(key string) (string, bool) {
	for _, p := range d.Params {
		if p.Key == key {
			return p.Value, true
		}
	}
	return "", false
}

// Metric returns the latest value of a metric.
func (d RunData) Metric(key string) (float64, bool) {
	var (
		latest Metric
		found  bool
	)
	for _, m := range d.Metrics {
		if m.Key != key {
			continue
		}
		if !found || m.Step > latest.Step || (m.Step == latest.Step && m.Timestamp >= latest.Timestamp) {
			latest, found = m, true
		}
	}
	return latest.Value, found
}

// Tag returns the value of a tag.
func (d RunData) Tag(key string) (string, bool) {
	for _, t := range d.Tags {
		if t.Key == key {
			return t.Value, true
		}
	}
	return "", false
}

// RunInputs holds the dataset inputs of a run.
type RunInputs struct {
	DatasetInputs []DatasetInput `json:"dataset_inputs,omitempty"`
}

// RunRecord is a complete run as returned by a store.
type RunRecord struct {
	Info   RunInfo   `json:"info"`
	Data   RunData   `json:"data"`
	Inputs RunInputs `json:"inputs"`
}

// ParentRunID returns the parent run id of a nested run, or "".
func (r *RunRecord) ParentRunID() string {
	id, _ := r.Data.Tag(TagParentRunID)
	return id
}
