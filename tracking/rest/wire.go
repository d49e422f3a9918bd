package rest

import (
	"encoding/json"
	"math"
	"strconv"
	"strings"

	"github.com/YuminosukeSato/mltrack/tracking"
)

// int64s are encoded as JSON numbers by MLflow's Python server but as strings
// by protobuf-JSON gateways; accept both.
type flexInt int64

func (n *flexInt) UnmarshalJSON(b []byte) error {
	s := strings.Trim(string(b), `"`)
	if s == "" || s == "null" {
		*n = 0
		return nil
	}
	v, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return err
	}
	*n = flexInt(v)
	return nil
}

// jsonFloat carries NaN and infinities the way protobuf-JSON spells them.
type jsonFloat float64

func (f jsonFloat) MarshalJSON() ([]byte, error) {
	v := float64(f)
	switch {
	case math.IsNaN(v):
		return []byte(`"NaN"`), nil
	case math.IsInf(v, 1):
		return []byte(`"Infinity"`), nil
	case math.IsInf(v, -1):
		return []byte(`"-Infinity"`), nil
	}
	return json.Marshal(v)
}

func (f *jsonFloat) UnmarshalJSON(b []byte) error {
	s := strings.Trim(string(b), `"`)
	switch s {
	case "NaN", "nan":
		*f = jsonFloat(math.NaN())
	case "Infinity", "inf":
		*f = jsonFloat(math.Inf(1))
	case "-Infinity", "-inf":
		*f = jsonFloat(math.Inf(-1))
	default:
		v, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return err
		}
		*f = jsonFloat(v)
	}
	return nil
}

type wireTag struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

type wireExperiment struct {
	ExperimentID     string    `json:"experiment_id"`
	Name             string    `json:"name"`
	ArtifactLocation string    `json:"artifact_location,omitempty"`
	LifecycleStage   string    `json:"lifecycle_stage,omitempty"`
	CreationTime     flexInt   `json:"creation_time,omitempty"`
	LastUpdateTime   flexInt   `json:"last_update_time,omitempty"`
	Tags             []wireTag `json:"tags,omitempty"`
}

func (e *wireExperiment) experiment() *tracking.Experiment {
	exp := &tracking.Experiment{
		ExperimentID:     e.ExperimentID,
		Name:             e.Name,
		ArtifactLocation: e.ArtifactLocation,
		LifecycleStage:   e.LifecycleStage,
		CreationTime:     int64(e.CreationTime),
		LastUpdateTime:   int64(e.LastUpdateTime),
	}
	for _, t := range e.Tags {
		exp.Tags = append(exp.Tags, tracking.Tag(t))
	}
	return exp
}

type wireRunInfo struct {
	RunID          string  `json:"run_id"`
	RunUUID        string  `json:"run_uuid,omitempty"`
	RunName        string  `json:"run_name,omitempty"`
	ExperimentID   string  `json:"experiment_id"`
	UserID         string  `json:"user_id,omitempty"`
	Status         string  `json:"status"`
	StartTime      flexInt `json:"start_time,omitempty"`
	EndTime        flexInt `json:"end_time,omitempty"`
	ArtifactURI    string  `json:"artifact_uri,omitempty"`
	LifecycleStage string  `json:"lifecycle_stage,omitempty"`
}

func (w *wireRunInfo) info() tracking.RunInfo {
	id := w.RunID
	if id == "" {
		id = w.RunUUID
	}
	return tracking.RunInfo{
		RunID:          id,
		RunName:        w.RunName,
		ExperimentID:   w.ExperimentID,
		UserID:         w.UserID,
		Status:         tracking.RunStatus(w.Status),
		StartTime:      int64(w.StartTime),
		EndTime:        int64(w.EndTime),
		ArtifactURI:    w.ArtifactURI,
		LifecycleStage: w.LifecycleStage,
	}
}

func wireInfoOf(info tracking.RunInfo) wireRunInfo {
	return wireRunInfo{
		RunID:          info.RunID,
		RunUUID:        info.RunID,
		RunName:        info.RunName,
		ExperimentID:   info.ExperimentID,
		UserID:         info.UserID,
		Status:         string(info.Status),
		StartTime:      flexInt(info.StartTime),
		EndTime:        flexInt(info.EndTime),
		ArtifactURI:    info.ArtifactURI,
		LifecycleStage: info.LifecycleStage,
	}
}

type wireMetric struct {
	Key       string    `json:"key"`
	Value     jsonFloat `json:"value"`
	Timestamp flexInt   `json:"timestamp"`
	Step      flexInt   `json:"step"`
}

type wireParam struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

type wireDataset struct {
	Name       string `json:"name"`
	Digest     string `json:"digest"`
	SourceType string `json:"source_type"`
	Source     string `json:"source"`
	Schema     string `json:"schema,omitempty"`
	Profile    string `json:"profile,omitempty"`
}

type wireDatasetInput struct {
	Tags    []wireTag   `json:"tags,omitempty"`
	Dataset wireDataset `json:"dataset"`
}

type wireRun struct {
	Info wireRunInfo `json:"info"`
	Data struct {
		Metrics []wireMetric `json:"metrics,omitempty"`
		Params  []wireParam  `json:"params,omitempty"`
		Tags    []wireTag    `json:"tags,omitempty"`
	} `json:"data"`
	Inputs struct {
		DatasetInputs []wireDatasetInput `json:"dataset_inputs,omitempty"`
	} `json:"inputs"`
}

func (w *wireRun) record() *tracking.RunRecord {
	rec := &tracking.RunRecord{Info: w.Info.info()}
	for _, m := range w.Data.Metrics {
		rec.Data.Metrics = append(rec.Data.Metrics, tracking.Metric{
			Key: m.Key, Value: float64(m.Value), Timestamp: int64(m.Timestamp), Step: int64(m.Step),
		})
	}
	for _, p := range w.Data.Params {
		rec.Data.Params = append(rec.Data.Params, tracking.Param(p))
	}
	for _, t := range w.Data.Tags {
		rec.Data.Tags = append(rec.Data.Tags, tracking.Tag(t))
	}
	for _, in := range w.Inputs.DatasetInputs {
		di := tracking.DatasetInput{Dataset: tracking.Dataset(in.Dataset)}
		for _, t := range in.Tags {
			di.Tags = append(di.Tags, tracking.InputTag(t))
		}
		rec.Inputs.DatasetInputs = append(rec.Inputs.DatasetInputs, di)
	}
	return rec
}

func wireRunOf(rec *tracking.RunRecord) wireRun {
	var w wireRun
	w.Info = wireInfoOf(rec.Info)
	for _, m := range rec.Data.Metrics {
		w.Data.Metrics = append(w.Data.Metrics, wireMetric{
			Key: m.Key, Value: jsonFloat(m.Value), Timestamp: flexInt(m.Timestamp), Step: flexInt(m.Step),
		})
	}
	for _, p := range rec.Data.Params {
		w.Data.Params = append(w.Data.Params, wireParam(p))
	}
	for _, t := range rec.Data.Tags {
		w.Data.Tags = append(w.Data.Tags, wireTag(t))
	}
	for _, in := range rec.Inputs.DatasetInputs {
		wi := wireDatasetInput{Dataset: wireDataset(in.Dataset)}
		for _, t := range in.Tags {
			wi.Tags = append(wi.Tags, wireTag(t))
		}
		w.Inputs.DatasetInputs = append(w.Inputs.DatasetInputs, wi)
	}
	return w
}

// request and response bodies

type createExperimentRequest struct {
	Name             string `json:"name"`
	ArtifactLocation string `json:"artifact_location,omitempty"`
}

type createExperimentResponse struct {
	ExperimentID string `json:"experiment_id"`
}

type experimentResponse struct {
	Experiment wireExperiment `json:"experiment"`
}

type createRunRequest struct {
	ExperimentID string    `json:"experiment_id"`
	UserID       string    `json:"user_id,omitempty"`
	RunName      string    `json:"run_name,omitempty"`
	StartTime    int64     `json:"start_time"`
	Tags         []wireTag `json:"tags,omitempty"`
}

type runResponse struct {
	Run wireRun `json:"run"`
}

type updateRunRequest struct {
	RunID   string `json:"run_id"`
	RunUUID string `json:"run_uuid,omitempty"`
	Status  string `json:"status"`
	EndTime int64  `json:"end_time,omitempty"`
}

type searchRunsRequest struct {
	ExperimentIDs []string `json:"experiment_ids"`
	Filter        string   `json:"filter,omitempty"`
	RunViewType   string   `json:"run_view_type,omitempty"`
	MaxResults    int      `json:"max_results,omitempty"`
	OrderBy       []string `json:"order_by,omitempty"`
	PageToken     string   `json:"page_token,omitempty"`
}

type searchRunsResponse struct {
	Runs          []wireRun `json:"runs"`
	NextPageToken string    `json:"next_page_token,omitempty"`
}

type logBatchRequest struct {
	RunID   string       `json:"run_id"`
	Metrics []wireMetric `json:"metrics,omitempty"`
	Params  []wireParam  `json:"params,omitempty"`
	Tags    []wireTag    `json:"tags,omitempty"`
}

type logInputsRequest struct {
	RunID    string             `json:"run_id"`
	Datasets []wireDatasetInput `json:"datasets"`
}

type errorResponse struct {
	ErrorCode string `json:"error_code"`
	Message   string `json:"message"`
}
