package tracking

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"github.com/YuminosukeSato/mltrack/core/model"
	"github.com/YuminosukeSato/mltrack/pkg/errors"
	"github.com/YuminosukeSato/mltrack/pkg/log"
)

// FlavorGoGob names the model flavor written by LogModel.
const FlavorGoGob = "go_gob"

// MLmodelFile is the descriptor stored next to every logged model.
const MLmodelFile = "MLmodel"

// Signature holds the input and output column specs as JSON strings.
type Signature struct {
	Inputs  string `yaml:"inputs" json:"inputs"`
	Outputs string `yaml:"outputs" json:"outputs"`
}

// MLmodel is the model descriptor. It is also the entry format of the
// mlflow.log-model.history tag.
type MLmodel struct {
	ArtifactPath   string                            `yaml:"artifact_path" json:"artifact_path"`
	Flavors        map[string]map[string]interface{} `yaml:"flavors" json:"flavors"`
	ModelUUID      string                            `yaml:"model_uuid" json:"model_uuid"`
	RunID          string                            `yaml:"run_id" json:"run_id"`
	UTCTimeCreated string                            `yaml:"utc_time_created" json:"utc_time_created"`
	Signature      *Signature                        `yaml:"signature,omitempty" json:"signature,omitempty"`
}

// ModelInfo describes a logged model.
type ModelInfo struct {
	MLmodel
	ModelURI string
}

type modelConfig struct {
	compress     bool
	featureNames []string
	classNames   []string
}

// ModelOption configures LogModel.
type ModelOption func(*modelConfig)

// WithCompression stores the model as xz-compressed gob.
func WithCompression(compress bool) ModelOption {
	return func(c *modelConfig) { c.compress = compress }
}

// WithFeatureNames records the input columns and adds a signature.
func WithFeatureNames(names []string) ModelOption {
	return func(c *modelConfig) { c.featureNames = names }
}

// WithClassNames records the names of the predicted classes.
func WithClassNames(names []string) ModelOption {
	return func(c *modelConfig) { c.classNames = names }
}

// ModelURI returns the runs:/ URI of a model logged under artifactPath.
func ModelURI(runID, artifactPath string) string {
	return "runs:/" + runID + "/" + strings.Trim(artifactPath, "/")
}

// LogModel serialises m as a gob-encoded model.Bundle under artifactPath,
// writes an MLmodel descriptor beside it and appends the model to the
// run's mlflow.log-model.history tag.
func (r *Run) LogModel(ctx context.Context, m model.Estimator, artifactPath string, opts ...ModelOption) (*ModelInfo, error) {
	if err := r.checkActive("LogModel"); err != nil {
		return nil, err
	}
	if m == nil {
		return nil, errors.NewValueError("LogModel", "model is nil")
	}
	artifactPath = strings.Trim(artifactPath, "/")
	if artifactPath == "" {
		return nil, errors.NewValidationError("artifact_path", "must not be empty", artifactPath)
	}
	cfg := &modelConfig{}
	for _, opt := range opts {
		opt(cfg)
	}

	dir, err := os.MkdirTemp("", "mltrack-model-*")
	if err != nil {
		return nil, errors.Wrap(err, "create model staging directory")
	}
	defer os.RemoveAll(dir)

	bundle := model.NewBundle(m, cfg.featureNames, cfg.classNames)
	dataFile, compression := "model.gob", "none"
	if cfg.compress {
		dataFile, compression = "model.gob.xz", "xz"
	}
	if err := model.SaveModel(bundle, filepath.Join(dir, dataFile)); err != nil {
		return nil, err
	}

	desc := MLmodel{
		ArtifactPath: artifactPath,
		Flavors: map[string]map[string]interface{}{
			FlavorGoGob: {
				"model_type":           bundle.ModelType,
				"data":                 dataFile,
				"serialization_format": "gob",
				"compression":          compression,
				"go_version":           runtime.Version(),
				"params":               bundle.Params,
			},
		},
		ModelUUID:      strings.ReplaceAll(uuid.NewString(), "-", ""),
		RunID:          r.info.RunID,
		UTCTimeCreated: bundle.CreatedAt.Format("2006-01-02 15:04:05.000000"),
	}
	if len(cfg.featureNames) > 0 {
		sig, err := signatureFor(cfg.featureNames)
		if err != nil {
			return nil, err
		}
		desc.Signature = sig
	}
	raw, err := yaml.Marshal(desc)
	if err != nil {
		return nil, errors.Wrap(err, "encode MLmodel")
	}
	if err := os.WriteFile(filepath.Join(dir, MLmodelFile), raw, 0o644); err != nil {
		return nil, errors.Wrap(err, "write MLmodel")
	}

	if err := r.LogArtifacts(ctx, dir, artifactPath); err != nil {
		return nil, err
	}
	if err := r.appendModelHistory(ctx, desc); err != nil {
		return nil, err
	}

	info := &ModelInfo{MLmodel: desc, ModelURI: ModelURI(r.info.RunID, artifactPath)}
	r.logger.Info("model logged", log.ArtifactKey, info.ModelURI, log.ModelNameKey, bundle.ModelType)
	return info, nil
}

func signatureFor(featureNames []string) (*Signature, error) {
	type colSpec struct {
		Type     string `json:"type"`
		Name     string `json:"name,omitempty"`
		Required bool   `json:"required"`
	}
	inputs := make([]colSpec, len(featureNames))
	for i, n := range featureNames {
		inputs[i] = colSpec{Type: "double", Name: n, Required: true}
	}
	in, err := json.Marshal(inputs)
	if err != nil {
		return nil, errors.Wrap(err, "encode signature inputs")
	}
	out, err := json.Marshal([]colSpec{{Type: "long", Required: true}})
	if err != nil {
		return nil, errors.Wrap(err, "encode signature outputs")
	}
	return &Signature{Inputs: string(in), Outputs: string(out)}, nil
}

func (r *Run) appendModelHistory(ctx context.Context, desc MLmodel) error {
	rec, err := r.client.store.GetRun(ctx, r.info.RunID)
	if err != nil {
		return err
	}
	var history []MLmodel
	if raw, ok := rec.Data.Tag(TagLogModelHistory); ok && raw != "" {
		if err := json.Unmarshal([]byte(raw), &history); err != nil {
			return errors.Wrapf(err, "decode %s tag", TagLogModelHistory)
		}
	}
	history = append(history, desc)
	raw, err := json.Marshal(history)
	if err != nil {
		return errors.Wrapf(err, "encode %s tag", TagLogModelHistory)
	}
	return r.client.store.LogBatch(ctx, r.info.RunID, nil, nil, []Tag{{Key: TagLogModelHistory, Value: string(raw)}})
}

// LoadModel downloads a model logged with LogModel. modelURI has the form
// runs:/<run_id>/<artifact_path>. The concrete estimator type must be
// registered with gob, which importing its package does.
func (c *Client) LoadModel(ctx context.Context, modelURI string) (*model.Bundle, *MLmodel, error) {
	rest, ok := strings.CutPrefix(modelURI, "runs:/")
	if !ok {
		return nil, nil, errors.NewValueError("LoadModel", "model URI must start with runs:/, got "+modelURI)
	}
	runID, artifactPath, ok := strings.Cut(rest, "/")
	if !ok || runID == "" || artifactPath == "" {
		return nil, nil, errors.NewValueError("LoadModel", "model URI must be runs:/<run_id>/<path>, got "+modelURI)
	}

	rec, err := c.store.GetRun(ctx, runID)
	if err != nil {
		return nil, nil, err
	}
	repo, err := c.ArtifactRepository(rec.Info.ArtifactURI)
	if err != nil {
		return nil, nil, err
	}

	dir, err := os.MkdirTemp("", "mltrack-load-*")
	if err != nil {
		return nil, nil, errors.Wrap(err, "create download directory")
	}
	defer os.RemoveAll(dir)

	descPath := filepath.Join(dir, MLmodelFile)
	if err := repo.DownloadArtifact(ctx, artifactPath+"/"+MLmodelFile, descPath); err != nil {
		return nil, nil, err
	}
	raw, err := os.ReadFile(descPath)
	if err != nil {
		return nil, nil, errors.Wrap(err, "read MLmodel")
	}
	var desc MLmodel
	if err := yaml.Unmarshal(raw, &desc); err != nil {
		return nil, nil, errors.Wrap(err, "decode MLmodel")
	}
	flavor, ok := desc.Flavors[FlavorGoGob]
	if !ok {
		return nil, nil, errors.NewValueError("LoadModel", "model has no "+FlavorGoGob+" flavor")
	}
	dataFile, _ := flavor["data"].(string)
	if dataFile == "" || filepath.Base(dataFile) != dataFile {
		return nil, nil, errors.NewValueError("LoadModel", "invalid model data file "+dataFile)
	}

	local := filepath.Join(dir, dataFile)
	if err := repo.DownloadArtifact(ctx, artifactPath+"/"+dataFile, local); err != nil {
		return nil, nil, err
	}
	var bundle model.Bundle
	if err := model.LoadModel(&bundle, local); err != nil {
		return nil, nil, err
	}
	return &bundle, &desc, nil
}
