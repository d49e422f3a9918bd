package ensemble

import (
	"bytes"
	"encoding/gob"
	"math"

	"github.com/YuminosukeSato/mltrack/core/model"
	"github.com/YuminosukeSato/mltrack/pkg/errors"
	"github.com/YuminosukeSato/mltrack/sklearn/tree"
)

// GetParams returns the hyperparameters under their scikit-learn names.
// Unbounded depth and an unset random_state are reported as nil.
func (rf *RandomForestClassifier) GetParams() map[string]interface{} {
	params := map[string]interface{}{
		"n_estimators":      rf.nEstimators,
		"criterion":         rf.criterion,
		"max_depth":         nil,
		"min_samples_split": rf.minSamplesSplit,
		"min_samples_leaf":  rf.minSamplesLeaf,
		"max_features":      rf.maxFeatures,
		"bootstrap":         rf.bootstrap,
		"random_state":      nil,
		"n_jobs":            rf.nJobs,
	}
	if rf.maxDepth > 0 {
		params["max_depth"] = rf.maxDepth
	}
	if rf.randomState >= 0 {
		params["random_state"] = rf.randomState
	}
	return params
}

// SetParams updates hyperparameters. Unknown keys are rejected.
func (rf *RandomForestClassifier) SetParams(params map[string]interface{}) error {
	for key, value := range params {
		var err error
		switch key {
		case "n_estimators":
			rf.nEstimators, err = model.IntParam(key, value)
		case "criterion":
			rf.criterion, err = model.StringParam(key, value)
		case "max_depth":
			rf.maxDepth, err = model.OptionalIntParam(key, value)
		case "min_samples_split":
			rf.minSamplesSplit, err = model.IntParam(key, value)
		case "min_samples_leaf":
			rf.minSamplesLeaf, err = model.IntParam(key, value)
		case "max_features":
			rf.maxFeatures = value
		case "bootstrap":
			rf.bootstrap, err = model.BoolParam(key, value)
		case "random_state":
			var seed int
			if value == nil {
				seed = -1
			} else {
				seed, err = model.IntParam(key, value)
			}
			rf.randomState = int64(seed)
		case "n_jobs":
			rf.nJobs, err = model.OptionalIntParam(key, value)
		default:
			err = model.UnknownParamError("RandomForestClassifier", key)
		}
		if err != nil {
			return err
		}
	}
	return rf.validate()
}

// Clone returns an unfitted forest with the same hyperparameters.
func (rf *RandomForestClassifier) Clone() model.Estimator {
	return &RandomForestClassifier{
		state:           model.NewStateManager(),
		nEstimators:     rf.nEstimators,
		criterion:       rf.criterion,
		maxDepth:        rf.maxDepth,
		minSamplesSplit: rf.minSamplesSplit,
		minSamplesLeaf:  rf.minSamplesLeaf,
		maxFeatures:     rf.maxFeatures,
		bootstrap:       rf.bootstrap,
		randomState:     rf.randomState,
		nJobs:           rf.nJobs,
	}
}

// forestSnapshot is the gob form of a forest. max_features is stored as
// its string form to avoid registering interface payloads.
type forestSnapshot struct {
	NEstimators     int
	Criterion       string
	MaxDepth        int
	MinSamplesSplit int
	MinSamplesLeaf  int
	MaxFeatures     string
	MaxFeaturesNum  float64
	Bootstrap       bool
	RandomState     int64
	NJobs           int
	State           *model.StateManager
	Classes         []int
	Estimators      []*tree.DecisionTreeClassifier
}

// GobEncode implements gob.GobEncoder.
func (rf *RandomForestClassifier) GobEncode() ([]byte, error) {
	snap := forestSnapshot{
		NEstimators:     rf.nEstimators,
		Criterion:       rf.criterion,
		MaxDepth:        rf.maxDepth,
		MinSamplesSplit: rf.minSamplesSplit,
		MinSamplesLeaf:  rf.minSamplesLeaf,
		Bootstrap:       rf.bootstrap,
		RandomState:     rf.randomState,
		NJobs:           rf.nJobs,
		State:           rf.state,
		Classes:         rf.classes_,
		Estimators:      rf.estimators_,
	}
	switch v := rf.maxFeatures.(type) {
	case nil:
		snap.MaxFeatures = "None"
	case string:
		snap.MaxFeatures = v
	case float64:
		snap.MaxFeaturesNum = v
	default:
		n, err := model.IntParam("max_features", v)
		if err != nil {
			return nil, err
		}
		snap.MaxFeaturesNum = float64(n)
	}

	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(snap); err != nil {
		return nil, errors.Wrap(err, "encode RandomForestClassifier")
	}
	return buf.Bytes(), nil
}

// GobDecode implements gob.GobDecoder.
func (rf *RandomForestClassifier) GobDecode(data []byte) error {
	var snap forestSnapshot
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&snap); err != nil {
		return errors.Wrap(err, "decode RandomForestClassifier")
	}
	if snap.State == nil {
		snap.State = model.NewStateManager()
	}
	var maxFeatures interface{} = snap.MaxFeatures
	switch {
	case snap.MaxFeatures == "None":
		maxFeatures = nil
	case snap.MaxFeatures == "" && snap.MaxFeaturesNum == math.Trunc(snap.MaxFeaturesNum):
		maxFeatures = int(snap.MaxFeaturesNum)
	case snap.MaxFeatures == "":
		maxFeatures = snap.MaxFeaturesNum
	}
	*rf = RandomForestClassifier{
		state:           snap.State,
		nEstimators:     snap.NEstimators,
		criterion:       snap.Criterion,
		maxDepth:        snap.MaxDepth,
		minSamplesSplit: snap.MinSamplesSplit,
		minSamplesLeaf:  snap.MinSamplesLeaf,
		maxFeatures:     maxFeatures,
		bootstrap:       snap.Bootstrap,
		randomState:     snap.RandomState,
		nJobs:           snap.NJobs,
		estimators_:     snap.Estimators,
		classes_:        snap.Classes,
	}
	return nil
}

func init() {
	gob.Register(&RandomForestClassifier{})
}
