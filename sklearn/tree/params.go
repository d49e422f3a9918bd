package tree

import (
	"bytes"
	"encoding/gob"

	"github.com/YuminosukeSato/mltrack/core/model"
	"github.com/YuminosukeSato/mltrack/pkg/errors"
)

// GetParams returns the hyperparameters under their scikit-learn names.
// An unbounded depth and "all features" are reported as nil.
func (dt *DecisionTreeClassifier) GetParams() map[string]interface{} {
	params := map[string]interface{}{
		"criterion":         dt.criterion,
		"max_depth":         nil,
		"min_samples_split": dt.minSamplesSplit,
		"min_samples_leaf":  dt.minSamplesLeaf,
		"max_features":      nil,
		"random_state":      nil,
	}
	if dt.maxDepth > 0 {
		params["max_depth"] = dt.maxDepth
	}
	if dt.maxFeatures > 0 {
		params["max_features"] = dt.maxFeatures
	}
	if dt.randomState >= 0 {
		params["random_state"] = dt.randomState
	}
	return params
}

// SetParams updates hyperparameters. Unknown keys are rejected.
func (dt *DecisionTreeClassifier) SetParams(params map[string]interface{}) error {
	for key, value := range params {
		var err error
		switch key {
		case "criterion":
			dt.criterion, err = model.StringParam(key, value)
		case "max_depth":
			dt.maxDepth, err = model.OptionalIntParam(key, value)
		case "min_samples_split":
			dt.minSamplesSplit, err = model.IntParam(key, value)
		case "min_samples_leaf":
			dt.minSamplesLeaf, err = model.IntParam(key, value)
		case "max_features":
			dt.maxFeatures, err = model.OptionalIntParam(key, value)
		case "random_state":
			var seed int
			if value == nil {
				seed = -1
			} else {
				seed, err = model.IntParam(key, value)
			}
			dt.randomState = int64(seed)
		default:
			err = model.UnknownParamError("DecisionTreeClassifier", key)
		}
		if err != nil {
			return err
		}
	}
	return dt.validate()
}

// Clone returns an unfitted tree with the same hyperparameters.
func (dt *DecisionTreeClassifier) Clone() model.Estimator {
	return &DecisionTreeClassifier{
		state:           model.NewStateManager(),
		criterion:       dt.criterion,
		maxDepth:        dt.maxDepth,
		minSamplesSplit: dt.minSamplesSplit,
		minSamplesLeaf:  dt.minSamplesLeaf,
		maxFeatures:     dt.maxFeatures,
		randomState:     dt.randomState,
	}
}

// treeSnapshot is the gob form of a tree.
type treeSnapshot struct {
	Criterion       string
	MaxDepth        int
	MinSamplesSplit int
	MinSamplesLeaf  int
	MaxFeatures     int
	RandomState     int64
	State           *model.StateManager
	Classes         []int
	Nodes           []Node
	Importances     []float64
}

// GobEncode implements gob.GobEncoder.
func (dt *DecisionTreeClassifier) GobEncode() ([]byte, error) {
	var buf bytes.Buffer
	err := gob.NewEncoder(&buf).Encode(treeSnapshot{
		Criterion:       dt.criterion,
		MaxDepth:        dt.maxDepth,
		MinSamplesSplit: dt.minSamplesSplit,
		MinSamplesLeaf:  dt.minSamplesLeaf,
		MaxFeatures:     dt.maxFeatures,
		RandomState:     dt.randomState,
		State:           dt.state,
		Classes:         dt.classes_,
		Nodes:           dt.nodes,
		Importances:     dt.featureImportances_,
	})
	if err != nil {
		return nil, errors.Wrap(err, "encode DecisionTreeClassifier")
	}
	return buf.Bytes(), nil
}

// GobDecode implements gob.GobDecoder.
func (dt *DecisionTreeClassifier) GobDecode(data []byte) error {
	var snap treeSnapshot
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&snap); err != nil {
		return errors.Wrap(err, "decode DecisionTreeClassifier")
	}
	if snap.State == nil {
		snap.State = model.NewStateManager()
	}
	*dt = DecisionTreeClassifier{
		state:               snap.State,
		criterion:           snap.Criterion,
		maxDepth:            snap.MaxDepth,
		minSamplesSplit:     snap.MinSamplesSplit,
		minSamplesLeaf:      snap.MinSamplesLeaf,
		maxFeatures:         snap.MaxFeatures,
		randomState:         snap.RandomState,
		classes_:            snap.Classes,
		nClasses_:           len(snap.Classes),
		nodes:               snap.Nodes,
		featureImportances_: snap.Importances,
	}
	return nil
}

func init() {
	gob.Register(&DecisionTreeClassifier{})
}
