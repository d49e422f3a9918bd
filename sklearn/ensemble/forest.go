// Package ensemble provides a random forest classifier built on sklearn/tree.
package ensemble

import (
	"context"
	"math"
	"math/rand/v2"
	"time"

	"gonum.org/v1/gonum/mat"

	"github.com/YuminosukeSato/mltrack/core/model"
	"github.com/YuminosukeSato/mltrack/core/parallel"
	"github.com/YuminosukeSato/mltrack/metrics"
	"github.com/YuminosukeSato/mltrack/pkg/errors"
	"github.com/YuminosukeSato/mltrack/pkg/log"
	"github.com/YuminosukeSato/mltrack/sklearn/tree"
)

// RandomForestClassifier averages the class probabilities of decision trees
// fitted on bootstrap samples with random feature subsets.
// Compatible with scikit-learn's RandomForestClassifier
type RandomForestClassifier struct {
	state *model.StateManager

	nEstimators     int
	criterion       string
	maxDepth        int
	minSamplesSplit int
	minSamplesLeaf  int
	maxFeatures     interface{} // "sqrt", "log2", int, or nil
	bootstrap       bool
	randomState     int64
	nJobs           int

	estimators_ []*tree.DecisionTreeClassifier
	classes_    []int
}

// NewRandomForestClassifier creates a forest with sklearn's defaults:
// 100 trees, gini, unbounded depth, max_features "sqrt", bootstrap.
func NewRandomForestClassifier(opts ...RandomForestOption) *RandomForestClassifier {
	rf := &RandomForestClassifier{
		state:           model.NewStateManager(),
		nEstimators:     100,
		criterion:       "gini",
		minSamplesSplit: 2,
		minSamplesLeaf:  1,
		maxFeatures:     "sqrt",
		bootstrap:       true,
		randomState:     -1,
		nJobs:           1,
	}
	for _, opt := range opts {
		opt(rf)
	}
	return rf
}

func (rf *RandomForestClassifier) validate() error {
	if rf.nEstimators < 1 {
		return errors.NewValidationError("n_estimators", "must be >= 1", rf.nEstimators)
	}
	if rf.maxDepth < 0 {
		return errors.NewValidationError("max_depth", "must be >= 0 (0 means unbounded)", rf.maxDepth)
	}
	_, err := rf.resolveMaxFeatures(1)
	return err
}

// resolveMaxFeatures converts max_features into a per-split feature count.
func (rf *RandomForestClassifier) resolveMaxFeatures(nFeatures int) (int, error) {
	switch v := rf.maxFeatures.(type) {
	case nil:
		return nFeatures, nil
	case string:
		switch v {
		case "sqrt":
			return max(1, int(math.Sqrt(float64(nFeatures)))), nil
		case "log2":
			return max(1, int(math.Log2(float64(nFeatures)))), nil
		case "all", "None":
			return nFeatures, nil
		}
	case float64:
		if v > 0 && v <= 1 {
			return max(1, int(v*float64(nFeatures))), nil
		}
		if v == math.Trunc(v) && v > 1 {
			return min(int(v), nFeatures), nil
		}
	default:
		n, err := model.IntParam("max_features", v)
		if err == nil && n >= 1 {
			return min(n, nFeatures), nil
		}
	}
	return 0, errors.NewValidationError("max_features", `must be "sqrt", "log2", a positive int, a fraction in (0, 1] or nil`, rf.maxFeatures)
}

// Fit builds the forest on (X, y).
func (rf *RandomForestClassifier) Fit(X, y mat.Matrix) error {
	if err := rf.validate(); err != nil {
		return err
	}
	Xd, labels, err := model.CheckXY("RandomForestClassifier.Fit", X, y)
	if err != nil {
		return err
	}
	nSamples, nFeatures := Xd.Dims()
	maxFeatures, err := rf.resolveMaxFeatures(nFeatures)
	if err != nil {
		return err
	}

	yv := mat.NewVecDense(nSamples, nil)
	for i, l := range labels {
		yv.SetVec(i, float64(l))
	}

	seed := uint64(rand.Int64())
	if rf.randomState >= 0 {
		seed = uint64(rf.randomState)
	}
	master := rand.New(rand.NewPCG(seed, seed))
	seeds := make([]int64, rf.nEstimators)
	for i := range seeds {
		seeds[i] = master.Int64N(math.MaxInt32)
	}

	start := time.Now()
	trees := make([]*tree.DecisionTreeClassifier, rf.nEstimators)
	workers := parallel.ResolveWorkers(rf.nJobs)
	err = parallel.ForEach(context.Background(), rf.nEstimators, workers, func(_ context.Context, i int) error {
		dt := tree.NewDecisionTreeClassifier(
			tree.WithCriterion(rf.criterion),
			tree.WithMaxDepth(rf.maxDepth),
			tree.WithMinSamplesSplit(rf.minSamplesSplit),
			tree.WithMinSamplesLeaf(rf.minSamplesLeaf),
			tree.WithMaxFeatures(maxFeatures),
			tree.WithRandomState(seeds[i]),
		)
		var weights []float64
		if rf.bootstrap {
			weights = bootstrapCounts(nSamples, uint64(seeds[i]))
		}
		if err := dt.FitWithSampleWeight(Xd, yv, weights); err != nil {
			return errors.NewModelError("RandomForestClassifier.Fit", "tree fit failed", err)
		}
		trees[i] = dt
		return nil
	})
	if err != nil {
		return err
	}

	rf.estimators_ = trees
	rf.classes_ = trees[0].Classes()
	rf.state.SetFitted(nFeatures, nSamples)

	log.GetLoggerWithName("ensemble").Debug("forest fitted",
		log.ModelNameKey, "RandomForestClassifier",
		log.NEstimatorsKey, rf.nEstimators,
		log.SamplesKey, nSamples,
		log.FeaturesKey, nFeatures,
		log.WorkersKey, workers,
		log.DurationMsKey, time.Since(start).Milliseconds(),
	)
	return nil
}

// bootstrapCounts draws n rows with replacement and returns how often each was drawn.
func bootstrapCounts(n int, seed uint64) []float64 {
	r := rand.New(rand.NewPCG(seed, seed^0x5851f42d4c957f2d))
	counts := make([]float64, n)
	for i := 0; i < n; i++ {
		counts[r.IntN(n)]++
	}
	return counts
}

func (rf *RandomForestClassifier) checkPredict(method string, X mat.Matrix) error {
	if err := rf.state.RequireFitted("RandomForestClassifier", method); err != nil {
		return err
	}
	if X == nil {
		return errors.Wrapf(errors.ErrEmptyData, "RandomForestClassifier.%s: X is nil", method)
	}
	_, cols := X.Dims()
	return rf.state.CheckFeatures("RandomForestClassifier."+method, cols)
}

// PredictProba averages the tree probabilities. Columns follow Classes().
func (rf *RandomForestClassifier) PredictProba(X mat.Matrix) (mat.Matrix, error) {
	if err := rf.checkPredict("PredictProba", X); err != nil {
		return nil, err
	}
	rows, _ := X.Dims()
	sum := mat.NewDense(rows, len(rf.classes_), nil)
	for _, dt := range rf.estimators_ {
		p, err := dt.PredictProba(X)
		if err != nil {
			return nil, err
		}
		sum.Add(sum, p)
	}
	sum.Scale(1/float64(len(rf.estimators_)), sum)
	return sum, nil
}

// Predict returns the class with the highest averaged probability.
func (rf *RandomForestClassifier) Predict(X mat.Matrix) (mat.Matrix, error) {
	proba, err := rf.PredictProba(X)
	if err != nil {
		return nil, err
	}
	p := proba.(*mat.Dense)
	rows, cols := p.Dims()
	out := mat.NewVecDense(rows, nil)
	for i := 0; i < rows; i++ {
		best := 0
		for j := 1; j < cols; j++ {
			if p.At(i, j) > p.At(i, best) {
				best = j
			}
		}
		out.SetVec(i, float64(rf.classes_[best]))
	}
	return out, nil
}

// Score returns the mean accuracy on X and y, or 0 if prediction fails.
func (rf *RandomForestClassifier) Score(X, y mat.Matrix) float64 {
	pred, err := rf.Predict(X)
	if err != nil {
		return 0
	}
	yv, err := model.ColumnVector("RandomForestClassifier.Score", y)
	if err != nil {
		return 0
	}
	acc, err := metrics.Accuracy(yv, pred.(*mat.VecDense))
	if err != nil {
		return 0
	}
	return acc
}

// Classes returns the sorted class labels seen during Fit.
func (rf *RandomForestClassifier) Classes() []int {
	return append([]int(nil), rf.classes_...)
}

// Estimators returns the fitted trees.
func (rf *RandomForestClassifier) Estimators() []*tree.DecisionTreeClassifier {
	return rf.estimators_
}

// GetFeatureImportances returns the mean impurity decrease per feature over
// all trees that split at least once, normalised to sum to 1.
func (rf *RandomForestClassifier) GetFeatureImportances() []float64 {
	if len(rf.estimators_) == 0 {
		return nil
	}
	nFeatures, _ := rf.state.GetDimensions()
	out := make([]float64, nFeatures)
	used := 0
	for _, dt := range rf.estimators_ {
		if dt.GetNLeaves() < 2 {
			continue
		}
		used++
		for j, v := range dt.GetFeatureImportances() {
			out[j] += v
		}
	}
	if used == 0 {
		return out
	}
	total := 0.0
	for _, v := range out {
		total += v
	}
	for j := range out {
		out[j] /= total
	}
	return out
}

// IsFitted reports whether Fit has completed.
func (rf *RandomForestClassifier) IsFitted() bool {
	return rf.state.IsFitted()
}
