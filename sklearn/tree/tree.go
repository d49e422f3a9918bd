// Package tree implements a CART decision tree classifier compatible with
// scikit-learn's DecisionTreeClassifier.
package tree

import (
	"math"
	"math/rand/v2"
	"sort"

	"gonum.org/v1/gonum/mat"

	"github.com/YuminosukeSato/mltrack/core/model"
	"github.com/YuminosukeSato/mltrack/metrics"
	"github.com/YuminosukeSato/mltrack/pkg/errors"
)

const (
	// impurities at or below this are treated as pure
	impurityEps = 1e-7
	// adjacent feature values closer than this are not split between
	featureThreshold = 1e-7
)

// Node is one entry of the flattened tree. Leaves have Left == Right == -1.
type Node struct {
	Feature   int
	Threshold float64
	Left      int
	Right     int
	Impurity  float64
	NSamples  int
	WeightedN float64
	Value     []float64 // class distribution, sums to 1
}

// IsLeaf reports whether the node has no children.
func (n *Node) IsLeaf() bool { return n.Left < 0 }

// DecisionTreeClassifier is a CART classifier using the best split at each node.
type DecisionTreeClassifier struct {
	state *model.StateManager

	criterion       string
	maxDepth        int
	minSamplesSplit int
	minSamplesLeaf  int
	maxFeatures     int
	randomState     int64

	classes_            []int
	nClasses_           int
	nodes               []Node
	featureImportances_ []float64
}

// NewDecisionTreeClassifier creates a tree with sklearn's defaults:
// gini, unbounded depth, min_samples_split 2, min_samples_leaf 1, all features.
func NewDecisionTreeClassifier(opts ...Option) *DecisionTreeClassifier {
	dt := &DecisionTreeClassifier{
		state:           model.NewStateManager(),
		criterion:       "gini",
		minSamplesSplit: 2,
		minSamplesLeaf:  1,
		randomState:     -1,
	}
	for _, opt := range opts {
		opt(dt)
	}
	return dt
}

func (dt *DecisionTreeClassifier) validate() error {
	switch dt.criterion {
	case "gini", "entropy", "log_loss":
	default:
		return errors.NewValidationError("criterion", "must be one of gini, entropy, log_loss", dt.criterion)
	}
	if dt.maxDepth < 0 {
		return errors.NewValidationError("max_depth", "must be >= 0 (0 means unbounded)", dt.maxDepth)
	}
	if dt.minSamplesSplit < 2 {
		return errors.NewValidationError("min_samples_split", "must be >= 2", dt.minSamplesSplit)
	}
	if dt.minSamplesLeaf < 1 {
		return errors.NewValidationError("min_samples_leaf", "must be >= 1", dt.minSamplesLeaf)
	}
	if dt.maxFeatures < 0 {
		return errors.NewValidationError("max_features", "must be >= 0 (0 means all)", dt.maxFeatures)
	}
	return nil
}

// Fit builds the tree from the training set (X, y).
func (dt *DecisionTreeClassifier) Fit(X, y mat.Matrix) error {
	return dt.FitWithSampleWeight(X, y, nil)
}

// FitWithSampleWeight builds the tree with per-sample weights. Samples with
// zero weight do not take part in training, but their labels still count as
// classes, which keeps bootstrap trees of a forest aligned on the same classes.
func (dt *DecisionTreeClassifier) FitWithSampleWeight(X, y mat.Matrix, sampleWeight []float64) error {
	if err := dt.validate(); err != nil {
		return err
	}
	Xd, labels, err := model.CheckXY("DecisionTreeClassifier.Fit", X, y)
	if err != nil {
		return err
	}
	nSamples, nFeatures := Xd.Dims()
	if sampleWeight != nil && len(sampleWeight) != nSamples {
		return errors.NewDimensionError("DecisionTreeClassifier.Fit", nSamples, len(sampleWeight), 0)
	}

	classes, encoded := encodeLabels(labels)

	b := &builder{
		dt:        dt,
		X:         Xd,
		y:         encoded,
		nClasses:  len(classes),
		nFeatures: nFeatures,
		weights:   sampleWeight,
		rng:       rand.New(rand.NewPCG(dt.seed(), 0x9e3779b97f4a7c15)),
	}

	samples := make([]int, 0, nSamples)
	for i := 0; i < nSamples; i++ {
		if b.weight(i) > 0 {
			samples = append(samples, i)
		}
	}
	if len(samples) == 0 {
		return errors.NewValueError("DecisionTreeClassifier.Fit", "all sample weights are zero")
	}

	b.importances = make([]float64, nFeatures)
	b.build(samples, 0)

	total := 0.0
	for _, v := range b.importances {
		total += v
	}
	if total > 0 {
		for i := range b.importances {
			b.importances[i] /= total
		}
	}

	dt.classes_ = classes
	dt.nClasses_ = len(classes)
	dt.nodes = b.nodes
	dt.featureImportances_ = b.importances
	dt.state.SetFitted(nFeatures, nSamples)
	return nil
}

func (dt *DecisionTreeClassifier) seed() uint64 {
	if dt.randomState < 0 {
		return rand.Uint64()
	}
	return uint64(dt.randomState)
}

// encodeLabels maps labels to 0..k-1 in sorted label order.
func encodeLabels(labels []int) (classes []int, encoded []int) {
	seen := make(map[int]bool)
	for _, l := range labels {
		if !seen[l] {
			seen[l] = true
			classes = append(classes, l)
		}
	}
	sort.Ints(classes)
	index := make(map[int]int, len(classes))
	for i, c := range classes {
		index[c] = i
	}
	encoded = make([]int, len(labels))
	for i, l := range labels {
		encoded[i] = index[l]
	}
	return classes, encoded
}

type builder struct {
	dt          *DecisionTreeClassifier
	X           *mat.Dense
	y           []int
	nClasses    int
	nFeatures   int
	weights     []float64
	rng         *rand.Rand
	nodes       []Node
	importances []float64
}

func (b *builder) weight(i int) float64 {
	if b.weights == nil {
		return 1
	}
	return b.weights[i]
}

func (b *builder) impurity(counts []float64, total float64) float64 {
	if total <= 0 {
		return 0
	}
	if b.dt.criterion == "gini" {
		sum := 0.0
		for _, c := range counts {
			p := c / total
			sum += p * p
		}
		return 1 - sum
	}
	h := 0.0
	for _, c := range counts {
		if c > 0 {
			p := c / total
			h -= p * math.Log2(p)
		}
	}
	return h
}

type split struct {
	feature   int
	threshold float64
	pos       int // samples[:pos] go left after sorting on feature
	proxy     float64
}

// build grows the subtree for samples and returns its node index.
func (b *builder) build(samples []int, depth int) int {
	counts := make([]float64, b.nClasses)
	weighted := 0.0
	for _, s := range samples {
		w := b.weight(s)
		counts[b.y[s]] += w
		weighted += w
	}
	imp := b.impurity(counts, weighted)

	value := make([]float64, b.nClasses)
	for c := range counts {
		value[c] = counts[c] / weighted
	}

	idx := len(b.nodes)
	b.nodes = append(b.nodes, Node{
		Feature:   -1,
		Left:      -1,
		Right:     -1,
		Impurity:  imp,
		NSamples:  len(samples),
		WeightedN: weighted,
		Value:     value,
	})

	n := len(samples)
	dt := b.dt
	if (dt.maxDepth > 0 && depth >= dt.maxDepth) ||
		n < dt.minSamplesSplit ||
		n < 2*dt.minSamplesLeaf ||
		imp <= impurityEps {
		return idx
	}

	best, ok := b.bestSplit(samples, counts, weighted)
	if !ok {
		return idx
	}

	sort.Slice(samples, func(i, j int) bool {
		return b.X.At(samples[i], best.feature) < b.X.At(samples[j], best.feature)
	})
	left := append([]int(nil), samples[:best.pos]...)
	right := append([]int(nil), samples[best.pos:]...)

	leftIdx := b.build(left, depth+1)
	rightIdx := b.build(right, depth+1)

	l, r := &b.nodes[leftIdx], &b.nodes[rightIdx]
	b.importances[best.feature] += weighted*imp - l.WeightedN*l.Impurity - r.WeightedN*r.Impurity

	node := &b.nodes[idx]
	node.Feature = best.feature
	node.Threshold = best.threshold
	node.Left = leftIdx
	node.Right = rightIdx
	return idx
}

// featureOrder returns the features to examine, shuffled when only a subset is drawn.
func (b *builder) featureOrder() []int {
	order := make([]int, b.nFeatures)
	for i := range order {
		order[i] = i
	}
	if b.dt.maxFeatures > 0 && b.dt.maxFeatures < b.nFeatures {
		b.rng.Shuffle(len(order), func(i, j int) { order[i], order[j] = order[j], order[i] })
	}
	return order
}

// bestSplit searches thresholds between distinct adjacent values. It keeps
// drawing features until maxFeatures non-constant ones have been examined.
func (b *builder) bestSplit(samples []int, counts []float64, weighted float64) (split, bool) {
	n := len(samples)
	minLeaf := b.dt.minSamplesLeaf
	limit := b.nFeatures
	if b.dt.maxFeatures > 0 && b.dt.maxFeatures < b.nFeatures {
		limit = b.dt.maxFeatures
	}

	best := split{proxy: math.Inf(-1)}
	found := false
	sorted := make([]int, n)
	values := make([]float64, n)
	leftCounts := make([]float64, b.nClasses)
	rightCounts := make([]float64, b.nClasses)

	visited := 0
	for _, f := range b.featureOrder() {
		if visited >= limit {
			break
		}
		copy(sorted, samples)
		sort.Slice(sorted, func(i, j int) bool { return b.X.At(sorted[i], f) < b.X.At(sorted[j], f) })
		for i, s := range sorted {
			values[i] = b.X.At(s, f)
		}
		if values[n-1] <= values[0]+featureThreshold {
			continue // constant feature
		}
		visited++

		for c := range leftCounts {
			leftCounts[c] = 0
			rightCounts[c] = counts[c]
		}
		leftW, rightW := 0.0, weighted

		for pos := 1; pos < n; pos++ {
			s := sorted[pos-1]
			w := b.weight(s)
			leftCounts[b.y[s]] += w
			rightCounts[b.y[s]] -= w
			leftW += w
			rightW -= w

			if values[pos] <= values[pos-1]+featureThreshold {
				continue
			}
			if pos < minLeaf || n-pos < minLeaf {
				continue
			}

			proxy := -leftW*b.impurity(leftCounts, leftW) - rightW*b.impurity(rightCounts, rightW)
			if proxy > best.proxy {
				threshold := values[pos-1]/2 + values[pos]/2
				if threshold == values[pos] || math.IsInf(threshold, 0) {
					threshold = values[pos-1]
				}
				best = split{feature: f, threshold: threshold, pos: pos, proxy: proxy}
				found = true
			}
		}
	}
	return best, found
}

func (dt *DecisionTreeClassifier) checkPredict(method string, X mat.Matrix) error {
	if err := dt.state.RequireFitted("DecisionTreeClassifier", method); err != nil {
		return err
	}
	if X == nil {
		return errors.Wrapf(errors.ErrEmptyData, "DecisionTreeClassifier.%s: X is nil", method)
	}
	_, cols := X.Dims()
	return dt.state.CheckFeatures("DecisionTreeClassifier."+method, cols)
}

func (dt *DecisionTreeClassifier) leaf(X mat.Matrix, row int) *Node {
	node := &dt.nodes[0]
	for !node.IsLeaf() {
		if X.At(row, node.Feature) <= node.Threshold {
			node = &dt.nodes[node.Left]
		} else {
			node = &dt.nodes[node.Right]
		}
	}
	return node
}

// PredictProba returns the class distribution of the leaf each sample falls into.
// Columns follow Classes().
func (dt *DecisionTreeClassifier) PredictProba(X mat.Matrix) (mat.Matrix, error) {
	if err := dt.checkPredict("PredictProba", X); err != nil {
		return nil, err
	}
	rows, _ := X.Dims()
	out := mat.NewDense(rows, dt.nClasses_, nil)
	for i := 0; i < rows; i++ {
		out.SetRow(i, dt.leaf(X, i).Value)
	}
	return out, nil
}

// Predict returns the most probable class for each sample.
func (dt *DecisionTreeClassifier) Predict(X mat.Matrix) (mat.Matrix, error) {
	if err := dt.checkPredict("Predict", X); err != nil {
		return nil, err
	}
	rows, _ := X.Dims()
	out := mat.NewVecDense(rows, nil)
	for i := 0; i < rows; i++ {
		out.SetVec(i, float64(dt.classes_[argmax(dt.leaf(X, i).Value)]))
	}
	return out, nil
}

// argmax returns the first index of the largest value.
func argmax(v []float64) int {
	best := 0
	for i := 1; i < len(v); i++ {
		if v[i] > v[best] {
			best = i
		}
	}
	return best
}

// Score returns the mean accuracy on X and y, or 0 if prediction fails.
func (dt *DecisionTreeClassifier) Score(X, y mat.Matrix) float64 {
	pred, err := dt.Predict(X)
	if err != nil {
		return 0
	}
	yv, err := model.ColumnVector("DecisionTreeClassifier.Score", y)
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
func (dt *DecisionTreeClassifier) Classes() []int {
	return append([]int(nil), dt.classes_...)
}

// GetDepth returns the depth of the fitted tree; a single leaf has depth 0.
func (dt *DecisionTreeClassifier) GetDepth() int {
	if len(dt.nodes) == 0 {
		return 0
	}
	var depth func(i int) int
	depth = func(i int) int {
		n := &dt.nodes[i]
		if n.IsLeaf() {
			return 0
		}
		return 1 + max(depth(n.Left), depth(n.Right))
	}
	return depth(0)
}

// GetNLeaves returns the number of leaves in the fitted tree.
func (dt *DecisionTreeClassifier) GetNLeaves() int {
	leaves := 0
	for i := range dt.nodes {
		if dt.nodes[i].IsLeaf() {
			leaves++
		}
	}
	return leaves
}

// GetFeatureImportances returns the normalised total impurity decrease per feature.
func (dt *DecisionTreeClassifier) GetFeatureImportances() []float64 {
	return append([]float64(nil), dt.featureImportances_...)
}

// Nodes returns the flattened tree.
func (dt *DecisionTreeClassifier) Nodes() []Node {
	return dt.nodes
}

// IsFitted reports whether Fit has completed.
func (dt *DecisionTreeClassifier) IsFitted() bool {
	return dt.state.IsFitted()
}
