// Package model_selection provides data splitting, cross-validation splitters
// and exhaustive hyperparameter search.
package model_selection

import (
	"math/rand/v2"
	"sort"

	"gonum.org/v1/gonum/mat"

	"github.com/YuminosukeSato/mltrack/core/model"
	"github.com/YuminosukeSato/mltrack/pkg/errors"
)

// CrossValidator defines interface for cross-validation splitters
type CrossValidator interface {
	Split(X, y mat.Matrix) ([]CVFold, error)
	GetNSplits() int
}

// CVFold represents a single fold in cross-validation
type CVFold struct {
	TrainIndices []int
	TestIndices  []int
}

// KFold implements k-fold cross-validation splitter
type KFold struct {
	NSplits    int
	Shuffle    bool
	RandomSeed uint64
}

// NewKFold creates a new k-fold splitter
func NewKFold(nSplits int, shuffle bool, randomSeed uint64) *KFold {
	return &KFold{NSplits: nSplits, Shuffle: shuffle, RandomSeed: randomSeed}
}

// GetNSplits returns the number of splits
func (kf *KFold) GetNSplits() int {
	return kf.NSplits
}

// Split assigns consecutive blocks of (optionally shuffled) rows to the test
// side of each fold. The first n % k folds get one extra row.
func (kf *KFold) Split(X, _ mat.Matrix) ([]CVFold, error) {
	nSamples, _ := X.Dims()
	if err := checkSplits(kf.NSplits, nSamples); err != nil {
		return nil, err
	}

	indices := make([]int, nSamples)
	for i := range indices {
		indices[i] = i
	}
	if kf.Shuffle {
		r := rand.New(rand.NewPCG(kf.RandomSeed, kf.RandomSeed))
		r.Shuffle(len(indices), func(i, j int) {
			indices[i], indices[j] = indices[j], indices[i]
		})
	}

	folds := make([]CVFold, kf.NSplits)
	testFold := make([]int, nSamples)
	foldSize := nSamples / kf.NSplits
	remainder := nSamples % kf.NSplits
	current := 0
	for f := range folds {
		size := foldSize
		if f < remainder {
			size++
		}
		block := indices[current : current+size]
		folds[f].TestIndices = append([]int(nil), block...)
		for _, idx := range block {
			testFold[idx] = f
		}
		current += size
	}
	fillTrain(folds, testFold)
	return folds, nil
}

// StratifiedKFold implements stratified k-fold cross-validation
type StratifiedKFold struct {
	NSplits    int
	Shuffle    bool
	RandomSeed uint64
}

// NewStratifiedKFold creates a new stratified k-fold splitter
func NewStratifiedKFold(nSplits int, shuffle bool, randomSeed uint64) *StratifiedKFold {
	return &StratifiedKFold{NSplits: nSplits, Shuffle: shuffle, RandomSeed: randomSeed}
}

// GetNSplits returns the number of splits
func (skf *StratifiedKFold) GetNSplits() int {
	return skf.NSplits
}

// Split keeps class proportions in every fold the way scikit-learn does:
// labels are sorted, dealt round-robin over the folds to get per-fold class
// counts, and each class's rows are then handed out to folds in row order.
func (skf *StratifiedKFold) Split(X, y mat.Matrix) ([]CVFold, error) {
	nSamples, _ := X.Dims()
	if err := checkSplits(skf.NSplits, nSamples); err != nil {
		return nil, err
	}
	yv, err := model.ColumnVector("StratifiedKFold.Split", y)
	if err != nil {
		return nil, err
	}
	if yv.Len() != nSamples {
		return nil, errors.NewDimensionError("StratifiedKFold.Split", nSamples, yv.Len(), 0)
	}

	// classes are numbered by first appearance
	code := make(map[float64]int)
	encoded := make([]int, nSamples)
	var classRows [][]int
	for i := 0; i < nSamples; i++ {
		label := yv.AtVec(i)
		c, ok := code[label]
		if !ok {
			c = len(classRows)
			code[label] = c
			classRows = append(classRows, nil)
		}
		encoded[i] = c
		classRows[c] = append(classRows[c], i)
	}

	largest := 0
	for _, rows := range classRows {
		largest = max(largest, len(rows))
	}
	if skf.NSplits > largest {
		return nil, errors.NewValidationError("n_splits", "cannot be greater than the number of members in each class", skf.NSplits)
	}

	sortedCodes := append([]int(nil), encoded...)
	sort.Ints(sortedCodes)
	allocation := make([][]int, skf.NSplits)
	for f := range allocation {
		allocation[f] = make([]int, len(classRows))
		for i := f; i < nSamples; i += skf.NSplits {
			allocation[f][sortedCodes[i]]++
		}
	}

	var r *rand.Rand
	if skf.Shuffle {
		r = rand.New(rand.NewPCG(skf.RandomSeed, skf.RandomSeed))
	}
	testFold := make([]int, nSamples)
	for c, rows := range classRows {
		assign := make([]int, 0, len(rows))
		for f := 0; f < skf.NSplits; f++ {
			for k := 0; k < allocation[f][c]; k++ {
				assign = append(assign, f)
			}
		}
		if r != nil {
			r.Shuffle(len(assign), func(i, j int) { assign[i], assign[j] = assign[j], assign[i] })
		}
		for k, row := range rows {
			testFold[row] = assign[k]
		}
	}

	folds := make([]CVFold, skf.NSplits)
	for i, f := range testFold {
		folds[f].TestIndices = append(folds[f].TestIndices, i)
	}
	fillTrain(folds, testFold)
	return folds, nil
}

func checkSplits(nSplits, nSamples int) error {
	if nSplits < 2 {
		return errors.NewValidationError("n_splits", "must be at least 2", nSplits)
	}
	if nSplits > nSamples {
		return errors.NewValidationError("n_splits", "cannot be greater than the number of samples", nSplits)
	}
	return nil
}

// fillTrain sets each fold's train rows to every row not in its test side, in row order.
func fillTrain(folds []CVFold, testFold []int) {
	for f := range folds {
		train := make([]int, 0, len(testFold)-len(folds[f].TestIndices))
		for i, tf := range testFold {
			if tf != f {
				train = append(train, i)
			}
		}
		folds[f].TrainIndices = train
	}
}

// takeRows copies the given rows of X and y.
func takeRows(X *mat.Dense, y *mat.VecDense, rows []int) (*mat.Dense, *mat.VecDense) {
	_, cols := X.Dims()
	xs := mat.NewDense(len(rows), cols, nil)
	ys := mat.NewVecDense(len(rows), nil)
	for i, r := range rows {
		xs.SetRow(i, X.RawRowView(r))
		ys.SetVec(i, y.AtVec(r))
	}
	return xs, ys
}
