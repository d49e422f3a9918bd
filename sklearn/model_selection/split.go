package model_selection

import (
	"math"
	"math/rand/v2"
	"sort"

	"gonum.org/v1/gonum/mat"

	"github.com/YuminosukeSato/mltrack/core/model"
	"github.com/YuminosukeSato/mltrack/pkg/errors"
)

// Split is the result of TrainTestSplit. TrainIndex and TestIndex refer to
// rows of the input and together cover every row exactly once.
type Split struct {
	XTrain, XTest *mat.Dense
	YTrain, YTest *mat.VecDense

	TrainIndex []int
	TestIndex  []int
}

type splitConfig struct {
	testSize    float64
	randomState uint64
	seeded      bool
	shuffle     bool
	stratify    bool
}

// SplitOption configures TrainTestSplit.
type SplitOption func(*splitConfig)

// WithTestSize sets the fraction of rows held out for testing, in (0, 1).
func WithTestSize(f float64) SplitOption {
	return func(c *splitConfig) { c.testSize = f }
}

// WithRandomState makes the shuffle reproducible.
func WithRandomState(seed uint64) SplitOption {
	return func(c *splitConfig) {
		c.randomState = seed
		c.seeded = true
	}
}

// WithShuffle toggles shuffling. Without it the last rows form the test set.
func WithShuffle(shuffle bool) SplitOption {
	return func(c *splitConfig) { c.shuffle = shuffle }
}

// WithStratify keeps class proportions equal on both sides of the split.
func WithStratify(stratify bool) SplitOption {
	return func(c *splitConfig) { c.stratify = stratify }
}

// TrainTestSplit partitions (X, y) into train and test sets.
// The test side has ceil(test_size * n) rows.
//
// Example:
//
//	split, err := model_selection.TrainTestSplit(X, y,
//	    model_selection.WithTestSize(0.2),
//	    model_selection.WithRandomState(42),
//	)
func TrainTestSplit(X, y mat.Matrix, opts ...SplitOption) (*Split, error) {
	cfg := &splitConfig{testSize: 0.25, shuffle: true}
	for _, opt := range opts {
		opt(cfg)
	}
	if cfg.testSize <= 0 || cfg.testSize >= 1 || math.IsNaN(cfg.testSize) {
		return nil, errors.NewValidationError("test_size", "must be in (0, 1)", cfg.testSize)
	}
	if cfg.stratify && !cfg.shuffle {
		return nil, errors.NewValidationError("stratify", "requires shuffle", cfg.stratify)
	}

	Xd, labels, err := model.CheckXY("TrainTestSplit", X, y)
	if err != nil {
		return nil, err
	}
	n := len(labels)
	nTest := int(math.Ceil(cfg.testSize * float64(n)))
	nTrain := n - nTest
	if nTrain == 0 || nTest == 0 {
		return nil, errors.NewValueError("TrainTestSplit",
			"test_size leaves one side of the split empty")
	}

	seed := cfg.randomState
	if !cfg.seeded {
		seed = rand.Uint64()
	}
	r := rand.New(rand.NewPCG(seed, seed))

	var train, test []int
	switch {
	case !cfg.shuffle:
		train, test = seq(0, nTrain), seq(nTrain, n)
	case cfg.stratify:
		train, test = stratifiedIndices(labels, nTest, r)
	default:
		perm := r.Perm(n)
		test, train = perm[:nTest], perm[nTest:]
	}

	yv := mat.NewVecDense(n, nil)
	for i, l := range labels {
		yv.SetVec(i, float64(l))
	}
	s := &Split{TrainIndex: train, TestIndex: test}
	s.XTrain, s.YTrain = takeRows(Xd, yv, train)
	s.XTest, s.YTest = takeRows(Xd, yv, test)
	return s, nil
}

func seq(from, to int) []int {
	out := make([]int, 0, to-from)
	for i := from; i < to; i++ {
		out = append(out, i)
	}
	return out
}

// stratifiedIndices gives each class floor(nTest * share) test rows and hands
// the leftover test rows to the classes with the largest remainders.
func stratifiedIndices(labels []int, nTest int, r *rand.Rand) (train, test []int) {
	byClass := make(map[int][]int)
	var classes []int
	for i, l := range labels {
		if _, ok := byClass[l]; !ok {
			classes = append(classes, l)
		}
		byClass[l] = append(byClass[l], i)
	}
	sort.Ints(classes)

	n := float64(len(labels))
	quota := make([]int, len(classes))
	frac := make([]float64, len(classes))
	assigned := 0
	for k, c := range classes {
		exact := float64(nTest) * float64(len(byClass[c])) / n
		quota[k] = int(exact)
		frac[k] = exact - float64(quota[k])
		assigned += quota[k]
	}
	order := seq(0, len(classes))
	sort.SliceStable(order, func(a, b int) bool { return frac[order[a]] > frac[order[b]] })
	for i := 0; assigned < nTest; i = (i + 1) % len(order) {
		k := order[i]
		if quota[k] < len(byClass[classes[k]]) {
			quota[k]++
			assigned++
		}
	}

	for k, c := range classes {
		rows := byClass[c]
		r.Shuffle(len(rows), func(i, j int) { rows[i], rows[j] = rows[j], rows[i] })
		test = append(test, rows[:quota[k]]...)
		train = append(train, rows[quota[k]:]...)
	}
	r.Shuffle(len(test), func(i, j int) { test[i], test[j] = test[j], test[i] })
	r.Shuffle(len(train), func(i, j int) { train[i], train[j] = train[j], train[i] })
	return train, test
}
