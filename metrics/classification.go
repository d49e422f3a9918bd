// Package metrics provides classification metrics over gonum vectors.
package metrics

import (
	"math"
	"sort"

	"gonum.org/v1/gonum/mat"

	"github.com/YuminosukeSato/mltrack/pkg/errors"
)

// logLossEps clips probabilities away from 0 and 1.
const logLossEps = 1e-15

func validatePair(op string, yTrue, yPred *mat.VecDense) (int, error) {
	if yTrue == nil || yPred == nil {
		return 0, errors.Wrapf(errors.ErrEmptyData, "%s: nil input", op)
	}
	n := yTrue.Len()
	if n == 0 {
		return 0, errors.Wrapf(errors.ErrEmptyData, "%s: empty input", op)
	}
	if yPred.Len() != n {
		return 0, errors.NewDimensionError(op, n, yPred.Len(), 0)
	}
	return n, nil
}

// Accuracy returns the fraction of predictions equal to the true labels.
//
// Example:
//
//	yTrue := mat.NewVecDense(5, []float64{0, 1, 2, 1, 0})
//	yPred := mat.NewVecDense(5, []float64{0, 1, 1, 1, 0})
//	acc, _ := metrics.Accuracy(yTrue, yPred) // 0.8
func Accuracy(yTrue, yPred *mat.VecDense) (float64, error) {
	n, err := validatePair("Accuracy", yTrue, yPred)
	if err != nil {
		return 0, err
	}
	correct := 0
	for i := 0; i < n; i++ {
		if yTrue.AtVec(i) == yPred.AtVec(i) {
			correct++
		}
	}
	return errors.SafeDivide(float64(correct), float64(n)), nil
}

// ClassificationError returns 1 - Accuracy.
func ClassificationError(yTrue, yPred *mat.VecDense) (float64, error) {
	acc, err := Accuracy(yTrue, yPred)
	if err != nil {
		return 0, err
	}
	return 1 - acc, nil
}

// ConfusionMatrix counts predictions per (actual, predicted) label pair.
// Row i and column j refer to labels[i] and labels[j]; when labels is nil the
// sorted union of the labels in yTrue and yPred is used. Pairs whose labels are
// not listed are ignored.
func ConfusionMatrix(yTrue, yPred *mat.VecDense, labels []int) (*mat.Dense, error) {
	n, err := validatePair("ConfusionMatrix", yTrue, yPred)
	if err != nil {
		return nil, err
	}
	if labels == nil {
		seen := make(map[int]bool)
		for i := 0; i < n; i++ {
			seen[int(yTrue.AtVec(i))] = true
			seen[int(yPred.AtVec(i))] = true
		}
		for l := range seen {
			labels = append(labels, l)
		}
		sort.Ints(labels)
	}
	if len(labels) == 0 {
		return nil, errors.NewValueError("ConfusionMatrix", "labels must not be empty")
	}

	index := make(map[int]int, len(labels))
	for i, l := range labels {
		if _, dup := index[l]; dup {
			return nil, errors.NewValueError("ConfusionMatrix", "labels contain duplicates")
		}
		index[l] = i
	}

	cm := mat.NewDense(len(labels), len(labels), nil)
	for i := 0; i < n; i++ {
		a, okA := index[int(yTrue.AtVec(i))]
		p, okP := index[int(yPred.AtVec(i))]
		if okA && okP {
			cm.Set(a, p, cm.At(a, p)+1)
		}
	}
	return cm, nil
}

func checkBinary(op string, y *mat.VecDense) error {
	for i := 0; i < y.Len(); i++ {
		if v := y.AtVec(i); v != 0 && v != 1 {
			return errors.NewValueError(op, "labels must be 0 or 1")
		}
	}
	return nil
}

// AUC computes the area under the ROC curve from binary labels and scores
// using average ranks for tied scores. With a single class present the
// metric is undefined: a warning is emitted and 0.5 is returned.
func AUC(yTrue, yScore *mat.VecDense) (float64, error) {
	n, err := validatePair("AUC", yTrue, yScore)
	if err != nil {
		return 0, err
	}
	if err := checkBinary("AUC", yTrue); err != nil {
		return 0, err
	}

	order := make([]int, n)
	for i := range order {
		order[i] = i
	}
	sort.SliceStable(order, func(a, b int) bool { return yScore.AtVec(order[a]) < yScore.AtVec(order[b]) })

	ranks := make([]float64, n)
	for i := 0; i < n; {
		j := i
		for j+1 < n && yScore.AtVec(order[j+1]) == yScore.AtVec(order[i]) {
			j++
		}
		avg := float64(i+j)/2 + 1
		for k := i; k <= j; k++ {
			ranks[order[k]] = avg
		}
		i = j + 1
	}

	var nPos, rankSum float64
	for i := 0; i < n; i++ {
		if yTrue.AtVec(i) == 1 {
			nPos++
			rankSum += ranks[i]
		}
	}
	nNeg := float64(n) - nPos
	if nPos == 0 || nNeg == 0 {
		errors.Warn(errors.NewUndefinedMetricWarning("AUC", "only one class present in y_true", 0.5))
		return 0.5, nil
	}
	return errors.SafeDivide(rankSum-nPos*(nPos+1)/2, nPos*nNeg), nil
}

// AUCMatrix is AUC over the first column of two matrices.
func AUCMatrix(yTrue, yScore mat.Matrix) (float64, error) {
	a, err := firstColumn("AUCMatrix", yTrue)
	if err != nil {
		return 0, err
	}
	b, err := firstColumn("AUCMatrix", yScore)
	if err != nil {
		return 0, err
	}
	return AUC(a, b)
}

func firstColumn(op string, m mat.Matrix) (*mat.VecDense, error) {
	if m == nil {
		return nil, errors.Wrapf(errors.ErrEmptyData, "%s: nil input", op)
	}
	if d, ok := m.(*mat.Dense); ok && d.IsEmpty() {
		return nil, errors.Wrapf(errors.ErrEmptyData, "%s: empty input", op)
	}
	r, c := m.Dims()
	if r == 0 || c == 0 {
		return nil, errors.Wrapf(errors.ErrEmptyData, "%s: empty input", op)
	}
	v := mat.NewVecDense(r, nil)
	for i := 0; i < r; i++ {
		v.SetVec(i, m.At(i, 0))
	}
	return v, nil
}

// BinaryLogLoss is the mean negative log-likelihood of binary labels given
// predicted probabilities of the positive class.
func BinaryLogLoss(yTrue, yProb *mat.VecDense) (float64, error) {
	n, err := validatePair("BinaryLogLoss", yTrue, yProb)
	if err != nil {
		return 0, err
	}
	if err := checkBinary("BinaryLogLoss", yTrue); err != nil {
		return 0, err
	}
	var loss float64
	for i := 0; i < n; i++ {
		p := math.Min(math.Max(yProb.AtVec(i), logLossEps), 1-logLossEps)
		if yTrue.AtVec(i) == 1 {
			loss -= math.Log(p)
		} else {
			loss -= math.Log(1 - p)
		}
	}
	return errors.SafeDivide(loss, float64(n)), nil
}
