package model

import (
	"math"

	"gonum.org/v1/gonum/mat"

	"github.com/YuminosukeSato/mltrack/pkg/errors"
)

// ColumnVector converts an n×1 or 1×n label matrix into a vector.
func ColumnVector(op string, y mat.Matrix) (*mat.VecDense, error) {
	if y == nil {
		return nil, errors.Wrapf(errors.ErrEmptyData, "%s: y is nil", op)
	}
	if v, ok := y.(*mat.VecDense); ok {
		return v, nil
	}
	r, c := y.Dims()
	switch {
	case r == 0 || c == 0:
		return nil, errors.Wrapf(errors.ErrEmptyData, "%s: y is empty", op)
	case c == 1:
		out := mat.NewVecDense(r, nil)
		for i := 0; i < r; i++ {
			out.SetVec(i, y.At(i, 0))
		}
		return out, nil
	case r == 1:
		out := mat.NewVecDense(c, nil)
		for i := 0; i < c; i++ {
			out.SetVec(i, y.At(0, i))
		}
		return out, nil
	default:
		return nil, errors.NewDimensionError(op, 1, c, 1)
	}
}

// AsDense returns X as a *mat.Dense, copying only when it is some other type.
func AsDense(X mat.Matrix) *mat.Dense {
	if d, ok := X.(*mat.Dense); ok {
		return d
	}
	return mat.DenseCopyOf(X)
}

// CheckXY validates a training pair and returns X as a dense matrix and y as
// integer class labels.
func CheckXY(op string, X, y mat.Matrix) (*mat.Dense, []int, error) {
	if X == nil {
		return nil, nil, errors.Wrapf(errors.ErrEmptyData, "%s: X is nil", op)
	}
	rows, cols := X.Dims()
	if rows == 0 || cols == 0 {
		return nil, nil, errors.Wrapf(errors.ErrEmptyData, "%s: X is empty", op)
	}
	if err := errors.CheckFinite(op, X); err != nil {
		return nil, nil, err
	}
	yv, err := ColumnVector(op, y)
	if err != nil {
		return nil, nil, err
	}
	if yv.Len() != rows {
		return nil, nil, errors.NewDimensionError(op, rows, yv.Len(), 0)
	}

	labels := make([]int, rows)
	for i := range labels {
		v := yv.AtVec(i)
		if v != math.Trunc(v) || math.IsInf(v, 0) || math.IsNaN(v) {
			return nil, nil, errors.NewValueError(op, "class labels must be integers")
		}
		labels[i] = int(v)
	}
	return AsDense(X), labels, nil
}
