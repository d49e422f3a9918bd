package errors

import (
	"fmt"
	"math"
)

// NonFiniteInputError is returned when an input matrix contains NaN or Inf values.
// Tree-based estimators cannot place such values on either side of a threshold.
type NonFiniteInputError struct {
	Op     string
	Row    int
	Col    int
	Value  float64
	Counts int // number of non-finite cells found
}

func (e *NonFiniteInputError) Error() string {
	return fmt.Sprintf("mltrack: %s: input contains %d non-finite value(s); first at (%d, %d) = %v",
		e.Op, e.Counts, e.Row, e.Col, e.Value)
}

// CheckFinite scans a matrix and returns a NonFiniteInputError if any cell is NaN or Inf.
func CheckFinite(op string, m interface {
	At(int, int) float64
	Dims() (int, int)
}) error {
	rows, cols := m.Dims()
	var first *NonFiniteInputError
	for i := 0; i < rows; i++ {
		for j := 0; j < cols; j++ {
			v := m.At(i, j)
			if !math.IsNaN(v) && !math.IsInf(v, 0) {
				continue
			}
			if first == nil {
				first = &NonFiniteInputError{Op: op, Row: i, Col: j, Value: v}
			}
			first.Counts++
		}
	}
	if first != nil {
		return WithStack(first)
	}
	return nil
}

// SafeDivide divides and returns 0 when the denominator is (close to) zero.
func SafeDivide(numerator, denominator float64) float64 {
	if math.Abs(denominator) < 1e-10 {
		return 0
	}
	return numerator / denominator
}
