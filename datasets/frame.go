// Package datasets loads the tabular classification datasets used by the
// training workflows and describes them for experiment tracking.
package datasets

import (
	"bytes"
	"crypto/md5"
	"encoding/csv"
	"encoding/hex"
	"encoding/json"
	"io"
	"math"
	"strconv"

	"gonum.org/v1/gonum/mat"

	"github.com/YuminosukeSato/mltrack/pkg/errors"
)

// TargetColumn is the name of the label column when a frame is written out.
const TargetColumn = "target"

// Frame is a feature matrix with named columns, an integer-coded label vector
// and the class names the codes refer to. A Frame is not modified after loading.
type Frame struct {
	Name         string
	FeatureNames []string
	TargetNames  []string
	X            *mat.Dense
	Y            *mat.VecDense
}

// NewFrame validates the shapes and builds a Frame.
func NewFrame(name string, featureNames, targetNames []string, X *mat.Dense, y *mat.VecDense) (*Frame, error) {
	rows, cols := X.Dims()
	if rows == 0 {
		return nil, errors.Wrapf(errors.ErrEmptyData, "dataset %s", name)
	}
	if y.Len() != rows {
		return nil, errors.NewDimensionError("NewFrame", rows, y.Len(), 0)
	}
	if len(featureNames) != cols {
		return nil, errors.NewDimensionError("NewFrame", cols, len(featureNames), 1)
	}
	for i := 0; i < rows; i++ {
		label := y.AtVec(i)
		if label < 0 || int(label) >= len(targetNames) || label != math.Trunc(label) {
			return nil, errors.NewValueError("NewFrame", "label "+strconv.FormatFloat(label, 'g', -1, 64)+" has no target name")
		}
	}
	return &Frame{Name: name, FeatureNames: featureNames, TargetNames: targetNames, X: X, Y: y}, nil
}

// Dims returns the number of samples and features.
func (f *Frame) Dims() (samples, features int) {
	return f.X.Dims()
}

// Subset returns a new Frame holding the given rows in order.
func (f *Frame) Subset(rows []int) *Frame {
	_, cols := f.X.Dims()
	x := mat.NewDense(len(rows), cols, nil)
	y := mat.NewVecDense(len(rows), nil)
	for i, r := range rows {
		x.SetRow(i, f.X.RawRowView(r))
		y.SetVec(i, f.Y.AtVec(r))
	}
	return &Frame{Name: f.Name, FeatureNames: f.FeatureNames, TargetNames: f.TargetNames, X: x, Y: y}
}

// WriteCSV writes the features followed by a target column, with a header row
// and no index column.
func (f *Frame) WriteCSV(w io.Writer) error {
	cw := csv.NewWriter(w)
	header := append(append([]string{}, f.FeatureNames...), TargetColumn)
	if err := cw.Write(header); err != nil {
		return errors.Wrap(err, "write csv header")
	}

	rows, cols := f.X.Dims()
	record := make([]string, cols+1)
	for i := 0; i < rows; i++ {
		for j := 0; j < cols; j++ {
			record[j] = formatFloat(f.X.At(i, j))
		}
		record[cols] = strconv.Itoa(int(f.Y.AtVec(i)))
		if err := cw.Write(record); err != nil {
			return errors.Wrapf(err, "write csv row %d", i)
		}
	}
	cw.Flush()
	return errors.Wrap(cw.Error(), "flush csv")
}

// formatFloat prints integral values with a trailing ".0" the way pandas does.
func formatFloat(v float64) string {
	if v == math.Trunc(v) && math.Abs(v) < 1e16 {
		return strconv.FormatFloat(v, 'f', 1, 64)
	}
	return strconv.FormatFloat(v, 'g', -1, 64)
}

// Digest is a short content hash used to identify the dataset in tracking.
func (f *Frame) Digest() (string, error) {
	var buf bytes.Buffer
	if err := f.WriteCSV(&buf); err != nil {
		return "", err
	}
	sum := md5.Sum(buf.Bytes())
	return hex.EncodeToString(sum[:])[:8], nil
}

type colSpec struct {
	Type     string `json:"type"`
	Name     string `json:"name"`
	Required bool   `json:"required"`
}

// Schema returns the column schema in MLflow's colspec JSON form.
func (f *Frame) Schema() (string, error) {
	cols := make([]colSpec, 0, len(f.FeatureNames)+1)
	for _, name := range f.FeatureNames {
		cols = append(cols, colSpec{Type: "double", Name: name, Required: true})
	}
	cols = append(cols, colSpec{Type: "long", Name: TargetColumn, Required: true})

	b, err := json.Marshal(map[string][]colSpec{"mlflow_colspec": cols})
	if err != nil {
		return "", errors.Wrap(err, "marshal schema")
	}
	return string(b), nil
}

// Profile returns the dataset profile in MLflow's JSON form.
func (f *Frame) Profile() string {
	rows, cols := f.X.Dims()
	b, _ := json.Marshal(map[string]int{
		"num_rows":     rows,
		"num_elements": rows * (cols + 1),
	})
	return string(b)
}

// ClassCounts returns the number of samples per class code.
func (f *Frame) ClassCounts() []int {
	counts := make([]int, len(f.TargetNames))
	for i := 0; i < f.Y.Len(); i++ {
		counts[int(f.Y.AtVec(i))]++
	}
	return counts
}
