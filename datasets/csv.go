package datasets

import (
	"bytes"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/sjwhitworth/golearn/base"
	"gonum.org/v1/gonum/mat"

	"github.com/YuminosukeSato/mltrack/pkg/errors"
)

// table gives column/row access to golearn instances regardless of attribute type.
type table struct {
	inst  *base.DenseInstances
	specs []base.AttributeSpec
	rows  int
}

func newTable(inst *base.DenseInstances) (*table, error) {
	attrs := inst.AllAttributes()
	specs := make([]base.AttributeSpec, len(attrs))
	for i, a := range attrs {
		spec, err := inst.GetAttribute(a)
		if err != nil {
			return nil, err
		}
		specs[i] = spec
	}
	_, rows := inst.Size()
	return &table{inst: inst, specs: specs, rows: rows}, nil
}

func (t *table) cols() int { return len(t.specs) }

func (t *table) name(col int) string { return t.specs[col].GetAttribute().GetName() }

func (t *table) isFloat(col int) bool {
	_, ok := t.specs[col].GetAttribute().(*base.FloatAttribute)
	return ok
}

func (t *table) float(col, row int) (float64, error) {
	raw := t.inst.Get(t.specs[col], row)
	if t.isFloat(col) {
		return base.UnpackBytesToFloat(raw), nil
	}
	s := t.specs[col].GetAttribute().GetStringFromSysVal(raw)
	v, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	if err != nil {
		return 0, errors.NewValueError("table.float", "column "+t.name(col)+" holds non-numeric value "+strconv.Quote(s))
	}
	return v, nil
}

func (t *table) str(col, row int) string {
	raw := t.inst.Get(t.specs[col], row)
	if t.isFloat(col) {
		return strconv.FormatFloat(base.UnpackBytesToFloat(raw), 'g', -1, 64)
	}
	return strings.TrimSpace(t.specs[col].GetAttribute().GetStringFromSysVal(raw))
}

// LoadCSV reads a CSV file with a header row. The column named label (the last
// column when label is empty) becomes the target; its distinct values are
// coded in sorted order, numerically when every value is a number.
func LoadCSV(path, label string) (*Frame, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "read %s", path)
	}
	inst, err := base.ParseCSVToInstancesFromReader(bytes.NewReader(data), true)
	if err != nil {
		return nil, errors.Wrapf(err, "parse %s", path)
	}
	t, err := newTable(inst)
	if err != nil {
		return nil, errors.Wrapf(err, "parse %s", path)
	}
	if t.cols() < 2 {
		return nil, errors.NewValueError("LoadCSV", "need at least one feature column and a label column")
	}

	labelCol := t.cols() - 1
	if label != "" {
		labelCol = -1
		for c := 0; c < t.cols(); c++ {
			if t.name(c) == label {
				labelCol = c
				break
			}
		}
		if labelCol < 0 {
			return nil, errors.NewValidationError("label", "column not found in "+path, label)
		}
	}

	raw := make([]string, t.rows)
	for i := range raw {
		raw[i] = t.str(labelCol, i)
	}
	classes := sortedClasses(raw)
	codes := make(map[string]int, len(classes))
	for i, c := range classes {
		codes[c] = i
	}

	featureNames := make([]string, 0, t.cols()-1)
	for c := 0; c < t.cols(); c++ {
		if c != labelCol {
			featureNames = append(featureNames, t.name(c))
		}
	}

	X := mat.NewDense(t.rows, len(featureNames), nil)
	y := mat.NewVecDense(t.rows, nil)
	for i := 0; i < t.rows; i++ {
		j := 0
		for c := 0; c < t.cols(); c++ {
			if c == labelCol {
				continue
			}
			v, err := t.float(c, i)
			if err != nil {
				return nil, errors.Wrapf(err, "row %d", i)
			}
			X.Set(i, j, v)
			j++
		}
		y.SetVec(i, float64(codes[raw[i]]))
	}

	name := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	return NewFrame(name, featureNames, classes, X, y)
}

func sortedClasses(values []string) []string {
	seen := make(map[string]bool)
	var classes []string
	for _, v := range values {
		if !seen[v] {
			seen[v] = true
			classes = append(classes, v)
		}
	}

	numeric := true
	nums := make(map[string]float64, len(classes))
	for _, c := range classes {
		f, err := strconv.ParseFloat(c, 64)
		if err != nil {
			numeric = false
			break
		}
		nums[c] = f
	}
	if numeric {
		sort.Slice(classes, func(i, j int) bool { return nums[classes[i]] < nums[classes[j]] })
	} else {
		sort.Strings(classes)
	}
	return classes
}
