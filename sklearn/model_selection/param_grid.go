package model_selection

import (
	"sort"

	"github.com/YuminosukeSato/mltrack/pkg/errors"
)

// ParamGrid maps a hyperparameter name to its candidate values.
// A nil candidate stands for "None", e.g. an unbounded max_depth.
type ParamGrid map[string][]interface{}

// Len returns the number of combinations.
func (g ParamGrid) Len() int {
	if len(g) == 0 {
		return 0
	}
	n := 1
	for _, values := range g {
		n *= len(values)
	}
	return n
}

// Combinations enumerates the grid with keys in sorted order and the last
// key varying fastest, the same order as scikit-learn's ParameterGrid.
func (g ParamGrid) Combinations() ([]map[string]interface{}, error) {
	if len(g) == 0 {
		return nil, errors.NewValidationError("param_grid", "must not be empty", g)
	}
	keys := make([]string, 0, len(g))
	for k, values := range g {
		if len(values) == 0 {
			return nil, errors.NewValidationError("param_grid", "no candidate values for "+k, values)
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)

	combos := make([]map[string]interface{}, 0, g.Len())
	idx := make([]int, len(keys))
	for {
		combo := make(map[string]interface{}, len(keys))
		for i, k := range keys {
			combo[k] = g[k][idx[i]]
		}
		combos = append(combos, combo)

		// odometer increment, last key fastest
		pos := len(keys) - 1
		for pos >= 0 {
			idx[pos]++
			if idx[pos] < len(g[keys[pos]]) {
				break
			}
			idx[pos] = 0
			pos--
		}
		if pos < 0 {
			return combos, nil
		}
	}
}
