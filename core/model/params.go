package model

import (
	"math"

	"github.com/YuminosukeSato/mltrack/pkg/errors"
)

// Hyperparameter values arrive from Go code, YAML and JSON, so integers may be
// typed as int, int64 or float64. These helpers normalise them.

// IntParam converts v to an int.
func IntParam(name string, v interface{}) (int, error) {
	switch t := v.(type) {
	case int:
		return t, nil
	case int32:
		return int(t), nil
	case int64:
		return int(t), nil
	case uint64:
		return int(t), nil
	case float64:
		if t != math.Trunc(t) {
			return 0, errors.NewValidationError(name, "must be an integer", v)
		}
		return int(t), nil
	default:
		return 0, errors.NewValidationError(name, "must be an integer", v)
	}
}

// OptionalIntParam converts v to an int where nil (and the string "None") mean 0.
func OptionalIntParam(name string, v interface{}) (int, error) {
	if v == nil {
		return 0, nil
	}
	if s, ok := v.(string); ok && s == "None" {
		return 0, nil
	}
	return IntParam(name, v)
}

// StringParam converts v to a string.
func StringParam(name string, v interface{}) (string, error) {
	s, ok := v.(string)
	if !ok {
		return "", errors.NewValidationError(name, "must be a string", v)
	}
	return s, nil
}

// BoolParam converts v to a bool.
func BoolParam(name string, v interface{}) (bool, error) {
	b, ok := v.(bool)
	if !ok {
		return false, errors.NewValidationError(name, "must be a bool", v)
	}
	return b, nil
}

// UnknownParamError reports a key SetParams does not recognise.
func UnknownParamError(model, key string) error {
	return errors.NewValidationError(key, "unknown parameter for "+model, key)
}
