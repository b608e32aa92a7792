package catalog

import (
	"fmt"
	"math"
	"regexp"
	"time"

	"github.com/hearthd/hearthd/pkg/models"
)

// ParamError carries a ThingError code plus a human-readable message for
// the API displayMessage field.
type ParamError struct {
	Code    models.ThingError
	Message string
}

func (e *ParamError) Error() string { return e.Message }

func paramErrorf(code models.ThingError, format string, args ...interface{}) *ParamError {
	return &ParamError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// ValidateParams checks a candidate param list against a set of param
// types and returns the normalized list:
//
//   - unknown param type ids are rejected with InvalidParameter
//   - absent params fall back to the type's default value; absent params
//     without a default are rejected with MissingParameter (readOnly
//     params always have their declared default)
//   - values are coerced to the declared value type, bounds and
//     allowed-values membership are enforced
//
// The returned list is ordered like the type declarations.
func ValidateParams(paramTypes []models.ParamType, candidate models.ParamList) (models.ParamList, *ParamError) {
	for _, p := range candidate {
		if findParamType(paramTypes, p.ParamTypeID) == nil {
			return nil, paramErrorf(models.ThingErrorInvalidParameter, "unknown param type %s", p.ParamTypeID)
		}
	}

	normalized := make(models.ParamList, 0, len(paramTypes))
	for i := range paramTypes {
		pt := &paramTypes[i]
		value := candidate.Value(pt.ID)
		if value == nil {
			if pt.DefaultValue == nil && !pt.ReadOnly {
				return nil, paramErrorf(models.ThingErrorMissingParameter, "missing required param %s", pt.Name)
			}
			value = pt.DefaultValue
		}
		coerced, err := validateValue(pt, value)
		if err != nil {
			return nil, err
		}
		normalized = append(normalized, models.Param{ParamTypeID: pt.ID, Value: coerced})
	}
	return normalized, nil
}

// ValidateReconfigureParams merges a candidate change set into the current
// params. Only non-readOnly params may change; a candidate entry that
// would alter a readOnly param is rejected with ParameterNotWritable.
func ValidateReconfigureParams(paramTypes []models.ParamType, current, candidate models.ParamList) (models.ParamList, *ParamError) {
	for _, p := range candidate {
		pt := findParamType(paramTypes, p.ParamTypeID)
		if pt == nil {
			return nil, paramErrorf(models.ThingErrorInvalidParameter, "unknown param type %s", p.ParamTypeID)
		}
		if pt.ReadOnly && fmt.Sprint(current.Value(pt.ID)) != fmt.Sprint(p.Value) {
			return nil, paramErrorf(models.ThingErrorParameterNotWritable, "param %s is not writable", pt.Name)
		}
	}

	merged := current.Clone()
	for _, p := range candidate {
		pt := findParamType(paramTypes, p.ParamTypeID)
		coerced, err := validateValue(pt, p.Value)
		if err != nil {
			return nil, err
		}
		merged = merged.Set(pt.ID, coerced)
	}
	return merged, nil
}

// ValidateStateValue coerces a candidate state value against its state
// type, honouring per-thing bound overrides when present.
func ValidateStateValue(st *models.StateType, s *models.State, value interface{}) (interface{}, *ParamError) {
	pt := models.ParamType{
		ID:            st.ID,
		Name:          st.Name,
		Type:          st.Type,
		MinValue:      st.MinValue,
		MaxValue:      st.MaxValue,
		AllowedValues: st.AllowedValues,
	}
	if s != nil {
		if s.MinValue != nil {
			pt.MinValue = s.MinValue
		}
		if s.MaxValue != nil {
			pt.MaxValue = s.MaxValue
		}
		if len(s.AllowedValues) > 0 {
			pt.AllowedValues = s.AllowedValues
		}
	}
	return validateValue(&pt, value)
}

func findParamType(paramTypes []models.ParamType, id string) *models.ParamType {
	for i := range paramTypes {
		if paramTypes[i].ID == id {
			return &paramTypes[i]
		}
	}
	return nil
}

// validateValue coerces value to the param type's value type and enforces
// bounds and allowed-values membership.
func validateValue(pt *models.ParamType, value interface{}) (interface{}, *ParamError) {
	coerced, ok := coerceValue(pt.Type, value)
	if !ok {
		return nil, paramErrorf(models.ThingErrorInvalidParameter, "param %s: value %v is not a %s", pt.Name, value, pt.Type)
	}

	if pt.Type.Numeric() {
		n := asFloat(coerced)
		if pt.MinValue != nil && n < *pt.MinValue {
			return nil, paramErrorf(models.ThingErrorInvalidParameter, "param %s: %v below minimum %v", pt.Name, n, *pt.MinValue)
		}
		if pt.MaxValue != nil && n > *pt.MaxValue {
			return nil, paramErrorf(models.ThingErrorInvalidParameter, "param %s: %v above maximum %v", pt.Name, n, *pt.MaxValue)
		}
	}

	if len(pt.AllowedValues) > 0 {
		found := false
		for _, av := range pt.AllowedValues {
			if fmt.Sprint(av) == fmt.Sprint(coerced) {
				found = true
				break
			}
		}
		if !found {
			return nil, paramErrorf(models.ThingErrorInvalidParameter, "param %s: value %v not in allowed set", pt.Name, coerced)
		}
	}

	return coerced, nil
}

var colorRe = regexp.MustCompile(`^#[0-9a-fA-F]{6}$`)

// coerceValue converts a raw JSON-decoded value to the canonical Go
// representation for the value type. JSON numbers arrive as float64; they
// are accepted for the integer types only when integral.
func coerceValue(vt models.ValueType, value interface{}) (interface{}, bool) {
	switch vt {
	case models.ValueTypeBool:
		b, ok := value.(bool)
		return b, ok

	case models.ValueTypeInt:
		switch v := value.(type) {
		case int:
			return int64(v), true
		case int64:
			return v, true
		case float64:
			if v == math.Trunc(v) {
				return int64(v), true
			}
		}
		return nil, false

	case models.ValueTypeUint:
		switch v := value.(type) {
		case int:
			if v >= 0 {
				return uint64(v), true
			}
		case int64:
			if v >= 0 {
				return uint64(v), true
			}
		case uint64:
			return v, true
		case float64:
			if v >= 0 && v == math.Trunc(v) {
				return uint64(v), true
			}
		}
		return nil, false

	case models.ValueTypeDouble:
		switch v := value.(type) {
		case int:
			return float64(v), true
		case int64:
			return float64(v), true
		case uint64:
			return float64(v), true
		case float64:
			return v, true
		}
		return nil, false

	case models.ValueTypeString:
		s, ok := value.(string)
		return s, ok

	case models.ValueTypeColor:
		s, ok := value.(string)
		if !ok || !colorRe.MatchString(s) {
			return nil, false
		}
		return s, true

	case models.ValueTypeTime:
		s, ok := value.(string)
		if !ok {
			return nil, false
		}
		if _, err := time.Parse("15:04", s); err != nil {
			return nil, false
		}
		return s, true

	case models.ValueTypeTimestamp:
		switch v := value.(type) {
		case int:
			return int64(v), true
		case int64:
			return v, true
		case float64:
			if v == math.Trunc(v) {
				return int64(v), true
			}
		}
		return nil, false
	}
	return nil, false
}

// asFloat widens any canonical numeric value to float64 for comparisons.
func asFloat(value interface{}) float64 {
	switch v := value.(type) {
	case int:
		return float64(v)
	case int64:
		return float64(v)
	case uint64:
		return float64(v)
	case float64:
		return v
	}
	return math.NaN()
}

// AsFloat is the exported form used by the IO connection engine.
func AsFloat(value interface{}) float64 { return asFloat(value) }
