package domain

import (
	"fmt"
	"math"
)

// ParamType enumerates the value types a parameter schema can declare.
type ParamType string

const (
	ParamInteger ParamType = "integer"
	ParamFloat   ParamType = "float"
	ParamString  ParamType = "string"
	ParamBoolean ParamType = "boolean"
)

// ParamSpec is the declarative validation rule for one parameter field.
type ParamSpec struct {
	Type     ParamType
	Required bool
	Default  any
	Min      *float64 // numeric types only
	Max      *float64
	Allowed  []string // string type only
}

// ParamSchema maps field name to its spec.
type ParamSchema map[string]ParamSpec

// Validate checks raw submission input against the schema and returns the
// validated parameter map (defaults applied, integers normalized). Unknown
// fields are rejected. The first violation aborts with InvalidParametersError.
func (s ParamSchema) Validate(raw map[string]any) (map[string]any, error) {
	out := map[string]any{}
	for field := range raw {
		if _, ok := s[field]; !ok {
			return nil, &InvalidParametersError{Field: field, Reason: "unknown field"}
		}
	}
	for field, spec := range s {
		v, present := raw[field]
		if !present || v == nil {
			if spec.Required && spec.Default == nil {
				return nil, &InvalidParametersError{Field: field, Reason: "required field missing"}
			}
			if spec.Default != nil {
				out[field] = spec.Default
			}
			continue
		}
		normalized, err := spec.check(field, v)
		if err != nil {
			return nil, err
		}
		out[field] = normalized
	}
	return out, nil
}

func (spec ParamSpec) check(field string, v any) (any, error) {
	switch spec.Type {
	case ParamInteger:
		f, ok := asFloat(v)
		if !ok || f != math.Trunc(f) {
			return nil, &InvalidParametersError{Field: field, Reason: "expected integer"}
		}
		if err := spec.checkRange(field, f); err != nil {
			return nil, err
		}
		return int64(f), nil
	case ParamFloat:
		f, ok := asFloat(v)
		if !ok {
			return nil, &InvalidParametersError{Field: field, Reason: "expected number"}
		}
		if err := spec.checkRange(field, f); err != nil {
			return nil, err
		}
		return f, nil
	case ParamString:
		str, ok := v.(string)
		if !ok {
			return nil, &InvalidParametersError{Field: field, Reason: "expected string"}
		}
		if len(spec.Allowed) > 0 {
			for _, a := range spec.Allowed {
				if a == str {
					return str, nil
				}
			}
			return nil, &InvalidParametersError{Field: field, Reason: fmt.Sprintf("value %q not in allowed set", str)}
		}
		return str, nil
	case ParamBoolean:
		b, ok := v.(bool)
		if !ok {
			return nil, &InvalidParametersError{Field: field, Reason: "expected boolean"}
		}
		return b, nil
	default:
		return nil, &InvalidParametersError{Field: field, Reason: fmt.Sprintf("schema declares unsupported type %q", spec.Type)}
	}
}

func (spec ParamSpec) checkRange(field string, f float64) error {
	if spec.Min != nil && f < *spec.Min {
		return &InvalidParametersError{Field: field, Reason: fmt.Sprintf("value %v below min %v", f, *spec.Min)}
	}
	if spec.Max != nil && f > *spec.Max {
		return &InvalidParametersError{Field: field, Reason: fmt.Sprintf("value %v above max %v", f, *spec.Max)}
	}
	return nil
}

func asFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case int32:
		return float64(n), true
	}
	return 0, false
}
