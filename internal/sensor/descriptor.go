package sensor

import (
	"fmt"
	"sort"
	"strings"
)

// ParameterKind is the accepted value kind of a config parameter
type ParameterKind string

const (
	KindString ParameterKind = "string"
	KindNumber ParameterKind = "number"
	KindBool   ParameterKind = "bool"
)

// ParameterSpec describes one accepted config parameter of a sensor type
type ParameterSpec struct {
	Name        string        `json:"name"`
	Kind        ParameterKind `json:"kind"`
	Required    bool          `json:"required"`
	Default     interface{}   `json:"default,omitempty"`
	Description string        `json:"description,omitempty"`
}

// Descriptor is static metadata about a sensor type
type Descriptor struct {
	Type        Type            `json:"type"`
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Channels    []string        `json:"channels"` // measurement names produced by the type
	Parameters  []ParameterSpec `json:"parameters"`
}

// Validate checks params against the descriptor's schema.
// Unknown keys, missing required keys and kind mismatches are reported together.
func (d Descriptor) Validate(params map[string]interface{}) error {
	specs := make(map[string]ParameterSpec, len(d.Parameters))
	for _, p := range d.Parameters {
		specs[p.Name] = p
	}

	var problems []string

	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, k := range keys {
		spec, ok := specs[k]
		if !ok {
			problems = append(problems, fmt.Sprintf("unknown parameter %q", k))
			continue
		}
		if !kindMatches(spec.Kind, params[k]) {
			problems = append(problems, fmt.Sprintf("parameter %q must be a %s", k, spec.Kind))
		}
	}

	for _, p := range d.Parameters {
		if !p.Required {
			continue
		}
		if _, ok := params[p.Name]; !ok {
			problems = append(problems, fmt.Sprintf("missing required parameter %q", p.Name))
		}
	}

	if len(problems) > 0 {
		return fmt.Errorf("%s", strings.Join(problems, "; "))
	}
	return nil
}

func kindMatches(kind ParameterKind, v interface{}) bool {
	switch kind {
	case KindString:
		_, ok := v.(string)
		return ok
	case KindBool:
		_, ok := v.(bool)
		return ok
	case KindNumber:
		_, ok := ToFloat(v)
		return ok
	default:
		return true
	}
}

// ToFloat converts the numeric kinds produced by JSON and YAML decoding to float64
func ToFloat(v interface{}) (float64, bool) {
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
	case uint64:
		return float64(n), true
	case uint32:
		return float64(n), true
	default:
		return 0, false
	}
}

// StringParam returns the string parameter or def when absent or of another kind
func (c Config) StringParam(name, def string) string {
	if v, ok := c.Parameters[name].(string); ok && v != "" {
		return v
	}
	return def
}

// NumberParam returns the numeric parameter or def when absent or of another kind
func (c Config) NumberParam(name string, def float64) float64 {
	if f, ok := ToFloat(c.Parameters[name]); ok {
		return f
	}
	return def
}

// BoolParam returns the bool parameter or def when absent
func (c Config) BoolParam(name string, def bool) bool {
	if v, ok := c.Parameters[name].(bool); ok {
		return v
	}
	return def
}
