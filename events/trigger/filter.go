package trigger

import (
	"reflect"
	"strings"

	"github.com/apphub/orchestra/workflow"
	wftemplate "github.com/apphub/orchestra/workflow/template"
)

// MatchFilter evaluates the filter against the envelope scope. A nil filter
// or empty condition list matches everything; all conditions must hold.
func MatchFilter(f *workflow.Filter, scope wftemplate.Scope) bool {
	if f == nil {
		return true
	}
	for _, c := range f.All {
		if !matchCondition(c, scope) {
			return false
		}
	}
	return true
}

func matchCondition(c workflow.Condition, scope wftemplate.Scope) bool {
	v, ok := wftemplate.Lookup(scope, c.Path)
	switch c.Operator {
	case "exists":
		return ok && v != nil
	case "equals":
		return ok && looseEqual(v, c.Value)
	case "notEquals":
		return !ok || !looseEqual(v, c.Value)
	case "in":
		if !ok {
			return false
		}
		for _, candidate := range c.Values {
			if looseEqual(v, candidate) {
				return true
			}
		}
		return false
	case "contains":
		return ok && contains(v, c.Value)
	default:
		return false
	}
}

// looseEqual compares scalars across JSON decodings: integers and floats of
// the same value compare equal, everything else uses deep equality.
func looseEqual(a, b any) bool {
	if af, aok := asFloat(a); aok {
		if bf, bok := asFloat(b); bok {
			return af == bf
		}
		return false
	}
	return reflect.DeepEqual(a, b)
}

func asFloat(v any) (float64, bool) {
	switch t := v.(type) {
	case float64:
		return t, true
	case float32:
		return float64(t), true
	case int:
		return float64(t), true
	case int64:
		return float64(t), true
	case int32:
		return float64(t), true
	default:
		return 0, false
	}
}

// contains matches substrings for strings and membership for arrays.
func contains(v, needle any) bool {
	switch t := v.(type) {
	case string:
		s, ok := needle.(string)
		return ok && strings.Contains(t, s)
	case []any:
		for _, e := range t {
			if looseEqual(e, needle) {
				return true
			}
		}
		return false
	default:
		return false
	}
}
