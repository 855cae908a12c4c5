// Package template resolves the parameter expressions embedded in workflow
// definitions and event triggers. Strings may interpolate `{{ expr }}`
// placeholders where expr is a dotted path into the evaluation scope; a
// string that is exactly one placeholder resolves to the typed value rather
// than its string form. The legacy `$a.b.c` form is also recognized, with
// `.output` aliased to `.result` and an object result carrying a `files`
// array collapsing to that array.
package template

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// Scope is the value namespace expressions resolve against.
type Scope map[string]any

var (
	placeholderRe = regexp.MustCompile(`\{\{\s*([^{}]+?)\s*\}\}`)
	legacyRe      = regexp.MustCompile(`^\$([A-Za-z_][A-Za-z0-9_-]*(?:\.[A-Za-z0-9_-]+)*)$`)
)

// Resolve walks v and substitutes every template expression. Maps and
// slices are resolved recursively; other values pass through unchanged.
func Resolve(v any, scope Scope) (any, error) {
	switch t := v.(type) {
	case string:
		return ResolveString(t, scope)
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, e := range t {
			r, err := Resolve(e, scope)
			if err != nil {
				return nil, fmt.Errorf("resolve %q: %w", k, err)
			}
			out[k] = r
		}
		return out, nil
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			r, err := Resolve(e, scope)
			if err != nil {
				return nil, fmt.Errorf("resolve [%d]: %w", i, err)
			}
			out[i] = r
		}
		return out, nil
	default:
		return v, nil
	}
}

// ResolveMap resolves every value of m, returning a new map.
func ResolveMap(m map[string]any, scope Scope) (map[string]any, error) {
	r, err := Resolve(m, scope)
	if err != nil {
		return nil, err
	}
	if r == nil {
		return nil, nil
	}
	return r.(map[string]any), nil
}

// ResolveString resolves one string. A string that is exactly one
// placeholder (or one legacy reference) returns the referenced typed value;
// otherwise placeholders interpolate into the string. Unresolvable paths
// yield nil (full placeholder) or an empty substitution.
func ResolveString(s string, scope Scope) (any, error) {
	if m := legacyRe.FindStringSubmatch(s); m != nil {
		v, _ := Lookup(scope, m[1])
		return v, nil
	}
	matches := placeholderRe.FindAllStringSubmatchIndex(s, -1)
	if len(matches) == 0 {
		return s, nil
	}
	// Whole-string placeholder keeps the typed value.
	if len(matches) == 1 && matches[0][0] == 0 && matches[0][1] == len(s) {
		expr := strings.TrimSpace(s[matches[0][2]:matches[0][3]])
		v, _ := Lookup(scope, expr)
		return v, nil
	}
	var b strings.Builder
	last := 0
	for _, m := range matches {
		b.WriteString(s[last:m[0]])
		expr := strings.TrimSpace(s[m[2]:m[3]])
		v, _ := Lookup(scope, expr)
		b.WriteString(stringify(v))
		last = m[1]
	}
	b.WriteString(s[last:])
	return b.String(), nil
}

// Lookup navigates a dotted path through the scope. Numeric segments index
// into arrays. The segment `output` is aliased to `result`; when the
// aliased value is an object with a `files` array, the array replaces it.
func Lookup(scope Scope, path string) (any, bool) {
	var cur any = map[string]any(scope)
	for _, seg := range strings.Split(path, ".") {
		if seg == "" {
			return nil, false
		}
		aliased := false
		if seg == "output" {
			seg = "result"
			aliased = true
		}
		next, ok := descend(cur, seg)
		if !ok {
			return nil, false
		}
		if aliased {
			if obj, isMap := next.(map[string]any); isMap {
				if files, has := obj["files"]; has {
					if arr, isArr := files.([]any); isArr {
						next = arr
					}
				}
			}
		}
		cur = next
	}
	return cur, true
}

func descend(v any, seg string) (any, bool) {
	switch t := v.(type) {
	case map[string]any:
		e, ok := t[seg]
		return e, ok
	case Scope:
		e, ok := t[seg]
		return e, ok
	case []any:
		i, err := strconv.Atoi(seg)
		if err != nil || i < 0 || i >= len(t) {
			return nil, false
		}
		return t[i], true
	default:
		return nil, false
	}
}

// stringify renders a resolved value for interpolation. Objects and arrays
// render as JSON.
func stringify(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case bool:
		return strconv.FormatBool(t)
	case float64:
		return strconv.FormatFloat(t, 'g', -1, 64)
	case int:
		return strconv.Itoa(t)
	case int64:
		return strconv.FormatInt(t, 10)
	case json.Number:
		return t.String()
	default:
		b, err := json.Marshal(t)
		if err != nil {
			return fmt.Sprintf("%v", t)
		}
		return string(b)
	}
}

// Merge deep-merges override into base and returns a new map: nested
// objects merge recursively, anything else (arrays included) is replaced by
// the override. Neither input is mutated.
func Merge(base, override map[string]any) map[string]any {
	if base == nil && override == nil {
		return nil
	}
	out := make(map[string]any, len(base)+len(override))
	for k, v := range base {
		out[k] = v
	}
	for k, v := range override {
		bv, ok := out[k]
		if ok {
			bm, bIsMap := bv.(map[string]any)
			om, oIsMap := v.(map[string]any)
			if bIsMap && oIsMap {
				out[k] = Merge(bm, om)
				continue
			}
		}
		out[k] = v
	}
	return out
}
