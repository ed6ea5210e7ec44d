package configutil

import (
	"fmt"
	"sort"
	"strings"
)

// Schema lists the keys a settings object may carry. Keys match case,
// underscore and hyphen insensitively. Nested keys hold objects that are
// checked against their own schema; a nested key is always optional.
type Schema struct {
	Required     []string
	Optional     []string
	Nested       map[string]Schema
	AllowUnknown bool
}

// SchemaError reports every problem found in one pass. Paths are dotted,
// so an unknown key inside "vad" reads "vad.sensitivity".
type SchemaError struct {
	Missing   []string
	Unknown   []string
	NotObject []string
}

func (e *SchemaError) Error() string {
	var parts []string
	add := func(label string, keys []string) {
		if len(keys) > 0 {
			parts = append(parts, label+": "+strings.Join(keys, ", "))
		}
	}
	add("missing", e.Missing)
	add("unknown", e.Unknown)
	add("not an object", e.NotObject)
	return strings.Join(parts, "; ")
}

func (e *SchemaError) empty() bool {
	return len(e.Missing) == 0 && len(e.Unknown) == 0 && len(e.NotObject) == 0
}

// ValidateSettings checks input against schema and returns a *SchemaError
// when anything is missing, unknown or of the wrong shape.
func ValidateSettings(input map[string]any, schema Schema) error {
	var se SchemaError
	schema.check(input, "", &se)
	if se.empty() {
		return nil
	}
	sort.Strings(se.Missing)
	sort.Strings(se.Unknown)
	sort.Strings(se.NotObject)
	return &se
}

func (s Schema) check(input map[string]any, prefix string, se *SchemaError) {
	required := make(map[string]string, len(s.Required))
	for _, k := range s.Required {
		required[normalizeKey(k)] = k
	}
	allowed := make(map[string]struct{}, len(s.Required)+len(s.Optional))
	for _, k := range s.Required {
		allowed[normalizeKey(k)] = struct{}{}
	}
	for _, k := range s.Optional {
		allowed[normalizeKey(k)] = struct{}{}
	}
	nested := make(map[string]Schema, len(s.Nested))
	for k, sub := range s.Nested {
		nested[normalizeKey(k)] = sub
	}

	seen := make(map[string]bool, len(input))
	for k, v := range input {
		nk := normalizeKey(k)
		seen[nk] = true
		if sub, ok := nested[nk]; ok {
			if v == nil {
				continue
			}
			obj, ok := AsObject(v)
			if !ok {
				se.NotObject = append(se.NotObject, prefix+k)
				continue
			}
			sub.check(obj, prefix+k+".", se)
			continue
		}
		if _, ok := allowed[nk]; !ok && !s.AllowUnknown {
			se.Unknown = append(se.Unknown, prefix+k)
		}
		if reqKey, ok := required[nk]; ok && isEmptyValue(v) {
			se.Missing = append(se.Missing, prefix+reqKey)
		}
	}
	for nk, reqKey := range required {
		if !seen[nk] {
			se.Missing = append(se.Missing, prefix+reqKey)
		}
	}
}

// AsObject accepts the two map shapes decoders produce for an object:
// JSON gives map[string]any, YAML can give map[any]any.
func AsObject(v any) (map[string]any, bool) {
	switch m := v.(type) {
	case map[string]any:
		return m, true
	case map[any]any:
		out := make(map[string]any, len(m))
		for k, val := range m {
			out[fmt.Sprint(k)] = val
		}
		return out, true
	default:
		return nil, false
	}
}

func isEmptyValue(v any) bool {
	if v == nil {
		return true
	}
	if s, ok := v.(string); ok {
		return strings.TrimSpace(s) == ""
	}
	return false
}
