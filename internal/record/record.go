// Package record holds the open field bag a package descriptor is enriched into.
package record

import (
	"encoding/json"
	"sort"
	"strings"
)

// Record is a package document. Values are nil, bool, float64, string,
// []any or nested maps; nested maps may be Record or map[string]any.
type Record map[string]any

// IsEmpty reports whether v counts as unset: absent, nil or "".
func IsEmpty(v any) bool {
	if v == nil {
		return true
	}
	s, ok := v.(string)
	return ok && s == ""
}

// Has reports whether key holds a value that is not empty.
func (r Record) Has(key string) bool {
	return !IsEmpty(r[key])
}

// SetUnlessPresent writes value under key only when the current value is
// empty, and reports whether it wrote.
func (r Record) SetUnlessPresent(key string, value any) bool {
	if !IsEmpty(r[key]) {
		return false
	}
	r[key] = value
	return true
}

// String returns the string at key, or "".
func (r Record) String(key string) string {
	s, _ := r[key].(string)
	return s
}

// Bool returns the bool at key, or false.
func (r Record) Bool(key string) bool {
	b, _ := r[key].(bool)
	return b
}

// Child returns the nested record at key, creating it when the key is
// empty. A non-map value under key is replaced.
func (r Record) Child(key string) Record {
	switch v := r[key].(type) {
	case Record:
		return v
	case map[string]any:
		return Record(v)
	}
	child := Record{}
	r[key] = child
	return child
}

// Lookup returns the nested record at key without creating it.
func (r Record) Lookup(key string) (Record, bool) {
	switch v := r[key].(type) {
	case Record:
		return v, true
	case map[string]any:
		return Record(v), true
	}
	return nil, false
}

// List returns the sequence at key, or nil.
func (r Record) List(key string) []any {
	switch v := r[key].(type) {
	case []any:
		return v
	case []string:
		out := make([]any, len(v))
		for i, s := range v {
			out[i] = s
		}
		return out
	case []Record:
		out := make([]any, len(v))
		for i, s := range v {
			out[i] = s
		}
		return out
	}
	return nil
}

// Records returns the nested records in the sequence at key, skipping
// elements that are not maps.
func (r Record) Records(key string) []Record {
	var out []Record
	for _, v := range r.List(key) {
		if rec, ok := AsRecord(v); ok {
			out = append(out, rec)
		}
	}
	return out
}

// Append adds values to the sequence at key.
func (r Record) Append(key string, values ...any) {
	r[key] = append(r.List(key), values...)
}

// AsRecord converts a map value to a Record.
func AsRecord(v any) (Record, bool) {
	switch m := v.(type) {
	case Record:
		return m, true
	case map[string]any:
		return Record(m), true
	}
	return nil, false
}

// Strings returns the string elements of a sequence value.
func Strings(v any) []string {
	var out []string
	switch t := v.(type) {
	case []string:
		out = append(out, t...)
	case []any:
		for _, e := range t {
			if s, ok := e.(string); ok {
				out = append(out, s)
			}
		}
	}
	return out
}

// Clone returns a deep copy of r.
func (r Record) Clone() Record {
	if r == nil {
		return nil
	}
	return cloneValue(r).(Record)
}

func cloneValue(v any) any {
	switch t := v.(type) {
	case Record:
		out := make(Record, len(t))
		for k, e := range t {
			out[k] = cloneValue(e)
		}
		return out
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, e := range t {
			out[k] = cloneValue(e)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = cloneValue(e)
		}
		return out
	case []string:
		return append([]string(nil), t...)
	}
	return v
}

// StripTemporaries returns a copy of v with every map key starting with "_"
// removed, at any depth.
func StripTemporaries(v any) any {
	switch t := v.(type) {
	case Record:
		return Record(stripMap(t))
	case map[string]any:
		return stripMap(t)
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = StripTemporaries(e)
		}
		return out
	}
	return cloneValue(v)
}

func stripMap(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, e := range m {
		if strings.HasPrefix(k, "_") {
			continue
		}
		out[k] = StripTemporaries(e)
	}
	return out
}

// Keys returns the top level keys in sorted order.
func (r Record) Keys() []string {
	keys := make([]string, 0, len(r))
	for k := range r {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// MarshalJSON encodes r as a plain object; encoding/json sorts map keys so
// the output is deterministic.
func (r Record) MarshalJSON() ([]byte, error) {
	return json.Marshal(map[string]any(r))
}
