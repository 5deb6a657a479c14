package cache

import (
	"fmt"
	"math"
	"reflect"
	"unicode/utf8"

	"conan-inquiry/internal/common/errors"
)

const maxDepth = 64

// Canonicalize converts v into the storable value space: nil, bool, float64,
// string, []any and map[string]any. Numbers are widened to float64 and named
// slice or map types are copied element-wise. The result never aliases v.
// Strings and map keys must be valid UTF-8 so they survive the snapshot.
func Canonicalize(v any) (any, error) {
	return canonicalize(reflect.ValueOf(v), "$", 0)
}

func canonicalize(rv reflect.Value, path string, depth int) (any, error) {
	if depth > maxDepth {
		return nil, errors.TypeMismatchError(fmt.Sprintf("value nested too deeply at %s", path))
	}
	if !rv.IsValid() {
		return nil, nil
	}

	switch rv.Kind() {
	case reflect.Interface:
		if rv.IsNil() {
			return nil, nil
		}
		return canonicalize(rv.Elem(), path, depth)
	case reflect.Bool:
		return rv.Bool(), nil
	case reflect.String:
		str := rv.String()
		if !utf8.ValidString(str) {
			return nil, errors.TypeMismatchError(fmt.Sprintf("invalid UTF-8 string at %s", path))
		}
		return str, nil
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return float64(rv.Int()), nil
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr:
		return float64(rv.Uint()), nil
	case reflect.Float32, reflect.Float64:
		f := rv.Float()
		if math.IsNaN(f) || math.IsInf(f, 0) {
			return nil, errors.TypeMismatchError(fmt.Sprintf("non-finite number at %s", path))
		}
		return f, nil
	case reflect.Slice:
		if rv.IsNil() {
			return []any{}, nil
		}
		fallthrough
	case reflect.Array:
		out := make([]any, rv.Len())
		for i := range out {
			elem, err := canonicalize(rv.Index(i), fmt.Sprintf("%s[%d]", path, i), depth+1)
			if err != nil {
				return nil, err
			}
			out[i] = elem
		}
		return out, nil
	case reflect.Map:
		if rv.Type().Key().Kind() != reflect.String {
			return nil, errors.TypeMismatchError(fmt.Sprintf("map with %s keys at %s", rv.Type().Key(), path))
		}
		out := make(map[string]any, rv.Len())
		iter := rv.MapRange()
		for iter.Next() {
			key := iter.Key().String()
			if !utf8.ValidString(key) {
				return nil, errors.TypeMismatchError(fmt.Sprintf("invalid UTF-8 map key at %s", path))
			}
			elem, err := canonicalize(iter.Value(), path+"."+key, depth+1)
			if err != nil {
				return nil, err
			}
			out[key] = elem
		}
		return out, nil
	default:
		return nil, errors.TypeMismatchError(fmt.Sprintf("unsupported %s at %s", rv.Type(), path))
	}
}

// checkKey rejects a namespace or key that would not survive the snapshot.
func checkKey(namespace, key string) error {
	if !utf8.ValidString(namespace) || !utf8.ValidString(key) {
		return errors.TypeMismatchError(fmt.Sprintf("invalid UTF-8 in cache key %q/%q", namespace, key))
	}
	return nil
}

// deepCopy copies a canonical value. Values outside the canonical space are
// returned as is.
func deepCopy(v any) any {
	switch t := v.(type) {
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = deepCopy(e)
		}
		return out
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, e := range t {
			out[k] = deepCopy(e)
		}
		return out
	default:
		return v
	}
}
