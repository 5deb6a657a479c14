// Package descriptor loads package descriptor files. A descriptor is a YAML
// document naming a package and where to look it up; its base name is the
// package id.
package descriptor

import (
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"conan-inquiry/internal/common/errors"
	"conan-inquiry/internal/record"

	"gopkg.in/yaml.v3"
)

// Descriptor is one loaded descriptor file.
type Descriptor struct {
	ID   string
	Path string
	// Exclude asks for the package to be left out of the output.
	Exclude bool
	// See names another package this one is an alias of.
	See  string
	Data record.Record
}

// SkipReason returns why the descriptor is not enriched, or "".
func (d Descriptor) SkipReason() string {
	switch {
	case d.Exclude:
		return "excluded"
	case d.See != "":
		return "alias of " + d.See
	}
	return ""
}

// IDFromPath derives the package id: the base name without extension, with
// dots replaced by underscores.
func IDFromPath(path string) string {
	base := filepath.Base(path)
	base = strings.TrimSuffix(base, filepath.Ext(base))
	return strings.ReplaceAll(base, ".", "_")
}

// Load reads one descriptor file. Data carries the document with id set.
func Load(path string) (Descriptor, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return Descriptor{}, errors.InternalError("failed to read descriptor "+path, err)
	}
	return Parse(path, raw)
}

// Parse decodes a descriptor document read from path.
func Parse(path string, raw []byte) (Descriptor, error) {
	var doc map[string]interface{}
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return Descriptor{}, errors.DataError(fmt.Sprintf("invalid descriptor %s: %v", path, err))
	}
	if doc == nil {
		return Descriptor{}, errors.DataError("empty descriptor " + path)
	}

	value, err := normalize(doc, "")
	if err != nil {
		return Descriptor{}, errors.DataError(fmt.Sprintf("invalid descriptor %s: %v", path, err))
	}

	d := Descriptor{
		ID:   IDFromPath(path),
		Path: path,
		Data: record.Record(value.(map[string]any)),
	}
	d.Data["id"] = d.ID
	d.Exclude = d.Data.Bool("exclude")
	d.See = d.Data.String("see")
	return d, nil
}

// LoadDir loads every *.yaml and *.yml file in dir, sorted by file name.
// Loading stops at the first invalid file.
func LoadDir(dir string) ([]Descriptor, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, errors.ConfigError(fmt.Sprintf("cannot read packages directory %s: %v", dir, err))
	}

	var paths []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		switch strings.ToLower(filepath.Ext(e.Name())) {
		case ".yaml", ".yml":
			paths = append(paths, filepath.Join(dir, e.Name()))
		}
	}
	sort.Strings(paths)

	descriptors := make([]Descriptor, 0, len(paths))
	seen := make(map[string]string, len(paths))
	for _, path := range paths {
		d, err := Load(path)
		if err != nil {
			return nil, err
		}
		if other, dup := seen[d.ID]; dup {
			return nil, errors.DataError(fmt.Sprintf("descriptors %s and %s share id %s", other, path, d.ID))
		}
		seen[d.ID] = path
		descriptors = append(descriptors, d)
	}
	return descriptors, nil
}

// normalize maps YAML values onto the record value space: integers become
// float64 and timestamps RFC 3339 strings.
func normalize(v interface{}, path string) (any, error) {
	switch t := v.(type) {
	case nil, bool, string:
		return t, nil
	case int:
		return float64(t), nil
	case int64:
		return float64(t), nil
	case uint64:
		return float64(t), nil
	case float64:
		if math.IsNaN(t) || math.IsInf(t, 0) {
			return nil, fmt.Errorf("%s: non-finite number", path)
		}
		return t, nil
	case time.Time:
		return t.Format(time.RFC3339), nil
	case map[string]interface{}:
		out := make(map[string]any, len(t))
		for k, e := range t {
			n, err := normalize(e, path+"."+k)
			if err != nil {
				return nil, err
			}
			out[k] = n
		}
		return out, nil
	case []interface{}:
		out := make([]any, len(t))
		for i, e := range t {
			n, err := normalize(e, fmt.Sprintf("%s[%d]", path, i))
			if err != nil {
				return nil, err
			}
			out[i] = n
		}
		return out, nil
	}
	return nil, fmt.Errorf("%s: unsupported value %T", strings.TrimPrefix(path, "."), v)
}
