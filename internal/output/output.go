// Package output publishes enriched records for the web front end.
package output

import (
	"context"
	"encoding/json"
	"path/filepath"

	"conan-inquiry/internal/cache"
	"conan-inquiry/internal/common/errors"
	"conan-inquiry/internal/record"
)

const (
	JSONFile = "packages.json"
	JSFile   = "packages.js"

	jsPrefix = "var packages_data = \n"
	jsSuffix = ";"
)

// Encode renders records as an indented JSON array with sorted keys.
func Encode(records []record.Record) ([]byte, error) {
	if records == nil {
		records = []record.Record{}
	}
	data, err := json.MarshalIndent(records, "", "  ")
	if err != nil {
		return nil, errors.InternalError("failed to encode records", err)
	}
	return data, nil
}

// EncodeJS wraps the JSON array in the script the front end loads.
func EncodeJS(data []byte) []byte {
	out := make([]byte, 0, len(jsPrefix)+len(data)+len(jsSuffix))
	out = append(out, jsPrefix...)
	out = append(out, data...)
	return append(out, jsSuffix...)
}

// Write replaces packages.json and packages.js in dir. Each file is written
// to a temporary file first and renamed into place.
func Write(ctx context.Context, dir string, records []record.Record) ([]string, error) {
	data, err := Encode(records)
	if err != nil {
		return nil, err
	}

	files := []struct {
		name string
		data []byte
	}{
		{JSONFile, data},
		{JSFile, EncodeJS(data)},
	}
	written := make([]string, 0, len(files))
	for _, f := range files {
		path := filepath.Join(dir, f.name)
		if err := cache.NewFileBackend(path).Store(ctx, f.data); err != nil {
			return written, errors.InternalError("failed to write "+path, err)
		}
		written = append(written, path)
	}
	return written, nil
}
