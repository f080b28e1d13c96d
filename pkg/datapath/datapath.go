// Package datapath resolves dotted paths such as "data.items.0.id" inside
// JSON-shaped values.
package datapath

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/itchyny/gojq"
)

var getpath = mustCompile()

func mustCompile() *gojq.Code {
	query, err := gojq.Parse("getpath($path)")
	if err != nil {
		panic(err)
	}

	code, err := gojq.Compile(query, gojq.WithVariables([]string{"$path"}))
	if err != nil {
		panic(err)
	}

	return code
}

// Split turns a dotted path into jq path segments. Numeric segments index arrays.
func Split(path string) []any {
	if path == "" {
		return []any{}
	}

	parts := strings.Split(path, ".")
	segments := make([]any, 0, len(parts))

	for _, part := range parts {
		if idx, err := strconv.Atoi(part); err == nil && idx >= 0 {
			segments = append(segments, idx)

			continue
		}

		segments = append(segments, part)
	}

	return segments
}

// Lookup returns the value at path inside data. The boolean is false when any
// segment is missing or the value there is null.
func Lookup(data any, path string) (any, bool) {
	normalized, err := Normalize(data)
	if err != nil {
		return nil, false
	}

	iter := getpath.Run(normalized, Split(path))

	value, ok := iter.Next()
	if !ok {
		return nil, false
	}

	if _, isErr := value.(error); isErr {
		// getpath errors when indexing a scalar; treat as missing.
		return nil, false
	}

	return value, value != nil
}

// Normalize converts arbitrary Go values (typed maps, structs, slices) into the
// map[string]any / []any / float64 shapes jq operates on.
func Normalize(data any) (any, error) {
	switch data.(type) {
	case nil, bool, string, float64, map[string]any, []any:
		if isPlain(data) {
			return data, nil
		}
	}

	payload, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("failed to normalize value: %w", err)
	}

	var normalized any
	if err := json.Unmarshal(payload, &normalized); err != nil {
		return nil, fmt.Errorf("failed to normalize value: %w", err)
	}

	return normalized, nil
}

func isPlain(data any) bool {
	switch v := data.(type) {
	case map[string]any:
		for _, item := range v {
			if !isPlain(item) {
				return false
			}
		}

		return true
	case []any:
		for _, item := range v {
			if !isPlain(item) {
				return false
			}
		}

		return true
	case nil, bool, string, float64:
		return true
	default:
		return false
	}
}
