package definitions

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// Format is the encoding of a definition document.
type Format string

const (
	FormatJSON Format = "json"
	FormatYAML Format = "yaml"
)

// FormatFromPath picks the format from a file extension.
func FormatFromPath(path string) (Format, bool) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		return FormatJSON, true
	case ".yaml", ".yml":
		return FormatYAML, true
	default:
		return "", false
	}
}

// Decode parses raw definition bytes into a validated spec.
func Decode(data []byte, format Format) (*WorkflowSpec, error) {
	document := map[string]any{}

	switch format {
	case FormatJSON:
		if err := json.Unmarshal(data, &document); err != nil {
			return nil, &ValidationError{Errors: []string{fmt.Sprintf("invalid json: %v", err)}}
		}
	case FormatYAML:
		if err := yaml.Unmarshal(data, &document); err != nil {
			return nil, &ValidationError{Errors: []string{fmt.Sprintf("invalid yaml: %v", err)}}
		}
	default:
		return nil, fmt.Errorf("unsupported definition format %q", format)
	}

	return Parse(jsonCompatible(document).(map[string]any))
}

// LoadFile reads and validates a single definition file.
func LoadFile(path string) (*WorkflowSpec, error) {
	format, ok := FormatFromPath(path)
	if !ok {
		return nil, fmt.Errorf("unsupported definition file %q", path)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read definition file %q: %w", path, err)
	}

	spec, err := Decode(data, format)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}

	return spec, nil
}

// LoadDir loads every JSON and YAML definition in dir, sorted by file name.
// All files are checked; the returned error joins every failure.
func LoadDir(dir string) ([]*WorkflowSpec, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read definitions directory %q: %w", dir, err)
	}

	var names []string
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}

		if _, ok := FormatFromPath(entry.Name()); ok {
			names = append(names, entry.Name())
		}
	}

	sort.Strings(names)

	var (
		specs    []*WorkflowSpec
		failures []string
		seen     = map[string]string{}
	)

	for _, name := range names {
		path := filepath.Join(dir, name)

		spec, err := LoadFile(path)
		if err != nil {
			failures = append(failures, err.Error())

			continue
		}

		if previous, dup := seen[spec.ID]; dup {
			failures = append(failures, fmt.Sprintf("%s: workflow id %q already defined in %s", path, spec.ID, previous))

			continue
		}

		seen[spec.ID] = path
		specs = append(specs, spec)
	}

	if len(failures) > 0 {
		return specs, &ValidationError{WorkflowID: dir, Errors: failures}
	}

	return specs, nil
}

// jsonCompatible converts yaml-decoded values (map[any]any, ints) into the
// shapes encoding/json produces.
func jsonCompatible(value any) any {
	switch v := value.(type) {
	case map[string]any:
		out := make(map[string]any, len(v))
		for key, item := range v {
			out[key] = jsonCompatible(item)
		}

		return out
	case map[any]any:
		out := make(map[string]any, len(v))
		for key, item := range v {
			out[fmt.Sprint(key)] = jsonCompatible(item)
		}

		return out
	case []any:
		out := make([]any, len(v))
		for i, item := range v {
			out[i] = jsonCompatible(item)
		}

		return out
	case int:
		return float64(v)
	case int64:
		return float64(v)
	case uint64:
		return float64(v)
	default:
		return v
	}
}
