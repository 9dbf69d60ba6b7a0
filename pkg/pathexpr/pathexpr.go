// Package pathexpr evaluates dotted paths and jq programs against JSON-like values.
package pathexpr

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"sync"

	"github.com/itchyny/gojq"
)

// JQPrefix marks an expression evaluated as a jq program instead of a dotted path.
const JQPrefix = "jq:"

// Normalize strips a leading "$." or "." from a dotted path.
func Normalize(path string) string {
	path = strings.TrimSpace(path)
	path = strings.TrimPrefix(path, "$")

	return strings.TrimPrefix(path, ".")
}

// Get walks a dot-separated path through nested maps. It returns false when a
// segment is missing or an intermediate value is not an object. An empty path
// returns the value itself.
func Get(value any, path string) (any, bool) {
	path = Normalize(path)
	if path == "" {
		return value, value != nil
	}

	current := value

	for _, segment := range strings.Split(path, ".") {
		if segment == "" {
			return nil, false
		}

		switch node := current.(type) {
		case map[string]any:
			next, ok := node[segment]
			if !ok {
				return nil, false
			}

			current = next
		case map[string]string:
			next, ok := node[segment]
			if !ok {
				return nil, false
			}

			current = next
		default:
			return nil, false
		}
	}

	return current, true
}

// GetMap returns the value at path when it is an object.
func GetMap(value any, path string) (map[string]any, bool) {
	found, ok := Get(value, path)
	if !ok {
		return nil, false
	}

	m, ok := found.(map[string]any)

	return m, ok
}

// GetSlice returns the value at path when it is an array.
func GetSlice(value any, path string) ([]any, bool) {
	found, ok := Get(value, path)
	if !ok {
		return nil, false
	}

	switch items := found.(type) {
	case []any:
		return items, true
	case []map[string]any:
		out := make([]any, len(items))
		for i, item := range items {
			out[i] = item
		}

		return out, true
	case []string:
		out := make([]any, len(items))
		for i, item := range items {
			out[i] = item
		}

		return out, true
	default:
		return nil, false
	}
}

// GetInt returns the value at path converted to an int.
func GetInt(value any, path string) (int, bool) {
	found, ok := Get(value, path)
	if !ok {
		return 0, false
	}

	return ToInt(found)
}

// ToInt converts JSON-decoded numbers and numeric strings to int.
func ToInt(value any) (int, bool) {
	switch n := value.(type) {
	case int:
		return n, true
	case int32:
		return int(n), true
	case int64:
		return int(n), true
	case float32:
		return int(n), true
	case float64:
		return int(n), true
	case json.Number:
		i, err := n.Int64()
		if err != nil {
			f, ferr := n.Float64()
			if ferr != nil {
				return 0, false
			}

			return int(f), true
		}

		return int(i), true
	case string:
		i, err := strconv.Atoi(strings.TrimSpace(n))
		if err != nil {
			return 0, false
		}

		return i, true
	default:
		return 0, false
	}
}

// Stringify renders a scalar the way conditions and templates compare it.
func Stringify(value any) string {
	switch v := value.(type) {
	case nil:
		return ""
	case string:
		return v
	case bool:
		return strconv.FormatBool(v)
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	case float32:
		return strconv.FormatFloat(float64(v), 'f', -1, 32)
	case int:
		return strconv.Itoa(v)
	case int64:
		return strconv.FormatInt(v, 10)
	case json.Number:
		return v.String()
	case map[string]any, []any:
		encoded, err := json.Marshal(v)
		if err != nil {
			return ""
		}

		return string(encoded)
	default:
		return fmt.Sprint(v)
	}
}

var jqCache sync.Map

// Select evaluates expr against value. Expressions starting with "jq:" run as
// jq programs; anything else is a dotted path. A jq program producing several
// outputs returns them as a slice.
func Select(ctx context.Context, value any, expr string) (any, bool, error) {
	if !strings.HasPrefix(expr, JQPrefix) {
		found, ok := Get(value, expr)

		return found, ok, nil
	}

	code, err := compile(strings.TrimSpace(strings.TrimPrefix(expr, JQPrefix)))
	if err != nil {
		return nil, false, err
	}

	iter := code.RunWithContext(ctx, normalizeForJQ(value))

	var results []any

	for {
		out, ok := iter.Next()
		if !ok {
			break
		}

		if err, isErr := out.(error); isErr {
			return nil, false, fmt.Errorf("jq evaluation failed for %q: %w", expr, err)
		}

		results = append(results, out)
	}

	switch len(results) {
	case 0:
		return nil, false, nil
	case 1:
		return results[0], results[0] != nil, nil
	default:
		return results, true, nil
	}
}

func compile(program string) (*gojq.Code, error) {
	if cached, ok := jqCache.Load(program); ok {
		return cached.(*gojq.Code), nil
	}

	query, err := gojq.Parse(program)
	if err != nil {
		return nil, fmt.Errorf("invalid jq program %q: %w", program, err)
	}

	code, err := gojq.Compile(query)
	if err != nil {
		return nil, fmt.Errorf("failed to compile jq program %q: %w", program, err)
	}

	jqCache.Store(program, code)

	return code, nil
}

// normalizeForJQ round-trips values through JSON; gojq only accepts plain
// JSON types (no int or typed maps).
func normalizeForJQ(value any) any {
	encoded, err := json.Marshal(value)
	if err != nil {
		return value
	}

	var out any
	if err := json.Unmarshal(encoded, &out); err != nil {
		return value
	}

	return out
}
