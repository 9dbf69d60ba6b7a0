package persistence

import (
	"encoding/json"
	"fmt"
	"reflect"
	"sort"
	"strings"
	"time"
)

// Each pushes or adds every member instead of the slice itself.
type Each []any

// Encode converts a value into its JSON document form.
func Encode(value any) (Document, error) {
	raw, err := json.Marshal(value)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidDocument, err)
	}

	var doc Document
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidDocument, err)
	}

	return doc, nil
}

// Decode fills out from a document.
func Decode(doc Document, out any) error {
	raw, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidDocument, err)
	}

	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidDocument, err)
	}

	return nil
}

// DocumentID returns the "id" field of a document.
func DocumentID(doc Document) (string, error) {
	id, _ := doc["id"].(string)
	if id == "" {
		return "", fmt.Errorf("%w: missing id", ErrInvalidDocument)
	}

	return id, nil
}

// Normalize converts an arbitrary value to plain JSON types.
func Normalize(value any) any {
	switch v := value.(type) {
	case nil, string, bool, float64:
		return v
	case map[string]any:
		return Clone(v)
	case []any:
		return cloneValue(v)
	}

	raw, err := json.Marshal(value)
	if err != nil {
		return value
	}

	var out any
	if err := json.Unmarshal(raw, &out); err != nil {
		return value
	}

	return out
}

// Clone deep-copies a document.
func Clone(doc Document) Document {
	if doc == nil {
		return nil
	}

	return cloneValue(doc).(map[string]any)
}

func cloneValue(value any) any {
	switch v := value.(type) {
	case map[string]any:
		out := make(map[string]any, len(v))
		for key, item := range v {
			out[key] = cloneValue(item)
		}

		return out
	case []any:
		out := make([]any, len(v))
		for i, item := range v {
			out[i] = cloneValue(item)
		}

		return out
	default:
		return v
	}
}

func splitPath(path string) []string {
	return strings.Split(path, ".")
}

// Lookup returns the value at a dot-path of a document.
func Lookup(doc Document, path string) (any, bool) {
	var current any = doc

	for _, segment := range splitPath(path) {
		node, ok := current.(map[string]any)
		if !ok {
			return nil, false
		}

		current, ok = node[segment]
		if !ok {
			return nil, false
		}
	}

	return current, true
}

func setPath(doc Document, path string, value any) error {
	segments := splitPath(path)
	node := doc

	for _, segment := range segments[:len(segments)-1] {
		next, ok := node[segment]
		if !ok || next == nil {
			child := map[string]any{}
			node[segment] = child
			node = child

			continue
		}

		child, ok := next.(map[string]any)
		if !ok {
			return fmt.Errorf("%w: %s is not an object", ErrInvalidDocument, segment)
		}

		node = child
	}

	node[segments[len(segments)-1]] = value

	return nil
}

func unsetPath(doc Document, path string) {
	segments := splitPath(path)
	node := doc

	for _, segment := range segments[:len(segments)-1] {
		child, ok := node[segment].(map[string]any)
		if !ok {
			return
		}

		node = child
	}

	delete(node, segments[len(segments)-1])
}

func arrayAt(doc Document, path string) ([]any, error) {
	current, ok := Lookup(doc, path)
	if !ok || current == nil {
		return nil, nil
	}

	items, ok := current.([]any)
	if !ok {
		return nil, fmt.Errorf("%w: %s is not an array", ErrInvalidDocument, path)
	}

	return items, nil
}

func members(value any) []any {
	switch v := value.(type) {
	case Each:
		out := make([]any, len(v))
		for i, item := range v {
			out[i] = Normalize(item)
		}

		return out
	case In:
		out := make([]any, len(v))
		for i, item := range v {
			out[i] = Normalize(item)
		}

		return out
	default:
		return []any{Normalize(value)}
	}
}

func contains(items []any, value any) bool {
	for _, item := range items {
		if reflect.DeepEqual(item, value) {
			return true
		}
	}

	return false
}

// ApplyPatch applies patch to doc in place. Operations run in the order
// Set, Unset, Inc, Push, AddToSet, Pull.
func ApplyPatch(doc Document, patch Patch) error {
	for _, path := range sortedKeys(patch.Set) {
		if err := setPath(doc, path, Normalize(patch.Set[path])); err != nil {
			return err
		}
	}

	for _, path := range patch.Unset {
		unsetPath(doc, path)
	}

	for path, delta := range patch.Inc {
		current, _ := Lookup(doc, path)

		base, ok := toInt64(current)
		if current != nil && !ok {
			return fmt.Errorf("%w: %s is not a number", ErrInvalidDocument, path)
		}

		if err := setPath(doc, path, float64(base+delta)); err != nil {
			return err
		}
	}

	for path, value := range patch.Push {
		items, err := arrayAt(doc, path)
		if err != nil {
			return err
		}

		if err := setPath(doc, path, append(items, members(value)...)); err != nil {
			return err
		}
	}

	for path, value := range patch.AddToSet {
		items, err := arrayAt(doc, path)
		if err != nil {
			return err
		}

		for _, member := range members(value) {
			if !contains(items, member) {
				items = append(items, member)
			}
		}

		if items == nil {
			items = []any{}
		}

		if err := setPath(doc, path, items); err != nil {
			return err
		}
	}

	for path, value := range patch.Pull {
		items, err := arrayAt(doc, path)
		if err != nil {
			return err
		}

		if items == nil {
			continue
		}

		remove := members(value)
		kept := make([]any, 0, len(items))

		for _, item := range items {
			if !contains(remove, item) {
				kept = append(kept, item)
			}
		}

		if err := setPath(doc, path, kept); err != nil {
			return err
		}
	}

	return nil
}

// Match reports whether doc satisfies every clause of filter.
func Match(doc Document, filter Filter) bool {
	for path, want := range filter {
		got, found := Lookup(doc, path)

		switch w := want.(type) {
		case nil:
			if found && got != nil {
				return false
			}
		case In:
			if !found || !contains(members(w), got) {
				return false
			}
		default:
			if !found || !reflect.DeepEqual(Normalize(w), got) {
				return false
			}
		}
	}

	return true
}

// ApplyQuery filters, sorts and limits docs. Sorting is stable so equal keys
// keep their input order.
func ApplyQuery(docs []Document, query Query) []Document {
	out := make([]Document, 0, len(docs))

	for _, doc := range docs {
		if Match(doc, query.Filter) {
			out = append(out, doc)
		}
	}

	if query.SortBy != "" {
		sort.SliceStable(out, func(i, j int) bool {
			a, _ := Lookup(out[i], query.SortBy)
			b, _ := Lookup(out[j], query.SortBy)

			if query.Descending {
				return compareValues(a, b) > 0
			}

			return compareValues(a, b) < 0
		})
	}

	if query.Limit > 0 && len(out) > query.Limit {
		out = out[:query.Limit]
	}

	return out
}

func compareValues(a, b any) int {
	switch {
	case a == nil && b == nil:
		return 0
	case a == nil:
		return -1
	case b == nil:
		return 1
	}

	if x, ok := toFloat(a); ok {
		if y, ok := toFloat(b); ok {
			switch {
			case x < y:
				return -1
			case x > y:
				return 1
			default:
				return 0
			}
		}
	}

	sa, aok := a.(string)
	sb, bok := b.(string)

	if aok && bok {
		ta, errA := time.Parse(time.RFC3339Nano, sa)
		tb, errB := time.Parse(time.RFC3339Nano, sb)

		if errA == nil && errB == nil {
			return ta.Compare(tb)
		}

		return strings.Compare(sa, sb)
	}

	return strings.Compare(fmt.Sprint(a), fmt.Sprint(b))
}

func toFloat(value any) (float64, bool) {
	switch n := value.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	default:
		return 0, false
	}
}

func toInt64(value any) (int64, bool) {
	switch n := value.(type) {
	case nil:
		return 0, false
	case float64:
		return int64(n), true
	case int:
		return int64(n), true
	case int64:
		return n, true
	case json.Number:
		i, err := n.Int64()

		return i, err == nil
	default:
		return 0, false
	}
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for key := range m {
		keys = append(keys, key)
	}

	sort.Strings(keys)

	return keys
}
