// Package persistence provides the document storage abstraction for workflow definitions, runs and tasks.
package persistence

import (
	"context"
)

// Collection names.
const (
	CollectionWorkflowDefinitions = "workflow_definitions"
	CollectionWorkflowRuns        = "workflow_runs"
	CollectionTasks               = "tasks"
)

// Document is a JSON object keyed by its "id" field.
type Document = map[string]any

// Filter matches documents by dot-path. A value matches by equality, In matches
// any of its members, and nil matches a missing or null field.
type Filter map[string]any

// In matches a field equal to any of its members.
type In []any

// Query selects documents of one collection.
type Query struct {
	Filter     Filter
	SortBy     string
	Descending bool
	// Limit caps the result size; zero means unlimited.
	Limit int
}

// Patch is a set of field operations applied atomically to a single document.
// Keys are dot-paths; intermediate objects are created as needed.
type Patch struct {
	Set      map[string]any
	Unset    []string
	Inc      map[string]int64
	Push     map[string]any
	AddToSet map[string]any
	Pull     map[string]any
}

// IsEmpty reports whether the patch changes nothing.
func (p Patch) IsEmpty() bool {
	return len(p.Set) == 0 && len(p.Unset) == 0 && len(p.Inc) == 0 &&
		len(p.Push) == 0 && len(p.AddToSet) == 0 && len(p.Pull) == 0
}

type DocumentStore interface {
	Get(ctx context.Context, collection, id string) (Document, error)
	Find(ctx context.Context, collection string, query Query) ([]Document, error)
	Insert(ctx context.Context, collection string, doc Document) error
	// Update applies patch when the stored document matches cond (nil matches
	// anything) and returns the updated document.
	Update(ctx context.Context, collection, id string, cond Filter, patch Patch) (Document, error)
	HealthCheck(ctx context.Context) error

	Close(ctx context.Context) error
}
