package definitions

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/dukex/taskflow/pkg/models"
	"github.com/dukex/taskflow/pkg/persistence"
)

// Source resolves workflow definitions for the engine.
type Source interface {
	Get(ctx context.Context, id string) (*models.WorkflowDefinition, error)
}

// StoreSource keeps definitions in the workflow_definitions collection, in
// their wire format.
type StoreSource struct {
	store  persistence.DocumentStore
	logger *slog.Logger
}

func NewStoreSource(store persistence.DocumentStore, logger *slog.Logger) *StoreSource {
	return &StoreSource{
		store:  store,
		logger: logger.With("module", "definitions"),
	}
}

// Put validates spec and stores it, replacing any previous version.
func (s *StoreSource) Put(ctx context.Context, spec *WorkflowSpec) error {
	if err := Validate(spec); err != nil {
		return err
	}

	doc, err := persistence.Encode(spec)
	if err != nil {
		return fmt.Errorf("failed to encode definition %q: %w", spec.ID, err)
	}

	err = s.store.Insert(ctx, persistence.CollectionWorkflowDefinitions, doc)
	if persistence.IsAlreadyExists(err) {
		_, err = s.store.Update(ctx, persistence.CollectionWorkflowDefinitions, spec.ID, nil,
			persistence.Patch{Set: doc})
	}

	if err != nil {
		return fmt.Errorf("failed to store definition %q: %w", spec.ID, err)
	}

	s.logger.InfoContext(ctx, "Stored workflow definition", "workflow_id", spec.ID, "steps", len(spec.Steps))

	return nil
}

// PutAll stores every spec, stopping at the first failure.
func (s *StoreSource) PutAll(ctx context.Context, specs []*WorkflowSpec) error {
	for _, spec := range specs {
		if err := s.Put(ctx, spec); err != nil {
			return err
		}
	}

	return nil
}

// Get loads and normalizes a definition.
func (s *StoreSource) Get(ctx context.Context, id string) (*models.WorkflowDefinition, error) {
	spec, err := persistence.GetAs[WorkflowSpec](ctx, s.store, persistence.CollectionWorkflowDefinitions, id)
	if err != nil {
		if persistence.IsNotFound(err) {
			return nil, fmt.Errorf("%w: %s", ErrDefinitionNotFound, id)
		}

		return nil, err
	}

	return Normalize(spec), nil
}
