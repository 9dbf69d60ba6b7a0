// Package memory provides an in-process document store.
package memory

import (
	"context"
	"sync"

	"github.com/dukex/taskflow/pkg/persistence"
)

type collection struct {
	order []string
	docs  map[string]persistence.Document
}

// Store keeps documents in memory. Every operation takes a single lock, which
// makes conditional updates atomic.
type Store struct {
	mu          sync.RWMutex
	collections map[string]*collection
}

func NewStore() *Store {
	return &Store{collections: map[string]*collection{}}
}

func (s *Store) collection(name string) *collection {
	coll, ok := s.collections[name]
	if !ok {
		coll = &collection{docs: map[string]persistence.Document{}}
		s.collections[name] = coll
	}

	return coll
}

func (s *Store) Get(_ context.Context, collection, id string) (persistence.Document, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	coll, ok := s.collections[collection]
	if !ok {
		return nil, persistence.NewDocumentError("Get", collection, id, persistence.ErrNotFound)
	}

	doc, ok := coll.docs[id]
	if !ok {
		return nil, persistence.NewDocumentError("Get", collection, id, persistence.ErrNotFound)
	}

	return persistence.Clone(doc), nil
}

func (s *Store) Find(_ context.Context, collection string, query persistence.Query) ([]persistence.Document, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	coll, ok := s.collections[collection]
	if !ok {
		return []persistence.Document{}, nil
	}

	docs := make([]persistence.Document, 0, len(coll.order))
	for _, id := range coll.order {
		docs = append(docs, coll.docs[id])
	}

	found := persistence.ApplyQuery(docs, query)

	out := make([]persistence.Document, len(found))
	for i, doc := range found {
		out[i] = persistence.Clone(doc)
	}

	return out, nil
}

func (s *Store) Insert(_ context.Context, collection string, doc persistence.Document) error {
	id, err := persistence.DocumentID(doc)
	if err != nil {
		return persistence.NewDocumentError("Insert", collection, "", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	coll := s.collection(collection)
	if _, exists := coll.docs[id]; exists {
		return persistence.NewDocumentError("Insert", collection, id, persistence.ErrAlreadyExists)
	}

	coll.docs[id] = persistence.Clone(doc)
	coll.order = append(coll.order, id)

	return nil
}

func (s *Store) Update(
	_ context.Context,
	collection, id string,
	cond persistence.Filter,
	patch persistence.Patch,
) (persistence.Document, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	coll := s.collection(collection)

	current, ok := coll.docs[id]
	if !ok {
		return nil, persistence.NewDocumentError("Update", collection, id, persistence.ErrNotFound)
	}

	if !persistence.Match(current, cond) {
		return nil, persistence.NewDocumentError("Update", collection, id, persistence.ErrConditionFailed)
	}

	updated := persistence.Clone(current)
	if err := persistence.ApplyPatch(updated, patch); err != nil {
		return nil, persistence.NewDocumentError("Update", collection, id, err)
	}

	coll.docs[id] = updated

	return persistence.Clone(updated), nil
}

func (s *Store) HealthCheck(_ context.Context) error {
	return nil
}

func (s *Store) Close(_ context.Context) error {
	return nil
}
