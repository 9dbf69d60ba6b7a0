package mocks

import (
	"context"

	"github.com/dukex/taskflow/pkg/persistence"
	"github.com/stretchr/testify/mock"
)

// MockDocumentStore is a mock implementation of persistence.DocumentStore interface.
type MockDocumentStore struct {
	mock.Mock
}

func (m *MockDocumentStore) Get(ctx context.Context, collection, id string) (persistence.Document, error) {
	args := m.Called(ctx, collection, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}

	return args.Get(0).(persistence.Document), args.Error(1)
}

func (m *MockDocumentStore) Find(ctx context.Context, collection string, query persistence.Query) ([]persistence.Document, error) {
	args := m.Called(ctx, collection, query)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}

	return args.Get(0).([]persistence.Document), args.Error(1)
}

func (m *MockDocumentStore) Insert(ctx context.Context, collection string, doc persistence.Document) error {
	args := m.Called(ctx, collection, doc)

	return args.Error(0)
}

func (m *MockDocumentStore) Update(
	ctx context.Context,
	collection, id string,
	cond persistence.Filter,
	patch persistence.Patch,
) (persistence.Document, error) {
	args := m.Called(ctx, collection, id, cond, patch)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}

	return args.Get(0).(persistence.Document), args.Error(1)
}

func (m *MockDocumentStore) HealthCheck(ctx context.Context) error {
	args := m.Called(ctx)

	return args.Error(0)
}

func (m *MockDocumentStore) Close(ctx context.Context) error {
	args := m.Called(ctx)

	return args.Error(0)
}
