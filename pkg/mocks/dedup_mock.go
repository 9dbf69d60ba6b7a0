package mocks

import (
	"context"

	"github.com/stretchr/testify/mock"
)

// MockDeduplicator is a mock implementation of dedup.Deduplicator interface.
type MockDeduplicator struct {
	mock.Mock
}

func (m *MockDeduplicator) MarkSeen(ctx context.Context, key string) (bool, error) {
	args := m.Called(ctx, key)

	return args.Bool(0), args.Error(1)
}

func (m *MockDeduplicator) Close() error {
	args := m.Called()

	return args.Error(0)
}
