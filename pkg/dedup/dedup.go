// Package dedup records processed event keys so redelivered events are handled once.
package dedup

import (
	"context"
	"sync"
)

// Deduplicator remembers keys for a bounded time.
type Deduplicator interface {
	// MarkSeen records key and reports whether it had already been recorded.
	MarkSeen(ctx context.Context, key string) (bool, error)
	Close() error
}

// Memory keeps seen keys in process memory until Reset.
type Memory struct {
	mu   sync.Mutex
	seen map[string]struct{}
}

func NewMemory() *Memory {
	return &Memory{seen: map[string]struct{}{}}
}

func (m *Memory) MarkSeen(_ context.Context, key string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.seen[key]; ok {
		return true, nil
	}

	m.seen[key] = struct{}{}

	return false, nil
}

// Reset forgets every key and returns how many were dropped.
func (m *Memory) Reset() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	dropped := len(m.seen)
	m.seen = map[string]struct{}{}

	return dropped
}

// Len returns the number of remembered keys.
func (m *Memory) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	return len(m.seen)
}

func (m *Memory) Close() error {
	return nil
}
