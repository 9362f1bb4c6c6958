// Package storage persists the append-only ledger of operation outcomes,
// in memory for development and tests or in PostgreSQL for production.
package storage

import (
	"context"
	"errors"
	"sort"
	"sync"

	"github.com/RegistryAccord/registryaccord-mmg-go/internal/model"
)

// Standard errors returned by the storage layer
var (
	ErrNotFound = errors.New("not found")
	ErrConflict = errors.New("conflict") // event id already appended
)

// Store is the ledger event store. Events are never updated or deleted.
type Store interface {
	AppendEvent(ctx context.Context, e model.MetricEvent) error
	// QueryEvents returns matching events ordered by timestamp ascending.
	QueryEvents(ctx context.Context, f model.MetricFilter) ([]model.MetricEvent, error)
	Ping(ctx context.Context) error
	Close()
}

// memory implements Store with a slice guarded by a RWMutex.
type memory struct {
	mu     sync.RWMutex
	events []model.MetricEvent
	ids    map[string]struct{}
}

// NewMemory creates a new in-memory store.
func NewMemory() Store {
	return &memory{ids: make(map[string]struct{})}
}

func (m *memory) AppendEvent(_ context.Context, e model.MetricEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.ids[e.ID]; exists {
		return ErrConflict
	}
	m.ids[e.ID] = struct{}{}

	// Keep timestamp order; appends are almost always already in order.
	i := sort.Search(len(m.events), func(i int) bool { return m.events[i].Timestamp.After(e.Timestamp) })
	m.events = append(m.events, model.MetricEvent{})
	copy(m.events[i+1:], m.events[i:])
	m.events[i] = e
	return nil
}

func (m *memory) QueryEvents(_ context.Context, f model.MetricFilter) ([]model.MetricEvent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]model.MetricEvent, 0)
	for _, e := range m.events {
		if f.Matches(e) {
			out = append(out, e)
		}
	}
	return out, nil
}

func (m *memory) Ping(context.Context) error { return nil }

func (m *memory) Close() {}
