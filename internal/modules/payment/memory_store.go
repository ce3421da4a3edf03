package payment

import (
	"context"
	"sync"

	"supportcarr/internal/types"
)

type MemoryStore struct {
	mu       sync.Mutex
	byID     map[types.ID]Payment
	byRescue map[types.ID]types.ID
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{byID: make(map[types.ID]Payment), byRescue: make(map[types.ID]types.ID)}
}

func (m *MemoryStore) CreateOnce(_ context.Context, p Payment) (Payment, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if id, ok := m.byRescue[p.RescueID]; ok {
		return m.byID[id], false, nil
	}
	m.byID[p.ID] = p
	m.byRescue[p.RescueID] = p.ID
	return p, true, nil
}

func (m *MemoryStore) Get(_ context.Context, id types.ID) (Payment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.byID[id]
	if !ok {
		return Payment{}, notFound("id", id)
	}
	return p, nil
}

func (m *MemoryStore) GetByRescue(_ context.Context, rescueID types.ID) (Payment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id, ok := m.byRescue[rescueID]
	if !ok {
		return Payment{}, notFound("rescue", rescueID)
	}
	return m.byID[id], nil
}

func (m *MemoryStore) ConditionalUpdate(_ context.Context, id types.ID, from []Status, mut Mutation) (Payment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.byID[id]
	if !ok {
		return Payment{}, notFound("id", id)
	}
	if !statusIn(p.Status, from) {
		return Payment{}, &ConflictError{Current: p}
	}
	mut.Apply(&p)
	m.byID[id] = p
	return p, nil
}
