package rescue

import (
	"context"
	"sort"
	"sync"

	"supportcarr/internal/types"
)

// MemoryStore is a Repository whose check-and-write runs under one lock.
type MemoryStore struct {
	mu      sync.Mutex
	rescues map[types.ID]Rescue
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{rescues: make(map[types.ID]Rescue)}
}

func clone(r Rescue) Rescue {
	r.Timeline = append([]TimelineEntry(nil), r.Timeline...)
	return r
}

func (m *MemoryStore) Create(_ context.Context, r Rescue) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.rescues {
		if existing.RiderID == r.RiderID && !existing.Status.Terminal() {
			return ErrActiveRescue
		}
	}
	m.rescues[r.ID] = clone(r)
	return nil
}

func (m *MemoryStore) Get(_ context.Context, id types.ID) (Rescue, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.rescues[id]
	if !ok {
		return Rescue{}, notFound(id)
	}
	return clone(r), nil
}

func (f Filter) matches(r Rescue) bool {
	if f.RiderID != "" && r.RiderID != f.RiderID {
		return false
	}
	if f.DriverID != "" && !r.AssignedTo(f.DriverID) {
		return false
	}
	if len(f.Statuses) > 0 && !(Condition{Statuses: f.Statuses}).Holds(r) {
		return false
	}
	if f.Box != nil && !f.Box.Contains(r.Pickup.Point) {
		return false
	}
	return true
}

func (m *MemoryStore) Find(_ context.Context, f Filter) ([]Rescue, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Rescue
	for _, r := range m.rescues {
		if f.matches(r) {
			out = append(out, clone(r))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].RequestedAt.Equal(out[j].RequestedAt) {
			return out[i].RequestedAt.After(out[j].RequestedAt)
		}
		return out[i].ID < out[j].ID
	})
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

func (m *MemoryStore) ConditionalUpdate(_ context.Context, id types.ID, c Condition, mut Mutation) (Rescue, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.rescues[id]
	if !ok {
		return Rescue{}, notFound(id)
	}
	if !c.Holds(r) {
		return Rescue{}, &ConflictError{Current: clone(r)}
	}
	r = clone(r)
	mut.Apply(&r)
	m.rescues[id] = r
	return clone(r), nil
}

func (m *MemoryStore) CountActiveInBox(_ context.Context, box types.Box) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	f := Filter{Statuses: ActiveStatuses, Box: &box}
	n := 0
	for _, r := range m.rescues {
		if f.matches(r) {
			n++
		}
	}
	return n, nil
}
