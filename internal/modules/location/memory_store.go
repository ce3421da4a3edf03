package location

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"supportcarr/internal/types"
)

// MemoryStore is a DurableStore for tests and single-process runs.
type MemoryStore struct {
	mu      sync.RWMutex
	records map[types.ID]Record
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[types.ID]Record)}
}

func (m *MemoryStore) Upsert(_ context.Context, p Ping) (Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[p.DriverID]
	if !ok {
		rec = Record{DriverID: p.DriverID, IsAvailable: true}
	}
	rec.Position = p.Position
	rec.Heading = p.Heading
	rec.Speed = p.Speed
	rec.IsOnline = true
	rec.UpdatedAt = p.At
	m.records[p.DriverID] = rec
	return rec, nil
}

func (m *MemoryStore) Get(_ context.Context, driverID types.ID) (Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.records[driverID]
	if !ok {
		return Record{}, fmt.Errorf("%w: driver %s has no location", types.ErrNotFound, driverID)
	}
	return rec, nil
}

func (m *MemoryStore) SetAvailability(_ context.Context, driverID types.ID, online, available bool) (Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[driverID]
	if !ok {
		return Record{}, fmt.Errorf("%w: driver %s has no location", types.ErrNotFound, driverID)
	}
	rec.IsOnline = online
	rec.IsAvailable = available
	m.records[driverID] = rec
	return rec, nil
}

func (m *MemoryStore) GeoQuery(_ context.Context, center types.Point, radiusKm float64) ([]Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []Record
	for _, rec := range m.records {
		if rec.Searchable() && types.DistanceKm(center, rec.Position) <= radiusKm {
			out = append(out, rec)
		}
	}
	return out, nil
}

func (m *MemoryStore) CountAvailableInBox(_ context.Context, box types.Box) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n := 0
	for _, rec := range m.records {
		if rec.Searchable() && box.Contains(rec.Position) {
			n++
		}
	}
	return n, nil
}

func (m *MemoryStore) MarkStaleOffline(_ context.Context, cutoff time.Time) ([]types.ID, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var ids []types.ID
	for id, rec := range m.records {
		if rec.IsOnline && rec.UpdatedAt.Before(cutoff) {
			rec.IsOnline = false
			m.records[id] = rec
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids, nil
}

func (m *MemoryStore) ListSearchable(_ context.Context) ([]Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []Record
	for _, rec := range m.records {
		if rec.Searchable() {
			out = append(out, rec)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DriverID < out[j].DriverID })
	return out, nil
}
