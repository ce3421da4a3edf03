package matching

import (
	"context"
	"sync"
	"time"

	"supportcarr/internal/types"
)

type MemoryStatsStore struct {
	mu      sync.RWMutex
	stats   map[types.ID]DriverStats
	applied map[types.ID]bool
}

func NewMemoryStatsStore() *MemoryStatsStore {
	return &MemoryStatsStore{
		stats:   make(map[types.ID]DriverStats),
		applied: make(map[types.ID]bool),
	}
}

func (m *MemoryStatsStore) Stats(_ context.Context, ids []types.ID) (map[types.ID]DriverStats, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[types.ID]DriverStats, len(ids))
	for _, id := range ids {
		if st, ok := m.stats[id]; ok {
			out[id] = st
		}
	}
	return out, nil
}

func (m *MemoryStatsStore) Upsert(_ context.Context, st DriverStats) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stats[st.DriverID] = st
	return nil
}

func (m *MemoryStatsStore) RecordCompletion(_ context.Context, rescueID, driverID types.ID, responseMinutes float64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.applied[rescueID] {
		return nil
	}
	m.applied[rescueID] = true
	st, ok := m.stats[driverID]
	if !ok {
		st = NewDriverStats(driverID)
		st.AvgResponseMinutes = 0
	}
	st.AvgResponseMinutes = (st.AvgResponseMinutes*float64(st.TotalCompleted) + responseMinutes) / float64(st.TotalCompleted+1)
	st.TotalCompleted++
	m.stats[driverID] = st
	return nil
}

type MemoryDispatchLog struct {
	mu         sync.Mutex
	dispatched map[types.ID]time.Time
	notified   map[types.ID]map[types.ID]bool
}

func NewMemoryDispatchLog() *MemoryDispatchLog {
	return &MemoryDispatchLog{
		dispatched: make(map[types.ID]time.Time),
		notified:   make(map[types.ID]map[types.ID]bool),
	}
}

func (m *MemoryDispatchLog) RecordDispatch(_ context.Context, rescueID types.ID, driverIDs []types.ID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.dispatched[rescueID]; !ok {
		m.dispatched[rescueID] = time.Now().UTC()
	}
	set := m.notified[rescueID]
	if set == nil {
		set = make(map[types.ID]bool)
		m.notified[rescueID] = set
	}
	for _, d := range driverIDs {
		set[d] = true
	}
	return nil
}

func (m *MemoryDispatchLog) Notified(_ context.Context, rescueID types.ID) (map[types.ID]bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[types.ID]bool, len(m.notified[rescueID]))
	for d := range m.notified[rescueID] {
		out[d] = true
	}
	return out, nil
}

func (m *MemoryDispatchLog) DispatchedAt(_ context.Context, rescueID types.ID) (time.Time, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.dispatched[rescueID]
	return t, ok, nil
}
