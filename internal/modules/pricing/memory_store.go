package pricing

import (
	"context"
	"fmt"
	"sync"
	"time"

	"supportcarr/internal/types"
)

type MemoryPromoStore struct {
	mu     sync.Mutex
	promos map[string]Promo
	uses   map[string]map[types.ID]int
}

func NewMemoryPromoStore() *MemoryPromoStore {
	return &MemoryPromoStore{promos: make(map[string]Promo), uses: make(map[string]map[types.ID]int)}
}

func (m *MemoryPromoStore) Save(_ context.Context, p Promo) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.promos[p.Code] = p
	return nil
}

func (m *MemoryPromoStore) Get(_ context.Context, code string) (Promo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.promos[code]
	if !ok {
		return Promo{}, fmt.Errorf("%w: promo %s", types.ErrNotFound, code)
	}
	return p, nil
}

func (m *MemoryPromoStore) UserRedemptions(_ context.Context, code string, riderID types.ID) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.uses[code][riderID], nil
}

func (m *MemoryPromoStore) Redeem(_ context.Context, code string, riderID types.ID, _ time.Time) (Promo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.promos[code]
	if !ok {
		return Promo{}, fmt.Errorf("%w: promo %s", types.ErrNotFound, code)
	}
	if p.CapsReached(m.uses[code][riderID]) {
		return Promo{}, fmt.Errorf("%w: promo %s usage limit reached", types.ErrRateExceeded, code)
	}
	p.UsedCount++
	m.promos[code] = p
	if m.uses[code] == nil {
		m.uses[code] = make(map[types.ID]int)
	}
	m.uses[code][riderID]++
	return p, nil
}
