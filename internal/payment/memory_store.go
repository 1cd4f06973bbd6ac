package payment

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// MemoryStore is an in-memory payment store for development and tests.
type MemoryStore struct {
	payments map[string]*Payment
	events   map[string][]Event
	mu       sync.RWMutex
}

// NewMemoryStore creates a new in-memory payment store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		payments: make(map[string]*Payment),
		events:   make(map[string][]Event),
	}
}

func (m *MemoryStore) Create(ctx context.Context, p *Payment, events []Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.payments[p.ID]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicatePayment, p.ID)
	}
	m.payments[p.ID] = p.Clone()
	m.events[p.ID] = append([]Event(nil), events...)
	return nil
}

func (m *MemoryStore) Get(ctx context.Context, id string) (*Payment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	p, ok := m.payments[id]
	if !ok {
		return nil, ErrPaymentNotFound
	}
	return p.Clone(), nil
}

func (m *MemoryStore) Update(ctx context.Context, p *Payment, expectedVersion int64, events []Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	current, ok := m.payments[p.ID]
	if !ok {
		return ErrPaymentNotFound
	}
	if current.Version != expectedVersion {
		return &ConcurrentModificationError{PaymentID: p.ID, ExpectedVersion: expectedVersion, ActualVersion: current.Version}
	}
	m.payments[p.ID] = p.Clone()
	m.events[p.ID] = append(m.events[p.ID], events...)
	return nil
}

func (m *MemoryStore) ListByParty(ctx context.Context, partyID string, role Role, limit int) ([]*Payment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Payment
	for _, p := range m.payments {
		if p.Involves(partyID, role) {
			result = append(result, p.Clone())
		}
	}
	return newestFirst(result, limit), nil
}

func (m *MemoryStore) List(ctx context.Context, limit int) ([]*Payment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	result := make([]*Payment, 0, len(m.payments))
	for _, p := range m.payments {
		result = append(result, p.Clone())
	}
	return newestFirst(result, limit), nil
}

func (m *MemoryStore) ListEvents(ctx context.Context, paymentID string) ([]Event, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if _, ok := m.payments[paymentID]; !ok {
		return nil, ErrPaymentNotFound
	}
	return append([]Event(nil), m.events[paymentID]...), nil
}

func newestFirst(ps []*Payment, limit int) []*Payment {
	sort.Slice(ps, func(i, j int) bool {
		if ps[i].CreatedAt.Equal(ps[j].CreatedAt) {
			return ps[i].ID > ps[j].ID
		}
		return ps[i].CreatedAt.After(ps[j].CreatedAt)
	})
	if limit > 0 && len(ps) > limit {
		ps = ps[:limit]
	}
	return ps
}
