package repository

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/datahub/postoffice/internal/domain"
)

// MockStore is a hand-written, in-memory implementation of both
// NotificationRepository and BundleRepository used in unit tests.
// It enforces the same version check and active-bundle rule as the SQL store.
type MockStore struct {
	mu            sync.RWMutex
	notifications map[uuid.UUID]*domain.Notification
	order         []uuid.UUID
	versions      map[string]int64
	bundles       map[uuid.UUID]*domain.Bundle
	seq           int64

	// Optional error overrides — set in tests to simulate failure paths.
	AddErr          error
	GetPendingErr   error
	MarkConsumedErr error
	CreateErr       error
	GetByIDErr      error
	GetActiveErr    error

	// AfterGetPending runs after a snapshot is taken, outside the store lock.
	// Tests use it to change the pending set between read and bundle creation.
	AfterGetPending func()

	// Counters for assertions.
	CreateCalls int
}

func NewMockStore() *MockStore {
	return &MockStore{
		notifications: make(map[uuid.UUID]*domain.Notification),
		versions:      make(map[string]int64),
		bundles:       make(map[uuid.UUID]*domain.Bundle),
	}
}

func (m *MockStore) AddNotifications(_ context.Context, notifications []*domain.Notification) error {
	if m.AddErr != nil {
		return m.AddErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now().UTC()
	for _, n := range notifications {
		if _, exists := m.notifications[n.ID]; exists {
			continue
		}
		m.seq++
		n.SequenceNumber = m.seq
		n.CreatedAt = now
		clone := *n
		m.notifications[n.ID] = &clone
		m.order = append(m.order, n.ID)
		m.versions[n.Recipient]++
	}
	return nil
}

func (m *MockStore) GetPending(_ context.Context, recipient string) (*domain.PendingSet, error) {
	if m.GetPendingErr != nil {
		return nil, m.GetPendingErr
	}
	m.mu.RLock()
	set := &domain.PendingSet{Recipient: recipient, Version: m.versions[recipient]}
	for _, id := range m.order {
		n := m.notifications[id]
		if n.Recipient == recipient && n.ConsumedAt == nil {
			clone := *n
			set.Notifications = append(set.Notifications, &clone)
		}
	}
	m.mu.RUnlock()

	if m.AfterGetPending != nil {
		m.AfterGetPending()
	}
	return set, nil
}

func (m *MockStore) MarkConsumed(_ context.Context, ids []uuid.UUID) error {
	if m.MarkConsumedErr != nil {
		return m.MarkConsumedErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now().UTC()
	for _, id := range ids {
		n, ok := m.notifications[id]
		if !ok || n.ConsumedAt != nil {
			continue
		}
		n.ConsumedAt = &now
		m.versions[n.Recipient]++
	}
	return nil
}

func (m *MockStore) PurgeConsumed(_ context.Context, olderThan time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var purged int64
	kept := m.order[:0]
	for _, id := range m.order {
		n := m.notifications[id]
		if n.ConsumedAt != nil && n.ConsumedAt.Before(olderThan) {
			delete(m.notifications, id)
			purged++
			continue
		}
		kept = append(kept, id)
	}
	m.order = kept
	return purged, nil
}

func (m *MockStore) Create(_ context.Context, b *domain.Bundle, expectedVersion int64) error {
	if m.CreateErr != nil {
		return m.CreateErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.CreateCalls++
	if m.versions[b.Recipient] != expectedVersion {
		return domain.ErrConcurrencyConflict
	}
	for _, existing := range m.bundles {
		if existing.Recipient == b.Recipient && !existing.Dequeued {
			return domain.ErrConcurrencyConflict
		}
	}
	clone := *b
	clone.NotificationIDs = append([]uuid.UUID(nil), b.NotificationIDs...)
	m.bundles[b.ID] = &clone
	return nil
}

func (m *MockStore) GetByID(_ context.Context, id uuid.UUID) (*domain.Bundle, error) {
	if m.GetByIDErr != nil {
		return nil, m.GetByIDErr
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	b, ok := m.bundles[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	clone := *b
	return &clone, nil
}

func (m *MockStore) GetActive(_ context.Context, recipient string) (*domain.Bundle, error) {
	if m.GetActiveErr != nil {
		return nil, m.GetActiveErr
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, b := range m.bundles {
		if b.Recipient == recipient && !b.Dequeued {
			clone := *b
			return &clone, nil
		}
	}
	return nil, domain.ErrNotFound
}

func (m *MockStore) MarkDequeued(_ context.Context, id uuid.UUID, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if b, ok := m.bundles[id]; ok && !b.Dequeued {
		b.Dequeued = true
		b.DequeuedAt = &at
	}
	return nil
}

func (m *MockStore) PurgeDequeued(_ context.Context, olderThan time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var purged int64
	for id, b := range m.bundles {
		if b.Dequeued && b.DequeuedAt != nil && b.DequeuedAt.Before(olderThan) {
			delete(m.bundles, id)
			purged++
		}
	}
	return purged, nil
}

// Notification returns a copy of a stored notification, consumed or not.
func (m *MockStore) Notification(id uuid.UUID) (*domain.Notification, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n, ok := m.notifications[id]
	if !ok {
		return nil, false
	}
	clone := *n
	return &clone, true
}

// Version returns the recipient's current pending-set version.
func (m *MockStore) Version(recipient string) int64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.versions[recipient]
}
