package repository

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/datahub/postoffice/internal/domain"
)

// NotificationRepository persists data-available notifications.
// The pgx implementation is in pg_notification_repo.go.
// Tests use a hand-written in-memory store (mock_store.go).
type NotificationRepository interface {
	// AddNotifications stores the batch in order. Ids that already exist are skipped.
	AddNotifications(ctx context.Context, notifications []*domain.Notification) error
	// GetPending returns the recipient's unconsumed notifications, oldest first,
	// together with the version the snapshot was read at.
	GetPending(ctx context.Context, recipient string) (*domain.PendingSet, error)
	// MarkConsumed soft-deletes the given ids. Unknown or already consumed ids are ignored.
	MarkConsumed(ctx context.Context, ids []uuid.UUID) error
	PurgeConsumed(ctx context.Context, olderThan time.Time) (int64, error)
}

// BundleRepository persists the bundles handed out by Peek.
type BundleRepository interface {
	// Create stores b only if the recipient's pending set is still at
	// expectedVersion and the recipient has no other active bundle;
	// otherwise it returns domain.ErrConcurrencyConflict.
	Create(ctx context.Context, b *domain.Bundle, expectedVersion int64) error
	GetByID(ctx context.Context, id uuid.UUID) (*domain.Bundle, error)
	// GetActive returns the recipient's undequeued bundle or domain.ErrNotFound.
	GetActive(ctx context.Context, recipient string) (*domain.Bundle, error)
	MarkDequeued(ctx context.Context, id uuid.UUID, at time.Time) error
	PurgeDequeued(ctx context.Context, olderThan time.Time) (int64, error)
}
