package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/datahub/postoffice/internal/domain"
)

type pgBundleRepository struct {
	pool *pgxpool.Pool
}

// NewPgBundleRepository returns a BundleRepository backed by PostgreSQL.
func NewPgBundleRepository(pool *pgxpool.Pool) BundleRepository {
	return &pgBundleRepository{pool: pool}
}

func (r *pgBundleRepository) Create(ctx context.Context, b *domain.Bundle, expectedVersion int64) error {
	query, args, err := createBundleQuery(b, expectedVersion)
	if err != nil {
		return fmt.Errorf("build create bundle: %w", err)
	}

	tag, err := r.pool.Exec(ctx, query, args...)
	if err != nil {
		var pgErr *pgconn.PgError
		// uq_bundles_active_recipient: someone else already holds an active bundle.
		if errors.As(err, &pgErr) && pgErr.Code == pgerrcode.UniqueViolation {
			return domain.ErrConcurrencyConflict
		}
		return fmt.Errorf("insert bundle: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrConcurrencyConflict
	}
	return nil
}

func (r *pgBundleRepository) GetByID(ctx context.Context, id uuid.UUID) (*domain.Bundle, error) {
	query, args, err := bundleByIDQuery(id)
	if err != nil {
		return nil, fmt.Errorf("build get bundle: %w", err)
	}

	b, err := scanBundle(r.pool.QueryRow(ctx, query, args...))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get bundle: %w", err)
	}
	return b, nil
}

func (r *pgBundleRepository) GetActive(ctx context.Context, recipient string) (*domain.Bundle, error) {
	query, args, err := activeBundleQuery(recipient)
	if err != nil {
		return nil, fmt.Errorf("build get active bundle: %w", err)
	}

	b, err := scanBundle(r.pool.QueryRow(ctx, query, args...))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get active bundle: %w", err)
	}
	return b, nil
}

// MarkDequeued is idempotent; a bundle that is already dequeued is left as is.
func (r *pgBundleRepository) MarkDequeued(ctx context.Context, id uuid.UUID, at time.Time) error {
	query, args, err := markDequeuedQuery(id, at)
	if err != nil {
		return fmt.Errorf("build mark dequeued: %w", err)
	}
	if _, err := r.pool.Exec(ctx, query, args...); err != nil {
		return fmt.Errorf("mark bundle dequeued: %w", err)
	}
	return nil
}

func (r *pgBundleRepository) PurgeDequeued(ctx context.Context, olderThan time.Time) (int64, error) {
	query, args, err := purgeDequeuedQuery(olderThan)
	if err != nil {
		return 0, fmt.Errorf("build purge dequeued: %w", err)
	}
	tag, err := r.pool.Exec(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("purge dequeued bundles: %w", err)
	}
	return tag.RowsAffected(), nil
}

func scanBundle(row pgx.Row) (*domain.Bundle, error) {
	var b domain.Bundle
	var origin string
	err := row.Scan(
		&b.ID, &b.Recipient, &origin, &b.ContentType, &b.NotificationIDs,
		&b.Dequeued, &b.CreatedAt, &b.DequeuedAt,
	)
	if err != nil {
		return nil, err
	}
	b.Origin = domain.Origin(origin)
	return &b, nil
}
