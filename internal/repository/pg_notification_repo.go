package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/datahub/postoffice/internal/domain"
)

type pgNotificationRepository struct {
	pool *pgxpool.Pool
}

// NewPgNotificationRepository returns a NotificationRepository backed by PostgreSQL.
func NewPgNotificationRepository(pool *pgxpool.Pool) NotificationRepository {
	return &pgNotificationRepository{pool: pool}
}

func (r *pgNotificationRepository) AddNotifications(ctx context.Context, notifications []*domain.Notification) error {
	if len(notifications) == 0 {
		return nil
	}

	now := time.Now().UTC()
	insert, args, err := insertNotificationsQuery(notifications, now)
	if err != nil {
		return fmt.Errorf("build insert notifications: %w", err)
	}

	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	rows, err := tx.Query(ctx, insert, args...)
	if err != nil {
		return fmt.Errorf("insert notifications: %w", err)
	}
	sequences := make(map[uuid.UUID]int64, len(notifications))
	for rows.Next() {
		var id uuid.UUID
		var seq int64
		if err := rows.Scan(&id, &seq); err != nil {
			rows.Close()
			return fmt.Errorf("scan inserted notification: %w", err)
		}
		sequences[id] = seq
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return fmt.Errorf("insert notifications: %w", err)
	}

	// Every row was a re-delivery: the pending set did not change.
	if len(sequences) == 0 {
		return tx.Commit(ctx)
	}

	recipients := make(map[string]struct{})
	for _, n := range notifications {
		if seq, ok := sequences[n.ID]; ok {
			n.SequenceNumber = seq
			n.CreatedAt = now
			recipients[n.Recipient] = struct{}{}
		}
	}
	for recipient := range recipients {
		bump, bumpArgs, err := bumpRecipientVersionQuery(recipient)
		if err != nil {
			return fmt.Errorf("build bump version: %w", err)
		}
		if _, err := tx.Exec(ctx, bump, bumpArgs...); err != nil {
			return fmt.Errorf("bump recipient version: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit notifications: %w", err)
	}
	return nil
}

// GetPending reads the version and the pending rows inside one repeatable-read
// transaction so both belong to the same snapshot.
func (r *pgNotificationRepository) GetPending(ctx context.Context, recipient string) (*domain.PendingSet, error) {
	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.RepeatableRead, AccessMode: pgx.ReadOnly})
	if err != nil {
		return nil, fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	set := &domain.PendingSet{Recipient: recipient}

	versionSQL, versionArgs, err := recipientVersionQuery(recipient)
	if err != nil {
		return nil, fmt.Errorf("build version query: %w", err)
	}
	err = tx.QueryRow(ctx, versionSQL, versionArgs...).Scan(&set.Version)
	if errors.Is(err, pgx.ErrNoRows) {
		// Never seen this recipient: nothing pending.
		return set, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get recipient version: %w", err)
	}

	pendingSQL, pendingArgs, err := pendingNotificationsQuery(recipient)
	if err != nil {
		return nil, fmt.Errorf("build pending query: %w", err)
	}
	rows, err := tx.Query(ctx, pendingSQL, pendingArgs...)
	if err != nil {
		return nil, fmt.Errorf("get pending notifications: %w", err)
	}
	defer rows.Close()

	set.Notifications, err = scanNotifications(rows)
	if err != nil {
		return nil, fmt.Errorf("scan pending notifications: %w", err)
	}
	return set, nil
}

func (r *pgNotificationRepository) MarkConsumed(ctx context.Context, ids []uuid.UUID) error {
	if len(ids) == 0 {
		return nil
	}
	query, args, err := markConsumedQuery(ids, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("build mark consumed: %w", err)
	}
	if _, err := r.pool.Exec(ctx, query, args...); err != nil {
		return fmt.Errorf("mark notifications consumed: %w", err)
	}
	return nil
}

func (r *pgNotificationRepository) PurgeConsumed(ctx context.Context, olderThan time.Time) (int64, error) {
	query, args, err := purgeConsumedQuery(olderThan)
	if err != nil {
		return 0, fmt.Errorf("build purge consumed: %w", err)
	}
	tag, err := r.pool.Exec(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("purge consumed notifications: %w", err)
	}
	return tag.RowsAffected(), nil
}

// ---- helpers ----

// scanNotification reads a single notification row from any pgx row type.
func scanNotification(row pgx.Row) (*domain.Notification, error) {
	var n domain.Notification
	var origin string
	err := row.Scan(
		&n.ID, &n.SequenceNumber, &n.Recipient, &origin, &n.ContentType,
		&n.SupportsBundling, &n.Weight, &n.CreatedAt, &n.ConsumedAt,
	)
	if err != nil {
		return nil, err
	}
	n.Origin = domain.Origin(origin)
	return &n, nil
}

func scanNotifications(rows pgx.Rows) ([]*domain.Notification, error) {
	var result []*domain.Notification
	for rows.Next() {
		n, err := scanNotification(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, n)
	}
	return result, rows.Err()
}
