package repository

import (
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/google/uuid"

	"github.com/datahub/postoffice/internal/domain"
)

var psql = sq.StatementBuilder.PlaceholderFormat(sq.Dollar)

const notificationColumns = "id, sequence_number, recipient, origin, content_type, supports_bundling, weight, created_at, consumed_at"

const bundleColumns = "id, recipient, origin, content_type, notification_ids, dequeued, created_at, dequeued_at"

// insertNotificationsQuery builds a single multi-row insert. Re-delivered ids
// are skipped so at-least-once producers do not create duplicates.
func insertNotificationsQuery(notifications []*domain.Notification, now time.Time) (string, []any, error) {
	b := psql.Insert("notifications").
		Columns("id", "recipient", "origin", "content_type", "supports_bundling", "weight", "created_at")
	for _, n := range notifications {
		b = b.Values(n.ID, n.Recipient, string(n.Origin), n.ContentType, n.SupportsBundling, n.Weight, now)
	}
	return b.Suffix("ON CONFLICT (id) DO NOTHING RETURNING id, sequence_number").ToSql()
}

func bumpRecipientVersionQuery(recipient string) (string, []any, error) {
	return psql.Insert("recipients").
		Columns("recipient", "version").
		Values(recipient, 1).
		Suffix("ON CONFLICT (recipient) DO UPDATE SET version = recipients.version + 1, updated_at = NOW()").
		ToSql()
}

func recipientVersionQuery(recipient string) (string, []any, error) {
	return psql.Select("version").
		From("recipients").
		Where("recipient = ?", recipient).
		ToSql()
}

func pendingNotificationsQuery(recipient string) (string, []any, error) {
	return psql.Select(notificationColumns).
		From("notifications").
		Where("recipient = ?", recipient).
		Where(sq.Eq{"consumed_at": nil}).
		OrderBy("sequence_number ASC").
		ToSql()
}

// markConsumedQuery soft-deletes the ids and bumps the version of every
// recipient that actually lost a pending notification, in one statement.
func markConsumedQuery(ids []uuid.UUID, now time.Time) (string, []any, error) {
	update, args, err := psql.Update("notifications").
		Set("consumed_at", now).
		Where("id = ANY(?)", ids).
		Where(sq.Eq{"consumed_at": nil}).
		Suffix("RETURNING recipient").
		ToSql()
	if err != nil {
		return "", nil, err
	}

	query := "WITH consumed AS (" + update + ") " +
		"UPDATE recipients SET version = version + 1, updated_at = NOW() " +
		"WHERE recipient IN (SELECT DISTINCT recipient FROM consumed)"
	return query, args, nil
}

func purgeConsumedQuery(olderThan time.Time) (string, []any, error) {
	return psql.Delete("notifications").
		Where(sq.NotEq{"consumed_at": nil}).
		Where(sq.Lt{"consumed_at": olderThan}).
		ToSql()
}

// createBundleQuery inserts the bundle only while the recipient version still
// matches the snapshot the selection was made from.
func createBundleQuery(b *domain.Bundle, expectedVersion int64) (string, []any, error) {
	// Nested builders keep "?" placeholders; the outer insert numbers them.
	guard := sq.Select("1").
		From("recipients").
		Where("recipient = ?", b.Recipient).
		Where("version = ?", expectedVersion)

	return psql.Insert("bundles").
		Columns("id", "recipient", "origin", "content_type", "notification_ids", "created_at").
		Select(sq.Select().
			Column("?::uuid", b.ID).
			Column("?::text", b.Recipient).
			Column("?::text", string(b.Origin)).
			Column("?::text", b.ContentType).
			Column("?::uuid[]", b.NotificationIDs).
			Column("?::timestamptz", b.CreatedAt).
			Where(sq.Expr("EXISTS (?)", guard))).
		ToSql()
}

func bundleByIDQuery(id uuid.UUID) (string, []any, error) {
	return psql.Select(bundleColumns).
		From("bundles").
		Where("id = ?", id).
		ToSql()
}

func activeBundleQuery(recipient string) (string, []any, error) {
	return psql.Select(bundleColumns).
		From("bundles").
		Where("recipient = ?", recipient).
		Where(sq.Eq{"dequeued": false}).
		ToSql()
}

func markDequeuedQuery(id uuid.UUID, at time.Time) (string, []any, error) {
	return psql.Update("bundles").
		Set("dequeued", true).
		Set("dequeued_at", at).
		Where("id = ?", id).
		Where(sq.Eq{"dequeued": false}).
		ToSql()
}

func purgeDequeuedQuery(olderThan time.Time) (string, []any, error) {
	return psql.Delete("bundles").
		Where(sq.Eq{"dequeued": true}).
		Where(sq.Lt{"dequeued_at": olderThan}).
		ToSql()
}
