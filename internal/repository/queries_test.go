package repository

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/datahub/postoffice/internal/domain"
)

func TestInsertNotificationsQuery(t *testing.T) {
	now := time.Now().UTC()
	batch := []*domain.Notification{
		{ID: uuid.New(), Recipient: "5790000000001", Origin: domain.OriginCharges, ContentType: "ChargeLinks", SupportsBundling: true, Weight: 1},
		{ID: uuid.New(), Recipient: "5790000000001", Origin: domain.OriginCharges, ContentType: "ChargeLinks", SupportsBundling: true, Weight: 2},
	}

	sql, args, err := insertNotificationsQuery(batch, now)
	require.NoError(t, err)

	assert.Contains(t, sql, "INSERT INTO notifications")
	assert.Contains(t, sql, "($1,$2,$3,$4,$5,$6,$7),($8,$9,$10,$11,$12,$13,$14)")
	assert.Contains(t, sql, "ON CONFLICT (id) DO NOTHING")
	assert.Len(t, args, 14)
	assert.Equal(t, batch[0].ID, args[0])
	assert.Equal(t, "Charges", args[2])
}

func TestPendingNotificationsQuery_OrdersBySequence(t *testing.T) {
	sql, args, err := pendingNotificationsQuery("5790000000001")
	require.NoError(t, err)

	assert.Contains(t, sql, "WHERE recipient = $1 AND consumed_at IS NULL")
	assert.Contains(t, sql, "ORDER BY sequence_number ASC")
	assert.Equal(t, []any{"5790000000001"}, args)
}

func TestMarkConsumedQuery_BumpsAffectedRecipients(t *testing.T) {
	ids := []uuid.UUID{uuid.New(), uuid.New()}

	sql, args, err := markConsumedQuery(ids, time.Now())
	require.NoError(t, err)

	assert.Contains(t, sql, "WITH consumed AS (UPDATE notifications SET consumed_at = $1")
	assert.Contains(t, sql, "id = ANY($2)")
	assert.Contains(t, sql, "RETURNING recipient")
	assert.Contains(t, sql, "UPDATE recipients SET version = version + 1")
	require.Len(t, args, 2)
	assert.Equal(t, ids, args[1])
}

func TestCreateBundleQuery_GuardsOnVersion(t *testing.T) {
	b := domain.NewBundle(&domain.Selection{
		Recipient:       "5790000000001",
		Origin:          domain.OriginTimeSeries,
		ContentType:     "TimeSeries",
		NotificationIDs: []uuid.UUID{uuid.New()},
	})

	sql, args, err := createBundleQuery(b, 7)
	require.NoError(t, err)

	assert.Contains(t, sql, "INSERT INTO bundles")
	assert.Contains(t, sql, "$5::uuid[]")
	assert.Contains(t, sql, "EXISTS (SELECT 1 FROM recipients WHERE recipient = $7 AND version = $8)")
	assert.NotContains(t, sql, "?")
	require.Len(t, args, 8)
	assert.Equal(t, int64(7), args[7])
}

func TestPurgeQueries(t *testing.T) {
	cutoff := time.Now().Add(-time.Hour)

	sql, args, err := purgeConsumedQuery(cutoff)
	require.NoError(t, err)
	assert.Contains(t, sql, "DELETE FROM notifications WHERE consumed_at IS NOT NULL AND consumed_at < $1")
	assert.Equal(t, []any{cutoff}, args)

	sql, _, err = purgeDequeuedQuery(cutoff)
	require.NoError(t, err)
	assert.Contains(t, sql, "DELETE FROM bundles WHERE dequeued = $1 AND dequeued_at < $2")
}
