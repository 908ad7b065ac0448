package domain

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Selection is an ordered run of notifications chosen to be delivered together.
// All members share recipient, origin and content type.
type Selection struct {
	Recipient       string
	Origin          Origin
	ContentType     string
	NotificationIDs []uuid.UUID
}

// NewSelection builds a Selection from an ordered, non-empty run of notifications.
func NewSelection(run []*Notification) *Selection {
	ids := make([]uuid.UUID, len(run))
	for i, n := range run {
		ids[i] = n.ID
	}
	return &Selection{
		Recipient:       run[0].Recipient,
		Origin:          run[0].Origin,
		ContentType:     run[0].ContentType,
		NotificationIDs: ids,
	}
}

// RequestKey identifies the logical content request for this selection.
// The ids are taken in selection order, which is insertion order, and are
// not re-sorted.
func (s *Selection) RequestKey() string {
	parts := make([]string, len(s.NotificationIDs))
	for i, id := range s.NotificationIDs {
		parts[i] = id.String()
	}
	sum := sha256.Sum256([]byte(strings.Join(parts, ";")))
	return hex.EncodeToString(sum[:])
}

// Bundle is a group of notifications handed out by one Peek.
type Bundle struct {
	ID              uuid.UUID   `json:"id"`
	Recipient       string      `json:"recipient"`
	Origin          Origin      `json:"origin"`
	ContentType     string      `json:"message_type"`
	NotificationIDs []uuid.UUID `json:"notification_ids"`
	Dequeued        bool        `json:"dequeued"`
	CreatedAt       time.Time   `json:"created_at"`
	DequeuedAt      *time.Time  `json:"dequeued_at,omitempty"`
}

// NewBundle creates an undequeued bundle for the selection.
func NewBundle(sel *Selection) *Bundle {
	ids := make([]uuid.UUID, len(sel.NotificationIDs))
	copy(ids, sel.NotificationIDs)
	return &Bundle{
		ID:              uuid.New(),
		Recipient:       sel.Recipient,
		Origin:          sel.Origin,
		ContentType:     sel.ContentType,
		NotificationIDs: ids,
		CreatedAt:       time.Now().UTC(),
	}
}

// Selection returns the selection this bundle was created from.
func (b *Bundle) Selection() *Selection {
	return &Selection{
		Recipient:       b.Recipient,
		Origin:          b.Origin,
		ContentType:     b.ContentType,
		NotificationIDs: b.NotificationIDs,
	}
}

// Contains reports whether ids is exactly the bundle's notification set.
func (b *Bundle) Contains(ids []uuid.UUID) bool {
	if len(ids) != len(b.NotificationIDs) {
		return false
	}
	set := make(map[uuid.UUID]struct{}, len(b.NotificationIDs))
	for _, id := range b.NotificationIDs {
		set[id] = struct{}{}
	}
	for _, id := range ids {
		if _, ok := set[id]; !ok {
			return false
		}
		delete(set, id)
	}
	return len(set) == 0
}

// ContentLocation points at the stored content for a request key.
type ContentLocation struct {
	RequestKey string
	Path       string
}

// DequeueRequest is the inbound HTTP payload for DELETE /dequeue.
type DequeueRequest struct {
	BundleID        uuid.UUID   `json:"bundleId"`
	NotificationIDs []uuid.UUID `json:"notificationIds"`
}
