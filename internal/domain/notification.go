package domain

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Origin is the sub-domain that produced a notification and owns its content.
type Origin string

const (
	OriginUnknown        Origin = "Unknown"
	OriginCharges        Origin = "Charges"
	OriginTimeSeries     Origin = "TimeSeries"
	OriginAggregations   Origin = "Aggregations"
	OriginMeteringPoints Origin = "MeteringPoints"
	OriginMarketRoles    Origin = "MarketRoles"
)

// Origins lists every routable origin.
var Origins = []Origin{
	OriginCharges,
	OriginTimeSeries,
	OriginAggregations,
	OriginMeteringPoints,
	OriginMarketRoles,
}

func (o Origin) IsValid() bool {
	switch o {
	case OriginCharges, OriginTimeSeries, OriginAggregations, OriginMeteringPoints, OriginMarketRoles:
		return true
	}
	return false
}

// ParseOrigin maps a wire value to an Origin. Unrecognised values map to OriginUnknown.
func ParseOrigin(s string) Origin {
	o := Origin(s)
	if o.IsValid() {
		return o
	}
	return OriginUnknown
}

// Notification announces that a sub-domain can supply data for a recipient.
// It is immutable once stored; Dequeue soft-deletes it by setting ConsumedAt.
type Notification struct {
	ID               uuid.UUID  `json:"id"`
	Recipient        string     `json:"recipient"`
	Origin           Origin     `json:"origin"`
	ContentType      string     `json:"message_type"`
	SupportsBundling bool       `json:"supports_bundling"`
	Weight           int        `json:"relative_weight"`
	SequenceNumber   int64      `json:"sequence_number"`
	CreatedAt        time.Time  `json:"created_at"`
	ConsumedAt       *time.Time `json:"consumed_at,omitempty"`
}

// Validate checks the invariants of a single notification. SequenceNumber is
// assigned by the store on insert, so zero is accepted here.
func (n *Notification) Validate() error {
	if n.ID == uuid.Nil {
		return fmt.Errorf("%w: id must be set", ErrValidation)
	}
	if n.Recipient == "" {
		return fmt.Errorf("%w: recipient must not be empty", ErrValidation)
	}
	if !n.Origin.IsValid() {
		return fmt.Errorf("%w: unknown origin %q", ErrValidation, n.Origin)
	}
	if n.ContentType == "" {
		return fmt.Errorf("%w: message type must not be empty", ErrValidation)
	}
	if n.Weight <= 0 {
		return fmt.Errorf("%w: weight must be positive, got %d", ErrValidation, n.Weight)
	}
	if n.SequenceNumber < 0 {
		return fmt.Errorf("%w: sequence number must not be negative", ErrValidation)
	}
	return nil
}

// ValidateBatch checks that a batch is non-empty, addressed to a single
// recipient and that every notification is valid.
func ValidateBatch(notifications []*Notification) error {
	if len(notifications) == 0 {
		return fmt.Errorf("%w: batch must contain at least one notification", ErrValidation)
	}
	for i, n := range notifications {
		if n == nil {
			return fmt.Errorf("%w: item %d is nil", ErrValidation, i)
		}
	}
	recipient := notifications[0].Recipient
	for i, n := range notifications {
		if n.Recipient != recipient {
			return fmt.Errorf("%w: item %d: all notifications must share recipient %q", ErrValidation, i, recipient)
		}
		if err := n.Validate(); err != nil {
			return fmt.Errorf("item %d: %w", i, err)
		}
	}
	return nil
}

// PendingSet is a snapshot of a recipient's unconsumed notifications.
// Version is the optimistic-concurrency token the snapshot was read at.
type PendingSet struct {
	Recipient     string
	Notifications []*Notification
	Version       int64
}

// DataAvailableRequest is the inbound HTTP payload for a single notification.
type DataAvailableRequest struct {
	ID               uuid.UUID `json:"uuid"`
	Recipient        string    `json:"recipient"`
	MessageType      string    `json:"message_type"`
	Origin           string    `json:"origin"`
	SupportsBundling bool      `json:"supports_bundling"`
	RelativeWeight   int32     `json:"relative_weight"`
}

func (r DataAvailableRequest) ToNotification() *Notification {
	return &Notification{
		ID:               r.ID,
		Recipient:        r.Recipient,
		Origin:           ParseOrigin(r.Origin),
		ContentType:      r.MessageType,
		SupportsBundling: r.SupportsBundling,
		Weight:           int(r.RelativeWeight),
	}
}

// DataAvailableBatchRequest wraps a slice of notification payloads.
type DataAvailableBatchRequest struct {
	Notifications []DataAvailableRequest `json:"notifications"`
}
