package contracts

import (
	"fmt"

	"github.com/google/uuid"
	"google.golang.org/protobuf/encoding/protowire"

	"github.com/datahub/postoffice/internal/domain"
)

// DataAvailableNotification is published by a sub-domain when it has data
// for a recipient.
type DataAvailableNotification struct {
	UUID             string
	Recipient        string
	MessageType      string
	Origin           string
	SupportsBundling bool
	RelativeWeight   int32
}

const (
	dataAvailableUUID             protowire.Number = 1
	dataAvailableRecipient        protowire.Number = 2
	dataAvailableMessageType      protowire.Number = 3
	dataAvailableOrigin           protowire.Number = 4
	dataAvailableSupportsBundling protowire.Number = 5
	dataAvailableRelativeWeight   protowire.Number = 6
)

func (m *DataAvailableNotification) Marshal() []byte {
	var b []byte
	b = appendString(b, dataAvailableUUID, m.UUID)
	b = appendString(b, dataAvailableRecipient, m.Recipient)
	b = appendString(b, dataAvailableMessageType, m.MessageType)
	b = appendString(b, dataAvailableOrigin, m.Origin)
	b = appendVarint(b, dataAvailableSupportsBundling, protowire.EncodeBool(m.SupportsBundling))
	// int32 is sign-extended to 64 bits on the wire.
	b = appendVarint(b, dataAvailableRelativeWeight, uint64(int64(m.RelativeWeight)))
	return b
}

func UnmarshalDataAvailableNotification(b []byte) (*DataAvailableNotification, error) {
	m := &DataAvailableNotification{}
	err := decodeFields(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		var v uint64
		switch num {
		case dataAvailableUUID:
			return consumeString(num, typ, b, &m.UUID)
		case dataAvailableRecipient:
			return consumeString(num, typ, b, &m.Recipient)
		case dataAvailableMessageType:
			return consumeString(num, typ, b, &m.MessageType)
		case dataAvailableOrigin:
			return consumeString(num, typ, b, &m.Origin)
		case dataAvailableSupportsBundling:
			n, err := consumeVarint(num, typ, b, &v)
			m.SupportsBundling = protowire.DecodeBool(v)
			return n, err
		case dataAvailableRelativeWeight:
			n, err := consumeVarint(num, typ, b, &v)
			m.RelativeWeight = int32(v)
			return n, err
		}
		return -1, nil
	})
	if err != nil {
		return nil, err
	}
	return m, nil
}

// ToDomain converts the message into a Notification. Only the id is parsed
// here; the remaining invariants are checked by Notification.Validate.
func (m *DataAvailableNotification) ToDomain() (*domain.Notification, error) {
	id, err := uuid.Parse(m.UUID)
	if err != nil {
		return nil, fmt.Errorf("%w: invalid uuid %q", domain.ErrValidation, m.UUID)
	}
	return &domain.Notification{
		ID:               id,
		Recipient:        m.Recipient,
		Origin:           domain.ParseOrigin(m.Origin),
		ContentType:      m.MessageType,
		SupportsBundling: m.SupportsBundling,
		Weight:           int(m.RelativeWeight),
	}, nil
}

// NewDataAvailableNotification builds the wire message for n.
func NewDataAvailableNotification(n *domain.Notification) *DataAvailableNotification {
	return &DataAvailableNotification{
		UUID:             n.ID.String(),
		Recipient:        n.Recipient,
		MessageType:      n.ContentType,
		Origin:           string(n.Origin),
		SupportsBundling: n.SupportsBundling,
		RelativeWeight:   int32(n.Weight),
	}
}
