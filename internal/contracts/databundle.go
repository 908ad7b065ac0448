package contracts

import (
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"

	"github.com/datahub/postoffice/internal/domain"
)

// DataBundleRequest asks a sub-domain to produce the content for a bundle.
type DataBundleRequest struct {
	RequestID       string
	Recipient       string
	NotificationIDs []string
	RequestKey      string
}

const (
	bundleRequestID              protowire.Number = 1
	bundleRequestRecipient       protowire.Number = 2
	bundleRequestNotificationIDs protowire.Number = 3
	bundleRequestKey             protowire.Number = 4
)

// NewDataBundleRequest builds the request for sel, keeping notification order.
func NewDataBundleRequest(requestID string, sel *domain.Selection) *DataBundleRequest {
	ids := make([]string, len(sel.NotificationIDs))
	for i, id := range sel.NotificationIDs {
		ids[i] = id.String()
	}
	return &DataBundleRequest{
		RequestID:       requestID,
		Recipient:       sel.Recipient,
		NotificationIDs: ids,
		RequestKey:      sel.RequestKey(),
	}
}

func (m *DataBundleRequest) Marshal() []byte {
	var b []byte
	b = appendString(b, bundleRequestID, m.RequestID)
	b = appendString(b, bundleRequestRecipient, m.Recipient)
	for _, id := range m.NotificationIDs {
		b = protowire.AppendTag(b, bundleRequestNotificationIDs, protowire.BytesType)
		b = protowire.AppendString(b, id)
	}
	b = appendString(b, bundleRequestKey, m.RequestKey)
	return b
}

func UnmarshalDataBundleRequest(b []byte) (*DataBundleRequest, error) {
	m := &DataBundleRequest{}
	err := decodeFields(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case bundleRequestID:
			return consumeString(num, typ, b, &m.RequestID)
		case bundleRequestRecipient:
			return consumeString(num, typ, b, &m.Recipient)
		case bundleRequestNotificationIDs:
			var id string
			n, err := consumeString(num, typ, b, &id)
			if err == nil {
				m.NotificationIDs = append(m.NotificationIDs, id)
			}
			return n, err
		case bundleRequestKey:
			return consumeString(num, typ, b, &m.RequestKey)
		}
		return -1, nil
	})
	if err != nil {
		return nil, err
	}
	return m, nil
}

// ErrorReason is the reason a sub-domain could not supply content.
type ErrorReason int32

const (
	ErrorReasonUnspecified ErrorReason = iota
	ErrorReasonDatasetNotFound
	ErrorReasonDatasetNotAvailable
	ErrorReasonInternalError
)

func (r ErrorReason) String() string {
	switch r {
	case ErrorReasonUnspecified:
		return "Unspecified"
	case ErrorReasonDatasetNotFound:
		return "DatasetNotFound"
	case ErrorReasonDatasetNotAvailable:
		return "DatasetNotAvailable"
	case ErrorReasonInternalError:
		return "InternalError"
	}
	return fmt.Sprintf("ErrorReason(%d)", int32(r))
}

// DataBundleResponse is the sub-domain's reply. Exactly one of ContentURI or
// a non-zero ErrorReason is expected.
type DataBundleResponse struct {
	ContentURI         string
	ErrorReason        ErrorReason
	FailureDescription string
}

const (
	bundleResponseContentURI         protowire.Number = 1
	bundleResponseErrorReason        protowire.Number = 2
	bundleResponseFailureDescription protowire.Number = 3
)

func (m *DataBundleResponse) Failed() bool {
	return m.ErrorReason != ErrorReasonUnspecified || m.ContentURI == ""
}

func (m *DataBundleResponse) Marshal() []byte {
	var b []byte
	b = appendString(b, bundleResponseContentURI, m.ContentURI)
	b = appendVarint(b, bundleResponseErrorReason, uint64(int64(m.ErrorReason)))
	b = appendString(b, bundleResponseFailureDescription, m.FailureDescription)
	return b
}

func UnmarshalDataBundleResponse(b []byte) (*DataBundleResponse, error) {
	m := &DataBundleResponse{}
	err := decodeFields(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case bundleResponseContentURI:
			return consumeString(num, typ, b, &m.ContentURI)
		case bundleResponseErrorReason:
			var v uint64
			n, err := consumeVarint(num, typ, b, &v)
			m.ErrorReason = ErrorReason(int32(v))
			return n, err
		case bundleResponseFailureDescription:
			return consumeString(num, typ, b, &m.FailureDescription)
		}
		return -1, nil
	})
	if err != nil {
		return nil, err
	}
	return m, nil
}
