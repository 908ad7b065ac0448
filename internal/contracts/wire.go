// Package contracts encodes the protobuf messages exchanged with the
// sub-domains. The .proto definitions live in proto/; the codecs here are
// written against protowire so no generated code is needed.
package contracts

import (
	"errors"
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"
)

// ErrMalformed is returned when a payload is not a valid protobuf message of
// the expected shape.
var ErrMalformed = errors.New("malformed protobuf message")

// fieldFunc consumes the value of one field and returns the number of bytes
// read. Returning -1 skips the field.
type fieldFunc func(num protowire.Number, typ protowire.Type, b []byte) (int, error)

func decodeFields(b []byte, fn fieldFunc) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return fmt.Errorf("%w: %v", ErrMalformed, protowire.ParseError(n))
		}
		b = b[n:]

		m, err := fn(num, typ, b)
		if err != nil {
			return err
		}
		if m < 0 {
			m = protowire.ConsumeFieldValue(num, typ, b)
			if m < 0 {
				return fmt.Errorf("%w: field %d: %v", ErrMalformed, num, protowire.ParseError(m))
			}
		}
		b = b[m:]
	}
	return nil
}

func consumeString(num protowire.Number, typ protowire.Type, b []byte, dst *string) (int, error) {
	if typ != protowire.BytesType {
		return 0, fmt.Errorf("%w: field %d: want bytes, got wire type %d", ErrMalformed, num, typ)
	}
	v, n := protowire.ConsumeString(b)
	if n < 0 {
		return 0, fmt.Errorf("%w: field %d: %v", ErrMalformed, num, protowire.ParseError(n))
	}
	*dst = v
	return n, nil
}

func consumeVarint(num protowire.Number, typ protowire.Type, b []byte, dst *uint64) (int, error) {
	if typ != protowire.VarintType {
		return 0, fmt.Errorf("%w: field %d: want varint, got wire type %d", ErrMalformed, num, typ)
	}
	v, n := protowire.ConsumeVarint(b)
	if n < 0 {
		return 0, fmt.Errorf("%w: field %d: %v", ErrMalformed, num, protowire.ParseError(n))
	}
	*dst = v
	return n, nil
}

// appendString skips empty values, matching proto3 default-value elision.
func appendString(b []byte, num protowire.Number, v string) []byte {
	if v == "" {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendString(b, v)
}

func appendVarint(b []byte, num protowire.Number, v uint64) []byte {
	if v == 0 {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, v)
}
