// Package codec is the serialization boundary used throughout lancom. It
// wraps github.com/vmihailenco/msgpack/v5 behind a generic Encode/Decode
// pair and gives Empty a canonical byte representation, matching the
// msgpack-based codec the original design used (see
// include/zerolancom/serialization/msppack_codec.hpp in the reference
// implementation).
package codec

import (
	"errors"

	"github.com/vmihailenco/msgpack/v5"
)

// Empty is the distinguished "no value" type used for RPC requests/replies
// that carry no payload.
type Empty struct{}

// nilByte is msgpack's canonical encoding of nil: a single 0xc0 byte.
var nilByte = []byte{0xc0}

// ErrNotEmpty is returned by Decode[Empty] when the wire bytes are not the
// canonical nil encoding.
var ErrNotEmpty = errors.New("codec: payload is not the canonical Empty encoding")

// ErrUnexpectedEmpty is returned by Decode[T] for T other than Empty when the
// wire bytes are the canonical nil encoding. msgpack.Unmarshal happily decodes
// nil into a scalar/struct target as its zero value with no error, which
// would otherwise let an Empty payload silently pass as any other type.
var ErrUnexpectedEmpty = errors.New("codec: payload is the canonical Empty encoding, not a value of the requested type")

// Encode serializes v to bytes. Encoding an Empty value always produces the
// canonical nil byte pattern regardless of payload contents.
func Encode[T any](v T) ([]byte, error) {
	if _, ok := any(v).(Empty); ok {
		return nilByte, nil
	}
	return msgpack.Marshal(v)
}

// Decode deserializes data into a value of type T. Decoding into Empty
// succeeds only for an empty payload or the canonical nil encoding; any
// other bytes return ErrNotEmpty. Decoding the canonical nil encoding into
// any T other than Empty returns ErrUnexpectedEmpty rather than silently
// producing T's zero value.
func Decode[T any](data []byte) (T, error) {
	var out T
	canonicalNil := len(data) == 1 && data[0] == nilByte[0]
	if _, ok := any(out).(Empty); ok {
		if len(data) == 0 || canonicalNil {
			return out, nil
		}
		return out, ErrNotEmpty
	}
	if canonicalNil {
		return out, ErrUnexpectedEmpty
	}
	if len(data) == 0 {
		return out, nil
	}
	err := msgpack.Unmarshal(data, &out)
	return out, err
}
