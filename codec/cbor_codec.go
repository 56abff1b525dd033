package codec

import (
	"errors"
	"fmt"
	"io"
	"reflect"

	"github.com/fxamacker/cbor/v2"
)

// CBORCodec encodes objects as RFC 8949 CBOR data items.
// CBOR items carry their own length, which lets a Result payload follow a frame header with no
// extra length prefix.
type CBORCodec struct {
	enc cbor.EncMode
	dec cbor.DecMode
}

var defaultCBOR = mustCBOR()

func mustCBOR() *CBORCodec {
	c, err := NewCBORCodec()
	if err != nil {
		panic(err)
	}
	return c
}

// NewCBORCodec builds a codec that writes time.Time as RFC 3339 text (tag 0).
//
// Decoding into an untyped target yields map[string]any for maps, uint64 for non-negative
// integers and int64 for negative ones, whatever Go integer type was encoded.
func NewCBORCodec() (*CBORCodec, error) {
	enc, err := cbor.EncOptions{Time: cbor.TimeRFC3339Nano}.EncMode()
	if err != nil {
		return nil, fmt.Errorf("codec: cbor encode mode: %w", err)
	}
	dec, err := cbor.DecOptions{
		// Argument maps are keyed by strings; the library default is map[any]any.
		DefaultMapType: reflect.TypeOf(map[string]any(nil)),
	}.DecMode()
	if err != nil {
		return nil, fmt.Errorf("codec: cbor decode mode: %w", err)
	}
	return &CBORCodec{enc: enc, dec: dec}, nil
}

func (c *CBORCodec) Encode(v any) ([]byte, error) {
	return c.enc.Marshal(v)
}

func (c *CBORCodec) Decode(data []byte, v any) error {
	return c.dec.Unmarshal(data, v)
}

func (c *CBORCodec) DecodeFirst(data []byte, v any) ([]byte, error) {
	rest, err := c.dec.UnmarshalFirst(data, v)
	if err != nil {
		// Empty input is io.EOF, a truncated item is io.ErrUnexpectedEOF.
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return data, ErrIncomplete
		}
		return nil, err
	}
	return rest, nil
}

func (c *CBORCodec) Type() CodecType {
	return CodecTypeCBOR
}
