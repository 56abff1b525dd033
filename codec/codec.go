// Package codec implements the object-serialization sub-protocol used inside octo frames.
//
// The frame layer never interprets argument or result bytes itself; it only needs to know
// where one serialized object ends. Codecs therefore must be self-delimiting: DecodeFirst
// reports ErrIncomplete when the buffer holds only a prefix of an object, which the
// incremental decoders treat as an underrun rather than an error.
package codec

import "errors"

type CodecType byte

const (
	CodecTypeCBOR CodecType = 0
)

// ErrIncomplete is returned by DecodeFirst when data ends before the first object does.
var ErrIncomplete = errors.New("codec: incomplete object")

type Codec interface {
	Encode(v any) ([]byte, error)
	Decode(data []byte, v any) error
	// DecodeFirst decodes the first object in data and returns the bytes after it.
	DecodeFirst(data []byte, v any) (rest []byte, err error)
	Type() CodecType
}

// GetCodec returns the codec for codecType, or nil if no codec is registered for it.
func GetCodec(codecType CodecType) Codec {
	switch codecType {
	case CodecTypeCBOR:
		return defaultCBOR
	default:
		return nil
	}
}
