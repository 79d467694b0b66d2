package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// LengthHeaderSize is the size of the optional big-endian length prefix.
const LengthHeaderSize = 2

// ErrPayloadTooLarge is returned when an encoded payload does not fit the
// 16-bit length header.
var ErrPayloadTooLarge = errors.New("protocol: payload too large for length header")

// Prepare encodes text per cfg and, if cfg.LengthHeader is set, prefixes the
// encoded length as a 2-byte big-endian integer.
func Prepare(text string, cfg Config) ([]byte, error) {
	body, err := cfg.Encoding.Encode(text)
	if err != nil {
		return nil, err
	}
	if !cfg.LengthHeader {
		return body, nil
	}
	if len(body) > 0xFFFF {
		return nil, fmt.Errorf("%w: %d bytes", ErrPayloadTooLarge, len(body))
	}
	buf := make([]byte, LengthHeaderSize, LengthHeaderSize+len(body))
	binary.BigEndian.PutUint16(buf, uint16(len(body)))
	return append(buf, body...), nil
}
