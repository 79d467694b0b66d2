package protocol

import (
	"fmt"
	"strings"

	"golang.org/x/text/encoding"
	"golang.org/x/text/encoding/charmap"
	"golang.org/x/text/encoding/unicode"
)

// Encoding selects how text is serialized before framing.
type Encoding uint8

const (
	UTF8 Encoding = iota
	UTF16
	UTF16BE
	UTF16LE
	ISO88591
)

var encodingNames = [...]string{
	UTF8:     "utf-8",
	UTF16:    "utf-16",
	UTF16BE:  "utf-16be",
	UTF16LE:  "utf-16le",
	ISO88591: "iso-8859-1",
}

func (e Encoding) String() string {
	if !e.valid() {
		return fmt.Sprintf("Encoding(%d)", uint8(e))
	}
	return encodingNames[e]
}

func (e Encoding) valid() bool {
	return int(e) < len(encodingNames)
}

// ParseEncoding maps a charset name to an Encoding. An empty name is UTF-8.
func ParseEncoding(name string) (Encoding, error) {
	n := strings.ToLower(strings.TrimSpace(name))
	switch n {
	case "", "utf8":
		return UTF8, nil
	case "utf16":
		return UTF16, nil
	case "latin1", "latin-1", "iso8859-1":
		return ISO88591, nil
	}
	for i, s := range encodingNames {
		if s == n {
			return Encoding(i), nil
		}
	}
	return 0, fmt.Errorf("protocol: unknown encoding %q", name)
}

// encoding returns the x/text encoding. UTF16 writes a big-endian byte order
// mark.
func (e Encoding) encoding() encoding.Encoding {
	switch e {
	case UTF16:
		return unicode.UTF16(unicode.BigEndian, unicode.UseBOM)
	case UTF16BE:
		return unicode.UTF16(unicode.BigEndian, unicode.IgnoreBOM)
	case UTF16LE:
		return unicode.UTF16(unicode.LittleEndian, unicode.IgnoreBOM)
	case ISO88591:
		return charmap.ISO8859_1
	default:
		return unicode.UTF8
	}
}

// Encode serializes text. Runes the charset cannot represent are an error.
func (e Encoding) Encode(text string) ([]byte, error) {
	if !e.valid() {
		return nil, fmt.Errorf("protocol: unknown encoding %d", e)
	}
	if e == UTF8 {
		return []byte(text), nil
	}
	b, err := e.encoding().NewEncoder().Bytes([]byte(text))
	if err != nil {
		return nil, fmt.Errorf("protocol: encode text as %s: %w", e, err)
	}
	return b, nil
}
