// Package protocol describes how text is framed and where it is written for a
// family of BLE peripherals, and splits framed payloads into link-sized chunks.
package protocol

import (
	"fmt"
	"strconv"
	"strings"

	"tinygo.org/x/bluetooth"
)

// Nordic UART Service UUIDs.
const (
	NUSServiceUUID = "6e400001-b5a3-f393-e0a9-e50e24dcca9e"
	NUSTXCharUUID  = "6e400002-b5a3-f393-e0a9-e50e24dcca9e"
)

// DefaultChunkOverhead is the ATT write header (opcode + handle).
const DefaultChunkOverhead = 3

// Config is an immutable descriptor of a peripheral family's text protocol.
// A zero bluetooth.UUID means the identifier is not known and resolution
// falls back to searching the discovered service tree.
type Config struct {
	ServiceUUID          bluetooth.UUID
	WriteCharUUID        bluetooth.UUID
	ChunkOverhead        int
	WriteWithoutResponse bool
	Encoding             Encoding
	LengthHeader         bool
}

var (
	// NUS targets peripherals exposing the Nordic UART Service.
	NUS = Config{
		ServiceUUID:          MustParseUUID(NUSServiceUUID),
		WriteCharUUID:        MustParseUUID(NUSTXCharUUID),
		ChunkOverhead:        DefaultChunkOverhead,
		WriteWithoutResponse: true,
		Encoding:             UTF8,
	}

	// Wildcard defers endpoint selection entirely to the fallback search.
	Wildcard = Config{
		ChunkOverhead:        DefaultChunkOverhead,
		WriteWithoutResponse: true,
		Encoding:             UTF8,
	}
)

// Lookup returns the preset registered under name ("nus" or "wildcard").
func Lookup(name string) (Config, bool) {
	switch strings.ToLower(name) {
	case "nus":
		return NUS, true
	case "wildcard":
		return Wildcard, true
	}
	return Config{}, false
}

// HasService reports whether a target service UUID is set.
func (c Config) HasService() bool {
	return c.ServiceUUID != bluetooth.UUID{}
}

// HasWriteChar reports whether a target characteristic UUID is set.
func (c Config) HasWriteChar() bool {
	return c.WriteCharUUID != bluetooth.UUID{}
}

// Validate checks the invariants of a Config.
func (c Config) Validate() error {
	if c.ChunkOverhead < 0 {
		return fmt.Errorf("protocol: chunk overhead must be >= 0, got %d", c.ChunkOverhead)
	}
	if !c.Encoding.valid() {
		return fmt.Errorf("protocol: unknown encoding %d", c.Encoding)
	}
	return nil
}

// ParseUUID parses a UUID in either 16-bit ("180f") or 128-bit form. An empty
// string yields the zero UUID.
func ParseUUID(s string) (bluetooth.UUID, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return bluetooth.UUID{}, nil
	}
	if len(s) == 4 {
		v, err := strconv.ParseUint(s, 16, 16)
		if err != nil {
			return bluetooth.UUID{}, fmt.Errorf("protocol: parse uuid %q: %w", s, err)
		}
		return bluetooth.New16BitUUID(uint16(v)), nil
	}
	u, err := bluetooth.ParseUUID(strings.ToLower(s))
	if err != nil {
		return bluetooth.UUID{}, fmt.Errorf("protocol: parse uuid %q: %w", s, err)
	}
	return u, nil
}

// MustParseUUID is like ParseUUID but panics on error.
func MustParseUUID(s string) bluetooth.UUID {
	u, err := ParseUUID(s)
	if err != nil {
		panic(err)
	}
	return u
}
