// internal/ble/protocol/chunk.go
package protocol

// DefaultMTU is the ATT MTU every BLE link starts with.
const DefaultMTU = 23

// MinChunkSize is the floor for a chunk: the payload of a default-MTU write.
const MinChunkSize = DefaultMTU - DefaultChunkOverhead

// MaxChunk returns the number of payload bytes per write for a negotiated
// mtu after reserving overhead bytes of framing. Never less than MinChunkSize.
func MaxChunk(mtu, overhead int) int {
	return max(MinChunkSize, mtu-overhead)
}

// Split cuts payload into consecutive chunks of at most MaxChunk(mtu, overhead)
// bytes. Only the last chunk may be shorter. Returns nil for an empty payload.
// Chunks share payload's backing array.
func Split(payload []byte, mtu, overhead int) [][]byte {
	if len(payload) == 0 {
		return nil
	}
	size := MaxChunk(mtu, overhead)
	chunks := make([][]byte, 0, (len(payload)+size-1)/size)
	for off := 0; off < len(payload); {
		n := min(size, len(payload)-off)
		chunks = append(chunks, payload[off:off+n:off+n])
		off += n
	}
	return chunks
}
