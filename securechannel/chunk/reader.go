package chunk

import (
	"encoding/binary"

	"github.com/gosuda/opcua-secure-channel/securechannel/common"
)

// FrameReader accumulates inbound bytes and slices off complete
// chunks as they become available. It does not own the underlying
// connection; callers feed it bytes via Feed and drain chunks via Next.
type FrameReader struct {
	buf []byte
}

// NewFrameReader returns an empty FrameReader.
func NewFrameReader() *FrameReader {
	return &FrameReader{buf: make([]byte, 0, 4096)}
}

// Feed appends newly read bytes to the accumulator.
func (r *FrameReader) Feed(b []byte) {
	r.buf = append(r.buf, b...)
}

// Next returns the next complete chunk's raw bytes, if one is fully
// buffered, and removes it from the accumulator. ok is false when
// fewer than 8 header bytes, or fewer than MessageSize bytes total,
// are currently buffered — the caller should read more and retry.
func (r *FrameReader) Next() (raw []byte, ok bool, err error) {
	if len(r.buf) < common.ChunkHeaderSize {
		return nil, false, nil
	}

	// MessageSize (and MessageType, for dispatch) live in the first 8
	// bytes regardless of message type, so they can always be peeked
	// before the rest of a type-specific header has arrived.
	size := int(binary.LittleEndian.Uint32(r.buf[4:8]))
	if len(r.buf) < size {
		return nil, false, nil
	}

	raw = make([]byte, size)
	copy(raw, r.buf[:size])
	r.buf = append(r.buf[:0], r.buf[size:]...)

	// Validate the message type now that the full chunk is available.
	if _, err := ParseHeader(raw); err != nil {
		return nil, true, err
	}
	return raw, true, nil
}

// PeekMessageType returns the 3-byte ASCII message type of the next
// chunk if at least 8 header bytes are buffered, for dispatch before
// the full chunk has arrived.
func (r *FrameReader) PeekMessageType() (string, bool) {
	if len(r.buf) < common.ChunkHeaderSize {
		return "", false
	}
	return string(r.buf[0:3]), true
}
