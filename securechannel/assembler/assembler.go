// Package assembler groups chunks belonging to one logical message
// and enforces the negotiated per-chunk and per-message size limits.
// Grounded on the reject-before-allocate discipline of
// corev2/serdes.Packet and the pooled-buffer ownership of
// utils/pool.Buffer64K.
package assembler

import (
	"github.com/gosuda/opcua-secure-channel/internal/bufpool"
	"github.com/gosuda/opcua-secure-channel/securechannel/chunk"
	"github.com/gosuda/opcua-secure-channel/securechannel/common"
)

// Limits are the negotiated parameters that bound chunk accumulation.
type Limits struct {
	// MaxChunkSize is local_receive_buffer_size: the maximum size of a
	// single chunk, in bytes.
	MaxChunkSize int
	// MaxChunkCount is local_max_chunk_count: the maximum number of
	// chunks per logical message. 0 means unlimited.
	MaxChunkCount int
}

// Assembler accumulates chunks for one channel. A channel has at most
// one logical message in flight at a time (OPC UA chunks of one
// message always arrive contiguously), so a single ordered list
// suffices.
type Assembler struct {
	limits Limits
	chunks []*bufpool.Buffer
}

// New returns an Assembler bound to the given limits.
func New(limits Limits) *Assembler {
	return &Assembler{limits: limits}
}

// Pending reports whether a partially-assembled message is in flight.
func (a *Assembler) Pending() bool { return len(a.chunks) > 0 }

// Add appends one chunk's raw bytes to the in-flight message. If the
// chunk type is Final or Abort, the accumulated list is returned
// (complete=true) and the assembler resets to empty. Ownership of the
// returned buffers transfers to the caller, who must release each one
// after decoding.
//
// On a limit violation, every buffer accumulated so far (including
// the offending one) is released before returning the error, so no
// buffer is ever leaked on this exit path.
func (a *Assembler) Add(raw []byte) (complete bool, chunks []*bufpool.Buffer, err error) {
	if a.limits.MaxChunkSize > 0 && len(raw) > a.limits.MaxChunkSize {
		a.drain()
		return false, nil, common.BadTcpMessageTooLarge
	}

	buf := bufpool.Acquire(len(raw))
	buf.B = append(buf.B, raw...)
	a.chunks = append(a.chunks, buf)

	if a.limits.MaxChunkCount > 0 && len(a.chunks) > a.limits.MaxChunkCount {
		a.drain()
		return false, nil, common.BadTcpMessageTooLarge
	}

	h, err := chunk.ParseHeader(raw)
	if err != nil {
		a.drain()
		return false, nil, err
	}

	if h.ChunkType == chunk.Final || h.ChunkType == chunk.Abort {
		out := a.chunks
		a.chunks = nil
		return true, out, nil
	}

	return false, nil, nil
}

// Reset releases all currently accumulated buffers without completing
// a message. Used on transport-inactive / exception-caught paths.
func (a *Assembler) Reset() {
	a.drain()
}

func (a *Assembler) drain() {
	for _, b := range a.chunks {
		bufpool.Release(b)
	}
	a.chunks = nil
}
