// Package mux allocates monotonic request ids and tracks pending
// requests awaiting a response. Grounded on portal/session_v2.go's
// SessionManagerV2 (RWMutex-guarded map keyed by id, explicit
// add/remove/stats accessors), adapted from session-ID-keyed sessions
// to request-ID-keyed pending futures.
package mux

import (
	"math"
	"sync"
	"sync/atomic"

	"github.com/gosuda/opcua-secure-channel/securechannel/common"
)

// Outcome is the terminal result delivered to a pending request's
// waiter: exactly one of Response, Fault, Abort or Err is set.
type Outcome struct {
	Response any
	Fault    *common.ServiceFault
	Abort    *common.AbortError
	Err      error
}

// Pending is one in-flight request awaiting completion.
type Pending struct {
	RequestID uint32
	done      chan Outcome
}

// Wait blocks until the request completes, exactly once.
func (p *Pending) Wait() Outcome {
	return <-p.done
}

// Table is the pending-request table plus the request-id counter. It
// is attached to a SecureChannelContext (see securechannel.Context)
// rather than to any one Channel instance, so it survives reconnects
// on the same logical channel.
type Table struct {
	counter atomic.Uint32

	mu      sync.RWMutex
	pending map[uint32]*Pending
}

// NewTable returns an empty Table with its request-id counter starting
// such that the first allocated id is 1.
func NewTable() *Table {
	return &Table{pending: make(map[uint32]*Pending)}
}

// NextRequestID allocates the next strictly-increasing request id.
// Wraparound is disallowed: once the counter reaches math.MaxUint32,
// further allocation is a fatal channel error.
func (t *Table) NextRequestID() (uint32, error) {
	for {
		cur := t.counter.Load()
		if cur == math.MaxUint32 {
			// The counter stays at MaxUint32, so every later call fails too.
			return 0, common.ErrRequestIDOverflow
		}
		if t.counter.CompareAndSwap(cur, cur+1) {
			return cur + 1, nil
		}
	}
}

// Register inserts a new pending entry for requestID. It must be
// called only after the request has been successfully chunk-encoded.
func (t *Table) Register(requestID uint32) *Pending {
	p := &Pending{RequestID: requestID, done: make(chan Outcome, 1)}
	t.mu.Lock()
	t.pending[requestID] = p
	t.mu.Unlock()
	return p
}

// complete removes and completes the pending entry for id, if any. It
// reports whether an entry existed — callers log a warning and drop
// the message when it did not (late response after timeout/close, or
// an abort for an id already completed locally).
func (t *Table) complete(id uint32, out Outcome) bool {
	t.mu.Lock()
	p, ok := t.pending[id]
	if ok {
		delete(t.pending, id)
	}
	t.mu.Unlock()
	if !ok {
		return false
	}
	p.done <- out
	return true
}

// CompleteResponse routes a decoded response to its waiter.
func (t *Table) CompleteResponse(id uint32, response any) bool {
	return t.complete(id, Outcome{Response: response})
}

// CompleteFault routes a service fault to its waiter; the channel
// remains open.
func (t *Table) CompleteFault(id uint32, fault *common.ServiceFault) bool {
	return t.complete(id, Outcome{Fault: fault})
}

// CompleteAbort routes an abort-chunk status/reason to its waiter; the
// channel remains open.
func (t *Table) CompleteAbort(id uint32, abortErr *common.AbortError) bool {
	return t.complete(id, Outcome{Abort: abortErr})
}

// Cancel removes id's pending entry (if present) and completes it
// with err, e.g. on local cancellation or an upper-layer timeout. The
// pending-table hook removes the entry regardless of whether a
// response later arrives; such late responses are dropped by
// CompleteResponse/CompleteFault/CompleteAbort returning false.
func (t *Table) Cancel(id uint32, err error) bool {
	return t.complete(id, Outcome{Err: err})
}

// FailAll completes every currently pending entry with err and clears
// the table. Used on transport loss / channel close.
func (t *Table) FailAll(err error) {
	t.mu.Lock()
	pending := t.pending
	t.pending = make(map[uint32]*Pending)
	t.mu.Unlock()

	for _, p := range pending {
		p.done <- Outcome{Err: err}
	}
}

// Len reports the number of currently pending requests.
func (t *Table) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.pending)
}
