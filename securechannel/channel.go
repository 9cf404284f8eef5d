// Package securechannel implements an OPC UA TCP secure channel
// client: chunk framing, the OpenSecureChannel Issue/Renew handshake,
// symmetric message exchange keyed to rotating security tokens, and
// the close sequence. Grounded on portal/session_v2.go's
// SessionManagerV2 (explicit lifecycle, RWMutex-guarded state) and
// core/cryptoops/handshaker.go's SecureConnection (mutex-guarded
// fields, sync.Once-guarded idempotent close).
package securechannel

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/gosuda/opcua-secure-channel/internal/bufpool"
	"github.com/gosuda/opcua-secure-channel/internal/randpool"
	"github.com/gosuda/opcua-secure-channel/securechannel/assembler"
	"github.com/gosuda/opcua-secure-channel/securechannel/chunk"
	"github.com/gosuda/opcua-secure-channel/securechannel/codec"
	"github.com/gosuda/opcua-secure-channel/securechannel/common"
	"github.com/gosuda/opcua-secure-channel/securechannel/handshake"
	"github.com/gosuda/opcua-secure-channel/securechannel/keys"
	"github.com/gosuda/opcua-secure-channel/securechannel/mux"
	"github.com/gosuda/opcua-secure-channel/securechannel/transport"
)

// token is one installed ChannelSecurityToken plus its derived keys.
type token struct {
	id        uint32
	keys      keys.SymmetricKeyPair
	createdAt time.Time
	lifetime  time.Duration
}

// Config configures a new Channel.
type Config struct {
	Stream    transport.Stream
	Encoder   codec.ChunkEncoder
	Decoder   codec.ChunkDecoder
	Validator codec.CertificateValidator

	SecurityPolicy    common.SecurityPolicy
	SecurityMode      common.MessageSecurityMode
	RequestedLifetime time.Duration

	LocalCertificate  []byte
	RemoteCertificate []byte

	MaxChunkSize  int
	MaxChunkCount int

	// Context holds the pending-request table and request-id counter.
	// If nil, a fresh one is created; pass the same Context across
	// reconnects on one logical channel so request ids keep increasing
	// across them. Closing a Channel, or losing its transport, fails
	// every request still pending in the table.
	Context *Context
}

// Channel is one OPC UA TCP secure channel. A Channel is safe for
// concurrent use: Send may be called from multiple goroutines while a
// background goroutine drives the read loop and renewal.
type Channel struct {
	cfg Config

	mu          sync.RWMutex
	channelID   uint32
	current     *token
	previous    *token
	localNonce  []byte
	remoteNonce []byte

	state atomic.Int32

	ctx        *Context
	renewTimer *time.Timer

	closeOnce sync.Once
	closed    chan struct{}
}

// New constructs a Channel in the CLOSED state. Call Open to perform
// the initial Issue handshake.
func New(cfg Config) *Channel {
	chCtx := cfg.Context
	if chCtx == nil {
		chCtx = NewContext()
	}
	c := &Channel{
		cfg:    cfg,
		ctx:    chCtx,
		closed: make(chan struct{}),
	}
	c.state.Store(int32(StateClosed))
	return c
}

// State reports the channel's current lifecycle state.
func (c *Channel) State() State { return State(c.state.Load()) }

// Status is a snapshot of channel state for the observability surface.
type Status struct {
	State         string
	ChannelID     uint32
	TokenID       uint32
	TokenCreated  time.Time
	TokenLifetime time.Duration
	PendingCount  int
}

// Status snapshots the channel's current state for /status.
func (c *Channel) Status() Status {
	c.mu.RLock()
	defer c.mu.RUnlock()

	s := Status{State: c.State().String(), ChannelID: c.channelID, PendingCount: c.ctx.Table.Len()}
	if c.current != nil {
		s.TokenID = c.current.id
		s.TokenCreated = c.current.createdAt
		s.TokenLifetime = c.current.lifetime
	}
	return s
}

// --- codec.ChannelView ---

func (c *Channel) ChannelID() uint32 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.channelID
}

func (c *Channel) CurrentToken() codec.TokenKeys {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.current == nil {
		return codec.TokenKeys{}
	}
	return codec.TokenKeys{TokenID: c.current.id, Keys: c.current.keys}
}

func (c *Channel) PreviousToken() (codec.TokenKeys, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.previous == nil {
		return codec.TokenKeys{}, false
	}
	return codec.TokenKeys{TokenID: c.previous.id, Keys: c.previous.keys}, true
}

func (c *Channel) LocalNonce() []byte {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.localNonce
}

func (c *Channel) RemoteNonce() []byte {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.remoteNonce
}

func (c *Channel) LocalCertificate() []byte               { return c.cfg.LocalCertificate }
func (c *Channel) RemoteCertificate() []byte              { return c.cfg.RemoteCertificate }
func (c *Channel) SecurityPolicy() common.SecurityPolicy  { return c.cfg.SecurityPolicy }
func (c *Channel) SecurityMode() common.MessageSecurityMode { return c.cfg.SecurityMode }

// --- public API ---

// Open performs the initial OpenSecureChannel Issue handshake and, on
// success, starts the background read loop and schedules renewal.
func (c *Channel) Open(ctx context.Context) error {
	if !c.state.CompareAndSwap(int32(StateClosed), int32(StateOpening)) {
		return common.ErrHandshakeInFlight
	}

	result, err := c.runHandshake(ctx, common.RequestTypeIssue)
	if err != nil {
		c.state.Store(int32(StateClosed))
		_ = c.cfg.Stream.Close()
		return err
	}

	c.mu.Lock()
	c.channelID = result.ChannelID
	c.current = &token{id: result.TokenID, keys: result.Keys, createdAt: time.Now(), lifetime: result.RevisedLifetime}
	c.previous = nil
	c.remoteNonce = result.ServerNonce
	c.mu.Unlock()

	c.state.Store(int32(StateOpen))
	c.scheduleRenewal(result.RevisedLifetime)
	go c.readLoop()

	log.Info().Uint32("channel_id", result.ChannelID).Uint32("token_id", result.TokenID).
		Dur("lifetime", result.RevisedLifetime).Msg("[securechannel] opened")
	return nil
}

// renew performs an OpenSecureChannel Renew handshake, installing the
// new token as current and demoting the previous current to previous
// — the prior previous token, if any, is evicted.
func (c *Channel) renew(ctx context.Context) error {
	if !c.state.CompareAndSwap(int32(StateOpen), int32(StateRenewing)) {
		return common.ErrHandshakeInFlight
	}
	defer c.state.CompareAndSwap(int32(StateRenewing), int32(StateOpen))

	result, err := c.runHandshake(ctx, common.RequestTypeRenew)
	if err != nil {
		log.Error().Err(err).Msg("[securechannel] renew failed")
		return err
	}

	c.mu.Lock()
	c.previous = c.current
	c.current = &token{id: result.TokenID, keys: result.Keys, createdAt: time.Now(), lifetime: result.RevisedLifetime}
	c.remoteNonce = result.ServerNonce
	c.mu.Unlock()

	c.scheduleRenewal(result.RevisedLifetime)
	log.Info().Uint32("channel_id", result.ChannelID).Uint32("token_id", result.TokenID).
		Dur("lifetime", result.RevisedLifetime).Msg("[securechannel] renewed")
	return nil
}

func (c *Channel) runHandshake(ctx context.Context, reqType common.RequestType) (*handshake.Result, error) {
	nonce := randpool.Nonce()
	c.mu.Lock()
	c.localNonce = nonce
	c.mu.Unlock()

	requestID, err := c.ctx.Table.NextRequestID()
	if err != nil {
		return nil, err
	}

	ctrl := &handshake.Controller{
		Stream:        c.cfg.Stream,
		Encoder:       c.cfg.Encoder,
		Decoder:       c.cfg.Decoder,
		Validator:     c.cfg.Validator,
		MaxChunkSize:  c.cfg.MaxChunkSize,
		MaxChunkCount: c.cfg.MaxChunkCount,
	}
	return ctrl.Run(ctx, c, requestID, handshake.Params{
		RequestType:       reqType,
		SecurityMode:      c.cfg.SecurityMode,
		RequestedLifetime: c.cfg.RequestedLifetime,
		ClientNonce:       nonce,
	})
}

// scheduleRenewal arms a timer at RenewalFraction of the revised
// token lifetime. A zero lifetime means the server granted no
// automatic renewal window; this is logged and no timer is armed,
// matching the source's behavior for that edge case.
func (c *Channel) scheduleRenewal(lifetime time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.renewTimer != nil {
		c.renewTimer.Stop()
		c.renewTimer = nil
	}
	if lifetime <= 0 {
		log.Warn().Msg("[securechannel] revised token lifetime is zero; renewal not scheduled")
		return
	}
	delay := time.Duration(float64(lifetime) * common.RenewalFraction)
	c.renewTimer = time.AfterFunc(delay, func() {
		ctx, cancel := context.WithTimeout(context.Background(), common.HandshakeTimeout)
		defer cancel()
		if err := c.renew(ctx); err != nil {
			log.Error().Err(err).Msg("[securechannel] scheduled renewal failed")
		}
	})
}

// Send encodes payload as a symmetric MSG request, writes it, and
// blocks until the matching response, service fault, abort, or ctx
// cancellation.
func (c *Channel) Send(ctx context.Context, payload []byte) ([]byte, error) {
	if c.State() != StateOpen && c.State() != StateRenewing {
		return nil, common.ErrChannelClosed
	}

	requestID, err := c.ctx.Table.NextRequestID()
	if err != nil {
		return nil, err
	}

	chunks, err := c.cfg.Encoder.EncodeSymmetric(c, requestID, payload, common.MessageTypeMsg)
	if err != nil {
		return nil, fmt.Errorf("securechannel: encode: %w", err)
	}

	pending := c.ctx.Table.Register(requestID)
	var wire []byte
	for _, raw := range chunks {
		wire = append(wire, raw...)
	}
	if _, err := c.cfg.Stream.Write(wire); err != nil {
		c.ctx.Table.Cancel(requestID, err)
		return nil, fmt.Errorf("securechannel: write: %w", err)
	}

	outCh := make(chan mux.Outcome, 1)
	go func() { outCh <- pending.Wait() }()

	select {
	case out := <-outCh:
		if out.Err != nil {
			return nil, out.Err
		}
		if out.Abort != nil {
			return nil, out.Abort
		}
		if out.Fault != nil {
			return nil, out.Fault
		}
		body, _ := out.Response.([]byte)
		return body, nil
	case <-ctx.Done():
		c.ctx.Table.Cancel(requestID, ctx.Err())
		return nil, ctx.Err()
	case <-c.closed:
		c.ctx.Table.Cancel(requestID, common.ErrChannelClosed)
		return nil, common.ErrChannelClosed
	}
}

// readLoop reads chunks off the transport, assembles logical
// messages, decodes them, and routes the result to the waiting
// pending request. It runs until the stream returns an error, at
// which point every pending request fails with Bad_ConnectionClosed.
func (c *Channel) readLoop() {
	fr := chunk.NewFrameReader()
	asm := assembler.New(assembler.Limits{MaxChunkSize: c.cfg.MaxChunkSize, MaxChunkCount: c.cfg.MaxChunkCount})
	buf := make([]byte, 4096)

	for {
		n, err := c.cfg.Stream.Read(buf)
		if n > 0 {
			fr.Feed(buf[:n])
		}
		if err != nil {
			c.onTransportInactive(asm)
			return
		}

		for {
			raw, ok, ferr := fr.Next()
			if ferr != nil {
				log.Warn().Err(ferr).Msg("[securechannel] malformed chunk, closing")
				c.onTransportInactive(asm)
				return
			}
			if !ok {
				break
			}
			complete, chunks, aerr := asm.Add(raw)
			if aerr != nil {
				log.Warn().Err(aerr).Msg("[securechannel] chunk assembly error, closing")
				c.onTransportInactive(asm)
				return
			}
			if !complete {
				continue
			}

			payload := make([][]byte, len(chunks))
			for i, b := range chunks {
				payload[i] = append([]byte(nil), b.B...)
			}
			releaseAll(chunks)

			result, derr := c.cfg.Decoder.DecodeSymmetric(c, payload)
			if derr != nil {
				log.Warn().Err(derr).Msg("[securechannel] decode/security error, closing")
				c.onTransportInactive(asm)
				return
			}
			c.dispatch(result)
		}
	}
}

func (c *Channel) dispatch(result codec.DecodeResult) {
	switch {
	case result.Aborted:
		if !c.ctx.Table.CompleteAbort(result.RequestID, &common.AbortError{Status: result.Status, Reason: result.Reason}) {
			log.Warn().Uint32("request_id", result.RequestID).Msg("[securechannel] abort for unknown/expired request")
		}
	case result.Status != common.Good:
		if !c.ctx.Table.CompleteFault(result.RequestID, &common.ServiceFault{Status: result.Status}) {
			log.Warn().Uint32("request_id", result.RequestID).Msg("[securechannel] fault for unknown/expired request")
		}
	default:
		body, _ := result.Message.([]byte)
		if !c.ctx.Table.CompleteResponse(result.RequestID, body) {
			log.Warn().Uint32("request_id", result.RequestID).Msg("[securechannel] response for unknown/expired request")
		}
	}
}

// onTransportInactive tears down the channel after a read error,
// framing error, or security error on the read side: it stops the
// renewal timer, fails every pending request, closes the transport,
// and marks the channel closed. Shares closeOnce with Close so a
// concurrent caller-initiated Close does not double-close the stream.
func (c *Channel) onTransportInactive(asm *assembler.Assembler) {
	asm.Reset()
	c.closeOnce.Do(func() {
		c.state.Store(int32(StateClosing))
		close(c.closed)

		c.mu.Lock()
		if c.renewTimer != nil {
			c.renewTimer.Stop()
		}
		c.channelID = 0
		c.current = nil
		c.previous = nil
		c.mu.Unlock()

		c.ctx.Table.FailAll(common.BadConnectionClosed)
		_ = c.cfg.Stream.Close()
		c.state.Store(int32(StateClosed))
	})
}

func releaseAll(chunks []*bufpool.Buffer) {
	for _, b := range chunks {
		bufpool.Release(b)
	}
}

// Close performs the channel close sequence: best-effort send of a
// CloseSecureChannelRequest, cancel the renewal timer, fail every
// pending request with ErrChannelClosed, zero the channel id, and
// close the underlying transport. Safe to call more than once.
func (c *Channel) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.state.Store(int32(StateClosing))
		close(c.closed)

		c.mu.Lock()
		if c.renewTimer != nil {
			c.renewTimer.Stop()
		}
		c.mu.Unlock()

		c.mu.RLock()
		hasToken := c.current != nil
		c.mu.RUnlock()

		if hasToken {
			if requestID, idErr := c.ctx.Table.NextRequestID(); idErr == nil {
				if chunks, encErr := c.cfg.Encoder.EncodeSymmetric(c, requestID, nil, common.MessageTypeClose); encErr == nil {
					var wire []byte
					for _, raw := range chunks {
						wire = append(wire, raw...)
					}
					_, _ = c.cfg.Stream.Write(wire)
				}
			}
		}

		c.ctx.Table.FailAll(common.ErrChannelClosed)

		c.mu.Lock()
		c.channelID = 0
		c.current = nil
		c.previous = nil
		c.mu.Unlock()

		err = c.cfg.Stream.Close()
		c.state.Store(int32(StateClosed))
	})
	return err
}
