// Package handshake drives one OpenSecureChannel exchange — Issue or
// Renew — over an already-connected transport.Stream. It owns the
// request/response mechanics (encode, write, read, assemble, decode,
// validate, derive keys) and hands the result back for the caller to
// install; it holds no channel state of its own, so the same
// Controller instance can be reused across reconnects and renewals.
//
// Grounded on core/cryptoops/handshaker.go's ClientHandshake: ordered
// message exchange, context-derived deadline propagation, wrapped
// sentinel errors on every failure path.
package handshake

import (
	"context"
	"encoding/binary"
	"fmt"
	"time"

	"github.com/gosuda/opcua-secure-channel/internal/bufpool"
	"github.com/gosuda/opcua-secure-channel/securechannel/assembler"
	"github.com/gosuda/opcua-secure-channel/securechannel/chunk"
	"github.com/gosuda/opcua-secure-channel/securechannel/codec"
	"github.com/gosuda/opcua-secure-channel/securechannel/common"
	"github.com/gosuda/opcua-secure-channel/securechannel/keys"
	"github.com/gosuda/opcua-secure-channel/securechannel/transport"
)

// Params is the caller-supplied input to one Issue/Renew exchange.
type Params struct {
	RequestType       common.RequestType
	SecurityMode      common.MessageSecurityMode
	RequestedLifetime time.Duration
	ClientNonce       []byte
}

// Result is everything the caller needs to install a new
// ChannelSecurityToken after a successful exchange.
type Result struct {
	ChannelID           uint32
	TokenID             uint32
	RevisedLifetime     time.Duration
	Keys                keys.SymmetricKeyPair
	ServerNonce         []byte
	ServerProtocolVersion uint32
}

// Controller runs the wire mechanics of one OpenSecureChannel
// exchange. It is stateless across calls other than the fields below,
// all of which are fixed configuration.
type Controller struct {
	Stream    transport.Stream
	Encoder   codec.ChunkEncoder
	Decoder   codec.ChunkDecoder
	Validator codec.CertificateValidator

	MaxChunkSize  int
	MaxChunkCount int
}

// Run performs one Issue or Renew exchange: it encodes and sends an
// OpenSecureChannelRequest, waits for the matching response within
// common.HandshakeTimeout (counted from this call, not from channel
// construction), validates the server's certificate when the
// policy is not None, and derives the new token's symmetric keys.
func (c *Controller) Run(ctx context.Context, view codec.ChannelView, requestID uint32, p Params) (*Result, error) {
	ctx, cancel := context.WithTimeout(ctx, common.HandshakeTimeout)
	defer cancel()

	if deadline, ok := ctx.Deadline(); ok {
		if err := c.Stream.SetDeadline(deadline); err != nil {
			return nil, fmt.Errorf("handshake: set deadline: %w", err)
		}
		defer c.Stream.SetDeadline(time.Time{})
	}

	reqBody := encodeOpenRequest(p)
	chunks, err := c.Encoder.EncodeAsymmetric(view, requestID, reqBody, common.MessageTypeOpen)
	if err != nil {
		return nil, fmt.Errorf("handshake: encode request: %w", err)
	}
	var wire []byte
	for _, raw := range chunks {
		wire = append(wire, raw...)
	}
	if _, err := c.Stream.Write(wire); err != nil {
		return nil, fmt.Errorf("handshake: write request: %w", err)
	}

	assembled, err := c.readOneMessage(ctx)
	if err != nil {
		return nil, fmt.Errorf("handshake: read response: %w", err)
	}

	result, err := c.Decoder.DecodeAsymmetric(view, assembled)
	if err != nil {
		return nil, fmt.Errorf("handshake: decode response: %w", err)
	}
	if result.Aborted {
		return nil, &common.AbortError{Status: result.Status, Reason: result.Reason}
	}

	if view.SecurityPolicy() != common.SecurityPolicyNone {
		if c.Validator == nil {
			return nil, fmt.Errorf("handshake: %w: no certificate validator configured", common.BadSecurityChecksFailed)
		}
		if err := c.Validator.Validate(result.SenderCertificate); err != nil {
			return nil, fmt.Errorf("handshake: %w", err)
		}
		if err := c.Validator.VerifyTrustChain([][]byte{result.SenderCertificate}); err != nil {
			return nil, fmt.Errorf("handshake: %w", err)
		}
	}

	respBody, ok := result.Message.([]byte)
	if !ok {
		return nil, fmt.Errorf("handshake: unexpected response message type %T", result.Message)
	}
	resp, err := decodeOpenResponse(respBody)
	if err != nil {
		return nil, fmt.Errorf("handshake: %w", err)
	}

	if resp.ServerProtocolVersion < common.ProtocolVersion {
		return nil, fmt.Errorf("handshake: %w: server reports %d, client compiled %d",
			common.BadProtocolVersionUnsupported, resp.ServerProtocolVersion, common.ProtocolVersion)
	}

	label := "issue"
	if p.RequestType == common.RequestTypeRenew {
		label = "renew"
	}
	symKeys := keys.Derive(p.ClientNonce, resp.ServerNonce, label)

	return &Result{
		ChannelID:             resp.ChannelID,
		TokenID:               resp.TokenID,
		RevisedLifetime:       resp.RevisedLifetime,
		Keys:                  symKeys,
		ServerNonce:           resp.ServerNonce,
		ServerProtocolVersion: resp.ServerProtocolVersion,
	}, nil
}

// readOneMessage reads chunks off c.Stream until one logical message
// (final or abort chunk) is assembled.
func (c *Controller) readOneMessage(ctx context.Context) ([][]byte, error) {
	fr := chunk.NewFrameReader()
	asm := assembler.New(assembler.Limits{MaxChunkSize: c.MaxChunkSize, MaxChunkCount: c.MaxChunkCount})
	readBuf := make([]byte, 4096)

	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		n, err := c.Stream.Read(readBuf)
		if n > 0 {
			fr.Feed(readBuf[:n])
		}
		if err != nil {
			return nil, err
		}

		for {
			raw, ok, ferr := fr.Next()
			if ferr != nil {
				return nil, ferr
			}
			if !ok {
				break
			}
			complete, chunks, aerr := asm.Add(raw)
			if aerr != nil {
				return nil, aerr
			}
			if complete {
				bufs := make([][]byte, len(chunks))
				for i, b := range chunks {
					bufs[i] = append([]byte(nil), b.B...)
				}
				for _, b := range chunks {
					bufpool.Release(b)
				}
				return bufs, nil
			}
		}
	}
}

// --- minimal OpenSecureChannelRequest/Response wire structs ---
//
// These carry only the fields this controller needs to drive the
// handshake (request type, security mode, lifetime, nonces, the
// revised token and channel ids, protocol version) — not a general
// Service message, which is why they are hand-rolled here rather than
// routed through codec.MessageCodec.

func encodeOpenRequest(p Params) []byte {
	buf := make([]byte, 4+4+4+4+len(p.ClientNonce))
	binary.LittleEndian.PutUint32(buf[0:4], uint32(p.RequestType))
	binary.LittleEndian.PutUint32(buf[4:8], uint32(p.SecurityMode))
	binary.LittleEndian.PutUint32(buf[8:12], uint32(p.RequestedLifetime/time.Millisecond))
	binary.LittleEndian.PutUint32(buf[12:16], uint32(len(p.ClientNonce)))
	copy(buf[16:], p.ClientNonce)
	return buf
}

type openResponse struct {
	ServerProtocolVersion uint32
	ChannelID             uint32
	TokenID               uint32
	RevisedLifetime       time.Duration
	ServerNonce           []byte
}

func decodeOpenResponse(b []byte) (openResponse, error) {
	const fixed = 4 + 4 + 4 + 4 + 4
	if len(b) < fixed {
		return openResponse{}, fmt.Errorf("short open response: %d bytes", len(b))
	}
	resp := openResponse{
		ServerProtocolVersion: binary.LittleEndian.Uint32(b[0:4]),
		ChannelID:             binary.LittleEndian.Uint32(b[4:8]),
		TokenID:               binary.LittleEndian.Uint32(b[8:12]),
		RevisedLifetime:       time.Duration(binary.LittleEndian.Uint32(b[12:16])) * time.Millisecond,
	}
	nonceLen := int(binary.LittleEndian.Uint32(b[16:20]))
	if len(b) < fixed+nonceLen {
		return openResponse{}, fmt.Errorf("short open response nonce: want %d have %d", nonceLen, len(b)-fixed)
	}
	resp.ServerNonce = append([]byte(nil), b[fixed:fixed+nonceLen]...)
	return resp, nil
}
