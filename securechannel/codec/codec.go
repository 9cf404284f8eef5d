// Package codec defines the pluggable collaborator interfaces the
// secure channel core invokes — certificate validation, structured
// message (de)serialization, and chunk encode/decode — plus a
// reference implementation exercising golang.org/x/crypto.
//
// ChannelView decouples these interfaces from package securechannel
// (which depends on codec, not the reverse) by exposing only the
// slice of channel state a chunk encoder/decoder needs.
package codec

import (
	"github.com/gosuda/opcua-secure-channel/securechannel/common"
	"github.com/gosuda/opcua-secure-channel/securechannel/keys"
)

// TokenKeys pairs a security token id with its derived symmetric keys.
type TokenKeys struct {
	TokenID uint32
	Keys    keys.SymmetricKeyPair
}

// ChannelView is the read-only slice of secure channel state a
// ChunkEncoder/ChunkDecoder needs.
type ChannelView interface {
	ChannelID() uint32
	CurrentToken() TokenKeys
	PreviousToken() (TokenKeys, bool)
	LocalNonce() []byte
	RemoteNonce() []byte
	LocalCertificate() []byte
	RemoteCertificate() []byte
	SecurityPolicy() common.SecurityPolicy
	SecurityMode() common.MessageSecurityMode
}

// CertificateValidator validates a peer certificate and its trust
// chain. Rejection is signaled via a non-nil error; the handshake
// controller aborts on any such failure.
type CertificateValidator interface {
	Validate(cert []byte) error
	VerifyTrustChain(chain [][]byte) error
}

// MessageCodec serializes/deserializes the structured (request and
// response) messages the secure channel core otherwise treats as
// opaque payloads.
type MessageCodec interface {
	WriteMessage(buf []byte, msg any) ([]byte, error)
	ReadMessage(buf []byte) (any, error)
}

// DecodeResult is the Go sum-type replacement for the source's
// three-method decode callback (error / abort / success).
type DecodeResult struct {
	RequestID uint32
	Message   any
	Aborted   bool
	Status    common.StatusCode
	Reason    string

	// SenderCertificate is populated by DecodeAsymmetric only, from the
	// AsymmetricSecurityHeader carried in OPN chunks. The handshake
	// controller passes it to a CertificateValidator when the
	// negotiated policy is not None.
	SenderCertificate []byte
}

// ChunkEncoder produces an ordered list of chunk buffers for one
// logical outbound message.
type ChunkEncoder interface {
	// EncodeAsymmetric protects payload using the channel's
	// certificates (OpenSecureChannel requests/responses only).
	EncodeAsymmetric(view ChannelView, requestID uint32, payload []byte, msgType string) ([][]byte, error)
	// EncodeSymmetric protects payload using the channel's current
	// security token keys.
	EncodeSymmetric(view ChannelView, requestID uint32, payload []byte, msgType string) ([][]byte, error)
}

// ChunkDecoder recovers a logical message from its accumulated chunks.
type ChunkDecoder interface {
	DecodeAsymmetric(view ChannelView, chunks [][]byte) (DecodeResult, error)
	DecodeSymmetric(view ChannelView, chunks [][]byte) (DecodeResult, error)
}
