// Package chunk implements the OPC UA TCP chunk header: the 8-byte
// fixed prefix shared by every chunk, plus the OPN/MSG/CLO-specific
// fields that follow it.
package chunk

import (
	"encoding/binary"
	"fmt"

	"github.com/gosuda/opcua-secure-channel/securechannel/common"
)

// Type is the chunk type byte: intermediate, final, or abort.
type Type byte

const (
	Intermediate Type = common.ChunkTypeIntermediate
	Final        Type = common.ChunkTypeFinal
	Abort        Type = common.ChunkTypeAbort
)

// Header is the decoded form of a chunk's fixed + OPN/MSG/CLO fields.
// Payload begins at HeaderLen() bytes into the raw chunk.
type Header struct {
	MessageType     string // "OPN" | "MSG" | "CLO" | "ERR"
	ChunkType       Type
	MessageSize     uint32 // total chunk size including header
	SecureChannelID uint32 // OPN/MSG/CLO only
	TokenID         uint32 // MSG/CLO only
}

// HeaderLen returns the number of bytes consumed by the fields this
// type decodes (not including any AsymmetricSecurityHeader / Symmetric
// header that follows, which is codec-specific).
func (h Header) HeaderLen() int {
	switch h.MessageType {
	case common.MessageTypeOpen:
		return common.TokenIDOffset // 12: 8-byte prefix + 4-byte channel id
	case common.MessageTypeMsg, common.MessageTypeClose:
		return common.TokenIDOffset + 4 // 16: + 4-byte token id
	default:
		return common.ChunkHeaderSize
	}
}

// ParseHeader decodes the fixed chunk header from raw bytes. raw must
// contain at least the 8-byte prefix; callers should not invoke this
// until FrameReader has confirmed a full chunk is buffered.
func ParseHeader(raw []byte) (Header, error) {
	if len(raw) < common.ChunkHeaderSize {
		return Header{}, fmt.Errorf("chunk: short header: %d bytes", len(raw))
	}

	h := Header{
		MessageType: string(raw[0:3]),
		ChunkType:   Type(raw[3]),
		MessageSize: binary.LittleEndian.Uint32(raw[4:8]),
	}

	switch h.MessageType {
	case common.MessageTypeOpen:
		if len(raw) < common.TokenIDOffset {
			return Header{}, fmt.Errorf("chunk: short OPN header: %d bytes", len(raw))
		}
		h.SecureChannelID = binary.LittleEndian.Uint32(raw[common.SecureChannelIDOffset:common.TokenIDOffset])
	case common.MessageTypeMsg, common.MessageTypeClose:
		if len(raw) < common.TokenIDOffset+4 {
			return Header{}, fmt.Errorf("chunk: short MSG/CLO header: %d bytes", len(raw))
		}
		h.SecureChannelID = binary.LittleEndian.Uint32(raw[common.SecureChannelIDOffset:common.TokenIDOffset])
		h.TokenID = binary.LittleEndian.Uint32(raw[common.TokenIDOffset : common.TokenIDOffset+4])
	case common.MessageTypeError:
		// No channel/token fields on error chunks.
	default:
		return Header{}, common.BadTcpMessageTypeInvalid
	}

	return h, nil
}

// WriteHeader serializes h's fixed fields into dst, which must be at
// least h.HeaderLen() bytes long.
func WriteHeader(dst []byte, h Header) error {
	if len(dst) < h.HeaderLen() {
		return fmt.Errorf("chunk: dst too small for header: have %d need %d", len(dst), h.HeaderLen())
	}
	copy(dst[0:3], h.MessageType)
	dst[3] = byte(h.ChunkType)
	binary.LittleEndian.PutUint32(dst[4:8], h.MessageSize)

	switch h.MessageType {
	case common.MessageTypeOpen:
		binary.LittleEndian.PutUint32(dst[common.SecureChannelIDOffset:common.TokenIDOffset], h.SecureChannelID)
	case common.MessageTypeMsg, common.MessageTypeClose:
		binary.LittleEndian.PutUint32(dst[common.SecureChannelIDOffset:common.TokenIDOffset], h.SecureChannelID)
		binary.LittleEndian.PutUint32(dst[common.TokenIDOffset:common.TokenIDOffset+4], h.TokenID)
	}
	return nil
}

// AsymmetricSecurityHeader is the variable-length security header
// carried in OPN chunks, following the 12-byte OPN prefix.
type AsymmetricSecurityHeader struct {
	SecurityPolicyURI            string
	SenderCertificate             []byte
	ReceiverCertificateThumbprint []byte
}

// Equal reports whether two headers are bit-identical, as required
// across every chunk of a single OpenSecureChannel message.
func (a AsymmetricSecurityHeader) Equal(b AsymmetricSecurityHeader) bool {
	if a.SecurityPolicyURI != b.SecurityPolicyURI {
		return false
	}
	if string(a.SenderCertificate) != string(b.SenderCertificate) {
		return false
	}
	return string(a.ReceiverCertificateThumbprint) == string(b.ReceiverCertificateThumbprint)
}

// EncodeAsymmetricSecurityHeader encodes the header as three UA
// strings/byte-strings: [4B len + bytes] each, -1 length meaning null.
func EncodeAsymmetricSecurityHeader(h AsymmetricSecurityHeader) []byte {
	size := uaStringSize(len(h.SecurityPolicyURI)) +
		uaStringSize(len(h.SenderCertificate)) +
		uaStringSize(len(h.ReceiverCertificateThumbprint))
	buf := make([]byte, size)
	pos := 0
	pos += putUAString(buf[pos:], []byte(h.SecurityPolicyURI))
	pos += putUAString(buf[pos:], h.SenderCertificate)
	putUAString(buf[pos:], h.ReceiverCertificateThumbprint)
	return buf
}

// DecodeAsymmetricSecurityHeader decodes a header previously encoded
// by EncodeAsymmetricSecurityHeader, returning the number of bytes consumed.
func DecodeAsymmetricSecurityHeader(raw []byte) (AsymmetricSecurityHeader, int, error) {
	var h AsymmetricSecurityHeader
	pos := 0

	uri, n, err := getUAString(raw[pos:])
	if err != nil {
		return h, 0, fmt.Errorf("chunk: security policy uri: %w", err)
	}
	h.SecurityPolicyURI = string(uri)
	pos += n

	cert, n, err := getUAString(raw[pos:])
	if err != nil {
		return h, 0, fmt.Errorf("chunk: sender certificate: %w", err)
	}
	h.SenderCertificate = cert
	pos += n

	thumb, n, err := getUAString(raw[pos:])
	if err != nil {
		return h, 0, fmt.Errorf("chunk: receiver certificate thumbprint: %w", err)
	}
	h.ReceiverCertificateThumbprint = thumb
	pos += n

	return h, pos, nil
}

func uaStringSize(n int) int {
	if n == 0 {
		return 4
	}
	return 4 + n
}

func putUAString(dst []byte, b []byte) int {
	if b == nil {
		binary.LittleEndian.PutUint32(dst[0:4], 0xFFFFFFFF)
		return 4
	}
	binary.LittleEndian.PutUint32(dst[0:4], uint32(len(b)))
	copy(dst[4:], b)
	return 4 + len(b)
}

func getUAString(raw []byte) ([]byte, int, error) {
	if len(raw) < 4 {
		return nil, 0, fmt.Errorf("short length prefix")
	}
	n := int32(binary.LittleEndian.Uint32(raw[0:4]))
	if n < 0 {
		return nil, 4, nil
	}
	if len(raw) < 4+int(n) {
		return nil, 0, fmt.Errorf("short string body: want %d have %d", n, len(raw)-4)
	}
	out := make([]byte, n)
	copy(out, raw[4:4+n])
	return out, 4 + int(n), nil
}
