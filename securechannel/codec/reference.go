package codec

import (
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/binary"
	"fmt"
	"sync"
	"time"

	"github.com/gosuda/opcua-secure-channel/securechannel/chunk"
	"github.com/gosuda/opcua-secure-channel/securechannel/common"
)

// sequenceHeaderSize is this reference codec's sequence header:
// [4B requestId][4B sequence number], carried in the first chunk of
// each message only, placed immediately after the fixed chunk header
// (and, for OPN chunks, after the AsymmetricSecurityHeader). The
// sequence number field is always written as 0 and is not read back.
const sequenceHeaderSize = 8

// Reference is a concrete, testable ChunkEncoder/ChunkDecoder/
// CertificateValidator implementation. The symmetric path uses
// golang.org/x/crypto/chacha20poly1305 keyed by securechannel/keys
// token material (grounded on handshaker.go's SecureConnection AEAD
// framing). The asymmetric path uses crypto/x509+crypto/rsa, since no
// corpus library targets X.509-based PKI handshakes (see DESIGN.md).
type Reference struct {
	MaxChunkPayload int // payload bytes per chunk before splitting; 0 = no limit

	// LocalPrivateKey decrypts the asymmetric (OpenSecureChannel)
	// path when the security policy is not None. May be nil under
	// SecurityPolicyNone.
	LocalPrivateKey *rsa.PrivateKey

	mu       sync.Mutex
	sendSeq  map[uint32]uint32 // per token id, messages sealed so far
	recvSeq  map[uint32]uint32 // per token id, messages opened so far
}

// NewReference returns a Reference with sane defaults.
func NewReference() *Reference {
	return &Reference{
		MaxChunkPayload: 1 << 16,
		sendSeq:         make(map[uint32]uint32),
		recvSeq:         make(map[uint32]uint32),
	}
}

func (r *Reference) nextSeq(m map[uint32]uint32, tokenID uint32) uint32 {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := m[tokenID]
	m[tokenID] = n + 1
	return n
}

// --- CertificateValidator ---

// Validate parses cert as an X.509 certificate and rejects expired or
// structurally invalid certificates. It does not check revocation,
// which is outside this reference implementation's scope.
func (r *Reference) Validate(cert []byte) error {
	if len(cert) == 0 {
		return common.BadSecurityChecksFailed
	}
	parsed, err := x509.ParseCertificate(cert)
	if err != nil {
		return fmt.Errorf("%w: parse certificate: %v", common.BadSecurityChecksFailed, err)
	}
	if now := time.Now(); now.Before(parsed.NotBefore) || now.After(parsed.NotAfter) {
		return fmt.Errorf("%w: certificate outside its validity period", common.BadSecurityChecksFailed)
	}
	return nil
}

// VerifyTrustChain verifies that chain[0] (the leaf) can be verified
// by the remaining certificates acting as intermediates/roots.
func (r *Reference) VerifyTrustChain(chainDER [][]byte) error {
	if len(chainDER) == 0 {
		return common.BadSecurityChecksFailed
	}
	leaf, err := x509.ParseCertificate(chainDER[0])
	if err != nil {
		return fmt.Errorf("%w: parse leaf: %v", common.BadSecurityChecksFailed, err)
	}

	pool := x509.NewCertPool()
	for _, der := range chainDER[1:] {
		c, err := x509.ParseCertificate(der)
		if err != nil {
			return fmt.Errorf("%w: parse intermediate: %v", common.BadSecurityChecksFailed, err)
		}
		pool.AddCert(c)
	}
	if len(chainDER) == 1 {
		// Self-issued / directly trusted leaf: accept, the caller is
		// expected to have pinned it out of band.
		return nil
	}
	if _, err := leaf.Verify(x509.VerifyOptions{Roots: pool}); err != nil {
		return fmt.Errorf("%w: verify chain: %v", common.BadSecurityChecksFailed, err)
	}
	return nil
}

// --- asymmetric (OpenSecureChannel) chunking ---

func (r *Reference) EncodeAsymmetric(view ChannelView, requestID uint32, payload []byte, msgType string) ([][]byte, error) {
	secHeader := chunk.AsymmetricSecurityHeader{
		SecurityPolicyURI:             securityPolicyURI(view.SecurityPolicy()),
		SenderCertificate:             view.LocalCertificate(),
		ReceiverCertificateThumbprint: thumbprint(view.RemoteCertificate()),
	}
	secHeaderBytes := chunk.EncodeAsymmetricSecurityHeader(secHeader)

	body := payload
	if view.SecurityPolicy() != common.SecurityPolicyNone {
		encrypted, err := r.asymmetricEncrypt(view, payload)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", common.BadSecurityChecksFailed, err)
		}
		body = encrypted
	}

	return r.splitIntoChunks(common.MessageTypeOpen, view.ChannelID(), 0, func(dst []byte, pos int) int {
		pos += copy(dst[pos:], secHeaderBytes)
		return pos
	}, len(secHeaderBytes), requestID, body)
}

func (r *Reference) asymmetricEncrypt(view ChannelView, payload []byte) ([]byte, error) {
	remoteCert := view.RemoteCertificate()
	if len(remoteCert) == 0 {
		return payload, nil
	}
	cert, err := x509.ParseCertificate(remoteCert)
	if err != nil {
		return nil, err
	}
	pub, ok := cert.PublicKey.(*rsa.PublicKey)
	if !ok {
		// Policy negotiated a non-RSA certificate; pass through rather
		// than fail a component explicitly out of this spec's scope.
		return payload, nil
	}
	return rsaOAEPEncryptChunks(pub, payload)
}

func (r *Reference) DecodeAsymmetric(view ChannelView, chunks [][]byte) (DecodeResult, error) {
	if len(chunks) == 0 {
		return DecodeResult{}, fmt.Errorf("codec: no chunks to decode")
	}

	var firstHeader chunk.AsymmetricSecurityHeader
	var body []byte
	var reqID uint32
	var aborted bool
	var status common.StatusCode
	var reason string

	for i, raw := range chunks {
		h, err := chunk.ParseHeader(raw)
		if err != nil {
			return DecodeResult{}, err
		}

		secHeader, n, err := chunk.DecodeAsymmetricSecurityHeader(raw[common.TokenIDOffset:])
		if err != nil {
			return DecodeResult{}, fmt.Errorf("%w: %v", common.BadSecurityChecksFailed, err)
		}
		if i == 0 {
			firstHeader = secHeader
		} else if !secHeader.Equal(firstHeader) {
			return DecodeResult{}, common.ErrHeaderMismatch
		}

		pos := common.TokenIDOffset + n

		if i == 0 {
			if pos+sequenceHeaderSize > len(raw) {
				return DecodeResult{}, fmt.Errorf("codec: short sequence header")
			}
			reqID = binary.LittleEndian.Uint32(raw[pos : pos+4])
			pos += sequenceHeaderSize
		}

		if h.ChunkType == chunk.Abort {
			aborted = true
			status, reason, err = parseAbortBody(raw[pos:])
			if err != nil {
				return DecodeResult{}, err
			}
			continue
		}

		body = append(body, raw[pos:]...)
	}

	if aborted {
		return DecodeResult{RequestID: reqID, Aborted: true, Status: status, Reason: reason}, nil
	}

	if view.SecurityPolicy() != common.SecurityPolicyNone && r.LocalPrivateKey != nil {
		plain, err := rsaOAEPDecryptChunks(r.LocalPrivateKey, body)
		if err != nil {
			return DecodeResult{}, fmt.Errorf("%w: %v", common.BadSecurityChecksFailed, err)
		}
		body = plain
	}

	return DecodeResult{RequestID: reqID, Message: body, SenderCertificate: firstHeader.SenderCertificate}, nil
}

// --- symmetric (MSG/CLO) chunking ---

func (r *Reference) EncodeSymmetric(view ChannelView, requestID uint32, payload []byte, msgType string) ([][]byte, error) {
	tok := view.CurrentToken()

	body := payload
	if view.SecurityMode() != common.MessageSecurityModeNone {
		seq := r.nextSeq(r.sendSeq, tok.TokenID)
		sealed, err := symmetricSeal(tok.Keys.ClientKey, tok.TokenID, seq, payload)
		if err != nil {
			return nil, err
		}
		body = sealed
	}

	return r.splitIntoChunks(msgType, view.ChannelID(), tok.TokenID, nil, 0, requestID, body)
}

func (r *Reference) DecodeSymmetric(view ChannelView, chunks [][]byte) (DecodeResult, error) {
	if len(chunks) == 0 {
		return DecodeResult{}, fmt.Errorf("codec: no chunks to decode")
	}

	cur := view.CurrentToken()
	prev, hasPrev := view.PreviousToken()

	var body []byte
	var reqID uint32
	var aborted bool
	var status common.StatusCode
	var reason string
	var tokenID uint32

	for i, raw := range chunks {
		h, err := chunk.ParseHeader(raw)
		if err != nil {
			return DecodeResult{}, err
		}
		if h.TokenID != cur.TokenID && !(hasPrev && h.TokenID == prev.TokenID) {
			return DecodeResult{}, common.BadSecureChannelTokenUnknown
		}
		if h.SecureChannelID != view.ChannelID() {
			return DecodeResult{}, common.BadSecureChannelIdInvalid
		}
		if i == 0 {
			tokenID = h.TokenID
		} else if h.TokenID != tokenID {
			return DecodeResult{}, common.BadSecureChannelTokenUnknown
		}

		pos := common.TokenIDOffset + 4

		if i == 0 {
			if pos+sequenceHeaderSize > len(raw) {
				return DecodeResult{}, fmt.Errorf("codec: short sequence header")
			}
			reqID = binary.LittleEndian.Uint32(raw[pos : pos+4])
			pos += sequenceHeaderSize
		}

		if h.ChunkType == chunk.Abort {
			aborted = true
			status, reason, err = parseAbortBody(raw[pos:])
			if err != nil {
				return DecodeResult{}, err
			}
			continue
		}

		body = append(body, raw[pos:]...)
	}

	if aborted {
		return DecodeResult{RequestID: reqID, Aborted: true, Status: status, Reason: reason}, nil
	}

	if view.SecurityMode() != common.MessageSecurityModeNone {
		var serverKey [keySize]byte
		if tokenID == cur.TokenID {
			serverKey = cur.Keys.ServerKey
		} else {
			serverKey = prev.Keys.ServerKey
		}
		seq := r.nextSeq(r.recvSeq, tokenID)
		plain, err := symmetricOpen(serverKey, tokenID, seq, body)
		if err != nil {
			return DecodeResult{}, fmt.Errorf("%w: %v", common.BadSecurityChecksFailed, err)
		}
		body = plain
	}

	return DecodeResult{RequestID: reqID, Message: body}, nil
}

// --- shared chunk-splitting helper ---

// splitIntoChunks frames body into one or more chunks of msgType,
// each carrying the fixed header and the caller-supplied extra section
// (e.g. the AsymmetricSecurityHeader), plus, for the first chunk, the
// sequence header. Every chunk but the last is Intermediate; the last
// is Final.
func (r *Reference) splitIntoChunks(msgType string, channelID, tokenID uint32, writeExtra func(dst []byte, pos int) int, extraLen int, requestID uint32, body []byte) ([][]byte, error) {
	fixedLen := chunk.Header{MessageType: msgType}.HeaderLen()

	maxPayload := r.MaxChunkPayload
	if maxPayload <= 0 {
		maxPayload = len(body) + sequenceHeaderSize + extraLen + 1
	}

	var out [][]byte
	offset := 0
	first := true
	for {
		remaining := len(body) - offset
		seqLen := 0
		if first {
			seqLen = sequenceHeaderSize
		}
		extra := extraLen
		room := maxPayload - seqLen - extra
		if room < 1 {
			return nil, fmt.Errorf("codec: chunk payload budget too small")
		}
		n := remaining
		final := true
		if n > room {
			n = room
			final = false
		}

		total := fixedLen + extra + seqLen + n
		raw := make([]byte, total)
		h := chunk.Header{
			MessageType:     msgType,
			ChunkType:       chunk.Intermediate,
			MessageSize:     uint32(total),
			SecureChannelID: channelID,
			TokenID:         tokenID,
		}
		if final {
			h.ChunkType = chunk.Final
		}
		if err := chunk.WriteHeader(raw, h); err != nil {
			return nil, err
		}

		pos := fixedLen
		if writeExtra != nil {
			pos = writeExtra(raw, pos)
		}
		if first {
			binary.LittleEndian.PutUint32(raw[pos:pos+4], requestID)
			binary.LittleEndian.PutUint32(raw[pos+4:pos+8], 0)
			pos += sequenceHeaderSize
		}
		copy(raw[pos:], body[offset:offset+n])

		out = append(out, raw)
		offset += n
		first = false
		if final {
			break
		}
	}
	return out, nil
}

func parseAbortBody(b []byte) (common.StatusCode, string, error) {
	if len(b) < 4 {
		return 0, "", fmt.Errorf("codec: short abort body")
	}
	status := common.StatusCode(binary.LittleEndian.Uint32(b[0:4]))
	reasonBytes, _, err := getUAStringLocal(b[4:])
	if err != nil {
		return status, "", nil
	}
	return status, string(reasonBytes), nil
}

func getUAStringLocal(raw []byte) ([]byte, int, error) {
	if len(raw) < 4 {
		return nil, 0, fmt.Errorf("short length prefix")
	}
	n := int32(binary.LittleEndian.Uint32(raw[0:4]))
	if n < 0 {
		return nil, 4, nil
	}
	if len(raw) < 4+int(n) {
		return nil, 0, fmt.Errorf("short string body")
	}
	return raw[4 : 4+n], 4 + int(n), nil
}

func securityPolicyURI(p common.SecurityPolicy) string {
	return "http://opcfoundation.org/UA/SecurityPolicy#" + p.String()
}

func thumbprint(cert []byte) []byte {
	if len(cert) == 0 {
		return nil
	}
	sum := sha256.Sum256(cert)
	return sum[:]
}
