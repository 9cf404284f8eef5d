package codec

import (
	"bytes"
	"encoding/binary"
	"testing"

	"github.com/gosuda/opcua-secure-channel/securechannel/chunk"
	"github.com/gosuda/opcua-secure-channel/securechannel/common"
	"github.com/gosuda/opcua-secure-channel/securechannel/keys"
)

// fakeView is a minimal ChannelView stand-in for exercising Reference
// in isolation, without a real Channel.
type fakeView struct {
	channelID uint32
	current   TokenKeys
	previous  *TokenKeys
	policy    common.SecurityPolicy
	mode      common.MessageSecurityMode
}

func (v *fakeView) ChannelID() uint32         { return v.channelID }
func (v *fakeView) CurrentToken() TokenKeys   { return v.current }
func (v *fakeView) LocalNonce() []byte        { return nil }
func (v *fakeView) RemoteNonce() []byte       { return nil }
func (v *fakeView) LocalCertificate() []byte  { return nil }
func (v *fakeView) RemoteCertificate() []byte { return nil }

func (v *fakeView) PreviousToken() (TokenKeys, bool) {
	if v.previous == nil {
		return TokenKeys{}, false
	}
	return *v.previous, true
}

func (v *fakeView) SecurityPolicy() common.SecurityPolicy       { return v.policy }
func (v *fakeView) SecurityMode() common.MessageSecurityMode    { return v.mode }

func TestReferenceSymmetricRoundTrip(t *testing.T) {
	pair := keys.Derive([]byte("local-nonce-aaaaaaaaaaaaaaaaaaaa"), []byte("remote-nonce-bbbbbbbbbbbbbbbbbbb"), "issue")
	view := &fakeView{
		channelID: 5,
		current:   TokenKeys{TokenID: 1, Keys: pair},
		policy:    common.SecurityPolicyNone,
		mode:      common.MessageSecurityModeSignAndEncrypt,
	}

	r := NewReference()
	payload := []byte("hello secure channel")
	chunks, err := r.EncodeSymmetric(view, 99, payload, common.MessageTypeMsg)
	if err != nil {
		t.Fatalf("EncodeSymmetric: %v", err)
	}
	if len(chunks) == 0 {
		t.Fatal("expected at least one chunk")
	}

	// The receiving peer holds the same pair with directions swapped:
	// its ServerKey is the sender's ClientKey, which sealed the payload.
	peer := &fakeView{
		channelID: 5,
		current:   TokenKeys{TokenID: 1, Keys: keys.SymmetricKeyPair{ClientKey: pair.ServerKey, ServerKey: pair.ClientKey}},
		policy:    common.SecurityPolicyNone,
		mode:      common.MessageSecurityModeSignAndEncrypt,
	}
	got, err := r.DecodeSymmetric(peer, chunks)
	if err != nil {
		t.Fatalf("DecodeSymmetric: %v", err)
	}
	if got.RequestID != 99 {
		t.Fatalf("RequestID = %d, want 99", got.RequestID)
	}
	if !bytes.Equal(got.Message.([]byte), payload) {
		t.Fatalf("decoded payload = %q, want %q", got.Message, payload)
	}
}

func TestReferenceSymmetricRoundTripSplitsAcrossChunks(t *testing.T) {
	pair := keys.Derive([]byte("local-nonce-aaaaaaaaaaaaaaaaaaaa"), []byte("remote-nonce-bbbbbbbbbbbbbbbbbbb"), "issue")
	view := &fakeView{
		channelID: 5,
		current:   TokenKeys{TokenID: 1, Keys: pair},
		policy:    common.SecurityPolicyNone,
		mode:      common.MessageSecurityModeNone,
	}

	r := NewReference()
	r.MaxChunkPayload = 32
	payload := bytes.Repeat([]byte("x"), 200)

	chunks, err := r.EncodeSymmetric(view, 7, payload, common.MessageTypeMsg)
	if err != nil {
		t.Fatalf("EncodeSymmetric: %v", err)
	}
	if len(chunks) < 2 {
		t.Fatalf("expected payload to split across multiple chunks, got %d", len(chunks))
	}

	got, err := r.DecodeSymmetric(view, chunks)
	if err != nil {
		t.Fatalf("DecodeSymmetric: %v", err)
	}
	if !bytes.Equal(got.Message.([]byte), payload) {
		t.Fatal("reassembled payload mismatch across multiple chunks")
	}
}

func TestReferenceSymmetricUsesPreviousTokenAfterRenewal(t *testing.T) {
	oldPair := keys.Derive([]byte("local-nonce-aaaaaaaaaaaaaaaaaaaa"), []byte("remote-nonce-one11111111111111111"), "issue")
	newPair := keys.Derive([]byte("local-nonce-aaaaaaaaaaaaaaaaaaaa"), []byte("remote-nonce-two22222222222222222"), "renew")

	r := NewReference()
	payload := []byte("sent under the old token")

	senderView := &fakeView{
		channelID: 5,
		current:   TokenKeys{TokenID: 1, Keys: oldPair},
		policy:    common.SecurityPolicyNone,
		mode:      common.MessageSecurityModeSign,
	}
	chunks, err := r.EncodeSymmetric(senderView, 1, payload, common.MessageTypeMsg)
	if err != nil {
		t.Fatalf("EncodeSymmetric: %v", err)
	}

	// The receiver holds each pair with directions swapped: its
	// ServerKey is the sender's ClientKey.
	prev := TokenKeys{TokenID: 1, Keys: keys.SymmetricKeyPair{ClientKey: oldPair.ServerKey, ServerKey: oldPair.ClientKey}}
	receiverView := &fakeView{
		channelID: 5,
		current:   TokenKeys{TokenID: 2, Keys: keys.SymmetricKeyPair{ClientKey: newPair.ServerKey, ServerKey: newPair.ClientKey}},
		previous:  &prev,
		policy:    common.SecurityPolicyNone,
		mode:      common.MessageSecurityModeSign,
	}
	got, err := r.DecodeSymmetric(receiverView, chunks)
	if err != nil {
		t.Fatalf("DecodeSymmetric against previous token: %v", err)
	}
	if !bytes.Equal(got.Message.([]byte), payload) {
		t.Fatal("payload sealed under the previous token must still decode while it remains installed")
	}
}

func TestReferenceSymmetricRejectsUnknownToken(t *testing.T) {
	pair := keys.Derive([]byte("local-nonce-aaaaaaaaaaaaaaaaaaaa"), []byte("remote-nonce-bbbbbbbbbbbbbbbbbbb"), "issue")
	sender := &fakeView{channelID: 5, current: TokenKeys{TokenID: 1, Keys: pair}, mode: common.MessageSecurityModeNone}
	r := NewReference()
	chunks, err := r.EncodeSymmetric(sender, 1, []byte("x"), common.MessageTypeMsg)
	if err != nil {
		t.Fatalf("EncodeSymmetric: %v", err)
	}

	receiver := &fakeView{channelID: 5, current: TokenKeys{TokenID: 99, Keys: pair}, mode: common.MessageSecurityModeNone}
	if _, err := r.DecodeSymmetric(receiver, chunks); err != common.BadSecureChannelTokenUnknown {
		t.Fatalf("expected BadSecureChannelTokenUnknown, got %v", err)
	}
}

func TestReferenceAsymmetricRoundTripUnderPolicyNone(t *testing.T) {
	view := &fakeView{channelID: 0, policy: common.SecurityPolicyNone}
	r := NewReference()
	payload := []byte("OpenSecureChannelRequest body")

	chunks, err := r.EncodeAsymmetric(view, 3, payload, common.MessageTypeOpen)
	if err != nil {
		t.Fatalf("EncodeAsymmetric: %v", err)
	}

	got, err := r.DecodeAsymmetric(view, chunks)
	if err != nil {
		t.Fatalf("DecodeAsymmetric: %v", err)
	}
	if got.RequestID != 3 {
		t.Fatalf("RequestID = %d, want 3", got.RequestID)
	}
	if !bytes.Equal(got.Message.([]byte), payload) {
		t.Fatalf("decoded payload = %q, want %q", got.Message, payload)
	}
	if got.Aborted {
		t.Fatal("should not report aborted")
	}
}

func TestReferenceDecodeAsymmetricAbortPopulatesRequestID(t *testing.T) {
	view := &fakeView{channelID: 0, policy: common.SecurityPolicyNone}
	r := NewReference()

	reason := []byte("channel closed by peer")
	abortBody := make([]byte, 8+len(reason))
	binary.LittleEndian.PutUint32(abortBody[0:4], uint32(common.BadConnectionClosed))
	binary.LittleEndian.PutUint32(abortBody[4:8], uint32(len(reason)))
	copy(abortBody[8:], reason)

	chunks, err := r.EncodeAsymmetric(view, 11, abortBody, common.MessageTypeOpen)
	if err != nil {
		t.Fatalf("EncodeAsymmetric: %v", err)
	}

	// Rewrite the single chunk's chunk-type byte to Abort, leaving the
	// header and sequence header (and thus the request id) intact.
	raw := chunks[0]
	raw[3] = byte(chunk.Abort)

	got, err := r.DecodeAsymmetric(view, [][]byte{raw})
	if err != nil {
		t.Fatalf("DecodeAsymmetric: %v", err)
	}
	if !got.Aborted {
		t.Fatal("expected Aborted to be true")
	}
	if got.RequestID != 11 {
		t.Fatalf("abort chunk should still carry RequestID, got %d", got.RequestID)
	}
	if got.Reason != string(reason) {
		t.Fatalf("Reason = %q, want %q", got.Reason, string(reason))
	}
}
