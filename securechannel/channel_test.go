package securechannel

import (
	"context"
	"encoding/binary"
	"net"
	"testing"
	"time"

	"github.com/gosuda/opcua-secure-channel/securechannel/assembler"
	"github.com/gosuda/opcua-secure-channel/securechannel/chunk"
	"github.com/gosuda/opcua-secure-channel/securechannel/codec"
	"github.com/gosuda/opcua-secure-channel/securechannel/common"
	"github.com/gosuda/opcua-secure-channel/securechannel/keys"
)

// serverView is a minimal codec.ChannelView stand-in for the fake
// server side of the wire in these end-to-end tests.
type serverView struct {
	channelID uint32
	current   codec.TokenKeys
}

func (v *serverView) ChannelID() uint32                        { return v.channelID }
func (v *serverView) CurrentToken() codec.TokenKeys             { return v.current }
func (v *serverView) PreviousToken() (codec.TokenKeys, bool)     { return codec.TokenKeys{}, false }
func (v *serverView) LocalNonce() []byte                        { return nil }
func (v *serverView) RemoteNonce() []byte                       { return nil }
func (v *serverView) LocalCertificate() []byte                  { return nil }
func (v *serverView) RemoteCertificate() []byte                 { return nil }
func (v *serverView) SecurityPolicy() common.SecurityPolicy     { return common.SecurityPolicyNone }
func (v *serverView) SecurityMode() common.MessageSecurityMode  { return common.MessageSecurityModeNone }

// readOneMessage mirrors handshake.Controller's own chunk assembly
// loop, duplicated here since the fake server plays the server role,
// not the client role. It reports false (after logging via t.Errorf,
// safe off the test goroutine) on any framing error, and false with no
// log on a plain read error such as the peer closing the connection.
func readOneMessage(t *testing.T, conn net.Conn) ([][]byte, bool) {
	fr := chunk.NewFrameReader()
	asm := assembler.New(assembler.Limits{})
	buf := make([]byte, 4096)
	for {
		n, err := conn.Read(buf)
		if n > 0 {
			fr.Feed(buf[:n])
		}
		if err != nil {
			return nil, false
		}
		for {
			raw, ok, ferr := fr.Next()
			if ferr != nil {
				t.Errorf("server frame: %v", ferr)
				return nil, false
			}
			if !ok {
				break
			}
			complete, chunks, aerr := asm.Add(raw)
			if aerr != nil {
				t.Errorf("server assemble: %v", aerr)
				return nil, false
			}
			if complete {
				out := make([][]byte, len(chunks))
				for i, b := range chunks {
					out[i] = append([]byte(nil), b.B...)
				}
				return out, true
			}
		}
	}
}

func decodeOpenRequestBody(t *testing.T, body []byte) (reqType uint32, nonce []byte, ok bool) {
	if len(body) < 16 {
		t.Errorf("short open request body: %d bytes", len(body))
		return 0, nil, false
	}
	reqType = binary.LittleEndian.Uint32(body[0:4])
	nonceLen := int(binary.LittleEndian.Uint32(body[12:16]))
	if len(body) < 16+nonceLen {
		t.Errorf("short open request nonce")
		return 0, nil, false
	}
	nonce = append([]byte(nil), body[16:16+nonceLen]...)
	return reqType, nonce, true
}

func encodeOpenResponseBody(channelID, tokenID uint32, lifetime time.Duration, serverNonce []byte) []byte {
	buf := make([]byte, 20+len(serverNonce))
	binary.LittleEndian.PutUint32(buf[0:4], common.ProtocolVersion)
	binary.LittleEndian.PutUint32(buf[4:8], channelID)
	binary.LittleEndian.PutUint32(buf[8:12], tokenID)
	binary.LittleEndian.PutUint32(buf[12:16], uint32(lifetime/time.Millisecond))
	binary.LittleEndian.PutUint32(buf[16:20], uint32(len(serverNonce)))
	copy(buf[20:], serverNonce)
	return buf
}

// runFakeServer plays the server side of one Issue handshake followed
// by a single symmetric echo round trip, then blocks until conn is
// closed by the client's Close sequence.
func runFakeServer(t *testing.T, conn net.Conn, channelID, tokenID uint32, lifetime time.Duration) {
	ref := codec.NewReference()
	view := &serverView{channelID: 0}

	reqChunks, ok := readOneMessage(t, conn)
	if !ok {
		return
	}
	reqResult, err := ref.DecodeAsymmetric(view, reqChunks)
	if err != nil {
		t.Errorf("server decode open request: %v", err)
		return
	}
	_, clientNonce, ok := decodeOpenRequestBody(t, reqResult.Message.([]byte))
	if !ok {
		return
	}

	serverNonce := []byte("server-nonce-cccccccccccccccccccc")
	pair := keys.Derive(clientNonce, serverNonce, "issue")

	respView := &serverView{channelID: channelID}
	respBody := encodeOpenResponseBody(channelID, tokenID, lifetime, serverNonce)
	respChunks, err := ref.EncodeAsymmetric(respView, reqResult.RequestID, respBody, common.MessageTypeOpen)
	if err != nil {
		t.Errorf("server encode open response: %v", err)
		return
	}
	for _, raw := range respChunks {
		if _, err := conn.Write(raw); err != nil {
			t.Errorf("server write open response: %v", err)
			return
		}
	}

	sessionView := &serverView{channelID: channelID, current: codec.TokenKeys{TokenID: tokenID, Keys: pair}}

	// Echo exactly one symmetric request, then let reads fail (client
	// closed) and exit quietly.
	msgChunks, ok := readOneMessage(t, conn)
	if !ok {
		return
	}
	msgResult, err := ref.DecodeSymmetric(sessionView, msgChunks)
	if err != nil {
		t.Errorf("server decode symmetric: %v", err)
		return
	}
	echoBody := append([]byte("echo: "), msgResult.Message.([]byte)...)
	outChunks, err := ref.EncodeSymmetric(sessionView, msgResult.RequestID, echoBody, common.MessageTypeMsg)
	if err != nil {
		t.Errorf("server encode symmetric: %v", err)
		return
	}
	for _, raw := range outChunks {
		if _, err := conn.Write(raw); err != nil {
			return
		}
	}

	// Drain the client's CloseSecureChannelRequest, if any, then stop.
	buf := make([]byte, 4096)
	for {
		if _, err := conn.Read(buf); err != nil {
			return
		}
	}
}

func TestChannelOpenSendClose(t *testing.T) {
	clientConn, serverConn := net.Pipe()
	defer clientConn.Close()
	defer serverConn.Close()

	go runFakeServer(t, serverConn, 42, 7, time.Hour)

	ch := New(Config{
		Stream:            clientConn,
		Encoder:           codec.NewReference(),
		Decoder:           codec.NewReference(),
		SecurityPolicy:    common.SecurityPolicyNone,
		SecurityMode:      common.MessageSecurityModeNone,
		RequestedLifetime: time.Hour,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := ch.Open(ctx); err != nil {
		t.Fatalf("Open: %v", err)
	}
	if ch.State() != StateOpen {
		t.Fatalf("State() = %v, want StateOpen", ch.State())
	}
	if ch.ChannelID() != 42 {
		t.Fatalf("ChannelID() = %d, want 42", ch.ChannelID())
	}

	resp, err := ch.Send(ctx, []byte("ping"))
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if string(resp) != "echo: ping" {
		t.Fatalf("Send response = %q, want %q", resp, "echo: ping")
	}

	status := ch.Status()
	if status.State != "OPEN" {
		t.Fatalf("Status().State = %q, want OPEN", status.State)
	}
	if status.ChannelID != 42 || status.TokenID != 7 {
		t.Fatalf("Status() = %+v, want channel 42 token 7", status)
	}

	if err := ch.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if ch.State() != StateClosed {
		t.Fatalf("State() after Close = %v, want StateClosed", ch.State())
	}

	// Close must be idempotent.
	if err := ch.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
}

func TestChannelSendAfterCloseFails(t *testing.T) {
	clientConn, serverConn := net.Pipe()
	defer clientConn.Close()
	defer serverConn.Close()

	go runFakeServer(t, serverConn, 1, 1, time.Hour)

	ch := New(Config{
		Stream:            clientConn,
		Encoder:           codec.NewReference(),
		Decoder:           codec.NewReference(),
		SecurityPolicy:    common.SecurityPolicyNone,
		SecurityMode:      common.MessageSecurityModeNone,
		RequestedLifetime: time.Hour,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := ch.Open(ctx); err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := ch.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	if _, err := ch.Send(ctx, []byte("too late")); err != common.ErrChannelClosed {
		t.Fatalf("Send after Close: got %v, want ErrChannelClosed", err)
	}
}
