// Package randpool sources the cryptographic randomness the secure
// channel handshake needs: a fresh nonce contributed on every Issue
// and Renew exchange.
package randpool

import (
	"crypto/rand"
	"fmt"
	"io"
)

// NonceSize is the length of a client nonce contributed to an
// OpenSecureChannel handshake; it seeds the HKDF derivation in
// securechannel/keys.
const NonceSize = 32

// fill fills dst with cryptographically secure random bytes.
func fill(dst []byte) {
	if len(dst) == 0 {
		return
	}
	if _, err := io.ReadFull(rand.Reader, dst); err != nil {
		panic(fmt.Errorf("randpool: failed to read crypto randomness: %w", err))
	}
}

// Nonce returns a fresh NonceSize-byte client nonce for one Issue or
// Renew exchange.
func Nonce() []byte {
	b := make([]byte, NonceSize)
	fill(b)
	return b
}
