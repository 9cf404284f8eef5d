// Package keys derives the symmetric key material bound to each OPC
// UA security token. Grounded directly on
// portal/corev2/kcpwrapper/session.go's DeriveKeys, adapted from KCP
// session keys to OPC UA ChannelSecurityToken keys: same HKDF-SHA256
// construction. Rotation (demoting current to previous on install) is
// done by securechannel.Channel, not by this package.
package keys

import (
	"crypto/sha256"
	"io"

	"golang.org/x/crypto/hkdf"
)

// KeySize is the symmetric key length used by the reference AEAD
// cipher in securechannel/codec.
const KeySize = 32

// SymmetricKeyPair holds the directional signing/encryption keys
// derived for one security token. OPC UA derives distinct client and
// server keys from the two nonces; this reference implementation
// collapses signing and encryption into a single AEAD key per
// direction, consistent with this implementation's pluggable-crypto
// scope.
type SymmetricKeyPair struct {
	ClientKey [KeySize]byte
	ServerKey [KeySize]byte
}

// Derive derives a fresh SymmetricKeyPair from the local and remote
// nonces contributed during the handshake. label distinguishes
// Issue-time derivation from Renew-time derivation, so the same pair
// of nonces yields different keys for an Issue and a Renew exchange.
func Derive(localNonce, remoteNonce []byte, label string) SymmetricKeyPair {
	info := append([]byte(label), remoteNonce...)
	h := hkdf.New(sha256.New, localNonce, nil, info)

	var pair SymmetricKeyPair
	if _, err := io.ReadFull(h, pair.ClientKey[:]); err != nil {
		panic(err) // hkdf.Read only fails if the output is too long for the hash
	}
	if _, err := io.ReadFull(h, pair.ServerKey[:]); err != nil {
		panic(err)
	}
	return pair
}
