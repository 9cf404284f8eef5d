package codec

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"encoding/binary"
	"fmt"

	"golang.org/x/crypto/chacha20poly1305"
)

const keySize = 32

// symmetricSeal seals plaintext with an AEAD key derived once per
// token (keys.Derive), using a nonce built from the token id and a
// monotonic per-token sequence number so it is never reused under the
// same key — mirroring kcpwrapper/session.go's incNonce discipline.
func symmetricSeal(key [keySize]byte, tokenID, seq uint32, plaintext []byte) ([]byte, error) {
	aead, err := chacha20poly1305.New(key[:])
	if err != nil {
		return nil, err
	}
	nonce := sealNonce(tokenID, seq)
	return aead.Seal(nil, nonce, plaintext, nil), nil
}

// symmetricOpen reverses symmetricSeal.
func symmetricOpen(key [keySize]byte, tokenID, seq uint32, sealed []byte) ([]byte, error) {
	aead, err := chacha20poly1305.New(key[:])
	if err != nil {
		return nil, err
	}
	nonce := sealNonce(tokenID, seq)
	return aead.Open(nil, nonce, sealed, nil)
}

func sealNonce(tokenID, seq uint32) []byte {
	nonce := make([]byte, chacha20poly1305.NonceSize)
	binary.LittleEndian.PutUint32(nonce[0:4], tokenID)
	binary.LittleEndian.PutUint32(nonce[4:8], seq)
	return nonce
}

// rsaOAEPEncryptChunks encrypts plaintext in blocks sized to pub's
// OAEP capacity, prefixing each block with its length, so payloads
// larger than one RSA block still round-trip. This reference
// implementation favors simplicity over OPC UA's exact asymmetric
// padding/block-count wire format (see DESIGN.md).
func rsaOAEPEncryptChunks(pub *rsa.PublicKey, plaintext []byte) ([]byte, error) {
	hash := sha256.New()
	blockSize := pub.Size() - 2*hash.Size() - 2
	if blockSize <= 0 {
		return nil, fmt.Errorf("codec: rsa key too small for oaep")
	}

	var out []byte
	for off := 0; off < len(plaintext) || (len(plaintext) == 0 && off == 0); {
		end := off + blockSize
		if end > len(plaintext) {
			end = len(plaintext)
		}
		ct, err := rsa.EncryptOAEP(hash, rand.Reader, pub, plaintext[off:end], nil)
		if err != nil {
			return nil, err
		}
		lenPrefix := make([]byte, 4)
		binary.LittleEndian.PutUint32(lenPrefix, uint32(len(ct)))
		out = append(out, lenPrefix...)
		out = append(out, ct...)
		if end == len(plaintext) {
			break
		}
		off = end
	}
	return out, nil
}

// rsaOAEPDecryptChunks reverses rsaOAEPEncryptChunks.
func rsaOAEPDecryptChunks(priv *rsa.PrivateKey, ciphertext []byte) ([]byte, error) {
	hash := sha256.New()
	var out []byte
	pos := 0
	for pos < len(ciphertext) {
		if pos+4 > len(ciphertext) {
			return nil, fmt.Errorf("codec: short rsa block length")
		}
		n := int(binary.LittleEndian.Uint32(ciphertext[pos : pos+4]))
		pos += 4
		if pos+n > len(ciphertext) {
			return nil, fmt.Errorf("codec: short rsa block body")
		}
		pt, err := rsa.DecryptOAEP(hash, rand.Reader, priv, ciphertext[pos:pos+n], nil)
		if err != nil {
			return nil, err
		}
		out = append(out, pt...)
		pos += n
	}
	return out, nil
}
