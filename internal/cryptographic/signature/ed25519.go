// Package signature signs and verifies a published signed pre-key with a
// throwaway Ed25519 key, standing in for the XEdDSA scheme real Signal
// clients use to sign over their X25519 pre-keys.
package signature

import (
	"crypto/ed25519"
	"crypto/rand"
)

// NewEd25519Keypair generates a fresh signing key pair.
func NewEd25519Keypair() (pub, priv []byte, err error) {
	pub, priv, err = ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, nil, err
	}
	return pub, priv, nil
}

// ED25519Sign signs message with priv.
func ED25519Sign(priv []byte, message []byte) []byte {
	return ed25519.Sign(ed25519.PrivateKey(priv), message)
}

// ED25519Verify reports whether sig is a valid signature of message under pub.
func ED25519Verify(pub []byte, message []byte, sig []byte) bool {
	return ed25519.Verify(ed25519.PublicKey(pub), message, sig)
}
