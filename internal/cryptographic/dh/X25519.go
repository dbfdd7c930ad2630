// Package dh wraps curve25519 scalar multiplication for every identity,
// signed pre-key, one-time pre-key, and ratchet key pair ratchetlib
// generates or consumes.
package dh

import (
	"crypto/rand"
	"fmt"

	"golang.org/x/crypto/curve25519"
)

// NewX25519KeyPair draws a random private scalar and derives its public
// point, the building block every ratchetlib key type is generated from.
func NewX25519KeyPair() (priv, pub [32]byte, err error) {
	if _, err := rand.Read(priv[:]); err != nil {
		return priv, pub, fmt.Errorf("dh: generate private key: %w", err)
	}
	curve25519.ScalarBaseMult(&pub, &priv)
	return priv, pub, nil
}

// X25519SharedSecret computes priv*pub, the raw Diffie-Hellman output X3DH
// and the Double Ratchet's DH step both combine through HKDF.
func X25519SharedSecret(priv, pub [32]byte) ([]byte, error) {
	return curve25519.X25519(priv[:], pub[:])
}
