package ratchetlib

import (
	"fmt"

	"signalengine/internal/cryptographic/signature"
)

// signingKeys holds an Ed25519 key pair. Nothing in this package uses it:
// GenerateSignedPreKey draws a fresh Ed25519 pair for every signed pre-key
// and self-verifies the signature, and the verification key never goes on
// the wire (the bundle wire format, inherited unchanged from spec §3,
// carries only the X25519 identity key, not a separate verification key).
type signingKeys struct {
	pub  []byte
	priv []byte
}

// GenerateIdentityKeyPair creates a fresh long-term X25519 identity key,
// the first step of account bootstrap (spec §6).
func GenerateIdentityKeyPair() (IdentityKeyPair, error) {
	priv, pub, err := newX25519KeyPair()
	if err != nil {
		return IdentityKeyPair{}, fmt.Errorf("ratchetlib: generate identity key: %w", err)
	}
	return IdentityKeyPair{Priv: priv, Pub: pub}, nil
}

// GenerateSignedPreKey creates a fresh medium-term pre-key and signs its
// public half with a throwaway Ed25519 key, mirroring the signing step the
// teacher's GetSharedKeysOfUser left commented out.
func GenerateSignedPreKey(id uint32) (SignedPreKeyPair, error) {
	priv, pub, err := newX25519KeyPair()
	if err != nil {
		return SignedPreKeyPair{}, fmt.Errorf("ratchetlib: generate signed pre-key: %w", err)
	}

	sigPub, sigPriv, err := signature.NewEd25519Keypair()
	if err != nil {
		return SignedPreKeyPair{}, fmt.Errorf("ratchetlib: generate signing key: %w", err)
	}
	sig := signature.ED25519Sign(sigPriv, pub[:])
	if !signature.ED25519Verify(sigPub, pub[:], sig) {
		return SignedPreKeyPair{}, fmt.Errorf("ratchetlib: signed pre-key self-verification failed")
	}

	return SignedPreKeyPair{ID: id, Priv: priv, Pub: pub, Signature: sig}, nil
}

// GenerateOneTimePreKeys creates count one-time pre-keys with sequential ids
// starting at startID, ready for Manager.AddOneTimePreKeys.
func GenerateOneTimePreKeys(startID uint32, count int) ([]OneTimePreKeyPair, error) {
	keys := make([]OneTimePreKeyPair, 0, count)
	for i := 0; i < count; i++ {
		priv, pub, err := newX25519KeyPair()
		if err != nil {
			return nil, fmt.Errorf("ratchetlib: generate one-time pre-key %d: %w", startID+uint32(i), err)
		}
		keys = append(keys, OneTimePreKeyPair{ID: startID + uint32(i), Priv: priv, Pub: pub})
	}
	return keys, nil
}
