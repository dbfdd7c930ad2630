package ratchetlib

import (
	"signalengine/internal/cryptographic/dh"
	"signalengine/internal/cryptographic/kdf"
)

// IdentityKeyPair is this engine's long-term X25519 identity key.
type IdentityKeyPair struct {
	Priv [32]byte
	Pub  [32]byte
}

// SignedPreKeyPair is the medium-term signed pre-key published to the
// server's key directory.
type SignedPreKeyPair struct {
	ID        uint32
	Priv      [32]byte
	Pub       [32]byte
	Signature []byte
}

// OneTimePreKeyPair is a single-use pre-key consumed by at most one sender.
type OneTimePreKeyPair struct {
	ID   uint32
	Priv [32]byte
	Pub  [32]byte
}

// generateShareKey combines up to four DH outputs into the X3DH shared
// secret via HKDF-SHA256 (spec §6 X3DH; the concatenated DH outputs are
// passed as the salt argument with a nil secret, info "SharedKey" — mirrors
// the teacher's original derivation).
func generateShareKey(dh1, dh2, dh3, dh4 []byte) ([]byte, error) {
	concat := make([]byte, 0, 128)
	concat = append(concat, dh1...)
	concat = append(concat, dh2...)
	concat = append(concat, dh3...)
	if dh4 != nil {
		concat = append(concat, dh4...)
	}
	sk := make([]byte, 32)
	if _, err := kdf.HKDF(nil, concat, []byte("SharedKey"), sk); err != nil {
		return nil, err
	}
	return sk, nil
}

// x3dhSenderShareKey runs the X3DH initiator side: our identity key and a
// fresh ephemeral key against the recipient's identity key, signed pre-key,
// and (if present) one-time pre-key.
func x3dhSenderShareKey(myIdentityPriv, ephemeralPriv, theirIdentityPub, theirSignedPreKeyPub [32]byte, theirOneTimePreKeyPub *[32]byte) ([]byte, error) {
	dh1, err := dh.X25519SharedSecret(myIdentityPriv, theirSignedPreKeyPub)
	if err != nil {
		return nil, err
	}
	dh2, err := dh.X25519SharedSecret(ephemeralPriv, theirIdentityPub)
	if err != nil {
		return nil, err
	}
	dh3, err := dh.X25519SharedSecret(ephemeralPriv, theirSignedPreKeyPub)
	if err != nil {
		return nil, err
	}
	var dh4 []byte
	if theirOneTimePreKeyPub != nil {
		dh4, err = dh.X25519SharedSecret(ephemeralPriv, *theirOneTimePreKeyPub)
		if err != nil {
			return nil, err
		}
	}
	return generateShareKey(dh1, dh2, dh3, dh4)
}

// x3dhReceiverShareKey runs the X3DH responder side: our signed pre-key and
// identity key against the initiator's identity key and ephemeral key, plus
// our one-time pre-key if the initiator consumed one.
func x3dhReceiverShareKey(mySignedPreKeyPriv, myIdentityPriv, theirIdentityPub, theirEphemeralPub [32]byte, myOneTimePreKeyPriv *[32]byte) ([]byte, error) {
	dh1, err := dh.X25519SharedSecret(mySignedPreKeyPriv, theirIdentityPub)
	if err != nil {
		return nil, err
	}
	dh2, err := dh.X25519SharedSecret(myIdentityPriv, theirEphemeralPub)
	if err != nil {
		return nil, err
	}
	dh3, err := dh.X25519SharedSecret(mySignedPreKeyPriv, theirEphemeralPub)
	if err != nil {
		return nil, err
	}
	var dh4 []byte
	if myOneTimePreKeyPriv != nil {
		dh4, err = dh.X25519SharedSecret(*myOneTimePreKeyPriv, theirEphemeralPub)
		if err != nil {
			return nil, err
		}
	}
	return generateShareKey(dh1, dh2, dh3, dh4)
}
