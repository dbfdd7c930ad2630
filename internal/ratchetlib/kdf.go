package ratchetlib

import (
	"fmt"

	"signalengine/internal/cryptographic/dh"
	"signalengine/internal/cryptographic/kdf"
)

const (
	rootKeyLen  = 32
	chainKeyLen = 32
	msgKeyLen   = 32
)

func newX25519KeyPair() (priv, pub [32]byte, err error) {
	return dh.NewX25519KeyPair()
}

// kdfRootKey derives the next root key and the first chain key of the newly
// started chain from the old root key and a fresh DH output (spec §3 KDF_RK).
func kdfRootKey(rootKey, dhOut []byte) (newRootKey, chainKey []byte, err error) {
	out := make([]byte, rootKeyLen+chainKeyLen)
	if _, err := kdf.HKDF(dhOut, rootKey, []byte("RootKDF"), out); err != nil {
		return nil, nil, fmt.Errorf("ratchetlib: kdfRootKey: %w", err)
	}
	return out[:rootKeyLen], out[rootKeyLen:], nil
}

// kdfChainKey advances a chain key one step and derives the message key for
// the step just consumed (spec §3 KDF_CK).
func kdfChainKey(chainKey []byte) (nextChainKey, messageKey []byte, err error) {
	out := make([]byte, chainKeyLen+msgKeyLen)
	if _, err := kdf.HKDF(chainKey, nil, []byte("ChainKDF"), out); err != nil {
		return nil, nil, fmt.Errorf("ratchetlib: kdfChainKey: %w", err)
	}
	return out[:chainKeyLen], out[chainKeyLen:], nil
}
