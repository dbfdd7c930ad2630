// Package ratchetlib is the concrete Double Ratchet + X3DH implementation
// this engine's receiver/sender packages address through a SessionCipher-
// shaped interface (spec §1, §6: the ratchet itself is "assumed available
// as a library" — this is that library, generalized from a single fixed
// peer to per-SessionAddress multi-device, multi-recipient sessions).
package ratchetlib

import (
	"bytes"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"

	"signalengine/internal/cryptographic/dh"
	"signalengine/internal/cryptographic/encryption"
)

// MaxSkip bounds how many message keys a single receive call will generate
// to catch up a skipped chain, unless Unlimited is set.
const MaxSkip = 1000

// Header is the per-message ratchet header (spec §3 wraps this inside the
// wire ciphertext; see wire.go).
type Header struct {
	Pub    [32]byte
	MsgNum uint32
	Prev   uint32
}

func headerToAAD(h Header) []byte {
	b := make([]byte, 32+4+4)
	copy(b[:32], h.Pub[:])
	binary.BigEndian.PutUint32(b[32:36], h.MsgNum)
	binary.BigEndian.PutUint32(b[36:40], h.Prev)
	return b
}

func skippedKey(pub [32]byte, msgNum uint32) string {
	return hex.EncodeToString(pub[:]) + ":" + fmt.Sprint(msgNum)
}

// state is one session's ratchet state, keyed by store.SessionAddress in
// Manager. Unlimited disables the MaxSkip ceiling for self-sync addresses
// (spec §4.5 decrypt: "messageKeysLimit=unlimited when source equals local
// number").
type state struct {
	RootKey []byte

	DHsPriv [32]byte
	DHsPub  [32]byte
	DHr     [32]byte

	SendingChainKey   []byte
	ReceivingChainKey []byte
	Ns                uint32
	Nr                uint32
	PN                uint32

	Skipped map[string][]byte

	Unlimited bool

	// pendingHandshake holds the sender-side X3DH bootstrap (identity +
	// ephemeral public keys) until the first message is sent, at which
	// point it is embedded once in the wire PreKey message.
	pendingHandshake []byte
}

func newState(rootKey []byte, ourPriv, ourPub, theirPub [32]byte) *state {
	return &state{
		RootKey: rootKey,
		DHsPriv: ourPriv,
		DHsPub:  ourPub,
		DHr:     theirPub,
		Skipped: make(map[string][]byte),
	}
}

func (s *state) initiateSendingRatchet() error {
	newPriv, newPub, err := newX25519KeyPair()
	if err != nil {
		return err
	}
	if bytes.Equal(s.DHr[:], make([]byte, 32)) {
		return errors.New("ratchetlib: remote public key not set; cannot ratchet")
	}
	shared, err := dh.X25519SharedSecret(newPriv, s.DHr)
	if err != nil {
		return fmt.Errorf("ratchetlib: X25519 during initiateSendingRatchet: %w", err)
	}
	s.RootKey, s.SendingChainKey, err = kdfRootKey(s.RootKey, shared)
	if err != nil {
		return fmt.Errorf("ratchetlib: initiateSendingRatchet: %w", err)
	}
	s.DHsPriv = newPriv
	s.DHsPub = newPub
	s.Ns = 0
	return nil
}

func (s *state) skipLimit() int {
	if s.Unlimited {
		return 1 << 30
	}
	return MaxSkip
}

func (s *state) saveSkippedMessages(oldTheirPub [32]byte, until uint32) error {
	if s.ReceivingChainKey == nil {
		return errors.New("ratchetlib: no receiving chain key when saving skipped messages")
	}
	if until <= s.Nr {
		return nil
	}
	toGenerate := int(until - s.Nr)
	limit := s.skipLimit()
	if toGenerate > limit {
		return fmt.Errorf("ratchetlib: skip limit exceeded: attempting %d keys (max %d)", toGenerate, limit)
	}
	if len(s.Skipped)+toGenerate > limit {
		return fmt.Errorf("ratchetlib: skip map would exceed limit: have=%d need=%d max=%d", len(s.Skipped), toGenerate, limit)
	}
	for toGenerate > 0 {
		var msgKey []byte
		var err error
		s.ReceivingChainKey, msgKey, err = kdfChainKey(s.ReceivingChainKey)
		if err != nil {
			return err
		}
		k := skippedKey(oldTheirPub, s.Nr)
		cpy := make([]byte, len(msgKey))
		copy(cpy, msgKey)
		s.Skipped[k] = cpy
		s.Nr++
		toGenerate--
	}
	return nil
}

// send produces a header and ciphertext for plaintext, advancing Ns.
func (s *state) send(plaintext []byte) (Header, []byte, error) {
	var hdr Header
	if s.SendingChainKey == nil {
		if err := s.initiateSendingRatchet(); err != nil {
			return hdr, nil, err
		}
	}
	msgNum := s.Ns
	var msgKey []byte
	var err error
	s.SendingChainKey, msgKey, err = kdfChainKey(s.SendingChainKey)
	if err != nil {
		return hdr, nil, err
	}
	s.Ns++

	hdr.Pub = s.DHsPub
	hdr.MsgNum = msgNum
	hdr.Prev = s.PN

	ct, err := encryption.AEADEncrypt(msgKey, plaintext, headerToAAD(hdr))
	if err != nil {
		return hdr, nil, err
	}
	return hdr, ct, nil
}

// receive consumes a header and ciphertext, returning plaintext.
func (s *state) receive(h Header, ciphertext []byte) ([]byte, error) {
	key := skippedKey(h.Pub, h.MsgNum)
	if mk, ok := s.Skipped[key]; ok {
		delete(s.Skipped, key)
		return encryption.AEADDecrypt(mk, ciphertext, headerToAAD(h))
	}

	if !bytes.Equal(h.Pub[:], s.DHr[:]) {
		oldTheirPub := s.DHr
		if s.ReceivingChainKey != nil && h.Prev > s.Nr {
			if err := s.saveSkippedMessages(oldTheirPub, h.Prev); err != nil {
				return nil, err
			}
		}
		s.PN = s.Ns
		s.Ns = 0
		s.Nr = 0

		shared, err := dh.X25519SharedSecret(s.DHsPriv, h.Pub)
		if err != nil {
			return nil, fmt.Errorf("ratchetlib: X25519 during receive ratchet: %w", err)
		}
		s.RootKey, s.ReceivingChainKey, err = kdfRootKey(s.RootKey, shared)
		if err != nil {
			return nil, err
		}
		s.DHr = h.Pub
	}

	if h.MsgNum > s.Nr {
		if s.ReceivingChainKey == nil {
			return nil, errors.New("ratchetlib: no receiving chain key available")
		}
		if err := s.saveSkippedMessages(s.DHr, h.MsgNum); err != nil {
			return nil, err
		}
	}

	if s.ReceivingChainKey == nil {
		return nil, errors.New("ratchetlib: no receiving chain key to derive message key")
	}
	var msgKey []byte
	var err error
	s.ReceivingChainKey, msgKey, err = kdfChainKey(s.ReceivingChainKey)
	if err != nil {
		return nil, err
	}
	s.Nr++

	return encryption.AEADDecrypt(msgKey, ciphertext, headerToAAD(h))
}
