package ratchetlib

import (
	"encoding/binary"
	"fmt"
)

// On-the-wire message type discriminator, carried as Envelope.Type in
// signalproto (EnvelopeCiphertext/EnvelopePreKeyBundle) rather than inside
// this package's own framing.

const noOneTimePreKey = 0xFFFFFFFF

// encodeWhisperHeader lays out a ratchet Header as a fixed 40-byte prefix:
// [DHPub(32)][MsgNum(4, big-endian)][Prev(4, big-endian)].
func encodeWhisperHeader(h Header) []byte {
	b := make([]byte, 40)
	copy(b[:32], h.Pub[:])
	binary.BigEndian.PutUint32(b[32:36], h.MsgNum)
	binary.BigEndian.PutUint32(b[36:40], h.Prev)
	return b
}

func decodeWhisperHeader(b []byte) (Header, []byte, error) {
	var h Header
	if len(b) < 40 {
		return h, nil, fmt.Errorf("ratchetlib: whisper message too short: %d bytes", len(b))
	}
	copy(h.Pub[:], b[:32])
	h.MsgNum = binary.BigEndian.Uint32(b[32:36])
	h.Prev = binary.BigEndian.Uint32(b[36:40])
	return h, b[40:], nil
}

// encodeWhisperMessage is the wire body of a regular (post-handshake) Signal
// message: ratchet header followed by the AEAD ciphertext (spec §3).
func encodeWhisperMessage(h Header, ciphertext []byte) []byte {
	out := encodeWhisperHeader(h)
	return append(out, ciphertext...)
}

func decodeWhisperMessage(b []byte) (Header, []byte, error) {
	h, rest, err := decodeWhisperHeader(b)
	if err != nil {
		return h, nil, err
	}
	return h, rest, nil
}

// preKeyHandshake is the one-time X3DH bootstrap a sender prepends to the
// very first message of a new session (spec §6 analogue of Signal's
// PreKeyWhisperMessage: identity key + ephemeral key + which one-time
// pre-key, if any, was consumed).
type preKeyHandshake struct {
	IdentityPub  [32]byte
	EphemeralPub [32]byte
	OneTimeID    uint32 // noOneTimePreKey when none was used
}

func encodePreKeyHandshake(h preKeyHandshake) []byte {
	b := make([]byte, 32+32+4)
	copy(b[:32], h.IdentityPub[:])
	copy(b[32:64], h.EphemeralPub[:])
	binary.BigEndian.PutUint32(b[64:68], h.OneTimeID)
	return b
}

func decodePreKeyHandshake(b []byte) (preKeyHandshake, []byte, error) {
	var h preKeyHandshake
	if len(b) < 68 {
		return h, nil, fmt.Errorf("ratchetlib: prekey handshake too short: %d bytes", len(b))
	}
	copy(h.IdentityPub[:], b[:32])
	copy(h.EphemeralPub[:], b[32:64])
	h.OneTimeID = binary.BigEndian.Uint32(b[64:68])
	return h, b[68:], nil
}

// encodePreKeyMessage wraps a handshake prefix around an inner whisper
// message body; this is the wire body a SessionBuilder.Encrypt call emits
// for the first message of a session (spec §6 SessionBuilder.process).
func encodePreKeyMessage(hs preKeyHandshake, inner []byte) []byte {
	return append(encodePreKeyHandshake(hs), inner...)
}

func decodePreKeyMessage(b []byte) (preKeyHandshake, []byte, error) {
	hs, rest, err := decodePreKeyHandshake(b)
	if err != nil {
		return hs, nil, err
	}
	return hs, rest, nil
}
