package ratchetlib

import (
	"fmt"
	"sync"

	"signalengine/internal/errs"
	"signalengine/internal/store"
)

// Manager is this engine's SessionCipher/SessionBuilder (spec §6): it owns
// the local identity/signed-pre-key/one-time-pre-key material and a
// per-SessionAddress table of Double Ratchet states, and exposes
// Encrypt/Decrypt calls that hide X3DH bootstrapping from callers.
type Manager struct {
	mu sync.Mutex

	identity     IdentityKeyPair
	signedPreKey SignedPreKeyPair
	oneTime      map[uint32]OneTimePreKeyPair

	sessions        map[store.SessionAddress]*state
	knownIdentities map[store.SessionAddress][32]byte
}

func NewManager(identity IdentityKeyPair, signedPreKey SignedPreKeyPair) *Manager {
	return &Manager{
		identity:        identity,
		signedPreKey:    signedPreKey,
		oneTime:         make(map[uint32]OneTimePreKeyPair),
		sessions:        make(map[store.SessionAddress]*state),
		knownIdentities: make(map[store.SessionAddress][32]byte),
	}
}

// AddOneTimePreKeys stocks freshly generated one-time pre-keys so the
// server's key directory has a supply to hand out (spec §6).
func (m *Manager) AddOneTimePreKeys(keys []OneTimePreKeyPair) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, k := range keys {
		m.oneTime[k.ID] = k
	}
}

// IdentityPublicKey returns this engine's long-term identity public key.
func (m *Manager) IdentityPublicKey() [32]byte { return m.identity.Pub }

// SignedPreKey returns the currently published signed pre-key.
func (m *Manager) SignedPreKey() SignedPreKeyPair { return m.signedPreKey }

func (m *Manager) HasSession(addr store.SessionAddress) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.sessions[addr]
	return ok
}

func (m *Manager) DeleteSession(addr store.SessionAddress) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.sessions, addr)
}

// SetUnlimited lifts the skipped-message-key ceiling for addr, used for the
// local number's own linked-device (sync) address (spec §4.5).
func (m *Manager) SetUnlimited(addr store.SessionAddress, unlimited bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.sessions[addr]; ok {
		s.Unlimited = unlimited
	}
}

func to32(b []byte) ([32]byte, error) {
	var out [32]byte
	if len(b) != 32 {
		return out, fmt.Errorf("ratchetlib: expected 32-byte key, got %d", len(b))
	}
	copy(out[:], b)
	return out, nil
}

// BuildSenderSession runs the X3DH initiator step against a pre-key bundle
// device fetched from Server.GetKeysForNumber, and stashes the handshake
// prefix so it rides along with the first Encrypt call for addr (spec §6
// SessionBuilder.process for an outbound PreKeyWhisperMessage).
func (m *Manager) BuildSenderSession(addr store.SessionAddress, theirIdentityKey []byte, device store.PreKeyDevice) error {
	theirIdentityPub, err := to32(theirIdentityKey)
	if err != nil {
		return err
	}
	theirSignedPreKeyPub, err := to32(device.SignedPreKey)
	if err != nil {
		return err
	}

	m.mu.Lock()
	known, hasKnown := m.knownIdentities[addr]
	m.mu.Unlock()
	if hasKnown && known != theirIdentityPub {
		return &errs.IdentityKeyChanged{Address: addr.String(), IdentityKey: theirIdentityPub[:]}
	}

	ephPriv, ephPub, err := newX25519KeyPair()
	if err != nil {
		return err
	}

	var theirOneTimePub *[32]byte
	oneTimeID := uint32(noOneTimePreKey)
	if device.HasPreKey {
		v, err := to32(device.PreKeyPublic)
		if err != nil {
			return err
		}
		theirOneTimePub = &v
		oneTimeID = device.PreKeyID
	}

	sk, err := x3dhSenderShareKey(m.identity.Priv, ephPriv, theirIdentityPub, theirSignedPreKeyPub, theirOneTimePub)
	if err != nil {
		return fmt.Errorf("ratchetlib: x3dh sender: %w", err)
	}

	st := newState(sk, [32]byte{}, [32]byte{}, theirSignedPreKeyPub)
	st.pendingHandshake = encodePreKeyHandshake(preKeyHandshake{
		IdentityPub:  m.identity.Pub,
		EphemeralPub: ephPub,
		OneTimeID:    oneTimeID,
	})

	m.mu.Lock()
	m.sessions[addr] = st
	m.knownIdentities[addr] = theirIdentityPub
	m.mu.Unlock()
	return nil
}

// Encrypt produces the wire body for plaintext addressed to addr. isPreKey
// reports whether the caller must frame the envelope as
// signalproto.EnvelopePreKeyBundle rather than EnvelopeCiphertext (spec §6:
// the first message of a session carries the X3DH handshake).
func (m *Manager) Encrypt(addr store.SessionAddress, plaintext []byte) (isPreKey bool, wire []byte, err error) {
	m.mu.Lock()
	st, ok := m.sessions[addr]
	m.mu.Unlock()
	if !ok {
		return false, nil, errs.NoSessionError{Address: addr.String()}
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	h, ct, err := st.send(plaintext)
	if err != nil {
		return false, nil, fmt.Errorf("ratchetlib: encrypt: %w", err)
	}
	inner := encodeWhisperMessage(h, ct)

	if st.pendingHandshake != nil {
		hs := st.pendingHandshake
		st.pendingHandshake = nil
		return true, append(hs, inner...), nil
	}
	return false, inner, nil
}

// DecryptPreKeyMessage bootstraps (or re-bootstraps) a receiver-side session
// from an inbound EnvelopePreKeyBundle body, consumes the one-time pre-key it
// names if any, and returns the decrypted plaintext of the message it wraps.
// If addr already has a known identity key and the message carries a
// different one, it returns IdentityKeyChanged; the Manager has no call that
// replaces a known identity key, and DeleteSession does not clear it.
func (m *Manager) DecryptPreKeyMessage(addr store.SessionAddress, wire []byte) ([]byte, error) {
	hs, inner, err := decodePreKeyMessage(wire)
	if err != nil {
		return nil, fmt.Errorf("ratchetlib: decrypt prekey message: %w", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if known, ok := m.knownIdentities[addr]; ok && known != hs.IdentityPub {
		return nil, &errs.IdentityKeyChanged{Address: addr.String(), IdentityKey: hs.IdentityPub[:]}
	}

	var oneTimePriv *[32]byte
	if hs.OneTimeID != noOneTimePreKey {
		otk, ok := m.oneTime[hs.OneTimeID]
		if !ok {
			return nil, errs.UnknownOneTimePreKeyError{ID: hs.OneTimeID}
		}
		oneTimePriv = &otk.Priv
	}

	sk, err := x3dhReceiverShareKey(m.signedPreKey.Priv, m.identity.Priv, hs.IdentityPub, hs.EphemeralPub, oneTimePriv)
	if err != nil {
		return nil, fmt.Errorf("ratchetlib: x3dh receiver: %w", err)
	}

	st := newState(sk, m.signedPreKey.Priv, m.signedPreKey.Pub, [32]byte{})
	h, ct, err := decodeWhisperMessage(inner)
	if err != nil {
		return nil, err
	}
	plaintext, err := st.receive(h, ct)
	if err != nil {
		return nil, fmt.Errorf("ratchetlib: decrypt prekey message: %w", err)
	}

	m.sessions[addr] = st
	m.knownIdentities[addr] = hs.IdentityPub
	if hs.OneTimeID != noOneTimePreKey {
		delete(m.oneTime, hs.OneTimeID)
	}
	return plaintext, nil
}

// DecryptMessage decrypts a regular (post-handshake) Whisper message body
// against addr's existing session.
func (m *Manager) DecryptMessage(addr store.SessionAddress, wire []byte) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	st, ok := m.sessions[addr]
	if !ok {
		return nil, errs.NoSessionError{Address: addr.String()}
	}
	h, ct, err := decodeWhisperMessage(wire)
	if err != nil {
		return nil, err
	}
	plaintext, err := st.receive(h, ct)
	if err != nil {
		return nil, fmt.Errorf("ratchetlib: decrypt message: %w", err)
	}
	return plaintext, nil
}
