package ratchetlib

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"signalengine/internal/store"
)

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	identity, err := GenerateIdentityKeyPair()
	require.NoError(t, err)
	signedPreKey, err := GenerateSignedPreKey(1)
	require.NoError(t, err)
	m := NewManager(identity, signedPreKey)

	oneTime, err := GenerateOneTimePreKeys(1, 5)
	require.NoError(t, err)
	m.AddOneTimePreKeys(oneTime)
	return m
}

// bundleDeviceFor builds the pre-key bundle device entry m would publish,
// without a one-time pre-key (the X3DH fallback path when supply runs out).
func bundleDeviceFor(m *Manager) store.PreKeyDevice {
	sp := m.SignedPreKey()
	return store.PreKeyDevice{
		DeviceID:        1,
		SignedPreKeyID:  sp.ID,
		SignedPreKey:    sp.Pub[:],
		SignedPreKeySig: sp.Signature,
	}
}

func TestSessionBootstrapAndExchangeBothDirections(t *testing.T) {
	alice := newTestManager(t)
	bob := newTestManager(t)

	aliceAddr := store.SessionAddress{Number: "+1alice", DeviceID: 1}
	bobAddr := store.SessionAddress{Number: "+1bob", DeviceID: 1}

	bobIdentityPub := bob.IdentityPublicKey()
	bobDevice := bundleDeviceFor(bob)

	require.NoError(t, alice.BuildSenderSession(bobAddr, bobIdentityPub[:], bobDevice))

	plaintext := []byte("hello bob, this is alice")
	isPreKey, wire, err := alice.Encrypt(bobAddr, plaintext)
	require.NoError(t, err)
	assert.True(t, isPreKey, "first message of a session must carry the X3DH handshake")

	got, err := bob.DecryptPreKeyMessage(aliceAddr, wire)
	require.NoError(t, err)
	assert.Equal(t, plaintext, got)

	// Bob replies on the now-established session, without a handshake.
	isPreKey, reply, err := bob.Encrypt(aliceAddr, []byte("hi alice"))
	require.NoError(t, err)
	assert.False(t, isPreKey)

	gotReply, err := alice.DecryptMessage(bobAddr, reply)
	require.NoError(t, err)
	assert.Equal(t, []byte("hi alice"), gotReply)
}

func TestEncryptWithoutSessionFails(t *testing.T) {
	m := newTestManager(t)
	_, _, err := m.Encrypt(store.SessionAddress{Number: "+1nobody", DeviceID: 1}, []byte("x"))
	require.Error(t, err)
}

func TestDeleteSessionForgetsState(t *testing.T) {
	alice := newTestManager(t)
	bob := newTestManager(t)
	bobAddr := store.SessionAddress{Number: "+1bob", DeviceID: 1}
	bobIdentityPub := bob.IdentityPublicKey()

	require.NoError(t, alice.BuildSenderSession(bobAddr, bobIdentityPub[:], bundleDeviceFor(bob)))
	assert.True(t, alice.HasSession(bobAddr))

	alice.DeleteSession(bobAddr)
	assert.False(t, alice.HasSession(bobAddr))
}
