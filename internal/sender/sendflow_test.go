package sender

import (
	"context"
	"crypto/rand"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"signalengine/internal/errs"
	"signalengine/internal/ratchetlib"
	"signalengine/internal/signalproto"
	"signalengine/internal/store"
)

// fakeDeviceStore is an in-memory store.Store exercising only the
// device-roster bookkeeping sendflow.go drives; every other method is a
// harmless stub.
type fakeDeviceStore struct {
	mu      sync.Mutex
	devices map[string][]uint32
}

func newFakeDeviceStore(devices map[string][]uint32) *fakeDeviceStore {
	return &fakeDeviceStore{devices: devices}
}

func (s *fakeDeviceStore) UserGetNumber() string   { return "+1local" }
func (s *fakeDeviceStore) UserGetDeviceID() uint32 { return 1 }

func (s *fakeDeviceStore) GetDeviceIDs(ctx context.Context, number string) ([]uint32, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]uint32(nil), s.devices[number]...), nil
}

func (s *fakeDeviceStore) SetDeviceIDs(ctx context.Context, number string, ids []uint32) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.devices[number] = append([]uint32(nil), ids...)
	return nil
}

func (s *fakeDeviceStore) RemoveDevice(ctx context.Context, number string, deviceID uint32) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := s.devices[number][:0]
	for _, id := range s.devices[number] {
		if id != deviceID {
			out = append(out, id)
		}
	}
	s.devices[number] = out
	return nil
}

func (s *fakeDeviceStore) RemoveSession(ctx context.Context, address store.SessionAddress) error {
	return nil
}

func (s *fakeDeviceStore) GroupsGetGroup(ctx context.Context, id []byte) (*store.Group, error) {
	return nil, nil
}
func (s *fakeDeviceStore) GroupsGetNumbers(ctx context.Context, id []byte) ([]string, error) {
	return nil, nil
}
func (s *fakeDeviceStore) GroupsCreateNewGroup(ctx context.Context, members []string, id []byte) error {
	return nil
}
func (s *fakeDeviceStore) GroupsUpdateNumbers(ctx context.Context, id []byte, members []string) error {
	return nil
}
func (s *fakeDeviceStore) GroupsRemoveNumber(ctx context.Context, id []byte, number string) error {
	return nil
}
func (s *fakeDeviceStore) GroupsDeleteGroup(ctx context.Context, id []byte) error { return nil }

func (s *fakeDeviceStore) Get(ctx context.Context, key, def string) (string, error) { return def, nil }
func (s *fakeDeviceStore) Put(ctx context.Context, key, value string) error         { return nil }

func (s *fakeDeviceStore) AddUnprocessed(ctx context.Context, id string, envelope []byte) error {
	return nil
}
func (s *fakeDeviceStore) UpdateUnprocessed(ctx context.Context, item *store.UnprocessedItem) error {
	return nil
}
func (s *fakeDeviceStore) GetUnprocessed(ctx context.Context, id string) (*store.UnprocessedItem, error) {
	return nil, nil
}
func (s *fakeDeviceStore) GetAllUnprocessed(ctx context.Context) ([]*store.UnprocessedItem, error) {
	return nil, nil
}
func (s *fakeDeviceStore) CountUnprocessed(ctx context.Context) (int, error) { return 0, nil }
func (s *fakeDeviceStore) RemoveUnprocessed(ctx context.Context, id string) error { return nil }
func (s *fakeDeviceStore) RemoveAllUnprocessed(ctx context.Context) error        { return nil }

func randomKey32() []byte {
	b := make([]byte, 32)
	_, _ = rand.Read(b)
	return b
}

// fakeServer is a store.Server whose SendMessages response sequence is
// scripted per test, and whose GetKeysForNumber hands out syntactically
// valid (random) key material for any device it's asked about, under one
// identity key that stays the same across fetches.
type fakeServer struct {
	mu            sync.Mutex
	responses     []error
	sent          int
	getKeysErr404 bool
	identityKey   []byte
}

func (s *fakeServer) GetMessageSocket(ctx context.Context) (store.Socket, error) { return nil, nil }

func (s *fakeServer) GetKeysForNumber(ctx context.Context, number string, deviceID *uint32) (*store.PreKeyBundle, error) {
	if s.getKeysErr404 {
		return nil, &store.HTTPStatusError{Code: 404}
	}
	id := uint32(1)
	if deviceID != nil {
		id = *deviceID
	}
	s.mu.Lock()
	if s.identityKey == nil {
		s.identityKey = randomKey32()
	}
	identityKey := s.identityKey
	s.mu.Unlock()
	return &store.PreKeyBundle{
		IdentityKey: identityKey,
		Devices: []store.PreKeyDevice{{
			DeviceID:       id,
			RegistrationID: 42,
			SignedPreKeyID: 1,
			SignedPreKey:   randomKey32(),
		}},
	}, nil
}

func (s *fakeServer) SendMessages(ctx context.Context, number string, messages []store.DeviceCiphertext, timestamp uint64, silent bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var err error
	if s.sent < len(s.responses) {
		err = s.responses[s.sent]
	}
	s.sent++
	return err
}

func (s *fakeServer) GetAttachment(ctx context.Context, id uint64) ([]byte, error) { return nil, nil }
func (s *fakeServer) GetDevices(ctx context.Context, number string) ([]uint32, error) {
	return nil, nil
}

func newTestSender(st store.Store, srv store.Server) *Sender {
	identity, _ := ratchetlib.GenerateIdentityKeyPair()
	signedPreKey, _ := ratchetlib.GenerateSignedPreKey(1)
	sessions := ratchetlib.NewManager(identity, signedPreKey)
	return New(st, srv, sessions, "+1local", 1, nil)
}

func sendAndWait(t *testing.T, s *Sender, numbers []string) ([]string, []error) {
	t.Helper()
	done := make(chan struct{})
	var successful []string
	var errsOut []error
	s.Send(context.Background(), 1000, numbers, &signalproto.Content{
		DataMessage: &signalproto.DataMessage{Body: "hi", Timestamp: 1000},
	}, false, func(ok []string, errs []error) {
		successful, errsOut = ok, errs
		close(done)
	})
	<-done
	return successful, errsOut
}

// TestSendRecoversFromDeviceMismatch covers spec scenario 1: a 409 response
// drops an extra device and fetches keys for a missing one, then the retry
// succeeds.
func TestSendRecoversFromDeviceMismatch(t *testing.T) {
	st := newFakeDeviceStore(map[string][]uint32{"+1bob": {1, 2}})
	srv := &fakeServer{responses: []error{
		&store.HTTPStatusError{Code: 409, Mismatch: &store.DeviceMismatch{ExtraDevices: []uint32{2}, MissingDevices: []uint32{3}}},
		nil,
	}}
	s := newTestSender(st, srv)

	successful, errsOut := sendAndWait(t, s, []string{"+1bob"})

	assert.Equal(t, []string{"+1bob"}, successful)
	assert.Empty(t, errsOut)

	ids, err := st.GetDeviceIDs(context.Background(), "+1bob")
	require.NoError(t, err)
	assert.ElementsMatch(t, []uint32{1, 3}, ids)
}

// TestSendHitsRetryLimitOnRepeatedMismatch covers the asymmetric retry rule:
// a 410 retries with recurse=false, so a 409 on that retry registers a
// terminal error instead of retrying forever.
func TestSendHitsRetryLimitOnRepeatedMismatch(t *testing.T) {
	st := newFakeDeviceStore(map[string][]uint32{"+1bob": {1}})
	mismatch := &store.DeviceMismatch{}
	srv := &fakeServer{responses: []error{
		&store.HTTPStatusError{Code: 410, Stale: &store.StaleDevices{StaleDevices: []uint32{1}}},
		&store.HTTPStatusError{Code: 409, Mismatch: mismatch},
	}}
	s := newTestSender(st, srv)

	_, errsOut := sendAndWait(t, s, []string{"+1bob"})

	require.Len(t, errsOut, 1)
	var msgErr *errs.OutgoingMessageError
	require.ErrorAs(t, errsOut[0], &msgErr)
	assert.Equal(t, "Hit retry limit", msgErr.Reason)
}

// TestSendRecoversFromStaleDevices covers spec scenario 2: a 410 response
// rebuilds the session for the stale device and the retry succeeds.
func TestSendRecoversFromStaleDevices(t *testing.T) {
	st := newFakeDeviceStore(map[string][]uint32{"+1bob": {1}})
	srv := &fakeServer{responses: []error{
		&store.HTTPStatusError{Code: 410, Stale: &store.StaleDevices{StaleDevices: []uint32{1}}},
		nil,
	}}
	s := newTestSender(st, srv)

	successful, errsOut := sendAndWait(t, s, []string{"+1bob"})

	assert.Equal(t, []string{"+1bob"}, successful)
	assert.Empty(t, errsOut)
}

// TestSendUnregisteredUserOn404 covers the primary-device 404 path: the
// number is reported unregistered rather than retried.
func TestSendUnregisteredUserOn404(t *testing.T) {
	st := newFakeDeviceStore(map[string][]uint32{})
	srv := &fakeServer{}
	srv.getKeysErr404 = true
	s := newTestSender(st, srv)

	_, errsOut := sendAndWait(t, s, []string{"+1stranger"})

	require.Len(t, errsOut, 1)
	var unreg *errs.UnregisteredUserError
	assert.ErrorAs(t, errsOut[0], &unreg)
}
