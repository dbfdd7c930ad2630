package cache

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"signalengine/internal/store"
)

// memStore is a minimal in-memory store.Store satisfying only what Cache
// exercises; the rest of the interface is here purely to satisfy the type.
type memStore struct {
	mu    sync.Mutex
	items map[string]*store.UnprocessedItem
}

func newMemStore() *memStore {
	return &memStore{items: make(map[string]*store.UnprocessedItem)}
}

func (m *memStore) UserGetNumber() string   { return "+15550000000" }
func (m *memStore) UserGetDeviceID() uint32 { return 1 }

func (m *memStore) GetDeviceIDs(ctx context.Context, number string) ([]uint32, error)   { return nil, nil }
func (m *memStore) SetDeviceIDs(ctx context.Context, number string, ids []uint32) error { return nil }
func (m *memStore) RemoveDevice(ctx context.Context, number string, deviceID uint32) error {
	return nil
}
func (m *memStore) RemoveSession(ctx context.Context, address store.SessionAddress) error {
	return nil
}

func (m *memStore) GroupsGetGroup(ctx context.Context, id []byte) (*store.Group, error) {
	return nil, nil
}
func (m *memStore) GroupsGetNumbers(ctx context.Context, id []byte) ([]string, error) {
	return nil, nil
}
func (m *memStore) GroupsCreateNewGroup(ctx context.Context, members []string, id []byte) error {
	return nil
}
func (m *memStore) GroupsUpdateNumbers(ctx context.Context, id []byte, members []string) error {
	return nil
}
func (m *memStore) GroupsRemoveNumber(ctx context.Context, id []byte, number string) error {
	return nil
}
func (m *memStore) GroupsDeleteGroup(ctx context.Context, id []byte) error { return nil }

func (m *memStore) Get(ctx context.Context, key string, def string) (string, error) { return def, nil }
func (m *memStore) Put(ctx context.Context, key string, value string) error         { return nil }

func (m *memStore) AddUnprocessed(ctx context.Context, id string, envelope []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.items[id] = &store.UnprocessedItem{ID: id, Envelope: envelope}
	return nil
}

func (m *memStore) UpdateUnprocessed(ctx context.Context, item *store.UnprocessedItem) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.items[item.ID] = item
	return nil
}

func (m *memStore) GetUnprocessed(ctx context.Context, id string) (*store.UnprocessedItem, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.items[id], nil
}

func (m *memStore) GetAllUnprocessed(ctx context.Context) ([]*store.UnprocessedItem, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*store.UnprocessedItem, 0, len(m.items))
	for _, item := range m.items {
		out = append(out, item)
	}
	return out, nil
}

func (m *memStore) CountUnprocessed(ctx context.Context) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.items), nil
}

func (m *memStore) RemoveUnprocessed(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.items, id)
	return nil
}

func (m *memStore) RemoveAllUnprocessed(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.items = make(map[string]*store.UnprocessedItem)
	return nil
}

func TestQueueAllCachedDispatchesAndIncrementsAttempts(t *testing.T) {
	ctx := context.Background()
	backing := newMemStore()
	c := New(backing, 0, 0)

	require.NoError(t, c.Insert(ctx, "id-1", []byte("envelope")))

	var dispatched []string
	require.NoError(t, c.QueueAllCached(ctx, func(item *store.UnprocessedItem) {
		dispatched = append(dispatched, item.ID)
	}))

	assert.Equal(t, []string{"id-1"}, dispatched)

	item, err := backing.GetUnprocessed(ctx, "id-1")
	require.NoError(t, err)
	require.NotNil(t, item)
	assert.EqualValues(t, 1, item.Attempts)
}

func TestQueueAllCachedDropsItemAtMaxAttempts(t *testing.T) {
	ctx := context.Background()
	backing := newMemStore()
	c := New(backing, 0, 2)

	require.NoError(t, backing.AddUnprocessed(ctx, "id-1", []byte("envelope")))
	backing.items["id-1"].Attempts = 1

	var dispatched []string
	require.NoError(t, c.QueueAllCached(ctx, func(item *store.UnprocessedItem) {
		dispatched = append(dispatched, item.ID)
	}))

	assert.Empty(t, dispatched)
	item, err := backing.GetUnprocessed(ctx, "id-1")
	require.NoError(t, err)
	assert.Nil(t, item)
}

func TestQueueAllCachedPurgesWhenOverThreshold(t *testing.T) {
	ctx := context.Background()
	backing := newMemStore()
	c := New(backing, 1, 0)

	require.NoError(t, backing.AddUnprocessed(ctx, "id-1", nil))
	require.NoError(t, backing.AddUnprocessed(ctx, "id-2", nil))

	var dispatched []string
	require.NoError(t, c.QueueAllCached(ctx, func(item *store.UnprocessedItem) {
		dispatched = append(dispatched, item.ID)
	}))

	assert.Empty(t, dispatched)
	count, err := backing.CountUnprocessed(ctx)
	require.NoError(t, err)
	assert.Zero(t, count)
}
