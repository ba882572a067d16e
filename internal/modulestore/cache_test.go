package modulestore

import (
	"context"
	"sync"
	"testing"

	"github.com/r3e-network/execengine/domain/module"
	"github.com/r3e-network/execengine/pkg/logger"
	"github.com/stretchr/testify/require"
)

// memDurableStore is an in-memory DurableStore used to exercise Store's
// cascade/caching logic without a live Postgres instance.
type memDurableStore struct {
	mu   sync.Mutex
	recs map[string]module.Record
}

func newMemDurableStore() *memDurableStore {
	return &memDurableStore{recs: make(map[string]module.Record)}
}

func memKey(orgID, path string) string { return orgID + "\x00" + path }

func (m *memDurableStore) Put(_ context.Context, rec module.Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.recs[memKey(rec.OrgID, rec.Path)] = rec
	return nil
}

func (m *memDurableStore) Delete(_ context.Context, orgID, path string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.recs, memKey(orgID, path))
	return nil
}

func (m *memDurableStore) Get(_ context.Context, orgID, path string) (*module.Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.recs[memKey(orgID, path)]
	if !ok {
		return nil, nil
	}
	return &rec, nil
}

func (m *memDurableStore) List(_ context.Context, orgID, prefix string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []string
	for _, rec := range m.recs {
		if rec.OrgID == orgID {
			out = append(out, rec.Path)
		}
	}
	return out, nil
}

func (m *memDurableStore) ListAll(_ context.Context) ([]module.Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]module.Record, 0, len(m.recs))
	for _, rec := range m.recs {
		out = append(out, rec)
	}
	return out, nil
}

func newTestStore(t *testing.T) (*Store, *memDurableStore) {
	t.Helper()
	durable := newMemDurableStore()
	s, err := New(durable, nil, Config{}, logger.NewDefault())
	require.NoError(t, err)
	return s, durable
}

func TestPutThenGetReturnsContent(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Put(ctx, "org1", "shared/hello.py", []byte("X"), module.EntityModule))

	content, _, found := s.Get(ctx, "org1", "shared/hello.py")
	require.True(t, found)
	require.Equal(t, []byte("X"), content)
}

func TestPutDoesNotAffectOtherOrgOrGlobal(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Put(ctx, module.GlobalOrg, "shared/hello.py", []byte("global"), module.EntityModule))
	require.NoError(t, s.Put(ctx, "org1", "shared/hello.py", []byte("org1-only"), module.EntityModule))

	content, _, found := s.Get(ctx, "org2", "shared/hello.py")
	require.True(t, found)
	require.Equal(t, []byte("global"), content)

	content, _, found = s.Get(ctx, "org1", "shared/hello.py")
	require.True(t, found)
	require.Equal(t, []byte("org1-only"), content)
}

func TestCascadeFallsBackToGlobal(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Put(ctx, module.GlobalOrg, "shared/hello.py", []byte("global"), module.EntityModule))

	content, _, found := s.Get(ctx, "org1", "shared/hello.py")
	require.True(t, found)
	require.Equal(t, []byte("global"), content)
}

func TestDeleteFallsBackToGlobal(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Put(ctx, module.GlobalOrg, "shared/hello.py", []byte("global"), module.EntityModule))
	require.NoError(t, s.Put(ctx, "org1", "shared/hello.py", []byte("org1-only"), module.EntityModule))
	require.NoError(t, s.Delete(ctx, "org1", "shared/hello.py"))

	content, _, found := s.Get(ctx, "org1", "shared/hello.py")
	require.True(t, found)
	require.Equal(t, []byte("global"), content)
}

func TestGetMissingReturnsNone(t *testing.T) {
	s, _ := newTestStore(t)
	_, _, found := s.Get(context.Background(), "org1", "nope")
	require.False(t, found)
}

func TestWarmAllCoversScopedAndGlobal(t *testing.T) {
	s, durable := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, durable.Put(ctx, module.NewRecord(module.GlobalOrg, "a", []byte("g"), module.EntityModule)))
	require.NoError(t, durable.Put(ctx, module.NewRecord("org1", "b", []byte("o"), module.EntityModule)))

	n, err := s.WarmAll(ctx)
	require.NoError(t, err)
	require.Equal(t, 2, n)

	content, _, found := s.Get(ctx, module.GlobalOrg, "a")
	require.True(t, found)
	require.Equal(t, []byte("g"), content)

	content, _, found = s.Get(ctx, "org1", "b")
	require.True(t, found)
	require.Equal(t, []byte("o"), content)
}
