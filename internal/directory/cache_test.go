package directory

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vedran77/portal/internal/backend/memory"
	"github.com/vedran77/portal/internal/domain"
)

type stubFetcher struct {
	users   map[uuid.UUID]domain.Identity
	calls   atomic.Int32
	lists   atomic.Int32
	gate    chan struct{}
	failing error
}

func (f *stubFetcher) FetchIdentity(ctx context.Context, id uuid.UUID) (*domain.Identity, error) {
	f.calls.Add(1)
	if f.gate != nil {
		<-f.gate
	}
	if f.failing != nil {
		return nil, f.failing
	}
	ident, ok := f.users[id]
	if !ok {
		return nil, nil
	}
	return &ident, nil
}

func (f *stubFetcher) ListIdentities(context.Context) ([]domain.Identity, error) {
	f.lists.Add(1)
	out := make([]domain.Identity, 0, len(f.users))
	for _, u := range f.users {
		out = append(out, u)
	}
	return out, nil
}

func TestResolveCachesHits(t *testing.T) {
	ana := domain.Identity{ID: uuid.New(), FirstName: "Ana", LastName: "Horvat"}
	f := &stubFetcher{users: map[uuid.UUID]domain.Identity{ana.ID: ana}}
	c := New(f, zerolog.Nop())

	for range 3 {
		got, err := c.Resolve(t.Context(), ana.ID)
		require.NoError(t, err)
		require.NotNil(t, got)
		assert.Equal(t, "Ana Horvat", got.DisplayName())
	}
	assert.Equal(t, int32(1), f.calls.Load())

	c.Invalidate(ana.ID)
	_, err := c.Resolve(t.Context(), ana.ID)
	require.NoError(t, err)
	assert.Equal(t, int32(2), f.calls.Load())
}

func TestResolveUnknownIsNotCached(t *testing.T) {
	f := &stubFetcher{users: map[uuid.UUID]domain.Identity{}}
	c := New(f, zerolog.Nop())
	id := uuid.New()

	for range 2 {
		got, err := c.Resolve(t.Context(), id)
		require.NoError(t, err)
		assert.Nil(t, got)
	}
	assert.Equal(t, int32(2), f.calls.Load())

	got, err := c.Resolve(t.Context(), uuid.Nil)
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestResolveCoalescesConcurrentMisses(t *testing.T) {
	ana := domain.Identity{ID: uuid.New(), FirstName: "Ana"}
	f := &stubFetcher{users: map[uuid.UUID]domain.Identity{ana.ID: ana}, gate: make(chan struct{})}
	c := New(f, zerolog.Nop())

	var wg sync.WaitGroup
	for range 10 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			got, err := c.Resolve(context.Background(), ana.ID)
			assert.NoError(t, err)
			assert.NotNil(t, got)
		}()
	}

	require.Eventually(t, func() bool { return f.calls.Load() == 1 }, time.Second, 5*time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	close(f.gate)
	wg.Wait()
	assert.Equal(t, int32(1), f.calls.Load())
}

func TestResolveError(t *testing.T) {
	boom := errors.New("connection refused")
	c := New(&stubFetcher{failing: boom}, zerolog.Nop())
	_, err := c.Resolve(t.Context(), uuid.New())
	assert.ErrorIs(t, err, boom)
}

func TestResolveMany(t *testing.T) {
	ana := domain.Identity{ID: uuid.New(), FirstName: "Ana"}
	bo := domain.Identity{ID: uuid.New(), FirstName: "Bo"}
	f := &stubFetcher{users: map[uuid.UUID]domain.Identity{ana.ID: ana, bo.ID: bo}}
	c := New(f, zerolog.Nop())
	c.Prime(ana)

	got, err := c.ResolveMany(t.Context(), []uuid.UUID{ana.ID, bo.ID, bo.ID, uuid.New(), uuid.Nil})
	require.NoError(t, err)
	assert.Len(t, got, 2)
	assert.Equal(t, "Bo", got[bo.ID].FirstName)
	assert.Equal(t, int32(2), f.calls.Load())
}

func TestDirectoryLoadsOnceAndPrimes(t *testing.T) {
	ana := domain.Identity{ID: uuid.New(), FirstName: "Ana"}
	f := &stubFetcher{users: map[uuid.UUID]domain.Identity{ana.ID: ana}}
	c := New(f, zerolog.Nop())

	for range 2 {
		list, err := c.Directory(t.Context())
		require.NoError(t, err)
		assert.Len(t, list, 1)
	}
	assert.Equal(t, int32(1), f.lists.Load())

	_, ok := c.Peek(ana.ID)
	assert.True(t, ok)

	c.InvalidateAll()
	_, ok = c.Peek(ana.ID)
	assert.False(t, ok)
	_, err := c.Directory(t.Context())
	require.NoError(t, err)
	assert.Equal(t, int32(2), f.lists.Load())
}

func TestBackendFetcher(t *testing.T) {
	b := memory.New()
	dept := uuid.New()
	zed := domain.Identity{ID: uuid.New(), FirstName: "Zoran", LastName: "Anić", DepartmentID: &dept}
	ana := domain.Identity{ID: uuid.New(), FirstName: "Ana", LastName: "Babić"}
	require.NoError(t, b.Seed(Table, ana, zed))

	f := NewBackendFetcher(b.As(ana.ID))

	got, err := f.FetchIdentity(t.Context(), zed.ID)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, zed, *got)

	missing, err := f.FetchIdentity(t.Context(), uuid.New())
	require.NoError(t, err)
	assert.Nil(t, missing)

	list, err := f.ListIdentities(t.Context())
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, zed.ID, list[0].ID)
}
