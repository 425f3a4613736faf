package directory

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vedran77/portal/internal/domain"
)

type fakeRedis struct {
	data    map[string]string
	ttls    map[string]time.Duration
	getErr  error
	deleted []string
}

func newFakeRedis() *fakeRedis {
	return &fakeRedis{data: map[string]string{}, ttls: map[string]time.Duration{}}
}

func (r *fakeRedis) Get(_ context.Context, key string) *redis.StringCmd {
	if r.getErr != nil {
		return redis.NewStringResult("", r.getErr)
	}
	v, ok := r.data[key]
	if !ok {
		return redis.NewStringResult("", redis.Nil)
	}
	return redis.NewStringResult(v, nil)
}

func (r *fakeRedis) Set(_ context.Context, key string, value interface{}, expiration time.Duration) *redis.StatusCmd {
	r.data[key] = string(value.([]byte))
	r.ttls[key] = expiration
	return redis.NewStatusResult("OK", nil)
}

func (r *fakeRedis) Del(_ context.Context, keys ...string) *redis.IntCmd {
	for _, k := range keys {
		delete(r.data, k)
	}
	r.deleted = append(r.deleted, keys...)
	return redis.NewIntResult(int64(len(keys)), nil)
}

func TestRedisFetcherReadThrough(t *testing.T) {
	ana := domain.Identity{ID: uuid.New(), FirstName: "Ana", Role: "manager"}
	next := &stubFetcher{users: map[uuid.UUID]domain.Identity{ana.ID: ana}}
	rdb := newFakeRedis()
	f := NewRedisFetcher(rdb, next, time.Minute, zerolog.Nop())

	for range 2 {
		got, err := f.FetchIdentity(t.Context(), ana.ID)
		require.NoError(t, err)
		require.NotNil(t, got)
		assert.Equal(t, ana, *got)
	}
	assert.Equal(t, int32(1), next.calls.Load())
	assert.Equal(t, time.Minute, rdb.ttls[identityKeyPrefix+ana.ID.String()])

	require.NoError(t, f.Forget(t.Context(), ana.ID))
	_, err := f.FetchIdentity(t.Context(), ana.ID)
	require.NoError(t, err)
	assert.Equal(t, int32(2), next.calls.Load())
}

func TestRedisFetcherDoesNotCacheUnknownUsers(t *testing.T) {
	rdb := newFakeRedis()
	f := NewRedisFetcher(rdb, &stubFetcher{users: map[uuid.UUID]domain.Identity{}}, time.Minute, zerolog.Nop())

	got, err := f.FetchIdentity(t.Context(), uuid.New())
	require.NoError(t, err)
	assert.Nil(t, got)
	assert.Empty(t, rdb.data)
}

func TestRedisFetcherFallsBackWhenRedisIsDown(t *testing.T) {
	ana := domain.Identity{ID: uuid.New(), FirstName: "Ana"}
	next := &stubFetcher{users: map[uuid.UUID]domain.Identity{ana.ID: ana}}
	rdb := newFakeRedis()
	rdb.getErr = errors.New("dial tcp: connection refused")
	f := NewRedisFetcher(rdb, next, time.Minute, zerolog.Nop())

	got, err := f.FetchIdentity(t.Context(), ana.ID)
	require.NoError(t, err)
	assert.Equal(t, "Ana", got.FirstName)

	list, err := f.ListIdentities(t.Context())
	require.NoError(t, err)
	assert.Len(t, list, 1)
	assert.Equal(t, int32(1), next.lists.Load())
}
