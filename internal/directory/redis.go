package directory

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/vedran77/portal/internal/domain"
	"github.com/vedran77/portal/internal/metrics"
)

const (
	identityKeyPrefix = "portal:identity:"
	directoryListKey  = "portal:directory"
)

// RedisCmdable is the subset of the go-redis client used here.
type RedisCmdable interface {
	Get(ctx context.Context, key string) *redis.StringCmd
	Set(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.StatusCmd
	Del(ctx context.Context, keys ...string) *redis.IntCmd
}

// RedisFetcher is a read-through layer shared by every gateway instance.
// Redis failures degrade to the wrapped fetcher.
type RedisFetcher struct {
	rdb  RedisCmdable
	next Fetcher
	ttl  time.Duration
	log  zerolog.Logger
}

var _ Fetcher = (*RedisFetcher)(nil)

func NewRedisFetcher(rdb RedisCmdable, next Fetcher, ttl time.Duration, log zerolog.Logger) *RedisFetcher {
	return &RedisFetcher{
		rdb:  rdb,
		next: next,
		ttl:  ttl,
		log:  log.With().Str("component", "directory_redis").Logger(),
	}
}

func (f *RedisFetcher) FetchIdentity(ctx context.Context, id uuid.UUID) (*domain.Identity, error) {
	key := identityKeyPrefix + id.String()

	var ident domain.Identity
	if f.get(ctx, key, &ident) {
		metrics.DirectoryFetches.WithLabelValues("redis").Inc()
		return &ident, nil
	}

	fetched, err := f.next.FetchIdentity(ctx, id)
	if err != nil || fetched == nil {
		return fetched, err
	}
	f.set(ctx, key, fetched)
	return fetched, nil
}

func (f *RedisFetcher) ListIdentities(ctx context.Context) ([]domain.Identity, error) {
	var list []domain.Identity
	if f.get(ctx, directoryListKey, &list) {
		metrics.DirectoryFetches.WithLabelValues("redis").Inc()
		return list, nil
	}

	list, err := f.next.ListIdentities(ctx)
	if err != nil {
		return nil, err
	}
	f.set(ctx, directoryListKey, list)
	return list, nil
}

// Forget removes a user from the shared cache, e.g. after a profile edit.
func (f *RedisFetcher) Forget(ctx context.Context, id uuid.UUID) error {
	return f.rdb.Del(ctx, identityKeyPrefix+id.String(), directoryListKey).Err()
}

func (f *RedisFetcher) get(ctx context.Context, key string, dst any) bool {
	data, err := f.rdb.Get(ctx, key).Bytes()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			f.log.Warn().Err(err).Str("key", key).Msg("redis get failed")
		}
		return false
	}
	if err := json.Unmarshal(data, dst); err != nil {
		f.log.Warn().Err(err).Str("key", key).Msg("discarding malformed cache entry")
		return false
	}
	return true
}

func (f *RedisFetcher) set(ctx context.Context, key string, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		return
	}
	if err := f.rdb.Set(ctx, key, data, f.ttl).Err(); err != nil {
		f.log.Warn().Err(err).Str("key", key).Msg("redis set failed")
	}
}
