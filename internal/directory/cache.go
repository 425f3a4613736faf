// Package directory resolves user ids to display identities for one
// session. Entries live until the session ends or are invalidated.
package directory

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/vedran77/portal/internal/domain"
)

const (
	directoryKey  = "directory"
	fetchParallel = 8
)

// Fetcher loads identities from the source of truth. FetchIdentity returns
// nil, nil for unknown users.
type Fetcher interface {
	FetchIdentity(ctx context.Context, id uuid.UUID) (*domain.Identity, error)
	ListIdentities(ctx context.Context) ([]domain.Identity, error)
}

type Cache struct {
	fetcher Fetcher
	log     zerolog.Logger
	group   singleflight.Group

	mu        sync.RWMutex
	entries   map[uuid.UUID]domain.Identity
	directory []domain.Identity
}

func New(fetcher Fetcher, log zerolog.Logger) *Cache {
	return &Cache{
		fetcher: fetcher,
		log:     log.With().Str("component", "directory").Logger(),
		entries: make(map[uuid.UUID]domain.Identity),
	}
}

// Peek returns the cached identity without fetching.
func (c *Cache) Peek(id uuid.UUID) (domain.Identity, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	ident, ok := c.entries[id]
	return ident, ok
}

// Resolve returns the identity for id, fetching it on a miss. Concurrent
// misses for the same id share one fetch. Unknown users yield nil, nil and
// are not remembered.
func (c *Cache) Resolve(ctx context.Context, id uuid.UUID) (*domain.Identity, error) {
	if id == uuid.Nil {
		return nil, nil
	}
	if ident, ok := c.Peek(id); ok {
		return &ident, nil
	}

	v, err, _ := c.group.Do(id.String(), func() (any, error) {
		ident, err := c.fetcher.FetchIdentity(ctx, id)
		if err != nil {
			return nil, err
		}
		if ident != nil {
			c.Prime(*ident)
		}
		return ident, nil
	})
	if err != nil {
		return nil, fmt.Errorf("resolving user %s: %w", id, err)
	}

	ident, _ := v.(*domain.Identity)
	if ident == nil {
		return nil, nil
	}
	cp := *ident
	return &cp, nil
}

// ResolveMany resolves ids in parallel. Unknown users are left out of the
// result.
func (c *Cache) ResolveMany(ctx context.Context, ids []uuid.UUID) (map[uuid.UUID]domain.Identity, error) {
	out := make(map[uuid.UUID]domain.Identity, len(ids))
	var missing []uuid.UUID
	seen := make(map[uuid.UUID]struct{}, len(ids))
	for _, id := range ids {
		if _, dup := seen[id]; dup || id == uuid.Nil {
			continue
		}
		seen[id] = struct{}{}
		if ident, ok := c.Peek(id); ok {
			out[id] = ident
			continue
		}
		missing = append(missing, id)
	}
	if len(missing) == 0 {
		return out, nil
	}

	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(fetchParallel)
	for _, id := range missing {
		g.Go(func() error {
			ident, err := c.Resolve(gctx, id)
			if err != nil || ident == nil {
				return err
			}
			mu.Lock()
			out[id] = *ident
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

// Directory returns every mentionable user in directory order. The list is
// fetched once and primes the per-id entries.
func (c *Cache) Directory(ctx context.Context) ([]domain.Identity, error) {
	c.mu.RLock()
	if c.directory != nil {
		list := append([]domain.Identity(nil), c.directory...)
		c.mu.RUnlock()
		return list, nil
	}
	c.mu.RUnlock()

	v, err, _ := c.group.Do(directoryKey, func() (any, error) {
		list, err := c.fetcher.ListIdentities(ctx)
		if err != nil {
			return nil, err
		}
		if list == nil {
			list = []domain.Identity{}
		}
		c.mu.Lock()
		c.directory = list
		for _, ident := range list {
			c.entries[ident.ID] = ident
		}
		c.mu.Unlock()
		c.log.Debug().Int("users", len(list)).Msg("directory loaded")
		return list, nil
	})
	if err != nil {
		return nil, fmt.Errorf("loading directory: %w", err)
	}
	return append([]domain.Identity(nil), v.([]domain.Identity)...), nil
}

// Prime stores identities that were obtained elsewhere.
func (c *Cache) Prime(idents ...domain.Identity) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, ident := range idents {
		c.entries[ident.ID] = ident
	}
}

func (c *Cache) Invalidate(id uuid.UUID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, id)
}

// InvalidateAll drops every entry and the directory list.
func (c *Cache) InvalidateAll() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[uuid.UUID]domain.Identity)
	c.directory = nil
}
