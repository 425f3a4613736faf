// Package feed manages change-feed registrations on behalf of views. Each
// registration is identified by a scope key; registering a key again
// replaces the previous registration.
package feed

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"

	"github.com/vedran77/portal/internal/backend"
	"github.com/vedran77/portal/internal/metrics"
)

var ErrUnknownHandle = errors.New("unknown subscription handle")

type Handler func(backend.Event)

// Handle identifies a registration. The zero Handle is never issued.
type Handle uint64

type registration struct {
	key    string
	cancel func()
	live   atomic.Bool
}

type Client struct {
	rt  backend.Realtime
	log zerolog.Logger

	mu   sync.Mutex
	next Handle
	subs map[Handle]*registration
	keys map[string]Handle
}

func NewClient(rt backend.Realtime, log zerolog.Logger) *Client {
	return &Client{
		rt:   rt,
		log:  log.With().Str("component", "feed").Logger(),
		subs: make(map[Handle]*registration),
		keys: make(map[string]Handle),
	}
}

// Subscribe registers h for events matching sub under key. Events arriving
// after the registration is released are dropped.
func (c *Client) Subscribe(ctx context.Context, key string, sub backend.Subscription, h Handler) (Handle, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if prev, ok := c.keys[key]; ok {
		c.release(prev)
	}

	reg := &registration{key: key}
	reg.live.Store(true)
	cancel, err := c.rt.Subscribe(ctx, sub, func(ev backend.Event) {
		if !reg.live.Load() {
			return
		}
		metrics.FeedEvents.WithLabelValues(ev.Table, string(ev.Type)).Inc()
		h(ev)
	})
	if err != nil {
		return 0, fmt.Errorf("subscribing to %s: %w", key, err)
	}
	reg.cancel = cancel

	c.next++
	handle := c.next
	c.subs[handle] = reg
	c.keys[key] = handle
	metrics.FeedSubscriptions.Inc()
	c.log.Debug().Str("key", key).Str("table", sub.Table).Msg("subscribed")
	return handle, nil
}

func (c *Client) Unsubscribe(h Handle) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.subs[h]; !ok {
		return ErrUnknownHandle
	}
	c.release(h)
	return nil
}

func (c *Client) release(h Handle) {
	reg, ok := c.subs[h]
	if !ok {
		return
	}
	reg.live.Store(false)
	reg.cancel()
	delete(c.subs, h)
	if c.keys[reg.key] == h {
		delete(c.keys, reg.key)
	}
	metrics.FeedSubscriptions.Dec()
	c.log.Debug().Str("key", reg.key).Msg("unsubscribed")
}

// Active returns the number of live registrations.
func (c *Client) Active() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.subs)
}

// Close releases every registration.
func (c *Client) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for h := range c.subs {
		c.release(h)
	}
}

// Scope holds at most one registration for a view, e.g. the messages of
// the selected channel.
type Scope struct {
	c *Client

	mu     sync.Mutex
	handle Handle
	key    string
}

func (c *Client) NewScope() *Scope {
	return &Scope{c: c}
}

// Switch releases the current registration and registers a new one.
func (s *Scope) Switch(ctx context.Context, key string, sub backend.Subscription, h Handler) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.releaseLocked()
	handle, err := s.c.Subscribe(ctx, key, sub, h)
	if err != nil {
		return err
	}
	s.handle = handle
	s.key = key
	return nil
}

// Key returns the key of the current registration, or "".
func (s *Scope) Key() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.key
}

func (s *Scope) Release() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.releaseLocked()
}

func (s *Scope) releaseLocked() {
	if s.handle == 0 {
		return
	}
	if err := s.c.Unsubscribe(s.handle); err != nil && !errors.Is(err, ErrUnknownHandle) {
		s.c.log.Warn().Err(err).Str("key", s.key).Msg("releasing scope")
	}
	s.handle = 0
	s.key = ""
}
