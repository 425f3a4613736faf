// Package presence publishes the current user's status and tracks the
// status of everyone else from the presence feed.
package presence

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/vedran77/portal/internal/apperror"
	"github.com/vedran77/portal/internal/backend"
	"github.com/vedran77/portal/internal/domain"
	"github.com/vedran77/portal/internal/feed"
	"github.com/vedran77/portal/internal/metrics"
)

const (
	Table = "user_presence"

	rpcUpsert = "upsert_user_presence"
	feedKey   = "presence"

	DefaultHeartbeat = 30 * time.Second
	offlineTimeout   = 3 * time.Second
)

type Option func(*Tracker)

// WithHeartbeat sets how often online is re-published while visible.
func WithHeartbeat(d time.Duration) Option {
	return func(t *Tracker) { t.interval = d }
}

func WithClock(now func() time.Time) Option {
	return func(t *Tracker) { t.now = now }
}

type Tracker struct {
	client   backend.Client
	feed     *feed.Client
	me       uuid.UUID
	log      zerolog.Logger
	interval time.Duration
	now      func() time.Time

	// visMu orders visibility changes with heartbeat emissions.
	visMu sync.Mutex

	mu        sync.Mutex
	presence  map[uuid.UUID]domain.UserPresence
	visible   bool
	handle    feed.Handle
	stop      context.CancelFunc
	done      chan struct{}
	listeners []func(map[uuid.UUID]domain.UserPresence)
}

// New builds a tracker for user me. fc may be nil.
func New(client backend.Client, fc *feed.Client, me uuid.UUID, log zerolog.Logger, opts ...Option) *Tracker {
	t := &Tracker{
		client:   client,
		feed:     fc,
		me:       me,
		log:      log.With().Str("component", "presence").Logger(),
		interval: DefaultHeartbeat,
		now:      func() time.Time { return time.Now().UTC() },
		presence: make(map[uuid.UUID]domain.UserPresence),
		visible:  true,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// OnChange registers fn to receive a snapshot after every change.
func (t *Tracker) OnChange(fn func(map[uuid.UUID]domain.UserPresence)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.listeners = append(t.listeners, fn)
}

// Start publishes online, loads known statuses, follows the presence feed
// and starts the heartbeat. Calls after the first are no-ops until Stop.
func (t *Tracker) Start(ctx context.Context) error {
	hbCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	done := make(chan struct{})

	t.mu.Lock()
	if t.stop != nil {
		t.mu.Unlock()
		cancel()
		return nil
	}
	t.stop, t.done = cancel, done
	t.visible = true
	t.mu.Unlock()

	if err := t.start(ctx); err != nil {
		t.mu.Lock()
		if t.done == done {
			t.stop, t.done = nil, nil
		}
		t.mu.Unlock()
		cancel()
		close(done)
		return err
	}
	go t.heartbeat(hbCtx, done)
	return nil
}

func (t *Tracker) start(ctx context.Context) error {
	if err := t.emit(ctx, domain.StatusOnline); err != nil {
		t.log.Warn().Err(err).Msg("publishing online")
	}
	if err := t.Load(ctx); err != nil {
		return err
	}
	if t.feed == nil {
		return nil
	}
	h, err := t.feed.Subscribe(ctx, feedKey, backend.Subscription{Table: Table}, t.handleEvent)
	if err != nil {
		return apperror.Translate(err)
	}
	t.mu.Lock()
	t.handle = h
	t.mu.Unlock()
	return nil
}

// Load replaces the known statuses with the stored rows.
func (t *Tracker) Load(ctx context.Context) error {
	rows, err := t.client.Select(ctx, backend.From(Table))
	if err != nil {
		return apperror.Translate(err)
	}
	list, err := backend.DecodeRows[domain.UserPresence](rows)
	if err != nil {
		return apperror.Translate(err)
	}
	next := make(map[uuid.UUID]domain.UserPresence, len(list))
	for _, p := range list {
		next[p.UserID] = p
	}
	t.update(func(map[uuid.UUID]domain.UserPresence) map[uuid.UUID]domain.UserPresence { return next })
	return nil
}

func (t *Tracker) heartbeat(ctx context.Context, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			t.beat(ctx)
		}
	}
}

func (t *Tracker) beat(ctx context.Context) {
	t.visMu.Lock()
	defer t.visMu.Unlock()

	t.mu.Lock()
	visible := t.visible
	t.mu.Unlock()
	if !visible {
		return
	}
	if err := t.emit(ctx, domain.StatusOnline); err != nil && ctx.Err() == nil {
		t.log.Warn().Err(err).Msg("heartbeat")
	}
}

// SetVisibility publishes away when the user's view is hidden and online
// when it is shown again.
func (t *Tracker) SetVisibility(ctx context.Context, visible bool) error {
	t.visMu.Lock()
	defer t.visMu.Unlock()

	t.mu.Lock()
	t.visible = visible
	t.mu.Unlock()

	status := domain.StatusAway
	if visible {
		status = domain.StatusOnline
	}
	if err := t.emit(ctx, status); err != nil {
		return apperror.Translate(err)
	}
	return nil
}

// Stop ends the heartbeat, leaves the feed and publishes offline. Failing
// to publish offline is only logged.
func (t *Tracker) Stop(ctx context.Context) {
	t.mu.Lock()
	stop, done, h := t.stop, t.done, t.handle
	t.stop, t.done, t.handle = nil, nil, 0
	t.mu.Unlock()

	if stop != nil {
		stop()
		<-done
	}
	if h != 0 {
		_ = t.feed.Unsubscribe(h)
	}

	offCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), offlineTimeout)
	defer cancel()
	if err := t.emit(offCtx, domain.StatusOffline); err != nil {
		t.log.Warn().Err(err).Msg("publishing offline")
	}
}

// emit upserts the current user's own presence row.
func (t *Tracker) emit(ctx context.Context, status domain.PresenceStatus) error {
	_, err := t.client.RPC(ctx, rpcUpsert, map[string]any{"status": string(status)})
	if err != nil {
		metrics.PresenceEmissions.WithLabelValues(string(status), "error").Inc()
		return fmt.Errorf("publishing %s: %w", status, err)
	}
	metrics.PresenceEmissions.WithLabelValues(string(status), "ok").Inc()
	t.log.Debug().Str("status", string(status)).Msg("presence published")
	return nil
}

func (t *Tracker) handleEvent(ev backend.Event) {
	t.update(func(m map[uuid.UUID]domain.UserPresence) map[uuid.UUID]domain.UserPresence {
		return ApplyEvent(m, ev)
	})
}

func (t *Tracker) update(fn func(map[uuid.UUID]domain.UserPresence) map[uuid.UUID]domain.UserPresence) {
	t.mu.Lock()
	next := fn(t.presence)
	t.presence = next
	listeners := slices.Clone(t.listeners)
	t.mu.Unlock()

	for _, l := range listeners {
		l(copyMap(next))
	}
}

// ApplyEvent returns the presence map after ev. The input map is not
// modified.
func ApplyEvent(m map[uuid.UUID]domain.UserPresence, ev backend.Event) map[uuid.UUID]domain.UserPresence {
	var p domain.UserPresence
	if err := ev.Record().Decode(&p); err != nil || p.UserID == uuid.Nil {
		return m
	}
	next := copyMap(m)
	if ev.Type == backend.EventDelete {
		delete(next, p.UserID)
		return next
	}
	next[p.UserID] = p
	return next
}

func copyMap(m map[uuid.UUID]domain.UserPresence) map[uuid.UUID]domain.UserPresence {
	out := make(map[uuid.UUID]domain.UserPresence, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func (t *Tracker) Get(id uuid.UUID) (domain.UserPresence, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	p, ok := t.presence[id]
	return p, ok
}

func (t *Tracker) IsOnline(id uuid.UUID) bool {
	p, ok := t.Get(id)
	return ok && p.Status == domain.StatusOnline
}

func (t *Tracker) IsAway(id uuid.UUID) bool {
	p, ok := t.Get(id)
	return ok && p.Status == domain.StatusAway
}

// LastSeen describes when id was last seen, or "" when unknown.
func (t *Tracker) LastSeen(id uuid.UUID) string {
	p, ok := t.Get(id)
	if !ok || p.LastSeenAt.IsZero() {
		return ""
	}
	return FormatLastSeen(t.now(), p.LastSeenAt)
}

func (t *Tracker) Snapshot() map[uuid.UUID]domain.UserPresence {
	t.mu.Lock()
	defer t.mu.Unlock()
	return copyMap(t.presence)
}

// FormatLastSeen renders the time elapsed since seen.
func FormatLastSeen(now, seen time.Time) string {
	minutes := int(now.Sub(seen) / time.Minute)
	switch {
	case minutes < 1:
		return "Just now"
	case minutes < 60:
		return ago(minutes, "minute")
	case minutes < 24*60:
		return ago(minutes/60, "hour")
	}
	return ago(minutes/(24*60), "day")
}

func ago(n int, unit string) string {
	if n == 1 {
		return "1 " + unit + " ago"
	}
	return fmt.Sprintf("%d %ss ago", n, unit)
}
