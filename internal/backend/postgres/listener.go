package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"github.com/vedran77/portal/internal/backend"
	"github.com/vedran77/portal/internal/metrics"
)

// NotifyChannel is the LISTEN channel the change triggers publish to.
const NotifyChannel = "portal_changes"

const (
	reconnectDelay = 2 * time.Second
	queueSize      = 256
)

// subscription runs its handler on its own goroutine so a slow handler
// never stalls the LISTEN connection or other subscribers.
type subscription struct {
	sub   backend.Subscription
	fn    func(backend.Event)
	queue chan backend.Event
	done  chan struct{}
}

func (s *subscription) run() {
	for {
		select {
		case ev := <-s.queue:
			s.fn(ev)
		case <-s.done:
			return
		}
	}
}

// Listener holds one dedicated connection in LISTEN mode and fans change
// notifications out to subscribers. It reconnects on connection loss;
// events published while disconnected are lost, and so are events for a
// subscriber whose queue is full.
type Listener struct {
	pool *pgxpool.Pool
	log  zerolog.Logger

	mu   sync.RWMutex
	subs map[int]*subscription
	next int
}

func NewListener(pool *pgxpool.Pool, log zerolog.Logger) *Listener {
	return &Listener{
		pool: pool,
		log:  log.With().Str("component", "pg_listener").Logger(),
		subs: make(map[int]*subscription),
	}
}

func (l *Listener) Subscribe(_ context.Context, sub backend.Subscription, fn func(backend.Event)) (func(), error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	id := l.next
	l.next++
	s := &subscription{
		sub:   sub,
		fn:    fn,
		queue: make(chan backend.Event, queueSize),
		done:  make(chan struct{}),
	}
	l.subs[id] = s
	go s.run()

	var once sync.Once
	return func() {
		once.Do(func() {
			l.mu.Lock()
			delete(l.subs, id)
			l.mu.Unlock()
			close(s.done)
		})
	}, nil
}

// Run listens until ctx is cancelled.
func (l *Listener) Run(ctx context.Context) error {
	for {
		err := l.listen(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		l.log.Warn().Err(err).Dur("retry_in", reconnectDelay).Msg("change feed connection lost")

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(reconnectDelay):
		}
	}
}

func (l *Listener) listen(ctx context.Context) error {
	conn, err := l.pool.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("acquiring listener connection: %w", err)
	}
	defer conn.Release()

	if _, err := conn.Exec(ctx, "LISTEN "+pgx.Identifier{NotifyChannel}.Sanitize()); err != nil {
		return fmt.Errorf("listening on %s: %w", NotifyChannel, err)
	}
	l.log.Info().Str("channel", NotifyChannel).Msg("change feed listening")

	for {
		n, err := conn.Conn().WaitForNotification(ctx)
		if err != nil {
			return err
		}

		var ev backend.Event
		if err := json.Unmarshal([]byte(n.Payload), &ev); err != nil {
			l.log.Error().Err(err).Msg("malformed change notification")
			continue
		}
		l.dispatch(ev)
	}
}

func (l *Listener) dispatch(ev backend.Event) {
	l.mu.RLock()
	targets := make([]*subscription, 0, len(l.subs))
	for _, s := range l.subs {
		if s.sub.Matches(ev) {
			targets = append(targets, s)
		}
	}
	l.mu.RUnlock()

	for _, s := range targets {
		select {
		case s.queue <- ev:
		default:
			metrics.FeedEventsDropped.WithLabelValues(ev.Table).Inc()
			l.log.Warn().Str("table", ev.Table).Str("type", string(ev.Type)).Msg("subscriber queue full, dropping event")
		}
	}
}
