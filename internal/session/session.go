// Package session wires the realtime engines together for one signed-in
// user: a private directory cache and feed client shared by the channel,
// direct message, presence and notification components.
package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/vedran77/portal/internal/backend"
	"github.com/vedran77/portal/internal/channels"
	"github.com/vedran77/portal/internal/directory"
	"github.com/vedran77/portal/internal/dm"
	"github.com/vedran77/portal/internal/domain"
	"github.com/vedran77/portal/internal/feed"
	"github.com/vedran77/portal/internal/mention"
	"github.com/vedran77/portal/internal/notify"
	"github.com/vedran77/portal/internal/presence"
)

var ErrUnknownUser = errors.New("user is not in the directory")

// Factory hands out backend access per user.
type Factory struct {
	Realtime  backend.Realtime
	ClientFor func(userID uuid.UUID) backend.Client
	// WrapFetcher optionally decorates the per-user directory fetcher,
	// e.g. with a shared Redis layer.
	WrapFetcher func(directory.Fetcher) directory.Fetcher
}

type Options struct {
	Heartbeat time.Duration
	AlertTTL  time.Duration
	Alerter   notify.Alerter
	// Passive sessions only track presence and alerts.
	Passive bool
}

type Session struct {
	Me        domain.Identity
	Directory *directory.Cache
	Feed      *feed.Client
	Channels  *channels.Engine
	DMs       *dm.Engine
	Presence  *presence.Tracker
	Notify    *notify.Relay

	log zerolog.Logger
}

// Caller is one user's backend access without any change feeds. Request
// handlers build engines on top of it.
type Caller struct {
	Client    backend.Client
	Directory *directory.Cache
	Me        domain.Identity
}

// Caller resolves userID against a fresh directory cache.
func (f Factory) Caller(ctx context.Context, userID uuid.UUID, log zerolog.Logger) (*Caller, error) {
	client := f.ClientFor(userID)
	var fetcher directory.Fetcher = directory.NewBackendFetcher(client)
	if f.WrapFetcher != nil {
		fetcher = f.WrapFetcher(fetcher)
	}

	dir := directory.New(fetcher, log)
	me, err := dir.Resolve(ctx, userID)
	if err != nil {
		return nil, err
	}
	if me == nil {
		return nil, ErrUnknownUser
	}
	return &Caller{Client: client, Directory: dir, Me: *me}, nil
}

// Open resolves the user and starts every component. On failure the
// components already started are shut down again.
func Open(ctx context.Context, f Factory, userID uuid.UUID, opts Options, log zerolog.Logger) (*Session, error) {
	log = log.With().Str("user_id", userID.String()).Logger()
	c, err := f.Caller(ctx, userID, log)
	if errors.Is(err, ErrUnknownUser) {
		return nil, err
	}
	if err != nil {
		return nil, fmt.Errorf("opening session: %w", err)
	}
	client, dir := c.Client, c.Directory

	s := &Session{Me: c.Me, Directory: dir, log: log}
	s.Feed = feed.NewClient(f.Realtime, log)

	var presenceOpts []presence.Option
	if opts.Heartbeat > 0 {
		presenceOpts = append(presenceOpts, presence.WithHeartbeat(opts.Heartbeat))
	}
	var notifyOpts []notify.Option
	if opts.AlertTTL > 0 {
		notifyOpts = append(notifyOpts, notify.WithAlertTTL(opts.AlertTTL))
	}
	s.Presence = presence.New(client, s.Feed, userID, log, presenceOpts...)
	s.Notify = notify.New(client, s.Feed, userID, opts.Alerter, log, notifyOpts...)

	if err := s.Presence.Start(ctx); err != nil {
		s.Close(ctx)
		return nil, fmt.Errorf("starting presence: %w", err)
	}
	if err := s.Notify.Start(ctx); err != nil {
		s.Close(ctx)
		return nil, fmt.Errorf("starting notifications: %w", err)
	}
	if opts.Passive {
		log.Info().Msg("session opened")
		return s, nil
	}

	s.Channels = channels.New(client, dir, s.Feed, s.Me, log)
	s.DMs = dm.New(client, dir, s.Feed, s.Me, log)
	if err := s.Channels.Start(ctx); err != nil {
		s.Close(ctx)
		return nil, fmt.Errorf("starting channels: %w", err)
	}
	if err := s.DMs.Start(ctx); err != nil {
		s.Close(ctx)
		return nil, fmt.Errorf("starting direct messages: %w", err)
	}

	log.Info().Msg("session opened")
	return s, nil
}

// Close publishes offline and releases every feed registration.
func (s *Session) Close(ctx context.Context) {
	if s.Presence != nil {
		s.Presence.Stop(ctx)
	}
	if s.Notify != nil {
		s.Notify.Stop()
	}
	if s.DMs != nil {
		s.DMs.Close()
	}
	if s.Channels != nil {
		s.Channels.Close()
	}
	s.Feed.Close()
	s.log.Info().Msg("session closed")
}

// Suggest lists users matching a mention query, leaving out the user
// and anyone already mentioned in the draft.
func (s *Session) Suggest(ctx context.Context, query string, draft *mention.Draft) ([]domain.Identity, error) {
	all, err := s.Directory.Directory(ctx)
	if err != nil {
		return nil, err
	}
	exclude := map[uuid.UUID]struct{}{s.Me.ID: {}}
	if draft != nil {
		for id := range draft.Excluded() {
			exclude[id] = struct{}{}
		}
	}
	return mention.Suggest(all, query, exclude), nil
}
