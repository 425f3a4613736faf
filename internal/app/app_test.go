package app

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/fx"
	"go.uber.org/fx/fxtest"

	"github.com/vedran77/portal/internal/backend"
	"github.com/vedran77/portal/internal/backend/memory"
	"github.com/vedran77/portal/internal/config"
	"github.com/vedran77/portal/internal/directory"
	"github.com/vedran77/portal/internal/domain"
	"github.com/vedran77/portal/internal/presence"
	"github.com/vedran77/portal/internal/session"
)

func TestGraphsValidate(t *testing.T) {
	require.NoError(t, fx.ValidateApp(Gateway))
	require.NoError(t, fx.ValidateApp(Watch(uuid.New())))
}

func TestSessionOptions(t *testing.T) {
	cfg := &config.Config{
		Presence: config.PresenceConfig{Heartbeat: time.Minute},
		Notify:   config.NotifyConfig{AlertTTL: 3 * time.Second},
	}
	opts := sessionOptions(cfg)
	assert.Equal(t, time.Minute, opts.Heartbeat)
	assert.Nil(t, opts.Alerter)

	cfg.Notify.Desktop = true
	assert.NotNil(t, sessionOptions(cfg).Alerter)
}

func TestWatcherLifecycle(t *testing.T) {
	b := memory.New()
	ana := domain.Identity{ID: uuid.New(), FirstName: "Ana"}
	require.NoError(t, b.Seed(directory.Table, ana))
	factory := session.Factory{
		Realtime:  b,
		ClientFor: func(id uuid.UUID) backend.Client { return b.As(id) },
	}
	cfg := &config.Config{
		Presence: config.PresenceConfig{Heartbeat: time.Hour},
		Notify:   config.NotifyConfig{AlertTTL: time.Second},
	}

	lc := fxtest.NewLifecycle(t)
	startWatcher(lc, cfg, factory, ana.ID, zerolog.Nop())
	lc.RequireStart()
	assert.Equal(t, "online", status(b, ana.ID))
	assert.Equal(t, 2, b.Subscriptions())

	lc.RequireStop()
	assert.Equal(t, "offline", status(b, ana.ID))
	assert.Zero(t, b.Subscriptions())
}

func TestWatcherUnknownUser(t *testing.T) {
	b := memory.New()
	factory := session.Factory{
		Realtime:  b,
		ClientFor: func(id uuid.UUID) backend.Client { return b.As(id) },
	}
	lc := fxtest.NewLifecycle(t)
	startWatcher(lc, &config.Config{}, factory, uuid.New(), zerolog.Nop())
	assert.ErrorIs(t, lc.Start(t.Context()), session.ErrUnknownUser)
}

func status(b *memory.Backend, id uuid.UUID) string {
	for _, row := range b.Rows(presence.Table) {
		if row["user_id"] == id.String() {
			s, _ := row["status"].(string)
			return s
		}
	}
	return ""
}
