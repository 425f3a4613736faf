package app

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.uber.org/fx"

	"github.com/vedran77/portal/internal/config"
	"github.com/vedran77/portal/internal/notify"
	"github.com/vedran77/portal/internal/session"
)

// Watch keeps one user online and shows their notifications as desktop
// alerts until the process stops.
func Watch(userID uuid.UUID) fx.Option {
	return fx.Options(
		Core,
		fx.Invoke(func(lc fx.Lifecycle, cfg *config.Config, factory session.Factory, log zerolog.Logger) {
			startWatcher(lc, cfg, factory, userID, log)
		}),
	)
}

func startWatcher(lc fx.Lifecycle, cfg *config.Config, factory session.Factory, userID uuid.UUID, log zerolog.Logger) {
	var sess *session.Session
	desktop := notify.DesktopAlerter{Icon: cfg.Notify.Icon}
	alerter := notify.AlerterFunc(func(ctx context.Context, a notify.Alert) error {
		log.Info().Str("type", string(a.Type)).Str("title", a.Title).Msg("notification")
		return desktop.Alert(ctx, a)
	})

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			s, err := session.Open(ctx, factory, userID, session.Options{
				Heartbeat: cfg.Presence.Heartbeat,
				AlertTTL:  cfg.Notify.AlertTTL,
				Alerter:   alerter,
				Passive:   true,
			}, log)
			if err != nil {
				return err
			}
			sess = s
			log.Info().Str("user", s.Me.DisplayName()).Msg("watching for notifications")
			return nil
		},
		OnStop: func(ctx context.Context) error {
			if sess == nil {
				return nil
			}
			ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
			defer cancel()
			sess.Close(ctx)
			return nil
		},
	})
}
