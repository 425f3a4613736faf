// Package app wires the gateway together with fx.
package app

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"

	"github.com/vedran77/portal/internal/backend"
	"github.com/vedran77/portal/internal/backend/memory"
	"github.com/vedran77/portal/internal/backend/postgres"
	"github.com/vedran77/portal/internal/config"
	"github.com/vedran77/portal/internal/directory"
	"github.com/vedran77/portal/internal/logging"
	"github.com/vedran77/portal/internal/notify"
	"github.com/vedran77/portal/internal/session"
	portalhttp "github.com/vedran77/portal/internal/transport/http"
	"github.com/vedran77/portal/internal/transport/ws"
)

const connectTimeout = 10 * time.Second

// Core provides configuration, logging, the backend and the session
// factory.
var Core = fx.Options(
	fx.Provide(
		config.Load,
		newLogger,
		newBackend,
		newRedis,
		newFactory,
	),
	fx.WithLogger(func(log zerolog.Logger) fxevent.Logger {
		return &fxLogger{log: log.With().Str("component", "fx").Logger()}
	}),
)

// Gateway serves REST and websocket sessions.
var Gateway = fx.Options(
	Core,
	fx.Provide(
		newHub,
		newRouter,
	),
	fx.Invoke(startServer),
)

func newLogger(cfg *config.Config) zerolog.Logger {
	return logging.New(cfg.Env, cfg.LogLevel)
}

// Backend is the data plane every session talks to.
type Backend struct {
	Realtime  backend.Realtime
	ClientFor func(userID uuid.UUID) backend.Client
}

func newBackend(lc fx.Lifecycle, cfg *config.Config, log zerolog.Logger) (Backend, error) {
	if cfg.Backend == config.BackendMemory {
		log.Warn().Msg("using in-memory backend, data is lost on restart")
		mem := memory.New()
		return Backend{
			Realtime:  mem,
			ClientFor: func(id uuid.UUID) backend.Client { return mem.As(id) },
		}, nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), connectTimeout)
	defer cancel()
	pool, err := postgres.Connect(ctx, cfg.Database.DSN())
	if err != nil {
		return Backend{}, err
	}
	log.Info().Str("host", cfg.Database.Host).Msg("connected to database")

	if cfg.Database.Migrate {
		if err := postgres.Migrate(ctx, pool, log); err != nil {
			pool.Close()
			return Backend{}, err
		}
	}

	pg := postgres.New(pool, log)
	listenCtx, stopListening := context.WithCancel(context.Background())
	done := make(chan struct{})
	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			go func() {
				defer close(done)
				if err := pg.Listener().Run(listenCtx); err != nil && !errors.Is(err, context.Canceled) {
					log.Error().Err(err).Msg("change feed listener stopped")
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			stopListening()
			select {
			case <-done:
			case <-ctx.Done():
			}
			pool.Close()
			return nil
		},
	})

	return Backend{
		Realtime:  pg,
		ClientFor: func(id uuid.UUID) backend.Client { return pg.As(id) },
	}, nil
}

// newRedis returns nil when no Redis address is configured.
func newRedis(lc fx.Lifecycle, cfg *config.Config, log zerolog.Logger) *redis.Client {
	if cfg.Redis.Addr == "" {
		return nil
	}
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			// The directory cache degrades to the database without Redis.
			if err := rdb.Ping(ctx).Err(); err != nil {
				log.Warn().Err(err).Str("addr", cfg.Redis.Addr).Msg("redis unreachable")
			}
			return nil
		},
		OnStop: func(context.Context) error {
			return rdb.Close()
		},
	})
	return rdb
}

func newFactory(be Backend, rdb *redis.Client, cfg *config.Config, log zerolog.Logger) session.Factory {
	f := session.Factory{
		Realtime:  be.Realtime,
		ClientFor: be.ClientFor,
	}
	if rdb != nil {
		f.WrapFetcher = func(next directory.Fetcher) directory.Fetcher {
			return directory.NewRedisFetcher(rdb, next, cfg.Redis.DirectoryTTL, log)
		}
	}
	return f
}

func newHub(lc fx.Lifecycle, log zerolog.Logger) *ws.Hub {
	hub := ws.NewHub(log)
	ctx, cancel := context.WithCancel(context.Background())
	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			go hub.Run(ctx)
			return nil
		},
		OnStop: func(context.Context) error {
			cancel()
			return nil
		},
	})
	return hub
}

func sessionOptions(cfg *config.Config) session.Options {
	opts := session.Options{
		Heartbeat: cfg.Presence.Heartbeat,
		AlertTTL:  cfg.Notify.AlertTTL,
	}
	if cfg.Notify.Desktop {
		opts.Alerter = notify.DesktopAlerter{Icon: cfg.Notify.Icon}
	}
	return opts
}

func newRouter(cfg *config.Config, factory session.Factory, hub *ws.Hub, log zerolog.Logger) http.Handler {
	gateway := ws.ServeWS(hub, factory, ws.Options{
		JWTSecret:      cfg.Auth.JWTSecret,
		OriginPatterns: cfg.Server.AllowedOrigins,
		Session:        sessionOptions(cfg),
	}, log)

	return portalhttp.NewRouter(portalhttp.RouterConfig{
		JWTSecret:      cfg.Auth.JWTSecret,
		AllowedOrigins: cfg.Server.AllowedOrigins,
		WebSocket:      gateway,
	}, factory, log)
}

func startServer(lc fx.Lifecycle, sd fx.Shutdowner, cfg *config.Config, handler http.Handler, log zerolog.Logger) {
	srv := &http.Server{
		Addr:              net.JoinHostPort("", cfg.Server.Port),
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			ln, err := net.Listen("tcp", srv.Addr)
			if err != nil {
				return err
			}
			go func() {
				log.Info().Str("addr", srv.Addr).Msg("starting server")
				if err := srv.Serve(ln); !errors.Is(err, http.ErrServerClosed) {
					log.Error().Err(err).Msg("server stopped")
					sd.Shutdown()
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			ctx, cancel := context.WithTimeout(ctx, cfg.Server.ShutdownTimeout)
			defer cancel()
			return srv.Shutdown(ctx)
		},
	})
}
