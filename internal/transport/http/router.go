// Package http exposes the chat engines over REST.
package http

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/vedran77/portal/internal/session"
	"github.com/vedran77/portal/internal/transport/http/handlers"
	"github.com/vedran77/portal/internal/transport/http/middleware"
)

type RouterConfig struct {
	JWTSecret      string
	AllowedOrigins []string
	// WebSocket is mounted at /ws when set. It authenticates on its own.
	WebSocket http.Handler
}

// NewRouter builds the REST API around per-request engines.
func NewRouter(cfg RouterConfig, factory session.Factory, logger zerolog.Logger) *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.Metrics)
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(middleware.Logger(logger))
	r.Use(chimw.Recoverer)

	origins := cfg.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type"},
		MaxAge:         300,
	}))

	callers := handlers.NewCallers(factory, logger)
	channelHandler := handlers.NewChannelHandler(callers)
	dmHandler := handlers.NewDMHandler(callers)
	userHandler := handlers.NewUserHandler(callers)

	r.Handle("/metrics", promhttp.Handler())
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status": "ok"}`))
	})
	if cfg.WebSocket != nil {
		r.Handle("/ws", cfg.WebSocket)
	}

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(middleware.Auth(cfg.JWTSecret))

		r.Get("/me", userHandler.Me)
		r.Get("/directory", userHandler.Directory)
		r.Get("/presence", userHandler.Presence)
		r.Get("/notifications/preferences", userHandler.NotificationPreferences)

		r.Get("/channels", channelHandler.List)
		r.Post("/channels", channelHandler.Create)
		r.Post("/channels/{id}/archive", channelHandler.Archive)
		r.Get("/channels/{id}/messages", channelHandler.ListMessages)
		r.Post("/channels/{id}/messages", channelHandler.SendMessage)

		r.Get("/dm", dmHandler.ListConversations)
		r.Post("/dm", dmHandler.GetOrCreateConversation)
		r.Get("/dm/{id}/messages", dmHandler.ListMessages)
		r.Post("/dm/{id}/messages", dmHandler.SendMessage)
		r.Post("/dm/{id}/read", dmHandler.MarkAsRead)
	})

	return r
}
