package ws

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/rs/zerolog"
	"nhooyr.io/websocket"

	"github.com/vedran77/portal/internal/notify"
	"github.com/vedran77/portal/internal/session"
	"github.com/vedran77/portal/internal/transport/http/middleware"
)

const openTimeout = 10 * time.Second

type Options struct {
	JWTSecret string
	// OriginPatterns restricts browser origins. Empty accepts any origin.
	OriginPatterns []string
	Session        session.Options
}

// ServeWS returns an HTTP handler that upgrades to WebSocket and opens a
// session for the connection. Auth is done via ?token=xxx query param
// (WebSocket can't send headers).
func ServeWS(hub *Hub, factory session.Factory, opts Options, log zerolog.Logger) http.HandlerFunc {
	log = log.With().Str("component", "ws").Logger()
	return func(w http.ResponseWriter, r *http.Request) {
		tokenStr := r.URL.Query().Get("token")
		if tokenStr == "" {
			http.Error(w, "missing token", http.StatusUnauthorized)
			return
		}
		userID, err := middleware.ParseToken(tokenStr, opts.JWTSecret)
		if err != nil {
			http.Error(w, "invalid token", http.StatusUnauthorized)
			return
		}

		conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
			OriginPatterns:     opts.OriginPatterns,
			InsecureSkipVerify: len(opts.OriginPatterns) == 0,
		})
		if err != nil {
			log.Warn().Err(err).Msg("accept error")
			return
		}

		client := NewClient(hub, conn, userID, log)
		sessOpts := opts.Session
		if sessOpts.Alerter != nil {
			sessOpts.Alerter = notify.Multi(sessOpts.Alerter, client.Alerter())
		} else {
			sessOpts.Alerter = client.Alerter()
		}
		sessOpts.Passive = false

		ctx, cancel := context.WithTimeout(context.Background(), openTimeout)
		sess, err := session.Open(ctx, factory, userID, sessOpts, log)
		cancel()
		if err != nil {
			client.shutdown()
			if errors.Is(err, session.ErrUnknownUser) {
				conn.Close(websocket.StatusPolicyViolation, "unknown user")
				return
			}
			log.Error().Err(err).Str("user_id", userID.String()).Msg("opening session")
			conn.Close(websocket.StatusInternalError, "session unavailable")
			return
		}

		if !hub.join(client) {
			client.shutdown()
			sess.Close(context.Background())
			conn.Close(websocket.StatusGoingAway, "shutting down")
			return
		}
		client.attach(sess)

		go client.WritePump()
		client.ReadPump()
	}
}
