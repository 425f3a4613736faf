// Package notify turns stored notifications for the current user into
// transient alerts, honoring the user's notification preferences.
package notify

import (
	"context"
	"crypto/rand"
	"io"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
	"github.com/rs/zerolog"

	"github.com/vedran77/portal/internal/apperror"
	"github.com/vedran77/portal/internal/backend"
	"github.com/vedran77/portal/internal/domain"
	"github.com/vedran77/portal/internal/feed"
	"github.com/vedran77/portal/internal/metrics"
)

const (
	Table            = "notifications"
	PreferencesTable = "notification_preferences"

	DefaultAlertTTL = 6 * time.Second
	maxMessageRunes = 120
	feedKey         = "notifications"
	alertTimeout    = 5 * time.Second
)

type Alert struct {
	ID             string                  `json:"id"`
	NotificationID uuid.UUID               `json:"notification_id"`
	Type           domain.NotificationType `json:"type"`
	Title          string                  `json:"title"`
	Message        string                  `json:"message"`
	ActionURL      string                  `json:"action_url,omitempty"`
	Sound          bool                    `json:"sound"`
	CreatedAt      time.Time               `json:"created_at"`
}

type Option func(*Relay)

func WithAlertTTL(d time.Duration) Option {
	return func(r *Relay) { r.ttl = d }
}

func WithClock(now func() time.Time) Option {
	return func(r *Relay) { r.now = now }
}

type shown struct {
	alert Alert
	timer *time.Timer
}

type Relay struct {
	client  backend.Client
	feed    *feed.Client
	me      uuid.UUID
	alerter Alerter
	log     zerolog.Logger
	ttl     time.Duration
	now     func() time.Time

	mu        sync.Mutex
	entropy   io.Reader
	prefs     domain.NotificationPreferences
	active    []*shown
	handle    feed.Handle
	listeners []func([]Alert)
}

// New builds a relay for user me. A nil alerter discards alerts; fc may be
// nil.
func New(client backend.Client, fc *feed.Client, me uuid.UUID, alerter Alerter, log zerolog.Logger, opts ...Option) *Relay {
	if alerter == nil {
		alerter = nopAlerter{}
	}
	r := &Relay{
		client:  client,
		feed:    fc,
		me:      me,
		alerter: alerter,
		log:     log.With().Str("component", "notify").Logger(),
		ttl:     DefaultAlertTTL,
		now:     func() time.Time { return time.Now().UTC() },
		entropy: ulid.Monotonic(rand.Reader, 0),
		prefs:   domain.DefaultNotificationPreferences(me),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// OnChange registers fn to receive the active alerts after every change.
func (r *Relay) OnChange(fn func([]Alert)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.listeners = append(r.listeners, fn)
}

// Start loads preferences and follows new notifications for the user.
func (r *Relay) Start(ctx context.Context) error {
	if err := r.ReloadPreferences(ctx); err != nil {
		return err
	}
	if r.feed == nil {
		return nil
	}
	h, err := r.feed.Subscribe(ctx, feedKey, backend.Subscription{
		Table:  Table,
		Events: []backend.EventType{backend.EventInsert},
		Filter: &backend.Filter{Column: "user_id", Op: backend.OpEq, Value: r.me},
	}, r.handleEvent)
	if err != nil {
		return apperror.Translate(err)
	}
	r.mu.Lock()
	r.handle = h
	r.mu.Unlock()
	return nil
}

// Stop leaves the feed and drops every active alert.
func (r *Relay) Stop() {
	r.mu.Lock()
	h := r.handle
	r.handle = 0
	for _, s := range r.active {
		s.timer.Stop()
	}
	r.active = nil
	r.mu.Unlock()

	if h != 0 {
		_ = r.feed.Unsubscribe(h)
	}
}

// ReloadPreferences reads the user's saved preferences. Users without saved
// preferences get every alert with sound.
func (r *Relay) ReloadPreferences(ctx context.Context) error {
	rows, err := r.client.Select(ctx, backend.From(PreferencesTable).Where(backend.Eq("user_id", r.me)).Take(1))
	if err != nil {
		return apperror.Translate(err)
	}
	prefs := domain.DefaultNotificationPreferences(r.me)
	if len(rows) == 1 {
		if err := rows[0].Decode(&prefs); err != nil {
			return apperror.Translate(err)
		}
	}
	r.mu.Lock()
	r.prefs = prefs
	r.mu.Unlock()
	return nil
}

func (r *Relay) Preferences() domain.NotificationPreferences {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.prefs
}

// Decide reports whether n should be surfaced under prefs.
func Decide(prefs domain.NotificationPreferences, n domain.Notification) bool {
	switch n.Type {
	case domain.NotificationChannelMessage:
		return prefs.ChannelMessages
	case domain.NotificationDMMessage:
		return prefs.DirectMessages
	case domain.NotificationMention, domain.NotificationInfo:
		return prefs.Mentions
	}
	return false
}

func (r *Relay) handleEvent(ev backend.Event) {
	var n domain.Notification
	if err := ev.Record().Decode(&n); err != nil {
		r.log.Warn().Err(err).Msg("decoding notification")
		return
	}
	if n.UserID != r.me {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), alertTimeout)
	defer cancel()

	// Oversized rows arrive without their message text.
	if _, ok := ev.New["message"]; !ok {
		rows, err := r.client.Select(ctx, backend.From(Table).Where(backend.Eq("id", n.ID)).Take(1))
		switch {
		case err != nil:
			r.log.Warn().Err(err).Str("notification_id", n.ID.String()).Msg("fetching notification, using event row")
		case len(rows) == 0:
			return
		default:
			if err := rows[0].Decode(&n); err != nil {
				r.log.Warn().Err(err).Msg("decoding notification")
				return
			}
		}
	}
	r.Deliver(ctx, n)
}

// Deliver surfaces n when it belongs to the user and the preferences allow
// it. The alert disappears by itself after the alert TTL.
func (r *Relay) Deliver(ctx context.Context, n domain.Notification) (Alert, bool) {
	r.mu.Lock()
	if n.UserID != r.me || !Decide(r.prefs, n) {
		r.mu.Unlock()
		return Alert{}, false
	}

	now := r.now()
	a := Alert{
		ID:             ulid.MustNew(ulid.Timestamp(now), r.entropy).String(),
		NotificationID: n.ID,
		Type:           n.Type,
		Title:          n.Title,
		Message:        truncate(n.Message, maxMessageRunes),
		Sound:          r.prefs.SoundEnabled,
		CreatedAt:      now,
	}
	if n.ActionURL != nil {
		a.ActionURL = *n.ActionURL
	}
	id := a.ID
	r.active = append(r.active, &shown{
		alert: a,
		timer: time.AfterFunc(r.ttl, func() { r.Dismiss(id) }),
	})
	r.mu.Unlock()

	metrics.AlertsShown.WithLabelValues(string(n.Type)).Inc()
	if err := r.alerter.Alert(ctx, a); err != nil {
		r.log.Warn().Err(err).Str("alert_id", a.ID).Msg("showing alert")
	}
	r.changed()
	return a, true
}

// Dismiss removes an active alert. It reports whether the alert was active.
func (r *Relay) Dismiss(id string) bool {
	r.mu.Lock()
	found := false
	kept := r.active[:0]
	for _, s := range r.active {
		if s.alert.ID == id {
			s.timer.Stop()
			found = true
			continue
		}
		kept = append(kept, s)
	}
	r.active = kept
	r.mu.Unlock()

	if found {
		r.changed()
	}
	return found
}

// Open dismisses the alert and returns where it leads.
func (r *Relay) Open(id string) (string, bool) {
	r.mu.Lock()
	var url string
	found := false
	for _, s := range r.active {
		if s.alert.ID == id {
			url, found = s.alert.ActionURL, true
			break
		}
	}
	r.mu.Unlock()

	if !found {
		return "", false
	}
	r.Dismiss(id)
	return url, true
}

func (r *Relay) Active() []Alert {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.activeLocked()
}

func (r *Relay) activeLocked() []Alert {
	out := make([]Alert, len(r.active))
	for i, s := range r.active {
		out[i] = s.alert
	}
	return out
}

func (r *Relay) changed() {
	r.mu.Lock()
	alerts := r.activeLocked()
	listeners := slices.Clone(r.listeners)
	r.mu.Unlock()

	for _, l := range listeners {
		l(alerts)
	}
}

func truncate(s string, n int) string {
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return string(runes[:n]) + "…"
}
