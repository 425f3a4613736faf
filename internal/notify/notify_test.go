package notify

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vedran77/portal/internal/backend"
	"github.com/vedran77/portal/internal/backend/memory"
	"github.com/vedran77/portal/internal/domain"
	"github.com/vedran77/portal/internal/feed"
)

type recorder struct {
	mu     sync.Mutex
	alerts []Alert
	err    error
}

func (r *recorder) Alert(_ context.Context, a Alert) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.alerts = append(r.alerts, a)
	return r.err
}

func (r *recorder) titles() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.alerts))
	for i, a := range r.alerts {
		out[i] = a.Title
	}
	return out
}

func newRelay(t *testing.T, b *memory.Backend, me uuid.UUID, rec Alerter, opts ...Option) *Relay {
	t.Helper()
	r := New(b.As(me), feed.NewClient(b, zerolog.Nop()), me, rec, zerolog.Nop(), opts...)
	require.NoError(t, r.Start(t.Context()))
	t.Cleanup(r.Stop)
	return r
}

func insert(t *testing.T, b *memory.Backend, n domain.Notification) {
	t.Helper()
	row, err := backend.ToRow(n)
	require.NoError(t, err)
	_, err = b.As(uuid.New()).Insert(t.Context(), Table, row)
	require.NoError(t, err)
}

func TestDecide(t *testing.T) {
	all := domain.DefaultNotificationPreferences(uuid.New())
	none := domain.NotificationPreferences{}
	onlyMentions := domain.NotificationPreferences{Mentions: true}

	tests := []struct {
		typ   domain.NotificationType
		prefs domain.NotificationPreferences
		want  bool
	}{
		{domain.NotificationChannelMessage, all, true},
		{domain.NotificationChannelMessage, onlyMentions, false},
		{domain.NotificationDMMessage, all, true},
		{domain.NotificationDMMessage, none, false},
		{domain.NotificationMention, onlyMentions, true},
		{domain.NotificationInfo, onlyMentions, true},
		{domain.NotificationInfo, none, false},
		{domain.NotificationTaskAssigned, all, false},
		{domain.NotificationScheduleChange, all, false},
		{"something_else", all, false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, Decide(tt.prefs, domain.Notification{Type: tt.typ}), "%s", tt.typ)
	}
}

func TestTruncate(t *testing.T) {
	exact := strings.Repeat("ž", maxMessageRunes)
	assert.Equal(t, exact, truncate(exact, maxMessageRunes))

	long := strings.Repeat("a", maxMessageRunes) + "bcd"
	got := truncate(long, maxMessageRunes)
	assert.Equal(t, strings.Repeat("a", maxMessageRunes)+"…", got)
	assert.Equal(t, "short", truncate("short", maxMessageRunes))
}

func TestDefaultsWhenNoPreferencesSaved(t *testing.T) {
	b := memory.New()
	me := uuid.New()
	r := newRelay(t, b, me, nil)

	assert.Equal(t, domain.DefaultNotificationPreferences(me), r.Preferences())
}

func TestFeedDeliversOwnNotifications(t *testing.T) {
	b := memory.New()
	me := uuid.New()
	rec := &recorder{}
	r := newRelay(t, b, me, rec)

	url := "/chat/dm/42"
	insert(t, b, domain.Notification{ID: uuid.New(), UserID: me, Title: "Ivan", Message: "hi", Type: domain.NotificationDMMessage, ActionURL: &url})
	insert(t, b, domain.Notification{ID: uuid.New(), UserID: uuid.New(), Title: "Someone else", Message: "x", Type: domain.NotificationDMMessage})
	insert(t, b, domain.Notification{ID: uuid.New(), UserID: me, Title: "Task", Message: "x", Type: domain.NotificationTaskAssigned})

	assert.Equal(t, []string{"Ivan"}, rec.titles())
	active := r.Active()
	require.Len(t, active, 1)
	assert.Equal(t, "/chat/dm/42", active[0].ActionURL)
	assert.True(t, active[0].Sound)
	_, err := ulid.ParseStrict(active[0].ID)
	assert.NoError(t, err)
}

func TestOversizedNotificationIsReadBack(t *testing.T) {
	b := memory.New()
	me := uuid.New()
	rec := &recorder{}
	r := newRelay(t, b, me, rec)

	n := domain.Notification{ID: uuid.New(), UserID: me, Title: "Ivan", Message: "a very long message", Type: domain.NotificationDMMessage}
	require.NoError(t, b.Seed(Table, n))
	row, err := backend.ToRow(n)
	require.NoError(t, err)
	delete(row, "message")
	b.Emit(backend.Event{Type: backend.EventInsert, Table: Table, New: row})

	// Deleted before it could be read back.
	gone := backend.Row{"id": uuid.NewString(), "user_id": me.String(), "title": "Gone", "type": string(domain.NotificationDMMessage)}
	b.Emit(backend.Event{Type: backend.EventInsert, Table: Table, New: gone})

	assert.Equal(t, []string{"Ivan"}, rec.titles())
	active := r.Active()
	require.Len(t, active, 1)
	assert.Equal(t, "a very long message", active[0].Message)
}

func TestSavedPreferencesFilterAlerts(t *testing.T) {
	b := memory.New()
	me := uuid.New()
	require.NoError(t, b.Seed(PreferencesTable, domain.NotificationPreferences{
		UserID:         me,
		DirectMessages: true,
		Mentions:       true,
	}))
	rec := &recorder{}
	r := newRelay(t, b, me, rec)

	_, ok := r.Deliver(t.Context(), domain.Notification{UserID: me, Title: "general", Type: domain.NotificationChannelMessage})
	assert.False(t, ok)
	a, ok := r.Deliver(t.Context(), domain.Notification{UserID: me, Title: "mentioned", Type: domain.NotificationMention})
	require.True(t, ok)
	assert.False(t, a.Sound)
	_, ok = r.Deliver(t.Context(), domain.Notification{UserID: uuid.New(), Title: "not mine", Type: domain.NotificationMention})
	assert.False(t, ok)

	assert.Equal(t, []string{"mentioned"}, rec.titles())

	_, err := b.As(me).Update(t.Context(), PreferencesTable, backend.Row{"channel_messages": true}, backend.Eq("user_id", me))
	require.NoError(t, err)
	require.NoError(t, r.ReloadPreferences(t.Context()))
	_, ok = r.Deliver(t.Context(), domain.Notification{UserID: me, Title: "general", Type: domain.NotificationChannelMessage})
	assert.True(t, ok)
}

func TestAlertsExpire(t *testing.T) {
	b := memory.New()
	me := uuid.New()
	r := newRelay(t, b, me, nil, WithAlertTTL(20*time.Millisecond))

	var mu sync.Mutex
	var last []Alert
	r.OnChange(func(a []Alert) {
		mu.Lock()
		last = a
		mu.Unlock()
	})

	_, ok := r.Deliver(t.Context(), domain.Notification{UserID: me, Title: "brief", Type: domain.NotificationInfo})
	require.True(t, ok)
	assert.Len(t, r.Active(), 1)

	require.Eventually(t, func() bool { return len(r.Active()) == 0 }, time.Second, 5*time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	assert.Empty(t, last)
}

func TestDismissAndOpen(t *testing.T) {
	b := memory.New()
	me := uuid.New()
	r := newRelay(t, b, me, nil, WithAlertTTL(time.Hour))

	url := "/chat/channels/general"
	first, _ := r.Deliver(t.Context(), domain.Notification{UserID: me, Title: "one", Type: domain.NotificationChannelMessage, ActionURL: &url})
	second, _ := r.Deliver(t.Context(), domain.Notification{UserID: me, Title: "two", Type: domain.NotificationInfo})
	assert.NotEqual(t, first.ID, second.ID)
	assert.Less(t, first.ID, second.ID)

	got, ok := r.Open(first.ID)
	assert.True(t, ok)
	assert.Equal(t, url, got)
	_, ok = r.Open(first.ID)
	assert.False(t, ok)

	assert.True(t, r.Dismiss(second.ID))
	assert.False(t, r.Dismiss(second.ID))
	assert.Empty(t, r.Active())
}

func TestAlerterFailureKeepsAlert(t *testing.T) {
	b := memory.New()
	me := uuid.New()
	rec := &recorder{err: errors.New("no display")}
	r := newRelay(t, b, me, Multi(rec, nopAlerter{}))

	_, ok := r.Deliver(t.Context(), domain.Notification{UserID: me, Title: "still shown", Type: domain.NotificationMention})
	assert.True(t, ok)
	assert.Len(t, r.Active(), 1)
}

func TestMultiJoinsErrors(t *testing.T) {
	a := &recorder{err: errors.New("a")}
	b := &recorder{}
	c := &recorder{err: errors.New("c")}

	err := Multi(a, b, c).Alert(t.Context(), Alert{Title: "x"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "a")
	assert.Contains(t, err.Error(), "c")
	assert.Equal(t, []string{"x"}, b.titles())
}

func TestStopDropsAlertsAndFeed(t *testing.T) {
	b := memory.New()
	me := uuid.New()
	r := New(b.As(me), feed.NewClient(b, zerolog.Nop()), me, nil, zerolog.Nop())
	require.NoError(t, r.Start(t.Context()))
	_, ok := r.Deliver(t.Context(), domain.Notification{UserID: me, Type: domain.NotificationInfo})
	require.True(t, ok)

	r.Stop()
	assert.Empty(t, r.Active())
	assert.Zero(t, b.Subscriptions())
}
