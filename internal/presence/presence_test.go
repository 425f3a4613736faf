package presence

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vedran77/portal/internal/backend"
	"github.com/vedran77/portal/internal/backend/memory"
	"github.com/vedran77/portal/internal/domain"
	"github.com/vedran77/portal/internal/feed"
)

const upsertOp = "rpc:" + rpcUpsert

func statusOf(t *testing.T, b *memory.Backend, id uuid.UUID) domain.PresenceStatus {
	t.Helper()
	for _, row := range b.Rows(Table) {
		if row["user_id"] == id.String() {
			return domain.PresenceStatus(row["status"].(string))
		}
	}
	return ""
}

func newTracker(t *testing.T, b *memory.Backend, me uuid.UUID, opts ...Option) *Tracker {
	t.Helper()
	tr := New(b.As(me), feed.NewClient(b, zerolog.Nop()), me, zerolog.Nop(), opts...)
	require.NoError(t, tr.Start(t.Context()))
	t.Cleanup(func() { tr.Stop(t.Context()) })
	return tr
}

func TestFormatLastSeen(t *testing.T) {
	now := time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC)
	tests := []struct {
		ago  time.Duration
		want string
	}{
		{0, "Just now"},
		{59 * time.Second, "Just now"},
		{-time.Minute, "Just now"},
		{time.Minute, "1 minute ago"},
		{5 * time.Minute, "5 minutes ago"},
		{59 * time.Minute, "59 minutes ago"},
		{time.Hour, "1 hour ago"},
		{3*time.Hour + 20*time.Minute, "3 hours ago"},
		{23*time.Hour + 59*time.Minute, "23 hours ago"},
		{24 * time.Hour, "1 day ago"},
		{80 * time.Hour, "3 days ago"},
	}
	for _, tt := range tests {
		t.Run(tt.want, func(t *testing.T) {
			assert.Equal(t, tt.want, FormatLastSeen(now, now.Add(-tt.ago)))
		})
	}
}

func TestStartPublishesOnlineAndLoadsOthers(t *testing.T) {
	b := memory.New()
	me, ivan := uuid.New(), uuid.New()
	seen := time.Date(2026, 3, 2, 11, 55, 0, 0, time.UTC)
	require.NoError(t, b.Seed(Table, domain.UserPresence{UserID: ivan, Status: domain.StatusAway, LastSeenAt: seen, UpdatedAt: seen}))

	now := time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC)
	tr := newTracker(t, b, me, WithHeartbeat(time.Hour), WithClock(func() time.Time { return now }))

	assert.Equal(t, 1, b.Calls(upsertOp))
	assert.Equal(t, domain.StatusOnline, statusOf(t, b, me))
	assert.True(t, tr.IsOnline(me))
	assert.True(t, tr.IsAway(ivan))
	assert.False(t, tr.IsOnline(ivan))
	assert.Equal(t, "5 minutes ago", tr.LastSeen(ivan))
	assert.Empty(t, tr.LastSeen(uuid.New()))
	assert.Len(t, tr.Snapshot(), 2)
}

func TestConcurrentStartRunsOnce(t *testing.T) {
	b := memory.New()
	me := uuid.New()
	tr := New(b.As(me), feed.NewClient(b, zerolog.Nop()), me, zerolog.Nop(), WithHeartbeat(time.Hour))
	t.Cleanup(func() { tr.Stop(t.Context()) })

	var wg sync.WaitGroup
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, tr.Start(t.Context()))
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, b.Calls(upsertOp))
	assert.Equal(t, 1, b.Subscriptions())
}

func TestStartCanRetryAfterFailure(t *testing.T) {
	b := memory.New()
	me := uuid.New()
	tr := New(b.As(me), nil, me, zerolog.Nop(), WithHeartbeat(time.Hour))
	t.Cleanup(func() { tr.Stop(t.Context()) })

	b.Fail("select:"+Table, errors.New("connection reset"))
	require.Error(t, tr.Start(t.Context()))

	b.Fail("select:"+Table, nil)
	require.NoError(t, tr.Start(t.Context()))
	assert.Equal(t, 2, b.Calls(upsertOp))
}

func TestFeedKeepsStatusesCurrent(t *testing.T) {
	b := memory.New()
	me, ivan := uuid.New(), uuid.New()
	tr := newTracker(t, b, me, WithHeartbeat(time.Hour))

	var snaps int
	tr.OnChange(func(map[uuid.UUID]domain.UserPresence) { snaps++ })

	ivanClient := b.As(ivan)
	_, err := ivanClient.RPC(t.Context(), rpcUpsert, map[string]any{"status": "online"})
	require.NoError(t, err)
	assert.True(t, tr.IsOnline(ivan))

	_, err = ivanClient.RPC(t.Context(), rpcUpsert, map[string]any{"status": "away"})
	require.NoError(t, err)
	assert.True(t, tr.IsAway(ivan))

	require.NoError(t, ivanClient.Delete(t.Context(), Table, backend.Eq("user_id", ivan)))
	_, ok := tr.Get(ivan)
	assert.False(t, ok)
	assert.Equal(t, 3, snaps)
}

func TestSetVisibilityPausesHeartbeat(t *testing.T) {
	b := memory.New()
	me := uuid.New()
	tr := newTracker(t, b, me, WithHeartbeat(5*time.Millisecond))

	require.Eventually(t, func() bool { return b.Calls(upsertOp) >= 3 }, time.Second, 5*time.Millisecond)

	require.NoError(t, tr.SetVisibility(t.Context(), false))
	assert.Equal(t, domain.StatusAway, statusOf(t, b, me))
	assert.True(t, tr.IsAway(me))

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, domain.StatusAway, statusOf(t, b, me))

	require.NoError(t, tr.SetVisibility(t.Context(), true))
	calls := b.Calls(upsertOp)
	require.Eventually(t, func() bool { return b.Calls(upsertOp) > calls+1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, domain.StatusOnline, statusOf(t, b, me))
}

func TestStopPublishesOffline(t *testing.T) {
	b := memory.New()
	me := uuid.New()
	tr := New(b.As(me), feed.NewClient(b, zerolog.Nop()), me, zerolog.Nop(), WithHeartbeat(5*time.Millisecond))
	require.NoError(t, tr.Start(t.Context()))
	assert.Equal(t, 1, b.Subscriptions())

	tr.Stop(t.Context())
	assert.Equal(t, domain.StatusOffline, statusOf(t, b, me))
	assert.Zero(t, b.Subscriptions())

	calls := b.Calls(upsertOp)
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, calls, b.Calls(upsertOp))
}

func TestStopIgnoresOfflineFailure(t *testing.T) {
	b := memory.New()
	me := uuid.New()
	tr := New(b.As(me), nil, me, zerolog.Nop(), WithHeartbeat(time.Hour))
	require.NoError(t, tr.Start(t.Context()))

	b.Fail(upsertOp, errors.New("network down"))
	tr.Stop(t.Context())
	assert.Equal(t, domain.StatusOnline, statusOf(t, b, me))
}

func TestSetVisibilityReportsFailure(t *testing.T) {
	b := memory.New()
	me := uuid.New()
	tr := newTracker(t, b, me, WithHeartbeat(time.Hour))

	b.Fail(upsertOp, &backend.Error{Code: backend.CodeUndefinedFunction})
	err := tr.SetVisibility(t.Context(), false)
	require.Error(t, err)
	b.Fail(upsertOp, nil)
}

func TestApplyEventDoesNotMutateInput(t *testing.T) {
	id := uuid.New()
	in := map[uuid.UUID]domain.UserPresence{}
	out := ApplyEvent(in, backend.Event{
		Type:  backend.EventInsert,
		Table: Table,
		New:   backend.Row{"user_id": id.String(), "status": "online", "last_seen_at": "2026-03-02T12:00:00Z", "updated_at": "2026-03-02T12:00:00Z"},
	})
	assert.Empty(t, in)
	assert.Equal(t, domain.StatusOnline, out[id].Status)

	out = ApplyEvent(out, backend.Event{Type: backend.EventDelete, Table: Table, Old: backend.Row{"user_id": id.String()}})
	assert.Empty(t, out)
}
