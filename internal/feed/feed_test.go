package feed

import (
	"errors"
	"testing"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vedran77/portal/internal/backend"
	"github.com/vedran77/portal/internal/backend/memory"
)

func messagesOf(channel string) backend.Subscription {
	return backend.Subscription{
		Table:  "messages",
		Events: []backend.EventType{backend.EventInsert},
		Filter: &backend.Filter{Column: "channel_id", Op: backend.OpEq, Value: channel},
	}
}

func TestSubscribeDeliversMatchingEvents(t *testing.T) {
	b := memory.New()
	c := NewClient(b, zerolog.Nop())

	var got []string
	h, err := c.Subscribe(t.Context(), "channel:a", messagesOf("a"), func(ev backend.Event) {
		got = append(got, ev.New["content"].(string))
	})
	require.NoError(t, err)
	assert.NotZero(t, h)

	client := b.As(uuid.New())
	_, err = client.Insert(t.Context(), "messages", backend.Row{"channel_id": "a", "content": "one"})
	require.NoError(t, err)
	_, err = client.Insert(t.Context(), "messages", backend.Row{"channel_id": "b", "content": "other"})
	require.NoError(t, err)

	assert.Equal(t, []string{"one"}, got)

	require.NoError(t, c.Unsubscribe(h))
	_, err = client.Insert(t.Context(), "messages", backend.Row{"channel_id": "a", "content": "two"})
	require.NoError(t, err)
	assert.Equal(t, []string{"one"}, got)
	assert.ErrorIs(t, c.Unsubscribe(h), ErrUnknownHandle)
	assert.Equal(t, 0, b.Subscriptions())
}

func TestSubscribeSameKeyReplaces(t *testing.T) {
	b := memory.New()
	c := NewClient(b, zerolog.Nop())

	first, err := c.Subscribe(t.Context(), "presence", backend.Subscription{Table: "user_presence"}, func(backend.Event) {})
	require.NoError(t, err)
	second, err := c.Subscribe(t.Context(), "presence", backend.Subscription{Table: "user_presence"}, func(backend.Event) {})
	require.NoError(t, err)

	assert.NotEqual(t, first, second)
	assert.Equal(t, 1, c.Active())
	assert.Equal(t, 1, b.Subscriptions())
	assert.ErrorIs(t, c.Unsubscribe(first), ErrUnknownHandle)
}

func TestScopeSwitchReleasesPrevious(t *testing.T) {
	b := memory.New()
	c := NewClient(b, zerolog.Nop())
	scope := c.NewScope()

	var got []string
	handler := func(ev backend.Event) { got = append(got, ev.New["channel_id"].(string)) }

	require.NoError(t, scope.Switch(t.Context(), "channel:a", messagesOf("a"), handler))
	require.NoError(t, scope.Switch(t.Context(), "channel:b", messagesOf("b"), handler))
	assert.Equal(t, "channel:b", scope.Key())
	assert.Equal(t, 1, c.Active())

	client := b.As(uuid.New())
	for _, ch := range []string{"a", "b"} {
		_, err := client.Insert(t.Context(), "messages", backend.Row{"channel_id": ch, "content": "x"})
		require.NoError(t, err)
	}
	assert.Equal(t, []string{"b"}, got)

	scope.Release()
	scope.Release()
	assert.Equal(t, "", scope.Key())
	assert.Equal(t, 0, c.Active())
}

func TestSubscribeFailure(t *testing.T) {
	b := memory.New()
	b.Fail("subscribe:notifications", errors.New("socket closed"))
	c := NewClient(b, zerolog.Nop())

	_, err := c.Subscribe(t.Context(), "notifications", backend.Subscription{Table: "notifications"}, func(backend.Event) {})
	assert.Error(t, err)
	assert.Equal(t, 0, c.Active())
}

func TestCloseReleasesEverything(t *testing.T) {
	b := memory.New()
	c := NewClient(b, zerolog.Nop())
	for _, key := range []string{"a", "b", "c"} {
		_, err := c.Subscribe(t.Context(), key, backend.Subscription{Table: key}, func(backend.Event) {})
		require.NoError(t, err)
	}
	c.Close()
	assert.Equal(t, 0, c.Active())
	assert.Equal(t, 0, b.Subscriptions())
}
