package postgres

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vedran77/portal/internal/backend"
)

func TestBuildSelect(t *testing.T) {
	channelID := uuid.MustParse("0b6f3a4e-8c1d-4a57-9e2b-1f3c5d7e9a01")
	q := backend.From("channel_messages").
		Select("id", "content").
		Where(backend.Eq("channel_id", channelID), backend.Neq("sender_id", "x")).
		OrderBy(backend.Asc("created_at")).
		Take(50)

	sql, args, err := buildSelect(q)
	require.NoError(t, err)
	assert.Equal(t,
		`SELECT to_jsonb(t) FROM (SELECT "id", "content" FROM "channel_messages" WHERE "channel_id" = $1 AND "sender_id" IS DISTINCT FROM $2 ORDER BY "created_at" ASC NULLS LAST LIMIT 50) t`,
		sql)
	assert.Equal(t, []any{channelID.String(), "x"}, args)
}

func TestBuildSelectInAndNull(t *testing.T) {
	ids := []uuid.UUID{uuid.MustParse("0b6f3a4e-8c1d-4a57-9e2b-1f3c5d7e9a01")}
	sql, args, err := buildSelect(backend.From("channels").Where(backend.In("id", ids), backend.IsNull("last_message_at"), backend.Eq("description", nil)))
	require.NoError(t, err)
	assert.Equal(t,
		`SELECT to_jsonb(t) FROM (SELECT * FROM "channels" WHERE "id"::text = ANY($1::text[]) AND "last_message_at" IS NULL AND "description" IS NULL) t`,
		sql)
	assert.Equal(t, []any{[]string{ids[0].String()}}, args)
}

func TestBuildSelectRejectsUnknownOp(t *testing.T) {
	_, _, err := buildSelect(backend.From("channels").Where(backend.Filter{Column: "id", Op: "like"}))
	assert.Error(t, err)
}

func TestBuildInsert(t *testing.T) {
	sql, args := buildInsert("notifications", backend.Row{"user_id": "u1", "title": "Hi"})
	assert.Equal(t, `INSERT INTO "notifications" AS t ("title", "user_id") VALUES ($1, $2) RETURNING to_jsonb(t)`, sql)
	assert.Equal(t, []any{"Hi", "u1"}, args)
}

func TestBuildUpdate(t *testing.T) {
	sql, args, err := buildUpdate("direct_messages",
		backend.Row{"is_read": true},
		[]backend.Filter{backend.Eq("conversation_id", "c1"), backend.Eq("is_read", false)})
	require.NoError(t, err)
	assert.Equal(t, `UPDATE "direct_messages" AS t SET "is_read" = $1 WHERE "conversation_id" = $2 AND "is_read" = $3 RETURNING to_jsonb(t)`, sql)
	assert.Equal(t, []any{true, "c1", false}, args)

	_, _, err = buildUpdate("direct_messages", backend.Row{}, nil)
	assert.ErrorIs(t, err, ErrEmptyPatch)
}

func TestBuildDelete(t *testing.T) {
	sql, args, err := buildDelete("user_presence", []backend.Filter{backend.Eq("user_id", "u1")})
	require.NoError(t, err)
	assert.Equal(t, `DELETE FROM "user_presence" WHERE "user_id" = $1`, sql)
	assert.Equal(t, []any{"u1"}, args)
}
