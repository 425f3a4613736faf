package memory

import (
	"github.com/google/uuid"

	"github.com/vedran77/portal/internal/backend"
)

// restrict makes the transaction apply the row-level policies of caller to
// every read and write. Procedures run on an unrestricted transaction and
// check access themselves.
func (tx *Tx) restrict(caller uuid.UUID) *Tx {
	tx.caller = caller
	tx.secured = true
	return tx
}

// visible mirrors the policies in the Postgres schema. Tables without a
// policy are open.
func (tx *Tx) visible(table string, row backend.Row) bool {
	if !tx.secured {
		return true
	}
	switch table {
	case "channels":
		return canAccessChannel(tx, row, tx.caller)
	case "channel_messages":
		_, ok := tx.Get("channels", backend.Eq("id", row["channel_id"]))
		return ok
	case "channel_message_mentions":
		_, ok := tx.Get("channel_messages", backend.Eq("id", row["message_id"]))
		return ok
	case "dm_conversations":
		me := tx.caller.String()
		return row["participant_1"] == me || row["participant_2"] == me
	case "direct_messages":
		_, ok := tx.Get("dm_conversations", backend.Eq("id", row["conversation_id"]))
		return ok
	}
	return true
}

// insertable adds the ownership checks new rows must pass on top of
// visibility.
func (tx *Tx) insertable(table string, row backend.Row) bool {
	if !tx.secured {
		return true
	}
	if !tx.visible(table, row) {
		return false
	}
	switch table {
	case "channels":
		return row["created_by"] == tx.caller.String()
	case "channel_messages", "direct_messages":
		return row["sender_id"] == tx.caller.String()
	}
	return true
}

func denied(table string) error {
	return raise(backend.CodeInsufficientPrivilege, "new row violates row-level security policy for table %q", table)
}
