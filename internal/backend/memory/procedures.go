package memory

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/vedran77/portal/internal/backend"
	"github.com/vedran77/portal/internal/domain"
)

func registerProcedures(b *Backend) {
	b.procs["create_channel_message"] = createChannelMessage
	b.procs["create_channel"] = createChannel
	b.procs["get_or_create_dm_conversation"] = getOrCreateDMConversation
	b.procs["send_dm_message"] = sendDMMessage
	b.procs["upsert_user_presence"] = upsertUserPresence
}

func raise(code, format string, args ...any) error {
	return &backend.Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

func argString(args map[string]any, key string) string {
	s, _ := args[key].(string)
	return s
}

func argStrings(args map[string]any, key string) []string {
	raw, _ := args[key].([]any)
	out := make([]string, 0, len(raw))
	for _, v := range raw {
		if s, ok := v.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

// canAccessChannel mirrors the channel row-level policy: public channels are
// open, restricted ones require the caller's department to be attached.
func canAccessChannel(tx *Tx, channel backend.Row, caller uuid.UUID) bool {
	if channel["visibility"] != string(domain.VisibilityRestricted) {
		return true
	}
	if channel["created_by"] == caller.String() {
		return true
	}
	user, ok := tx.Get("user_directory", backend.Eq("id", caller))
	if !ok || user["department_id"] == nil {
		return false
	}
	_, ok = tx.Get("channel_departments",
		backend.Eq("channel_id", channel["id"]),
		backend.Eq("department_id", user["department_id"]),
	)
	return ok
}

func createChannelMessage(_ context.Context, tx *Tx, caller uuid.UUID, args map[string]any) (any, error) {
	channelID := argString(args, "channel_id")
	content := strings.TrimSpace(argString(args, "content"))
	if content == "" {
		return nil, raise(backend.CodeRaiseException, "message content is empty")
	}

	channel, ok := tx.Get("channels", backend.Eq("id", channelID), backend.Eq("archived", false))
	if !ok {
		return nil, raise(backend.CodeNoData, "channel %s not found", channelID)
	}
	if !canAccessChannel(tx, channel, caller) {
		return nil, raise(backend.CodeInsufficientPrivilege, "new row violates row-level security policy for table \"channel_messages\"")
	}

	now := tx.Now()
	msg := tx.Insert("channel_messages", backend.Row{
		"channel_id": channelID,
		"sender_id":  caller.String(),
		"content":    argString(args, "content"),
		"metadata":   args["metadata"],
		"created_at": now,
	})
	for _, userID := range argStrings(args, "mentioned_user_ids") {
		tx.Insert("channel_message_mentions", backend.Row{
			"message_id": msg["id"],
			"user_id":    userID,
		})
	}
	tx.Update("channels", backend.Row{"last_message_at": now, "updated_at": now}, backend.Eq("id", channelID))
	return msg["id"], nil
}

func createChannel(_ context.Context, tx *Tx, caller uuid.UUID, args map[string]any) (any, error) {
	name := strings.TrimSpace(argString(args, "name"))
	if name == "" {
		return nil, raise(backend.CodeRaiseException, "channel name is required")
	}
	visibility := argString(args, "visibility")
	departments := argStrings(args, "department_ids")
	switch domain.ChannelVisibility(visibility) {
	case domain.VisibilityPublic:
		departments = nil
	case domain.VisibilityRestricted:
		if len(departments) == 0 {
			return nil, raise(backend.CodeRaiseException, "restricted channels need at least one department")
		}
	default:
		return nil, raise(backend.CodeRaiseException, "invalid visibility %q", visibility)
	}

	now := tx.Now()
	var description any
	if d := strings.TrimSpace(argString(args, "description")); d != "" {
		description = d
	}
	channel := tx.Insert("channels", backend.Row{
		"name":            name,
		"description":     description,
		"visibility":      visibility,
		"archived":        false,
		"created_by":      caller.String(),
		"created_at":      now,
		"updated_at":      now,
		"last_message_at": nil,
	})
	for _, dept := range departments {
		tx.Insert("channel_departments", backend.Row{
			"channel_id":    channel["id"],
			"department_id": dept,
		})
	}
	return channel["id"], nil
}

func getOrCreateDMConversation(_ context.Context, tx *Tx, caller uuid.UUID, args map[string]any) (any, error) {
	other, err := uuid.Parse(argString(args, "other_user_id"))
	if err != nil {
		return nil, raise(backend.CodeRaiseException, "invalid other_user_id")
	}
	if other == caller {
		return nil, raise(backend.CodeRaiseException, "cannot start a conversation with yourself")
	}

	p1, p2 := domain.CanonicalPair(caller, other)
	if conv, ok := tx.Get("dm_conversations", backend.Eq("participant_1", p1), backend.Eq("participant_2", p2)); ok {
		return conv["id"], nil
	}
	conv := tx.Insert("dm_conversations", backend.Row{
		"participant_1":   p1.String(),
		"participant_2":   p2.String(),
		"last_message_at": nil,
		"created_at":      tx.Now(),
	})
	return conv["id"], nil
}

func sendDMMessage(_ context.Context, tx *Tx, caller uuid.UUID, args map[string]any) (any, error) {
	convID := argString(args, "conversation_id")
	if strings.TrimSpace(argString(args, "content")) == "" {
		return nil, raise(backend.CodeRaiseException, "message content is empty")
	}
	conv, ok := tx.Get("dm_conversations", backend.Eq("id", convID))
	if !ok {
		return nil, raise(backend.CodeNoData, "conversation %s not found", convID)
	}
	if conv["participant_1"] != caller.String() && conv["participant_2"] != caller.String() {
		return nil, raise(backend.CodeInsufficientPrivilege, "new row violates row-level security policy for table \"direct_messages\"")
	}

	now := tx.Now()
	msg := tx.Insert("direct_messages", backend.Row{
		"conversation_id": convID,
		"sender_id":       caller.String(),
		"content":         argString(args, "content"),
		"metadata":        args["metadata"],
		"is_read":         false,
		"created_at":      now,
	})
	tx.Update("dm_conversations", backend.Row{"last_message_at": now}, backend.Eq("id", convID))
	return msg["id"], nil
}

func upsertUserPresence(_ context.Context, tx *Tx, caller uuid.UUID, args map[string]any) (any, error) {
	status := domain.PresenceStatus(argString(args, "status"))
	switch status {
	case domain.StatusOnline, domain.StatusAway, domain.StatusOffline:
	default:
		return nil, raise(backend.CodeRaiseException, "invalid presence status %q", status)
	}

	now := tx.Now()
	patch := backend.Row{"status": string(status), "last_seen_at": now, "updated_at": now}
	if _, ok := tx.Get("user_presence", backend.Eq("user_id", caller)); ok {
		tx.Update("user_presence", patch, backend.Eq("user_id", caller))
		return nil, nil
	}
	patch["user_id"] = caller.String()
	tx.Insert("user_presence", patch)
	return nil, nil
}
