package domain

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

type ChannelMessage struct {
	ID        uuid.UUID       `json:"id"`
	ChannelID uuid.UUID       `json:"channel_id"`
	SenderID  uuid.UUID       `json:"sender_id"`
	Content   string          `json:"content"`
	Metadata  json.RawMessage `json:"metadata,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
	// Joined from channel_message_mentions
	MentionIDs []uuid.UUID `json:"mentioned_user_ids,omitempty"`
}

type MessageMention struct {
	MessageID uuid.UUID `json:"message_id"`
	UserID    uuid.UUID `json:"user_id"`
}
