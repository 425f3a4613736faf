package domain

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// DirectConversation is stored once per unordered pair with
// Participant1ID < Participant2ID.
type DirectConversation struct {
	ID             uuid.UUID  `json:"id"`
	Participant1ID uuid.UUID  `json:"participant_1"`
	Participant2ID uuid.UUID  `json:"participant_2"`
	LastMessageAt  *time.Time `json:"last_message_at,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
}

func (c DirectConversation) HasParticipant(userID uuid.UUID) bool {
	return c.Participant1ID == userID || c.Participant2ID == userID
}

// OtherParticipant returns the participant that is not userID.
func (c DirectConversation) OtherParticipant(userID uuid.UUID) uuid.UUID {
	if c.Participant1ID == userID {
		return c.Participant2ID
	}
	return c.Participant1ID
}

func (c DirectConversation) LastActivity() time.Time {
	if c.LastMessageAt == nil {
		return time.Unix(0, 0).UTC()
	}
	return *c.LastMessageAt
}

type DirectMessage struct {
	ID             uuid.UUID       `json:"id"`
	ConversationID uuid.UUID       `json:"conversation_id"`
	SenderID       uuid.UUID       `json:"sender_id"`
	Content        string          `json:"content"`
	Metadata       json.RawMessage `json:"metadata,omitempty"`
	IsRead         bool            `json:"is_read"`
	CreatedAt      time.Time       `json:"created_at"`
}

// CanonicalPair orders two user ids the way conversations store them.
func CanonicalPair(a, b uuid.UUID) (uuid.UUID, uuid.UUID) {
	if a.String() > b.String() {
		return b, a
	}
	return a, b
}
