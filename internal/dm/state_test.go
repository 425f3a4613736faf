package dm

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"

	"github.com/vedran77/portal/internal/backend"
	"github.com/vedran77/portal/internal/domain"
)

func TestApplyEventReadFlagNeverReverts(t *testing.T) {
	conv, id := uuid.New(), uuid.New()
	s := State{ActiveID: conv}

	s = ApplyEvent(s, Event{Type: backend.EventInsert, Entry: Entry{Message: domain.DirectMessage{ID: id, ConversationID: conv, Content: "a", IsRead: true}}})
	s = ApplyEvent(s, Event{Type: backend.EventUpdate, Entry: Entry{Message: domain.DirectMessage{ID: id, ConversationID: conv, Content: "a", IsRead: false}}})

	assert.Len(t, s.Messages, 1)
	assert.True(t, s.Messages[0].Message.IsRead)
}

func TestApplyEventUpsertsByID(t *testing.T) {
	conv := uuid.New()
	a, b := uuid.New(), uuid.New()
	sender := &domain.Identity{ID: uuid.New(), FirstName: "Ivan"}
	s := State{ActiveID: conv}

	s = ApplyEvent(s, Event{Type: backend.EventInsert, Entry: Entry{Message: domain.DirectMessage{ID: a, ConversationID: conv, Content: "a"}, Sender: sender}})
	s = ApplyEvent(s, Event{Type: backend.EventInsert, Entry: Entry{Message: domain.DirectMessage{ID: b, ConversationID: conv, Content: "b"}}})
	s = ApplyEvent(s, Event{Type: backend.EventInsert, Entry: Entry{Message: domain.DirectMessage{ID: a, ConversationID: conv, Content: "a"}}})
	s = ApplyEvent(s, Event{Type: backend.EventUpdate, Entry: Entry{Message: domain.DirectMessage{ID: uuid.New(), ConversationID: conv}}})
	s = ApplyEvent(s, Event{Type: backend.EventInsert, Entry: Entry{Message: domain.DirectMessage{ID: uuid.New(), ConversationID: uuid.New()}}})

	assert.Equal(t, []string{"a", "b"}, contents(s))
	assert.Same(t, sender, s.Messages[0].Sender)

	s = ApplyEvent(s, Event{Type: backend.EventDelete, Entry: Entry{Message: domain.DirectMessage{ID: a, ConversationID: conv}}})
	assert.Equal(t, []string{"b"}, contents(s))
}

func TestApplyEventDuplicateInsertTakesLatestContent(t *testing.T) {
	conv, id := uuid.New(), uuid.New()
	s := State{ActiveID: conv}

	s = ApplyEvent(s, Event{Type: backend.EventInsert, Entry: Entry{Message: domain.DirectMessage{ID: id, ConversationID: conv, Content: "first draft"}}})
	s = ApplyEvent(s, Event{Type: backend.EventInsert, Entry: Entry{Message: domain.DirectMessage{ID: id, ConversationID: conv, Content: "edited"}}})

	assert.Equal(t, []string{"edited"}, contents(s))
}

func TestMarkReadOnlyTouchesSender(t *testing.T) {
	conv := uuid.New()
	me, other := uuid.New(), uuid.New()
	s := State{
		ActiveID:      conv,
		Conversations: []Conversation{{DirectConversation: domain.DirectConversation{ID: conv}, OtherID: other, UnreadCount: 2}},
		Messages: []Entry{
			{Message: domain.DirectMessage{ID: uuid.New(), ConversationID: conv, SenderID: other}},
			{Message: domain.DirectMessage{ID: uuid.New(), ConversationID: conv, SenderID: me}},
		},
	}

	next := MarkRead(s, conv, other)
	assert.True(t, next.Messages[0].Message.IsRead)
	assert.False(t, next.Messages[1].Message.IsRead)
	assert.Zero(t, next.Conversations[0].UnreadCount)
	assert.Equal(t, 2, s.Conversations[0].UnreadCount)
	assert.False(t, s.Messages[0].Message.IsRead)
}
