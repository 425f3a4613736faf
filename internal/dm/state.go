package dm

import (
	"sort"

	"github.com/google/uuid"

	"github.com/vedran77/portal/internal/backend"
	"github.com/vedran77/portal/internal/domain"
)

// Conversation is a conversation as listed for the current user.
type Conversation struct {
	domain.DirectConversation
	OtherID     uuid.UUID             `json:"other_user_id"`
	Other       *domain.Identity      `json:"other_user,omitempty"`
	UnreadCount int                   `json:"unread_count"`
	LastMessage *domain.DirectMessage `json:"last_message,omitempty"`
}

type Entry struct {
	Message domain.DirectMessage `json:"message"`
	Sender  *domain.Identity     `json:"sender,omitempty"`
}

type State struct {
	Conversations []Conversation `json:"conversations"`
	ActiveID      uuid.UUID      `json:"active_id"`
	Messages      []Entry        `json:"messages"`
	Err           string         `json:"error,omitempty"`
}

// Active returns the open conversation.
func (s State) Active() (Conversation, bool) {
	return s.Conversation(s.ActiveID)
}

func (s State) Conversation(id uuid.UUID) (Conversation, bool) {
	for _, c := range s.Conversations {
		if c.ID == id {
			return c, true
		}
	}
	return Conversation{}, false
}

func (s State) clone() State {
	s.Conversations = append([]Conversation(nil), s.Conversations...)
	s.Messages = append([]Entry(nil), s.Messages...)
	return s
}

type Event struct {
	Type  backend.EventType
	Entry Entry
}

// ApplyEvent returns the state after a message change. Only messages of the
// open conversation are kept. A message never goes from read to unread.
func ApplyEvent(s State, ev Event) State {
	if ev.Entry.Message.ConversationID != s.ActiveID {
		return s
	}
	s = s.clone()
	id := ev.Entry.Message.ID

	if ev.Type == backend.EventDelete {
		kept := s.Messages[:0]
		for _, e := range s.Messages {
			if e.Message.ID != id {
				kept = append(kept, e)
			}
		}
		s.Messages = kept
		return s
	}

	for i, existing := range s.Messages {
		if existing.Message.ID != id {
			continue
		}
		next := ev.Entry
		if existing.Message.IsRead {
			next.Message.IsRead = true
		}
		if next.Sender == nil {
			next.Sender = existing.Sender
		}
		if next.Message.Content == "" {
			next.Message.Content = existing.Message.Content
		}
		s.Messages[i] = next
		return s
	}
	if ev.Type == backend.EventInsert {
		s.Messages = append(s.Messages, ev.Entry)
	}
	return s
}

// MarkRead flags every message from sender in the conversation as read and
// clears its unread count.
func MarkRead(s State, conversationID, sender uuid.UUID) State {
	s = s.clone()
	for i, c := range s.Conversations {
		if c.ID == conversationID && c.OtherID == sender {
			s.Conversations[i].UnreadCount = 0
		}
	}
	if s.ActiveID != conversationID {
		return s
	}
	for i, e := range s.Messages {
		if e.Message.SenderID == sender {
			s.Messages[i].Message.IsRead = true
		}
	}
	return s
}

// SortConversations orders by last message time, newest first, with
// conversations that never had a message at the zero epoch.
func SortConversations(list []Conversation) {
	sort.SliceStable(list, func(i, j int) bool {
		return list[i].LastActivity().After(list[j].LastActivity())
	})
}
