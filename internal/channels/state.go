package channels

import (
	"sort"

	"github.com/google/uuid"

	"github.com/vedran77/portal/internal/backend"
	"github.com/vedran77/portal/internal/domain"
	"github.com/vedran77/portal/internal/mention"
)

type EntryState string

const (
	// EntryPending is a locally built copy of a message the server accepted
	// but that was not yet read back.
	EntryPending   EntryState = "pending"
	EntryConfirmed EntryState = "confirmed"
)

// Entry is a message enriched for display. Sender is nil when the sender
// no longer exists.
type Entry struct {
	Message  domain.ChannelMessage `json:"message"`
	Sender   *domain.Identity      `json:"sender,omitempty"`
	Mentions []domain.Identity     `json:"mentions"`
	State    EntryState            `json:"state"`
}

// Spans partitions the content into text and mention spans using the
// resolved mention names.
func (e Entry) Spans() []mention.Span {
	labels := make([]string, 0, len(e.Mentions))
	for _, m := range e.Mentions {
		labels = append(labels, m.DisplayName())
	}
	return mention.Partition(e.Message.Content, labels)
}

type State struct {
	Channels   []domain.Channel `json:"channels"`
	SelectedID uuid.UUID        `json:"selected_id"`
	Messages   []Entry          `json:"messages"`
	Err        string           `json:"error,omitempty"`
}

// Selected returns the selected channel.
func (s State) Selected() (domain.Channel, bool) {
	for _, ch := range s.Channels {
		if ch.ID == s.SelectedID {
			return ch, true
		}
	}
	return domain.Channel{}, false
}

func (s State) clone() State {
	s.Channels = append([]domain.Channel(nil), s.Channels...)
	s.Messages = append([]Entry(nil), s.Messages...)
	return s
}

// Event is a change to apply to the state: either a channel row or an
// enriched message.
type Event struct {
	Type    backend.EventType
	Channel *domain.Channel
	Entry   *Entry
}

// ApplyEvent returns the state after ev. It never mutates s.
func ApplyEvent(s State, ev Event) State {
	s = s.clone()
	switch {
	case ev.Entry != nil:
		s = applyMessage(s, ev.Type, *ev.Entry)
	case ev.Channel != nil:
		s = applyChannel(s, ev.Type, *ev.Channel)
	}
	return s
}

func applyMessage(s State, t backend.EventType, e Entry) State {
	if t == backend.EventDelete {
		s.Messages = removeEntry(s.Messages, e.Message.ID)
		return s
	}

	if e.Message.ChannelID == s.SelectedID {
		s.Messages = upsertEntry(s.Messages, e)
	}

	for i, ch := range s.Channels {
		if ch.ID != e.Message.ChannelID {
			continue
		}
		if ch.LastMessageAt == nil || e.Message.CreatedAt.After(*ch.LastMessageAt) {
			at := e.Message.CreatedAt
			s.Channels[i].LastMessageAt = &at
			SortChannels(s.Channels)
		}
		break
	}
	return s
}

// upsertEntry replaces the entry with the same id in place or appends it.
// A pending copy never overwrites a confirmed one.
func upsertEntry(entries []Entry, e Entry) []Entry {
	for i, existing := range entries {
		if existing.Message.ID != e.Message.ID {
			continue
		}
		if e.State == EntryPending && existing.State == EntryConfirmed {
			return entries
		}
		entries[i] = e
		return entries
	}
	return append(entries, e)
}

func removeEntry(entries []Entry, id uuid.UUID) []Entry {
	out := entries[:0]
	for _, e := range entries {
		if e.Message.ID != id {
			out = append(out, e)
		}
	}
	return out
}

func applyChannel(s State, t backend.EventType, ch domain.Channel) State {
	if t == backend.EventDelete || ch.Archived {
		return removeChannel(s, ch.ID)
	}

	for i, existing := range s.Channels {
		if existing.ID != ch.ID {
			continue
		}
		if ch.DepartmentIDs == nil {
			ch.DepartmentIDs = existing.DepartmentIDs
		}
		s.Channels[i] = ch
		SortChannels(s.Channels)
		return s
	}

	// New channels go first so they lead ties on last activity.
	s.Channels = append([]domain.Channel{ch}, s.Channels...)
	SortChannels(s.Channels)
	if s.SelectedID == uuid.Nil {
		s.SelectedID = s.Channels[0].ID
		s.Messages = nil
	}
	return s
}

func removeChannel(s State, id uuid.UUID) State {
	kept := s.Channels[:0]
	for _, ch := range s.Channels {
		if ch.ID != id {
			kept = append(kept, ch)
		}
	}
	s.Channels = kept

	if s.SelectedID == id {
		s.SelectedID = uuid.Nil
		s.Messages = nil
		if len(s.Channels) > 0 {
			s.SelectedID = s.Channels[0].ID
		}
	}
	return s
}

// SortChannels orders channels by last message time, newest first. Channels
// without messages count as the zero epoch. Ties keep their current order.
func SortChannels(chs []domain.Channel) {
	sort.SliceStable(chs, func(i, j int) bool {
		return chs[i].LastActivity().After(chs[j].LastActivity())
	})
}
