package ws

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/vedran77/portal/internal/channels"
	"github.com/vedran77/portal/internal/domain"
	"github.com/vedran77/portal/internal/mention"
)

// Event types - Client → Server
const (
	EventTypeChannelSelect      = "channel.select"
	EventTypeChannelSend        = "channel.send"
	EventTypeChannelCreate      = "channel.create"
	EventTypeChannelArchive     = "channel.archive"
	EventTypeDMStart            = "dm.start"
	EventTypeDMOpen             = "dm.open"
	EventTypeDMClose            = "dm.close"
	EventTypeDMSend             = "dm.send"
	EventTypeDMRead             = "dm.read"
	EventTypePresenceVisibility = "presence.visibility"
	EventTypeMentionSuggest     = "mention.suggest"
	EventTypeMentionPick        = "mention.pick"
	EventTypeNotificationReload = "notifications.reload"
	EventTypeAlertDismiss       = "alert.dismiss"
	EventTypeAlertOpen          = "alert.open"
	EventTypePing               = "ping"
)

// Event types - Server → Client
const (
	EventTypeReady              = "ready"
	EventTypeChannelsState      = "channels.state"
	EventTypeDMState            = "dm.state"
	EventTypePresenceState      = "presence.state"
	EventTypeAlertsState        = "alerts.state"
	EventTypeAlert              = "alert"
	EventTypeAlertOpened        = "alert.opened"
	EventTypeMentionSuggestions = "mention.suggestions"
	EventTypeMentionInserted    = "mention.inserted"
	EventTypeDMStarted          = "dm.started"
	EventTypePong               = "pong"
	EventTypeError              = "error"
)

// Event is the base envelope for all WebSocket messages.
type Event struct {
	Type      string          `json:"type"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Timestamp int64           `json:"ts,omitempty"`
}

// --- Client → Server payloads ---

type ChannelPayload struct {
	ChannelID uuid.UUID `json:"channel_id"`
}

// ChannelSendPayload posts to the selected channel when ChannelID is empty.
// Without explicit mentions the composer draft decides who is mentioned.
type ChannelSendPayload struct {
	ChannelID  uuid.UUID   `json:"channel_id"`
	Content    string      `json:"content"`
	MentionIDs []uuid.UUID `json:"mentioned_user_ids,omitempty"`
}

type UserPayload struct {
	UserID uuid.UUID `json:"user_id"`
}

type ConversationPayload struct {
	ConversationID uuid.UUID `json:"conversation_id"`
}

type DMSendPayload struct {
	ConversationID uuid.UUID `json:"conversation_id"`
	Content        string    `json:"content"`
}

type VisibilityPayload struct {
	Visible bool `json:"visible"`
}

// ComposerPayload is the composer text with the caret as a UTF-16 code
// unit offset, as reported by the browser.
type ComposerPayload struct {
	Text  string    `json:"text"`
	Caret int       `json:"caret"`
	Pick  uuid.UUID `json:"user_id,omitempty"`
}

type AlertPayload struct {
	ID string `json:"id"`
}

// --- Server → Client payloads ---

type ReadyPayload struct {
	Me domain.Identity `json:"me"`
}

type ChannelsStatePayload struct {
	channels.State
	Messages []MessageView `json:"messages"`
}

type MessageView struct {
	channels.Entry
	Spans []mention.Span `json:"spans"`
}

type PresenceView struct {
	domain.UserPresence
	LastSeen string `json:"last_seen,omitempty"`
}

// SuggestionsPayload carries the trigger with Start as a UTF-16 offset.
type SuggestionsPayload struct {
	Trigger mention.Trigger   `json:"trigger"`
	Users   []domain.Identity `json:"users"`
}

// InsertedPayload carries the caret as a UTF-16 offset.
type InsertedPayload struct {
	Text       string      `json:"text"`
	Caret      int         `json:"caret"`
	MentionIDs []uuid.UUID `json:"mentioned_user_ids"`
}

type AlertOpenedPayload struct {
	ID        string `json:"id"`
	ActionURL string `json:"action_url"`
}

type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	// Request is the client event type that failed.
	Request string            `json:"request,omitempty"`
	Fields  map[string]string `json:"fields,omitempty"`
}

// NewEvent creates a server→client event with the current timestamp.
func NewEvent(eventType string, payload any) (*Event, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return &Event{
		Type:      eventType,
		Payload:   data,
		Timestamp: time.Now().Unix(),
	}, nil
}

func channelsState(s channels.State) ChannelsStatePayload {
	views := make([]MessageView, 0, len(s.Messages))
	for _, e := range s.Messages {
		views = append(views, MessageView{Entry: e, Spans: e.Spans()})
	}
	return ChannelsStatePayload{State: s, Messages: views}
}
