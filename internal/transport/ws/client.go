package ws

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/vedran77/portal/internal/apperror"
	"github.com/vedran77/portal/internal/channels"
	"github.com/vedran77/portal/internal/dm"
	"github.com/vedran77/portal/internal/domain"
	"github.com/vedran77/portal/internal/mention"
	"github.com/vedran77/portal/internal/notify"
	"github.com/vedran77/portal/internal/presence"
	"github.com/vedran77/portal/internal/session"
)

const (
	writeWait      = 10 * time.Second
	requestTimeout = 10 * time.Second
	closeTimeout   = 5 * time.Second
	pingInterval   = 30 * time.Second
	maxMessageSize = 64 * 1024
	sendBufSize    = 256
)

var (
	errClientClosed = errors.New("client closed")
	errBadPayload   = errors.New("invalid payload")
	errUnknownEvent = errors.New("unknown event type")
)

// Client is one gateway connection and the session behind it.
type Client struct {
	hub    *Hub
	conn   *websocket.Conn
	userID uuid.UUID
	sess   *session.Session
	log    zerolog.Logger

	// draft is only touched from the read loop.
	draft mention.Draft

	ctx    context.Context
	cancel context.CancelFunc
	send   chan []byte
}

func NewClient(hub *Hub, conn *websocket.Conn, userID uuid.UUID, log zerolog.Logger) *Client {
	ctx, cancel := context.WithCancel(context.Background())
	return &Client{
		hub:    hub,
		conn:   conn,
		userID: userID,
		log:    log.With().Str("user_id", userID.String()).Logger(),
		ctx:    ctx,
		cancel: cancel,
		send:   make(chan []byte, sendBufSize),
	}
}

// Alerter pushes alerts to this connection.
func (c *Client) Alerter() notify.Alerter {
	return notify.AlerterFunc(func(_ context.Context, a notify.Alert) error {
		return c.push(EventTypeAlert, a)
	})
}

// attach wires the session's state changes to the connection and sends the
// initial snapshots.
func (c *Client) attach(sess *session.Session) {
	c.sess = sess
	sess.Channels.OnChange(func(s channels.State) { c.push(EventTypeChannelsState, channelsState(s)) })
	sess.DMs.OnChange(func(s dm.State) { c.push(EventTypeDMState, s) })
	sess.Presence.OnChange(func(m map[uuid.UUID]domain.UserPresence) { c.push(EventTypePresenceState, presenceViews(m)) })
	sess.Notify.OnChange(func(a []notify.Alert) { c.push(EventTypeAlertsState, a) })

	c.push(EventTypeReady, ReadyPayload{Me: sess.Me})
	c.push(EventTypeChannelsState, channelsState(sess.Channels.State()))
	c.push(EventTypeDMState, sess.DMs.State())
	c.push(EventTypePresenceState, presenceViews(sess.Presence.Snapshot()))
	c.push(EventTypeAlertsState, sess.Notify.Active())
}

func presenceViews(m map[uuid.UUID]domain.UserPresence) []PresenceView {
	now := time.Now().UTC()
	out := make([]PresenceView, 0, len(m))
	for _, p := range m {
		v := PresenceView{UserPresence: p}
		if !p.LastSeenAt.IsZero() {
			v.LastSeen = presence.FormatLastSeen(now, p.LastSeenAt)
		}
		out = append(out, v)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UserID.String() < out[j].UserID.String() })
	return out
}

// shutdown stops both pumps. Safe to call more than once.
func (c *Client) shutdown() {
	c.cancel()
}

// push queues an event. A client whose buffer is full is disconnected.
func (c *Client) push(eventType string, payload any) error {
	evt, err := NewEvent(eventType, payload)
	if err != nil {
		c.log.Error().Err(err).Str("event", eventType).Msg("marshal event")
		return err
	}
	data, err := json.Marshal(evt)
	if err != nil {
		return err
	}

	select {
	case <-c.ctx.Done():
		return errClientClosed
	default:
	}
	select {
	case c.send <- data:
		return nil
	default:
		c.log.Warn().Str("event", eventType).Msg("send buffer full, disconnecting")
		c.shutdown()
		return errClientClosed
	}
}

// ReadPump reads client events until the connection ends, then closes the
// session.
func (c *Client) ReadPump() {
	defer func() {
		c.hub.leave(c)
		c.shutdown()
		if c.sess != nil {
			ctx, cancel := context.WithTimeout(context.Background(), closeTimeout)
			c.sess.Close(ctx)
			cancel()
		}
		c.conn.Close(websocket.StatusNormalClosure, "")
	}()

	c.conn.SetReadLimit(maxMessageSize)
	for {
		var event Event
		err := wsjson.Read(c.ctx, c.conn, &event)
		if err != nil {
			switch {
			case websocket.CloseStatus(err) != -1, c.ctx.Err() != nil:
				c.log.Debug().Msg("client disconnected")
			default:
				c.log.Warn().Err(err).Msg("read error")
			}
			return
		}

		c.handleEvent(&event)
	}
}

// WritePump writes messages from the send channel to the WebSocket.
func (c *Client) WritePump() {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		c.conn.Close(websocket.StatusNormalClosure, "")
	}()

	for {
		select {
		case message := <-c.send:
			ctx, cancel := context.WithTimeout(c.ctx, writeWait)
			err := c.conn.Write(ctx, websocket.MessageText, message)
			cancel()
			if err != nil {
				c.log.Warn().Err(err).Msg("write error")
				c.shutdown()
				return
			}

		case <-ticker.C:
			ctx, cancel := context.WithTimeout(c.ctx, writeWait)
			err := c.conn.Ping(ctx)
			cancel()
			if err != nil {
				c.log.Warn().Err(err).Msg("ping error")
				c.shutdown()
				return
			}

		case <-c.ctx.Done():
			return
		}
	}
}

// handleEvent runs one client event against the session and reports a
// failure back as an error event.
func (c *Client) handleEvent(event *Event) {
	ctx, cancel := context.WithTimeout(c.ctx, requestTimeout)
	defer cancel()

	err := c.dispatch(ctx, event)
	switch {
	case err == nil:
	case errors.Is(err, errBadPayload):
		c.sendError(event.Type, ErrorPayload{Code: "INVALID_PAYLOAD", Message: "invalid " + event.Type + " payload"})
	case errors.Is(err, errUnknownEvent):
		c.sendError(event.Type, ErrorPayload{Code: "UNKNOWN_EVENT", Message: "unknown event type: " + event.Type})
	default:
		ae := apperror.Translate(err)
		if ae.Kind != apperror.KindValidation {
			c.log.Warn().Err(ae).Str("event", event.Type).Msg("event failed")
		}
		c.sendError(event.Type, ErrorPayload{Code: string(ae.Kind), Message: ae.Message, Fields: ae.Fields})
	}
}

func decode(event *Event, dst any) error {
	if len(event.Payload) == 0 || bytes.Equal(event.Payload, []byte("null")) {
		return errBadPayload
	}
	if err := json.Unmarshal(event.Payload, dst); err != nil {
		return errBadPayload
	}
	return nil
}

func (c *Client) dispatch(ctx context.Context, event *Event) error {
	s := c.sess
	switch event.Type {
	case EventTypeChannelSelect:
		var p ChannelPayload
		if err := decode(event, &p); err != nil {
			return err
		}
		c.draft.Reset()
		return s.Channels.SelectChannel(ctx, p.ChannelID)

	case EventTypeChannelSend:
		var p ChannelSendPayload
		if err := decode(event, &p); err != nil {
			return err
		}
		return c.sendChannelMessage(ctx, p)

	case EventTypeChannelCreate:
		var p channels.CreateChannelInput
		if err := decode(event, &p); err != nil {
			return err
		}
		_, err := s.Channels.CreateChannel(ctx, p)
		return err

	case EventTypeChannelArchive:
		var p ChannelPayload
		if err := decode(event, &p); err != nil {
			return err
		}
		return s.Channels.ArchiveChannel(ctx, p.ChannelID)

	case EventTypeDMStart:
		var p UserPayload
		if err := decode(event, &p); err != nil {
			return err
		}
		conv, err := s.DMs.GetOrCreateConversation(ctx, p.UserID)
		if err != nil {
			return err
		}
		if err := s.DMs.OpenConversation(ctx, conv.ID); err != nil {
			return err
		}
		return c.push(EventTypeDMStarted, conv)

	case EventTypeDMOpen:
		var p ConversationPayload
		if err := decode(event, &p); err != nil {
			return err
		}
		return s.DMs.OpenConversation(ctx, p.ConversationID)

	case EventTypeDMClose:
		s.DMs.CloseConversation()
		return nil

	case EventTypeDMSend:
		var p DMSendPayload
		if err := decode(event, &p); err != nil {
			return err
		}
		_, err := s.DMs.SendMessage(ctx, p.ConversationID, p.Content)
		return err

	case EventTypeDMRead:
		var p ConversationPayload
		if err := decode(event, &p); err != nil {
			return err
		}
		return s.DMs.MarkAsRead(ctx, p.ConversationID)

	case EventTypePresenceVisibility:
		var p VisibilityPayload
		if err := decode(event, &p); err != nil {
			return err
		}
		return s.Presence.SetVisibility(ctx, p.Visible)

	case EventTypeMentionSuggest:
		var p ComposerPayload
		if err := decode(event, &p); err != nil {
			return err
		}
		return c.suggest(ctx, p)

	case EventTypeMentionPick:
		var p ComposerPayload
		if err := decode(event, &p); err != nil {
			return err
		}
		return c.pick(ctx, p)

	case EventTypeNotificationReload:
		return s.Notify.ReloadPreferences(ctx)

	case EventTypeAlertDismiss:
		var p AlertPayload
		if err := decode(event, &p); err != nil {
			return err
		}
		s.Notify.Dismiss(p.ID)
		return nil

	case EventTypeAlertOpen:
		var p AlertPayload
		if err := decode(event, &p); err != nil {
			return err
		}
		url, ok := s.Notify.Open(p.ID)
		if !ok {
			return apperror.Validation("This alert has expired.", nil)
		}
		return c.push(EventTypeAlertOpened, AlertOpenedPayload{ID: p.ID, ActionURL: url})

	case EventTypePing:
		return c.push(EventTypePong, nil)
	}
	return errUnknownEvent
}

func (c *Client) sendChannelMessage(ctx context.Context, p ChannelSendPayload) error {
	channelID := p.ChannelID
	if channelID == uuid.Nil {
		channelID = c.sess.Channels.State().SelectedID
	}
	if channelID == uuid.Nil {
		return apperror.Validation("Select a channel first.", nil)
	}

	mentions := p.MentionIDs
	if mentions == nil {
		c.draft.Sync(p.Content)
		mentions = c.draft.UserIDs()
	}
	if _, err := c.sess.Channels.SendMessage(ctx, channelID, p.Content, mentions); err != nil {
		return err
	}
	c.draft.Reset()
	return nil
}

func (c *Client) suggest(ctx context.Context, p ComposerPayload) error {
	c.draft.Sync(p.Text)
	trig := mention.Detect(p.Text, mention.RuneOffset(p.Text, p.Caret))
	if !trig.Active {
		return c.push(EventTypeMentionSuggestions, SuggestionsPayload{Trigger: trig, Users: []domain.Identity{}})
	}
	users, err := c.sess.Suggest(ctx, trig.Query, &c.draft)
	if err != nil {
		return err
	}
	trig.Start = mention.UTF16Offset(p.Text, trig.Start)
	return c.push(EventTypeMentionSuggestions, SuggestionsPayload{Trigger: trig, Users: users})
}

func (c *Client) pick(ctx context.Context, p ComposerPayload) error {
	caret := mention.RuneOffset(p.Text, p.Caret)
	trig := mention.Detect(p.Text, caret)
	if !trig.Active {
		return apperror.Validation("No mention is being typed.", nil)
	}
	ident, err := c.sess.Directory.Resolve(ctx, p.Pick)
	if err != nil {
		return err
	}
	if ident == nil {
		return apperror.Validation("That person is no longer available.", nil)
	}

	text, caret := mention.Insert(p.Text, trig, caret, ident.DisplayName())
	c.draft.Add(*ident)
	c.draft.Sync(text)
	return c.push(EventTypeMentionInserted, InsertedPayload{
		Text:       text,
		Caret:      mention.UTF16Offset(text, caret),
		MentionIDs: c.draft.UserIDs(),
	})
}

func (c *Client) sendError(request string, p ErrorPayload) {
	p.Request = request
	c.push(EventTypeError, p)
}
