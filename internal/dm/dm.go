// Package dm is the direct message engine: one conversation per pair of
// users, unread tracking and live updates.
package dm

import (
	"context"
	"encoding/json"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/vedran77/portal/internal/apperror"
	"github.com/vedran77/portal/internal/backend"
	"github.com/vedran77/portal/internal/directory"
	"github.com/vedran77/portal/internal/domain"
	"github.com/vedran77/portal/internal/feed"
	"github.com/vedran77/portal/internal/metrics"
	"github.com/vedran77/portal/pkg/validator"
)

const (
	TableConversations = "dm_conversations"
	TableMessages      = "direct_messages"

	rpcGetOrCreate = "get_or_create_dm_conversation"
	rpcSend        = "send_dm_message"

	messagesFeedKey      = "dm-messages"
	conversationsFeedKey = "dm-conversations"
	handlerTimeout       = 10 * time.Second
	listParallel         = 8
)

const (
	msgSelfConversation = "You can't start a conversation with yourself."
	msgConversationGone = "This conversation is no longer available."
)

type Engine struct {
	client backend.Client
	dir    *directory.Cache
	feed   *feed.Client
	scope  *feed.Scope
	me     domain.Identity
	log    zerolog.Logger

	mu        sync.Mutex
	state     State
	listeners []func(State)
	globals   []feed.Handle
}

// New builds an engine for the user me. fc may be nil.
func New(client backend.Client, dir *directory.Cache, fc *feed.Client, me domain.Identity, log zerolog.Logger) *Engine {
	e := &Engine{
		client: client,
		dir:    dir,
		feed:   fc,
		me:     me,
		log:    log.With().Str("component", "dm").Logger(),
	}
	if fc != nil {
		e.scope = fc.NewScope()
	}
	return e
}

func (e *Engine) OnChange(fn func(State)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.listeners = append(e.listeners, fn)
}

func (e *Engine) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state.clone()
}

// Start loads the conversation list and recomputes it whenever a direct
// message or a conversation changes.
func (e *Engine) Start(ctx context.Context) error {
	if e.feed != nil {
		subs := map[string]backend.Subscription{
			messagesFeedKey: {
				Table:  TableMessages,
				Events: []backend.EventType{backend.EventInsert, backend.EventUpdate},
			},
			conversationsFeedKey: {
				Table:  TableConversations,
				Events: []backend.EventType{backend.EventInsert, backend.EventUpdate},
			},
		}
		for key, sub := range subs {
			h, err := e.feed.Subscribe(ctx, key, sub, e.handleListEvent)
			if err != nil {
				return e.fail(err)
			}
			e.mu.Lock()
			e.globals = append(e.globals, h)
			e.mu.Unlock()
		}
	}
	_, err := e.ListConversations(ctx)
	return err
}

func (e *Engine) Close() {
	if e.feed == nil {
		return
	}
	e.scope.Release()
	e.mu.Lock()
	handles := e.globals
	e.globals = nil
	e.mu.Unlock()
	for _, h := range handles {
		_ = e.feed.Unsubscribe(h)
	}
}

func (e *Engine) update(fn func(State) State) State {
	e.mu.Lock()
	e.state = fn(e.state)
	snap := e.state.clone()
	listeners := slices.Clone(e.listeners)
	e.mu.Unlock()

	for _, l := range listeners {
		l(snap)
	}
	return snap
}

func (e *Engine) fail(err error) *apperror.Error {
	ae := apperror.Translate(err)
	if ae.Kind != apperror.KindValidation {
		e.log.Error().Err(err).Str("kind", string(ae.Kind)).Msg("direct message operation failed")
	}
	e.update(func(s State) State {
		s.Err = ae.Message
		return s
	})
	return ae
}

// GetOrCreateConversation returns the conversation between the current
// user and other, creating it on first use.
func (e *Engine) GetOrCreateConversation(ctx context.Context, other uuid.UUID) (*Conversation, error) {
	if other == e.me.ID {
		return nil, e.fail(apperror.Validation(msgSelfConversation, nil))
	}

	raw, err := e.client.RPC(ctx, rpcGetOrCreate, map[string]any{"other_user_id": other})
	if err != nil {
		return nil, e.fail(err)
	}
	var id uuid.UUID
	if err := json.Unmarshal(raw, &id); err != nil {
		return nil, e.fail(fmt.Errorf("decoding conversation id: %w", err))
	}

	list, err := e.ListConversations(ctx)
	if err != nil {
		return nil, err
	}
	for _, c := range list {
		if c.ID == id {
			return &c, nil
		}
	}
	p1, p2 := domain.CanonicalPair(e.me.ID, other)
	return &Conversation{
		DirectConversation: domain.DirectConversation{ID: id, Participant1ID: p1, Participant2ID: p2},
		OtherID:            other,
	}, nil
}

// ListConversations loads the user's conversations, most recently active
// first, each with the other participant, unread count and latest message.
func (e *Engine) ListConversations(ctx context.Context) ([]Conversation, error) {
	var convs []domain.DirectConversation
	for _, col := range []string{"participant_1", "participant_2"} {
		rows, err := e.client.Select(ctx, backend.From(TableConversations).
			Where(backend.Eq(col, e.me.ID)).
			OrderBy(backend.Desc("created_at")))
		if err != nil {
			return nil, e.fail(err)
		}
		part, err := backend.DecodeRows[domain.DirectConversation](rows)
		if err != nil {
			return nil, e.fail(err)
		}
		convs = append(convs, part...)
	}

	list := make([]Conversation, 0, len(convs))
	seen := make(map[uuid.UUID]struct{}, len(convs))
	others := make([]uuid.UUID, 0, len(convs))
	for _, c := range convs {
		if _, dup := seen[c.ID]; dup {
			continue
		}
		seen[c.ID] = struct{}{}
		other := c.OtherParticipant(e.me.ID)
		list = append(list, Conversation{DirectConversation: c, OtherID: other})
		others = append(others, other)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(listParallel)
	for i := range list {
		g.Go(func() error { return e.summarize(gctx, &list[i]) })
	}
	if err := g.Wait(); err != nil {
		return nil, e.fail(err)
	}

	idents, err := e.dir.ResolveMany(ctx, others)
	if err != nil {
		e.log.Warn().Err(err).Msg("resolving conversation participants")
	}
	for i := range list {
		if ident, ok := idents[list[i].OtherID]; ok {
			list[i].Other = &ident
		}
	}
	SortConversations(list)

	e.update(func(s State) State {
		s.Conversations = append([]Conversation(nil), list...)
		s.Err = ""
		return s
	})
	return list, nil
}

// summarize fills the unread count and the latest message of c.
func (e *Engine) summarize(ctx context.Context, c *Conversation) error {
	unread, err := e.client.Select(ctx, backend.From(TableMessages).Select("id").Where(
		backend.Eq("conversation_id", c.ID),
		backend.Eq("sender_id", c.OtherID),
		backend.Eq("is_read", false),
	))
	if err != nil {
		return err
	}
	c.UnreadCount = len(unread)

	latest, err := e.client.Select(ctx, backend.From(TableMessages).
		Where(backend.Eq("conversation_id", c.ID)).
		OrderBy(backend.Desc("created_at")).
		Take(1))
	if err != nil {
		return err
	}
	if len(latest) == 1 {
		var msg domain.DirectMessage
		if err := latest[0].Decode(&msg); err != nil {
			return err
		}
		c.LastMessage = &msg
	}
	return nil
}

// OpenConversation makes id the active conversation, follows its messages,
// loads the history and marks the other participant's messages read.
func (e *Engine) OpenConversation(ctx context.Context, id uuid.UUID) error {
	if _, ok := e.State().Conversation(id); !ok {
		if _, err := e.ListConversations(ctx); err != nil {
			return err
		}
		if _, ok := e.State().Conversation(id); !ok {
			return e.fail(&apperror.Error{Kind: apperror.KindValidation, Message: msgConversationGone})
		}
	}

	e.update(func(s State) State {
		if s.ActiveID != id {
			s.ActiveID = id
			s.Messages = nil
		}
		return s
	})

	if e.scope != nil {
		err := e.scope.Switch(ctx, "dm:"+id.String(), backend.Subscription{
			Table:  TableMessages,
			Events: []backend.EventType{backend.EventInsert, backend.EventUpdate},
			Filter: &backend.Filter{Column: "conversation_id", Op: backend.OpEq, Value: id},
		}, e.handleMessageEvent)
		if err != nil {
			return e.fail(err)
		}
	}

	entries, err := e.LoadMessages(ctx, id)
	if err != nil {
		return err
	}
	e.update(func(s State) State {
		if s.ActiveID != id {
			return s
		}
		loaded := State{ActiveID: id, Messages: entries}
		for _, live := range s.Messages {
			loaded = ApplyEvent(loaded, Event{Type: backend.EventInsert, Entry: live})
		}
		s.Messages = loaded.Messages
		s.Err = ""
		return s
	})

	return e.MarkAsRead(ctx, id)
}

// CloseConversation clears the active conversation.
func (e *Engine) CloseConversation() {
	if e.scope != nil {
		e.scope.Release()
	}
	e.update(func(s State) State {
		s.ActiveID = uuid.Nil
		s.Messages = nil
		return s
	})
}

// LoadMessages returns the history of a conversation, oldest first.
func (e *Engine) LoadMessages(ctx context.Context, id uuid.UUID) ([]Entry, error) {
	rows, err := e.client.Select(ctx, backend.From(TableMessages).
		Where(backend.Eq("conversation_id", id)).
		OrderBy(backend.Asc("created_at")))
	if err != nil {
		return nil, e.fail(err)
	}
	msgs, err := backend.DecodeRows[domain.DirectMessage](rows)
	if err != nil {
		return nil, e.fail(err)
	}

	senders := make([]uuid.UUID, 0, 2)
	for _, m := range msgs {
		senders = append(senders, m.SenderID)
	}
	idents, err := e.dir.ResolveMany(ctx, senders)
	if err != nil {
		e.log.Warn().Err(err).Msg("resolving message senders")
	}

	entries := make([]Entry, 0, len(msgs))
	for _, m := range msgs {
		entry := Entry{Message: m}
		if ident, ok := idents[m.SenderID]; ok {
			entry.Sender = &ident
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

// SendMessage posts content to a conversation. The message shows up through
// the change feed.
func (e *Engine) SendMessage(ctx context.Context, conversationID uuid.UUID, content string) (uuid.UUID, error) {
	if errs := validator.ValidateMessage(content); errs.HasErrors() {
		return uuid.Nil, e.fail(apperror.Validation(errs.First("content"), errs))
	}

	raw, err := e.client.RPC(ctx, rpcSend, map[string]any{
		"conversation_id": conversationID,
		"content":         content,
	})
	if err != nil {
		return uuid.Nil, e.fail(err)
	}
	var id uuid.UUID
	if err := json.Unmarshal(raw, &id); err != nil {
		return uuid.Nil, e.fail(fmt.Errorf("decoding message id: %w", err))
	}
	metrics.MessagesSent.WithLabelValues("dm").Inc()
	return id, nil
}

// MarkAsRead marks the other participant's unread messages in the
// conversation as read. The user's own messages are never touched.
func (e *Engine) MarkAsRead(ctx context.Context, conversationID uuid.UUID) error {
	conv, ok := e.State().Conversation(conversationID)
	if !ok {
		return e.fail(&apperror.Error{Kind: apperror.KindValidation, Message: msgConversationGone})
	}

	_, err := e.client.Update(ctx, TableMessages, backend.Row{"is_read": true},
		backend.Eq("conversation_id", conversationID),
		backend.Eq("sender_id", conv.OtherID),
		backend.Eq("is_read", false),
	)
	if err != nil {
		return e.fail(err)
	}
	e.update(func(s State) State { return MarkRead(s, conversationID, conv.OtherID) })
	return nil
}

func (e *Engine) handleMessageEvent(ev backend.Event) {
	var msg domain.DirectMessage
	if err := ev.Record().Decode(&msg); err != nil {
		e.log.Warn().Err(err).Msg("decoding direct message event")
		return
	}
	if msg.ConversationID != e.State().ActiveID {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), handlerTimeout)
	defer cancel()

	// Oversized rows arrive without their text.
	if _, ok := ev.New["content"]; ev.Type != backend.EventDelete && !ok {
		stored, err := e.fetchMessage(ctx, msg.ID)
		switch {
		case err != nil:
			e.log.Warn().Err(err).Str("message_id", msg.ID.String()).Msg("fetching message, using event row")
			if ev.Type == backend.EventInsert {
				return
			}
		case stored == nil:
			return
		default:
			msg = *stored
		}
	}

	entry := Entry{Message: msg}
	sender, err := e.dir.Resolve(ctx, msg.SenderID)
	if err != nil {
		e.log.Warn().Err(err).Str("sender_id", msg.SenderID.String()).Msg("resolving sender")
	}
	entry.Sender = sender
	e.update(func(s State) State { return ApplyEvent(s, Event{Type: ev.Type, Entry: entry}) })

	if ev.Type == backend.EventInsert && msg.SenderID != e.me.ID && !msg.IsRead {
		if err := e.MarkAsRead(ctx, msg.ConversationID); err != nil {
			e.log.Warn().Err(err).Msg("marking incoming message read")
		}
	}
}

// fetchMessage reads one message back. It returns nil, nil when the message
// is not visible.
func (e *Engine) fetchMessage(ctx context.Context, id uuid.UUID) (*domain.DirectMessage, error) {
	rows, err := e.client.Select(ctx, backend.From(TableMessages).Where(backend.Eq("id", id)).Take(1))
	if err != nil || len(rows) == 0 {
		return nil, err
	}
	var msg domain.DirectMessage
	if err := rows[0].Decode(&msg); err != nil {
		return nil, err
	}
	return &msg, nil
}

func (e *Engine) handleListEvent(backend.Event) {
	ctx, cancel := context.WithTimeout(context.Background(), handlerTimeout)
	defer cancel()
	if _, err := e.ListConversations(ctx); err != nil {
		e.log.Warn().Err(err).Msg("refreshing conversations")
	}
}
