// Package channels is the channel messaging engine: the channel list, the
// selected channel's history, sending with optimistic entries and live
// updates from the change feed.
package channels

import (
	"context"
	"encoding/json"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/vedran77/portal/internal/apperror"
	"github.com/vedran77/portal/internal/backend"
	"github.com/vedran77/portal/internal/directory"
	"github.com/vedran77/portal/internal/domain"
	"github.com/vedran77/portal/internal/feed"
	"github.com/vedran77/portal/internal/mention"
	"github.com/vedran77/portal/internal/metrics"
	"github.com/vedran77/portal/pkg/validator"
)

const (
	TableChannels    = "channels"
	TableDepartments = "channel_departments"
	TableMessages    = "channel_messages"
	TableMentions    = "channel_message_mentions"

	rpcCreateMessage = "create_channel_message"
	rpcCreateChannel = "create_channel"

	channelsFeedKey = "channels"
	handlerTimeout  = 10 * time.Second
)

const msgChannelGone = "This channel is no longer available."

type Engine struct {
	client backend.Client
	dir    *directory.Cache
	feed   *feed.Client
	scope  *feed.Scope
	me     domain.Identity
	log    zerolog.Logger
	now    func() time.Time

	mu        sync.Mutex
	state     State
	listeners []func(State)
	global    feed.Handle
}

// New builds an engine for the user me. fc may be nil, in which case the
// engine never subscribes to change feeds.
func New(client backend.Client, dir *directory.Cache, fc *feed.Client, me domain.Identity, log zerolog.Logger) *Engine {
	e := &Engine{
		client: client,
		dir:    dir,
		feed:   fc,
		me:     me,
		log:    log.With().Str("component", "channels").Logger(),
		now:    func() time.Time { return time.Now().UTC() },
	}
	if fc != nil {
		e.scope = fc.NewScope()
	}
	return e
}

// OnChange registers fn to receive a snapshot after every state change.
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

// Start loads the channel list, selects a channel and keeps the list
// current from the channels feed.
func (e *Engine) Start(ctx context.Context) error {
	if e.feed != nil {
		h, err := e.feed.Subscribe(ctx, channelsFeedKey, backend.Subscription{
			Table:  TableChannels,
			Events: []backend.EventType{backend.EventInsert, backend.EventUpdate},
		}, e.handleChannelEvent)
		if err != nil {
			return e.fail(err)
		}
		e.mu.Lock()
		e.global = h
		e.mu.Unlock()
	}
	_, err := e.ListChannels(ctx)
	return err
}

// Close releases every feed registration held by the engine.
func (e *Engine) Close() {
	if e.feed == nil {
		return
	}
	e.scope.Release()
	e.mu.Lock()
	h := e.global
	e.global = 0
	e.mu.Unlock()
	if h != 0 {
		_ = e.feed.Unsubscribe(h)
	}
}

// update applies fn to the state under the lock and notifies listeners.
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

func (e *Engine) apply(ev Event) State {
	return e.update(func(s State) State { return ApplyEvent(s, ev) })
}

// fail classifies err, records its message in the state and returns it.
func (e *Engine) fail(err error) *apperror.Error {
	ae := apperror.Translate(err)
	if ae.Kind != apperror.KindValidation {
		e.log.Error().Err(err).Str("kind", string(ae.Kind)).Msg("channel operation failed")
	}
	e.update(func(s State) State {
		s.Err = ae.Message
		return s
	})
	return ae
}

func (e *Engine) clearErr() {
	e.mu.Lock()
	clean := e.state.Err == ""
	e.mu.Unlock()
	if clean {
		return
	}
	e.update(func(s State) State {
		s.Err = ""
		return s
	})
}

// ListChannels loads the non-archived channels visible to the user. The
// selection survives when the channel is still listed; otherwise the first
// channel is selected.
func (e *Engine) ListChannels(ctx context.Context) ([]domain.Channel, error) {
	rows, err := e.client.Select(ctx, backend.From(TableChannels).
		Where(backend.Eq("archived", false)).
		OrderBy(backend.Desc("created_at")))
	if err != nil {
		return nil, e.fail(err)
	}
	list, err := backend.DecodeRows[domain.Channel](rows)
	if err != nil {
		return nil, e.fail(err)
	}
	if err := e.attachDepartments(ctx, list); err != nil {
		return nil, e.fail(err)
	}
	SortChannels(list)

	var before uuid.UUID
	snap := e.update(func(s State) State {
		before = s.SelectedID
		s.Channels = append([]domain.Channel(nil), list...)
		s.Err = ""
		if _, ok := s.Selected(); !ok {
			s.SelectedID = uuid.Nil
			if len(s.Channels) > 0 {
				s.SelectedID = s.Channels[0].ID
			}
		}
		return s
	})

	if err := e.followSelection(ctx, before, snap.SelectedID); err != nil {
		return list, err
	}
	return list, nil
}

func (e *Engine) attachDepartments(ctx context.Context, list []domain.Channel) error {
	var restricted []uuid.UUID
	for _, ch := range list {
		if ch.Visibility == domain.VisibilityRestricted {
			restricted = append(restricted, ch.ID)
		}
	}
	if len(restricted) == 0 {
		return nil
	}

	rows, err := e.client.Select(ctx, backend.From(TableDepartments).Where(backend.In("channel_id", restricted)))
	if err != nil {
		return err
	}
	links, err := backend.DecodeRows[domain.ChannelDepartment](rows)
	if err != nil {
		return err
	}
	byChannel := make(map[uuid.UUID][]uuid.UUID, len(restricted))
	for _, l := range links {
		byChannel[l.ChannelID] = append(byChannel[l.ChannelID], l.DepartmentID)
	}
	for i := range list {
		if list[i].Visibility == domain.VisibilityRestricted {
			list[i].DepartmentIDs = byChannel[list[i].ID]
		}
	}
	return nil
}

// followSelection loads the newly selected channel after the selection
// moved from before to after, or drops the message feed when nothing is
// selected.
func (e *Engine) followSelection(ctx context.Context, before, after uuid.UUID) error {
	switch {
	case after == uuid.Nil:
		if e.scope != nil {
			e.scope.Release()
		}
		return nil
	case after == before && e.scopeKey() == messagesKey(after):
		return nil
	}
	return e.SelectChannel(ctx, after)
}

func messagesKey(channelID uuid.UUID) string {
	return "channel-messages:" + channelID.String()
}

func (e *Engine) scopeKey() string {
	if e.scope == nil {
		return ""
	}
	return e.scope.Key()
}

// SelectChannel makes id the active channel, follows its new messages and
// loads its history.
func (e *Engine) SelectChannel(ctx context.Context, id uuid.UUID) error {
	var known bool
	e.update(func(s State) State {
		for _, ch := range s.Channels {
			if ch.ID == id {
				known = true
				break
			}
		}
		if known && s.SelectedID != id {
			s.SelectedID = id
			s.Messages = nil
		}
		return s
	})
	if !known {
		return e.fail(&apperror.Error{Kind: apperror.KindValidation, Message: msgChannelGone})
	}

	if e.scope != nil {
		err := e.scope.Switch(ctx, messagesKey(id), backend.Subscription{
			Table:  TableMessages,
			Events: []backend.EventType{backend.EventInsert},
			Filter: &backend.Filter{Column: "channel_id", Op: backend.OpEq, Value: id},
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
		if s.SelectedID != id {
			return s
		}
		// Entries that arrived from the feed while loading are kept.
		merged := entries
		for _, live := range s.Messages {
			merged = upsertEntry(merged, live)
		}
		s.Messages = merged
		s.Err = ""
		return s
	})
	return nil
}

// LoadMessages returns the history of a channel, oldest first.
func (e *Engine) LoadMessages(ctx context.Context, channelID uuid.UUID) ([]Entry, error) {
	rows, err := e.client.Select(ctx, backend.From(TableMessages).
		Where(backend.Eq("channel_id", channelID)).
		OrderBy(backend.Asc("created_at")))
	if err != nil {
		return nil, e.fail(err)
	}
	msgs, err := backend.DecodeRows[domain.ChannelMessage](rows)
	if err != nil {
		return nil, e.fail(err)
	}
	if err := e.attachMentions(ctx, msgs); err != nil {
		return nil, e.fail(err)
	}
	return e.enrich(ctx, msgs, EntryConfirmed), nil
}

func (e *Engine) attachMentions(ctx context.Context, msgs []domain.ChannelMessage) error {
	if len(msgs) == 0 {
		return nil
	}
	ids := make([]uuid.UUID, len(msgs))
	for i, m := range msgs {
		ids[i] = m.ID
	}
	rows, err := e.client.Select(ctx, backend.From(TableMentions).Where(backend.In("message_id", ids)))
	if err != nil {
		return err
	}
	mentions, err := backend.DecodeRows[domain.MessageMention](rows)
	if err != nil {
		return err
	}
	byMessage := make(map[uuid.UUID][]uuid.UUID, len(msgs))
	for _, m := range mentions {
		byMessage[m.MessageID] = append(byMessage[m.MessageID], m.UserID)
	}
	for i := range msgs {
		msgs[i].MentionIDs = byMessage[msgs[i].ID]
	}
	return nil
}

// enrich resolves senders and mentioned users. Users that cannot be
// resolved are left out rather than failing the whole load.
func (e *Engine) enrich(ctx context.Context, msgs []domain.ChannelMessage, state EntryState) []Entry {
	var ids []uuid.UUID
	for _, m := range msgs {
		ids = append(ids, m.SenderID)
		ids = append(ids, m.MentionIDs...)
	}
	idents, err := e.dir.ResolveMany(ctx, ids)
	if err != nil {
		e.log.Warn().Err(err).Msg("resolving message users")
		idents = make(map[uuid.UUID]domain.Identity)
		for _, id := range ids {
			if ident, ok := e.dir.Peek(id); ok {
				idents[id] = ident
			}
		}
	}

	entries := make([]Entry, 0, len(msgs))
	for _, m := range msgs {
		entry := Entry{Message: m, Mentions: []domain.Identity{}, State: state}
		if ident, ok := idents[m.SenderID]; ok {
			entry.Sender = &ident
		}
		for _, id := range m.MentionIDs {
			if ident, ok := idents[id]; ok {
				entry.Mentions = append(entry.Mentions, ident)
			}
		}
		entries = append(entries, entry)
	}
	return entries
}

// fetchEntry reads one message with its mentions back from the backend.
// It returns nil, nil when the message is not visible.
func (e *Engine) fetchEntry(ctx context.Context, id uuid.UUID) (*Entry, error) {
	rows, err := e.client.Select(ctx, backend.From(TableMessages).Where(backend.Eq("id", id)).Take(1))
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, nil
	}
	msgs, err := backend.DecodeRows[domain.ChannelMessage](rows)
	if err != nil {
		return nil, err
	}
	if err := e.attachMentions(ctx, msgs); err != nil {
		return nil, err
	}
	entries := e.enrich(ctx, msgs, EntryConfirmed)
	return &entries[0], nil
}

// SendMessage posts content to a channel. The entry shows up as pending at
// once and is replaced by the stored row when it can be read back.
func (e *Engine) SendMessage(ctx context.Context, channelID uuid.UUID, content string, mentionIDs []uuid.UUID) (*Entry, error) {
	if errs := validator.ValidateMessage(content); errs.HasErrors() {
		return nil, e.fail(apperror.Validation(errs.First("content"), errs))
	}
	if mentionIDs == nil {
		mentionIDs = []uuid.UUID{}
	}

	raw, err := e.client.RPC(ctx, rpcCreateMessage, map[string]any{
		"channel_id":         channelID,
		"content":            content,
		"mentioned_user_ids": mentionIDs,
	})
	if err != nil {
		return nil, e.fail(err)
	}
	var id uuid.UUID
	if err := json.Unmarshal(raw, &id); err != nil {
		return nil, e.fail(fmt.Errorf("decoding message id: %w", err))
	}
	metrics.MessagesSent.WithLabelValues("channel").Inc()
	e.clearErr()

	me := e.me
	pending := Entry{
		Message: domain.ChannelMessage{
			ID:         id,
			ChannelID:  channelID,
			SenderID:   me.ID,
			Content:    content,
			CreatedAt:  e.now(),
			MentionIDs: mentionIDs,
		},
		Sender:   &me,
		Mentions: []domain.Identity{},
		State:    EntryPending,
	}
	for _, uid := range mentionIDs {
		if ident, ok := e.dir.Peek(uid); ok {
			pending.Mentions = append(pending.Mentions, ident)
		}
	}
	e.apply(Event{Type: backend.EventInsert, Entry: &pending})

	confirmed, err := e.fetchEntry(ctx, id)
	if err != nil || confirmed == nil {
		metrics.Reconciliations.WithLabelValues("failed").Inc()
		e.log.Warn().Err(err).Str("message_id", id.String()).Msg("reading back sent message")
		return &pending, nil
	}
	metrics.Reconciliations.WithLabelValues("confirmed").Inc()
	e.apply(Event{Type: backend.EventUpdate, Entry: confirmed})
	return confirmed, nil
}

func (e *Engine) handleMessageEvent(ev backend.Event) {
	var msg domain.ChannelMessage
	if err := ev.Record().Decode(&msg); err != nil {
		e.log.Warn().Err(err).Msg("decoding message event")
		return
	}
	if msg.ChannelID != e.State().SelectedID {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), handlerTimeout)
	defer cancel()

	entry, err := e.fetchEntry(ctx, msg.ID)
	switch {
	case err != nil:
		e.log.Warn().Err(err).Str("message_id", msg.ID.String()).Msg("fetching message, using event row")
		fallback := e.enrich(ctx, []domain.ChannelMessage{msg}, EntryConfirmed)
		entry = &fallback[0]
	case entry == nil:
		// Not visible to this user.
		return
	}
	e.apply(Event{Type: ev.Type, Entry: entry})
}

func (e *Engine) handleChannelEvent(ev backend.Event) {
	var ch domain.Channel
	if err := ev.Record().Decode(&ch); err != nil {
		e.log.Warn().Err(err).Msg("decoding channel event")
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), handlerTimeout)
	defer cancel()

	// Read the row back so access rules decide whether the user sees it.
	typ := ev.Type
	if !ch.Archived {
		fresh, err := e.fetchChannel(ctx, ch.ID)
		switch {
		case err != nil:
			e.log.Warn().Err(err).Str("channel_id", ch.ID.String()).Msg("fetching channel, using event row")
		case fresh == nil:
			typ = backend.EventDelete
		default:
			ch = *fresh
		}
	}

	before := e.State().SelectedID
	snap := e.apply(Event{Type: typ, Channel: &ch})
	if err := e.followSelection(ctx, before, snap.SelectedID); err != nil {
		e.log.Warn().Err(err).Msg("following selection")
	}
}

func (e *Engine) fetchChannel(ctx context.Context, id uuid.UUID) (*domain.Channel, error) {
	rows, err := e.client.Select(ctx, backend.From(TableChannels).
		Where(backend.Eq("id", id), backend.Eq("archived", false)).
		Take(1))
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, nil
	}
	list, err := backend.DecodeRows[domain.Channel](rows)
	if err != nil {
		return nil, err
	}
	if err := e.attachDepartments(ctx, list); err != nil {
		return nil, err
	}
	return &list[0], nil
}

// ArchiveChannel hides a channel from everyone. When it was selected the
// first remaining channel becomes selected.
func (e *Engine) ArchiveChannel(ctx context.Context, id uuid.UUID) error {
	rows, err := e.client.Update(ctx, TableChannels,
		backend.Row{"archived": true, "updated_at": e.now()},
		backend.Eq("id", id))
	if err != nil {
		return e.fail(err)
	}
	if len(rows) == 0 {
		return e.fail(&apperror.Error{Kind: apperror.KindAuthorization, Message: apperror.MsgForbidden})
	}

	before := e.State().SelectedID
	snap := e.apply(Event{Type: backend.EventUpdate, Channel: &domain.Channel{ID: id, Archived: true}})
	return e.followSelection(ctx, before, snap.SelectedID)
}

// Partition splits an entry into text and mention spans.
func Partition(entry Entry) []mention.Span {
	return entry.Spans()
}
