package handlers

import (
	"net/http"
	"slices"

	"github.com/google/uuid"

	"github.com/vedran77/portal/internal/channels"
	"github.com/vedran77/portal/internal/domain"
	"github.com/vedran77/portal/internal/mention"
)

type ChannelHandler struct {
	callers *Callers
}

func NewChannelHandler(callers *Callers) *ChannelHandler {
	return &ChannelHandler{callers: callers}
}

// messageView is a channel message with its content split into spans.
type messageView struct {
	channels.Entry
	Spans []mention.Span `json:"spans"`
}

func viewEntries(entries []channels.Entry) []messageView {
	out := make([]messageView, 0, len(entries))
	for _, e := range entries {
		out = append(out, messageView{Entry: e, Spans: e.Spans()})
	}
	return out
}

func (h *ChannelHandler) engine(w http.ResponseWriter, r *http.Request) (*channels.Engine, func(error), bool) {
	caller, log, ok := h.callers.resolve(w, r)
	if !ok {
		return nil, nil, false
	}
	e := channels.New(caller.Client, caller.Directory, nil, caller.Me, log)
	return e, func(err error) { writeAppError(w, log, err) }, true
}

func (h *ChannelHandler) List(w http.ResponseWriter, r *http.Request) {
	e, fail, ok := h.engine(w, r)
	if !ok {
		return
	}
	list, err := e.ListChannels(r.Context())
	if err != nil {
		fail(err)
		return
	}
	writeJSON(w, http.StatusOK, list)
}

func (h *ChannelHandler) Create(w http.ResponseWriter, r *http.Request) {
	var input channels.CreateChannelInput
	if !decodeJSON(w, r, &input) {
		return
	}
	e, fail, ok := h.engine(w, r)
	if !ok {
		return
	}

	ch, err := e.CreateChannel(r.Context(), input)
	if err != nil {
		fail(err)
		return
	}
	writeJSON(w, http.StatusCreated, ch)
}

func (h *ChannelHandler) Archive(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	e, fail, ok := h.engine(w, r)
	if !ok {
		return
	}
	if err := e.ArchiveChannel(r.Context(), id); err != nil {
		fail(err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *ChannelHandler) ListMessages(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	e, fail, ok := h.engine(w, r)
	if !ok {
		return
	}

	list, err := e.ListChannels(r.Context())
	if err != nil {
		fail(err)
		return
	}
	if !slices.ContainsFunc(list, func(ch domain.Channel) bool { return ch.ID == id }) {
		writeError(w, http.StatusNotFound, "NOT_FOUND", "This channel is no longer available.")
		return
	}

	entries, err := e.LoadMessages(r.Context(), id)
	if err != nil {
		fail(err)
		return
	}
	writeJSON(w, http.StatusOK, viewEntries(entries))
}

type sendChannelMessageInput struct {
	Content    string      `json:"content"`
	MentionIDs []uuid.UUID `json:"mentioned_user_ids"`
}

func (h *ChannelHandler) SendMessage(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	var input sendChannelMessageInput
	if !decodeJSON(w, r, &input) {
		return
	}
	e, fail, ok := h.engine(w, r)
	if !ok {
		return
	}

	entry, err := e.SendMessage(r.Context(), id, input.Content, input.MentionIDs)
	if err != nil {
		fail(err)
		return
	}
	writeJSON(w, http.StatusCreated, viewEntries([]channels.Entry{*entry})[0])
}
