package handlers

import (
	"net/http"

	"github.com/google/uuid"

	"github.com/vedran77/portal/internal/dm"
)

type DMHandler struct {
	callers *Callers
}

func NewDMHandler(callers *Callers) *DMHandler {
	return &DMHandler{callers: callers}
}

func (h *DMHandler) engine(w http.ResponseWriter, r *http.Request) (*dm.Engine, func(error), bool) {
	caller, log, ok := h.callers.resolve(w, r)
	if !ok {
		return nil, nil, false
	}
	e := dm.New(caller.Client, caller.Directory, nil, caller.Me, log)
	return e, func(err error) { writeAppError(w, log, err) }, true
}

// known loads the caller's conversations and reports whether id is one of
// them, writing a 404 when it is not.
func known(w http.ResponseWriter, r *http.Request, e *dm.Engine, id uuid.UUID, fail func(error)) bool {
	if _, err := e.ListConversations(r.Context()); err != nil {
		fail(err)
		return false
	}
	if _, ok := e.State().Conversation(id); !ok {
		writeError(w, http.StatusNotFound, "NOT_FOUND", "This conversation is no longer available.")
		return false
	}
	return true
}

type startConversationInput struct {
	UserID uuid.UUID `json:"user_id"`
}

func (h *DMHandler) GetOrCreateConversation(w http.ResponseWriter, r *http.Request) {
	var input startConversationInput
	if !decodeJSON(w, r, &input) {
		return
	}
	if input.UserID == uuid.Nil {
		writeError(w, http.StatusBadRequest, "INVALID_ID", "user_id is required")
		return
	}
	e, fail, ok := h.engine(w, r)
	if !ok {
		return
	}

	conv, err := e.GetOrCreateConversation(r.Context(), input.UserID)
	if err != nil {
		fail(err)
		return
	}
	writeJSON(w, http.StatusOK, conv)
}

func (h *DMHandler) ListConversations(w http.ResponseWriter, r *http.Request) {
	e, fail, ok := h.engine(w, r)
	if !ok {
		return
	}
	list, err := e.ListConversations(r.Context())
	if err != nil {
		fail(err)
		return
	}
	writeJSON(w, http.StatusOK, list)
}

func (h *DMHandler) ListMessages(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	e, fail, ok := h.engine(w, r)
	if !ok || !known(w, r, e, id, fail) {
		return
	}

	entries, err := e.LoadMessages(r.Context(), id)
	if err != nil {
		fail(err)
		return
	}
	writeJSON(w, http.StatusOK, entries)
}

type sendDMInput struct {
	Content string `json:"content"`
}

func (h *DMHandler) SendMessage(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	var input sendDMInput
	if !decodeJSON(w, r, &input) {
		return
	}
	e, fail, ok := h.engine(w, r)
	if !ok {
		return
	}

	msgID, err := e.SendMessage(r.Context(), id, input.Content)
	if err != nil {
		fail(err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]uuid.UUID{"id": msgID})
}

func (h *DMHandler) MarkAsRead(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	e, fail, ok := h.engine(w, r)
	if !ok || !known(w, r, e, id, fail) {
		return
	}
	if err := e.MarkAsRead(r.Context(), id); err != nil {
		fail(err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
