package handlers

import (
	"net/http"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/vedran77/portal/internal/domain"
	"github.com/vedran77/portal/internal/mention"
	"github.com/vedran77/portal/internal/notify"
	"github.com/vedran77/portal/internal/presence"
)

// UserHandler serves the directory, presence and notification settings.
type UserHandler struct {
	callers *Callers
	now     func() time.Time
}

func NewUserHandler(callers *Callers) *UserHandler {
	return &UserHandler{callers: callers, now: func() time.Time { return time.Now().UTC() }}
}

// Directory lists users matching ?q= the way the mention picker does,
// without the caller.
func (h *UserHandler) Directory(w http.ResponseWriter, r *http.Request) {
	caller, log, ok := h.callers.resolve(w, r)
	if !ok {
		return
	}
	all, err := caller.Directory.Directory(r.Context())
	if err != nil {
		writeAppError(w, log, err)
		return
	}
	exclude := map[uuid.UUID]struct{}{caller.Me.ID: {}}
	writeJSON(w, http.StatusOK, mention.Suggest(all, r.URL.Query().Get("q"), exclude))
}

type presenceView struct {
	domain.UserPresence
	LastSeen string `json:"last_seen"`
}

func (h *UserHandler) Presence(w http.ResponseWriter, r *http.Request) {
	caller, log, ok := h.callers.resolve(w, r)
	if !ok {
		return
	}
	t := presence.New(caller.Client, nil, caller.Me.ID, log)
	if err := t.Load(r.Context()); err != nil {
		writeAppError(w, log, err)
		return
	}

	now := h.now()
	snap := t.Snapshot()
	out := make([]presenceView, 0, len(snap))
	for _, p := range snap {
		v := presenceView{UserPresence: p}
		if !p.LastSeenAt.IsZero() {
			v.LastSeen = presence.FormatLastSeen(now, p.LastSeenAt)
		}
		out = append(out, v)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UserID.String() < out[j].UserID.String() })
	writeJSON(w, http.StatusOK, out)
}

func (h *UserHandler) NotificationPreferences(w http.ResponseWriter, r *http.Request) {
	caller, log, ok := h.callers.resolve(w, r)
	if !ok {
		return
	}
	relay := notify.New(caller.Client, nil, caller.Me.ID, nil, log)
	if err := relay.ReloadPreferences(r.Context()); err != nil {
		writeAppError(w, log, err)
		return
	}
	writeJSON(w, http.StatusOK, relay.Preferences())
}

func (h *UserHandler) Me(w http.ResponseWriter, r *http.Request) {
	caller, _, ok := h.callers.resolve(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, caller.Me)
}
