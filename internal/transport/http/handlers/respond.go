package handlers

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/vedran77/portal/internal/apperror"
	"github.com/vedran77/portal/internal/session"
	"github.com/vedran77/portal/internal/transport/http/middleware"
	"github.com/vedran77/portal/pkg/validator"
)

// Callers resolves the authenticated user of a request into backend access
// acting as that user.
type Callers struct {
	factory session.Factory
	log     zerolog.Logger
}

func NewCallers(factory session.Factory, log zerolog.Logger) *Callers {
	return &Callers{factory: factory, log: log}
}

func (c *Callers) resolve(w http.ResponseWriter, r *http.Request) (*session.Caller, zerolog.Logger, bool) {
	userID := middleware.GetUserID(r.Context())
	log := c.log.With().Str("user_id", userID.String()).Logger()
	caller, err := c.factory.Caller(r.Context(), userID, log)
	if errors.Is(err, session.ErrUnknownUser) {
		writeError(w, http.StatusForbidden, "UNKNOWN_USER", "Your account is not in the user directory")
		return nil, log, false
	}
	if err != nil {
		writeAppError(w, log, err)
		return nil, log, false
	}
	return caller, log, true
}

func pathID(w http.ResponseWriter, r *http.Request, name string) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, name))
	if err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_ID", "Invalid ID")
		return uuid.Nil, false
	}
	return id, true
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_JSON", "Invalid request body")
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, code string, message string) {
	writeJSON(w, status, map[string]any{
		"error": map[string]string{
			"code":    code,
			"message": message,
		},
	})
}

func writeValidationErrors(w http.ResponseWriter, message string, errs validator.ValidationErrors) {
	writeJSON(w, http.StatusBadRequest, map[string]any{
		"error": map[string]any{
			"code":    "VALIDATION_ERROR",
			"message": message,
			"fields":  errs,
		},
	})
}

// writeAppError maps a classified failure to a status code.
func writeAppError(w http.ResponseWriter, log zerolog.Logger, err error) {
	ae := apperror.Translate(err)
	switch ae.Kind {
	case apperror.KindValidation:
		if len(ae.Fields) > 0 {
			writeValidationErrors(w, ae.Message, validator.ValidationErrors(ae.Fields))
			return
		}
		writeError(w, http.StatusBadRequest, "INVALID_REQUEST", ae.Message)
	case apperror.KindAuthorization:
		writeError(w, http.StatusForbidden, "FORBIDDEN", ae.Message)
	case apperror.KindSetup:
		log.Error().Err(ae).Msg("backend not set up")
		writeError(w, http.StatusServiceUnavailable, "NOT_CONFIGURED", ae.Message)
	default:
		log.Error().Err(ae).Msg("request failed")
		writeError(w, http.StatusInternalServerError, "INTERNAL", ae.Message)
	}
}
