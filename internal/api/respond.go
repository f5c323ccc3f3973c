package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"sitepatrol/internal/apperr"
	"sitepatrol/internal/store"
)

type errorBody struct {
	Code        string `json:"code"`
	Message     string `json:"message"`
	Category    string `json:"category,omitempty"`
	Operational *bool  `json:"operational,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, map[string]any{"error": errorBody{Code: code, Message: message}})
}

// writeFailure maps err to a response. Store sentinels become 404/409,
// tagged errors use their category, anything else is a logged 500.
func (s *Server) writeFailure(w http.ResponseWriter, op string, err error) {
	switch {
	case errors.Is(err, store.ErrTaskNotFound),
		errors.Is(err, store.ErrScheduleNotFound),
		errors.Is(err, store.ErrExecutionNotFound):
		writeError(w, http.StatusNotFound, "not_found", err.Error())
		return
	case errors.Is(err, store.ErrDuplicateName):
		writeError(w, http.StatusConflict, "conflict", err.Error())
		return
	case errors.Is(err, store.ErrStatusConflict):
		writeError(w, http.StatusConflict, "conflict", err.Error())
		return
	}
	if appErr, ok := apperr.As(err); ok {
		status := appErr.HTTPStatus()
		if status >= http.StatusInternalServerError {
			s.logger.Error(op, "err", err, "code", appErr.Code())
		}
		operational := appErr.IsOperational
		message := appErr.Message
		if !operational {
			message = "internal error"
		}
		writeJSON(w, status, map[string]any{"error": errorBody{
			Code:        appErr.Code(),
			Message:     message,
			Category:    string(appErr.Category),
			Operational: &operational,
		}})
		return
	}
	s.logger.Error(op, "err", err)
	writeError(w, http.StatusInternalServerError, "internal_error", "failed to "+op)
}

// decodeJSON reads the request body into v, answering 400 on failure.
func decodeJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", "invalid JSON payload")
		return false
	}
	return true
}

func parseIntDefault(value string, def int) int {
	if value == "" {
		return def
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return def
	}
	return parsed
}
