package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/l1x/crabitat/internal/core"
	"github.com/l1x/crabitat/internal/store"
)

type errorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, errorResponse{Error: code, Message: message})
}

// writeDomainError maps engine and store errors onto HTTP statuses.
func writeDomainError(w http.ResponseWriter, err error) {
	var roleConflict *core.RoleConflictError
	var illegal *core.IllegalTransitionError
	switch {
	case errors.As(err, &roleConflict):
		writeError(w, http.StatusConflict, "role_conflict", roleConflict.Error())
	case errors.As(err, &illegal):
		writeError(w, http.StatusConflict, "illegal_transition", illegal.Error())
	case errors.Is(err, store.ErrColonyNotFound),
		errors.Is(err, store.ErrCrabNotFound),
		errors.Is(err, store.ErrMissionNotFound),
		errors.Is(err, store.ErrTaskNotFound),
		errors.Is(err, store.ErrRunNotFound):
		writeError(w, http.StatusNotFound, "not_found", err.Error())
	case errors.Is(err, core.ErrRunFinished):
		writeError(w, http.StatusConflict, "run_finished", err.Error())
	default:
		writeError(w, http.StatusInternalServerError, "internal", err.Error())
	}
}
