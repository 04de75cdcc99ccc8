package api

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/l1x/crabitat/internal/core"
)

type createColonyRequest struct {
	Name        string  `json:"name"`
	Description string  `json:"description"`
	RepoURL     *string `json:"repo_url"`
}

type colonyResponse struct {
	ID          string  `json:"id"`
	Name        string  `json:"name"`
	Description string  `json:"description"`
	RepoURL     *string `json:"repo_url,omitempty"`
	CreatedAtMS int64   `json:"created_at_ms"`
}

func colonyToResponse(colony *core.Colony) colonyResponse {
	return colonyResponse{
		ID:          colony.ID,
		Name:        colony.Name,
		Description: colony.Description,
		RepoURL:     colony.RepoURL,
		CreatedAtMS: colony.CreatedAtMS,
	}
}

func (s *Server) handleCreateColony(w http.ResponseWriter, r *http.Request) {
	var req createColonyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", "invalid JSON payload")
		return
	}
	req.Name = strings.TrimSpace(req.Name)
	if req.Name == "" {
		writeError(w, http.StatusBadRequest, "invalid_input", "name is required")
		return
	}

	colony, err := s.engine.CreateColony(r.Context(), req.Name, req.Description, req.RepoURL)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, colonyToResponse(colony))
}

func (s *Server) handleListColonies(w http.ResponseWriter, r *http.Request) {
	colonies, err := s.store.ListColonies(r.Context())
	if err != nil {
		writeDomainError(w, err)
		return
	}
	out := make([]colonyResponse, 0, len(colonies))
	for _, colony := range colonies {
		out = append(out, colonyToResponse(colony))
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleGetColony(w http.ResponseWriter, r *http.Request) {
	colony, err := s.store.GetColony(r.Context(), chi.URLParam(r, "colonyID"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, colonyToResponse(colony))
}
