package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/l1x/crabitat/internal/core"
	"github.com/l1x/crabitat/internal/engine"
)

type createMissionRequest struct {
	ColonyID     string  `json:"colony_id"`
	Prompt       string  `json:"prompt"`
	WorkflowName *string `json:"workflow_name"`
	ExternalRef  *string `json:"external_ref"`
}

type missionResponse struct {
	ID           string  `json:"id"`
	ColonyID     string  `json:"colony_id"`
	Prompt       string  `json:"prompt"`
	WorkflowName *string `json:"workflow_name,omitempty"`
	ExternalRef  *string `json:"external_ref,omitempty"`
	Status       string  `json:"status"`
	BurrowPath   string  `json:"burrow_path"`
	CreatedAtMS  int64   `json:"created_at_ms"`
	UpdatedAtMS  int64   `json:"updated_at_ms"`
}

func missionToResponse(mission *core.Mission) missionResponse {
	return missionResponse{
		ID:           mission.ID,
		ColonyID:     mission.ColonyID,
		Prompt:       mission.Prompt,
		WorkflowName: mission.WorkflowName,
		ExternalRef:  mission.ExternalRef,
		Status:       string(mission.Status),
		BurrowPath:   mission.BurrowPath,
		CreatedAtMS:  mission.CreatedAtMS,
		UpdatedAtMS:  mission.UpdatedAtMS,
	}
}

func (s *Server) handleCreateMission(w http.ResponseWriter, r *http.Request) {
	var req createMissionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", "invalid JSON payload")
		return
	}
	req.Prompt = strings.TrimSpace(req.Prompt)
	if req.ColonyID == "" || req.Prompt == "" {
		writeError(w, http.StatusBadRequest, "invalid_input", "colony_id and prompt are required")
		return
	}
	if req.WorkflowName != nil {
		if _, ok := s.engine.Registry().Get(*req.WorkflowName); !ok {
			writeError(w, http.StatusBadRequest, "unknown_workflow", fmt.Sprintf("unknown workflow %q", *req.WorkflowName))
			return
		}
	}

	mission, err := s.engine.CreateMission(r.Context(), engine.CreateMissionRequest{
		ColonyID:     req.ColonyID,
		Prompt:       req.Prompt,
		WorkflowName: req.WorkflowName,
		ExternalRef:  req.ExternalRef,
	})
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, missionToResponse(mission))
}

func (s *Server) handleListMissions(w http.ResponseWriter, r *http.Request) {
	var colonyID *string
	if v := r.URL.Query().Get("colony_id"); v != "" {
		colonyID = &v
	}
	missions, err := s.store.ListMissions(r.Context(), colonyID)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	out := make([]missionResponse, 0, len(missions))
	for _, mission := range missions {
		out = append(out, missionToResponse(mission))
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleGetMission(w http.ResponseWriter, r *http.Request) {
	mission, err := s.store.GetMission(r.Context(), chi.URLParam(r, "missionID"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, missionToResponse(mission))
}

func (s *Server) handleListMissionTasks(w http.ResponseWriter, r *http.Request) {
	missionID := chi.URLParam(r, "missionID")
	if _, err := s.store.GetMission(r.Context(), missionID); err != nil {
		writeDomainError(w, err)
		return
	}
	tasks, err := s.store.ListMissionTasks(r.Context(), missionID)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	out := make([]taskResponse, 0, len(tasks))
	for _, task := range tasks {
		out = append(out, taskToResponse(task))
	}
	writeJSON(w, http.StatusOK, out)
}
