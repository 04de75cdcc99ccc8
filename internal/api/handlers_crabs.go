package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/l1x/crabitat/internal/bus"
	"github.com/l1x/crabitat/internal/core"
	"github.com/l1x/crabitat/internal/engine"
)

type registerCrabRequest struct {
	CrabID   string `json:"crab_id"`
	ColonyID string `json:"colony_id"`
	Name     string `json:"name"`
	Role     string `json:"role"`
}

type crabResponse struct {
	ID            string  `json:"id"`
	ColonyID      string  `json:"colony_id"`
	Name          string  `json:"name"`
	Role          string  `json:"role"`
	State         string  `json:"state"`
	CurrentTaskID *string `json:"current_task_id,omitempty"`
	CurrentRunID  *string `json:"current_run_id,omitempty"`
	LastSeenAtMS  int64   `json:"last_seen_at_ms"`
	UpdatedAtMS   int64   `json:"updated_at_ms"`
}

func crabToResponse(crab *core.Crab) crabResponse {
	return crabResponse{
		ID:            crab.ID,
		ColonyID:      crab.ColonyID,
		Name:          crab.Name,
		Role:          string(crab.Role),
		State:         string(crab.State),
		CurrentTaskID: crab.CurrentTaskID,
		CurrentRunID:  crab.CurrentRunID,
		LastSeenAtMS:  crab.LastSeenAtMS,
		UpdatedAtMS:   crab.UpdatedAtMS,
	}
}

func (s *Server) handleRegisterCrab(w http.ResponseWriter, r *http.Request) {
	var req registerCrabRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", "invalid JSON payload")
		return
	}
	req.CrabID = strings.TrimSpace(req.CrabID)
	req.Name = strings.TrimSpace(req.Name)
	if req.CrabID == "" || req.ColonyID == "" || req.Name == "" || req.Role == "" {
		writeError(w, http.StatusBadRequest, "invalid_input", "crab_id, colony_id, name, and role are required")
		return
	}
	if !core.ValidRole(core.Role(req.Role)) {
		writeError(w, http.StatusBadRequest, "invalid_input", fmt.Sprintf("unknown role %q", req.Role))
		return
	}

	crab, err := s.engine.RegisterCrab(r.Context(), engine.RegisterCrabRequest{
		ID:       req.CrabID,
		ColonyID: req.ColonyID,
		Name:     req.Name,
		Role:     core.Role(req.Role),
	})
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, crabToResponse(crab))
}

func (s *Server) handleListCrabs(w http.ResponseWriter, r *http.Request) {
	var colonyID *string
	if v := r.URL.Query().Get("colony_id"); v != "" {
		colonyID = &v
	}
	crabs, err := s.store.ListCrabs(r.Context(), colonyID)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	out := make([]crabResponse, 0, len(crabs))
	for _, crab := range crabs {
		out = append(out, crabToResponse(crab))
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleHeartbeat(w http.ResponseWriter, r *http.Request) {
	crabID := chi.URLParam(r, "crabID")
	if err := s.engine.Heartbeat(r.Context(), crabID); err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

// handleCrabInbox is the crab's long-lived inbound channel, served as an
// SSE stream. On connect, any task already assigned to the crab is
// redelivered; delivery is at-least-once and crabs dedupe on task identity.
func (s *Server) handleCrabInbox(w http.ResponseWriter, r *http.Request) {
	crabID := chi.URLParam(r, "crabID")
	crab, err := s.store.GetCrab(r.Context(), crabID)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusBadRequest, "unsupported", "streaming not supported")
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	inbox := s.bus.CrabInbox(crabID)

	// Redeliver the in-flight assignment, if any: the store is the truth.
	if crab.CurrentTaskID != nil {
		if task, err := s.store.GetTask(r.Context(), *crab.CurrentTaskID); err == nil && task.Status.Active() {
			if mission, err := s.store.GetMission(r.Context(), task.MissionID); err == nil {
				s.writeAssignment(w, flusher, assignmentPayload(task, mission))
			}
		}
	}

	for {
		select {
		case <-r.Context().Done():
			return
		case assignment, ok := <-inbox:
			if !ok {
				return
			}
			s.writeAssignment(w, flusher, assignment)
		}
	}
}

func assignmentPayload(task *core.Task, mission *core.Mission) bus.Assignment {
	return bus.Assignment{
		TaskID:     task.ID,
		MissionID:  mission.ID,
		StepID:     task.StepID,
		Role:       string(task.Role),
		Prompt:     task.Prompt,
		Context:    task.Context,
		BurrowPath: mission.BurrowPath,
	}
}

func (s *Server) writeAssignment(w http.ResponseWriter, flusher http.Flusher, assignment any) {
	data, err := json.Marshal(assignment)
	if err != nil {
		s.logger.Error("encode assignment", "err", err)
		return
	}
	fmt.Fprintf(w, "event: assignment\ndata: %s\n\n", data)
	flusher.Flush()
}
