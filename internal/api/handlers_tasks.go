package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/l1x/crabitat/internal/core"
)

type createTaskRequest struct {
	MissionID string `json:"mission_id"`
	Title     string `json:"title"`
	Role      string `json:"role"`
}

type taskResponse struct {
	ID             string  `json:"id"`
	MissionID      string  `json:"mission_id"`
	StepID         string  `json:"step_id"`
	Role           string  `json:"role"`
	Status         string  `json:"status"`
	AssignedCrabID *string `json:"assigned_crab_id,omitempty"`
	Prompt         string  `json:"prompt"`
	Context        string  `json:"context"`
	Condition      *string `json:"condition,omitempty"`
	MaxRetries     int     `json:"max_retries"`
	RetryCount     int     `json:"retry_count"`
	CreatedAtMS    int64   `json:"created_at_ms"`
	UpdatedAtMS    int64   `json:"updated_at_ms"`
}

func taskToResponse(task *core.Task) taskResponse {
	return taskResponse{
		ID:             task.ID,
		MissionID:      task.MissionID,
		StepID:         task.StepID,
		Role:           string(task.Role),
		Status:         string(task.Status),
		AssignedCrabID: task.AssignedCrabID,
		Prompt:         task.Prompt,
		Context:        task.Context,
		Condition:      task.Condition,
		MaxRetries:     task.MaxRetries,
		RetryCount:     task.RetryCount,
		CreatedAtMS:    task.CreatedAtMS,
		UpdatedAtMS:    task.UpdatedAtMS,
	}
}

// handleCreateTask attaches an ad-hoc task to a workflow-less mission.
func (s *Server) handleCreateTask(w http.ResponseWriter, r *http.Request) {
	var req createTaskRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", "invalid JSON payload")
		return
	}
	req.Title = strings.TrimSpace(req.Title)
	if req.MissionID == "" || req.Title == "" {
		writeError(w, http.StatusBadRequest, "invalid_input", "mission_id and title are required")
		return
	}
	role := core.Role(req.Role)
	if req.Role == "" {
		role = core.RoleAny
	}
	if !core.ValidRole(role) {
		writeError(w, http.StatusBadRequest, "invalid_input", fmt.Sprintf("unknown role %q", req.Role))
		return
	}

	task, err := s.engine.CreateAdHocTask(r.Context(), req.MissionID, req.Title, role)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, taskToResponse(task))
}

func (s *Server) handleListTasks(w http.ResponseWriter, r *http.Request) {
	var missionID *string
	if v := r.URL.Query().Get("mission_id"); v != "" {
		missionID = &v
	}
	var status *core.TaskStatus
	if v := r.URL.Query().Get("status"); v != "" {
		st := core.TaskStatus(v)
		status = &st
	}
	tasks, err := s.store.ListTasks(r.Context(), missionID, status)
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

func (s *Server) handleGetTask(w http.ResponseWriter, r *http.Request) {
	task, err := s.store.GetTask(r.Context(), chi.URLParam(r, "taskID"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, taskToResponse(task))
}
