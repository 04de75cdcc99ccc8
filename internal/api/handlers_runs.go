package api

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/l1x/crabitat/internal/core"
	"github.com/l1x/crabitat/internal/engine"
)

type metricsPatchRequest struct {
	PromptTokens        *int   `json:"prompt_tokens"`
	CompletionTokens    *int   `json:"completion_tokens"`
	TotalTokens         *int   `json:"total_tokens"`
	FirstTokenMS        *int64 `json:"first_token_ms"`
	LLMDurationMS       *int64 `json:"llm_duration_ms"`
	ExecutionDurationMS *int64 `json:"execution_duration_ms"`
	EndToEndMS          *int64 `json:"end_to_end_ms"`
}

func (m *metricsPatchRequest) toPatch() engine.MetricsPatch {
	if m == nil {
		return engine.MetricsPatch{}
	}
	return engine.MetricsPatch{
		PromptTokens:        m.PromptTokens,
		CompletionTokens:    m.CompletionTokens,
		TotalTokens:         m.TotalTokens,
		FirstTokenMS:        m.FirstTokenMS,
		LLMDurationMS:       m.LLMDurationMS,
		ExecutionDurationMS: m.ExecutionDurationMS,
		EndToEndMS:          m.EndToEndMS,
	}
}

type startRunRequest struct {
	RunID           *string `json:"run_id"`
	TaskID          string  `json:"task_id"`
	CrabID          string  `json:"crab_id"`
	ProgressMessage string  `json:"progress_message"`
}

type updateRunRequest struct {
	RunID           string               `json:"run_id"`
	ProgressMessage *string              `json:"progress_message"`
	Metrics         *metricsPatchRequest `json:"metrics"`
}

type completeRunRequest struct {
	RunID   string               `json:"run_id"`
	Status  string               `json:"status"`
	Result  *string              `json:"result"`
	Summary *string              `json:"summary"`
	Metrics *metricsPatchRequest `json:"metrics"`
}

type runMetricsResponse struct {
	PromptTokens        int    `json:"prompt_tokens"`
	CompletionTokens    int    `json:"completion_tokens"`
	TotalTokens         int    `json:"total_tokens"`
	FirstTokenMS        *int64 `json:"first_token_ms,omitempty"`
	LLMDurationMS       *int64 `json:"llm_duration_ms,omitempty"`
	ExecutionDurationMS *int64 `json:"execution_duration_ms,omitempty"`
	EndToEndMS          *int64 `json:"end_to_end_ms,omitempty"`
}

type runResponse struct {
	ID              string             `json:"id"`
	MissionID       string             `json:"mission_id"`
	TaskID          string             `json:"task_id"`
	CrabID          string             `json:"crab_id"`
	Status          string             `json:"status"`
	BurrowPath      string             `json:"burrow_path"`
	ProgressMessage string             `json:"progress_message"`
	Result          *string            `json:"result,omitempty"`
	Summary         *string            `json:"summary,omitempty"`
	Metrics         runMetricsResponse `json:"metrics"`
	StartedAtMS     int64              `json:"started_at_ms"`
	UpdatedAtMS     int64              `json:"updated_at_ms"`
	CompletedAtMS   *int64             `json:"completed_at_ms,omitempty"`
}

func runToResponse(run *core.Run) runResponse {
	return runResponse{
		ID:              run.ID,
		MissionID:       run.MissionID,
		TaskID:          run.TaskID,
		CrabID:          run.CrabID,
		Status:          string(run.Status),
		BurrowPath:      run.BurrowPath,
		ProgressMessage: run.ProgressMessage,
		Result:          run.Result,
		Summary:         run.Summary,
		Metrics: runMetricsResponse{
			PromptTokens:        run.Metrics.PromptTokens,
			CompletionTokens:    run.Metrics.CompletionTokens,
			TotalTokens:         run.Metrics.TotalTokens,
			FirstTokenMS:        run.Metrics.FirstTokenMS,
			LLMDurationMS:       run.Metrics.LLMDurationMS,
			ExecutionDurationMS: run.Metrics.ExecutionDurationMS,
			EndToEndMS:          run.Metrics.EndToEndMS,
		},
		StartedAtMS:   run.StartedAtMS,
		UpdatedAtMS:   run.UpdatedAtMS,
		CompletedAtMS: run.CompletedAtMS,
	}
}

func (s *Server) handleStartRun(w http.ResponseWriter, r *http.Request) {
	var req startRunRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", "invalid JSON payload")
		return
	}
	if req.TaskID == "" || req.CrabID == "" {
		writeError(w, http.StatusBadRequest, "invalid_input", "task_id and crab_id are required")
		return
	}

	run, err := s.engine.StartRun(r.Context(), engine.StartRunRequest{
		RunID:           req.RunID,
		TaskID:          req.TaskID,
		CrabID:          req.CrabID,
		ProgressMessage: req.ProgressMessage,
	})
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, runToResponse(run))
}

func (s *Server) handleUpdateRun(w http.ResponseWriter, r *http.Request) {
	var req updateRunRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", "invalid JSON payload")
		return
	}
	if req.RunID == "" {
		writeError(w, http.StatusBadRequest, "invalid_input", "run_id is required")
		return
	}

	run, err := s.engine.UpdateRun(r.Context(), engine.UpdateRunRequest{
		RunID:           req.RunID,
		ProgressMessage: req.ProgressMessage,
		Metrics:         req.Metrics.toPatch(),
	})
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, runToResponse(run))
}

func (s *Server) handleCompleteRun(w http.ResponseWriter, r *http.Request) {
	var req completeRunRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", "invalid JSON payload")
		return
	}
	if req.RunID == "" {
		writeError(w, http.StatusBadRequest, "invalid_input", "run_id is required")
		return
	}
	status := core.RunStatus(req.Status)
	if !status.Terminal() {
		writeError(w, http.StatusBadRequest, "invalid_input", "status must be completed or failed")
		return
	}

	run, err := s.engine.CompleteRun(r.Context(), engine.CompleteRunRequest{
		RunID:   req.RunID,
		Status:  status,
		Result:  req.Result,
		Summary: req.Summary,
		Metrics: req.Metrics.toPatch(),
	})
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, runToResponse(run))
}

func (s *Server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	var missionID, taskID *string
	if v := r.URL.Query().Get("mission_id"); v != "" {
		missionID = &v
	}
	if v := r.URL.Query().Get("task_id"); v != "" {
		taskID = &v
	}
	runs, err := s.store.ListRuns(r.Context(), missionID, taskID)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	out := make([]runResponse, 0, len(runs))
	for _, run := range runs {
		out = append(out, runToResponse(run))
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	run, err := s.store.GetRun(r.Context(), chi.URLParam(r, "runID"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, runToResponse(run))
}
