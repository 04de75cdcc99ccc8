package engine

import (
	"context"
	"fmt"

	"github.com/l1x/crabitat/internal/bus"
	"github.com/l1x/crabitat/internal/core"
	"github.com/l1x/crabitat/internal/store"
)

// StartRunRequest begins an execution attempt on an assigned task.
type StartRunRequest struct {
	RunID           *string
	TaskID          string
	CrabID          string
	ProgressMessage string
}

// StartRun transitions an assigned task to running and records the attempt.
// Re-reporting a start for the run already in flight returns that run.
func (e *Engine) StartRun(ctx context.Context, req StartRunRequest) (*core.Run, error) {
	now := core.NowMS()
	var (
		run    *core.Run
		events []bus.Event
	)
	err := e.store.WithTx(ctx, func(q *store.Queries) error {
		task, err := q.GetTask(ctx, req.TaskID)
		if err != nil {
			return err
		}
		mission, err := q.GetMission(ctx, task.MissionID)
		if err != nil {
			return err
		}
		crab, err := q.GetCrab(ctx, req.CrabID)
		if err != nil {
			return err
		}

		if task.Status == core.TaskStatusRunning && crab.CurrentRunID != nil {
			existing, err := q.GetRun(ctx, *crab.CurrentRunID)
			if err == nil && existing.TaskID == task.ID {
				run = existing
				return nil
			}
		}
		if task.Status != core.TaskStatusAssigned {
			return &core.IllegalTransitionError{Entity: "task", ID: task.ID, From: string(task.Status), To: string(core.TaskStatusRunning)}
		}
		if task.AssignedCrabID == nil || *task.AssignedCrabID != req.CrabID {
			return fmt.Errorf("task %s is not assigned to crab %s", task.ID, req.CrabID)
		}

		if _, err := e.burrows.Ensure(mission.ID); err != nil {
			return err
		}

		runID := core.NewID()
		if req.RunID != nil && *req.RunID != "" {
			runID = *req.RunID
		}
		progress := req.ProgressMessage
		if progress == "" {
			progress = "run started"
		}
		run = &core.Run{
			ID:              runID,
			MissionID:       mission.ID,
			TaskID:          task.ID,
			CrabID:          req.CrabID,
			Status:          core.RunStatusRunning,
			BurrowPath:      mission.BurrowPath,
			ProgressMessage: progress,
			StartedAtMS:     now,
			UpdatedAtMS:     now,
		}
		if err := q.InsertRun(ctx, run); err != nil {
			return err
		}
		if err := q.SetTaskStatus(ctx, task.ID, core.TaskStatusRunning, now); err != nil {
			return err
		}
		taskID := task.ID
		if err := q.SetCrabAssignment(ctx, req.CrabID, core.CrabStateBusy, &taskID, &runID, now); err != nil {
			return err
		}
		events = append(events,
			recordEvent(ctx, q, bus.Event{
				Kind:      bus.KindRunCreated,
				ColonyID:  mission.ColonyID,
				MissionID: mission.ID,
				TaskID:    task.ID,
				RunID:     runID,
				CrabID:    req.CrabID,
				Status:    string(core.RunStatusRunning),
			}),
			recordEvent(ctx, q, bus.Event{
				Kind:      bus.KindTaskUpdated,
				ColonyID:  mission.ColonyID,
				MissionID: mission.ID,
				TaskID:    task.ID,
				Status:    string(core.TaskStatusRunning),
				Detail:    task.StepID,
			}),
		)
		return nil
	})
	if err != nil {
		return nil, err
	}
	e.publish(events)
	return run, nil
}

// UpdateRunRequest patches progress and metrics on a running run.
type UpdateRunRequest struct {
	RunID           string
	ProgressMessage *string
	Metrics         MetricsPatch
}

// MetricsPatch carries optional metric updates; nil fields keep the stored
// values.
type MetricsPatch struct {
	PromptTokens        *int
	CompletionTokens    *int
	TotalTokens         *int
	FirstTokenMS        *int64
	LLMDurationMS       *int64
	ExecutionDurationMS *int64
	EndToEndMS          *int64
}

func mergeMetrics(base core.RunMetrics, patch MetricsPatch) core.RunMetrics {
	merged := base
	if patch.PromptTokens != nil {
		merged.PromptTokens = *patch.PromptTokens
	}
	if patch.CompletionTokens != nil {
		merged.CompletionTokens = *patch.CompletionTokens
	}
	if patch.TotalTokens != nil {
		merged.TotalTokens = *patch.TotalTokens
	} else if patch.PromptTokens != nil || patch.CompletionTokens != nil {
		merged.TotalTokens = merged.PromptTokens + merged.CompletionTokens
	}
	if patch.FirstTokenMS != nil {
		merged.FirstTokenMS = patch.FirstTokenMS
	}
	if patch.LLMDurationMS != nil {
		merged.LLMDurationMS = patch.LLMDurationMS
	}
	if patch.ExecutionDurationMS != nil {
		merged.ExecutionDurationMS = patch.ExecutionDurationMS
	}
	if patch.EndToEndMS != nil {
		merged.EndToEndMS = patch.EndToEndMS
	}
	return merged
}

// UpdateRun records progress on an in-flight run.
func (e *Engine) UpdateRun(ctx context.Context, req UpdateRunRequest) (*core.Run, error) {
	now := core.NowMS()
	var (
		run    *core.Run
		events []bus.Event
	)
	err := e.store.WithTx(ctx, func(q *store.Queries) error {
		existing, err := q.GetRun(ctx, req.RunID)
		if err != nil {
			return err
		}
		if existing.Status.Terminal() {
			return core.ErrRunFinished
		}
		progress := existing.ProgressMessage
		if req.ProgressMessage != nil {
			progress = *req.ProgressMessage
		}
		metrics := mergeMetrics(existing.Metrics, req.Metrics)
		if err := q.UpdateRunProgress(ctx, req.RunID, progress, metrics, now); err != nil {
			return err
		}
		run, err = q.GetRun(ctx, req.RunID)
		if err != nil {
			return err
		}
		events = append(events, recordEvent(ctx, q, bus.Event{
			Kind:      bus.KindRunUpdated,
			MissionID: run.MissionID,
			TaskID:    run.TaskID,
			RunID:     run.ID,
			CrabID:    run.CrabID,
			Status:    string(run.Status),
			Detail:    progress,
		}))
		return nil
	})
	if err != nil {
		return nil, err
	}
	e.publish(events)
	return run, nil
}

// CompleteRunRequest finalizes an execution attempt. Result is the short
// discriminator conditions compare against; Summary is the freeform report
// accumulated into downstream context.
type CompleteRunRequest struct {
	RunID   string
	Status  core.RunStatus
	Result  *string
	Summary *string
	Metrics MetricsPatch
}

// CompleteRun finalizes a run, transitions its task, frees its crab, and
// triggers the cascade. Replaying a completion for an already-terminal run
// is a no-op returning the stored record.
func (e *Engine) CompleteRun(ctx context.Context, req CompleteRunRequest) (*core.Run, error) {
	if !req.Status.Terminal() {
		return nil, fmt.Errorf("complete-run status must be completed or failed, got %q", req.Status)
	}

	pre, err := e.store.GetRun(ctx, req.RunID)
	if err != nil {
		return nil, err
	}
	if pre.Status.Terminal() {
		return pre, nil
	}

	e.lockMission(pre.MissionID)
	defer e.unlockMission(pre.MissionID)

	now := core.NowMS()
	var (
		run    *core.Run
		events []bus.Event
	)
	err = e.store.WithTx(ctx, func(q *store.Queries) error {
		existing, err := q.GetRun(ctx, req.RunID)
		if err != nil {
			return err
		}
		if existing.Status.Terminal() {
			run = existing
			return nil
		}
		task, err := q.GetTask(ctx, existing.TaskID)
		if err != nil {
			return err
		}
		mission, err := q.GetMission(ctx, existing.MissionID)
		if err != nil {
			return err
		}

		metrics := mergeMetrics(existing.Metrics, req.Metrics)
		if err := q.CompleteRun(ctx, req.RunID, req.Status, req.Result, req.Summary, metrics, now); err != nil {
			return err
		}

		taskStatus := core.TaskStatusCompleted
		if req.Status == core.RunStatusFailed {
			taskStatus = core.TaskStatusFailed
		}
		if err := q.SetTaskStatus(ctx, task.ID, taskStatus, now); err != nil {
			return err
		}
		if err := q.SetCrabAssignment(ctx, existing.CrabID, core.CrabStateIdle, nil, nil, now); err != nil {
			return err
		}

		events = append(events,
			recordEvent(ctx, q, bus.Event{
				Kind:      bus.KindRunCompleted,
				ColonyID:  mission.ColonyID,
				MissionID: mission.ID,
				TaskID:    task.ID,
				RunID:     req.RunID,
				CrabID:    existing.CrabID,
				Status:    string(req.Status),
			}),
			recordEvent(ctx, q, bus.Event{
				Kind:      bus.KindTaskUpdated,
				ColonyID:  mission.ColonyID,
				MissionID: mission.ID,
				TaskID:    task.ID,
				Status:    string(taskStatus),
				Detail:    task.StepID,
			}),
			recordEvent(ctx, q, bus.Event{
				Kind:     bus.KindCrabUpdated,
				ColonyID: mission.ColonyID,
				CrabID:   existing.CrabID,
				Status:   string(core.CrabStateIdle),
			}),
		)

		run, err = q.GetRun(ctx, req.RunID)
		return err
	})
	if err != nil {
		return nil, err
	}
	e.publish(events)

	if err := e.cascadeLocked(ctx, run.MissionID, run.TaskID); err != nil {
		return nil, err
	}
	e.Kick()
	return run, nil
}
