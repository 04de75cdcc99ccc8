package engine

import (
	"context"
	"fmt"

	"github.com/l1x/crabitat/internal/bus"
	"github.com/l1x/crabitat/internal/core"
	"github.com/l1x/crabitat/internal/store"
	"github.com/l1x/crabitat/internal/workflow"
)

// CreateMissionRequest carries a mission submission.
type CreateMissionRequest struct {
	ColonyID     string
	Prompt       string
	WorkflowName *string
	ExternalRef  *string
}

// CreateMission materializes a mission and, when a workflow is named, its
// task DAG in a single transaction. Steps with no prerequisites start
// queued, all others blocked. A mission without a workflow is created bare;
// the operator attaches an ad-hoc task separately.
func (e *Engine) CreateMission(ctx context.Context, req CreateMissionRequest) (*core.Mission, error) {
	var wf *workflow.Workflow
	if req.WorkflowName != nil {
		var ok bool
		wf, ok = e.registry.Get(*req.WorkflowName)
		if !ok {
			return nil, fmt.Errorf("unknown workflow %q", *req.WorkflowName)
		}
	}

	now := core.NowMS()
	missionID := core.NewID()
	mission := &core.Mission{
		ID:           missionID,
		ColonyID:     req.ColonyID,
		Prompt:       req.Prompt,
		WorkflowName: req.WorkflowName,
		ExternalRef:  req.ExternalRef,
		Status:       core.MissionStatusPending,
		BurrowPath:   e.burrows.PathFor(missionID),
		CreatedAtMS:  now,
		UpdatedAtMS:  now,
	}

	var events []bus.Event
	err := e.store.WithTx(ctx, func(q *store.Queries) error {
		if _, err := q.GetColony(ctx, req.ColonyID); err != nil {
			return err
		}
		if err := q.InsertMission(ctx, mission); err != nil {
			return err
		}
		events = append(events, recordEvent(ctx, q, bus.Event{
			Kind:      bus.KindMissionCreated,
			ColonyID:  mission.ColonyID,
			MissionID: mission.ID,
			Status:    string(mission.Status),
		}))
		if wf == nil {
			return nil
		}

		taskIDByStep := make(map[string]string, len(wf.Steps))
		for seq := range wf.Steps {
			step := &wf.Steps[seq]
			status := core.TaskStatusQueued
			if len(step.DependsOn) > 0 {
				status = core.TaskStatusBlocked
			}
			task := &core.Task{
				ID:          core.NewID(),
				MissionID:   mission.ID,
				StepID:      step.ID,
				Role:        core.Role(step.Role),
				Status:      status,
				Prompt:      e.renderStepPrompt(mission, wf, step.ID, ""),
				MaxRetries:  retryBudgetFor(wf, step.ID),
				Seq:         seq,
				CreatedAtMS: now,
				UpdatedAtMS: now,
			}
			if step.Condition != "" {
				cond := step.Condition
				task.Condition = &cond
			}
			if err := q.InsertTask(ctx, task); err != nil {
				return err
			}
			taskIDByStep[step.ID] = task.ID
			events = append(events, recordEvent(ctx, q, bus.Event{
				Kind:      bus.KindTaskCreated,
				ColonyID:  mission.ColonyID,
				MissionID: mission.ID,
				TaskID:    task.ID,
				Status:    string(status),
				Detail:    step.ID,
			}))
		}
		for i := range wf.Steps {
			step := &wf.Steps[i]
			for _, dep := range step.DependsOn {
				if err := q.InsertTaskDep(ctx, taskIDByStep[step.ID], taskIDByStep[dep]); err != nil {
					return err
				}
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	e.publish(events)
	e.Kick()
	return mission, nil
}

// CreateAdHocTask attaches a single operator-authored task to a mission
// created without a workflow. The engine treats it as a one-node DAG.
func (e *Engine) CreateAdHocTask(ctx context.Context, missionID, title string, role core.Role) (*core.Task, error) {
	if !core.ValidRole(role) {
		return nil, fmt.Errorf("unknown role %q", role)
	}
	now := core.NowMS()
	var (
		task   *core.Task
		events []bus.Event
	)
	err := e.store.WithTx(ctx, func(q *store.Queries) error {
		mission, err := q.GetMission(ctx, missionID)
		if err != nil {
			return err
		}
		if mission.Status.Terminal() {
			return &core.IllegalTransitionError{Entity: "mission", ID: missionID, From: string(mission.Status), To: string(core.MissionStatusRunning)}
		}
		existing, err := q.ListMissionTasks(ctx, missionID)
		if err != nil {
			return err
		}
		prompt := workflow.Render(title, workflow.Vars(mission.Prompt, mission.BurrowPath, "", derefOrEmpty(mission.ExternalRef)))
		task = &core.Task{
			ID:          core.NewID(),
			MissionID:   missionID,
			StepID:      fmt.Sprintf("adhoc-%d", len(existing)+1),
			Role:        role,
			Status:      core.TaskStatusQueued,
			Prompt:      prompt,
			Seq:         len(existing),
			CreatedAtMS: now,
			UpdatedAtMS: now,
		}
		if err := q.InsertTask(ctx, task); err != nil {
			return err
		}
		events = append(events, recordEvent(ctx, q, bus.Event{
			Kind:      bus.KindTaskCreated,
			ColonyID:  mission.ColonyID,
			MissionID: missionID,
			TaskID:    task.ID,
			Status:    string(task.Status),
			Detail:    task.StepID,
		}))
		return nil
	})
	if err != nil {
		return nil, err
	}
	e.publish(events)
	e.Kick()
	return task, nil
}

func (e *Engine) renderStepPrompt(mission *core.Mission, wf *workflow.Workflow, stepID, contextText string) string {
	template := wf.PromptTemplate(stepID)
	vars := workflow.Vars(mission.Prompt, mission.BurrowPath, contextText, derefOrEmpty(mission.ExternalRef))
	return workflow.Render(template, vars)
}

// retryBudgetFor returns the max-retry budget stored on a task. The budget
// lives on the retry target so the counter and its bound share a row.
func retryBudgetFor(wf *workflow.Workflow, stepID string) int {
	if wf.RetryTargetID != stepID {
		if step := wf.Step(stepID); step != nil {
			return step.MaxRetries
		}
		return 0
	}
	retryStep := wf.Step(wf.RetryStepID)
	if retryStep == nil {
		return 0
	}
	if retryStep.MaxRetries > 0 {
		return retryStep.MaxRetries
	}
	return defaultRetryBudget
}

func derefOrEmpty(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
