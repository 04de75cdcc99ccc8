package engine

import (
	"context"
	"errors"

	"github.com/l1x/crabitat/internal/bus"
	"github.com/l1x/crabitat/internal/core"
	"github.com/l1x/crabitat/internal/store"
)

// Tick matches queued tasks to idle crabs. Queued tasks are taken oldest
// first; within a mission at most one task may be assigned or running, so a
// task whose mission already holds the burrow waits for the next tick.
func (e *Engine) Tick(ctx context.Context) error {
	queued, err := e.store.ListQueuedTasks(ctx)
	if err != nil {
		return err
	}
	if len(queued) == 0 {
		return nil
	}

	missions := make(map[string]*core.Mission)
	idleByColony := make(map[string][]*core.Crab)

	for _, task := range queued {
		mission, ok := missions[task.MissionID]
		if !ok {
			mission, err = e.store.GetMission(ctx, task.MissionID)
			if err != nil {
				e.logger.Error("load mission for queued task", "task_id", task.ID, "err", err)
				continue
			}
			missions[task.MissionID] = mission
		}
		if mission.Status.Terminal() {
			continue
		}

		idle, ok := idleByColony[mission.ColonyID]
		if !ok {
			idle, err = e.store.ListIdleCrabs(ctx, mission.ColonyID)
			if err != nil {
				return err
			}
			idleByColony[mission.ColonyID] = idle
		}
		if len(idle) == 0 {
			continue
		}

		crab := matchCrab(idle, task.Role)
		if crab == nil {
			continue
		}

		assigned, err := e.assign(ctx, mission, task, crab)
		if err != nil {
			e.logger.Error("assign task", "task_id", task.ID, "crab_id", crab.ID, "err", err)
			continue
		}
		if assigned {
			idleByColony[mission.ColonyID] = removeCrab(idle, crab.ID)
		}
	}
	return nil
}

// matchCrab implements the two-pass role match. The first pass only accepts
// an exact role; the wildcard pass runs second so an any crab cannot
// pre-empt work reserved for a specialist.
func matchCrab(idle []*core.Crab, role core.Role) *core.Crab {
	for _, crab := range idle {
		if crab.Role == role {
			return crab
		}
	}
	for _, crab := range idle {
		if crab.Role == core.RoleAny || role == core.RoleAny {
			return crab
		}
	}
	return nil
}

// assign atomically moves a queued task to assigned under a crab, marks the
// crab busy, and promotes a pending mission to running. Returns false when
// the working-directory exclusivity rule defers the task.
func (e *Engine) assign(ctx context.Context, mission *core.Mission, task *core.Task, crab *core.Crab) (bool, error) {
	e.lockMission(mission.ID)
	defer e.unlockMission(mission.ID)

	now := core.NowMS()
	assigned := false
	var events []bus.Event
	err := e.store.WithTx(ctx, func(q *store.Queries) error {
		active, err := q.CountActiveMissionTasks(ctx, mission.ID)
		if err != nil {
			return err
		}
		if active > 0 {
			return nil
		}
		// The task may have moved since the tick snapshot was taken;
		// AssignTask is guarded on queued and affects zero rows otherwise.
		if err := q.AssignTask(ctx, task.ID, crab.ID, now); err != nil {
			if errors.Is(err, store.ErrTaskNotFound) {
				return nil
			}
			return err
		}
		taskID := task.ID
		if err := q.SetCrabAssignment(ctx, crab.ID, core.CrabStateBusy, &taskID, nil, now); err != nil {
			return err
		}
		if mission.Status == core.MissionStatusPending {
			if err := q.SetMissionStatus(ctx, mission.ID, core.MissionStatusRunning, now); err != nil {
				return err
			}
			mission.Status = core.MissionStatusRunning
			events = append(events, recordEvent(ctx, q, bus.Event{
				Kind:      bus.KindMissionUpdated,
				ColonyID:  mission.ColonyID,
				MissionID: mission.ID,
				Status:    string(core.MissionStatusRunning),
			}))
		}
		events = append(events,
			recordEvent(ctx, q, bus.Event{
				Kind:      bus.KindTaskUpdated,
				ColonyID:  mission.ColonyID,
				MissionID: mission.ID,
				TaskID:    task.ID,
				CrabID:    crab.ID,
				Status:    string(core.TaskStatusAssigned),
				Detail:    task.StepID,
			}),
			recordEvent(ctx, q, bus.Event{
				Kind:     bus.KindCrabUpdated,
				ColonyID: mission.ColonyID,
				CrabID:   crab.ID,
				Status:   string(core.CrabStateBusy),
			}),
		)
		assigned = true
		return nil
	})
	if err != nil || !assigned {
		return false, err
	}
	e.publish(events)
	e.bus.NotifyCrab(crab.ID, bus.Assignment{
		TaskID:     task.ID,
		MissionID:  mission.ID,
		StepID:     task.StepID,
		Role:       string(task.Role),
		Prompt:     task.Prompt,
		Context:    task.Context,
		BurrowPath: mission.BurrowPath,
	})
	return true, nil
}

func removeCrab(crabs []*core.Crab, crabID string) []*core.Crab {
	out := crabs[:0]
	for _, crab := range crabs {
		if crab.ID != crabID {
			out = append(out, crab)
		}
	}
	return out
}
