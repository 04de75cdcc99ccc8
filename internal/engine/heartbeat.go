package engine

import (
	"context"
	"errors"

	"github.com/l1x/crabitat/internal/bus"
	"github.com/l1x/crabitat/internal/core"
	"github.com/l1x/crabitat/internal/store"
)

// SweepHeartbeats moves crabs whose last heartbeat predates the timeout to
// offline and fails their in-flight work, which cascades downstream.
func (e *Engine) SweepHeartbeats(ctx context.Context) error {
	cutoff := core.NowMS() - e.heartbeatTimeout.Milliseconds()
	stale, err := e.store.ListStaleCrabs(ctx, cutoff)
	if err != nil {
		return err
	}
	for _, crab := range stale {
		if err := e.expireCrab(ctx, crab); err != nil {
			e.logger.Error("expire crab", "crab_id", crab.ID, "err", err)
		}
	}
	if len(stale) > 0 {
		e.Kick()
	}
	return nil
}

func (e *Engine) expireCrab(ctx context.Context, crab *core.Crab) error {
	var (
		failedTask *core.Task
		events     []bus.Event
	)

	if crab.CurrentTaskID != nil {
		task, err := e.store.GetTask(ctx, *crab.CurrentTaskID)
		if err != nil && !errors.Is(err, store.ErrTaskNotFound) {
			return err
		}
		if task != nil && task.Status.Active() {
			e.lockMission(task.MissionID)
			defer e.unlockMission(task.MissionID)
			failedTask = task
		}
	}

	now := core.NowMS()
	err := e.store.WithTx(ctx, func(q *store.Queries) error {
		if err := q.SetCrabAssignment(ctx, crab.ID, core.CrabStateOffline, nil, nil, now); err != nil {
			return err
		}
		events = append(events, recordEvent(ctx, q, bus.Event{
			Kind:     bus.KindCrabOffline,
			ColonyID: crab.ColonyID,
			CrabID:   crab.ID,
			Status:   string(core.CrabStateOffline),
		}))
		if failedTask == nil {
			return nil
		}

		if crab.CurrentRunID != nil {
			run, err := q.GetRun(ctx, *crab.CurrentRunID)
			if err == nil && !run.Status.Terminal() {
				msg := "heartbeat timeout"
				if err := q.CompleteRun(ctx, run.ID, core.RunStatusFailed, nil, &msg, run.Metrics, now); err != nil {
					return err
				}
				events = append(events, recordEvent(ctx, q, bus.Event{
					Kind:      bus.KindRunCompleted,
					ColonyID:  crab.ColonyID,
					MissionID: run.MissionID,
					TaskID:    run.TaskID,
					RunID:     run.ID,
					CrabID:    crab.ID,
					Status:    string(core.RunStatusFailed),
				}))
			}
		}
		if err := q.SetTaskStatus(ctx, failedTask.ID, core.TaskStatusFailed, now); err != nil {
			return err
		}
		events = append(events, recordEvent(ctx, q, bus.Event{
			Kind:      bus.KindTaskUpdated,
			ColonyID:  crab.ColonyID,
			MissionID: failedTask.MissionID,
			TaskID:    failedTask.ID,
			Status:    string(core.TaskStatusFailed),
			Detail:    failedTask.StepID,
		}))
		return nil
	})
	if err != nil {
		return err
	}
	e.publish(events)

	if failedTask != nil {
		return e.cascadeLocked(ctx, failedTask.MissionID, failedTask.ID)
	}
	return nil
}
