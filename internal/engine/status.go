package engine

import (
	"context"

	"github.com/l1x/crabitat/internal/core"
)

// StatusSummary aggregates fleet-wide counters for the status snapshot.
type StatusSummary struct {
	TotalColonies  int    `json:"total_colonies"`
	TotalCrabs     int    `json:"total_crabs"`
	BusyCrabs      int    `json:"busy_crabs"`
	RunningTasks   int    `json:"running_tasks"`
	QueuedTasks    int    `json:"queued_tasks"`
	RunningRuns    int    `json:"running_runs"`
	CompletedRuns  int    `json:"completed_runs"`
	FailedRuns     int    `json:"failed_runs"`
	TotalTokens    int64  `json:"total_tokens"`
	AvgEndToEndMS  *int64 `json:"avg_end_to_end_ms,omitempty"`
}

// StatusSnapshot is the full current state sent to observers on connect
// and returned by the status operation.
type StatusSnapshot struct {
	GeneratedAtMS int64          `json:"generated_at_ms"`
	Summary       StatusSummary  `json:"summary"`
	Colonies      []*core.Colony `json:"colonies"`
	Crabs         []*core.Crab   `json:"crabs"`
	Missions      []*core.Mission `json:"missions"`
	Tasks         []*core.Task   `json:"tasks"`
	Runs          []*core.Run    `json:"runs"`
}

// Snapshot reads the full current state and its aggregate summary.
func (e *Engine) Snapshot(ctx context.Context) (*StatusSnapshot, error) {
	colonies, err := e.store.ListColonies(ctx)
	if err != nil {
		return nil, err
	}
	crabs, err := e.store.ListCrabs(ctx, nil)
	if err != nil {
		return nil, err
	}
	missions, err := e.store.ListMissions(ctx, nil)
	if err != nil {
		return nil, err
	}
	var tasks []*core.Task
	var runs []*core.Run
	for _, mission := range missions {
		missionTasks, err := e.store.ListMissionTasks(ctx, mission.ID)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, missionTasks...)
		missionID := mission.ID
		missionRuns, err := e.store.ListRuns(ctx, &missionID, nil)
		if err != nil {
			return nil, err
		}
		runs = append(runs, missionRuns...)
	}

	summary := StatusSummary{
		TotalColonies: len(colonies),
		TotalCrabs:    len(crabs),
	}
	for _, crab := range crabs {
		if crab.State == core.CrabStateBusy {
			summary.BusyCrabs++
		}
	}
	for _, task := range tasks {
		switch task.Status {
		case core.TaskStatusRunning:
			summary.RunningTasks++
		case core.TaskStatusQueued:
			summary.QueuedTasks++
		}
	}
	var endToEndSum int64
	var endToEndCount int64
	for _, run := range runs {
		summary.TotalTokens += int64(run.Metrics.TotalTokens)
		switch run.Status {
		case core.RunStatusRunning:
			summary.RunningRuns++
		case core.RunStatusCompleted:
			summary.CompletedRuns++
			if run.Metrics.EndToEndMS != nil {
				endToEndSum += *run.Metrics.EndToEndMS
				endToEndCount++
			}
		case core.RunStatusFailed:
			summary.FailedRuns++
		}
	}
	if endToEndCount > 0 {
		avg := endToEndSum / endToEndCount
		summary.AvgEndToEndMS = &avg
	}

	return &StatusSnapshot{
		GeneratedAtMS: core.NowMS(),
		Summary:       summary,
		Colonies:      colonies,
		Crabs:         crabs,
		Missions:      missions,
		Tasks:         tasks,
		Runs:          runs,
	}, nil
}
