package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/l1x/crabitat/internal/core"
)

var ErrTaskNotFound = errors.New("task not found")

const taskColumns = `task_id, mission_id, step_id, role, status, assigned_crab_id, prompt, context, condition_expr, max_retries, retry_count, seq, created_at_ms, updated_at_ms`

func (q *Queries) InsertTask(ctx context.Context, task *core.Task) error {
	_, err := q.db.ExecContext(ctx, `
		INSERT INTO tasks (task_id, mission_id, step_id, role, status, assigned_crab_id, prompt, context, condition_expr, max_retries, retry_count, seq, created_at_ms, updated_at_ms)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, task.ID, task.MissionID, task.StepID, task.Role, task.Status, nullableString(task.AssignedCrabID),
		task.Prompt, task.Context, nullableString(task.Condition), task.MaxRetries, task.RetryCount,
		task.Seq, task.CreatedAtMS, task.UpdatedAtMS)
	if err != nil {
		return fmt.Errorf("insert task: %w", err)
	}
	return nil
}

func (q *Queries) GetTask(ctx context.Context, id string) (*core.Task, error) {
	row := q.db.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE task_id = ?`, id)
	task, err := scanTask(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrTaskNotFound
		}
		return nil, err
	}
	return task, nil
}

// ListMissionTasks returns a mission's tasks in manifest order.
func (q *Queries) ListMissionTasks(ctx context.Context, missionID string) ([]*core.Task, error) {
	rows, err := q.db.QueryContext(ctx, `
		SELECT `+taskColumns+` FROM tasks WHERE mission_id = ? ORDER BY seq
	`, missionID)
	if err != nil {
		return nil, fmt.Errorf("query mission tasks: %w", err)
	}
	defer rows.Close()
	return collectTasks(rows)
}

// ListQueuedTasks returns every queued task across colonies, oldest first
// with a strict tie-break on task identity.
func (q *Queries) ListQueuedTasks(ctx context.Context) ([]*core.Task, error) {
	rows, err := q.db.QueryContext(ctx, `
		SELECT `+taskColumns+` FROM tasks WHERE status = ? ORDER BY created_at_ms, seq, task_id
	`, core.TaskStatusQueued)
	if err != nil {
		return nil, fmt.Errorf("query queued tasks: %w", err)
	}
	defer rows.Close()
	return collectTasks(rows)
}

func (q *Queries) ListTasks(ctx context.Context, missionID *string, status *core.TaskStatus) ([]*core.Task, error) {
	query := `SELECT ` + taskColumns + ` FROM tasks`
	var (
		conds []string
		args  []any
	)
	if missionID != nil {
		conds = append(conds, "mission_id = ?")
		args = append(args, *missionID)
	}
	if status != nil {
		conds = append(conds, "status = ?")
		args = append(args, *status)
	}
	for i, cond := range conds {
		if i == 0 {
			query += " WHERE " + cond
		} else {
			query += " AND " + cond
		}
	}
	query += " ORDER BY created_at_ms, seq, task_id"
	rows, err := q.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query tasks: %w", err)
	}
	defer rows.Close()
	return collectTasks(rows)
}

// CountActiveMissionTasks counts the mission's tasks in assigned or running.
func (q *Queries) CountActiveMissionTasks(ctx context.Context, missionID string) (int, error) {
	var count int
	err := q.db.QueryRowContext(ctx, `
		SELECT COUNT(1) FROM tasks WHERE mission_id = ? AND status IN (?, ?)
	`, missionID, core.TaskStatusAssigned, core.TaskStatusRunning).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count active tasks: %w", err)
	}
	return count, nil
}

func (q *Queries) SetTaskStatus(ctx context.Context, id string, status core.TaskStatus, nowMS int64) error {
	res, err := q.db.ExecContext(ctx, `
		UPDATE tasks SET status = ?, updated_at_ms = ? WHERE task_id = ?
	`, status, nowMS, id)
	if err != nil {
		return fmt.Errorf("set task status: %w", err)
	}
	return mustAffect(res, ErrTaskNotFound)
}

// AssignTask moves a queued task to assigned under the given crab.
func (q *Queries) AssignTask(ctx context.Context, id, crabID string, nowMS int64) error {
	res, err := q.db.ExecContext(ctx, `
		UPDATE tasks SET status = ?, assigned_crab_id = ?, updated_at_ms = ?
		WHERE task_id = ? AND status = ?
	`, core.TaskStatusAssigned, crabID, nowMS, id, core.TaskStatusQueued)
	if err != nil {
		return fmt.Errorf("assign task: %w", err)
	}
	return mustAffect(res, ErrTaskNotFound)
}

// QueueTask moves a blocked task to queued with its accumulated context and
// re-rendered prompt.
func (q *Queries) QueueTask(ctx context.Context, id, contextText, prompt string, nowMS int64) error {
	res, err := q.db.ExecContext(ctx, `
		UPDATE tasks SET status = ?, context = ?, prompt = ?, updated_at_ms = ? WHERE task_id = ?
	`, core.TaskStatusQueued, contextText, prompt, nowMS, id)
	if err != nil {
		return fmt.Errorf("queue task: %w", err)
	}
	return mustAffect(res, ErrTaskNotFound)
}

// ResetTaskForRetry requeues a terminal retry target with an incremented
// counter and fresh context.
func (q *Queries) ResetTaskForRetry(ctx context.Context, id string, retryCount int, contextText, prompt string, nowMS int64) error {
	res, err := q.db.ExecContext(ctx, `
		UPDATE tasks SET status = ?, retry_count = ?, context = ?, prompt = ?, assigned_crab_id = NULL, updated_at_ms = ?
		WHERE task_id = ?
	`, core.TaskStatusQueued, retryCount, contextText, prompt, nowMS, id)
	if err != nil {
		return fmt.Errorf("reset task for retry: %w", err)
	}
	return mustAffect(res, ErrTaskNotFound)
}

func (q *Queries) InsertTaskDep(ctx context.Context, taskID, dependsOnTaskID string) error {
	_, err := q.db.ExecContext(ctx, `
		INSERT INTO task_deps (task_id, depends_on_task_id) VALUES (?, ?)
	`, taskID, dependsOnTaskID)
	if err != nil {
		return fmt.Errorf("insert task dep: %w", err)
	}
	return nil
}

// ListMissionDeps returns the mission's dependency edges as a map from task
// id to its prerequisite task ids.
func (q *Queries) ListMissionDeps(ctx context.Context, missionID string) (map[string][]string, error) {
	rows, err := q.db.QueryContext(ctx, `
		SELECT d.task_id, d.depends_on_task_id
		FROM task_deps d JOIN tasks t ON t.task_id = d.task_id
		WHERE t.mission_id = ?
		ORDER BY d.task_id, d.depends_on_task_id
	`, missionID)
	if err != nil {
		return nil, fmt.Errorf("query mission deps: %w", err)
	}
	defer rows.Close()
	deps := make(map[string][]string)
	for rows.Next() {
		var taskID, dep string
		if err := rows.Scan(&taskID, &dep); err != nil {
			return nil, fmt.Errorf("scan task dep: %w", err)
		}
		deps[taskID] = append(deps[taskID], dep)
	}
	return deps, rows.Err()
}

func collectTasks(rows *sql.Rows) ([]*core.Task, error) {
	var tasks []*core.Task
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, task)
	}
	return tasks, rows.Err()
}

func scanTask(scanner interface{ Scan(dest ...any) error }) (*core.Task, error) {
	var (
		task  core.Task
		crab  sql.NullString
		cond  sql.NullString
	)
	if err := scanner.Scan(&task.ID, &task.MissionID, &task.StepID, &task.Role, &task.Status,
		&crab, &task.Prompt, &task.Context, &cond, &task.MaxRetries, &task.RetryCount,
		&task.Seq, &task.CreatedAtMS, &task.UpdatedAtMS); err != nil {
		return nil, fmt.Errorf("scan task: %w", err)
	}
	if crab.Valid {
		task.AssignedCrabID = &crab.String
	}
	if cond.Valid {
		task.Condition = &cond.String
	}
	return &task, nil
}
