package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/l1x/crabitat/internal/core"
)

var ErrRunNotFound = errors.New("run not found")

const runColumns = `run_id, mission_id, task_id, crab_id, status, burrow_path, progress_message, result, summary,
	prompt_tokens, completion_tokens, total_tokens, first_token_ms, llm_duration_ms, execution_duration_ms, end_to_end_ms,
	started_at_ms, updated_at_ms, completed_at_ms`

func (q *Queries) InsertRun(ctx context.Context, run *core.Run) error {
	_, err := q.db.ExecContext(ctx, `
		INSERT INTO runs (run_id, mission_id, task_id, crab_id, status, burrow_path, progress_message, result, summary,
			prompt_tokens, completion_tokens, total_tokens, first_token_ms, llm_duration_ms, execution_duration_ms, end_to_end_ms,
			started_at_ms, updated_at_ms, completed_at_ms)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, run.ID, run.MissionID, run.TaskID, run.CrabID, run.Status, run.BurrowPath, run.ProgressMessage,
		nullableString(run.Result), nullableString(run.Summary),
		run.Metrics.PromptTokens, run.Metrics.CompletionTokens, run.Metrics.TotalTokens,
		nullableInt64(run.Metrics.FirstTokenMS), nullableInt64(run.Metrics.LLMDurationMS),
		nullableInt64(run.Metrics.ExecutionDurationMS), nullableInt64(run.Metrics.EndToEndMS),
		run.StartedAtMS, run.UpdatedAtMS, nullableInt64(run.CompletedAtMS))
	if err != nil {
		return fmt.Errorf("insert run: %w", err)
	}
	return nil
}

func (q *Queries) GetRun(ctx context.Context, id string) (*core.Run, error) {
	row := q.db.QueryRowContext(ctx, `SELECT `+runColumns+` FROM runs WHERE run_id = ?`, id)
	run, err := scanRun(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrRunNotFound
		}
		return nil, err
	}
	return run, nil
}

func (q *Queries) ListRuns(ctx context.Context, missionID, taskID *string) ([]*core.Run, error) {
	query := `SELECT ` + runColumns + ` FROM runs`
	var (
		conds []string
		args  []any
	)
	if missionID != nil {
		conds = append(conds, "mission_id = ?")
		args = append(args, *missionID)
	}
	if taskID != nil {
		conds = append(conds, "task_id = ?")
		args = append(args, *taskID)
	}
	for i, cond := range conds {
		if i == 0 {
			query += " WHERE " + cond
		} else {
			query += " AND " + cond
		}
	}
	query += " ORDER BY started_at_ms DESC, run_id"
	rows, err := q.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query runs: %w", err)
	}
	defer rows.Close()
	var runs []*core.Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

// LatestCompletedRunForTask returns the task's most recent completed run,
// or nil when it has none. The latest run is authoritative for cascade
// context.
func (q *Queries) LatestCompletedRunForTask(ctx context.Context, taskID string) (*core.Run, error) {
	// rowid breaks millisecond ties between retry attempts.
	row := q.db.QueryRowContext(ctx, `
		SELECT `+runColumns+` FROM runs
		WHERE task_id = ? AND status = ?
		ORDER BY completed_at_ms DESC, rowid DESC LIMIT 1
	`, taskID, core.RunStatusCompleted)
	run, err := scanRun(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return run, nil
}

// UpdateRunProgress patches the progress message and metrics of a run.
func (q *Queries) UpdateRunProgress(ctx context.Context, id, progress string, metrics core.RunMetrics, nowMS int64) error {
	res, err := q.db.ExecContext(ctx, `
		UPDATE runs SET progress_message = ?, prompt_tokens = ?, completion_tokens = ?, total_tokens = ?,
			first_token_ms = ?, llm_duration_ms = ?, execution_duration_ms = ?, end_to_end_ms = ?, updated_at_ms = ?
		WHERE run_id = ?
	`, progress, metrics.PromptTokens, metrics.CompletionTokens, metrics.TotalTokens,
		nullableInt64(metrics.FirstTokenMS), nullableInt64(metrics.LLMDurationMS),
		nullableInt64(metrics.ExecutionDurationMS), nullableInt64(metrics.EndToEndMS), nowMS, id)
	if err != nil {
		return fmt.Errorf("update run progress: %w", err)
	}
	return mustAffect(res, ErrRunNotFound)
}

// CompleteRun finalizes a run with its status, result discriminator, and summary.
func (q *Queries) CompleteRun(ctx context.Context, id string, status core.RunStatus, result, summary *string, metrics core.RunMetrics, nowMS int64) error {
	res, err := q.db.ExecContext(ctx, `
		UPDATE runs SET status = ?, result = ?, summary = ?,
			prompt_tokens = ?, completion_tokens = ?, total_tokens = ?,
			first_token_ms = ?, llm_duration_ms = ?, execution_duration_ms = ?, end_to_end_ms = ?,
			completed_at_ms = ?, updated_at_ms = ?
		WHERE run_id = ?
	`, status, nullableString(result), nullableString(summary),
		metrics.PromptTokens, metrics.CompletionTokens, metrics.TotalTokens,
		nullableInt64(metrics.FirstTokenMS), nullableInt64(metrics.LLMDurationMS),
		nullableInt64(metrics.ExecutionDurationMS), nullableInt64(metrics.EndToEndMS),
		nowMS, nowMS, id)
	if err != nil {
		return fmt.Errorf("complete run: %w", err)
	}
	return mustAffect(res, ErrRunNotFound)
}

func scanRun(scanner interface{ Scan(dest ...any) error }) (*core.Run, error) {
	var (
		run        core.Run
		result     sql.NullString
		summary    sql.NullString
		firstTok   sql.NullInt64
		llmDur     sql.NullInt64
		execDur    sql.NullInt64
		endToEnd   sql.NullInt64
		completed  sql.NullInt64
	)
	if err := scanner.Scan(&run.ID, &run.MissionID, &run.TaskID, &run.CrabID, &run.Status,
		&run.BurrowPath, &run.ProgressMessage, &result, &summary,
		&run.Metrics.PromptTokens, &run.Metrics.CompletionTokens, &run.Metrics.TotalTokens,
		&firstTok, &llmDur, &execDur, &endToEnd,
		&run.StartedAtMS, &run.UpdatedAtMS, &completed); err != nil {
		return nil, fmt.Errorf("scan run: %w", err)
	}
	if result.Valid {
		run.Result = &result.String
	}
	if summary.Valid {
		run.Summary = &summary.String
	}
	if firstTok.Valid {
		run.Metrics.FirstTokenMS = &firstTok.Int64
	}
	if llmDur.Valid {
		run.Metrics.LLMDurationMS = &llmDur.Int64
	}
	if execDur.Valid {
		run.Metrics.ExecutionDurationMS = &execDur.Int64
	}
	if endToEnd.Valid {
		run.Metrics.EndToEndMS = &endToEnd.Int64
	}
	if completed.Valid {
		run.CompletedAtMS = &completed.Int64
	}
	return &run, nil
}
