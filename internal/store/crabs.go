package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/l1x/crabitat/internal/core"
)

var ErrCrabNotFound = errors.New("crab not found")

const crabColumns = `crab_id, colony_id, name, role, state, current_task_id, current_run_id, last_seen_at_ms, updated_at_ms`

// UpsertCrab inserts the crab or updates name, role, state, and liveness of
// an existing row with the same identity; the current task and run of an
// existing row are left unchanged. The role-uniqueness check belongs to
// the registration gate, not here.
func (q *Queries) UpsertCrab(ctx context.Context, crab *core.Crab) error {
	_, err := q.db.ExecContext(ctx, `
		INSERT INTO crabs (crab_id, colony_id, name, role, state, current_task_id, current_run_id, last_seen_at_ms, updated_at_ms)
		VALUES (?, ?, ?, ?, ?, NULL, NULL, ?, ?)
		ON CONFLICT(crab_id) DO UPDATE SET
			name = excluded.name,
			role = excluded.role,
			state = excluded.state,
			last_seen_at_ms = excluded.last_seen_at_ms,
			updated_at_ms = excluded.updated_at_ms
	`, crab.ID, crab.ColonyID, crab.Name, crab.Role, crab.State, crab.LastSeenAtMS, crab.UpdatedAtMS)
	if err != nil {
		return fmt.Errorf("upsert crab: %w", err)
	}
	return nil
}

func (q *Queries) GetCrab(ctx context.Context, id string) (*core.Crab, error) {
	row := q.db.QueryRowContext(ctx, `SELECT `+crabColumns+` FROM crabs WHERE crab_id = ?`, id)
	crab, err := scanCrab(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrCrabNotFound
		}
		return nil, err
	}
	return crab, nil
}

// FindCrabByRole returns the crab holding the exact role in a colony, if any.
func (q *Queries) FindCrabByRole(ctx context.Context, colonyID string, role core.Role) (*core.Crab, error) {
	row := q.db.QueryRowContext(ctx, `
		SELECT `+crabColumns+` FROM crabs WHERE colony_id = ? AND role = ?
	`, colonyID, role)
	crab, err := scanCrab(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return crab, nil
}

func (q *Queries) ListCrabs(ctx context.Context, colonyID *string) ([]*core.Crab, error) {
	var (
		rows *sql.Rows
		err  error
	)
	if colonyID != nil {
		rows, err = q.db.QueryContext(ctx, `SELECT `+crabColumns+` FROM crabs WHERE colony_id = ? ORDER BY crab_id`, *colonyID)
	} else {
		rows, err = q.db.QueryContext(ctx, `SELECT `+crabColumns+` FROM crabs ORDER BY crab_id`)
	}
	if err != nil {
		return nil, fmt.Errorf("query crabs: %w", err)
	}
	defer rows.Close()
	return collectCrabs(rows)
}

// ListIdleCrabs returns the idle crabs of a colony ordered by identity.
func (q *Queries) ListIdleCrabs(ctx context.Context, colonyID string) ([]*core.Crab, error) {
	rows, err := q.db.QueryContext(ctx, `
		SELECT `+crabColumns+` FROM crabs WHERE colony_id = ? AND state = ? ORDER BY crab_id
	`, colonyID, core.CrabStateIdle)
	if err != nil {
		return nil, fmt.Errorf("query idle crabs: %w", err)
	}
	defer rows.Close()
	return collectCrabs(rows)
}

// ListStaleCrabs returns non-offline crabs whose last heartbeat predates cutoff.
func (q *Queries) ListStaleCrabs(ctx context.Context, cutoffMS int64) ([]*core.Crab, error) {
	rows, err := q.db.QueryContext(ctx, `
		SELECT `+crabColumns+` FROM crabs WHERE state != ? AND last_seen_at_ms < ? ORDER BY crab_id
	`, core.CrabStateOffline, cutoffMS)
	if err != nil {
		return nil, fmt.Errorf("query stale crabs: %w", err)
	}
	defer rows.Close()
	return collectCrabs(rows)
}

// SetCrabAssignment marks the crab busy on the given task (and, once the
// run starts, run). Pass nil ids with state idle to clear the assignment.
func (q *Queries) SetCrabAssignment(ctx context.Context, crabID string, state core.CrabState, taskID, runID *string, nowMS int64) error {
	res, err := q.db.ExecContext(ctx, `
		UPDATE crabs SET state = ?, current_task_id = ?, current_run_id = ?, updated_at_ms = ?
		WHERE crab_id = ?
	`, state, nullableString(taskID), nullableString(runID), nowMS, crabID)
	if err != nil {
		return fmt.Errorf("set crab assignment: %w", err)
	}
	return mustAffect(res, ErrCrabNotFound)
}

// TouchCrab records a heartbeat.
func (q *Queries) TouchCrab(ctx context.Context, crabID string, nowMS int64) error {
	res, err := q.db.ExecContext(ctx, `
		UPDATE crabs SET last_seen_at_ms = ?, updated_at_ms = ? WHERE crab_id = ?
	`, nowMS, nowMS, crabID)
	if err != nil {
		return fmt.Errorf("touch crab: %w", err)
	}
	return mustAffect(res, ErrCrabNotFound)
}

func collectCrabs(rows *sql.Rows) ([]*core.Crab, error) {
	var crabs []*core.Crab
	for rows.Next() {
		crab, err := scanCrab(rows)
		if err != nil {
			return nil, err
		}
		crabs = append(crabs, crab)
	}
	return crabs, rows.Err()
}

func scanCrab(scanner interface{ Scan(dest ...any) error }) (*core.Crab, error) {
	var (
		crab    core.Crab
		task    sql.NullString
		run     sql.NullString
	)
	if err := scanner.Scan(&crab.ID, &crab.ColonyID, &crab.Name, &crab.Role, &crab.State,
		&task, &run, &crab.LastSeenAtMS, &crab.UpdatedAtMS); err != nil {
		return nil, fmt.Errorf("scan crab: %w", err)
	}
	if task.Valid {
		crab.CurrentTaskID = &task.String
	}
	if run.Valid {
		crab.CurrentRunID = &run.String
	}
	return &crab, nil
}

func mustAffect(res sql.Result, notFound error) error {
	rows, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return notFound
	}
	return nil
}
