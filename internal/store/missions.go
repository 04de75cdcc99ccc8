package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/l1x/crabitat/internal/core"
)

var ErrMissionNotFound = errors.New("mission not found")

const missionColumns = `mission_id, colony_id, prompt, workflow_name, external_ref, status, burrow_path, created_at_ms, updated_at_ms`

func (q *Queries) InsertMission(ctx context.Context, mission *core.Mission) error {
	_, err := q.db.ExecContext(ctx, `
		INSERT INTO missions (mission_id, colony_id, prompt, workflow_name, external_ref, status, burrow_path, created_at_ms, updated_at_ms)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, mission.ID, mission.ColonyID, mission.Prompt, nullableString(mission.WorkflowName),
		nullableString(mission.ExternalRef), mission.Status, mission.BurrowPath,
		mission.CreatedAtMS, mission.UpdatedAtMS)
	if err != nil {
		return fmt.Errorf("insert mission: %w", err)
	}
	return nil
}

func (q *Queries) GetMission(ctx context.Context, id string) (*core.Mission, error) {
	row := q.db.QueryRowContext(ctx, `SELECT `+missionColumns+` FROM missions WHERE mission_id = ?`, id)
	mission, err := scanMission(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrMissionNotFound
		}
		return nil, err
	}
	return mission, nil
}

func (q *Queries) ListMissions(ctx context.Context, colonyID *string) ([]*core.Mission, error) {
	var (
		rows *sql.Rows
		err  error
	)
	if colonyID != nil {
		rows, err = q.db.QueryContext(ctx, `
			SELECT `+missionColumns+` FROM missions WHERE colony_id = ? ORDER BY created_at_ms DESC
		`, *colonyID)
	} else {
		rows, err = q.db.QueryContext(ctx, `SELECT `+missionColumns+` FROM missions ORDER BY created_at_ms DESC`)
	}
	if err != nil {
		return nil, fmt.Errorf("query missions: %w", err)
	}
	defer rows.Close()
	var missions []*core.Mission
	for rows.Next() {
		mission, err := scanMission(rows)
		if err != nil {
			return nil, err
		}
		missions = append(missions, mission)
	}
	return missions, rows.Err()
}

func (q *Queries) SetMissionStatus(ctx context.Context, id string, status core.MissionStatus, nowMS int64) error {
	res, err := q.db.ExecContext(ctx, `
		UPDATE missions SET status = ?, updated_at_ms = ? WHERE mission_id = ?
	`, status, nowMS, id)
	if err != nil {
		return fmt.Errorf("set mission status: %w", err)
	}
	return mustAffect(res, ErrMissionNotFound)
}

func scanMission(scanner interface{ Scan(dest ...any) error }) (*core.Mission, error) {
	var (
		mission  core.Mission
		workflow sql.NullString
		extRef   sql.NullString
	)
	if err := scanner.Scan(&mission.ID, &mission.ColonyID, &mission.Prompt, &workflow, &extRef,
		&mission.Status, &mission.BurrowPath, &mission.CreatedAtMS, &mission.UpdatedAtMS); err != nil {
		return nil, fmt.Errorf("scan mission: %w", err)
	}
	if workflow.Valid {
		mission.WorkflowName = &workflow.String
	}
	if extRef.Valid {
		mission.ExternalRef = &extRef.String
	}
	return &mission, nil
}
