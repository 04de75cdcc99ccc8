package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/l1x/crabitat/internal/core"
)

func (q *Queries) InsertEvent(ctx context.Context, event *core.Event) error {
	_, err := q.db.ExecContext(ctx, `
		INSERT INTO events (event_id, colony_id, mission_id, kind, payload, created_at_ms)
		VALUES (?, ?, ?, ?, ?, ?)
	`, event.ID, nullableString(event.ColonyID), nullableString(event.MissionID),
		event.Kind, event.Payload, event.CreatedAtMS)
	if err != nil {
		return fmt.Errorf("insert event: %w", err)
	}
	return nil
}

func (q *Queries) ListEvents(ctx context.Context, sinceMS int64, limit int) ([]*core.Event, error) {
	if limit <= 0 {
		limit = 200
	}
	rows, err := q.db.QueryContext(ctx, `
		SELECT event_id, colony_id, mission_id, kind, payload, created_at_ms
		FROM events WHERE created_at_ms >= ? ORDER BY created_at_ms, event_id LIMIT ?
	`, sinceMS, limit)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	defer rows.Close()
	var events []*core.Event
	for rows.Next() {
		var (
			event   core.Event
			colony  sql.NullString
			mission sql.NullString
		)
		if err := rows.Scan(&event.ID, &colony, &mission, &event.Kind, &event.Payload, &event.CreatedAtMS); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		if colony.Valid {
			event.ColonyID = &colony.String
		}
		if mission.Valid {
			event.MissionID = &mission.String
		}
		events = append(events, &event)
	}
	return events, rows.Err()
}
