package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/l1x/crabitat/internal/core"
)

var ErrColonyNotFound = errors.New("colony not found")

func (q *Queries) InsertColony(ctx context.Context, colony *core.Colony) error {
	_, err := q.db.ExecContext(ctx, `
		INSERT INTO colonies (colony_id, name, description, repo_url, created_at_ms)
		VALUES (?, ?, ?, ?, ?)
	`, colony.ID, colony.Name, colony.Description, nullableString(colony.RepoURL), colony.CreatedAtMS)
	if err != nil {
		return fmt.Errorf("insert colony: %w", err)
	}
	return nil
}

func (q *Queries) GetColony(ctx context.Context, id string) (*core.Colony, error) {
	row := q.db.QueryRowContext(ctx, `
		SELECT colony_id, name, description, repo_url, created_at_ms
		FROM colonies WHERE colony_id = ?
	`, id)
	colony, err := scanColony(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrColonyNotFound
		}
		return nil, err
	}
	return colony, nil
}

func (q *Queries) ListColonies(ctx context.Context) ([]*core.Colony, error) {
	rows, err := q.db.QueryContext(ctx, `
		SELECT colony_id, name, description, repo_url, created_at_ms
		FROM colonies ORDER BY created_at_ms
	`)
	if err != nil {
		return nil, fmt.Errorf("query colonies: %w", err)
	}
	defer rows.Close()
	var colonies []*core.Colony
	for rows.Next() {
		colony, err := scanColony(rows)
		if err != nil {
			return nil, err
		}
		colonies = append(colonies, colony)
	}
	return colonies, rows.Err()
}

func scanColony(scanner interface{ Scan(dest ...any) error }) (*core.Colony, error) {
	var (
		colony  core.Colony
		repoURL sql.NullString
	)
	if err := scanner.Scan(&colony.ID, &colony.Name, &colony.Description, &repoURL, &colony.CreatedAtMS); err != nil {
		return nil, fmt.Errorf("scan colony: %w", err)
	}
	if repoURL.Valid {
		colony.RepoURL = &repoURL.String
	}
	return &colony, nil
}
