package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"printer_link/internal/models"
)

type JobSQLite struct {
	db *sql.DB
}

func NewJobSQLite(db *sql.DB) *JobSQLite {
	return &JobSQLite{db: db}
}

var _ JobRepo = (*JobSQLite)(nil)

const (
	upsertCheckpointSQL = `
		INSERT INTO job_checkpoints (path, job_id, total_lines, acked_line, status, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(path) DO UPDATE SET
			job_id=excluded.job_id,
			total_lines=excluded.total_lines,
			acked_line=excluded.acked_line,
			status=excluded.status,
			updated_at=excluded.updated_at
	`

	selectCheckpointSQL = `
		SELECT path, job_id, total_lines, acked_line, status, updated_at
		FROM job_checkpoints WHERE path=?
	`

	listCheckpointsSQL = `
		SELECT path, job_id, total_lines, acked_line, status, updated_at
		FROM job_checkpoints ORDER BY updated_at DESC
	`
)

// Save upserts the checkpoint for cp.Path.
func (r *JobSQLite) Save(ctx context.Context, cp models.JobCheckpoint) error {
	ts := cp.UpdatedAt
	if ts.IsZero() {
		ts = time.Now()
	}
	_, err := r.db.ExecContext(ctx, upsertCheckpointSQL,
		cp.Path,
		cp.JobID,
		cp.TotalLines,
		cp.AckedLine,
		cp.Status,
		ts.UTC(),
	)
	if err != nil {
		return fmt.Errorf("save checkpoint %q: %w", cp.Path, err)
	}
	return nil
}

// Load returns the checkpoint for path, or a zero value when none exists.
func (r *JobSQLite) Load(ctx context.Context, path string) (models.JobCheckpoint, error) {
	var cp models.JobCheckpoint
	err := r.db.QueryRowContext(ctx, selectCheckpointSQL, path).Scan(
		&cp.Path, &cp.JobID, &cp.TotalLines, &cp.AckedLine, &cp.Status, &cp.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return models.JobCheckpoint{}, nil
		}
		return models.JobCheckpoint{}, fmt.Errorf("load checkpoint %q: %w", path, err)
	}
	cp.UpdatedAt = cp.UpdatedAt.UTC()
	return cp, nil
}

// List returns all checkpoints, most recently updated first.
func (r *JobSQLite) List(ctx context.Context) ([]models.JobCheckpoint, error) {
	rows, err := r.db.QueryContext(ctx, listCheckpointsSQL)
	if err != nil {
		return nil, fmt.Errorf("query checkpoints: %w", err)
	}
	defer rows.Close()

	var out []models.JobCheckpoint
	for rows.Next() {
		var cp models.JobCheckpoint
		if err := rows.Scan(&cp.Path, &cp.JobID, &cp.TotalLines, &cp.AckedLine, &cp.Status, &cp.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan checkpoint: %w", err)
		}
		cp.UpdatedAt = cp.UpdatedAt.UTC()
		out = append(out, cp)
	}
	return out, rows.Err()
}
