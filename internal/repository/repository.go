package repository

import (
	"context"
	"database/sql"
	"time"

	"printer_link/internal/models"
)

type Authorization interface {
	Create(username, hash string) (int, error)
	GetByUsername(username string) (*models.User, error)
}

type EventRepo interface {
	Append(ctx context.Context, e models.PrinterEvent) error
	List(ctx context.Context, from, to time.Time, typ string) ([]models.PrinterEvent, error)
}

// JobRepo stores one checkpoint per gcode file.
type JobRepo interface {
	Save(ctx context.Context, cp models.JobCheckpoint) error
	Load(ctx context.Context, path string) (models.JobCheckpoint, error)
	List(ctx context.Context) ([]models.JobCheckpoint, error)
}

type Repository struct {
	EventRepo EventRepo
	JobRepo   JobRepo
	Auth      Authorization
}

func NewRepository(db *sql.DB) *Repository {
	return &Repository{
		EventRepo: NewEventSQLite(db),
		JobRepo:   NewJobSQLite(db),
		Auth:      NewUserRepository(db),
	}
}

