package repository

import (
	"context"
	"database/sql"
	"errors"
	"path/filepath"
	"regexp"
	"testing"
	"time"

	"printer_link/internal/models"
	"printer_link/internal/repository/db"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/require"
)

func TestJobSave_Upsert(t *testing.T) {
	t.Parallel()

	sqlDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer sqlDB.Close()

	ts := time.Date(2025, 5, 2, 9, 30, 0, 0, time.Local)
	mock.ExpectExec(regexp.QuoteMeta(upsertCheckpointSQL)).
		WithArgs("cube.gcode", "job-1", 500, 120, "failed", ts.UTC()).
		WillReturnResult(sqlmock.NewResult(0, 1))

	err = NewJobSQLite(sqlDB).Save(ctx(t), models.JobCheckpoint{
		Path: "cube.gcode", JobID: "job-1", TotalLines: 500, AckedLine: 120, Status: "failed", UpdatedAt: ts,
	})
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestJobSave_ZeroTimestampFilled(t *testing.T) {
	t.Parallel()

	sqlDB, mock, _ := sqlmock.New()
	defer sqlDB.Close()

	mock.ExpectExec(regexp.QuoteMeta(upsertCheckpointSQL)).
		WithArgs("a.gcode", "j", 1, 0, "running", isUTC()).
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, NewJobSQLite(sqlDB).Save(ctx(t), models.JobCheckpoint{Path: "a.gcode", JobID: "j", TotalLines: 1, Status: "running"}))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestJobSave_Error(t *testing.T) {
	t.Parallel()

	sqlDB, mock, _ := sqlmock.New()
	defer sqlDB.Close()

	mock.ExpectExec("INSERT INTO job_checkpoints").WillReturnError(errors.New("locked"))

	err := NewJobSQLite(sqlDB).Save(ctx(t), models.JobCheckpoint{Path: "a.gcode"})
	require.ErrorContains(t, err, "locked")
}

func TestJobLoad(t *testing.T) {
	t.Parallel()

	t.Run("found", func(t *testing.T) {
		sqlDB, mock, _ := sqlmock.New()
		defer sqlDB.Close()

		ts := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
		rows := sqlmock.NewRows([]string{"path", "job_id", "total_lines", "acked_line", "status", "updated_at"}).
			AddRow("cube.gcode", "job-1", 500, 120, "failed", ts)
		mock.ExpectQuery(regexp.QuoteMeta(selectCheckpointSQL)).WithArgs("cube.gcode").WillReturnRows(rows)

		cp, err := NewJobSQLite(sqlDB).Load(ctx(t), "cube.gcode")
		require.NoError(t, err)
		require.Equal(t, 120, cp.AckedLine)
		require.Equal(t, "failed", cp.Status)
		require.Equal(t, ts, cp.UpdatedAt)
	})

	t.Run("missing", func(t *testing.T) {
		sqlDB, mock, _ := sqlmock.New()
		defer sqlDB.Close()

		mock.ExpectQuery(regexp.QuoteMeta(selectCheckpointSQL)).WithArgs("nope").WillReturnError(sql.ErrNoRows)

		cp, err := NewJobSQLite(sqlDB).Load(ctx(t), "nope")
		require.NoError(t, err)
		require.Equal(t, models.JobCheckpoint{}, cp)
	})

	t.Run("error", func(t *testing.T) {
		sqlDB, mock, _ := sqlmock.New()
		defer sqlDB.Close()

		mock.ExpectQuery(regexp.QuoteMeta(selectCheckpointSQL)).WithArgs("x").WillReturnError(errors.New("io"))

		_, err := NewJobSQLite(sqlDB).Load(ctx(t), "x")
		require.ErrorContains(t, err, "load checkpoint")
	})
}

func TestJobSQLite_RealDatabase(t *testing.T) {
	t.Parallel()

	sqlDB, err := db.InitDB(filepath.Join(t.TempDir(), "jobs.db"))
	require.NoError(t, err)
	defer sqlDB.Close()

	repo := NewJobSQLite(sqlDB)
	c := context.Background()

	require.NoError(t, repo.Save(c, models.JobCheckpoint{Path: "a.gcode", JobID: "1", TotalLines: 10, AckedLine: 3, Status: "running"}))
	require.NoError(t, repo.Save(c, models.JobCheckpoint{Path: "a.gcode", JobID: "1", TotalLines: 10, AckedLine: 7, Status: "failed"}))
	require.NoError(t, repo.Save(c, models.JobCheckpoint{Path: "b.gcode", JobID: "2", TotalLines: 4, AckedLine: 4, Status: "completed"}))

	cp, err := repo.Load(c, "a.gcode")
	require.NoError(t, err)
	require.Equal(t, 7, cp.AckedLine)
	require.Equal(t, "failed", cp.Status)

	all, err := repo.List(c)
	require.NoError(t, err)
	require.Len(t, all, 2)
}
