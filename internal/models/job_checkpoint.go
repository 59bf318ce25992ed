package models

import "time"

// JobCheckpoint is the persisted progress of the last job run for a file.
type JobCheckpoint struct {
	Path       string    `json:"path"`
	JobID      string    `json:"job_id"`
	TotalLines int       `json:"total_lines"`
	AckedLine  int       `json:"acked_line"`
	Status     string    `json:"status"`
	UpdatedAt  time.Time `json:"updated_at"`
}
