package service

import (
	"context"
	"time"

	"printer_link"
)

// StateSource is anything that remembers the last published snapshot.
type StateSource interface {
	Latest() (printer_link.Snapshot, bool)
}

type MonitoringService struct {
	source StateSource
	tools  int
}

func NewMonitoringService(source StateSource, tools int) *MonitoringService {
	if tools < 1 {
		tools = 1
	}
	return &MonitoringService{source: source, tools: tools}
}

// GetState returns the latest published snapshot. Before the first publish
// it returns a baseline disconnected snapshot at version 0.
func (s *MonitoringService) GetState(ctx context.Context) (printer_link.Snapshot, error) {
	if err := ctx.Err(); err != nil {
		return printer_link.Snapshot{}, err
	}
	snap, ok := s.source.Latest()
	if !ok {
		return s.baselineState(), nil
	}
	snap.UpdatedAt = toUTC(snap.UpdatedAt)
	return snap, nil
}

func (s *MonitoringService) baselineState() printer_link.Snapshot {
	return printer_link.Snapshot{
		ConnectionStatus: printer_link.ConnDisconnected,
		PrintStatus:      printer_link.PrintIdle,
		Tools:            make([]printer_link.Temperature, s.tools),
		UpdatedAt:        time.Now().UTC(),
	}
}

// toUTC normalizes non-zero time to UTC, preserving zero values.
func toUTC(t time.Time) time.Time {
	if t.IsZero() {
		return t
	}
	return t.UTC()
}
