package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"printer_link/internal/models"
	"printer_link/internal/repository"
)

// EventLogService answers history queries over recorded printer events.
type EventLogService struct {
	events repository.EventRepo
}

func NewEventLogService(events repository.EventRepo) *EventLogService {
	return &EventLogService{events: events}
}

var (
	errInvalidTimeRange = errors.New("from must not be after to")
	errNegativeLimit    = errors.New("limit must not be negative")
)

// eventQuery is a validated LogFilter. The store narrows by time and at most
// one type; the rest is matched here.
type eventQuery struct {
	from, to time.Time
	types    map[string]bool // nil matches every type
	jobID    string
	limit    int
}

func parseFilter(f LogFilter) (eventQuery, error) {
	q := eventQuery{jobID: strings.TrimSpace(f.JobID), limit: f.Limit}
	if !f.From.IsZero() {
		q.from = f.From.UTC()
	}
	if !f.To.IsZero() {
		q.to = f.To.UTC()
	}
	if !q.from.IsZero() && !q.to.IsZero() && q.from.After(q.to) {
		return eventQuery{}, fmt.Errorf("%w: %w", ErrInvalidRequest, errInvalidTimeRange)
	}
	if q.limit < 0 {
		return eventQuery{}, fmt.Errorf("%w: %w", ErrInvalidRequest, errNegativeLimit)
	}

	for _, t := range strings.Split(f.Type, ",") {
		t = strings.ToUpper(strings.TrimSpace(t))
		if t == "" {
			continue
		}
		if !models.KnownEventType(t) {
			return eventQuery{}, fmt.Errorf("%w: unknown event type %q", ErrInvalidRequest, t)
		}
		if q.types == nil {
			q.types = map[string]bool{}
		}
		q.types[t] = true
	}
	return q, nil
}

// storeType is the single type the store can filter on.
func (q eventQuery) storeType() string {
	if len(q.types) != 1 {
		return ""
	}
	for t := range q.types {
		return t
	}
	return ""
}

func (q eventQuery) match(e models.PrinterEvent) bool {
	if q.types != nil && !q.types[strings.ToUpper(e.Type)] {
		return false
	}
	return q.jobID == "" || eventJobID(e) == q.jobID
}

// eventJobID is the print job a job event belongs to, "" for link events.
func eventJobID(e models.PrinterEvent) string {
	switch m := e.Metadata.(type) {
	case map[string]any:
		id, _ := m["job_id"].(string)
		return id
	case map[string]string:
		return m["job_id"]
	}
	return ""
}

// List returns recorded printer events matching f, oldest first. With a
// limit only the newest events are kept.
func (s *EventLogService) List(ctx context.Context, f LogFilter) ([]models.PrinterEvent, error) {
	q, err := parseFilter(f)
	if err != nil {
		return nil, err
	}
	events, err := s.events.List(ctx, q.from, q.to, q.storeType())
	if err != nil {
		return nil, err
	}

	out := make([]models.PrinterEvent, 0, len(events))
	for _, e := range events {
		if q.match(e) {
			out = append(out, e)
		}
	}
	if q.limit > 0 && len(out) > q.limit {
		out = out[len(out)-q.limit:]
	}
	return out, nil
}
