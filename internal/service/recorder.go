package service

import (
	"context"
	"time"

	"printer_link/internal/logger"
	"printer_link/internal/models"
	"printer_link/internal/repository"

	"github.com/google/uuid"
)

const recorderBuffer = 256

type record struct {
	event      *models.PrinterEvent
	checkpoint *models.JobCheckpoint
}

// Recorder persists events and job checkpoints off the control path. Writes
// are queued without blocking and dropped with a warning when the queue is
// full. A nil *Recorder discards everything.
type Recorder struct {
	events  repository.EventRepo
	jobs    repository.JobRepo
	timeout time.Duration
	log     *logger.Logger
	ch      chan record
}

func NewRecorder(events repository.EventRepo, jobs repository.JobRepo, opTimeout time.Duration, log *logger.Logger) *Recorder {
	return &Recorder{
		events:  events,
		jobs:    jobs,
		timeout: opTimeout,
		log:     logger.OrNop(log),
		ch:      make(chan record, recorderBuffer),
	}
}

// Event queues a printer event. ID and timestamp are assigned here so the
// stored order matches the order of calls.
func (r *Recorder) Event(typ, description string, meta any) {
	if r == nil {
		return
	}
	r.enqueue(record{event: &models.PrinterEvent{
		EventID:     uuid.NewString(),
		OccurredAt:  time.Now().UTC(),
		Type:        typ,
		Description: description,
		Metadata:    meta,
	}})
}

// Checkpoint queues a job progress update.
func (r *Recorder) Checkpoint(cp models.JobCheckpoint) {
	if r == nil {
		return
	}
	if cp.UpdatedAt.IsZero() {
		cp.UpdatedAt = time.Now().UTC()
	}
	r.enqueue(record{checkpoint: &cp})
}

func (r *Recorder) enqueue(rec record) {
	select {
	case r.ch <- rec:
	default:
		r.log.Warnw("recorder_queue_full", "event", rec.event != nil)
	}
}

// Run writes queued records until ctx is done, then drains what is left.
func (r *Recorder) Run(ctx context.Context) {
	for {
		select {
		case rec := <-r.ch:
			r.write(rec)
		case <-ctx.Done():
			for {
				select {
				case rec := <-r.ch:
					r.write(rec)
				default:
					return
				}
			}
		}
	}
}

func (r *Recorder) write(rec record) {
	ctx := context.Background()
	if r.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.timeout)
		defer cancel()
	}
	switch {
	case rec.event != nil && r.events != nil:
		if err := r.events.Append(ctx, *rec.event); err != nil {
			r.log.Errorw("event_persist_failed", "type", rec.event.Type, "error", err)
		}
	case rec.checkpoint != nil && r.jobs != nil:
		if err := r.jobs.Save(ctx, *rec.checkpoint); err != nil {
			r.log.Errorw("checkpoint_persist_failed", "path", rec.checkpoint.Path, "error", err)
		}
	}
}
