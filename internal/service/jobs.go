package service

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"
	"time"

	"printer_link"
	"printer_link/internal/models"
	"printer_link/internal/pacer"
	"printer_link/internal/repository"

	"github.com/google/uuid"
)

const (
	checkpointEvery = 50
	maxGcodeLine    = 1 << 20
)

// job is one run over a gcode file. Line numbers count printable lines
// only (comments and blanks are skipped), starting at 1.
type job struct {
	id     string
	path   string
	abs    string
	total  int
	acked  int
	resume int
	status printer_link.JobStatus
	eof    bool

	firstSeq uint64
	started  bool

	ctx  context.Context
	stop context.CancelFunc
	wake chan struct{}
}

func newJob(rel, abs string, total, resume int) *job {
	ctx, cancel := context.WithCancel(context.Background())
	return &job{
		id:     uuid.NewString(),
		path:   rel,
		abs:    abs,
		total:  total,
		acked:  resume,
		resume: resume,
		status: printer_link.JobRunning,
		ctx:    ctx,
		stop:   cancel,
		wake:   make(chan struct{}, 1),
	}
}

func (j *job) active() bool {
	return j != nil && (j.status == printer_link.JobRunning || j.status == printer_link.JobPaused)
}

// owns reports whether cmd is a file line sent by this job.
func (j *job) owns(cmd pacer.PendingCommand) bool {
	return cmd.Tag > 0 && j.started && cmd.Seq >= j.firstSeq
}

func (j *job) view() *printer_link.JobView {
	v := &printer_link.JobView{
		ID:         j.id,
		File:       j.path,
		Line:       j.acked,
		TotalLines: j.total,
		Status:     j.status,
	}
	switch {
	case j.total > 0:
		v.Progress = float64(j.acked) / float64(j.total)
	case j.status == printer_link.JobCompleted:
		v.Progress = 1
	}
	return v
}

func (j *job) checkpoint() models.JobCheckpoint {
	return models.JobCheckpoint{
		Path:       j.path,
		JobID:      j.id,
		TotalLines: j.total,
		AckedLine:  j.acked,
		Status:     string(j.status),
	}
}

// JobController streams gcode files through the printer's command queue.
type JobController struct {
	printer     *PrinterService
	files       *FileStore
	checkpoints repository.JobRepo
	opTimeout   time.Duration
}

func NewJobController(p *PrinterService, files *FileStore, checkpoints repository.JobRepo, opTimeout time.Duration) *JobController {
	c := &JobController{printer: p, files: files, checkpoints: checkpoints, opTimeout: opTimeout}
	files.inUse = c.inUse
	return c
}

// Start begins printing path. A failed earlier run of the same file is
// resumed after its last acknowledged line unless opts.FromBeginning is set.
func (c *JobController) Start(ctx context.Context, path string, opts StartOptions) (printer_link.JobView, error) {
	abs, rel, err := c.files.Resolve(path)
	if err != nil {
		return printer_link.JobView{}, err
	}
	if err := c.printer.checkStartable(); err != nil {
		return printer_link.JobView{}, err
	}

	total, err := countLines(abs)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return printer_link.JobView{}, fmt.Errorf("%w: %s not found", ErrInvalidPath, rel)
		}
		return printer_link.JobView{}, fmt.Errorf("scan %s: %w", rel, err)
	}

	resume := 0
	if !opts.FromBeginning {
		resume = c.resumePoint(ctx, rel, total)
	}

	j := newJob(rel, abs, total, resume)
	view, err := c.printer.startJob(j)
	if err != nil {
		j.stop()
		return printer_link.JobView{}, err
	}
	go c.feed(j)
	return view, nil
}

func (c *JobController) Pause() error  { return c.printer.pauseJob() }
func (c *JobController) Resume() error { return c.printer.resumeJob() }
func (c *JobController) Cancel() error { return c.printer.cancelJob() }

// History lists the stored checkpoint of every file printed so far.
func (c *JobController) History(ctx context.Context) ([]models.JobCheckpoint, error) {
	if c.checkpoints == nil {
		return nil, nil
	}
	return c.checkpoints.List(ctx)
}

func (c *JobController) inUse(rel string) bool {
	c.printer.mu.Lock()
	defer c.printer.mu.Unlock()
	return c.printer.job.active() && c.printer.job.path == rel
}

// resumePoint finds the last acknowledged line of a failed run of the same
// file, first in memory, then in the stored checkpoint.
func (c *JobController) resumePoint(ctx context.Context, rel string, total int) int {
	p := c.printer
	p.mu.Lock()
	if j := p.job; j != nil && j.path == rel && j.status == printer_link.JobFailed && j.total == total {
		p.mu.Unlock()
		return j.acked
	}
	p.mu.Unlock()

	if c.checkpoints == nil {
		return 0
	}
	if c.opTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.opTimeout)
		defer cancel()
	}
	cp, err := c.checkpoints.Load(ctx, rel)
	if err != nil {
		p.log.Warnw("checkpoint_load_failed", "path", rel, "error", err)
		return 0
	}
	if cp.Status != string(printer_link.JobFailed) || cp.TotalLines != total || cp.AckedLine >= total {
		return 0
	}
	return cp.AckedLine
}

// feed reads the file lazily and offers one line at a time to the printer,
// waiting for window room, resume, or the end of the job.
func (c *JobController) feed(j *job) {
	f, err := os.Open(j.abs)
	if err != nil {
		c.printer.abortJob(j, fmt.Sprintf("open %s: %v", j.path, err))
		return
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), maxGcodeLine)

	var (
		idx     int
		pending string
		have    bool
	)
	for {
		if !have {
			for sc.Scan() {
				text := printable(sc.Text())
				if text == "" {
					continue
				}
				idx++
				if idx <= j.resume {
					continue
				}
				pending, have = text, true
				break
			}
			if !have {
				if err := sc.Err(); err != nil {
					c.printer.abortJob(j, fmt.Sprintf("read %s: %v", j.path, err))
					return
				}
				c.printer.markEOF(j)
				return
			}
		}

		accepted, done := c.printer.offer(j, pending, idx)
		if done {
			return
		}
		if accepted {
			have = false
			continue
		}
		select {
		case <-j.wake:
		case <-j.ctx.Done():
			return
		}
	}
}

func printable(raw string) string {
	if i := strings.IndexByte(raw, ';'); i >= 0 {
		raw = raw[:i]
	}
	return strings.TrimSpace(raw)
}

func countLines(path string) (int, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), maxGcodeLine)
	n := 0
	for sc.Scan() {
		if printable(sc.Text()) != "" {
			n++
		}
	}
	return n, sc.Err()
}

func (s *PrinterService) checkStartable() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.job.active() {
		return ErrJobAlreadyActive
	}
	return s.readyLocked(false)
}

func (s *PrinterService) startJob(j *job) (printer_link.JobView, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.job.active() {
		return printer_link.JobView{}, ErrJobAlreadyActive
	}
	if err := s.readyLocked(false); err != nil {
		return printer_link.JobView{}, err
	}

	s.job = j
	s.status = printer_link.PrintPrinting
	s.log.Infow("job_started", "job", j.id, "path", j.path, "total_lines", j.total, "resume_from", j.resume)
	s.rec.Event(models.EventJobStarted, "started "+j.path, map[string]any{
		"job_id": j.id, "total_lines": j.total, "resume_from": j.resume,
	})
	s.rec.Checkpoint(j.checkpoint())
	s.commitLocked()
	return *j.view(), nil
}

// offer enqueues one file line if the job may send now. done reports that
// the feeder should stop.
func (s *PrinterService) offer(j *job, text string, line int) (accepted, done bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.job != j || !j.active() {
		return false, true
	}
	if j.status != printer_link.JobRunning || s.link == nil || s.conn != printer_link.ConnConnected {
		return false, false
	}
	if !s.queue.HasRoom() {
		return false, false
	}
	seq, err := s.queue.Enqueue(text, line)
	if err != nil {
		if errors.Is(err, pacer.ErrInvalidCommand) {
			s.log.Warnw("job_line_skipped", "job", j.id, "line", line, "error", err)
			return true, false
		}
		if !errors.Is(err, pacer.ErrBacklogFull) {
			s.log.Warnw("job_send_failed", "job", j.id, "line", line, "error", err)
		}
		return false, false
	}
	if !j.started {
		j.started = true
		j.firstSeq = seq
	}
	if s.inspectLocked(text) {
		s.commitLocked()
	}
	return true, false
}

func (s *PrinterService) markEOF(j *job) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.job != j {
		return
	}
	j.eof = true
	if s.maybeCompleteLocked() {
		s.commitLocked()
	}
}

// abortJob fails a job whose file could not be read.
func (s *PrinterService) abortJob(j *job, reason string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.job != j || !j.active() {
		return
	}
	s.failJobLocked(reason)
	if s.status == printer_link.PrintPrinting || s.status == printer_link.PrintPaused {
		s.status = printer_link.PrintIdle
	}
	s.recomputeStatusLocked()
	s.commitLocked()
}

func (s *PrinterService) maybeCompleteLocked() bool {
	j := s.job
	if j == nil || j.status != printer_link.JobRunning || !j.eof {
		return false
	}
	if s.queue.Outstanding(j.owns) > 0 {
		return false
	}
	j.status = printer_link.JobCompleted
	j.stop()
	if s.status == printer_link.PrintPrinting {
		s.status = printer_link.PrintIdle
		s.recomputeStatusLocked()
	}
	s.log.Infow("job_completed", "job", j.id, "path", j.path, "lines", j.acked)
	s.rec.Event(models.EventJobCompleted, "completed "+j.path, map[string]any{"job_id": j.id})
	s.rec.Checkpoint(j.checkpoint())
	return true
}

func (s *PrinterService) failJobLocked(reason string) {
	j := s.job
	j.status = printer_link.JobFailed
	j.stop()
	s.queue.DropBacklog(j.owns)
	s.log.Warnw("job_failed", "job", j.id, "path", j.path, "acked_line", j.acked, "reason", reason)
	s.rec.Event(models.EventJobFailed, reason, map[string]any{"job_id": j.id, "acked_line": j.acked})
	s.rec.Checkpoint(j.checkpoint())
}

func (s *PrinterService) cancelJobLocked(reason string) {
	j := s.job
	j.status = printer_link.JobCancelled
	j.stop()
	dropped := s.queue.DropBacklog(j.owns)
	s.log.Infow("job_cancelled", "job", j.id, "path", j.path, "acked_line", j.acked, "dropped", dropped)
	s.rec.Event(models.EventJobCancelled, reason, map[string]any{"job_id": j.id, "acked_line": j.acked})
	s.rec.Checkpoint(j.checkpoint())
}

func (s *PrinterService) wakeFeederLocked() {
	if s.job == nil {
		return
	}
	select {
	case s.job.wake <- struct{}{}:
	default:
	}
}

func (s *PrinterService) pauseJob() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	j := s.job
	if !j.active() {
		return ErrNoActiveJob
	}
	if j.status == printer_link.JobPaused {
		return nil
	}
	j.status = printer_link.JobPaused
	if s.status == printer_link.PrintPrinting {
		s.status = printer_link.PrintPaused
	}
	s.log.Infow("job_paused", "job", j.id, "acked_line", j.acked)
	s.rec.Event(models.EventJobPaused, "paused "+j.path, map[string]any{"job_id": j.id, "acked_line": j.acked})
	s.commitLocked()
	return nil
}

func (s *PrinterService) resumeJob() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	j := s.job
	if !j.active() {
		return ErrNoActiveJob
	}
	if j.status == printer_link.JobRunning {
		return nil
	}
	if err := s.readyLocked(false); err != nil {
		return err
	}
	j.status = printer_link.JobRunning
	s.status = printer_link.PrintPrinting
	s.log.Infow("job_resumed", "job", j.id, "acked_line", j.acked)
	s.rec.Event(models.EventJobResumed, "resumed "+j.path, map[string]any{"job_id": j.id})
	s.maybeCompleteLocked()
	s.wakeFeederLocked()
	s.commitLocked()
	return nil
}

func (s *PrinterService) cancelJob() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	j := s.job
	if j == nil {
		return ErrNoActiveJob
	}
	switch j.status {
	case printer_link.JobCancelled:
		return nil
	case printer_link.JobRunning, printer_link.JobPaused:
	default:
		return ErrNoActiveJob
	}
	s.cancelJobLocked("cancelled by operator")
	if s.status == printer_link.PrintPrinting || s.status == printer_link.PrintPaused {
		s.status = printer_link.PrintIdle
		s.recomputeStatusLocked()
	}
	s.commitLocked()
	return nil
}
