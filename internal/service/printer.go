package service

import (
	"context"
	"errors"
	"fmt"
	"math"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	"printer_link"
	"printer_link/internal/logger"
	"printer_link/internal/models"
	"printer_link/internal/pacer"
	"printer_link/internal/telemetry"
	"printer_link/internal/transport"

	"github.com/256dpi/gcode"
	"github.com/jonboulle/clockwork"
)

const (
	MaxHotendC = 300.0
	MaxBedC    = 150.0

	tickInterval = 250 * time.Millisecond
	// bootGrace is how long a fresh link may stay silent before the
	// handshake is sent anyway. Boards that reset on open print "start"
	// well before that.
	bootGrace = 2 * time.Second
)

// Link is one live connection to the firmware.
type Link interface {
	Lines() <-chan string
	Send(line string) error
	Close() error
	Err() error
	// WatchSilence turns the link's read-silence timeout on or off.
	WatchSilence(on bool)
}

// Connector opens a new Link or fails.
type Connector func(ctx context.Context) (Link, error)

// TransportConnector adapts a serial transport to a Connector.
func TransportConnector(t *transport.Transport) Connector {
	return func(ctx context.Context) (Link, error) {
		l, err := t.Connect(ctx)
		if err != nil {
			return nil, err
		}
		return l, nil
	}
}

// Broadcaster receives every committed snapshot and log line.
type Broadcaster interface {
	Publish(s printer_link.Snapshot)
	Emit(level, msg string)
}

type PrinterOptions struct {
	Tools            int
	BufferCapacity   int
	BacklogSize      int
	AckTimeout       time.Duration
	LineNumbers      bool
	PollInterval     time.Duration
	HeatingTolerance float64
	Backoff          Backoff
	Clock            clockwork.Clock
}

// PrinterService owns the printer state. Every mutation happens under mu,
// bumps the version and publishes a snapshot before mu is released, so
// observers see versions in mutation order. Nothing under mu blocks: link
// sends are hand-offs to the writer goroutine.
type PrinterService struct {
	opts    PrinterOptions
	connect Connector
	out     Broadcaster
	rec     *Recorder
	clock   clockwork.Clock
	log     *logger.Logger

	mu            sync.Mutex
	queue         *pacer.Queue
	link          Link
	attachedAt    time.Time
	handshakeSent bool
	backoff       Backoff

	// Marlin answers a rejected line with "Resend: N" and an "ok" that
	// retires nothing. Lines already in flight behind N are rejected the
	// same way before the retransmission reaches the firmware.
	swallowOks int
	resendSeq  uint64
	staleDups  int

	conn       printer_link.ConnectionStatus
	status     printer_link.PrintStatus
	tools      []printer_link.Temperature
	bed        printer_link.Temperature
	activeTool int
	position   *printer_link.Position
	lastError  *string
	lastPoll   time.Time
	job        *job
	version    uint64
}

func NewPrinterService(opts PrinterOptions, connect Connector, out Broadcaster, rec *Recorder, log *logger.Logger) *PrinterService {
	if opts.Tools < 1 {
		opts.Tools = 1
	}
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}
	s := &PrinterService{
		opts:    opts,
		connect: connect,
		out:     out,
		rec:     rec,
		clock:   opts.Clock,
		log:     logger.OrNop(log),
		backoff: opts.Backoff,
		conn:    printer_link.ConnDisconnected,
		status:  printer_link.PrintIdle,
		tools:   make([]printer_link.Temperature, opts.Tools),
	}
	s.queue = pacer.New(pacer.Options{
		Capacity:    opts.BufferCapacity,
		BacklogSize: opts.BacklogSize,
		AckTimeout:  opts.AckTimeout,
		LineNumbers: opts.LineNumbers,
		Clock:       opts.Clock,
	}, nil)

	s.mu.Lock()
	s.commitLocked()
	s.mu.Unlock()
	return s
}

// State returns the current snapshot.
func (s *PrinterService) State() printer_link.Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked()
}

// Ports lists serial devices present on this host.
func (s *PrinterService) Ports() ([]string, error) {
	return transport.ListPorts()
}

// Run connects, serves the link until it fails, and reconnects with
// backoff until ctx is done.
func (s *PrinterService) Run(ctx context.Context) error {
	for {
		link, err := s.connect(ctx)
		if err == nil {
			if err = s.attach(link); err == nil {
				err = s.serve(ctx, link)
			}
			_ = link.Close()
			s.detach(err)
		} else {
			s.connectFailed(err)
		}
		if ctx.Err() != nil {
			return nil
		}

		s.mu.Lock()
		delay := s.backoff.Next()
		s.mu.Unlock()
		s.log.Infow("serial_reconnect_scheduled", "delay", delay.String())

		select {
		case <-ctx.Done():
			return nil
		case <-s.clock.After(delay):
		}
	}
}

func (s *PrinterService) serve(ctx context.Context, link Link) error {
	ticker := s.clock.NewTicker(tickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case line, ok := <-link.Lines():
			if !ok {
				if err := link.Err(); err != nil {
					return err
				}
				return transport.ErrLink
			}
			if err := s.HandleLine(line); err != nil {
				return err
			}
		case <-ticker.Chan():
			if err := s.tick(); err != nil {
				return err
			}
		}
	}
}

// attach starts the Connecting phase on a freshly opened link.
func (s *PrinterService) attach(link Link) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.resetQueueLocked()
	s.queue.SetSender(link.Send)
	s.link = link
	s.attachedAt = s.clock.Now()
	s.handshakeSent = false
	s.conn = printer_link.ConnConnecting
	s.status = printer_link.PrintIdle
	s.commitLocked()

	s.log.Infow("printer_connecting")
	return nil
}

// detach returns to Disconnected after the link is gone. An active job fails
// and keeps its last acknowledged line.
func (s *PrinterService) detach(cause error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	dropped := s.resetQueueLocked()
	s.queue.SetSender(nil)
	s.link = nil
	s.handshakeSent = false
	s.conn = printer_link.ConnDisconnected
	s.status = printer_link.PrintIdle
	s.position = nil
	for i := range s.tools {
		s.tools[i] = printer_link.Temperature{}
	}
	s.bed = printer_link.Temperature{}

	reason := "link closed"
	if cause != nil && !errors.Is(cause, context.Canceled) {
		reason = cause.Error()
		s.lastError = &reason
	}
	if s.job.active() {
		s.failJobLocked("link lost: " + reason)
	}
	s.log.Warnw("printer_disconnected", "reason", reason, "dropped_commands", dropped)
	s.rec.Event(models.EventDisconnected, reason, map[string]any{"dropped_commands": dropped})
	s.commitLocked()
}

func (s *PrinterService) connectFailed(err error) {
	s.log.Warnw("serial_connect_failed", "error", err)
	s.mu.Lock()
	defer s.mu.Unlock()
	msg := err.Error()
	if s.lastError != nil && *s.lastError == msg {
		return
	}
	s.lastError = &msg
	s.commitLocked()
}

// HandleLine applies one line received from the firmware. A returned error
// means the link can no longer be trusted.
func (s *PrinterService) HandleLine(line string) error {
	ev := telemetry.Parse(line)

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.link == nil {
		return nil
	}

	if _, boot := ev.(telemetry.FirmwareStart); boot {
		return s.firmwareRestartedLocked()
	}
	if s.conn == printer_link.ConnConnecting && !s.handshakeSent {
		if err := s.handshakeLocked(); err != nil {
			return err
		}
	}

	var (
		changed bool
		err     error
	)
	switch e := ev.(type) {
	case telemetry.Ack:
		changed, err = s.okLocked()
	case telemetry.TemperatureReport:
		changed = s.applyTemperaturesLocked(e)
		if e.Ack {
			var acked bool
			acked, err = s.okLocked()
			changed = changed || acked
		} else {
			// M109/M190 report while waiting; the command is still running.
			s.queue.Touch()
		}
	case telemetry.Busy:
		s.queue.Touch()
	case telemetry.Resend:
		err = s.resendLocked(e.Seq)
	case telemetry.FirmwareError:
		if e.Recoverable {
			s.log.Warnw("firmware_line_error", "message", e.Message)
			s.out.Emit("warn", e.Message)
		} else {
			changed = s.firmwareErrorLocked(e.Message)
		}
	case telemetry.PositionReport:
		s.position = &printer_link.Position{X: e.X, Y: e.Y, Z: e.Z, E: e.E}
		changed = true
	case telemetry.Echo:
		s.out.Emit("info", e.Text)
	case telemetry.Unrecognized:
		if e.Reason != "empty" {
			s.log.Debugw("telemetry_unrecognized", "reason", e.Reason, "raw", e.Raw)
			s.out.Emit("debug", e.Raw)
		}
	}

	if s.recomputeStatusLocked() {
		changed = true
	}
	if changed {
		s.commitLocked()
	}
	return err
}

// tick runs housekeeping: ack timeout, delayed handshake, temperature polling.
func (s *PrinterService) tick() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.link == nil {
		return nil
	}
	if err := s.queue.CheckTimeout(); err != nil {
		return fmt.Errorf("%w: %w", transport.ErrLink, err)
	}

	now := s.clock.Now()
	switch s.conn {
	case printer_link.ConnConnecting:
		if !s.handshakeSent && now.Sub(s.attachedAt) >= bootGrace {
			return s.handshakeLocked()
		}
	case printer_link.ConnConnected:
		if s.opts.PollInterval <= 0 || s.status == printer_link.PrintError {
			return nil
		}
		if now.Sub(s.lastPoll) < s.opts.PollInterval || s.queue.Outstanding(isPoll) > 0 {
			return nil
		}
		s.lastPoll = now
		if _, err := s.queue.Enqueue("M105", 0); err != nil && !errors.Is(err, pacer.ErrBacklogFull) {
			return err
		}
	}
	return nil
}

func isPoll(c pacer.PendingCommand) bool { return c.Text == "M105" }

// resendLocked retransmits from seq unless the request is a stale rejection
// of a line that was already in flight behind the one being resent.
func (s *PrinterService) resendLocked(seq uint64) error {
	s.swallowOks++
	if s.staleDups > 0 && seq == s.resendSeq {
		s.staleDups--
		s.log.Debugw("resend_stale_ignored", "seq", seq)
		return nil
	}
	n, err := s.queue.Resend(seq)
	if errors.Is(err, pacer.ErrUnknownSeq) {
		s.log.Warnw("resend_unknown_seq", "seq", seq)
		return nil
	}
	if err != nil {
		return err
	}
	s.resendSeq = seq
	s.staleDups = n - 1
	return nil
}

// okLocked accounts for one "ok" from the firmware.
func (s *PrinterService) okLocked() (bool, error) {
	if s.swallowOks > 0 {
		s.swallowOks--
		s.queue.Touch()
		return false, nil
	}
	s.staleDups = 0
	return s.ackLocked()
}

func (s *PrinterService) resetQueueLocked() int {
	s.swallowOks = 0
	s.staleDups = 0
	return s.queue.Reset()
}

// setErrorLocked enters the error state. A halted firmware goes quiet and
// polling stops, so the link must not be torn down for silence.
func (s *PrinterService) setErrorLocked(msg string) {
	s.lastError = &msg
	s.status = printer_link.PrintError
	if s.link != nil {
		s.link.WatchSilence(false)
	}
}

func (s *PrinterService) handshakeLocked() error {
	s.handshakeSent = true
	s.lastPoll = s.clock.Now()
	if s.opts.LineNumbers {
		if _, err := s.queue.Enqueue("M110 N0", 0); err != nil {
			return err
		}
	}
	_, err := s.queue.Enqueue("M105", 0)
	return err
}

func (s *PrinterService) ackLocked() (bool, error) {
	cmd, err := s.queue.Ack()
	if errors.Is(err, pacer.ErrUnexpectedAck) {
		s.log.Debugw("ack_without_command")
		return false, nil
	}

	changed := false
	if s.conn == printer_link.ConnConnecting {
		s.conn = printer_link.ConnConnected
		s.status = printer_link.PrintIdle
		s.lastError = nil
		s.backoff.Reset()
		s.log.Infow("printer_connected")
		s.rec.Event(models.EventConnected, "handshake complete", nil)
		changed = true
	}
	if j := s.job; j != nil && j.owns(cmd) {
		if cmd.Tag > j.acked {
			j.acked = cmd.Tag
			changed = true
			if j.acked%checkpointEvery == 0 {
				s.rec.Checkpoint(j.checkpoint())
			}
		}
		s.wakeFeederLocked()
		if s.maybeCompleteLocked() {
			changed = true
		}
	} else if cmd.Tag == 0 && s.job.active() {
		s.wakeFeederLocked()
	}
	return changed, err
}

func (s *PrinterService) firmwareErrorLocked(msg string) bool {
	s.log.Errorw("firmware_error", "message", msg)
	s.out.Emit("error", msg)
	s.rec.Event(models.EventFirmwareError, msg, nil)

	if s.job.active() {
		s.failJobLocked("firmware error: " + msg)
	}
	s.setErrorLocked(msg)
	return true
}

// firmwareRestartedLocked handles a controller reboot: everything in flight
// is gone and the handshake starts over.
func (s *PrinterService) firmwareRestartedLocked() error {
	if s.conn == printer_link.ConnConnected {
		s.log.Warnw("firmware_restarted")
		s.out.Emit("warn", "firmware restarted")
	}
	s.resetQueueLocked()
	if s.job.active() {
		s.failJobLocked("firmware restarted")
	}
	if s.link != nil {
		s.link.WatchSilence(true)
	}
	s.conn = printer_link.ConnConnecting
	s.status = printer_link.PrintIdle
	s.attachedAt = s.clock.Now()
	s.commitLocked()
	return s.handshakeLocked()
}

func (s *PrinterService) applyTemperaturesLocked(r telemetry.TemperatureReport) bool {
	changed := false
	for i, reading := range r.Tools {
		if i < 0 || i >= len(s.tools) {
			continue
		}
		if mergeReading(&s.tools[i], reading) {
			changed = true
		}
	}
	if r.Bed != nil && mergeReading(&s.bed, *r.Bed) {
		changed = true
	}
	return changed
}

// mergeReading copies known values into t. Pointers are replaced, never
// written through, because published snapshots share them.
func mergeReading(t *printer_link.Temperature, r telemetry.Reading) bool {
	changed := false
	if r.Current != nil && !sameValue(t.Current, r.Current) {
		v := *r.Current
		t.Current = &v
		changed = true
	}
	if r.Target != nil && !sameValue(t.Target, r.Target) {
		v := *r.Target
		t.Target = &v
		changed = true
	}
	return changed
}

func sameValue(a, b *float64) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

func (s *PrinterService) recomputeStatusLocked() bool {
	if s.conn != printer_link.ConnConnected {
		return false
	}
	if s.status != printer_link.PrintIdle && s.status != printer_link.PrintHeating {
		return false
	}
	want := printer_link.PrintIdle
	if s.heatingLocked() {
		want = printer_link.PrintHeating
	}
	if want == s.status {
		return false
	}
	s.status = want
	return true
}

func (s *PrinterService) heatingLocked() bool {
	away := func(t printer_link.Temperature) bool {
		if t.Target == nil || *t.Target <= 0 {
			return false
		}
		return t.Current == nil || math.Abs(*t.Current-*t.Target) > s.opts.HeatingTolerance
	}
	if away(s.bed) {
		return true
	}
	return slices.ContainsFunc(s.tools, away)
}

func (s *PrinterService) snapshotLocked() printer_link.Snapshot {
	snap := printer_link.Snapshot{
		Version:          s.version,
		ConnectionStatus: s.conn,
		PrintStatus:      s.status,
		Tools:            slices.Clone(s.tools),
		Bed:              s.bed,
		LastError:        s.lastError,
		UpdatedAt:        s.clock.Now().UTC(),
	}
	if s.position != nil {
		p := *s.position
		snap.Position = &p
	}
	if s.job != nil {
		snap.Job = s.job.view()
	}
	return snap
}

func (s *PrinterService) commitLocked() {
	s.version++
	if s.out != nil {
		s.out.Publish(s.snapshotLocked())
	}
}

// readyLocked rejects operator commands unless the printer is connected and
// not in an error state. Motion is also refused while a job is running.
func (s *PrinterService) readyLocked(motion bool) error {
	if s.link == nil || s.conn != printer_link.ConnConnected {
		return fmt.Errorf("%w: printer is %s", ErrNotReady, s.conn)
	}
	if s.status == printer_link.PrintError {
		return fmt.Errorf("%w: printer is in error state, reset it first", ErrNotReady)
	}
	if motion && s.job != nil && s.job.status == printer_link.JobRunning {
		return fmt.Errorf("%w: a job is printing", ErrNotReady)
	}
	return nil
}

// enqueueLocked queues console commands and applies what they imply for the
// snapshot right away.
func (s *PrinterService) enqueueLocked(cmds ...string) error {
	changed := false
	for _, c := range cmds {
		if _, err := s.queue.Enqueue(c, 0); err != nil {
			if changed {
				s.commitLocked()
			}
			return fmt.Errorf("queue %q: %w", c, err)
		}
		if s.inspectLocked(c) {
			changed = true
		}
	}
	if s.recomputeStatusLocked() {
		changed = true
	}
	if changed {
		s.commitLocked()
	}
	return nil
}

// inspectLocked tracks targets and the active tool from outgoing commands.
func (s *PrinterService) inspectLocked(cmd string) bool {
	line, err := gcode.ParseLine(cmd)
	if err != nil || len(line.Codes) == 0 {
		return false
	}
	head := line.Codes[0]
	args := line.Codes[1:]

	switch {
	case head.Letter == "M" && (head.Value == 104 || head.Value == 109):
		target, ok := codeValue(args, "S")
		if !ok {
			return false
		}
		tool := s.activeTool
		if t, ok := codeValue(args, "T"); ok {
			tool = int(t)
		}
		if tool < 0 || tool >= len(s.tools) {
			return false
		}
		s.tools[tool].Target = &target
		return true
	case head.Letter == "M" && (head.Value == 140 || head.Value == 190):
		target, ok := codeValue(args, "S")
		if !ok {
			return false
		}
		s.bed.Target = &target
		return true
	case head.Letter == "T":
		if n := int(head.Value); n >= 0 && n < len(s.tools) {
			s.activeTool = n
		}
	}
	return false
}

func codeValue(codes []gcode.GCode, letter string) (float64, bool) {
	for _, c := range codes {
		if c.Letter == letter {
			return c.Value, true
		}
	}
	return 0, false
}

// SetTemperature sets a heater target. heater is a tool index or BedHeater.
func (s *PrinterService) SetTemperature(heater int, target float64) error {
	var cmd string
	switch {
	case heater == BedHeater:
		if target < 0 || target > MaxBedC {
			return fmt.Errorf("%w: bed target %.1f outside [0, %.0f]", ErrInvalidRequest, target, MaxBedC)
		}
		cmd = "M140 S" + formatNumber(target)
	case heater >= 0 && heater < s.opts.Tools:
		if target < 0 || target > MaxHotendC {
			return fmt.Errorf("%w: tool target %.1f outside [0, %.0f]", ErrInvalidRequest, target, MaxHotendC)
		}
		cmd = fmt.Sprintf("M104 T%d S%s", heater, formatNumber(target))
	default:
		return fmt.Errorf("%w: no heater %d", ErrInvalidRequest, heater)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.readyLocked(false); err != nil {
		return err
	}
	return s.enqueueLocked(cmd)
}

// Home homes the selected axes and asks for the resulting position.
func (s *PrinterService) Home(axes HomeAxes) error {
	cmd := "G28"
	if axes.X {
		cmd += " X0"
	}
	if axes.Y {
		cmd += " Y0"
	}
	if axes.Z {
		cmd += " Z0"
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.readyLocked(true); err != nil {
		return err
	}
	return s.enqueueLocked(cmd, "M114")
}

// Move performs one linear move, absolute or relative.
func (s *PrinterService) Move(p MoveParams) error {
	if p.X == nil && p.Y == nil && p.Z == nil {
		return fmt.Errorf("%w: move needs at least one axis", ErrInvalidRequest)
	}
	if p.Feedrate < 0 {
		return fmt.Errorf("%w: negative feedrate", ErrInvalidRequest)
	}
	var sb strings.Builder
	sb.WriteString("G1")
	for _, a := range []struct {
		letter string
		v      *float64
	}{{"X", p.X}, {"Y", p.Y}, {"Z", p.Z}} {
		if a.v != nil {
			sb.WriteString(" " + a.letter + formatNumber(*a.v))
		}
	}
	if p.Feedrate > 0 {
		sb.WriteString(" F" + formatNumber(p.Feedrate))
	}

	cmds := []string{"G90", sb.String(), "M114"}
	if p.Relative {
		cmds = []string{"G91", sb.String(), "G90", "M114"}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.readyLocked(true); err != nil {
		return err
	}
	return s.enqueueLocked(cmds...)
}

// SendGcode queues one raw line. Comments are stripped; M112 is routed to
// EmergencyStop.
func (s *PrinterService) SendGcode(line string) error {
	if strings.ContainsAny(line, "\r\n") {
		return fmt.Errorf("%w: one line at a time", ErrInvalidRequest)
	}
	cmd := printable(line)
	if cmd == "" {
		return fmt.Errorf("%w: empty gcode line", ErrInvalidRequest)
	}
	if strings.EqualFold(strings.Fields(cmd)[0], "M112") {
		return s.EmergencyStop()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.readyLocked(true); err != nil {
		return err
	}
	return s.enqueueLocked(cmd)
}

// RequestPosition asks the firmware for the current position (M114).
func (s *PrinterService) RequestPosition() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.readyLocked(false); err != nil {
		return err
	}
	return s.enqueueLocked("M114")
}

// EmergencyStop sends M112 ahead of everything queued, cancels the job and
// leaves the printer in the error state until Reset.
func (s *PrinterService) EmergencyStop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.link == nil {
		return fmt.Errorf("%w: printer is %s", ErrNotReady, s.conn)
	}
	if err := s.queue.Bypass("M112"); err != nil {
		return fmt.Errorf("emergency stop: %w", err)
	}
	dropped := s.resetQueueLocked()
	if s.job.active() {
		s.cancelJobLocked("emergency stop")
	}

	zero := 0.0
	for i := range s.tools {
		s.tools[i].Target = &zero
	}
	s.bed.Target = &zero
	s.setErrorLocked("emergency stop")

	s.log.Errorw("emergency_stop", "dropped_commands", dropped)
	s.rec.Event(models.EventEmergencyStop, "M112 sent", map[string]any{"dropped_commands": dropped})
	s.commitLocked()
	return nil
}

// Reset clears the error state (M999) and repeats the handshake. It is a
// no-op when the printer is not in the error state.
func (s *PrinterService) Reset() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.link == nil || s.conn != printer_link.ConnConnected {
		return fmt.Errorf("%w: printer is %s", ErrNotReady, s.conn)
	}
	if s.status != printer_link.PrintError {
		return nil
	}
	if err := s.queue.Bypass("M999"); err != nil {
		return fmt.Errorf("reset: %w", err)
	}
	s.resetQueueLocked()
	s.link.WatchSilence(true)
	s.status = printer_link.PrintIdle
	s.lastError = nil
	s.rec.Event(models.EventStateChange, "error cleared by reset", nil)
	if err := s.handshakeLocked(); err != nil {
		return err
	}
	s.recomputeStatusLocked()
	s.commitLocked()
	return nil
}

func formatNumber(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}
