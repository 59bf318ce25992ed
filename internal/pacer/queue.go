// Package pacer keeps the number of unacknowledged commands on the wire at or
// below the firmware's command buffer size.
package pacer

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jonboulle/clockwork"
)

var (
	ErrQueueOverflow   = errors.New("command window overflow")
	ErrBacklogFull     = errors.New("command backlog full")
	ErrFirmwareTimeout = errors.New("firmware ack timeout")
	ErrUnexpectedAck   = errors.New("ack with no command in flight")
	ErrUnknownSeq      = errors.New("resend for unknown sequence")
	ErrInvalidCommand  = errors.New("invalid command")

	errNoSender = errors.New("pacer: no sender attached")
)

// Sender hands one framed line to the transport. It must not block.
type Sender func(line string) error

// PendingCommand is one command in the backlog or on the wire.
type PendingCommand struct {
	Seq    uint64
	Text   string
	Wire   string
	SentAt time.Time
	Acked  bool
	// Tag is the job file line the command came from, 0 for console commands.
	Tag int
}

type Options struct {
	Capacity    int
	BacklogSize int
	AckTimeout  time.Duration
	// LineNumbers frames every command as "N<seq> <cmd>*<checksum>".
	LineNumbers bool
	Clock       clockwork.Clock
}

// Queue is a sliding window over a FIFO of commands. Acknowledgements are
// matched to the oldest in-flight command. Queue is not safe for concurrent
// use; its owner serializes access.
type Queue struct {
	opts     Options
	clock    clockwork.Clock
	send     Sender
	nextSeq  uint64
	inflight []*PendingCommand
	backlog  []*PendingCommand
}

func New(opts Options, send Sender) *Queue {
	if opts.Capacity < 1 {
		opts.Capacity = 1
	}
	if opts.BacklogSize < 1 {
		opts.BacklogSize = 1
	}
	clock := opts.Clock
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Queue{opts: opts, clock: clock, send: send}
}

// SetSender swaps the transport, e.g. after a reconnect.
func (q *Queue) SetSender(send Sender) { q.send = send }

// Enqueue assigns the next sequence number to text and transmits it if the
// window has room; otherwise it waits in the backlog.
func (q *Queue) Enqueue(text string, tag int) (uint64, error) {
	text = strings.TrimSpace(text)
	if text == "" || strings.ContainsAny(text, "\r\n") {
		return 0, fmt.Errorf("%w: %q", ErrInvalidCommand, text)
	}
	if len(q.backlog) >= q.opts.BacklogSize {
		return 0, ErrBacklogFull
	}
	cmd := &PendingCommand{Seq: q.nextSeq, Text: text, Tag: tag}
	cmd.Wire = q.frame(cmd.Seq, text)
	q.nextSeq++
	q.backlog = append(q.backlog, cmd)
	return cmd.Seq, q.pump()
}

// Ack retires the oldest in-flight command and refills the window.
func (q *Queue) Ack() (PendingCommand, error) {
	if len(q.inflight) == 0 {
		return PendingCommand{}, ErrUnexpectedAck
	}
	cmd := q.inflight[0]
	q.inflight[0] = nil
	q.inflight = q.inflight[1:]
	cmd.Acked = true
	return *cmd, q.pump()
}

// Resend retransmits the in-flight command with the given sequence number
// and returns how many commands went out again. With line numbers on, the
// firmware discards everything after a bad line, so later in-flight commands
// are retransmitted as well. The window is unchanged.
func (q *Queue) Resend(seq uint64) (int, error) {
	idx := -1
	for i, c := range q.inflight {
		if c.Seq == seq {
			idx = i
			break
		}
	}
	if idx < 0 {
		return 0, fmt.Errorf("%w: %d", ErrUnknownSeq, seq)
	}
	last := idx + 1
	if q.opts.LineNumbers {
		last = len(q.inflight)
	}
	now := q.clock.Now()
	for _, c := range q.inflight[idx:last] {
		if err := q.transmit(c.Wire); err != nil {
			return 0, err
		}
		c.SentAt = now
	}
	return last - idx, nil
}

// CheckTimeout reports ErrFirmwareTimeout once the oldest in-flight command
// has waited longer than the ack timeout.
func (q *Queue) CheckTimeout() error {
	if len(q.inflight) == 0 || q.opts.AckTimeout <= 0 {
		return nil
	}
	oldest := q.inflight[0]
	if waited := q.clock.Since(oldest.SentAt); waited > q.opts.AckTimeout {
		return fmt.Errorf("%w: seq %d %q unacknowledged for %s", ErrFirmwareTimeout, oldest.Seq, oldest.Text, waited)
	}
	return nil
}

// Touch restarts the ack timer of the oldest in-flight command. The firmware
// is alive but busy.
func (q *Queue) Touch() {
	if len(q.inflight) > 0 {
		q.inflight[0].SentAt = q.clock.Now()
	}
}

// Reset forgets everything and restarts numbering at zero. Used when the link
// goes away; nothing in flight can be acknowledged any more.
func (q *Queue) Reset() (dropped int) {
	dropped = len(q.inflight) + len(q.backlog)
	q.inflight = nil
	q.backlog = nil
	q.nextSeq = 0
	return dropped
}

// DropBacklog removes waiting commands for which drop returns true.
func (q *Queue) DropBacklog(drop func(PendingCommand) bool) int {
	kept := q.backlog[:0]
	n := 0
	for _, c := range q.backlog {
		if drop(*c) {
			n++
			continue
		}
		kept = append(kept, c)
	}
	for i := len(kept); i < len(q.backlog); i++ {
		q.backlog[i] = nil
	}
	q.backlog = kept
	return n
}

// Bypass writes a line immediately, outside the window. Reserved for
// emergency commands the firmware handles out of band.
func (q *Queue) Bypass(text string) error {
	return q.transmit(strings.TrimSpace(text))
}

// InFlight is the number of unacknowledged commands on the wire.
func (q *Queue) InFlight() int { return len(q.inflight) }

// Backlog is the number of commands waiting for window room.
func (q *Queue) Backlog() int { return len(q.backlog) }

// Capacity is the window size.
func (q *Queue) Capacity() int { return q.opts.Capacity }

// HasRoom reports whether one more command would go straight to the wire.
func (q *Queue) HasRoom() bool {
	return len(q.inflight)+len(q.backlog) < q.opts.Capacity
}

// Idle reports that nothing is in flight or waiting.
func (q *Queue) Idle() bool {
	return len(q.inflight) == 0 && len(q.backlog) == 0
}

// Outstanding counts in-flight and waiting commands matching pred.
func (q *Queue) Outstanding(pred func(PendingCommand) bool) int {
	n := 0
	for _, c := range q.inflight {
		if pred(*c) {
			n++
		}
	}
	for _, c := range q.backlog {
		if pred(*c) {
			n++
		}
	}
	return n
}

func (q *Queue) pump() error {
	for len(q.backlog) > 0 && len(q.inflight) < q.opts.Capacity {
		cmd := q.backlog[0]
		if err := q.transmit(cmd.Wire); err != nil {
			return err
		}
		q.backlog[0] = nil
		q.backlog = q.backlog[1:]
		cmd.SentAt = q.clock.Now()
		q.inflight = append(q.inflight, cmd)
	}
	if len(q.inflight) > q.opts.Capacity {
		return fmt.Errorf("%w: %d in flight, capacity %d", ErrQueueOverflow, len(q.inflight), q.opts.Capacity)
	}
	return nil
}

func (q *Queue) transmit(line string) error {
	if q.send == nil {
		return errNoSender
	}
	return q.send(line)
}

func (q *Queue) frame(seq uint64, text string) string {
	if !q.opts.LineNumbers {
		return text
	}
	return Frame(seq, text)
}

// Frame renders a Marlin numbered line with its XOR checksum.
func Frame(seq uint64, text string) string {
	body := fmt.Sprintf("N%d %s", seq, text)
	return fmt.Sprintf("%s*%d", body, Checksum(body))
}

// Checksum is the XOR of all bytes of s.
func Checksum(s string) byte {
	var cs byte
	for i := 0; i < len(s); i++ {
		cs ^= s[i]
	}
	return cs
}
