package transport

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"printer_link/internal/logger"
)

var errClosed = errors.New("link closed")

// Link is one open connection to the firmware. It reads lines in a
// goroutine, writes queued lines in another, and closes itself on the first
// I/O error, write timeout or read silence.
type Link struct {
	device string
	baud   int
	cfg    Config
	port   Port
	unlock func()
	log    *logger.Logger

	out   chan string
	lines chan string
	done  chan struct{}

	closeOnce    sync.Once
	mu           sync.Mutex
	err          error
	lastActivity atomic.Int64
	watchSilence atomic.Bool
}

func newLink(cfg Config, port Port, unlock func(), log *logger.Logger) *Link {
	l := &Link{
		device: cfg.Device,
		baud:   cfg.Baud,
		cfg:    cfg,
		port:   port,
		unlock: unlock,
		log:    log,
		out:    make(chan string, cfg.OutboundSize),
		lines:  make(chan string, 64),
		done:   make(chan struct{}),
	}
	l.lastActivity.Store(time.Now().UnixNano())
	l.watchSilence.Store(true)
	go l.readLoop()
	go l.writeLoop()
	return l
}

func (l *Link) Device() string { return l.device }
func (l *Link) Baud() int      { return l.baud }

// Open reports whether the link is still usable.
func (l *Link) Open() bool {
	select {
	case <-l.done:
		return false
	default:
		return true
	}
}

// LastActivity is when bytes were last received.
func (l *Link) LastActivity() time.Time {
	return time.Unix(0, l.lastActivity.Load())
}

// WatchSilence turns the read-silence timeout on or off. Turning it back on
// restarts the silence clock.
func (l *Link) WatchSilence(on bool) {
	if on {
		l.lastActivity.Store(time.Now().UnixNano())
	}
	l.watchSilence.Store(on)
}

// Lines yields received lines without terminators. It is closed after the
// link fails or is closed.
func (l *Link) Lines() <-chan string { return l.lines }

// Done is closed when the link is no longer usable.
func (l *Link) Done() <-chan struct{} { return l.done }

// Err is the reason the link closed, nil while open.
func (l *Link) Err() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.err
}

// Send queues line for writing. It never blocks.
func (l *Link) Send(line string) error {
	if !l.Open() {
		return l.closedErr()
	}
	select {
	case l.out <- line:
		return nil
	case <-l.done:
		return l.closedErr()
	default:
		return fmt.Errorf("%w: %d lines pending", ErrOutboundFull, cap(l.out))
	}
}

// Close shuts the link down. Safe to call more than once.
func (l *Link) Close() error {
	l.fail(errClosed)
	return nil
}

func (l *Link) closedErr() error {
	err := l.Err()
	if err == nil || errors.Is(err, errClosed) {
		return fmt.Errorf("%w: %v", ErrLink, errClosed)
	}
	return err
}

func (l *Link) fail(err error) {
	l.closeOnce.Do(func() {
		l.mu.Lock()
		l.err = err
		l.mu.Unlock()
		close(l.done)
		_ = l.port.Close()
		if l.unlock != nil {
			l.unlock()
		}
		if !errors.Is(err, errClosed) {
			l.log.Warnw("serial_link_failed", "device", l.device, "err", err)
		}
	})
}

func (l *Link) readLoop() {
	defer close(l.lines)

	buf := make([]byte, 512)
	var pending []byte
	for {
		n, err := l.port.Read(buf)
		if n > 0 {
			l.lastActivity.Store(time.Now().UnixNano())
			pending = append(pending, buf[:n]...)
			for {
				i := bytes.IndexByte(pending, '\n')
				if i < 0 {
					break
				}
				line := string(bytes.TrimRight(pending[:i], "\r"))
				pending = pending[i+1:]
				if !l.emit(line) {
					return
				}
			}
			// A missing terminator on a runaway line would grow pending
			// forever; hand it over as is.
			if len(pending) > l.cfg.MaxLineLength {
				if !l.emit(string(pending)) {
					return
				}
				pending = nil
			}
		}
		if err != nil {
			l.fail(fmt.Errorf("%w: read: %v", ErrLink, err))
			return
		}
		if !l.Open() {
			return
		}
		if n == 0 && l.cfg.ReadTimeout > 0 && l.watchSilence.Load() && time.Since(l.LastActivity()) > l.cfg.ReadTimeout {
			l.fail(fmt.Errorf("%w: nothing received for %s", ErrLink, l.cfg.ReadTimeout))
			return
		}
	}
}

func (l *Link) emit(line string) bool {
	select {
	case l.lines <- line:
		return true
	case <-l.done:
		return false
	}
}

func (l *Link) writeLoop() {
	for {
		select {
		case <-l.done:
			return
		case line := <-l.out:
			if err := l.write(line); err != nil {
				l.fail(err)
				return
			}
		}
	}
}

func (l *Link) write(line string) error {
	if l.cfg.WriteTimeout > 0 {
		// A wedged driver can block Write forever; closing the port
		// unblocks it.
		watchdog := time.AfterFunc(l.cfg.WriteTimeout, func() {
			l.fail(fmt.Errorf("%w: write timed out after %s", ErrLink, l.cfg.WriteTimeout))
		})
		defer watchdog.Stop()
	}
	if _, err := io.WriteString(l.port, line+"\n"); err != nil {
		return fmt.Errorf("%w: write: %v", ErrLink, err)
	}
	return nil
}
