// Package transport owns the byte stream to the printer. A Transport opens
// Links; a Link is one connection and is never reused after it fails.
package transport

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"printer_link/internal/logger"
)

var (
	// ErrLink marks every failure of the underlying byte stream.
	ErrLink = errors.New("serial link failure")
	// ErrOutboundFull is returned by Send when the writer is behind.
	ErrOutboundFull = errors.New("outbound buffer full")
)

const (
	defaultOutboundSize  = 64
	defaultMaxLineLength = 1024
	readPoll             = 100 * time.Millisecond
)

type Config struct {
	Device         string
	Baud           int
	ConnectTimeout time.Duration
	// ReadTimeout closes the link when nothing was received for this long.
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	LockDir      string
	// OutboundSize bounds lines accepted by Send but not yet written.
	OutboundSize  int
	MaxLineLength int
}

type Option func(*Transport)

// WithOpener routes devices of the form scheme://... to open.
func WithOpener(scheme string, open Opener) Option {
	return func(t *Transport) { t.openers[scheme] = open }
}

func WithLogger(log *logger.Logger) Option {
	return func(t *Transport) { t.log = log }
}

// Transport opens links to one configured device.
type Transport struct {
	cfg     Config
	openers map[string]Opener
	log     *logger.Logger
}

func New(cfg Config, opts ...Option) *Transport {
	if cfg.OutboundSize <= 0 {
		cfg.OutboundSize = defaultOutboundSize
	}
	if cfg.MaxLineLength <= 0 {
		cfg.MaxLineLength = defaultMaxLineLength
	}
	t := &Transport{
		cfg: cfg,
		openers: map[string]Opener{
			"":    OpenSerial,
			"tcp": OpenTCP,
		},
	}
	for _, opt := range opts {
		opt(t)
	}
	t.log = logger.OrNop(t.log)
	return t
}

// Device is the configured device string.
func (t *Transport) Device() string { return t.cfg.Device }

// Connect opens a fresh link. It gives up after the connect timeout or when
// ctx is done; the caller decides whether and when to retry.
func (t *Transport) Connect(ctx context.Context) (*Link, error) {
	open, err := t.opener()
	if err != nil {
		return nil, err
	}
	if t.cfg.ConnectTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, t.cfg.ConnectTimeout)
		defer cancel()
	}

	unlock, err := acquireLock(t.cfg.LockDir, t.cfg.Device)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrLink, err)
	}

	type result struct {
		port Port
		err  error
	}
	ch := make(chan result, 1)
	go func() {
		p, err := open(t.cfg.Device, t.cfg.Baud)
		ch <- result{port: p, err: err}
	}()

	var port Port
	select {
	case <-ctx.Done():
		// The open may still succeed later; close whatever it returns.
		go func() {
			if r := <-ch; r.port != nil {
				_ = r.port.Close()
			}
		}()
		unlock()
		return nil, fmt.Errorf("%w: open %s: %w", ErrLink, t.cfg.Device, ctx.Err())
	case r := <-ch:
		if r.err != nil {
			unlock()
			return nil, fmt.Errorf("%w: %v", ErrLink, r.err)
		}
		port = r.port
	}

	if err := port.SetReadTimeout(readPoll); err != nil {
		_ = port.Close()
		unlock()
		return nil, fmt.Errorf("%w: set read timeout: %v", ErrLink, err)
	}

	t.log.Infow("serial_link_open", "device", t.cfg.Device, "baud", t.cfg.Baud)
	return newLink(t.cfg, port, unlock, t.log), nil
}

func (t *Transport) opener() (Opener, error) {
	scheme := ""
	if i := strings.Index(t.cfg.Device, "://"); i >= 0 {
		scheme = t.cfg.Device[:i]
	}
	open, ok := t.openers[scheme]
	if !ok {
		return nil, fmt.Errorf("%w: no opener for device %q", ErrLink, t.cfg.Device)
	}
	return open, nil
}
