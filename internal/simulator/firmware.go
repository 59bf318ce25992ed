// Package simulator is a Marlin-like virtual printer that speaks the serial
// line protocol. It backs the sim:// device and the engine tests.
package simulator

import (
	"bytes"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"sync"
	"time"

	"printer_link/internal/pacer"
	"printer_link/internal/transport"

	"github.com/256dpi/gcode"
	"github.com/jonboulle/clockwork"
)

// ----------- Thermal model -----------
const (
	AmbientC          = 25.0
	MaxSafeC          = 300.0 // heater targets above this are clamped
	HotendRampCPerSec = 4.0
	BedRampCPerSec    = 1.0
	CoolCPerSec       = 0.5
	SoakToleranceC    = 1.0

	waitReportEvery = time.Second
)

var (
	errClosed    = errors.New("simulator: port closed")
	errUnplugged = errors.New("simulator: device unplugged")
)

type Options struct {
	Tools int
	Clock clockwork.Clock
	// Quiet skips the boot banner.
	Quiet bool
}

// Open satisfies transport.Opener. Every open boots a fresh controller,
// like a board that resets when the port is opened.
func (o Options) Open(string, int) (transport.Port, error) {
	return New(o), nil
}

type heater struct {
	current float64
	target  float64
	ramp    float64
}

// Firmware is a single simulated controller.
type Firmware struct {
	mu    sync.Mutex
	clock clockwork.Clock

	tools  []heater
	bed    heater
	active int

	x, y, z, e float64
	relative   bool

	lastTick   time.Time
	lastLine   int64
	waitingFor *heater
	lastReport time.Time
	autoReport time.Duration

	halted bool
	hung   bool
	broken error

	inbuf       []byte
	out         bytes.Buffer
	ready       chan struct{}
	closed      chan struct{}
	closeOnce   sync.Once
	readTimeout time.Duration

	received []string
}

func New(opts Options) *Firmware {
	if opts.Tools < 1 {
		opts.Tools = 1
	}
	clock := opts.Clock
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	f := &Firmware{
		clock:  clock,
		tools:  make([]heater, opts.Tools),
		bed:    heater{current: AmbientC, ramp: BedRampCPerSec},
		ready:  make(chan struct{}, 1),
		closed: make(chan struct{}),
	}
	for i := range f.tools {
		f.tools[i] = heater{current: AmbientC, ramp: HotendRampCPerSec}
	}
	f.lastTick = clock.Now()
	if !opts.Quiet {
		f.reply("start")
		f.reply("echo:Marlin 2.1.2 printer_link simulator")
	}
	return f
}

func (f *Firmware) SetReadTimeout(t time.Duration) error {
	f.mu.Lock()
	f.readTimeout = t
	f.mu.Unlock()
	return nil
}

// Read returns pending output, or (0, nil) after the read timeout.
func (f *Firmware) Read(b []byte) (int, error) {
	for {
		f.mu.Lock()
		if f.broken != nil {
			err := f.broken
			f.mu.Unlock()
			return 0, err
		}
		f.advance()
		if f.out.Len() > 0 {
			n, _ := f.out.Read(b)
			f.mu.Unlock()
			return n, nil
		}
		timeout := f.readTimeout
		f.mu.Unlock()

		if !f.wait(timeout) {
			return 0, nil
		}
		select {
		case <-f.closed:
			return 0, errClosed
		default:
		}
	}
}

// Write consumes complete lines and queues the firmware's answers.
func (f *Firmware) Write(b []byte) (int, error) {
	select {
	case <-f.closed:
		return 0, errClosed
	default:
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.broken != nil {
		return 0, f.broken
	}
	f.inbuf = append(f.inbuf, b...)
	for {
		i := bytes.IndexByte(f.inbuf, '\n')
		if i < 0 {
			break
		}
		line := string(f.inbuf[:i])
		f.inbuf = f.inbuf[i+1:]
		f.advance()
		f.handle(line)
	}
	return len(b), nil
}

// wait blocks until output may be ready or the port closes. It returns
// false when the timeout expired first.
func (f *Firmware) wait(timeout time.Duration) bool {
	var expire <-chan time.Time
	if timeout > 0 {
		t := time.NewTimer(timeout)
		defer t.Stop()
		expire = t.C
	}
	select {
	case <-f.ready:
	case <-f.closed:
	case <-expire:
		return false
	}
	return true
}

func (f *Firmware) Close() error {
	f.closeOnce.Do(func() { close(f.closed) })
	return nil
}

// Hang makes the controller stop answering, as a wedged board would.
func (f *Firmware) Hang(hung bool) {
	f.mu.Lock()
	f.hung = hung
	f.mu.Unlock()
}

// Unplug fails every further read and write.
func (f *Firmware) Unplug() {
	f.mu.Lock()
	f.broken = errUnplugged
	f.mu.Unlock()
	f.signal()
}

// Received lists the commands executed so far, framing removed.
func (f *Firmware) Received() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.received...)
}

// Temperatures returns current tool and bed temperatures.
func (f *Firmware) Temperatures() (tools []float64, bed float64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, h := range f.tools {
		tools = append(tools, h.current)
	}
	return tools, f.bed.current
}

func (f *Firmware) signal() {
	select {
	case f.ready <- struct{}{}:
	default:
	}
}

func (f *Firmware) reply(line string) {
	if f.hung {
		return
	}
	f.out.WriteString(line)
	f.out.WriteByte('\n')
	f.signal()
}

// advance moves the thermal model to the current clock reading and finishes
// a pending heat-and-wait command.
func (f *Firmware) advance() {
	now := f.clock.Now()
	elapsed := now.Sub(f.lastTick).Seconds()
	if elapsed <= 0 {
		return
	}
	f.lastTick = now
	for i := range f.tools {
		f.tools[i].step(elapsed)
	}
	f.bed.step(elapsed)

	if f.waitingFor != nil {
		if math.Abs(f.waitingFor.current-f.waitingFor.target) <= SoakToleranceC {
			f.waitingFor = nil
			f.reply("ok")
		} else if now.Sub(f.lastReport) >= waitReportEvery {
			f.lastReport = now
			f.reply(f.temperatureReport())
		}
		return
	}
	if f.autoReport > 0 && now.Sub(f.lastReport) >= f.autoReport {
		f.lastReport = now
		f.reply(f.temperatureReport())
	}
}

// step heats toward the target at the heater's ramp, or cools toward
// max(target, ambient).
func (h *heater) step(elapsed float64) {
	switch floor := math.Max(h.target, AmbientC); {
	case h.target > 0 && h.current < h.target:
		h.current = math.Min(h.current+h.ramp*elapsed, h.target)
	case h.current > floor:
		h.current = math.Max(h.current-CoolCPerSec*elapsed, floor)
	}
}

func (f *Firmware) handle(raw string) {
	line := strings.TrimSpace(raw)
	if i := strings.IndexByte(line, ';'); i >= 0 {
		line = strings.TrimSpace(line[:i])
	}
	if line == "" {
		return
	}

	cmd, ok := f.checkFraming(line)
	if !ok {
		return
	}
	f.received = append(f.received, cmd)

	parsed, err := gcode.ParseLine(cmd)
	if err != nil || len(parsed.Codes) == 0 {
		f.reply(fmt.Sprintf("echo:Unknown command: %q", cmd))
		f.reply("ok")
		return
	}
	head := parsed.Codes[0]
	code := head.Letter + strconv.Itoa(int(head.Value))
	args := parsed.Codes[1:]

	if f.halted && code != "M999" {
		f.reply("echo:Printer halted, send M999")
		f.reply("ok")
		return
	}

	switch code {
	case "G0", "G1":
		f.move(args)
	case "G28":
		f.home(args)
	case "G90":
		f.relative = false
	case "G91":
		f.relative = true
	case "G92":
		f.setPosition(args)
	case "M104", "M109":
		h := f.tool(args)
		if h == nil {
			f.reply("echo:Invalid extruder")
			break
		}
		h.target = clampTarget(arg(args, "S", h.target))
		if code == "M109" {
			f.waitingFor = h
			f.lastReport = f.clock.Now()
			return // ok is sent once the target is reached
		}
	case "M140", "M190":
		f.bed.target = clampTarget(arg(args, "S", f.bed.target))
		if code == "M190" {
			f.waitingFor = &f.bed
			f.lastReport = f.clock.Now()
			return
		}
	case "M105":
		f.reply("ok " + f.temperatureReport())
		return
	case "M114":
		f.reply(fmt.Sprintf("X:%.2f Y:%.2f Z:%.2f E:%.2f Count X:0 Y:0 Z:0", f.x, f.y, f.z, f.e))
	case "M155":
		f.autoReport = time.Duration(arg(args, "S", 0)) * time.Second
	case "M112":
		f.halted = true
		f.waitingFor = nil
		for i := range f.tools {
			f.tools[i].target = 0
		}
		f.bed.target = 0
		f.reply("Error:Printer halted. kill() called!")
		return
	case "M999":
		f.halted = false
	default:
		if head.Letter == "T" {
			if n := int(head.Value); n >= 0 && n < len(f.tools) {
				f.active = n
			} else {
				f.reply("echo:Invalid extruder")
			}
		}
	}
	f.reply("ok")
}

// checkFraming validates "N<line> <cmd>*<checksum>" framing when present and
// returns the bare command.
func (f *Firmware) checkFraming(line string) (string, bool) {
	if !strings.HasPrefix(line, "N") {
		return line, true
	}
	body := line
	if star := strings.LastIndexByte(line, '*'); star >= 0 {
		body = line[:star]
		want, err := strconv.Atoi(strings.TrimSpace(line[star+1:]))
		if err != nil || byte(want) != pacer.Checksum(body) {
			f.requestResend(fmt.Sprintf("Error:checksum mismatch, Last Line: %d", f.lastLine))
			return "", false
		}
	}
	sp := strings.IndexByte(body, ' ')
	if sp < 0 {
		return "", false
	}
	n, err := strconv.ParseInt(body[1:sp], 10, 64)
	if err != nil {
		f.requestResend(fmt.Sprintf("Error:No Line Number with checksum, Last Line: %d", f.lastLine))
		return "", false
	}
	cmd := strings.TrimSpace(body[sp+1:])
	if strings.HasPrefix(cmd, "M110") {
		f.lastLine = n
		if parsed, err := gcode.ParseLine(cmd); err == nil {
			f.lastLine = int64(arg(parsed.Codes[1:], "N", float64(n)))
		}
		return cmd, true
	}
	if n != f.lastLine+1 {
		f.requestResend(fmt.Sprintf("Error:Line Number is not Last Line Number+1, Last Line: %d", f.lastLine))
		return "", false
	}
	f.lastLine = n
	return cmd, true
}

func (f *Firmware) requestResend(msg string) {
	f.reply(msg)
	f.reply(fmt.Sprintf("Resend: %d", f.lastLine+1))
	f.reply("ok")
}

func (f *Firmware) move(args []gcode.GCode) {
	for _, a := range args {
		p := f.axis(a.Letter)
		if p == nil {
			continue
		}
		if f.relative {
			*p += a.Value
		} else {
			*p = a.Value
		}
	}
}

func (f *Firmware) home(args []gcode.GCode) {
	homed := false
	for _, a := range args {
		if p := f.axis(a.Letter); p != nil && a.Letter != "E" {
			*p = 0
			homed = true
		}
	}
	if !homed {
		f.x, f.y, f.z = 0, 0, 0
	}
}

func (f *Firmware) setPosition(args []gcode.GCode) {
	for _, a := range args {
		if p := f.axis(a.Letter); p != nil {
			*p = a.Value
		}
	}
}

func (f *Firmware) axis(letter string) *float64 {
	switch letter {
	case "X":
		return &f.x
	case "Y":
		return &f.y
	case "Z":
		return &f.z
	case "E":
		return &f.e
	}
	return nil
}

func (f *Firmware) tool(args []gcode.GCode) *heater {
	n := int(arg(args, "T", float64(f.active)))
	if n < 0 || n >= len(f.tools) {
		return nil
	}
	return &f.tools[n]
}

func (f *Firmware) temperatureReport() string {
	var sb strings.Builder
	active := f.tools[f.active]
	fmt.Fprintf(&sb, "T:%.2f /%.2f B:%.2f /%.2f", active.current, active.target, f.bed.current, f.bed.target)
	if len(f.tools) > 1 {
		for i, h := range f.tools {
			fmt.Fprintf(&sb, " T%d:%.2f /%.2f", i, h.current, h.target)
		}
	}
	sb.WriteString(" @:0 B@:0")
	return sb.String()
}

func arg(args []gcode.GCode, letter string, def float64) float64 {
	for _, a := range args {
		if a.Letter == letter {
			return a.Value
		}
	}
	return def
}

func clampTarget(t float64) float64 {
	return math.Max(0, math.Min(t, MaxSafeC))
}
