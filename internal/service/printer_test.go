package service

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"testing"
	"time"

	"printer_link"
	"printer_link/internal/logger"
	"printer_link/internal/pacer"
	"printer_link/internal/transport"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"
)

type fakeLink struct {
	mu       sync.Mutex
	sent     []string
	sendErr  error
	lines    chan string
	closed   bool
	watching bool
}

func newFakeLink() *fakeLink { return &fakeLink{lines: make(chan string, 64), watching: true} }

func (l *fakeLink) Lines() <-chan string { return l.lines }

func (l *fakeLink) Send(line string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.sendErr != nil {
		return l.sendErr
	}
	l.sent = append(l.sent, line)
	return nil
}

func (l *fakeLink) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.closed {
		l.closed = true
		close(l.lines)
	}
	return nil
}

func (l *fakeLink) Err() error { return nil }

func (l *fakeLink) WatchSilence(on bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.watching = on
}

func (l *fakeLink) watchingSilence() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.watching
}

func (l *fakeLink) Sent() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.sent...)
}

func (l *fakeLink) last() string {
	s := l.Sent()
	if len(s) == 0 {
		return ""
	}
	return s[len(s)-1]
}

type recordingHub struct {
	mu    sync.Mutex
	snaps []printer_link.Snapshot
	logs  []string
}

func (h *recordingHub) Publish(s printer_link.Snapshot) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.snaps = append(h.snaps, s)
}

func (h *recordingHub) Emit(_, msg string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.logs = append(h.logs, msg)
}

func (h *recordingHub) versions() []uint64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]uint64, len(h.snaps))
	for i, s := range h.snaps {
		out[i] = s.Version
	}
	return out
}

func testOptions(fc *clockwork.FakeClock) PrinterOptions {
	return PrinterOptions{
		Tools:            1,
		BufferCapacity:   5,
		BacklogSize:      64,
		AckTimeout:       10 * time.Second,
		PollInterval:     2 * time.Second,
		HeatingTolerance: 2,
		Backoff:          Backoff{Initial: time.Second, Max: 10 * time.Second, Factor: 2},
		Clock:            fc,
	}
}

// newTestPrinter returns a printer attached to a fake link, still connecting.
func newTestPrinter(t *testing.T, mutate func(*PrinterOptions)) (*PrinterService, *fakeLink, *recordingHub, *clockwork.FakeClock) {
	t.Helper()
	fc := clockwork.NewFakeClock()
	opts := testOptions(fc)
	if mutate != nil {
		mutate(&opts)
	}
	h := &recordingHub{}
	p := NewPrinterService(opts, nil, h, nil, logger.Nop())
	link := newFakeLink()
	require.NoError(t, p.attach(link))
	return p, link, h, fc
}

// handshake boots the fake firmware and acknowledges the first M105.
func handshake(t *testing.T, p *PrinterService) {
	t.Helper()
	require.NoError(t, p.HandleLine("start"))
	require.NoError(t, p.HandleLine("ok T:25.00 /0.00 B:25.00 /0.00 @:0 B@:0"))
	require.Equal(t, printer_link.ConnConnected, p.State().ConnectionStatus)
}

func inFlight(p *PrinterService) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.queue.InFlight()
}

func TestPrinter_InitialSnapshotIsDisconnected(t *testing.T) {
	h := &recordingHub{}
	p := NewPrinterService(testOptions(clockwork.NewFakeClock()), nil, h, nil, nil)

	require.Equal(t, []uint64{1}, h.versions())
	st := p.State()
	require.Equal(t, printer_link.ConnDisconnected, st.ConnectionStatus)
	require.Len(t, st.Tools, 1)
	require.Nil(t, st.Job)
}

func TestPrinter_HandshakeOnFirstLine(t *testing.T) {
	p, link, _, _ := newTestPrinter(t, nil)
	require.Equal(t, printer_link.ConnConnecting, p.State().ConnectionStatus)
	require.Empty(t, link.Sent())

	require.NoError(t, p.HandleLine("start"))
	require.Equal(t, []string{"M105"}, link.Sent())
	require.Equal(t, printer_link.ConnConnecting, p.State().ConnectionStatus)

	require.NoError(t, p.HandleLine("ok T:25.00 /0.00 B:24.50 /0.00"))
	st := p.State()
	require.Equal(t, printer_link.ConnConnected, st.ConnectionStatus)
	require.Equal(t, printer_link.PrintIdle, st.PrintStatus)
	require.InDelta(t, 25.0, *st.Tools[0].Current, 1e-9)
	require.InDelta(t, 24.5, *st.Bed.Current, 1e-9)
}

func TestPrinter_HandshakeAfterBootGrace(t *testing.T) {
	p, link, _, fc := newTestPrinter(t, nil)

	require.NoError(t, p.tick())
	require.Empty(t, link.Sent())

	fc.Advance(bootGrace)
	require.NoError(t, p.tick())
	require.Equal(t, []string{"M105"}, link.Sent())
}

func TestPrinter_LineNumberedHandshakeAndResend(t *testing.T) {
	p, link, _, _ := newTestPrinter(t, func(o *PrinterOptions) { o.LineNumbers = true })

	require.NoError(t, p.HandleLine("start"))
	require.Equal(t, []string{pacer.Frame(0, "M110 N0"), pacer.Frame(1, "M105")}, link.Sent())

	require.NoError(t, p.HandleLine("Error:checksum mismatch, Last Line: 0"))
	require.NoError(t, p.HandleLine("Resend: 1"))
	require.Equal(t, pacer.Frame(1, "M105"), link.last())
	require.NotEqual(t, printer_link.PrintError, p.State().PrintStatus)

	require.NoError(t, p.HandleLine("Resend: 99"))
}

func TestPrinter_OkAfterResendRetiresNothing(t *testing.T) {
	p, link, _, _ := newTestPrinter(t, func(o *PrinterOptions) { o.LineNumbers = true })
	require.NoError(t, p.HandleLine("start"))
	require.NoError(t, p.HandleLine("ok"))
	require.NoError(t, p.HandleLine("ok T:25.00 /0.00 B:25.00 /0.00"))
	require.Equal(t, printer_link.ConnConnected, p.State().ConnectionStatus)

	for i := 1; i <= 6; i++ {
		require.NoError(t, p.SendGcode("G1 X"+strconv.Itoa(i)))
	}
	require.Equal(t, 5, inFlight(p))
	sent := len(link.Sent())

	// N2 arrives corrupted; N3..N6 are already on the wire behind it.
	require.NoError(t, p.HandleLine("Error:checksum mismatch, Last Line: 1"))
	require.NoError(t, p.HandleLine("Resend: 2"))
	require.NoError(t, p.HandleLine("ok"))
	require.Equal(t, 5, inFlight(p))
	require.Len(t, link.Sent(), sent+5)
	require.Equal(t, pacer.Frame(6, "G1 X5"), link.last())

	for i := 0; i < 4; i++ {
		require.NoError(t, p.HandleLine("Error:Line Number is not Last Line Number+1, Last Line: 1"))
		require.NoError(t, p.HandleLine("Resend: 2"))
		require.NoError(t, p.HandleLine("ok"))
	}
	require.Equal(t, 5, inFlight(p))
	require.Len(t, link.Sent(), sent+5, "stale rejections do not replay the tail again")

	// The retransmitted lines are accepted in order.
	require.NoError(t, p.HandleLine("ok"))
	require.Equal(t, pacer.Frame(7, "G1 X6"), link.last())
	for i := 0; i < 4; i++ {
		require.NoError(t, p.HandleLine("ok"))
	}
	require.Equal(t, 1, inFlight(p))

	// A fresh rejection of the same line is honored again.
	require.NoError(t, p.HandleLine("Resend: 7"))
	require.Equal(t, pacer.Frame(7, "G1 X6"), link.last())
	require.NoError(t, p.HandleLine("ok"))
	require.Equal(t, 1, inFlight(p))
	require.NoError(t, p.HandleLine("ok"))
	require.Zero(t, inFlight(p))
}

func TestPrinter_AckTimeoutIsLinkFailure(t *testing.T) {
	p, _, _, fc := newTestPrinter(t, nil)
	handshake(t, p)

	require.NoError(t, p.SetTemperature(0, 200))
	fc.Advance(11 * time.Second)

	err := p.tick()
	require.ErrorIs(t, err, pacer.ErrFirmwareTimeout)
	require.ErrorIs(t, err, transport.ErrLink)
}

func TestPrinter_BusyExtendsAckTimer(t *testing.T) {
	p, _, _, fc := newTestPrinter(t, nil)
	handshake(t, p)

	require.NoError(t, p.SendGcode("G28"))
	fc.Advance(8 * time.Second)
	require.NoError(t, p.HandleLine("echo:busy: processing"))
	fc.Advance(8 * time.Second)
	require.NoError(t, p.tick())

	fc.Advance(3 * time.Second)
	require.ErrorIs(t, p.tick(), pacer.ErrFirmwareTimeout)
}

func TestPrinter_HeatingFollowsTargets(t *testing.T) {
	p, link, _, _ := newTestPrinter(t, nil)
	handshake(t, p)

	require.NoError(t, p.SetTemperature(0, 200))
	require.Equal(t, "M104 T0 S200", link.last())
	st := p.State()
	require.Equal(t, printer_link.PrintHeating, st.PrintStatus)
	require.InDelta(t, 200.0, *st.Tools[0].Target, 1e-9)

	require.NoError(t, p.HandleLine("ok"))
	require.NoError(t, p.HandleLine("T:150.00 /200.00 B:25.00 /0.00"))
	require.Equal(t, printer_link.PrintHeating, p.State().PrintStatus)

	require.NoError(t, p.HandleLine("T:199.10 /200.00 B:25.00 /0.00"))
	require.Equal(t, printer_link.PrintIdle, p.State().PrintStatus)

	require.NoError(t, p.SetTemperature(BedHeater, 60))
	require.Equal(t, "M140 S60", link.last())
	require.Equal(t, printer_link.PrintHeating, p.State().PrintStatus)
}

func TestPrinter_SetTemperatureValidation(t *testing.T) {
	idle := NewPrinterService(testOptions(clockwork.NewFakeClock()), nil, &recordingHub{}, nil, nil)
	require.ErrorIs(t, idle.SetTemperature(0, 200), ErrNotReady)

	p, _, _, _ := newTestPrinter(t, nil)
	handshake(t, p)

	cases := []struct {
		heater int
		target float64
	}{
		{heater: 1, target: 200},
		{heater: 0, target: MaxHotendC + 1},
		{heater: 0, target: -5},
		{heater: BedHeater, target: MaxBedC + 1},
		{heater: -2, target: 50},
	}
	for _, tc := range cases {
		require.ErrorIs(t, p.SetTemperature(tc.heater, tc.target), ErrInvalidRequest, "heater %d target %v", tc.heater, tc.target)
	}
}

func TestPrinter_FirmwareErrorUntilReset(t *testing.T) {
	p, link, h, _ := newTestPrinter(t, nil)
	handshake(t, p)

	require.NoError(t, p.HandleLine("Error:MINTEMP triggered, system stopped!"))
	st := p.State()
	require.Equal(t, printer_link.PrintError, st.PrintStatus)
	require.Equal(t, "MINTEMP triggered, system stopped!", *st.LastError)
	require.ErrorIs(t, p.SetTemperature(0, 100), ErrNotReady)
	require.ErrorIs(t, p.Home(HomeAxes{}), ErrNotReady)
	require.Contains(t, h.logs, "MINTEMP triggered, system stopped!")

	require.NoError(t, p.Reset())
	sent := link.Sent()
	require.Equal(t, []string{"M999", "M105"}, sent[len(sent)-2:])
	st = p.State()
	require.Equal(t, printer_link.PrintIdle, st.PrintStatus)
	require.Nil(t, st.LastError)

	// Reset outside the error state changes nothing.
	v := p.State().Version
	require.NoError(t, p.Reset())
	require.Equal(t, v, p.State().Version)
}

func TestPrinter_EmergencyStopBypassesWindow(t *testing.T) {
	p, link, _, _ := newTestPrinter(t, nil)
	handshake(t, p)

	require.NoError(t, p.SetTemperature(0, 210))
	require.NoError(t, p.SetTemperature(BedHeater, 60))
	require.NoError(t, p.SendGcode("M112 ; panic"))

	require.Equal(t, "M112", link.last())
	require.Zero(t, inFlight(p))
	st := p.State()
	require.Equal(t, printer_link.PrintError, st.PrintStatus)
	require.Zero(t, *st.Tools[0].Target)
	require.Zero(t, *st.Bed.Target)
}

func TestPrinter_ErrorStateOutlastsSilence(t *testing.T) {
	p, link, _, fc := newTestPrinter(t, nil)
	handshake(t, p)

	require.NoError(t, p.EmergencyStop())
	require.False(t, link.watchingSilence())

	// A halted board says nothing and nothing is polled.
	fc.Advance(31 * time.Second)
	require.NoError(t, p.tick())
	st := p.State()
	require.Equal(t, printer_link.ConnConnected, st.ConnectionStatus)
	require.Equal(t, printer_link.PrintError, st.PrintStatus)
	require.Equal(t, "emergency stop", *st.LastError)

	require.NoError(t, p.Reset())
	require.True(t, link.watchingSilence())

	require.NoError(t, p.HandleLine("ok"))
	require.NoError(t, p.HandleLine("Error:Printer halted. kill() called!"))
	require.False(t, link.watchingSilence())
	require.NoError(t, p.HandleLine("start"))
	require.True(t, link.watchingSilence())
}

func TestPrinter_MotionCommands(t *testing.T) {
	p, link, _, _ := newTestPrinter(t, func(o *PrinterOptions) { o.BufferCapacity = 8 })
	handshake(t, p)

	require.NoError(t, p.Home(HomeAxes{X: true, Y: true}))
	x, z := 10.5, 0.2
	require.NoError(t, p.Move(MoveParams{X: &x, Z: &z, Relative: true, Feedrate: 3000}))
	require.Equal(t, []string{"G28 X0 Y0", "M114", "G91", "G1 X10.5 Z0.2 F3000", "G90", "M114"}, link.Sent()[1:])

	require.ErrorIs(t, p.Move(MoveParams{}), ErrInvalidRequest)
	require.ErrorIs(t, p.SendGcode("G1 X1\nG1 X2"), ErrInvalidRequest)
	require.ErrorIs(t, p.SendGcode("   ; only a comment"), ErrInvalidRequest)
}

func TestPrinter_PositionAndLogs(t *testing.T) {
	p, _, h, _ := newTestPrinter(t, nil)
	handshake(t, p)

	require.NoError(t, p.HandleLine("X:10.00 Y:20.00 Z:0.30 E:1.50 Count X:800 Y:1600 Z:120"))
	require.Equal(t, &printer_link.Position{X: 10, Y: 20, Z: 0.3, E: 1.5}, p.State().Position)

	require.NoError(t, p.HandleLine("echo:SD card ok"))
	require.NoError(t, p.HandleLine("\x00\xffgarbage"))
	require.NoError(t, p.HandleLine(""))
	require.Contains(t, h.logs, "SD card ok")
	require.Len(t, h.logs, 2)
}

func TestPrinter_PollsTemperatureOnce(t *testing.T) {
	p, link, _, fc := newTestPrinter(t, nil)
	handshake(t, p)
	n := len(link.Sent())

	fc.Advance(time.Second)
	require.NoError(t, p.tick())
	require.Len(t, link.Sent(), n)

	fc.Advance(time.Second)
	require.NoError(t, p.tick())
	require.Equal(t, "M105", link.last())

	fc.Advance(3 * time.Second)
	require.NoError(t, p.tick())
	require.Len(t, link.Sent(), n+1, "poll must not stack while one is outstanding")
}

func TestPrinter_FirmwareRestartRepeatsHandshake(t *testing.T) {
	p, link, _, _ := newTestPrinter(t, nil)
	handshake(t, p)
	require.NoError(t, p.SetTemperature(0, 180))

	require.NoError(t, p.HandleLine("start"))
	require.Equal(t, printer_link.ConnConnecting, p.State().ConnectionStatus)
	require.Equal(t, "M105", link.last())
	require.Equal(t, 1, inFlight(p))

	require.NoError(t, p.HandleLine("ok T:30.0 /0.0 B:25.0 /0.0"))
	require.Equal(t, printer_link.ConnConnected, p.State().ConnectionStatus)
}

func TestPrinter_DetachForgetsLiveState(t *testing.T) {
	p, _, _, _ := newTestPrinter(t, nil)
	handshake(t, p)
	require.NoError(t, p.HandleLine("X:1.00 Y:2.00 Z:3.00 E:0.00"))

	p.detach(errors.New("device unplugged"))
	st := p.State()
	require.Equal(t, printer_link.ConnDisconnected, st.ConnectionStatus)
	require.Equal(t, "device unplugged", *st.LastError)
	require.Nil(t, st.Tools[0].Current)
	require.Nil(t, st.Position)
	require.ErrorIs(t, p.RequestPosition(), ErrNotReady)
	require.ErrorIs(t, p.EmergencyStop(), ErrNotReady)

	// Lines arriving after the link is gone are ignored.
	require.NoError(t, p.HandleLine("ok"))
}

func TestPrinter_VersionsStrictlyIncrease(t *testing.T) {
	p, _, h, _ := newTestPrinter(t, nil)
	handshake(t, p)
	require.NoError(t, p.SetTemperature(0, 200))
	require.NoError(t, p.HandleLine("ok T:100.0 /200.0 B:25.0 /0.0"))
	require.NoError(t, p.HandleLine("Error:Thermal Runaway"))
	require.NoError(t, p.Reset())
	p.detach(transport.ErrLink)

	vs := h.versions()
	require.Greater(t, len(vs), 5)
	for i := 1; i < len(vs); i++ {
		require.Greater(t, vs[i], vs[i-1])
	}
	require.Equal(t, vs[len(vs)-1], p.State().Version)
}

func TestPrinter_RunReconnectsWithBackoff(t *testing.T) {
	fc := clockwork.NewFakeClock()
	link := newFakeLink()

	var (
		mu    sync.Mutex
		calls int
	)
	connect := func(context.Context) (Link, error) {
		mu.Lock()
		defer mu.Unlock()
		calls++
		if calls == 1 {
			return nil, errors.New("no such device")
		}
		return link, nil
	}

	p := NewPrinterService(testOptions(fc), connect, &recordingHub{}, nil, logger.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- p.Run(ctx) }()

	fc.BlockUntil(1)
	require.Equal(t, "no such device", *p.State().LastError)
	fc.Advance(time.Second)

	require.Eventually(t, func() bool {
		return p.State().ConnectionStatus == printer_link.ConnConnecting
	}, time.Second, time.Millisecond)

	link.lines <- "start"
	link.lines <- "ok T:25.0 /0.0 B:25.0 /0.0"
	require.Eventually(t, func() bool {
		return p.State().ConnectionStatus == printer_link.ConnConnected
	}, time.Second, time.Millisecond)

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancel")
	}
	require.Equal(t, printer_link.ConnDisconnected, p.State().ConnectionStatus)
	mu.Lock()
	require.Equal(t, 2, calls)
	mu.Unlock()
}
