package transport

import (
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"strings"
	"time"

	"go.bug.st/serial"
)

// Port is the byte stream to the firmware. Read returns (0, nil) when the
// read timeout elapses without data, the way serial ports do.
type Port interface {
	io.ReadWriteCloser
	SetReadTimeout(t time.Duration) error
}

// Opener opens device at the given baud rate.
type Opener func(device string, baud int) (Port, error)

// OpenSerial opens a local tty as 8N1.
func OpenSerial(device string, baud int) (Port, error) {
	p, err := serial.Open(device, &serial.Mode{
		BaudRate: baud,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	})
	if err != nil {
		return nil, describeOpenError(device, err)
	}
	return p, nil
}

// ListPorts enumerates serial devices present on the host.
func ListPorts() ([]string, error) {
	ports, err := serial.GetPortsList()
	if err != nil {
		return nil, fmt.Errorf("enumerate serial ports: %w", err)
	}
	return ports, nil
}

func describeOpenError(device string, err error) error {
	var portErr *serial.PortError
	if errors.As(err, &portErr) {
		switch portErr.Code() {
		case serial.PortNotFound:
			return fmt.Errorf("%s not found: %w", device, err)
		case serial.PortBusy:
			return fmt.Errorf("%s is busy: %w", device, err)
		case serial.PermissionDenied:
			return fmt.Errorf("no permission to open %s: %w", device, err)
		case serial.InvalidSpeed:
			return fmt.Errorf("baud rate rejected by %s: %w", device, err)
		}
	}
	return fmt.Errorf("open %s: %w", device, err)
}

// OpenTCP connects to a network serial bridge (ser2net, esp3d) given as
// tcp://host:port.
func OpenTCP(device string, _ int) (Port, error) {
	addr := strings.TrimPrefix(device, "tcp://")
	conn, err := net.DialTimeout("tcp", addr, 5*time.Second)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", addr, err)
	}
	return &tcpPort{conn: conn}, nil
}

type tcpPort struct {
	conn        net.Conn
	readTimeout time.Duration
}

func (p *tcpPort) SetReadTimeout(t time.Duration) error {
	p.readTimeout = t
	return nil
}

func (p *tcpPort) Read(b []byte) (int, error) {
	if p.readTimeout > 0 {
		if err := p.conn.SetReadDeadline(time.Now().Add(p.readTimeout)); err != nil {
			return 0, err
		}
	}
	n, err := p.conn.Read(b)
	if err != nil && errors.Is(err, os.ErrDeadlineExceeded) {
		return n, nil
	}
	return n, err
}

func (p *tcpPort) Write(b []byte) (int, error) { return p.conn.Write(b) }

func (p *tcpPort) Close() error { return p.conn.Close() }
