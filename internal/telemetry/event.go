// Package telemetry classifies lines received from printer firmware.
package telemetry

// Event is one classified firmware line. Use a type switch over the
// concrete types below.
type Event interface {
	event()
}

// Ack is a plain "ok": the oldest in-flight command was consumed.
type Ack struct{}

// Busy is a keepalive sent while the firmware is working on a long command.
type Busy struct{}

// Resend asks the host to transmit the command with sequence number Seq again.
type Resend struct {
	Seq uint64
}

// FirmwareError is an "Error:" line. Recoverable errors (line number or
// checksum mismatch) are always followed by a Resend and do not halt the
// printer, so unlike every other firmware error they never put the printer
// in the error state; the Resend repairs the stream.
type FirmwareError struct {
	Message     string
	Recoverable bool
}

// Reading is one heater reading. Nil fields are unknown.
type Reading struct {
	Current *float64
	Target  *float64
}

// TemperatureReport carries every heater token found on the line. Ack is set
// when the report rode on an "ok".
type TemperatureReport struct {
	Ack   bool
	Tools map[int]Reading
	Bed   *Reading
}

// PositionReport is the answer to M114.
type PositionReport struct {
	X, Y, Z, E float64
}

// Echo is an informational "echo:" line.
type Echo struct {
	Text string
}

// FirmwareStart is printed when the controller boots. Anything in flight
// before it is lost.
type FirmwareStart struct{}

// Unrecognized is a line that could not be classified. It never aborts
// processing.
type Unrecognized struct {
	Raw    string
	Reason string
}

func (Ack) event()               {}
func (Busy) event()              {}
func (Resend) event()            {}
func (FirmwareError) event()     {}
func (TemperatureReport) event() {}
func (PositionReport) event()    {}
func (Echo) event()              {}
func (FirmwareStart) event()     {}
func (Unrecognized) event()      {}
