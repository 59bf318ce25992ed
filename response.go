package printer_link

import "time"

// ConnectionStatus is the lifecycle of the serial link as seen by observers.
type ConnectionStatus string

const (
	ConnDisconnected ConnectionStatus = "disconnected"
	ConnConnecting   ConnectionStatus = "connecting"
	ConnConnected    ConnectionStatus = "connected"
)

// PrintStatus is the printer substate while connected.
type PrintStatus string

const (
	PrintIdle     PrintStatus = "idle"
	PrintHeating  PrintStatus = "heating"
	PrintPrinting PrintStatus = "printing"
	PrintPaused   PrintStatus = "paused"
	PrintError    PrintStatus = "error"
)

// JobStatus is the lifecycle of a single print job.
type JobStatus string

const (
	JobIdle      JobStatus = "idle"
	JobRunning   JobStatus = "running"
	JobPaused    JobStatus = "paused"
	JobCancelled JobStatus = "cancelled"
	JobCompleted JobStatus = "completed"
	JobFailed    JobStatus = "failed"
)

// Temperature is one heater reading. A nil field means unknown.
type Temperature struct {
	Current *float64 `json:"current"`
	Target  *float64 `json:"target"`
}

// Position is the last reported toolhead position in mm.
type Position struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
	Z float64 `json:"z"`
	E float64 `json:"e"`
}

// JobView is the observer-facing part of the active or last print job.
type JobView struct {
	ID         string    `json:"id"`
	File       string    `json:"file"`
	Progress   float64   `json:"progress"`   // 0..1
	Line       int       `json:"line"`       // last acknowledged file line
	TotalLines int       `json:"totalLines"` // printable lines in the file
	Status     JobStatus `json:"status"`
}

// Snapshot is the authoritative printer state pushed to observers.
// A published snapshot is never mutated.
type Snapshot struct {
	Version          uint64           `json:"version"`
	ConnectionStatus ConnectionStatus `json:"connectionStatus"`
	PrintStatus      PrintStatus      `json:"printStatus"`
	Tools            []Temperature    `json:"tools"`
	Bed              Temperature      `json:"bed"`
	Position         *Position        `json:"position"`
	Job              *JobView         `json:"job"`
	LastError        *string          `json:"lastError"`
	UpdatedAt        time.Time        `json:"updatedAt"`
}

// LogLine is a human-readable message fanned out to observers.
type LogLine struct {
	Level string    `json:"level"`
	Msg   string    `json:"msg"`
	At    time.Time `json:"at"`
}

// GcodeFile describes a printable file in the gcode directory.
type GcodeFile struct {
	Path       string    `json:"path"`
	Size       int64     `json:"size"`
	ModifiedAt time.Time `json:"modifiedAt"`
}
