package service

import "time"

// BedHeater selects the heated bed in SetTemperature.
const BedHeater = -1

// HomeAxes selects axes for G28. No axis set homes all of them.
type HomeAxes struct {
	X, Y, Z bool
}

// MoveParams describes a single G1 move. Nil axes are left alone.
type MoveParams struct {
	X, Y, Z  *float64
	Relative bool
	Feedrate float64 // mm/min, 0 keeps the firmware's current feedrate
}

// StartOptions tunes JobController.Start.
type StartOptions struct {
	// FromBeginning ignores a failed run of the same file and starts at line 1.
	FromBeginning bool
}

// LogFilter selects printer events by time range, type and print job.
type LogFilter struct {
	From  time.Time // inclusive; zero means no lower bound
	To    time.Time // inclusive; zero means no upper bound
	Type  string    // one type or a comma-separated list, "" for all
	JobID string    // only events of this print job
	Limit int       // keep the newest Limit events, 0 for all
}
