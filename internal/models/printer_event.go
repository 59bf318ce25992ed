package models

import "time"

// Event types recorded in the printer log.
const (
	EventConnected     = "CONNECTED"
	EventDisconnected  = "DISCONNECTED"
	EventStateChange   = "STATE_CHANGE"
	EventJobStarted    = "JOB_STARTED"
	EventJobPaused     = "JOB_PAUSED"
	EventJobResumed    = "JOB_RESUMED"
	EventJobCompleted  = "JOB_COMPLETED"
	EventJobCancelled  = "JOB_CANCELLED"
	EventJobFailed     = "JOB_FAILED"
	EventFirmwareError = "FIRMWARE_ERROR"
	EventEmergencyStop = "EMERGENCY_STOP"
)

// KnownEventType reports whether t is one of the recorded event types.
func KnownEventType(t string) bool {
	switch t {
	case EventConnected, EventDisconnected, EventStateChange,
		EventJobStarted, EventJobPaused, EventJobResumed, EventJobCompleted,
		EventJobCancelled, EventJobFailed, EventFirmwareError, EventEmergencyStop:
		return true
	}
	return false
}

// PrinterEvent is a single log entry.
type PrinterEvent struct {
	EventID     string    `json:"event_id"`
	OccurredAt  time.Time `json:"occurred_at"`
	Type        string    `json:"type"`
	Description string    `json:"description"`
	Metadata    any       `json:"metadata,omitempty"`
}
