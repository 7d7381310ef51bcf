package model

import (
	"encoding/json"
	"time"
)

// Handle state constants.
const (
	StateIdle       = "idle"
	StateBusy       = "busy"
	StateTerminated = "terminated"
)

// Call outcome constants.
const (
	OutcomePending   = "pending"
	OutcomeSucceeded = "succeeded"
	OutcomeFailed    = "failed"
	OutcomeAbandoned = "abandoned"
	OutcomeOrphaned  = "orphaned"
)

// Transport kind constants.
const (
	TransportInProcess = "inproc"
	TransportProcess   = "process"
	TransportUnix      = "unix"
	TransportVsock     = "vsock"
)

// validTransitions maps each state to the set of states it may move to.
// Terminated is final.
var validTransitions = map[string]map[string]bool{
	StateIdle: {
		StateBusy:       true,
		StateTerminated: true,
	},
	StateBusy: {
		StateIdle:       true,
		StateTerminated: true,
	},
}

// ValidTransition reports whether a handle may move from one state to another.
func ValidTransition(from, to string) bool {
	targets, ok := validTransitions[from]
	if !ok {
		return false
	}
	return targets[to]
}

// Terminal reports whether no transition leaves the given call outcome.
func Terminal(outcome string) bool {
	return outcome != OutcomePending
}

// HandleRecord is the persisted view of a worker handle.
type HandleRecord struct {
	ID           string     `json:"id"`
	Locator      string     `json:"locator"`
	Transport    string     `json:"transport"`
	State        string     `json:"state"`
	Calls        int        `json:"calls"`
	CreatedAt    time.Time  `json:"created_at"`
	TerminatedAt *time.Time `json:"terminated_at,omitempty"`
}

// CallRecord is one request/response exchange on a handle.
type CallRecord struct {
	ID         string          `json:"id"`
	HandleID   string          `json:"handle_id"`
	Outcome    string          `json:"outcome"`
	Input      json.RawMessage `json:"input,omitempty"`
	Output     json.RawMessage `json:"output,omitempty"`
	Error      string          `json:"error,omitempty"`
	DurationMS *int            `json:"duration_ms,omitempty"`
	StartedAt  time.Time       `json:"started_at"`
	FinishedAt *time.Time      `json:"finished_at,omitempty"`
}
