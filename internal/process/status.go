package process

import "time"

// Status is a point-in-time copy of a Process.
type Status struct {
	Name      string    `json:"name"`
	Running   bool      `json:"running"`
	PID       int       `json:"pid"`
	StartedAt time.Time `json:"started_at"`
	StoppedAt time.Time `json:"stopped_at"`
	ExitCode  int       `json:"exit_code"` // -1 while running or when killed by a signal
	ExitErr   error     `json:"exit_error,omitempty"`
}
