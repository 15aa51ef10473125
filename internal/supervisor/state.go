package supervisor

import "time"

// State of the startup state machine.
type State string

const (
	StateNotStarted State = "not_started"
	StateAttempting State = "attempting"
	StateReady      State = "ready"
	StateFailed     State = "failed"
	StateExited     State = "exited" // backend died after it was ready
	StateStopped    State = "stopped"
)

var allStates = []string{
	string(StateNotStarted), string(StateAttempting), string(StateReady),
	string(StateFailed), string(StateExited), string(StateStopped),
}

// Outcome of one attempt.
type Outcome string

const (
	OutcomePending   Outcome = "pending"
	OutcomeSucceeded Outcome = "succeeded"
	OutcomeFailed    Outcome = "failed"
)

// Attempt describes one spawn-and-wait cycle.
type Attempt struct {
	Index     int       `json:"index"`
	PID       int       `json:"pid,omitempty"`
	Outcome   Outcome   `json:"outcome"`
	TimedOut  bool      `json:"timed_out,omitempty"`
	Stderr    string    `json:"stderr,omitempty"`
	Err       error     `json:"-"`
	StartedAt time.Time `json:"started_at"`
	EndedAt   time.Time `json:"ended_at,omitempty"`
}
