package supervisor

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrSpawn wraps launcher resolution and process start failures.
	ErrSpawn = errors.New("backend spawn failed")
	// ErrRetriesExhausted is returned when every attempt ended without readiness.
	ErrRetriesExhausted = errors.New("backend retry budget exhausted")
	// ErrAlreadyStarted is returned by a second Start call.
	ErrAlreadyStarted = errors.New("supervisor already started")
	// ErrStopped is returned when Stop interrupts startup.
	ErrStopped = errors.New("supervisor stopped during startup")
)

// StartupError is the terminal startup failure. It carries the number of
// attempts made and the captured stderr tail of the last attempt.
type StartupError struct {
	Attempts int
	Stderr   string
	Err      error
}

func (e *StartupError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "backend failed to start after %d attempt(s): %v", e.Attempts, e.Err)
	if s := strings.TrimSpace(e.Stderr); s != "" {
		b.WriteString("\nstderr:\n")
		b.WriteString(s)
	}
	return b.String()
}

func (e *StartupError) Unwrap() error { return e.Err }
