package process

import (
	"errors"
	"io"
	"os/exec"
	"sync"
	"time"
)

// WaitDelay bounds how long Wait keeps copying output after the child exits,
// for grandchildren that inherited the pipes.
const WaitDelay = 500 * time.Millisecond

var (
	ErrAlreadyStarted = errors.New("process: already started")
	ErrNotStarted     = errors.New("process: not started")
)

// Process is a single spawned child. It is started once and never reused;
// callers create a new Process for every launch.
type Process struct {
	spec   Spec
	mu     sync.Mutex
	cmd    *exec.Cmd
	status Status
	done   chan struct{} // closed once Wait has returned
}

func New(spec Spec) *Process {
	return &Process{spec: spec, done: make(chan struct{})}
}

func (p *Process) Spec() Spec { return p.spec }

// Start launches the child with the given environment. Output is copied into
// stdout and stderr; nil discards the stream.
func (p *Process) Start(env []string, stdout, stderr io.Writer) error {
	if err := p.spec.Validate(); err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.cmd != nil {
		return ErrAlreadyStarted
	}
	cmd := p.spec.BuildCommand()
	if len(env) > 0 {
		cmd.Env = env
	}
	cmd.Stdout = stdout
	cmd.Stderr = stderr
	cmd.WaitDelay = WaitDelay
	if err := cmd.Start(); err != nil {
		return err
	}
	p.cmd = cmd
	p.status = Status{
		Name:      p.spec.Name,
		Running:   true,
		PID:       cmd.Process.Pid,
		StartedAt: time.Now(),
		ExitCode:  -1,
	}
	return nil
}

// Wait blocks until the child exits and its output has been copied. Only one
// goroutine may call Wait; others use Done.
func (p *Process) Wait() error {
	p.mu.Lock()
	cmd := p.cmd
	p.mu.Unlock()
	if cmd == nil {
		return ErrNotStarted
	}
	err := cmd.Wait()
	p.markExited(cmd, err)
	close(p.done)
	return err
}

func (p *Process) markExited(cmd *exec.Cmd, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.status.Running = false
	p.status.StoppedAt = time.Now()
	p.status.ExitErr = err
	if cmd.ProcessState != nil {
		p.status.ExitCode = cmd.ProcessState.ExitCode()
	}
}

// Done is closed after Wait returns.
func (p *Process) Done() <-chan struct{} { return p.done }

// Exited reports whether Wait has returned.
func (p *Process) Exited() bool {
	select {
	case <-p.done:
		return true
	default:
		return false
	}
}

func (p *Process) PID() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.status.PID
}

// Snapshot returns a copy of the current status.
func (p *Process) Snapshot() Status {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.status
}

// Terminate asks the child (and its process group) to exit. It does not wait.
func (p *Process) Terminate() error {
	return p.signal(terminateGroup)
}

// Kill forcefully stops the child (and its process group). It does not wait.
func (p *Process) Kill() error {
	return p.signal(killGroup)
}

func (p *Process) signal(fn func(pid int) error) error {
	pid := p.PID()
	if pid <= 0 {
		return ErrNotStarted
	}
	if p.Exited() {
		return nil
	}
	return fn(pid)
}
