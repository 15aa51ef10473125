// Package supervisor owns the single backend child process: it frees the
// backend port, spawns the backend, waits for its readiness line on stdout or
// stderr, retries failed attempts and terminates the child on shutdown.
package supervisor

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/loykin/deskshell/internal/env"
	"github.com/loykin/deskshell/internal/launcher"
	"github.com/loykin/deskshell/internal/logger"
	"github.com/loykin/deskshell/internal/metrics"
	"github.com/loykin/deskshell/internal/process"
)

const (
	DefaultPort         = 8000
	MaxRetries          = 3
	DefaultReadyTimeout = 10 * time.Second
	DefaultRetryDelay   = 2 * time.Second

	// ReadyMarker is logged by the backend once its listener accepts
	// connections. Uvicorn prints the same line.
	ReadyMarker = "Application startup complete"

	stderrTailLimit = 8 << 10
	maxLineBytes    = 1 << 20
)

// portBusyMarkers identify bind failures in backend output (lowercase).
var portBusyMarkers = []string{
	"address already in use",
	"only one usage of each socket address",
}

// PortReclaimer frees the backend port before each spawn.
type PortReclaimer interface {
	Ensure(ctx context.Context, port int) error
}

// Options tunes the supervisor. Zero values select the defaults above; the
// shell does not expose these, tests shorten them.
type Options struct {
	Port         int
	MaxRetries   int
	ReadyTimeout time.Duration
	RetryDelay   time.Duration
	ReadyMarker  string
	Env          *env.Env      // defaults to env.ForBackend(Port)
	Logger       *slog.Logger  // defaults to slog.Default()
	OutputLog    logger.Config // optional rotated files for backend output
}

func (o Options) withDefaults() Options {
	if o.Port <= 0 {
		o.Port = DefaultPort
	}
	if o.MaxRetries <= 0 {
		o.MaxRetries = MaxRetries
	}
	if o.ReadyTimeout <= 0 {
		o.ReadyTimeout = DefaultReadyTimeout
	}
	if o.RetryDelay < 0 {
		o.RetryDelay = 0
	} else if o.RetryDelay == 0 {
		o.RetryDelay = DefaultRetryDelay
	}
	if o.ReadyMarker == "" {
		o.ReadyMarker = ReadyMarker
	}
	if o.Env == nil {
		o.Env = env.ForBackend(o.Port)
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	return o
}

// Supervisor manages exactly one backend child process.
type Supervisor struct {
	launcher launcher.Launcher
	ports    PortReclaimer
	opts     Options
	log      *slog.Logger

	// terminate signals the child on Stop; replaced in tests.
	terminate func(*process.Process) error

	mu       sync.Mutex
	proc     *process.Process
	state    State
	started  bool
	stopping bool
	attempts []Attempt
	ready    chan struct{}
}

// New constructs a supervisor. l is the executable strategy chosen by the
// shell and ports is usually a *portreclaim.Reclaimer.
func New(l launcher.Launcher, ports PortReclaimer, opts Options) *Supervisor {
	opts = opts.withDefaults()
	return &Supervisor{
		launcher:  l,
		ports:     ports,
		opts:      opts,
		log:       opts.Logger.With("component", "supervisor"),
		terminate: (*process.Process).Terminate,
		state:     StateNotStarted,
		ready:     make(chan struct{}),
	}
}

// Port returns the backend port.
func (s *Supervisor) Port() int { return s.opts.Port }

// Ready is closed once the backend reported readiness.
func (s *Supervisor) Ready() <-chan struct{} { return s.ready }

// State returns the current state.
func (s *Supervisor) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// PID returns the pid of the supervised process, or 0.
func (s *Supervisor) PID() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.proc == nil {
		return 0
	}
	return s.proc.PID()
}

// Attempts returns a copy of the attempt history.
func (s *Supervisor) Attempts() []Attempt {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Attempt(nil), s.attempts...)
}

// Start runs the startup sequence and blocks until the backend is ready or
// startup failed. It is meant to be called once per application lifetime.
func (s *Supervisor) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return ErrAlreadyStarted
	}
	s.started = true
	s.mu.Unlock()

	begin := time.Now()
	for n := 0; ; n++ {
		if n > 0 {
			s.log.Info("retrying backend start", "attempt", n, "delay", s.opts.RetryDelay)
			if err := sleepCtx(ctx, s.opts.RetryDelay); err != nil {
				return s.abort(err)
			}
		}
		if s.isStopping() {
			return ErrStopped
		}
		if err := s.ports.Ensure(ctx, s.opts.Port); err != nil {
			return s.abort(err)
		}
		s.setState(StateAttempting)

		att := s.runAttempt(ctx, n)
		s.recordAttempt(att)

		switch {
		case att.Outcome == OutcomeSucceeded:
			close(s.ready)
			metrics.IncReady()
			metrics.ObserveStartup(time.Since(begin).Seconds())
			s.log.Info("backend ready", "attempt", n, "pid", att.PID, "port", s.opts.Port, "elapsed", time.Since(begin).Round(time.Millisecond))
			return nil
		case ctx.Err() != nil:
			return s.abort(ctx.Err())
		case s.isStopping():
			return ErrStopped
		case errors.Is(att.Err, ErrSpawn):
			metrics.IncAttemptFailure("spawn")
			return s.fail(&StartupError{Attempts: n + 1, Stderr: att.Stderr, Err: att.Err})
		}

		if att.TimedOut {
			metrics.IncAttemptFailure("timeout")
		} else {
			metrics.IncAttemptFailure("exit")
		}
		s.log.Warn("backend attempt failed", "attempt", n, "error", att.Err, "timed_out", att.TimedOut)
		if n+1 >= s.opts.MaxRetries {
			return s.fail(&StartupError{
				Attempts: n + 1,
				Stderr:   att.Stderr,
				Err:      fmt.Errorf("%w: %w", ErrRetriesExhausted, att.Err),
			})
		}
	}
}

// runAttempt spawns the backend once and waits for readiness, exit, the
// readiness timeout or cancellation. On any outcome other than success the
// child has exited when runAttempt returns.
func (s *Supervisor) runAttempt(ctx context.Context, n int) Attempt {
	att := Attempt{Index: n, Outcome: OutcomePending, StartedAt: time.Now()}
	log := s.log.With("attempt", n)
	metrics.IncAttempt()

	spec, err := s.launcher.Resolve()
	if err != nil {
		return att.failed(fmt.Errorf("%w: %w", ErrSpawn, err), "")
	}

	outR, outW := io.Pipe()
	errR, errW := io.Pipe()
	mirrorOut, mirrorErr, err := s.opts.OutputLog.ProcessWriters(spec.Name)
	if err != nil {
		log.Warn("backend output log unavailable", "error", err)
	}

	p := process.New(spec)
	if err := p.Start(s.opts.Env.Merge(spec.Env), outW, errW); err != nil {
		_ = outW.Close()
		_ = errW.Close()
		closeWriters(mirrorOut, mirrorErr)
		return att.failed(fmt.Errorf("%w: %s: %w", ErrSpawn, spec, err), "")
	}
	att.PID = p.PID()
	log.Info("backend spawned", "pid", att.PID, "command", spec.String())
	s.setProc(p)

	sig := newReadySignal()
	tail := newTailBuffer(stderrTailLimit)
	var g errgroup.Group
	g.Go(func() error { return s.watch(outR, "stdout", sig, nil, mirrorOut) })
	g.Go(func() error { return s.watch(errR, "stderr", sig, tail, mirrorErr) })

	exited := make(chan error, 1)
	go func() {
		werr := p.Wait()
		_ = outW.Close()
		_ = errW.Close()
		if gerr := g.Wait(); gerr != nil {
			log.Debug("output watcher stopped", "error", gerr)
		}
		closeWriters(mirrorOut, mirrorErr)
		exited <- werr
	}()

	timer := time.NewTimer(s.opts.ReadyTimeout)
	defer timer.Stop()
	timeout := timer.C
	for {
		select {
		case <-sig.done():
			return s.succeeded(att, p, exited)

		case werr := <-exited:
			if sig.fired() {
				// ready and exit raced; readiness wins, the exit is reported
				return s.succeeded(att, p, closedWith(werr))
			}
			s.clearProc(p)
			if werr == nil {
				werr = errors.New("exited without readiness")
			}
			return att.failed(werr, tail.String())

		case <-timeout:
			timeout = nil
			att.TimedOut = true
			log.Warn("backend not ready in time, killing", "pid", att.PID, "timeout", s.opts.ReadyTimeout)
			if err := p.Kill(); err != nil {
				log.Debug("kill stalled backend failed", "error", err)
			}

		case <-ctx.Done():
			_ = p.Kill()
			werr := <-exited
			s.clearProc(p)
			return att.failed(fmt.Errorf("%w (exit: %v)", ctx.Err(), werr), tail.String())
		}
	}
}

// succeeded marks the attempt ready before handing p to awaitExit, so an
// early exit is always observed as a transition out of StateReady.
func (s *Supervisor) succeeded(att Attempt, p *process.Process, exited <-chan error) Attempt {
	att.Outcome = OutcomeSucceeded
	att.EndedAt = time.Now()
	s.setState(StateReady)
	go s.awaitExit(p, exited)
	return att
}

// watch scans one output stream. Lines are logged, mirrored and, until
// readiness, matched against the readiness marker. Lines longer than
// maxLineBytes are truncated; scanning continues with the next line.
func (s *Supervisor) watch(r io.Reader, stream string, sig *readySignal, tail io.Writer, mirror io.Writer) error {
	log := s.log.With("stream", stream)
	br := bufio.NewReaderSize(r, 64<<10)
	var line []byte
	truncated := false
	for {
		frag, more, err := br.ReadLine()
		if err != nil {
			if len(line) > 0 {
				s.handleLine(log, string(line), sig, tail, mirror)
			}
			if errors.Is(err, io.EOF) {
				return nil
			}
			// keep the pipe drained so the child never blocks on a full buffer
			_, _ = io.Copy(io.Discard, r)
			return err
		}
		if room := maxLineBytes - len(line); room > 0 {
			if len(frag) > room {
				frag = frag[:room]
				truncated = true
			}
			line = append(line, frag...)
		} else if len(frag) > 0 {
			truncated = true
		}
		if more {
			continue
		}
		if truncated {
			log.Debug("backend output line truncated", "limit", maxLineBytes)
		}
		s.handleLine(log, string(line), sig, tail, mirror)
		line = line[:0]
		truncated = false
	}
}

func (s *Supervisor) handleLine(log *slog.Logger, line string, sig *readySignal, tail io.Writer, mirror io.Writer) {
	if mirror != nil {
		_, _ = io.WriteString(mirror, line+"\n")
	}
	if tail != nil {
		_, _ = io.WriteString(tail, line+"\n")
	}
	log.Debug("backend output", "line", line)
	if isPortBusy(line) {
		log.Warn("backend reports port already in use", "port", s.opts.Port)
	}
	if !sig.fired() && strings.Contains(line, s.opts.ReadyMarker) && sig.fire() {
		log.Info("readiness marker observed")
	}
}

// awaitExit reports a backend that dies after readiness.
func (s *Supervisor) awaitExit(p *process.Process, exited <-chan error) {
	err := <-exited
	s.mu.Lock()
	current := s.proc == p
	if current {
		s.proc = nil
		if s.state == StateReady {
			s.state = StateExited
		}
	}
	st := s.state
	s.mu.Unlock()
	if current {
		metrics.SetState(string(st), allStates)
		s.log.Warn("backend exited", "pid", p.PID(), "error", err)
	}
}

// Stop terminates the supervised process, if any, and clears the handle. It
// does not wait for the child to exit and is safe to call at any time.
func (s *Supervisor) Stop() {
	s.mu.Lock()
	p := s.proc
	s.proc = nil
	s.stopping = true
	if s.started {
		s.state = StateStopped
	}
	st := s.state
	s.mu.Unlock()
	metrics.SetState(string(st), allStates)

	if p == nil {
		return
	}
	if err := s.terminate(p); err != nil {
		s.log.Debug("terminate backend failed", "pid", p.PID(), "error", err)
		return
	}
	s.log.Info("backend terminated", "pid", p.PID())
}

func (s *Supervisor) setProc(p *process.Process) {
	s.mu.Lock()
	stopping := s.stopping
	if !stopping {
		s.proc = p
	}
	s.mu.Unlock()
	if stopping {
		_ = p.Kill()
	}
}

func (s *Supervisor) clearProc(p *process.Process) {
	s.mu.Lock()
	if s.proc == p {
		s.proc = nil
	}
	s.mu.Unlock()
}

func (s *Supervisor) isStopping() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stopping
}

func (s *Supervisor) setState(st State) {
	s.mu.Lock()
	if s.stopping {
		st = StateStopped
	}
	s.state = st
	s.mu.Unlock()
	metrics.SetState(string(st), allStates)
}

func (s *Supervisor) recordAttempt(a Attempt) {
	s.mu.Lock()
	s.attempts = append(s.attempts, a)
	s.mu.Unlock()
}

func (s *Supervisor) fail(err *StartupError) error {
	s.setState(StateFailed)
	s.log.Error("backend failed to start", "attempts", err.Attempts, "error", err.Err)
	return err
}

func (s *Supervisor) abort(err error) error {
	s.Stop()
	return err
}

func (a Attempt) failed(err error, stderr string) Attempt {
	a.Outcome = OutcomeFailed
	a.Err = err
	a.Stderr = stderr
	a.EndedAt = time.Now()
	return a
}

func isPortBusy(line string) bool {
	l := strings.ToLower(line)
	for _, m := range portBusyMarkers {
		if strings.Contains(l, m) {
			return true
		}
	}
	return false
}

func closedWith(err error) <-chan error {
	ch := make(chan error, 1)
	ch <- err
	return ch
}

func closeWriters(ws ...io.WriteCloser) {
	for _, w := range ws {
		if w != nil {
			_ = w.Close()
		}
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
