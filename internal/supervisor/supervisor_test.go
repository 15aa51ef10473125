package supervisor

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/loykin/deskshell/internal/launcher"
	"github.com/loykin/deskshell/internal/logger"
	"github.com/loykin/deskshell/internal/process"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const marker = `echo "INFO:     Application startup complete."`

func requireUnix(t *testing.T) {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("tests require sh/sleep on Unix-like systems")
	}
}

// eventLog records reclaim and spawn calls in order.
type eventLog struct {
	mu     sync.Mutex
	events []string
}

func (e *eventLog) add(ev string) {
	e.mu.Lock()
	e.events = append(e.events, ev)
	e.mu.Unlock()
}

func (e *eventLog) list() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]string(nil), e.events...)
}

func (e *eventLog) count(ev string) int {
	n := 0
	for _, x := range e.list() {
		if x == ev {
			n++
		}
	}
	return n
}

type fakeReclaimer struct{ log *eventLog }

func (f fakeReclaimer) Ensure(ctx context.Context, _ int) error {
	f.log.add("reclaim")
	return ctx.Err()
}

// scripts returns a launcher that runs ss[i] on attempt i; the last script
// repeats.
func scripts(log *eventLog, ss ...string) launcher.Func {
	var n atomic.Int32
	return func() (process.Spec, error) {
		i := int(n.Add(1)) - 1
		if i >= len(ss) {
			i = len(ss) - 1
		}
		log.add("spawn")
		return process.Spec{Name: "backend", Path: "/bin/sh", Args: []string{"-c", ss[i]}}, nil
	}
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestSupervisor(t *testing.T, l launcher.Launcher, log *eventLog, opts Options) *Supervisor {
	t.Helper()
	if opts.ReadyTimeout == 0 {
		opts.ReadyTimeout = 3 * time.Second
	}
	if opts.RetryDelay == 0 {
		opts.RetryDelay = 20 * time.Millisecond
	}
	opts.Logger = quietLogger()
	s := New(l, fakeReclaimer{log: log}, opts)
	t.Cleanup(s.Stop)
	return s
}

func TestStartReadyOnStdout(t *testing.T) {
	requireUnix(t)
	log := &eventLog{}
	s := newTestSupervisor(t, scripts(log, "echo booting; sleep 0.2; "+marker+"; exec sleep 30"), log, Options{})

	start := time.Now()
	require.NoError(t, s.Start(context.Background()))
	assert.Less(t, time.Since(start), 2*time.Second)

	assert.Equal(t, StateReady, s.State())
	assert.Greater(t, s.PID(), 0)
	assert.Equal(t, []string{"reclaim", "spawn"}, log.list(), "no retries")
	atts := s.Attempts()
	require.Len(t, atts, 1)
	assert.Equal(t, OutcomeSucceeded, atts[0].Outcome)
	select {
	case <-s.Ready():
	default:
		t.Fatal("Ready channel not closed")
	}
}

func TestStartReadyOnStderr(t *testing.T) {
	requireUnix(t)
	log := &eventLog{}
	s := newTestSupervisor(t, scripts(log, marker+" 1>&2; exec sleep 30"), log, Options{})

	require.NoError(t, s.Start(context.Background()))
	assert.Equal(t, StateReady, s.State())
	assert.Len(t, s.Attempts(), 1)
}

func TestStartReadyOnBothStreamsResolvesOnce(t *testing.T) {
	requireUnix(t)
	log := &eventLog{}
	s := newTestSupervisor(t, scripts(log, marker+"; "+marker+" 1>&2; "+marker+"; exec sleep 30"), log, Options{})

	require.NoError(t, s.Start(context.Background()))
	// output after readiness keeps flowing without side effects
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, StateReady, s.State())
	assert.Len(t, s.Attempts(), 1)
	assert.ErrorIs(t, s.Start(context.Background()), ErrAlreadyStarted)
}

func TestReadyAfterOverlongLine(t *testing.T) {
	requireUnix(t)
	log := &eventLog{}
	long := "head -c 1100000 /dev/zero | tr '\\0' a; echo; "
	for _, redirect := range []string{"", " 1>&2"} {
		s := newTestSupervisor(t, scripts(log, "("+long+marker+")"+redirect+"; exec sleep 30"), log, Options{MaxRetries: 1})
		require.NoError(t, s.Start(context.Background()), "redirect %q", redirect)
		assert.Equal(t, StateReady, s.State())
		s.Stop()
	}
}

func TestWatchTruncatesOverlongLines(t *testing.T) {
	s := New(launcher.Func(nil), fakeReclaimer{log: &eventLog{}}, Options{Logger: quietLogger()})
	tail := newTailBuffer(64)
	sig := newReadySignal()
	input := strings.Repeat("x", maxLineBytes+10) + "\nnext line\nINFO: Application startup complete.\npartial"

	require.NoError(t, s.watch(strings.NewReader(input), "stderr", sig, tail, nil))
	assert.True(t, sig.fired())
	assert.True(t, strings.HasSuffix(tail.String(), "next line\nINFO: Application startup complete.\npartial\n"))
}

func TestRetryAfterPrematureExit(t *testing.T) {
	requireUnix(t)
	log := &eventLog{}
	busy := `echo "ERROR:    [Errno 98] error while attempting to bind on address ('127.0.0.1', 8000): address already in use" 1>&2; exit 1`
	s := newTestSupervisor(t, scripts(log, busy, marker+"; exec sleep 30"), log, Options{RetryDelay: 150 * time.Millisecond})

	start := time.Now()
	require.NoError(t, s.Start(context.Background()))
	assert.GreaterOrEqual(t, time.Since(start), 150*time.Millisecond, "retry delay elapsed")

	assert.Equal(t, []string{"reclaim", "spawn", "reclaim", "spawn"}, log.list())
	atts := s.Attempts()
	require.Len(t, atts, 2)
	assert.Equal(t, 0, atts[0].Index)
	assert.Equal(t, OutcomeFailed, atts[0].Outcome)
	assert.False(t, atts[0].TimedOut)
	assert.Contains(t, atts[0].Stderr, "address already in use")
	assert.Equal(t, 1, atts[1].Index)
	assert.Equal(t, OutcomeSucceeded, atts[1].Outcome)
}

func TestRetriesExhausted(t *testing.T) {
	requireUnix(t)
	log := &eventLog{}
	s := newTestSupervisor(t, scripts(log, "echo boom 1>&2; exit 1"), log, Options{})

	err := s.Start(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrRetriesExhausted)

	var se *StartupError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, MaxRetries, se.Attempts)
	assert.Contains(t, se.Stderr, "boom")
	assert.Contains(t, err.Error(), "after 3 attempt(s)")

	assert.Equal(t, MaxRetries, log.count("reclaim"), "one reclamation per attempt")
	assert.Equal(t, MaxRetries, log.count("spawn"))
	assert.Equal(t, StateFailed, s.State())
	assert.Zero(t, s.PID())
}

func TestCleanExitWithoutReadinessIsRetried(t *testing.T) {
	requireUnix(t)
	log := &eventLog{}
	s := newTestSupervisor(t, scripts(log, "exit 0", marker+"; exec sleep 30"), log, Options{})

	require.NoError(t, s.Start(context.Background()))
	assert.Equal(t, 2, log.count("spawn"))
}

func TestStallTimeoutKillsAndRetries(t *testing.T) {
	requireUnix(t)
	log := &eventLog{}
	s := newTestSupervisor(t, scripts(log, "exec sleep 30", marker+"; exec sleep 30"), log, Options{ReadyTimeout: 200 * time.Millisecond})

	require.NoError(t, s.Start(context.Background()))
	atts := s.Attempts()
	require.Len(t, atts, 2)
	assert.True(t, atts[0].TimedOut)
	assert.Equal(t, OutcomeFailed, atts[0].Outcome)
	assert.False(t, processAlive(atts[0].PID), "stalled attempt must be killed")
	assert.Equal(t, []string{"reclaim", "spawn", "reclaim", "spawn"}, log.list())
}

func TestFinalAttemptStallIsKilled(t *testing.T) {
	requireUnix(t)
	log := &eventLog{}
	s := newTestSupervisor(t, scripts(log, "exec sleep 30"), log, Options{ReadyTimeout: 150 * time.Millisecond, MaxRetries: 2})

	done := make(chan error, 1)
	go func() { done <- s.Start(context.Background()) }()
	select {
	case err := <-done:
		var se *StartupError
		require.ErrorAs(t, err, &se)
		assert.Equal(t, 2, se.Attempts)
		assert.ErrorIs(t, err, ErrRetriesExhausted)
	case <-time.After(5 * time.Second):
		t.Fatal("hung final attempt stalled startup")
	}
	for _, a := range s.Attempts() {
		assert.True(t, a.TimedOut)
	}
}

func TestSpawnFailureFailsWithoutRetry(t *testing.T) {
	log := &eventLog{}
	missing := launcher.Func(func() (process.Spec, error) {
		log.add("spawn")
		return process.Spec{Path: filepath.Join(t.TempDir(), "no-such-backend")}, nil
	})
	s := newTestSupervisor(t, missing, log, Options{})

	err := s.Start(context.Background())
	assert.ErrorIs(t, err, ErrSpawn)
	var se *StartupError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, 1, se.Attempts)
	assert.Equal(t, []string{"reclaim", "spawn"}, log.list())
	assert.Equal(t, StateFailed, s.State())
}

func TestLauncherErrorIsSpawnFailure(t *testing.T) {
	log := &eventLog{}
	l := launcher.Packaged{ResourceDir: t.TempDir(), Name: "absent"}
	s := newTestSupervisor(t, l, log, Options{})

	err := s.Start(context.Background())
	assert.ErrorIs(t, err, ErrSpawn)
	assert.ErrorIs(t, err, launcher.ErrExecutableMissing)
}

func TestStopWithoutProcessIsNoop(t *testing.T) {
	s := New(scripts(&eventLog{}, "true"), fakeReclaimer{log: &eventLog{}}, Options{Logger: quietLogger()})
	calls := 0
	s.terminate = func(*process.Process) error { calls++; return nil }

	assert.NotPanics(t, s.Stop)
	assert.NotPanics(t, s.Stop)
	assert.Zero(t, calls)
	assert.Zero(t, s.PID())
	assert.Equal(t, StateNotStarted, s.State())
}

func TestStopAfterReadyTerminatesOnce(t *testing.T) {
	requireUnix(t)
	log := &eventLog{}
	s := newTestSupervisor(t, scripts(log, marker+"; exec sleep 30"), log, Options{})
	var calls atomic.Int32
	s.terminate = func(p *process.Process) error {
		calls.Add(1)
		return p.Terminate()
	}

	require.NoError(t, s.Start(context.Background()))
	s.mu.Lock()
	p := s.proc
	s.mu.Unlock()
	require.NotNil(t, p)

	s.Stop()
	s.Stop()
	assert.Equal(t, int32(1), calls.Load())
	assert.Zero(t, s.PID())
	assert.Equal(t, StateStopped, s.State())

	select {
	case <-p.Done():
	case <-time.After(3 * time.Second):
		t.Fatal("backend did not exit after Stop")
	}
}

func TestStopDuringStartupAborts(t *testing.T) {
	requireUnix(t)
	log := &eventLog{}
	s := newTestSupervisor(t, scripts(log, "exec sleep 30"), log, Options{ReadyTimeout: 10 * time.Second})

	go func() {
		time.Sleep(150 * time.Millisecond)
		s.Stop()
	}()
	err := s.Start(context.Background())
	assert.ErrorIs(t, err, ErrStopped)
	assert.Equal(t, 1, log.count("spawn"))
	assert.Equal(t, StateStopped, s.State())
}

func TestContextCancelKillsAttempt(t *testing.T) {
	requireUnix(t)
	log := &eventLog{}
	s := newTestSupervisor(t, scripts(log, "exec sleep 30"), log, Options{ReadyTimeout: 10 * time.Second})

	ctx, cancel := context.WithTimeout(context.Background(), 150*time.Millisecond)
	defer cancel()
	start := time.Now()
	err := s.Start(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), 3*time.Second)
	assert.Zero(t, s.PID())
	atts := s.Attempts()
	require.Len(t, atts, 1)
	assert.False(t, processAlive(atts[0].PID))
}

func TestBackendExitAfterReady(t *testing.T) {
	requireUnix(t)
	log := &eventLog{}
	s := newTestSupervisor(t, scripts(log, marker+"; sleep 0.1; exit 2"), log, Options{})

	require.NoError(t, s.Start(context.Background()))
	require.Eventually(t, func() bool { return s.State() == StateExited }, 3*time.Second, 20*time.Millisecond)
	assert.Zero(t, s.PID())
	assert.Equal(t, 1, log.count("spawn"), "no restart after readiness")
}

func TestBackendOutputMirroredToFiles(t *testing.T) {
	requireUnix(t)
	dir := t.TempDir()
	log := &eventLog{}
	s := newTestSupervisor(t, scripts(log, "echo hello-out; echo hello-err 1>&2; "+marker+"; sleep 0.1"), log, Options{
		OutputLog: logger.Config{File: logger.FileConfig{Dir: dir}},
	})

	require.NoError(t, s.Start(context.Background()))
	require.Eventually(t, func() bool { return s.State() == StateExited }, 3*time.Second, 20*time.Millisecond)

	out, err := os.ReadFile(filepath.Join(dir, "backend.stdout.log"))
	require.NoError(t, err)
	assert.Contains(t, string(out), "hello-out")
	errOut, err := os.ReadFile(filepath.Join(dir, "backend.stderr.log"))
	require.NoError(t, err)
	assert.Contains(t, string(errOut), "hello-err")
}

func TestStartupErrorMessage(t *testing.T) {
	e := &StartupError{Attempts: 3, Stderr: "  trace\n", Err: ErrRetriesExhausted}
	assert.Equal(t, "backend failed to start after 3 attempt(s): backend retry budget exhausted\nstderr:\ntrace", e.Error())
	assert.True(t, errors.Is(e, ErrRetriesExhausted))
	assert.False(t, strings.Contains((&StartupError{Attempts: 1, Err: ErrSpawn}).Error(), "stderr"))
}

func TestOptionsDefaults(t *testing.T) {
	o := Options{}.withDefaults()
	assert.Equal(t, DefaultPort, o.Port)
	assert.Equal(t, MaxRetries, o.MaxRetries)
	assert.Equal(t, DefaultReadyTimeout, o.ReadyTimeout)
	assert.Equal(t, DefaultRetryDelay, o.RetryDelay)
	assert.Equal(t, ReadyMarker, o.ReadyMarker)
	assert.NotNil(t, o.Env)
	assert.NotNil(t, o.Logger)

	assert.Zero(t, Options{RetryDelay: -1}.withDefaults().RetryDelay)
}
