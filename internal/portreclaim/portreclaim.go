// Package portreclaim frees a TCP port by killing whatever process listens on
// it. Lookup and kill are best effort: a port that cannot be freed surfaces
// later as a backend bind failure, which the supervisor already retries.
package portreclaim

import (
	"context"
	"log/slog"
	"os"
	"sort"
	"time"

	"github.com/loykin/deskshell/internal/metrics"
	gopsnet "github.com/shirou/gopsutil/v4/net"
	gopsproc "github.com/shirou/gopsutil/v4/process"
)

// DefaultGrace is how long Ensure waits after killing listeners so the OS can
// release the socket.
const DefaultGrace = 500 * time.Millisecond

const statusListen = "LISTEN"

// Lister returns the PIDs of processes listening on a TCP port.
type Lister interface {
	Listeners(ctx context.Context, port int) ([]int32, error)
}

// Killer forcefully terminates a process.
type Killer interface {
	Kill(ctx context.Context, pid int32) error
}

// Reclaimer implements port reclamation.
type Reclaimer struct {
	Lister Lister
	Killer Killer
	Grace  time.Duration
	Logger *slog.Logger

	sleep func(ctx context.Context, d time.Duration)
}

// New returns a Reclaimer backed by the host socket table.
func New(logger *slog.Logger) *Reclaimer {
	return &Reclaimer{Lister: SocketLister{}, Killer: ProcessKiller{}, Grace: DefaultGrace, Logger: logger}
}

// Ensure kills every process listening on port, then waits the grace period.
// With no listener it returns immediately. It never fails on lookup or kill
// errors; only context cancellation is returned.
func (r *Reclaimer) Ensure(ctx context.Context, port int) error {
	log := r.logger().With("port", port)
	pids, err := r.Lister.Listeners(ctx, port)
	if err != nil {
		log.Warn("port lookup failed", "error", err)
		return ctx.Err()
	}
	if len(pids) == 0 {
		log.Debug("port is free")
		return nil
	}
	for _, pid := range pids {
		if err := r.Killer.Kill(ctx, pid); err != nil {
			log.Debug("kill listener failed", "pid", pid, "error", err)
			continue
		}
		metrics.IncPortKill()
		log.Info("killed stale listener", "pid", pid)
	}
	grace := r.Grace
	if grace <= 0 {
		grace = DefaultGrace
	}
	r.wait(ctx, grace)
	return ctx.Err()
}

func (r *Reclaimer) wait(ctx context.Context, d time.Duration) {
	if r.sleep != nil {
		r.sleep(ctx, d)
		return
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
	case <-ctx.Done():
	}
}

func (r *Reclaimer) logger() *slog.Logger {
	if r.Logger == nil {
		return slog.Default()
	}
	return r.Logger
}

// SocketLister reads the host connection table through gopsutil: socket
// owners on Unix-like systems, the TCP table on Windows.
type SocketLister struct{}

func (SocketLister) Listeners(ctx context.Context, port int) ([]int32, error) {
	conns, err := gopsnet.ConnectionsWithContext(ctx, "tcp")
	if err != nil {
		return nil, err
	}
	return listenersOn(conns, port), nil
}

// listenersOn filters conns to distinct owning PIDs listening on port,
// excluding PID 0 (unknown owner) and the current process.
func listenersOn(conns []gopsnet.ConnectionStat, port int) []int32 {
	self := int32(os.Getpid())
	seen := make(map[int32]struct{})
	for _, c := range conns {
		if c.Status != statusListen || c.Laddr.Port != uint32(port) {
			continue
		}
		if c.Pid <= 0 || c.Pid == self {
			continue
		}
		seen[c.Pid] = struct{}{}
	}
	out := make([]int32, 0, len(seen))
	for pid := range seen {
		out = append(out, pid)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// ProcessKiller sends SIGKILL (TerminateProcess on Windows) through gopsutil.
type ProcessKiller struct{}

func (ProcessKiller) Kill(ctx context.Context, pid int32) error {
	p, err := gopsproc.NewProcessWithContext(ctx, pid)
	if err != nil {
		return err
	}
	return p.KillWithContext(ctx)
}
