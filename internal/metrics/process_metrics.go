package metrics

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/shirou/gopsutil/v4/process"
)

var (
	cpuPercent = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "deskshell",
			Subsystem: "backend",
			Name:      "cpu_percent",
			Help:      "CPU usage percentage of the backend process.",
		},
	)
	memoryRSS = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "deskshell",
			Subsystem: "backend",
			Name:      "memory_rss_bytes",
			Help:      "Resident memory of the backend process.",
		},
	)
	numThreads = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "deskshell",
			Subsystem: "backend",
			Name:      "num_threads",
			Help:      "Thread count of the backend process.",
		},
	)
)

// ProcessSample is one resource reading of the backend.
type ProcessSample struct {
	PID        int32     `json:"pid"`
	CPUPercent float64   `json:"cpu_percent"`
	MemoryRSS  uint64    `json:"memory_rss"`
	NumThreads int32     `json:"num_threads"`
	Timestamp  time.Time `json:"timestamp"`
}

// Sampler reads resource usage of one backend process. It keeps the gopsutil
// handle while the pid is unchanged so CPU percent covers the interval since
// the previous sample rather than the whole process lifetime.
type Sampler struct {
	pid  int32
	proc *process.Process
}

// Sample reads CPU and memory usage for pid. The first sample of a pid
// reports 0% CPU.
func (s *Sampler) Sample(ctx context.Context, pid int32) (ProcessSample, error) {
	if s.proc == nil || s.pid != pid {
		proc, err := process.NewProcessWithContext(ctx, pid)
		if err != nil {
			s.Reset()
			return ProcessSample{}, fmt.Errorf("failed to create process handle: %w", err)
		}
		s.pid, s.proc = pid, proc
		// prime the CPU baseline
		_, _ = proc.PercentWithContext(ctx, 0)
	}
	mem, err := s.proc.MemoryInfoWithContext(ctx)
	if err != nil {
		s.Reset()
		return ProcessSample{}, fmt.Errorf("failed to get memory info: %w", err)
	}
	out := ProcessSample{PID: pid, MemoryRSS: mem.RSS, Timestamp: time.Now()}
	if cpu, err := s.proc.PercentWithContext(ctx, 0); err == nil {
		out.CPUPercent = cpu
	}
	if n, err := s.proc.NumThreadsWithContext(ctx); err == nil {
		out.NumThreads = n
	}
	return out, nil
}

// Reset drops the cached handle.
func (s *Sampler) Reset() { s.pid, s.proc = 0, nil }

// SampleProcess takes a one-off reading for pid.
func SampleProcess(ctx context.Context, pid int32) (ProcessSample, error) {
	var s Sampler
	return s.Sample(ctx, pid)
}

// RunSampler updates the backend resource gauges every interval until ctx is
// done. pid returns 0 while no backend is running; the gauges are reset then.
func RunSampler(ctx context.Context, interval time.Duration, pid func() int) {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	var sampler Sampler
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
		}
		p := pid()
		if p <= 0 {
			sampler.Reset()
			setSample(ProcessSample{})
			continue
		}
		s, err := sampler.Sample(ctx, int32(p))
		if err != nil {
			slog.Debug("backend sample failed", "pid", p, "error", err)
			continue
		}
		setSample(s)
	}
}

func setSample(s ProcessSample) {
	if !regOK.Load() {
		return
	}
	cpuPercent.Set(s.CPUPercent)
	memoryRSS.Set(float64(s.MemoryRSS))
	numThreads.Set(float64(s.NumThreads))
}
