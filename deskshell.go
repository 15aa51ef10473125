package deskshell

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	cfg "github.com/loykin/deskshell/internal/config"
	"github.com/loykin/deskshell/internal/launcher"
	"github.com/loykin/deskshell/internal/metrics"
	"github.com/loykin/deskshell/internal/portreclaim"
	iapi "github.com/loykin/deskshell/internal/server"
	"github.com/loykin/deskshell/internal/supervisor"
	"github.com/prometheus/client_golang/prometheus"
)

// Re-export core types for external consumers.
// These are aliases so conversions are zero-cost.

type Config = cfg.Config

type LauncherConfig = launcher.Config

type Launcher = launcher.Launcher

type Options = supervisor.Options

type State = supervisor.State

type Attempt = supervisor.Attempt

type StartupError = supervisor.StartupError

const (
	ModeSource   = launcher.ModeSource
	ModePackaged = launcher.ModePackaged
)

var (
	ErrSpawn            = supervisor.ErrSpawn
	ErrRetriesExhausted = supervisor.ErrRetriesExhausted
	ErrStopped          = supervisor.ErrStopped
)

// Shell is a thin facade over internal/supervisor wired with real port
// reclamation.
type Shell struct{ inner *supervisor.Supervisor }

// New builds a Shell that starts the backend resolved by l.
func New(l Launcher, opts Options) *Shell {
	return &Shell{inner: supervisor.New(l, portreclaim.New(opts.Logger), opts)}
}

// NewLauncher returns the strategy selected by c.Mode.
func NewLauncher(c LauncherConfig) (Launcher, error) { return launcher.New(c) }

// NewFromConfig wires a Shell from a loaded configuration.
func NewFromConfig(c *Config, log *slog.Logger) (*Shell, error) {
	l, err := launcher.New(c.Launcher)
	if err != nil {
		return nil, err
	}
	e, err := c.BackendEnv(supervisor.DefaultPort)
	if err != nil {
		return nil, err
	}
	return New(l, Options{Env: e, Logger: log, OutputLog: c.Log}), nil
}

func (s *Shell) Start(ctx context.Context) error { return s.inner.Start(ctx) }
func (s *Shell) Stop()                           { s.inner.Stop() }
func (s *Shell) Ready() <-chan struct{}          { return s.inner.Ready() }
func (s *Shell) State() State                    { return s.inner.State() }
func (s *Shell) PID() int                        { return s.inner.PID() }
func (s *Shell) Port() int                       { return s.inner.Port() }
func (s *Shell) Attempts() []Attempt             { return s.inner.Attempts() }

func LoadConfig(path string) (*Config, error) {
	return cfg.Load(path)
}

// NewBackendHandler returns the counter backend's gin handler for embedding.
func NewBackendHandler(basePath string, log *slog.Logger) http.Handler {
	return iapi.NewRouter(basePath, log).Handler()
}

// RunBackend binds addr, prints the readiness line and serves h until ctx ends.
func RunBackend(ctx context.Context, addr string, h http.Handler, log *slog.Logger) error {
	return iapi.Run(ctx, addr, h, log)
}

// Metrics helpers (public facade)

func RegisterMetrics(r prometheus.Registerer) error { return metrics.Register(r) }
func RegisterMetricsDefault() error                 { return metrics.Register(prometheus.DefaultRegisterer) }

// NewMetricsServer returns a server exposing /metrics from the default registry.
func NewMetricsServer(addr string) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	return &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadTimeout:       10 * time.Second,
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
}
