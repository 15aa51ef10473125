package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/loykin/deskshell"
	"github.com/loykin/deskshell/internal/config"
	"github.com/loykin/deskshell/internal/launcher"
	"github.com/loykin/deskshell/internal/metrics"
	"github.com/loykin/deskshell/pkg/client"
)

// shell is the part of *deskshell.Shell the run command drives.
type shell interface {
	Start(ctx context.Context) error
	Stop()
	Port() int
	PID() int
}

type command struct {
	newShell func(c *config.Config, log *slog.Logger) (shell, error)
	console  io.Writer
	signals  []os.Signal
}

func newCommand() *command {
	return &command{
		newShell: func(c *config.Config, log *slog.Logger) (shell, error) {
			return deskshell.NewFromConfig(c, log)
		},
		console: os.Stderr,
		signals: []os.Signal{os.Interrupt, syscall.SIGTERM},
	}
}

// loadConfig reads the config file and applies flag overrides.
func loadConfig(f RunFlags) (*config.Config, error) {
	conf, err := config.Load(f.ConfigPath)
	if err != nil {
		return nil, err
	}
	if f.Mode != "" {
		conf.Launcher.Mode = launcher.Mode(f.Mode)
	}
	if f.ResourceDir != "" {
		conf.Launcher.ResourceDir = f.ResourceDir
	}
	if f.Interpreter != "" {
		conf.Launcher.Interpreter = f.Interpreter
	}
	if f.Script != "" {
		conf.Launcher.Script = f.Script
	}
	if f.LogLevel != "" {
		conf.Log.Level = f.LogLevel
	}
	if f.MetricsListen != "" {
		conf.Metrics.Listen = f.MetricsListen
	}
	if err := conf.Validate(); err != nil {
		return nil, err
	}
	return conf, nil
}

// Run starts the backend, waits for the UI health check and blocks until a
// termination signal arrives. Stop is called on every return path.
func (c *command) Run(ctx context.Context, f RunFlags) error {
	conf, err := loadConfig(f)
	if err != nil {
		return err
	}
	log, closer, err := conf.Log.New(c.console)
	if err != nil {
		return fmt.Errorf("logger: %w", err)
	}
	defer func() { _ = closer.Close() }()

	sh, err := c.newShell(conf, log)
	if err != nil {
		return err
	}
	defer sh.Stop()

	ctx, stop := signal.NotifyContext(ctx, c.signals...)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)
	if conf.Metrics.Listen != "" {
		if err := deskshell.RegisterMetricsDefault(); err != nil {
			return fmt.Errorf("register metrics: %w", err)
		}
		srv := deskshell.NewMetricsServer(conf.Metrics.Listen)
		g.Go(func() error {
			log.Info("metrics listening", "addr", conf.Metrics.Listen)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("metrics server: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			sctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			return srv.Shutdown(sctx)
		})
		g.Go(func() error {
			metrics.RunSampler(gctx, conf.Metrics.SampleInterval, sh.PID)
			return nil
		})
	}

	g.Go(func() error {
		if err := sh.Start(gctx); err != nil {
			return err
		}
		cc := client.ForPort(sh.Port())
		cc.Logger = log
		cl := client.New(cc)
		if err := cl.WaitReady(gctx, conf.UI.HealthAttempts, conf.UI.HealthInterval); err != nil {
			return err
		}
		log.Info("backend reachable", "url", cl.BaseURL())
		if f.ExitAfterReady {
			return errExitRequested
		}
		<-gctx.Done()
		return nil
	})

	err = g.Wait()
	switch {
	case errors.Is(err, errExitRequested):
		return nil
	case errors.Is(err, context.Canceled) && ctx.Err() != nil:
		log.Info("shutting down")
		return nil
	}
	return err
}

// errExitRequested unwinds the errgroup when --exit-after-ready is set.
var errExitRequested = errors.New("exit requested")

// Counter performs one counter operation against a running backend.
func (c *command) Counter(ctx context.Context, out io.Writer, op string, f CounterFlags) error {
	cl := client.New(client.Config{BaseURL: f.APIUrl, Timeout: f.APITimeout})
	var (
		res client.Counter
		err error
	)
	switch op {
	case "get":
		res, err = cl.Get(ctx)
	case "increment":
		res, err = cl.Increment(ctx)
	case "reset":
		res, err = cl.Reset(ctx)
	default:
		return fmt.Errorf("unknown counter operation %q", op)
	}
	if err != nil {
		return err
	}
	printJSON(out, res)
	return nil
}
