package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"
)

// ReadyMessage is logged once the listener is bound. The shell's supervisor
// waits for it.
const ReadyMessage = "Application startup complete."

// DefaultAddr is the fixed loopback address the shell expects.
const DefaultAddr = "127.0.0.1:8000"

// announceReady writes ReadyMessage straight to the handler so a raised log
// level cannot suppress it.
func announceReady(log *slog.Logger) {
	r := slog.NewRecord(time.Now(), slog.LevelInfo, ReadyMessage, 0)
	_ = log.Handler().Handle(context.Background(), r)
}

// Run binds addr, announces readiness and serves h until ctx is done. A bind
// failure is returned immediately so the caller can exit non-zero.
func Run(ctx context.Context, addr string, h http.Handler, log *slog.Logger) error {
	if log == nil {
		log = slog.Default()
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("error while attempting to bind on address %s: %w", addr, err)
	}
	srv := &http.Server{
		Handler:           h,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(ln) }()

	log.Info("backend running", "url", "http://"+ln.Addr().String())
	announceReady(log)

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	log.Info("shutting down")
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	return nil
}
