// Command deskshell-backend is the bundled counter backend. It binds
// 127.0.0.1 on the port given by DESKSHELL_BACKEND_PORT (8000 by default)
// and exits non-zero when the port cannot be bound.
package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/gin-gonic/gin"

	"github.com/loykin/deskshell/internal/env"
	"github.com/loykin/deskshell/internal/logger"
	"github.com/loykin/deskshell/internal/server"
)

func main() {
	if err := run(); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, "ERROR:", err)
		os.Exit(1)
	}
}

func run() error {
	lc := logger.DefaultConfig()
	lc.Color = false
	lc.Level = os.Getenv("DESKSHELL_BACKEND_LOG_LEVEL")
	log, closer, err := lc.New(os.Stdout)
	if err != nil {
		return err
	}
	defer func() { _ = closer.Close() }()

	gin.SetMode(gin.ReleaseMode)
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	return server.Run(ctx, listenAddr(os.Getenv(env.PortKey)), server.NewRouter("", log).Handler(), log)
}

// listenAddr returns the loopback address for port, or the default when port
// is empty or invalid.
func listenAddr(port string) string {
	n, err := strconv.Atoi(port)
	if err != nil || n <= 0 || n > 65535 {
		return server.DefaultAddr
	}
	return net.JoinHostPort("127.0.0.1", strconv.Itoa(n))
}
