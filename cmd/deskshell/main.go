package main

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
)

func main() {
	root := buildRoot(newCommand())
	if err := root.Execute(); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// buildRoot creates the root command and its subcommands.
func buildRoot(c *command) *cobra.Command {
	globalFlags := &GlobalFlags{}
	runFlags := &RunFlags{}
	counterFlags := &CounterFlags{}

	root := createRootCommand(globalFlags)
	root.AddCommand(
		createRunCommand(c, globalFlags, runFlags),
		createCounterCommand(c, counterFlags),
	)
	return root
}

// createRootCommand creates the root command with minimal persistent flags
func createRootCommand(flags *GlobalFlags) *cobra.Command {
	root := &cobra.Command{
		Use:   "deskshell",
		Short: "Desktop shell that supervises a local HTTP backend",
		Long: `Deskshell launches the bundled backend process, waits until it reports
readiness, and terminates it when the shell exits.

Examples:
  deskshell run                                   # packaged backend next to the binary
  deskshell run --mode=source --script=backend/main.py
  deskshell counter increment`,
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVar(&flags.ConfigPath, "config", "", "path to config file (toml, yaml or json; optional)")
	return root
}

// createRunCommand creates the run subcommand
func createRunCommand(c *command, globalFlags *GlobalFlags, runFlags *RunFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Start the backend and keep it alive until interrupted",
		Long: `Start the backend, wait for its readiness line and its health endpoint,
then block until SIGINT or SIGTERM. The backend is terminated on every exit path.

Examples:
  deskshell run --metrics-listen=127.0.0.1:9100
  deskshell run --mode=source --interpreter=python3 --script=main.py`,
		RunE: func(cmd *cobra.Command, args []string) error {
			f := *runFlags
			f.ConfigPath = globalFlags.ConfigPath
			return c.Run(cmd.Context(), f)
		},
	}
	cmd.Flags().StringVar(&runFlags.Mode, "mode", "", "launcher mode: packaged or source")
	cmd.Flags().StringVar(&runFlags.ResourceDir, "resource-dir", "", "directory holding the packaged backend")
	cmd.Flags().StringVar(&runFlags.Interpreter, "interpreter", "", "interpreter for source mode")
	cmd.Flags().StringVar(&runFlags.Script, "script", "", "backend entry point for source mode")
	cmd.Flags().StringVar(&runFlags.LogLevel, "log-level", "", "log level: debug, info, warn, error")
	cmd.Flags().StringVar(&runFlags.MetricsListen, "metrics-listen", "", "serve prometheus metrics on this address")
	cmd.Flags().BoolVar(&runFlags.ExitAfterReady, "exit-after-ready", false, "stop the backend and exit once it is reachable")
	return cmd
}

// createCounterCommand creates the counter subcommand group
func createCounterCommand(c *command, flags *CounterFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "counter",
		Short: "Talk to a running backend's counter",
		Long: `Query or change the counter of a running backend.

Examples:
  deskshell counter get
  deskshell counter increment --api-url=http://127.0.0.1:8000`,
	}
	cmd.PersistentFlags().StringVar(&flags.APIUrl, "api-url", "", "backend URL (default http://127.0.0.1:8000)")
	cmd.PersistentFlags().DurationVar(&flags.APITimeout, "api-timeout", 5*time.Second, "request timeout")

	for _, op := range []string{"get", "increment", "reset"} {
		op := op
		cmd.AddCommand(&cobra.Command{
			Use:   op,
			Short: op + " the counter",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				return c.Counter(cmd.Context(), cmd.OutOrStdout(), op, *flags)
			},
		})
	}
	return cmd
}
