package cli

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

const defaultDaemonURL = "http://localhost:4305"

// Exit codes used when a command fails before or around the user's command
const (
	ExitConflictingFlags   = 3
	ExitNotFound           = 4
	ExitDaemonGone         = 5
	ExitDaemonUnreachable  = 10
	ExitInterruptedWaiting = 130
)

var (
	daemonURL string
)

// ExitError carries a process exit status out of a command.
// Err may be nil when the status alone is enough (a child's exit code).
type ExitError struct {
	Code int
	Err  error
}

func (e *ExitError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("exit status %d", e.Code)
	}
	return e.Err.Error()
}

func (e *ExitError) Unwrap() error {
	return e.Err
}

var rootCmd = &cobra.Command{
	Use:   "taskflow",
	Short: "Taskflow - queue commands until memory and GPU are free",
	Long: `Taskflow runs shell commands once the local machine has the memory and GPU
memory they declare.

Commands are submitted to the taskflowd daemon, which admits them one at a time
in priority order as resources free up.`,
	Version:       "0.1.0",
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute runs the CLI and returns the process exit code
func Execute() int {
	err := rootCmd.Execute()
	if err == nil {
		return 0
	}

	var exitErr *ExitError
	if errors.As(err, &exitErr) {
		if exitErr.Err != nil {
			fmt.Fprintln(os.Stderr, exitErr.Err)
		}
		return exitErr.Code
	}

	fmt.Fprintf(os.Stderr, "Error: %v\n", err)
	return 1
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(&daemonURL, "daemon", defaultDaemonURL, "taskflowd API URL")
}

func initConfig() {
	if envURL := os.Getenv("TASKFLOW_DAEMON_URL"); envURL != "" && daemonURL == defaultDaemonURL {
		daemonURL = envURL
	}
}

// GetDaemonURL returns the configured daemon URL
func GetDaemonURL() string {
	return daemonURL
}
