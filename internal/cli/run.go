package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"os/signal"
	"os/user"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/danpasecinic/taskflow/internal/types"
)

const keepAliveInterval = time.Second

var (
	runPriority    string
	runMemory      string
	runDelay       int
	runGPUs        []string
	runOptionsFile string
	runSaveFile    string
)

var runCmd = &cobra.Command{
	Use:   "run CMD",
	Short: "Queue a command and run it once resources are free",
	Long: `Submit a shell command to the daemon and wait for its start signal.

The command runs through "sh -c" in the current directory once the daemon has
enough memory and GPU memory for it. The exit status of the command becomes the
exit status of taskflow.

Examples:
  taskflow run -m 4G "python train.py"
  taskflow run -p high --gpu 0:8G "python train.py --device 0"
  taskflow run --gpu any:2G -s job.yml "python eval.py"
  taskflow run -f job.yml "python eval.py --split test"`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		command := strings.Join(args, " ")

		submission, err := buildSubmission(cmd, command, currentUser())
		if err != nil {
			return err
		}

		if runSaveFile != "" {
			if err := saveOptions(runSaveFile, submission); err != nil {
				return err
			}
		}

		client := NewClient(GetDaemonURL())
		socketURL, err := client.SocketURL()
		if err != nil {
			return err
		}

		signals := make(chan os.Signal, 1)
		signal.Notify(signals, os.Interrupt, syscall.SIGTERM)
		defer signal.Stop(signals)

		code, err := runTask(cmd.Context(), cmd.OutOrStdout(), socketURL, submission, signals)
		if err != nil {
			return err
		}
		if code != 0 {
			return &ExitError{Code: code}
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(runCmd)
	addRunFlags(runCmd)
}

func addRunFlags(cmd *cobra.Command) {
	cmd.Flags().StringVarP(&runPriority, "priority", "p", "100", "task priority (0/low, 100/medium, 200/high)")
	cmd.Flags().StringVarP(&runMemory, "memory", "m", "", "memory usage (e.g. 100M, 2G)")
	cmd.Flags().IntVarP(&runDelay, "delay", "d", 60, "startup time in seconds before the next task may start")
	cmd.Flags().StringArrayVar(&runGPUs, "gpu", []string{}, "GPU memory usage as <gpu-id>:<size>, e.g. 0:1G or any:2G")
	cmd.Flags().StringVarP(&runOptionsFile, "file", "f", "", "load options from a YAML file")
	cmd.Flags().StringVarP(&runSaveFile, "save", "s", "", "save options to a YAML file")
	cmd.Flags().SetInterspersed(false)
}

// runTask submits the task, waits for admission, runs it and reports the
// child's exit status
func runTask(
	ctx context.Context, out io.Writer, socketURL string, submission types.NewTask, signals <-chan os.Signal,
) (int, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	conn, err := Submit(ctx, socketURL, submission)
	if err != nil {
		return 0, submitExitError(err)
	}
	defer func() { _ = conn.Close() }()

	task := conn.Task
	_, _ = fmt.Fprintln(out, "Waiting for start signal...")
	_, _ = fmt.Fprintf(out, "Task id: %s\n", task.ID)
	_, _ = fmt.Fprintln(out, task.Cmd)

	waitErr := make(chan error, 1)
	go func() {
		waitErr <- conn.WaitForStart(
			ctx, func(info types.ClientUpdateInfo) {
				elapsed := time.Duration(types.NowMillis()-task.CreatedAt) * time.Millisecond
				_, _ = fmt.Fprintf(
					out, "\r%s - %d pending, %d running", formatElapsed(elapsed), info.PendingTasksCount,
					info.RunningTasksCount,
				)
			},
		)
	}()

	select {
	case err := <-waitErr:
		_, _ = fmt.Fprintln(out)
		if err != nil {
			return 0, waitExitError(err)
		}
	case <-signals:
		cancel()
		<-waitErr
		_, _ = fmt.Fprintln(out)
		return ExitInterruptedWaiting, nil
	}

	_, _ = fmt.Fprintln(out, "Starting task...")
	code, err := runChild(ctx, out, conn, task.Cmd, signals)
	if err != nil {
		return 0, err
	}

	if err := conn.Finish(); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, "Daemon did not respond")
	}
	return code, nil
}

// runChild spawns the command and forwards termination signals to it
func runChild(
	ctx context.Context, out io.Writer, conn *TaskConn, command string, signals <-chan os.Signal,
) (int, error) {
	child := exec.Command("sh", "-c", command)
	child.Stdin = os.Stdin
	child.Stdout = out
	child.Stderr = os.Stderr
	child.Env = os.Environ()

	if err := child.Start(); err != nil {
		return 0, fmt.Errorf("failed to start command: %w", err)
	}

	if cwd, err := os.Getwd(); err == nil {
		_ = conn.Update(child.Process.Pid, cwd)
	}

	keepAliveCtx, stopKeepAlive := context.WithCancel(ctx)
	defer stopKeepAlive()
	go conn.KeepAlive(keepAliveCtx, keepAliveInterval)

	exited := make(chan error, 1)
	go func() {
		exited <- child.Wait()
	}()

	for {
		select {
		case sig := <-signals:
			_ = child.Process.Signal(sig)
		case err := <-exited:
			return exitCode(err)
		}
	}
}

func exitCode(err error) (int, error) {
	if err == nil {
		return 0, nil
	}

	var exitErr *exec.ExitError
	if !errors.As(err, &exitErr) {
		return 0, fmt.Errorf("wait for command: %w", err)
	}
	if status, ok := exitErr.Sys().(syscall.WaitStatus); ok && status.Signaled() {
		return 128 + int(status.Signal()), nil
	}
	return exitErr.ExitCode(), nil
}

func submitExitError(err error) error {
	var rejected *RejectedError
	switch {
	case errors.As(err, &rejected):
		return err
	case errors.Is(err, ErrDaemonUnreachable):
		return &ExitError{Code: ExitDaemonUnreachable, Err: errors.New("Cannot connect to daemon. Is taskflowd running?")}
	case errors.Is(err, ErrDaemonGone):
		return &ExitError{Code: ExitDaemonGone, Err: errors.New("Daemon stopped unexpectedly")}
	default:
		return err
	}
}

func waitExitError(err error) error {
	if errors.Is(err, ErrDaemonGone) {
		return &ExitError{Code: ExitDaemonGone, Err: errors.New("Daemon stopped unexpectedly")}
	}
	return err
}

// buildSubmission assembles the task from the options file, if any, and the
// flags. Flags set explicitly on the command line win over the file.
func buildSubmission(cmd *cobra.Command, command, createdBy string) (types.NewTask, error) {
	submission := types.NewTask{
		Priority: types.PriorityMedium,
	}

	if runOptionsFile != "" {
		loaded, err := loadOptions(runOptionsFile)
		if err != nil {
			return types.NewTask{}, err
		}
		submission = loaded
	}
	fromFile := runOptionsFile != ""
	flags := cmd.Flags()

	if !fromFile || flags.Changed("priority") {
		priority, err := types.ParsePriority(runPriority)
		if err != nil {
			return types.NewTask{}, err
		}
		submission.Priority = priority
	}

	if !fromFile || flags.Changed("delay") {
		if runDelay < 0 {
			return types.NewTask{}, fmt.Errorf("delay must not be negative")
		}
		delay := runDelay
		submission.InitDelayS = &delay
	}

	if runMemory != "" && (!fromFile || flags.Changed("memory")) {
		memory, err := types.ParseBytes(runMemory)
		if err != nil {
			return types.NewTask{}, err
		}
		submission.Usage.MemoryBytes = types.Bytes(memory)
	}

	if len(runGPUs) > 0 {
		gpus, err := parseGPUFlags(runGPUs)
		if err != nil {
			return types.NewTask{}, err
		}
		submission.Usage.GPUMemoryBytes = gpus
	}

	submission.Cmd = command
	submission.CreatedBy = createdBy

	if err := submission.Validate(); err != nil {
		return types.NewTask{}, err
	}
	return submission, nil
}

// parseGPUFlags turns "0:1G" style flags into a per-device requirement map
func parseGPUFlags(values []string) (map[string]types.ByteCount, error) {
	gpus := make(map[string]types.ByteCount, len(values))
	for _, v := range values {
		id, size, ok := strings.Cut(v, ":")
		id = strings.TrimSpace(id)
		if !ok || id == "" {
			return nil, fmt.Errorf("invalid gpu usage %q (expected <gpu-id>:<size>)", v)
		}
		n, err := types.ParseBytes(size)
		if err != nil {
			return nil, fmt.Errorf("invalid gpu usage %q: %w", v, err)
		}
		gpus[id] = types.ByteCount(n)
	}
	return gpus, nil
}

func loadOptions(path string) (types.NewTask, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return types.NewTask{}, fmt.Errorf("read options file: %w", err)
	}

	submission := types.NewTask{Priority: types.PriorityMedium}
	if err := yaml.Unmarshal(data, &submission); err != nil {
		return types.NewTask{}, fmt.Errorf("parse options file: %w", err)
	}
	return submission, nil
}

// saveOptions writes everything but the command and owner so the file can be
// reused for other commands
func saveOptions(path string, submission types.NewTask) error {
	submission.Cmd = ""
	submission.CreatedBy = ""

	data, err := yaml.Marshal(submission)
	if err != nil {
		return fmt.Errorf("encode options: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write options file: %w", err)
	}
	return nil
}

func currentUser() string {
	if u, err := user.Current(); err == nil && u.Username != "" {
		return u.Username
	}
	return os.Getenv("USER")
}

func formatElapsed(d time.Duration) string {
	d = d.Round(time.Second)
	h := int(d.Hours())
	m := int(d.Minutes()) % 60
	s := int(d.Seconds()) % 60
	if h > 0 {
		return fmt.Sprintf("%d:%02d:%02d", h, m, s)
	}
	return fmt.Sprintf("%02d:%02d", m, s)
}
