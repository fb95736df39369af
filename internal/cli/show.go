package cli

import (
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/danpasecinic/taskflow/internal/types"
)

var showCmd = &cobra.Command{
	Use:   "show TASK_ID",
	Short: "Show details of a task",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		taskID := args[0]

		client := NewClient(GetDaemonURL())
		task, err := client.GetTask(taskID)
		switch {
		case errors.Is(err, ErrNotFound):
			return &ExitError{Code: ExitNotFound, Err: fmt.Errorf("Task with id %s not found", taskID)}
		case errors.Is(err, ErrDaemonUnreachable):
			return &ExitError{
				Code: ExitDaemonUnreachable,
				Err:  errors.New("Cannot connect to daemon. Is taskflowd running?"),
			}
		case err != nil:
			return fmt.Errorf("failed to get task: %w", err)
		}

		printTaskDetails(cmd.OutOrStdout(), task)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(showCmd)
}

func printTaskDetails(out io.Writer, task *types.Task) {
	pid := "N/A"
	if task.PID != nil {
		pid = fmt.Sprintf("%d", *task.PID)
	}
	cwd := "N/A"
	if task.Cwd != nil {
		cwd = *task.Cwd
	}

	_, _ = fmt.Fprintf(out, "Task %s (PID=%s)\n", task.ID, pid)
	_, _ = fmt.Fprintf(out, "  Command:           %s\n", task.Cmd)
	_, _ = fmt.Fprintf(out, "  Working directory: %s\n", cwd)
	_, _ = fmt.Fprintf(out, "  RAM usage:         %s\n", formatUsage(task.Usage.MemoryBytes))
	_, _ = fmt.Fprintf(out, "  GPU usage:         %s\n", formatGPUUsage(task.Usage.GPUMemoryBytes))
	_, _ = fmt.Fprintf(out, "  Status:            %s\n", taskStatus(*task))
	_, _ = fmt.Fprintf(out, "  Priority:          %s\n", task.Priority)
	_, _ = fmt.Fprintf(out, "  Init delay:        %ds\n", task.InitDelayS)
	_, _ = fmt.Fprintf(out, "  Created by:        %s\n", task.CreatedBy)
	_, _ = fmt.Fprintf(out, "  Created at:        %s\n", formatMillis(task.CreatedAt))
	if task.StartedAt != nil {
		_, _ = fmt.Fprintf(out, "  Started at:        %s\n", formatMillis(*task.StartedAt))
	} else {
		_, _ = fmt.Fprintln(out, "  Started at:        N/A")
	}
}

func formatUsage(b *types.ByteCount) string {
	if b == nil {
		return "N/A"
	}
	return humanize.IBytes(uint64(*b))
}

// formatGPUUsage prints "0: 1.0 GiB, any: 512 MiB" sorted by device id
func formatGPUUsage(usage map[string]types.ByteCount) string {
	if len(usage) == 0 {
		return "N/A"
	}

	ids := make([]string, 0, len(usage))
	for id := range usage {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	parts := make([]string, 0, len(ids))
	for _, id := range ids {
		parts = append(parts, fmt.Sprintf("%s: %s", id, humanize.IBytes(uint64(usage[id]))))
	}
	return strings.Join(parts, ", ")
}

func formatMillis(ms int64) string {
	return time.UnixMilli(ms).Local().Format("2006-01-02 15:04:05")
}
