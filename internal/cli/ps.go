package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strconv"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/danpasecinic/taskflow/internal/types"
)

const (
	outputTable = "table"
	outputJSON  = "json"
	outputPipe  = "pipe"

	psPageSize   = 100
	cmdMaxLength = 10
)

var (
	psVerbose bool
	psMine    bool
	psRunning bool
	psPending bool
	psOutput  string
)

var psCmd = &cobra.Command{
	Use:   "ps",
	Short: "List queued and running tasks",
	Long: `List the tasks the daemon knows about, oldest first.

Use -o pipe to get bare task ids, e.g. for xargs.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		if psRunning && psPending {
			return &ExitError{Code: ExitConflictingFlags, Err: errors.New("Cannot use -r and -p at the same time")}
		}

		params := SearchParams{Size: psPageSize}
		if psMine {
			params.CreatedBy = currentUser()
		}
		if psRunning || psPending {
			running := psRunning
			params.IsRunning = &running
		}

		client := NewClient(GetDaemonURL())
		list, err := client.SearchTasks(params)
		if err != nil {
			if errors.Is(err, ErrDaemonUnreachable) {
				return &ExitError{
					Code: ExitDaemonUnreachable,
					Err:  errors.New("Cannot connect to daemon. Is taskflowd running?"),
				}
			}
			return fmt.Errorf("failed to list tasks: %w", err)
		}

		out := cmd.OutOrStdout()
		switch psOutput {
		case outputJSON:
			return printTasksJSON(out, list)
		case outputPipe:
			printTaskIDs(out, list.Tasks)
			return nil
		case outputTable, "":
			printTaskTable(out, list, psVerbose, time.Now())
			return nil
		default:
			return fmt.Errorf("unknown output format %q (use table, json or pipe)", psOutput)
		}
	},
}

func init() {
	rootCmd.AddCommand(psCmd)
	addPsFlags(psCmd)
}

func addPsFlags(cmd *cobra.Command) {
	cmd.Flags().BoolVarP(&psVerbose, "verbose", "v", false, "show owner, priority, delay and age")
	cmd.Flags().BoolVarP(&psMine, "user", "u", false, "only show my tasks")
	cmd.Flags().BoolVarP(&psRunning, "running", "r", false, "only show running tasks")
	cmd.Flags().BoolVarP(&psPending, "pending", "p", false, "only show pending tasks")
	cmd.Flags().StringVarP(&psOutput, "output", "o", outputTable, "output format (table, json, pipe)")
}

func printTaskTable(out io.Writer, list *types.TaskList, verbose bool, now time.Time) {
	w := tabwriter.NewWriter(out, 0, 0, 3, ' ', 0)

	if verbose {
		_, _ = fmt.Fprintln(w, "ID\tPID\tCOMMAND\tSTATUS\tCREATED BY\tPRIORITY\tDELAY\tMEMORY\tCREATED")
	} else {
		_, _ = fmt.Fprintln(w, "ID\tPID\tCOMMAND\tSTATUS")
	}

	for _, task := range list.Tasks {
		pid := "-"
		if task.PID != nil {
			pid = strconv.Itoa(*task.PID)
		}

		if verbose {
			memory := "-"
			if task.Usage.MemoryBytes != nil {
				memory = humanize.IBytes(uint64(task.Usage.Memory()))
			}
			_, _ = fmt.Fprintf(
				w, "%s\t%s\t%s\t%s\t%s\t%s\t%ds\t%s\t%s\n",
				task.ID,
				pid,
				truncateCmd(task.Cmd),
				taskStatus(task),
				task.CreatedBy,
				task.Priority,
				task.InitDelayS,
				memory,
				humanize.RelTime(time.UnixMilli(task.CreatedAt), now, "ago", "from now"),
			)
			continue
		}

		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", task.ID, pid, truncateCmd(task.Cmd), taskStatus(task))
	}

	_ = w.Flush()

	if list.Total > len(list.Tasks) {
		_, _ = fmt.Fprintf(out, "\nShowing %d of %d tasks\n", len(list.Tasks), list.Total)
	}
	_, _ = fmt.Fprintln(out, "\nFor more detailed info on tasks, use `taskflow show <task-id>`")
}

func printTasksJSON(out io.Writer, list *types.TaskList) error {
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	if err := enc.Encode(list.Tasks); err != nil {
		return fmt.Errorf("encode tasks: %w", err)
	}
	return nil
}

func printTaskIDs(out io.Writer, tasks []types.Task) {
	for _, task := range tasks {
		_, _ = fmt.Fprintln(out, task.ID)
	}
}

func taskStatus(task types.Task) string {
	if task.IsRunning {
		return "RUNNING"
	}
	return "PENDING"
}

func truncateCmd(cmd string) string {
	runes := []rune(cmd)
	if len(runes) <= cmdMaxLength {
		return cmd
	}
	return string(runes[:cmdMaxLength]) + "..."
}
