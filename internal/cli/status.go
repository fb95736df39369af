package cli

import (
	"errors"
	"fmt"
	"io"
	"sort"
	"strconv"
	"text/tabwriter"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/danpasecinic/taskflow/internal/daemon/api"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show free resources and queue size as seen by the daemon",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		client := NewClient(GetDaemonURL())
		res, err := client.GetResources()
		if err != nil {
			if errors.Is(err, ErrDaemonUnreachable) {
				return &ExitError{
					Code: ExitDaemonUnreachable,
					Err:  errors.New("Cannot connect to daemon. Is taskflowd running?"),
				}
			}
			return fmt.Errorf("failed to get resources: %w", err)
		}

		printStatus(cmd.OutOrStdout(), res)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(statusCmd)
}

func printStatus(out io.Writer, res *api.ResourcesResponse) {
	_, _ = fmt.Fprintf(out, "Free memory:   %s\n", humanize.IBytes(uint64(max(res.MemoryFreeBytes, 0))))
	_, _ = fmt.Fprintf(out, "Pending tasks: %d\n", res.PendingTasks)
	_, _ = fmt.Fprintf(out, "Running tasks: %d\n", res.RunningTasks)

	if !res.GPUAvailable {
		_, _ = fmt.Fprintln(out, "GPUs:          none detected")
		return
	}

	ids := make([]string, 0, len(res.GPUFreeBytes))
	for id := range res.GPUFreeBytes {
		ids = append(ids, id)
	}
	sort.Slice(
		ids, func(i, j int) bool {
			a, errA := strconv.Atoi(ids[i])
			b, errB := strconv.Atoi(ids[j])
			if errA != nil || errB != nil {
				return ids[i] < ids[j]
			}
			return a < b
		},
	)

	_, _ = fmt.Fprintln(out)
	w := tabwriter.NewWriter(out, 0, 0, 3, ' ', 0)
	_, _ = fmt.Fprintln(w, "GPU\tFREE")
	for _, id := range ids {
		_, _ = fmt.Fprintf(w, "%s\t%s\n", id, humanize.IBytes(uint64(max(res.GPUFreeBytes[id], 0))))
	}
	_ = w.Flush()
}
