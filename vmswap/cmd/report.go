package cmd

import (
	"context"
	"fmt"
	"io"
	"sort"
	"strconv"
	"text/tabwriter"

	"github.com/sarchlab/vmswap/datarecording"
	"github.com/sarchlab/vmswap/mem/vm/paging"
	"github.com/spf13/cobra"
)

// eventKinds are the columns of the event report, in hook order.
var eventKinds = []string{
	paging.HookPosPageFault.Name,
	paging.HookPosProtectionFault.Name,
	paging.HookPosCopyOnWrite.Name,
	paging.HookPosSwapOut.Name,
	paging.HookPosSwapIn.Name,
	paging.HookPosImageReplaced.Name,
	paging.HookPosKill.Name,
}

func newReportCmd() *cobra.Command {
	reportCmd := &cobra.Command{
		Use:   "report EVENTS.sqlite3",
		Short: "Count the paging events recorded by run --record, per process.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			reader, err := datarecording.OpenReader(args[0])
			if err != nil {
				return err
			}
			defer reader.Close()

			pids, _ := cmd.Flags().GetUintSlice("pid")

			return Report(cmd.Context(), reader, pids, cmd.OutOrStdout())
		},
	}

	reportCmd.Flags().UintSlice("pid", nil,
		"Only report these processes.")

	return reportCmd
}

// Report writes the number of events of every kind for each process that has
// recorded events. An empty pids reports all of them.
func Report(
	ctx context.Context,
	reader datarecording.DataReader,
	pids []uint,
	out io.Writer,
) error {
	reader.MapTable(paging.EventTable, paging.EventEntry{})

	if len(pids) == 0 {
		perPID, err := reader.CountBy(ctx, paging.EventTable, "PID",
			datarecording.Filter{})
		if err != nil {
			return err
		}

		for s := range perPID {
			pid, err := strconv.ParseUint(s, 10, 32)
			if err != nil {
				return fmt.Errorf("bad pid %q in %s", s, paging.EventTable)
			}

			pids = append(pids, uint(pid))
		}
	}

	sort.Slice(pids, func(i, j int) bool { return pids[i] < pids[j] })

	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)

	fmt.Fprint(tw, "PID")
	for _, k := range eventKinds {
		fmt.Fprintf(tw, "\t%s", k)
	}
	fmt.Fprintln(tw)

	for _, pid := range pids {
		perKind, err := reader.CountBy(ctx, paging.EventTable, "Kind",
			datarecording.Filter{Where: "PID = ?", Args: []any{pid}})
		if err != nil {
			return err
		}

		fmt.Fprintf(tw, "%d", pid)
		for _, k := range eventKinds {
			fmt.Fprintf(tw, "\t%d", perKind[k])
		}
		fmt.Fprintln(tw)
	}

	return tw.Flush()
}
