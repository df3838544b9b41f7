package main

import (
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	eksync "github.com/xelth-com/eckaddr/internal/sync"
)

var (
	queueJSON bool

	drainCmd = &cobra.Command{
		Use:   "drain",
		Short: "Replay the persisted offline queue once and exit",
		RunE:  runDrain,
	}

	queueCmd = &cobra.Command{
		Use:   "queue",
		Short: "Print pending and permanently failed mutations",
		RunE:  runQueue,
	}
)

func init() {
	queueCmd.Flags().BoolVar(&queueJSON, "json", false, "print JSON instead of a table")
}

func runDrain(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	a, err := openApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	if !a.Connection.Check(ctx) {
		return fmt.Errorf("remote store unreachable, %d mutations left queued", a.Queue.Len())
	}
	res := a.Sync.Run(ctx, eksync.RequestDrain)
	if res.Drain != nil {
		fmt.Fprintf(cmd.OutOrStdout(), "replayed %d, permanent %d, remaining %d\n",
			res.Drain.Replayed, len(res.Drain.Permanent), res.Drain.Remaining)
		for _, f := range res.Drain.Permanent {
			fmt.Fprintf(cmd.OutOrStdout(), "  failed %s %s: %s\n", f.Mutation.ID, f.Mutation.Operation, f.Reason)
		}
	}
	if !res.Success {
		return fmt.Errorf("drain: %s", res.Error)
	}
	return nil
}

func runQueue(cmd *cobra.Command, args []string) error {
	a, err := openApp(cmd.Context())
	if err != nil {
		return err
	}
	defer a.Close()

	pending := a.Queue.Pending()
	failed := a.Queue.Failed()
	if queueJSON {
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		return enc.Encode(map[string]any{"pending": pending, "failed": failed})
	}

	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tOPERATION\tADDRESS\tPRODUCT\tENQUEUED\tRETRIES")
	for _, m := range pending {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%d\n", m.ID, m.Operation, m.Payload.Address, m.Payload.ProductCode,
			m.EnqueuedAt.Format(time.RFC3339), m.RetryCount)
	}
	if len(failed) > 0 {
		fmt.Fprintln(w, "\nFAILED\tOPERATION\tADDRESS\tPRODUCT\tAT\tREASON")
		for _, f := range failed {
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n", f.Mutation.ID, f.Mutation.Operation, f.Mutation.Payload.Address,
				f.Mutation.Payload.ProductCode, f.FailedAt.Format(time.RFC3339), f.Reason)
		}
	}
	if err := w.Flush(); err != nil {
		return err
	}
	if len(pending) == 0 && len(failed) == 0 {
		fmt.Fprintln(os.Stderr, "queue is empty")
	}
	return nil
}
