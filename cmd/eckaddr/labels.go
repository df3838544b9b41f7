package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/xelth-com/eckaddr/internal/labels"
)

var (
	labelsOut    string
	labelsCopies int
	labelsUser   string
	labelsCols   int
	labelsRows   int

	labelsCmd = &cobra.Command{
		Use:   "labels ZONE",
		Short: "Write an address-label PDF for every address in a zone, e.g. PF01",
		Args:  cobra.ExactArgs(1),
		RunE:  runLabels,
	}
)

func init() {
	labelsCmd.Flags().StringVarP(&labelsOut, "out", "o", "", "output file (default labels_<zone>.pdf)")
	labelsCmd.Flags().IntVar(&labelsCopies, "copies", 1, "labels per address")
	labelsCmd.Flags().StringVar(&labelsUser, "user", "cli", "operator recorded in the label log")
	labelsCmd.Flags().IntVar(&labelsCols, "cols", 0, "labels per row (default 3)")
	labelsCmd.Flags().IntVar(&labelsRows, "rows", 0, "rows per page (default 7)")
}

func runLabels(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	zone := strings.ToUpper(strings.TrimSpace(args[0]))

	a, err := openApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()
	if err := a.Load(ctx); err != nil {
		return err
	}

	addresses := labels.ZoneAddresses(a.Cache, zone)
	if len(addresses) == 0 {
		return fmt.Errorf("zone %s has no addresses", zone)
	}
	layout := labels.DefaultLayout()
	if labelsCols > 0 {
		layout.Cols = labelsCols
	}
	if labelsRows > 0 {
		layout.Rows = labelsRows
	}

	pdf, entries, err := a.Printer.Print(labels.Job{Addresses: addresses, Copies: labelsCopies, User: labelsUser}, layout)
	if err != nil {
		return err
	}
	out := labelsOut
	if out == "" {
		out = fmt.Sprintf("labels_%s.pdf", zone)
	}
	if err := os.WriteFile(out, pdf, 0o644); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "wrote %d labels for %d addresses to %s\n", len(entries)*labelsCopies, len(entries), out)

	// best effort; the log and counters are persisted locally either way
	if err := a.Labels.Sync(ctx); err != nil {
		a.Log.Warn().Err(err).Msg("⚠️  Label log not synced, will retry on next sync")
	}
	if err := a.Usage.SyncAll(ctx); err != nil {
		a.Log.Warn().Err(err).Msg("⚠️  Usage counters not synced")
	}
	return nil
}
