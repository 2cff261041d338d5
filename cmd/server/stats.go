package main

import (
	"fmt"
	"io"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"pinrelay/internal/config"
	"pinrelay/internal/store"
)

func newStatsCommand(cfg *config.Config) *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Show database statistics and exit",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := openStore(cfg)
			if err != nil {
				return fmt.Errorf("failed to open database: %w", err)
			}
			defer st.Close()

			stats, err := st.Stats(cmd.Context())
			if err != nil {
				return fmt.Errorf("failed to get stats: %w", err)
			}
			printStats(cmd.OutOrStdout(), stats)
			return nil
		},
	}
}

func printStats(w io.Writer, stats *store.Stats) {
	fmt.Fprintln(w, "╔══════════════════════════════════════════╗")
	fmt.Fprintln(w, "║            PinRelay Statistics           ║")
	fmt.Fprintln(w, "╠══════════════════════════════════════════╣")
	fmt.Fprintf(w, "║  Total Transfers: %-22d║\n", stats.TotalTransfers)
	fmt.Fprintf(w, "║  ├─ Active:       %-22d║\n", stats.ActiveTransfers)
	fmt.Fprintf(w, "║  └─ Removed:      %-22d║\n", stats.RemovedTransfers)
	fmt.Fprintln(w, "╠══════════════════════════════════════════╣")
	fmt.Fprintf(w, "║  Total Uploaded:  %-22s║\n", humanize.IBytes(uint64(stats.TotalBytes)))
	fmt.Fprintf(w, "║  └─ Active:       %-22s║\n", humanize.IBytes(uint64(stats.ActiveBytes)))
	fmt.Fprintln(w, "╠══════════════════════════════════════════╣")
	if !stats.OldestTransfer.IsZero() {
		fmt.Fprintf(w, "║  Oldest:          %-22s║\n", humanize.Time(stats.OldestTransfer))
		fmt.Fprintf(w, "║  Newest:          %-22s║\n", humanize.Time(stats.NewestTransfer))
	} else {
		fmt.Fprintln(w, "║  No transfers in database                ║")
	}
	fmt.Fprintln(w, "╚══════════════════════════════════════════╝")
}
