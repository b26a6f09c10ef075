package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/stevenmcginty/tillsync/internal/till"
	"github.com/stevenmcginty/tillsync/internal/ui"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show outbox queue depths and pending work",
	Long: `Show what is waiting in the local outbox.

Reads the outbox database directly without contacting the backend, so
it works while the daemon is stopped or the network is down.`,
	RunE: runStatus,
}

func init() {
	rootCmd.AddCommand(statusCmd)
}

func runStatus(cmd *cobra.Command, args []string) error {
	blob, err := openOutbox()
	if err != nil {
		return fmt.Errorf("open outbox: %w", err)
	}
	defer blob.Close()

	e, err := newEngine(blob, nil)
	if err != nil {
		return fmt.Errorf("load outbox state: %w", err)
	}

	d := e.Depths()

	fmt.Println(ui.RenderBold("Outbox"))
	fmt.Printf("  Creations: %d\n", d.Creations)
	fmt.Printf("  Updates:   %d\n", d.Updates)
	fmt.Printf("  Deletions: %d\n", d.Deletions)

	if d.Poisoned > 0 {
		fmt.Printf("  Poisoned:  %s\n", ui.RenderFail(fmt.Sprintf("%d", d.Poisoned)))
		fmt.Println(ui.RenderMuted("  Run 'till poison list' to inspect quarantined records."))
	} else {
		fmt.Printf("  Poisoned:  %d\n", d.Poisoned)
	}

	if msg := e.SyncError(); msg != "" {
		fmt.Printf("\n%s %s\n", ui.RenderWarn("Last sync error:"), msg)
	}

	total := e.PendingCount()
	if total == 0 && d.Poisoned == 0 {
		fmt.Println("\n" + ui.RenderPass("Everything synced."))
	} else {
		fmt.Printf("\n%d record(s) waiting to sync.\n", total)
	}

	// A quick per-collection view of what the till would display.
	fmt.Println("\n" + ui.RenderBold("Merged view"))
	for _, collection := range till.Collections() {
		if n := len(e.Merged(collection)); n > 0 {
			fmt.Printf("  %s: %d\n", ui.RenderAccent(collection), n)
		}
	}

	if settings := e.Settings(); settings != nil {
		var stamp int64
		switch v := settings["lastUpdated"].(type) {
		case float64:
			stamp = int64(v)
		case int64:
			stamp = v
		}
		if stamp > 0 {
			t := time.UnixMilli(stamp)
			fmt.Printf("\nSettings last updated %s\n",
				ui.RenderMuted(t.Format(time.RFC3339)))
		}
	}
	return nil
}
