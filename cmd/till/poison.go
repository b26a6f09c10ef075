package main

import (
	"fmt"
	"time"

	"github.com/charmbracelet/huh"
	"github.com/spf13/cobra"

	"github.com/stevenmcginty/tillsync/internal/engine"
	"github.com/stevenmcginty/tillsync/internal/ui"
)

var poisonCmd = &cobra.Command{
	Use:   "poison",
	Short: "Inspect and manage quarantined records",
	Long: `Inspect records quarantined after a failed batch commit.

A record lands in quarantine when the batch containing it is rejected
by the backend. Quarantined records are never retried automatically:
replay them once the cause is fixed, or discard them.`,
}

var poisonListCmd = &cobra.Command{
	Use:   "list",
	Short: "List quarantined records",
	RunE: func(cmd *cobra.Command, args []string) error {
		e, closeFn, err := openLocalEngine()
		if err != nil {
			return err
		}
		defer closeFn()

		items := e.PoisonedItems()
		if len(items) == 0 {
			fmt.Println(ui.RenderPass("No quarantined records."))
			return nil
		}

		fmt.Println(ui.RenderBold(fmt.Sprintf("%d quarantined record(s)", len(items))))
		for _, item := range items {
			fmt.Printf("  %s %s/%s  %s\n",
				item.Kind,
				ui.RenderAccent(item.Collection),
				ui.RenderAccent(item.ID),
				ui.RenderMuted(item.PoisonedAt.Format(time.RFC3339)))
			fmt.Printf("    %s\n", ui.RenderFail(item.Reason))
		}
		return nil
	},
}

var poisonReplayCmd = &cobra.Command{
	Use:   "replay",
	Short: "Re-queue all quarantined records for the next sync",
	RunE: func(cmd *cobra.Command, args []string) error {
		e, closeFn, err := openLocalEngine()
		if err != nil {
			return err
		}
		defer closeFn()

		n := e.ReplayPoisoned()
		if n == 0 {
			fmt.Println("Nothing to replay.")
			return nil
		}
		fmt.Printf("%s %d record(s) re-queued; they will sync on the daemon's next cycle.\n",
			ui.RenderPass("Replayed"), n)
		return nil
	},
}

var poisonDiscardCmd = &cobra.Command{
	Use:   "discard",
	Short: "Permanently delete all quarantined records",
	RunE: func(cmd *cobra.Command, args []string) error {
		e, closeFn, err := openLocalEngine()
		if err != nil {
			return err
		}
		defer closeFn()

		items := e.PoisonedItems()
		if len(items) == 0 {
			fmt.Println("Nothing to discard.")
			return nil
		}

		force, _ := cmd.Flags().GetBool("force")
		if !force {
			var confirmed bool
			form := huh.NewForm(huh.NewGroup(
				huh.NewConfirm().
					Title(fmt.Sprintf("Permanently delete %d quarantined record(s)?", len(items))).
					Description("The data they carry is lost; the backend never received it.").
					Affirmative("Delete").
					Negative("Keep").
					Value(&confirmed),
			))
			if err := form.Run(); err != nil {
				return fmt.Errorf("confirmation failed: %w", err)
			}
			if !confirmed {
				fmt.Println("Aborted.")
				return nil
			}
		}

		n := e.DiscardPoisoned()
		fmt.Printf("%s %d record(s).\n", ui.RenderWarn("Discarded"), n)
		return nil
	},
}

func init() {
	poisonDiscardCmd.Flags().BoolP("force", "f", false, "Skip the confirmation prompt")

	poisonCmd.AddCommand(poisonListCmd)
	poisonCmd.AddCommand(poisonReplayCmd)
	poisonCmd.AddCommand(poisonDiscardCmd)
	rootCmd.AddCommand(poisonCmd)
}

// openLocalEngine opens the outbox for a one-shot command that only
// touches local state.
func openLocalEngine() (e *engine.Engine, closeFn func(), err error) {
	blob, err := openOutbox()
	if err != nil {
		return nil, nil, fmt.Errorf("open outbox: %w", err)
	}
	eng, err := newEngine(blob, nil)
	if err != nil {
		blob.Close()
		return nil, nil, fmt.Errorf("load outbox state: %w", err)
	}
	return eng, func() { blob.Close() }, nil
}
