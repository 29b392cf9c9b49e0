package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/guardrail-sh/dispatch/deadletter"
)

var deadletterLimit int

var deadletterCmd = &cobra.Command{
	Use:   "deadletter",
	Short: "Inspect and redrive dead-lettered notifications",
}

var deadletterListCmd = &cobra.Command{
	Use:   "list",
	Short: "List dead-lettered envelopes",
	Example: `  dispatch deadletter list
  dispatch deadletter list --limit 10`,
	RunE: runDeadletterList,
}

var deadletterRedriveCmd = &cobra.Command{
	Use:   "redrive",
	Short: "Republish dead-lettered envelopes through the router",
	Long: `Republish every stored envelope to its original channel queue.
Envelopes the queue accepts are removed from the store; the rest stay
for a later redrive.`,
	RunE: runDeadletterRedrive,
}

func init() {
	deadletterListCmd.Flags().IntVar(&deadletterLimit, "limit", 0, "Maximum records to list (0 = all)")
	deadletterCmd.AddCommand(deadletterListCmd)
	deadletterCmd.AddCommand(deadletterRedriveCmd)
	rootCmd.AddCommand(deadletterCmd)
}

func runDeadletterList(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	a, err := buildApp(ctx)
	if err != nil {
		return err
	}
	defer a.close(context.Background())

	records, err := a.deadLetter.List(ctx, deadletterLimit)
	if err != nil {
		return err
	}
	if len(records) == 0 {
		fmt.Println("dead-letter store is empty")
		return nil
	}

	for _, r := range records {
		fmt.Printf("%6d  %s  %-9s  %-12s  %-30s  %s\n",
			r.Seq,
			r.StoredAt.Format("2006-01-02 15:04:05"),
			r.Envelope.Channel,
			r.Envelope.AccountID,
			r.Envelope.PolicyName,
			r.Reason,
		)
	}
	return listEvents(ctx, a.deadLetter)
}

func listEvents(ctx context.Context, store *deadletter.Store) error {
	events, err := store.ListEvents(ctx, deadletterLimit)
	if err != nil {
		return err
	}
	if len(events) == 0 {
		return nil
	}

	fmt.Printf("\n%d undeliverable raw event(s):\n", len(events))
	for _, e := range events {
		fmt.Printf("%6d  %s  %s\n", e.Seq, e.StoredAt.Format("2006-01-02 15:04:05"), e.Reason)
	}
	return nil
}

func runDeadletterRedrive(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	a, err := buildApp(ctx)
	if err != nil {
		return err
	}
	defer a.close(context.Background())

	redriven, err := a.deadLetter.Redrive(ctx, a.router)
	if err != nil {
		return err
	}
	fmt.Printf("redriven %d envelope(s)\n", redriven)
	return nil
}
