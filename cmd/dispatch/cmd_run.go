package main

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
)

var runCmd = &cobra.Command{
	Use:   "run [event-file]",
	Short: "Dispatch a single event",
	Long: `Dispatch one inbound event read from a file, or from stdin when the
argument is "-" or omitted. The event must be an EventBridge-style JSON
envelope with source, account and detail fields.`,
	Example: `  dispatch run event.json
  cat event.json | dispatch run -`,
	Args: cobra.MaximumNArgs(1),
	RunE: runOnce,
}

func init() {
	rootCmd.AddCommand(runCmd)
}

func runOnce(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	raw, err := readEvent(args)
	if err != nil {
		return err
	}

	a, err := buildApp(ctx)
	if err != nil {
		return err
	}
	defer a.close(context.Background())

	dispatchCtx, cancel := context.WithTimeout(ctx, a.cfg.Dispatch.Deadline)
	defer cancel()

	result, err := a.dispatcher.Dispatch(dispatchCtx, raw)
	if err != nil {
		return fmt.Errorf("dispatch failed: %w", err)
	}

	fmt.Printf("dispatched %d event(s), routed %d envelope(s)\n", result.Events, result.Envelopes)
	for _, id := range result.DispatchIDs {
		fmt.Printf("  dispatch id: %s\n", id)
	}
	return nil
}

func readEvent(args []string) ([]byte, error) {
	if len(args) == 0 || args[0] == "-" {
		raw, err := io.ReadAll(os.Stdin)
		if err != nil {
			return nil, fmt.Errorf("failed to read event from stdin: %w", err)
		}
		return raw, nil
	}

	raw, err := os.ReadFile(args[0]) // #nosec G304 -- path is intentional user input
	if err != nil {
		return nil, fmt.Errorf("failed to read event file: %w", err)
	}
	return raw, nil
}
