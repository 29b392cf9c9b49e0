package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	version  = "0.1.0"
	cfgPath  string
	debugLog bool

	rootCmd = &cobra.Command{
		Use:   "dispatch",
		Short: "Cloud audit event dispatcher",
		Long: `dispatch - cloud audit event dispatcher

dispatch turns raw cloud audit signals (CloudTrail API calls, GuardDuty
threat findings, Security Hub compliance findings) into scoped policy
executions in the account that owns the affected resource, using
temporary cross-account credentials, and routes every outcome to a
realtime or periodic notification queue.`,
		Version: version,
	}
)

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgPath, "config", "c", "dispatch.yaml", "Path to configuration file")
	rootCmd.PersistentFlags().BoolVar(&debugLog, "debug", false, "Enable debug logging")
	rootCmd.SetVersionTemplate(`dispatch {{.Version}}
`)
}
