package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var configPath string

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "taskbridge",
		Short: "Keep a local task store in sync with a monday.com board",
		Long: `taskbridge mirrors tasks between a local SQLite store and a monday.com board
(or a Google Sheet). Local edits are queued durably while offline and pushed
when connectivity returns; remote edits arrive by webhook or periodic pull.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	defaultConfig := os.Getenv("CONFIG_PATH")
	if defaultConfig == "" {
		defaultConfig = "configs/config.yaml"
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", defaultConfig, "path to the YAML config file")

	root.AddGroup(
		&cobra.Group{ID: "run", Title: "Running:"},
		&cobra.Group{ID: "ops", Title: "Operations:"},
	)
	root.AddCommand(
		newServeCmd(),
		newSyncCmd(),
		newStatusCmd(),
		newRecordCmd(),
		newQueueCmd(),
	)
	return root
}
