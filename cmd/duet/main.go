package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	configPath string
	adminToken string
	rootCmd    = &cobra.Command{
		Use:   "duet",
		Short: "Duet - manager/executor agent orchestrator",
		Long: `Duet coordinates a manager agent and an executor agent through a
repeated negotiation loop until a task converges. Every turn is
persisted, so runs can be paused, resumed, replayed and audited.`,
	}
)

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "config file path")
	rootCmd.PersistentFlags().StringVar(&adminToken, "token", "", "admin token for mutating commands (defaults to config)")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
