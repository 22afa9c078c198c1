package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	configPath string
	rootCmd    = &cobra.Command{
		Use:   "step-orch",
		Short: "Step Orchestrator - Unattended plan execution",
		Long: `Step Orchestrator executes implementation plans step by step.
Each step runs an implementing agent, waits for CI on the resulting
commit, and submits the change to a reviewing agent, retrying until
the step is clean or the iteration budget runs out.`,
	}
)

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "config file path")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
