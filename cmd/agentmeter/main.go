package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "agentmeter",
	Short: "agentmeter: usage metering and billing for AI agents",
	Long:  "agentmeter ingests signed usage webhooks from AI agents, rolls them up per day, reconciles jobs that never reported completion, and turns usage into draft invoices.",
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: built-in defaults, e.g. configs/agentmeter.yaml)")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
