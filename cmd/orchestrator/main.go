package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "orchestrator",
	Short: "Workflow orchestration engine",
	Long: `A durable workflow orchestration engine for multi-step processes that mix
automated agents, external API calls, and human tasks.

Definitions are declarative YAML or JSON graphs of typed steps with ordered
conditional transitions, retry policies, escalation rules, parallel branches,
and sub-workflows. Runs, tasks, and timers are persisted in libSQL so the
engine picks up where it left off after a restart.`,
	SilenceUsage: true,
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: ./config.yaml, ~/.orchestrator/config.yaml)")
	rootCmd.AddCommand(serveCmd, validateCmd, versionCmd)
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the orchestrator version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Println(version)
	},
}
