package main

import (
	"fmt"

	"github.com/harunnryd/callbridge/pkg/runner"
	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "callbridge",
	Short: "Bridge phone calls to a realtime speech AI agent",
	Long: `callbridge answers Twilio voice webhooks, streams call audio to a
realtime speech engine and plays the agent's voice back to the caller.

Examples:
  # Run with a config file
  callbridge serve --config callbridge.yaml

  # Run from environment only
  CALLBRIDGE_REALTIME_API_KEY=sk-... callbridge serve`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version",
	Run: func(cmd *cobra.Command, _ []string) {
		fmt.Fprintln(cmd.OutOrStdout(), "callbridge", runner.Version)
	},
}

func init() {
	rootCmd.AddCommand(serveCmd, versionCmd)
}
