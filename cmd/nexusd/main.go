// Command nexusd runs the intent orchestrator and talks to a running instance.
package main

import (
	"os"

	"github.com/spf13/cobra"
)

var version = "dev"

var (
	// serverURL 是客户端子命令访问的 API 地址。
	serverURL string
	apiToken  string
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "nexusd",
	Short: "Intent orchestrator daemon and CLI",
	Long: `nexusd accepts intents from the API, timers and webhooks, dispatches them
one at a time to workflows or agents, and escalates stuck work to an operator.

Examples:
  # Start the daemon
  nexusd serve --config configs/nexus.yaml

  # Submit an intent to a running daemon
  nexusd submit "summarise yesterday's incidents" --priority 5`,
	Version:       version,
	SilenceUsage:  true,
	SilenceErrors: false,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&serverURL, "server", envOr("NEXUS_SERVER", "http://localhost:8080"), "nexusd API URL")
	rootCmd.PersistentFlags().StringVar(&apiToken, "token", os.Getenv("NEXUS_API_TOKEN"), "API bearer token")
	rootCmd.AddCommand(versionCmd)
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version",
	Run: func(cmd *cobra.Command, _ []string) {
		cmd.Println(version)
	},
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
