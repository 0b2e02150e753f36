// Command threathunter runs the threat hunting pipeline and its companion
// client commands.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	configPath string
	apiBase    string
)

var rootCmd = &cobra.Command{
	Use:   "threathunter",
	Short: "AI-assisted threat hunting over SIEM alert logs",
	Long: `threathunter tails a SIEM alert log, stores each unique alert in a
semantic vector index, and periodically asks a completion service to hunt
for threats in the new alerts, with historical context retrieved from the
index. Findings are deduplicated into a persistent issue list served over a
local HTTP API.`,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "path to the YAML config file")
	rootCmd.PersistentFlags().StringVar(&apiBase, "api", "http://127.0.0.1:8844", "base URL of a running threathunter API")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
