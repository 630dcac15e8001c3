package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
)

var (
	configPath string
	apiURL     string
	caller     string
	token      string
)

var rootCmd = &cobra.Command{
	Use:          "coordinator",
	Short:        "Off-chain task coordinator",
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", envOr("COORDINATOR_CONFIG", ""), "TOML config file")
	rootCmd.PersistentFlags().StringVar(&apiURL, "api", envOr("COORDINATOR_API_URL", "http://localhost:8080"), "coordinator HTTP API")
	rootCmd.PersistentFlags().StringVar(&caller, "caller", envOr("COORDINATOR_CALLER", ""), "caller identity sent with requests")
	rootCmd.PersistentFlags().StringVar(&token, "token", envOr("COORDINATOR_AGGREGATOR_TOKEN", ""), "aggregator bearer token for task respond")

	rootCmd.AddCommand(serveCmd, taskCmd, scoreCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "coordinator failed: %v\n", err)
		os.Exit(1)
	}
}

func envOr(key, def string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return def
}
