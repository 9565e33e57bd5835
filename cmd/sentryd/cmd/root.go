// Package cmd provides the CLI commands for sentryd.
package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/honeypot-sentry/sentryd/internal/config"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "sentryd",
	Short: "sentryd - MCP security-analysis server for SIEM data",
	Long: `sentryd is a Model Context Protocol (MCP) server that gives an LLM agent
read-only, rate-limited access to a SIEM's security-event data: querying and
streaming events, correlating attack campaigns, and enriching indicators of
compromise against threat-intel feeds.

Quick start:
  1. Create a config file: sentryd.yaml
  2. Run: sentryd serve

Configuration:
  Config is loaded from sentryd.yaml in the current directory,
  $HOME/.sentryd/, or /etc/sentryd/.

  Environment variables can override config values with the SENTRYD_ prefix.
  Example: SENTRYD_SIEM_STORE_BASE_URL=https://siem.internal:9200

Commands:
  serve       Start the MCP server
  keys        Manage API keys (create, list, revoke)
  version     Print version information`,
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig)
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: ./sentryd.yaml)")
}

func initConfig() {
	config.InitViper(cfgFile)
}
