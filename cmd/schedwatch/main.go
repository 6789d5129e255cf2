package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

var rootCmd = &cobra.Command{
	Use:   "schedwatch",
	Short: "schedwatch - distributed scheduler monitor",
	Long: `schedwatch monitors and administers a distributed task scheduler: it caches an
administrator credential, calls the scheduler REST API, follows the live push
stream and renders an aggregated dashboard.`,
	SilenceUsage: true,
	// No RunE - defaults to showing help when no subcommand is provided
}

var (
	configPath string
	apiURL     string
	logLevel   string
	jsonOutput bool
)

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Path to config file (default ~/.schedwatch/config.yaml)")
	rootCmd.PersistentFlags().StringVar(&apiURL, "api", "", "Scheduler API base URL (overrides config)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Log level: debug, info, warn, error (overrides config)")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "Print raw JSON instead of tables")

	rootCmd.AddCommand(loginCmd, logoutCmd, whoamiCmd)
	rootCmd.AddCommand(dashboardCmd, statsCmd, leaderCmd, healthCmd, clusterCmd, metricsCmd)
	rootCmd.AddCommand(tasksCmd, executionsCmd, alertsCmd)
	rootCmd.AddCommand(watchCmd, tuiCmd, serveCmd)
	rootCmd.AddCommand(configCmd, versionCmd)
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the schedwatch version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Println("schedwatch", version)
	},
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
