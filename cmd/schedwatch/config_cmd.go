package main

import (
	"fmt"
	"os"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/fentz26/schedwatch/internal/config"
	"github.com/fentz26/schedwatch/internal/schedule"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Inspect or initialize the configuration",
}

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Write a config file with default settings",
	RunE:  runConfigInit,
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the effective configuration",
	RunE:  runConfigShow,
}

var cronCmd = &cobra.Command{
	Use:   "cron [expression]",
	Short: "Validate a cron expression and preview its next runs",
	Args:  cobra.ExactArgs(1),
	RunE:  runCron,
}

var (
	configForce bool
	cronCount   int
)

func init() {
	configCmd.AddCommand(configInitCmd, configShowCmd)
	configInitCmd.Flags().BoolVar(&configForce, "force", false, "Overwrite an existing file")
	cronCmd.Flags().IntVarP(&cronCount, "count", "n", 5, "Number of runs to show")
	rootCmd.AddCommand(cronCmd)
}

func runConfigInit(cmd *cobra.Command, args []string) error {
	path := configPath
	if path == "" {
		path = config.DefaultPath()
	}
	if _, err := os.Stat(path); err == nil && !configForce {
		return fmt.Errorf("%s already exists (use --force to overwrite)", path)
	}
	if err := config.Save(path, config.DefaultConfig()); err != nil {
		return err
	}
	fmt.Printf("✓ Wrote %s\n", path)
	return nil
}

func runConfigShow(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if jsonOutput {
		return printJSON(cfg)
	}
	enc := yaml.NewEncoder(os.Stdout)
	enc.SetIndent(2)
	defer enc.Close()
	return enc.Encode(cfg)
}

func runCron(cmd *cobra.Command, args []string) error {
	if cronCount <= 0 {
		return fmt.Errorf("--count must be positive")
	}
	runs, err := schedule.NextRuns(args[0], time.Now(), cronCount)
	if err != nil {
		return err
	}
	for _, r := range runs {
		fmt.Printf("%s  (%s)\n", r.Local().Format(time.RFC1123), humanize.Time(r))
	}
	return nil
}
