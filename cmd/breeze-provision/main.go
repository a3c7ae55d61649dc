package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/breeze-rmm/provision/internal/audit"
)

var (
	version   = "0.1.0"
	cfgFile   string
	logLevel  string
	logFormat string

	scanJSON     bool
	installID    string
	installLabel string

	// exitCode is what the process returns once the command finishes.
	exitCode int
)

var rootCmd = &cobra.Command{
	Use:           "breeze-provision",
	Short:         "Breeze provisioning updater",
	Long:          `Breeze Provision - applies every pending winget (or Windows Update) upgrade and records a completion marker for the provisioning pipeline`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

var updatesCmd = &cobra.Command{
	Use:   "updates",
	Short: "Scan for and apply all pending upgrades",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runUpdates(cmd.Context())
	},
}

var scanCmd = &cobra.Command{
	Use:   "scan",
	Short: "List pending upgrades without applying them",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runScan(cmd.Context())
	},
}

var installCmd = &cobra.Command{
	Use:   "install",
	Short: "Install a single package by exact ID",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runInstall(cmd.Context(), installID, installLabel)
	},
}

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "Inspect the run history",
}

var historyVerifyCmd = &cobra.Command{
	Use:   "verify [file]",
	Short: "Check the hash chain of the run history",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		path := ""
		if len(args) == 1 {
			path = args[0]
		}
		return verifyHistory(path)
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version number",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("Breeze Provision v%s\n", version)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is <config dir>/provision.yaml)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "log level: debug, info, success, warn, error")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "", "log format: text or json")

	scanCmd.Flags().BoolVar(&scanJSON, "json", false, "print pending upgrades as JSON")

	installCmd.Flags().StringVar(&installID, "id", "", "exact winget package ID or Windows Update ID (required)")
	installCmd.Flags().StringVar(&installLabel, "label", "", "marker label to record on success (default from config)")
	installCmd.MarkFlagRequired("id")

	historyCmd.AddCommand(historyVerifyCmd)

	rootCmd.AddCommand(updatesCmd)
	rootCmd.AddCommand(scanCmd)
	rootCmd.AddCommand(installCmd)
	rootCmd.AddCommand(historyCmd)
	rootCmd.AddCommand(versionCmd)
}

func main() {
	ctx, stop := signalContext()
	err := rootCmd.ExecuteContext(ctx)
	stop()

	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		if exitCode == 0 {
			exitCode = 1
		}
	}
	os.Exit(exitCode)
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func verifyHistory(path string) error {
	if path == "" {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		path = cfg.HistoryFile
	}
	n, err := audit.Verify(path)
	if err != nil {
		exitCode = 1
		return fmt.Errorf("history %s: %w", path, err)
	}
	fmt.Printf("History OK: %d entries verified in %s\n", n, path)
	return nil
}
