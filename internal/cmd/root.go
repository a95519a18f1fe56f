// Package cmd implements the conductor CLI.
package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/harnessworks/conductor/internal/observability"
)

// versionInfo carries build metadata stamped by the release pipeline.
var versionInfo = struct {
	Version   string
	Commit    string
	BuildDate string
}{
	Version:   "dev",
	Commit:    "HEAD",
	BuildDate: "unknown",
}

// SetVersionInfo records build metadata for the version command.
func SetVersionInfo(version, commit, buildDate string) {
	versionInfo.Version = version
	versionInfo.Commit = commit
	versionInfo.BuildDate = buildDate
}

var rootCmd = &cobra.Command{
	Use:   "conductor",
	Short: "Orchestrate ephemeral agent jobs against versioned task contexts",
	Long: `Conductor runs containerized agent jobs for code and documentation tasks.

Each submission captures the submitter's branch, syncs and verifies the task
definition on the remote, allocates a strictly increasing context version,
and drives an isolated job through a reconciled lifecycle. Successful docs
jobs end in an automated pull request against the captured branch.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
		level, _ := cmd.Flags().GetString("log-level")
		profile, _ := cmd.Flags().GetString("log-profile")
		return observability.Init(level, profile)
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(_ *cobra.Command, _ []string) {
		fmt.Printf("conductor %s (commit %s, built %s)\n",
			versionInfo.Version, versionInfo.Commit, versionInfo.BuildDate)
	},
}

func init() {
	rootCmd.PersistentFlags().String("log-level", "info", "Log level: debug, info, warn, error")
	rootCmd.PersistentFlags().String("log-profile", "CLI", "Log output profile: CLI or STRUCTURED")
	rootCmd.PersistentFlags().String("store-root", "", "Workload store directory (overrides config)")

	_ = viper.BindPFlag("logging.level", rootCmd.PersistentFlags().Lookup("log-level"))
	_ = viper.BindPFlag("store.root", rootCmd.PersistentFlags().Lookup("store-root"))

	setDefaults()

	rootCmd.AddCommand(versionCmd)
}

// setDefaults seeds the global viper instance used for flag binding.
// The full layered configuration lives in internal/config.
func setDefaults() {
	viper.SetDefault("server.host", "localhost")
	viper.SetDefault("server.port", 8080)
	viper.SetDefault("logging.level", "info")
	viper.SetDefault("store.root", "/var/lib/conductor")
	viper.SetDefault("substrate.mode", "kubernetes")
	viper.SetDefault("substrate.namespace", "default")
}

// Execute runs the CLI.
func Execute() error {
	defer observability.Sync()
	return rootCmd.Execute()
}
