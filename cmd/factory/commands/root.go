package commands

import (
	"fmt"

	"github.com/spf13/cobra"
)

var (
	version string
	commit  string
	date    string
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "factory",
	Short: "Factory - evidence-gated work pipeline on Redis",
	Long: `Factory runs work items through an ordered pipeline of stages.

Each stage demands typed evidence (booleans, integers, percentages) before an
item may advance, so promotion is earned rather than assumed. Items live in
Redis queues, workers execute stage tasks as subprocesses, and a supervisor
reclaims work from crashed workers and escalates stalls.`,
	Version: version,
	// Prevent silent success when unknown flags are passed to root command
	// e.g., "factory --title test" instead of "factory enqueue --title test"
	RunE: func(cmd *cobra.Command, args []string) error {
		// If no subcommand is specified, show help
		return cmd.Help()
	},
	// Enable strict flag parsing - unknown flags will cause an error
	FParseErrWhitelist: cobra.FParseErrWhitelist{},
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute() error {
	// Silence Cobra's default error and usage printing
	// We print formatted colored errors directly in the printer package
	rootCmd.SilenceErrors = true
	rootCmd.SilenceUsage = true
	return rootCmd.Execute()
}

// SetVersionInfo sets the version information for the CLI
func SetVersionInfo(v, c, d string) {
	version = v
	commit = c
	date = d
	rootCmd.Version = fmt.Sprintf("%s (commit: %s, built: %s)", v, c, d)
}

func init() {
	// Global flags can be added here
}
