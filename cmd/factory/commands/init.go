package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/mirqtio/LeadFactory-v1-sub006/internal/scaffold"
)

var (
	forceInit bool
)

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize a new factory project",
	Long: `Initialize a new factory project with default configuration and stub tasks.

Creates:
  • factory.yml - Pipeline configuration (stages, evidence, gates, supervisor)
  • tasks/dev.sh - Stub task for the dev stage
  • tasks/validate.sh - Stub task for the validator stage

The stub tasks speak the task contract (JSON in on stdin, JSON out on stdout)
and emit passing evidence, so a freshly initialized project runs end to end
before you write any real task logic.

Use --force to reinitialize an existing project (WARNING: destroys existing configuration).`,
	RunE: runInit,
}

func init() {
	initCmd.Flags().BoolVarP(&forceInit, "force", "f", false, "Force reinitialization (removes existing factory.yml and tasks/)")
	rootCmd.AddCommand(initCmd)
}

func runInit(cmd *cobra.Command, args []string) error {
	// Check for existing files (unless --force)
	if !forceInit {
		if err := scaffold.CheckExisting(); err != nil {
			return err
		}
	}

	// Initialize the project
	if err := scaffold.Initialize(forceInit); err != nil {
		return fmt.Errorf("initialization failed: %w", err)
	}

	// Print success message
	scaffold.PrintSuccess()

	return nil
}
