package commands

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/mirqtio/LeadFactory-v1-sub006/internal/printer"
	"github.com/mirqtio/LeadFactory-v1-sub006/internal/resolver"
	"github.com/mirqtio/LeadFactory-v1-sub006/pkg/pipeline"
)

var (
	cancelInstanceName string
	cancelConfigPath   string
)

var cancelCmd = &cobra.Command{
	Use:   "cancel ITEM_ID",
	Short: "Cancel a work item",
	Long: `Cancel a work item and remove it from every queue.

The item's record is deleted and a cancellation event is published. A worker
already running a task for the item finishes that task, but the result is
discarded because the item is gone. Short IDs are supported.

Examples:
  # Cancel by short ID
  factory cancel 1f0e8c

  # Cancel by full UUID on a specific instance
  factory cancel 1f0e8c52-4d0b-4a56-9a3d-6c1df3a9e210 --name prod`,
	Args: cobra.ExactArgs(1),
	RunE: runCancel,
}

func init() {
	cancelCmd.Flags().StringVarP(&cancelInstanceName, "name", "n", "", "Target instance name (FACTORY_INSTANCE_NAME or 'default' if omitted)")
	cancelCmd.Flags().StringVarP(&cancelConfigPath, "config", "c", "factory.yml", "Path to the factory configuration file")
	rootCmd.AddCommand(cancelCmd)
}

func runCancel(cmd *cobra.Command, args []string) error {
	ctx := context.Background()

	conn, err := connectPipeline(ctx, cancelInstanceName, cancelConfigPath)
	if err != nil {
		return err
	}
	defer conn.Close()

	// Resolve short ID to full UUID
	fullID, err := resolver.ResolveItemID(ctx, conn.Client, args[0])
	if err != nil {
		if resolver.IsNotFoundError(err) {
			return printer.Error(
				fmt.Sprintf("item with ID '%s' not found", args[0]),
				"The specified item does not exist on this instance.",
				[]string{
					"List all items:\n  factory items",
					fmt.Sprintf("Verify the instance:\n  factory status --name %s", conn.InstanceName),
				},
			)
		}
		if resolver.IsAmbiguousError(err) {
			ambigErr := err.(*resolver.AmbiguousError)
			fmt.Fprintln(os.Stderr, resolver.FormatAmbiguousError(ambigErr))
			return fmt.Errorf("ambiguous short ID")
		}
		return fmt.Errorf("failed to resolve item ID: %w", err)
	}

	if err := conn.Client.CancelItem(ctx, fullID); err != nil {
		if pipeline.IsNotFound(err) {
			return printer.Error(
				fmt.Sprintf("item with ID '%s' not found", fullID),
				"The item disappeared before it could be cancelled.",
				[]string{"List remaining items:\n  factory items"},
			)
		}
		return fmt.Errorf("failed to cancel item: %w", err)
	}

	printer.Success("Cancelled item %s\n", fullID)

	return nil
}
