package commands

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/mirqtio/LeadFactory-v1-sub006/internal/display"
	"github.com/mirqtio/LeadFactory-v1-sub006/internal/printer"
	"github.com/mirqtio/LeadFactory-v1-sub006/internal/resolver"
	"github.com/mirqtio/LeadFactory-v1-sub006/pkg/pipeline"
)

var (
	itemInstanceName string
	itemConfigPath   string
)

var itemCmd = &cobra.Command{
	Use:   "item ITEM_ID",
	Short: "Show one work item in full",
	Long: `Show the complete state of a single work item as pretty-printed JSON,
including accumulated evidence, attempt counters, and stage completions.

Supports short IDs: any unique prefix of at least 6 characters resolves
to the full item.

Examples:
  # Full UUID
  factory item 1f0e8c52-4d0b-4a56-9a3d-6c1df3a9e210

  # Short prefix
  factory item 1f0e8c`,
	Args: cobra.ExactArgs(1),
	RunE: runItem,
}

func init() {
	itemCmd.Flags().StringVarP(&itemInstanceName, "name", "n", "", "Target instance name (FACTORY_INSTANCE_NAME or 'default' if omitted)")
	itemCmd.Flags().StringVarP(&itemConfigPath, "config", "c", "factory.yml", "Path to the factory configuration file")
	rootCmd.AddCommand(itemCmd)
}

func runItem(cmd *cobra.Command, args []string) error {
	ctx := context.Background()

	conn, err := connectPipeline(ctx, itemInstanceName, itemConfigPath)
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

	// Fetch and display the item
	item, err := conn.Client.GetItem(ctx, fullID)
	if err != nil {
		if pipeline.IsNotFound(err) {
			return printer.Error(
				fmt.Sprintf("item with ID '%s' not found", fullID),
				"The item was resolved but could not be fetched.",
				[]string{"This might indicate a concurrent cancel. Try again."},
			)
		}
		return fmt.Errorf("failed to get item: %w", err)
	}

	return display.FormatSingleItemJSON(os.Stdout, item)
}
