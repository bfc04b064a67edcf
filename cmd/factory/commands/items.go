package commands

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/mirqtio/LeadFactory-v1-sub006/internal/display"
	"github.com/mirqtio/LeadFactory-v1-sub006/internal/printer"
	"github.com/mirqtio/LeadFactory-v1-sub006/internal/timespec"
	"github.com/mirqtio/LeadFactory-v1-sub006/pkg/pipeline"
)

var (
	itemsInstanceName string
	itemsConfigPath   string
	itemsOutputFormat string
	itemsState        string
	itemsStage        string
	itemsSince        string
)

var itemsCmd = &cobra.Command{
	Use:   "items",
	Short: "List work items with filtering",
	Long: `List work items, optionally filtered by state, stage, or creation time.

Output Formats:
  default - Human-readable table with ID, STATE, ATTEMPTS, AGE, and TITLE
  jsonl   - Line-delimited JSON, one item per line

Filters:
  --state  - queued, inflight, complete, or failed
  --stage  - Items currently at this stage
  --since  - Items created after this time (duration or RFC3339)

Examples:
  # List all items
  factory items

  # Everything waiting at the dev stage
  factory items --state queued --stage dev

  # Failures of the last day, as JSONL for piping to jq
  factory items --state failed --since 24h --output jsonl`,
	RunE: runItems,
}

func init() {
	itemsCmd.Flags().StringVarP(&itemsInstanceName, "name", "n", "", "Target instance name (FACTORY_INSTANCE_NAME or 'default' if omitted)")
	itemsCmd.Flags().StringVarP(&itemsConfigPath, "config", "c", "factory.yml", "Path to the factory configuration file")
	itemsCmd.Flags().StringVarP(&itemsOutputFormat, "output", "o", "default", "Output format: default or jsonl")

	// Content filters
	itemsCmd.Flags().StringVar(&itemsState, "state", "", "Filter by state: queued, inflight, complete, or failed")
	itemsCmd.Flags().StringVar(&itemsStage, "stage", "", "Filter by current stage")

	// Time filter
	itemsCmd.Flags().StringVar(&itemsSince, "since", "", "Show items created after time (duration or RFC3339)")

	rootCmd.AddCommand(itemsCmd)
}

func runItems(cmd *cobra.Command, args []string) error {
	ctx := context.Background()

	// Validate output format
	var outputFormat display.OutputFormat
	switch itemsOutputFormat {
	case "default":
		outputFormat = display.OutputFormatDefault
	case "jsonl":
		outputFormat = display.OutputFormatJSONL
	default:
		return printer.Error(
			"invalid output format",
			fmt.Sprintf("Unknown format: %s", itemsOutputFormat),
			[]string{"Valid formats: default, jsonl"},
		)
	}

	// Validate state filter
	switch itemsState {
	case "", "queued", "inflight", "complete", "failed":
	default:
		return printer.Error(
			"invalid state filter",
			fmt.Sprintf("Unknown state: %s", itemsState),
			[]string{"Valid states: queued, inflight, complete, failed"},
		)
	}

	// Parse time filter
	var sinceMs int64
	if itemsSince != "" {
		var err error
		sinceMs, err = timespec.Parse(itemsSince)
		if err != nil {
			return printer.Error(
				"invalid time filter",
				err.Error(),
				[]string{"Use duration format like '1h30m' or RFC3339 like '2026-08-25T13:00:00Z'"},
			)
		}
	}

	conn, err := connectPipeline(ctx, itemsInstanceName, itemsConfigPath)
	if err != nil {
		return err
	}
	defer conn.Close()

	filter := &pipeline.ItemFilter{
		Phase:   itemsState,
		Stage:   itemsStage,
		SinceMs: sinceMs,
	}

	items, err := conn.Client.ListItems(ctx, filter)
	if err != nil {
		return fmt.Errorf("failed to list items: %w", err)
	}

	if outputFormat == display.OutputFormatJSONL {
		return display.FormatItemsJSONL(os.Stdout, items)
	}

	display.FormatItemsTable(os.Stdout, items, conn.InstanceName)
	return nil
}
