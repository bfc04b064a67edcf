package commands

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/mirqtio/LeadFactory-v1-sub006/internal/display"
	"github.com/mirqtio/LeadFactory-v1-sub006/internal/printer"
)

var (
	watchInstanceName string
	watchConfigPath   string
	watchOutputFormat string
)

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Stream item lifecycle events in real time",
	Long: `Stream item lifecycle events as they occur.

Shows enqueues, promotions, completions, rework returns, attempt
exhaustion, lease reclaims, and cancellations, providing complete
visibility into pipeline execution. Runs until interrupted.

Output Formats:
  default - Human-readable lines with timestamps
  jsonl   - Line-delimited JSON for programmatic processing

Examples:
  # Watch the default instance
  factory watch

  # Watch a specific instance
  factory watch --name prod

  # Export events as JSONL
  factory watch --output=jsonl > events.jsonl`,
	RunE: runWatch,
}

func init() {
	watchCmd.Flags().StringVarP(&watchInstanceName, "name", "n", "", "Target instance name (FACTORY_INSTANCE_NAME or 'default' if omitted)")
	watchCmd.Flags().StringVarP(&watchConfigPath, "config", "c", "factory.yml", "Path to the factory configuration file")
	watchCmd.Flags().StringVarP(&watchOutputFormat, "output", "o", "default", "Output format (default or jsonl)")
	rootCmd.AddCommand(watchCmd)
}

func runWatch(cmd *cobra.Command, args []string) error {
	// Validate output format
	var outputFormat display.OutputFormat
	switch watchOutputFormat {
	case "default":
		outputFormat = display.OutputFormatDefault
	case "jsonl":
		outputFormat = display.OutputFormatJSONL
	default:
		return printer.Error(
			"invalid output format",
			fmt.Sprintf("Unknown format: %s", watchOutputFormat),
			[]string{"Valid formats: default, jsonl"},
		)
	}

	// Stop streaming on Ctrl+C or SIGTERM
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	conn, err := connectPipeline(ctx, watchInstanceName, watchConfigPath)
	if err != nil {
		return err
	}
	defer conn.Close()

	return display.StreamEvents(ctx, conn.Client, conn.InstanceName, outputFormat, os.Stdout)
}
