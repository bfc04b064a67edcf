package commands

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/mirqtio/LeadFactory-v1-sub006/internal/display"
	"github.com/mirqtio/LeadFactory-v1-sub006/internal/printer"
	"github.com/mirqtio/LeadFactory-v1-sub006/pkg/pipeline"
)

var (
	enqueueInstanceName string
	enqueueConfigPath   string
	enqueueTitle        string
	enqueuePayload      string
	enqueueWatch        bool
)

var enqueueCmd = &cobra.Command{
	Use:   "enqueue",
	Short: "Queue a work item at the first stage",
	Long: `Queue a new work item at the first stage of the pipeline.

The item enters the pending queue of the first configured stage and is
picked up by the next free worker. The payload is an opaque string handed
to stage tasks unchanged; use it to carry JSON or references into your tasks.

Examples:
  # Queue an item on the default instance
  factory enqueue --title "Implement login endpoint"

  # Attach a payload for the stage tasks
  factory enqueue --title "Ticket 4711" --payload '{"ticket": 4711}'

  # Queue an item and watch it travel through the pipeline
  factory enqueue --watch --title "Hotfix: rate limiter"`,
	RunE: runEnqueue,
}

func init() {
	enqueueCmd.Flags().StringVarP(&enqueueInstanceName, "name", "n", "", "Target instance name (FACTORY_INSTANCE_NAME or 'default' if omitted)")
	enqueueCmd.Flags().StringVarP(&enqueueConfigPath, "config", "c", "factory.yml", "Path to the factory configuration file")
	enqueueCmd.Flags().StringVarP(&enqueueTitle, "title", "t", "", "Item title (required)")
	enqueueCmd.Flags().StringVarP(&enqueuePayload, "payload", "p", "", "Opaque payload handed to stage tasks")
	enqueueCmd.Flags().BoolVarP(&enqueueWatch, "watch", "w", false, "Stream item events after enqueueing")
	enqueueCmd.MarkFlagRequired("title")
	rootCmd.AddCommand(enqueueCmd)
}

func runEnqueue(cmd *cobra.Command, args []string) error {
	ctx := context.Background()

	conn, err := connectPipeline(ctx, enqueueInstanceName, enqueueConfigPath)
	if err != nil {
		return err
	}
	defer conn.Close()

	item := pipeline.NewWorkItem(enqueueTitle, enqueuePayload)
	stage := conn.firstStage()

	// With --watch, subscribe BEFORE enqueueing to catch all events
	if enqueueWatch {
		streamDone := make(chan error, 1)
		go func() {
			streamDone <- display.StreamEvents(ctx, conn.Client, conn.InstanceName, display.OutputFormatDefault, os.Stdout)
		}()

		// Give subscription time to set up before publishing
		time.Sleep(100 * time.Millisecond)

		if err := conn.Client.Enqueue(ctx, item, stage); err != nil {
			return fmt.Errorf("failed to enqueue item: %w", err)
		}

		// Wait for streaming to complete (typically on Ctrl+C)
		return <-streamDone
	}

	if err := conn.Client.Enqueue(ctx, item, stage); err != nil {
		return fmt.Errorf("failed to enqueue item: %w", err)
	}

	printer.Success("Queued item %s at stage '%s'\n", item.ID, stage)

	printer.Info("\nNext steps:\n")
	printer.Info("  • Inspect the item: factory item %s\n", item.ID[:8])
	printer.Info("  • Watch progress: factory watch --name %s\n", conn.InstanceName)

	return nil
}
