package commands

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/mirqtio/LeadFactory-v1-sub006/internal/display"
	dockerpkg "github.com/mirqtio/LeadFactory-v1-sub006/internal/docker"
	"github.com/mirqtio/LeadFactory-v1-sub006/internal/instance"
)

var (
	statusInstanceName string
	statusConfigPath   string
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show queue depths and instance health",
	Long: `Show the health of a factory instance and its per-stage queue depths.

Reports:
  • Container state of the instance's Redis (when discovered via Docker)
  • Pending and inflight depth for every stage
  • Stages at or above the configured backpressure threshold
  • Open operator questions awaiting an answer

Examples:
  # Status of the default instance
  factory status

  # Status of a specific instance
  factory status --name prod`,
	RunE: runStatus,
}

func init() {
	statusCmd.Flags().StringVarP(&statusInstanceName, "name", "n", "", "Target instance name (FACTORY_INSTANCE_NAME or 'default' if omitted)")
	statusCmd.Flags().StringVarP(&statusConfigPath, "config", "c", "factory.yml", "Path to the factory configuration file")
	rootCmd.AddCommand(statusCmd)
}

func runStatus(cmd *cobra.Command, args []string) error {
	ctx := context.Background()

	conn, err := connectPipeline(ctx, statusInstanceName, statusConfigPath)
	if err != nil {
		return err
	}
	defer conn.Close()

	// Container state is only visible when Docker discovery is in play;
	// with REDIS_URL set there may be no containers at all.
	headline := fmt.Sprintf("Instance: %s", conn.InstanceName)
	if os.Getenv("REDIS_URL") == "" {
		if cli, err := dockerpkg.NewClient(ctx); err == nil {
			if containers, err := instance.FindInstanceContainers(ctx, cli, conn.InstanceName); err == nil {
				headline = fmt.Sprintf("Instance: %s (%s)", conn.InstanceName, instance.DetermineStatus(containers))
			}
			cli.Close()
		}
	}
	fmt.Println(headline)
	fmt.Println()

	// Per-stage queue depths
	depths, err := conn.Client.QueueDepths(ctx)
	if err != nil {
		return fmt.Errorf("failed to read queue depths: %w", err)
	}
	display.FormatDepthsTable(os.Stdout, depths, conn.Config.Supervisor.BackpressureDepth)

	// Open escalations
	questions, err := conn.Client.ListOpenQuestions(ctx)
	if err != nil {
		return fmt.Errorf("failed to list open questions: %w", err)
	}
	if len(questions) > 0 {
		fmt.Printf("\nOpen questions: %d (see 'factory questions')\n", len(questions))
	}

	return nil
}
