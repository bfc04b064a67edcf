package commands

import (
	"context"
	"fmt"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/volume"
	"github.com/spf13/cobra"

	dockerpkg "github.com/mirqtio/LeadFactory-v1-sub006/internal/docker"
	"github.com/mirqtio/LeadFactory-v1-sub006/internal/instance"
	"github.com/mirqtio/LeadFactory-v1-sub006/internal/printer"
)

var (
	downInstanceName string
	downDestroyData  bool
)

var downCmd = &cobra.Command{
	Use:   "down",
	Short: "Stop a factory instance",
	Long: `Stop and remove the Docker resources of a factory instance.

This includes:
  • The Redis container
  • Docker network

The Redis data volume is kept by default, so 'factory up' with the same name
resumes with queues intact. Pass --destroy-data to remove it as well.
The command does not prompt for confirmation and executes immediately.

Examples:
  # Stop the default instance
  factory down

  # Stop a specific instance
  factory down --name prod

  # Stop an instance and discard all queue state
  factory down --name prod --destroy-data`,
	RunE: runDown,
}

func init() {
	downCmd.Flags().StringVarP(&downInstanceName, "name", "n", "", "Target instance name (FACTORY_INSTANCE_NAME or 'default' if omitted)")
	downCmd.Flags().BoolVar(&downDestroyData, "destroy-data", false, "Also remove the instance's Redis data volume")
	rootCmd.AddCommand(downCmd)
}

func runDown(cmd *cobra.Command, args []string) error {
	ctx := context.Background()

	// Create Docker client
	cli, err := dockerpkg.NewClient(ctx)
	if err != nil {
		return err
	}
	defer cli.Close()

	// Phase 1: Instance resolution
	targetInstanceName, err := instance.Resolve(downInstanceName)
	if err != nil {
		return err
	}

	// Find all containers for this instance
	containerFilters := filters.NewArgs()
	containerFilters.Add("label", fmt.Sprintf("%s=%s", dockerpkg.LabelInstance, targetInstanceName))

	containers, err := cli.ContainerList(ctx, container.ListOptions{
		All:     true,
		Filters: containerFilters,
	})
	if err != nil {
		return fmt.Errorf("failed to list containers: %w", err)
	}

	// With --destroy-data, proceed even without containers so a stale
	// volume from an earlier instance can still be cleaned up.
	if len(containers) == 0 && !downDestroyData {
		return printer.Error(
			fmt.Sprintf("instance '%s' not found", targetInstanceName),
			fmt.Sprintf("No containers found with instance name '%s'.", targetInstanceName),
			[]string{
				"Start an instance first:\n  factory up",
				"Target another instance:\n  factory down --name <instance-name>",
			},
		)
	}

	// Stop containers (10s graceful timeout)
	timeout := 10
	for _, c := range containers {
		containerName := c.Names[0]
		printer.Step("Stopping %s...\n", containerName)
		if err := cli.ContainerStop(ctx, c.ID, container.StopOptions{Timeout: &timeout}); err != nil {
			// Log but continue - container might already be stopped
			printer.Warning("failed to stop %s: %v\n", containerName, err)
		}
	}

	// Remove containers. RemoveVolumes only covers anonymous volumes, so
	// the named data volume survives this step.
	for _, c := range containers {
		containerName := c.Names[0]
		printer.Step("Removing %s...\n", containerName)
		if err := cli.ContainerRemove(ctx, c.ID, container.RemoveOptions{Force: true, RemoveVolumes: true}); err != nil {
			return fmt.Errorf("failed to remove %s: %w", containerName, err)
		}
	}

	// Find and remove network
	networkFilters := filters.NewArgs()
	networkFilters.Add("label", fmt.Sprintf("%s=%s", dockerpkg.LabelInstance, targetInstanceName))

	networks, err := cli.NetworkList(ctx, types.NetworkListOptions{
		Filters: networkFilters,
	})
	if err != nil {
		return fmt.Errorf("failed to list networks: %w", err)
	}

	for _, net := range networks {
		printer.Step("Removing network %s...\n", net.Name)
		if err := cli.NetworkRemove(ctx, net.ID); err != nil {
			return fmt.Errorf("failed to remove network %s: %w", net.Name, err)
		}
	}

	if !downDestroyData {
		printer.Success("\nInstance '%s' removed successfully\n", targetInstanceName)
		printer.Info("Queue data kept in volume %s (pass --destroy-data to remove it)\n", dockerpkg.RedisVolumeName(targetInstanceName))
		return nil
	}

	// Remove the data volume
	volumeFilters := filters.NewArgs()
	volumeFilters.Add("label", fmt.Sprintf("%s=%s", dockerpkg.LabelInstance, targetInstanceName))

	volumes, err := cli.VolumeList(ctx, volume.ListOptions{Filters: volumeFilters})
	if err != nil {
		return fmt.Errorf("failed to list volumes: %w", err)
	}

	for _, vol := range volumes.Volumes {
		printer.Step("Removing volume %s...\n", vol.Name)
		if err := cli.VolumeRemove(ctx, vol.Name, true); err != nil {
			return fmt.Errorf("failed to remove volume %s: %w", vol.Name, err)
		}
	}

	printer.Success("\nInstance '%s' and its queue data removed\n", targetInstanceName)

	return nil
}
