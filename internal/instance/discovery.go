package instance

import (
	"context"
	"fmt"
	"os"
	"strconv"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/client"

	dockerpkg "github.com/mirqtio/LeadFactory-v1-sub006/internal/docker"
)

// Resolve determines which instance a command targets: the --name flag if
// given, else the FACTORY_INSTANCE_NAME environment variable, else "default".
func Resolve(flagName string) (string, error) {
	name := flagName
	if name == "" {
		name = os.Getenv("FACTORY_INSTANCE_NAME")
	}
	if name == "" {
		name = DefaultName
	}
	if err := ValidateName(name); err != nil {
		return "", err
	}
	return name, nil
}

// FindInstanceContainers lists all containers belonging to the given instance,
// running or not.
func FindInstanceContainers(ctx context.Context, cli *client.Client, instanceName string) ([]types.Container, error) {
	filter := filters.NewArgs()
	filter.Add("label", fmt.Sprintf("%s=%s", dockerpkg.LabelInstance, instanceName))

	containers, err := cli.ContainerList(ctx, types.ContainerListOptions{
		All:     true,
		Filters: filter,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list containers: %w", err)
	}

	return containers, nil
}

// GetInstanceRedisPort retrieves the Redis port for the given instance from Docker labels.
// Returns an error if the Redis container is not found or the port label is missing.
func GetInstanceRedisPort(ctx context.Context, cli *client.Client, instanceName string) (int, error) {
	// Find Redis container for this instance
	filter := filters.NewArgs()
	filter.Add("label", fmt.Sprintf("%s=%s", dockerpkg.LabelInstance, instanceName))
	filter.Add("label", fmt.Sprintf("%s=redis", dockerpkg.LabelRole))

	containers, err := cli.ContainerList(ctx, types.ContainerListOptions{
		All:     true,
		Filters: filter,
	})
	if err != nil {
		return 0, fmt.Errorf("failed to list containers: %w", err)
	}

	if len(containers) == 0 {
		return 0, fmt.Errorf("Redis container not found for instance '%s'", instanceName)
	}

	// Get port from label
	redisContainer := containers[0]
	portStr, ok := redisContainer.Labels[dockerpkg.LabelRedisPort]
	if !ok {
		return 0, fmt.Errorf("Redis port label missing for instance '%s'", instanceName)
	}

	port, err := strconv.Atoi(portStr)
	if err != nil {
		return 0, fmt.Errorf("invalid Redis port '%s': %w", portStr, err)
	}

	return port, nil
}

// VerifyInstanceRunning checks if the given instance's containers are running.
// Redis is the only essential container: the supervisor and workers run as
// host processes, so only the queue substrate must be up for the CLI to work.
func VerifyInstanceRunning(ctx context.Context, cli *client.Client, instanceName string) error {
	containers, err := FindInstanceContainers(ctx, cli, instanceName)
	if err != nil {
		return err
	}

	if len(containers) == 0 {
		return fmt.Errorf("instance '%s' not found", instanceName)
	}

	for _, container := range containers {
		if container.Labels[dockerpkg.LabelRole] != "redis" {
			continue
		}
		if container.State != "running" {
			return fmt.Errorf("instance '%s' is not running (redis is %s)", instanceName, container.State)
		}
		return nil
	}

	return fmt.Errorf("instance '%s' is missing its redis container", instanceName)
}
