package commands

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/volume"
	"github.com/docker/docker/client"
	"github.com/docker/go-connections/nat"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/mirqtio/LeadFactory-v1-sub006/internal/config"
	dockerpkg "github.com/mirqtio/LeadFactory-v1-sub006/internal/docker"
	"github.com/mirqtio/LeadFactory-v1-sub006/internal/instance"
	"github.com/mirqtio/LeadFactory-v1-sub006/pkg/pipeline"
)

const redisImage = "redis:7-alpine"

var (
	upInstanceName string
	upConfigPath   string
)

var upCmd = &cobra.Command{
	Use:   "up",
	Short: "Start a factory instance",
	Long: `Start a new factory instance backed by a dedicated Redis container.

Creates and starts:
  • Isolated Docker network
  • Named volume for Redis persistence (queue state survives restarts)
  • Redis container with AOF enabled, bound to a free local port

The instance name is auto-generated (default-N) unless specified with --name.
Evidence schemas from factory.yml are registered in Redis once the container
is reachable, so workers and the supervisor can start immediately.`,
	RunE: runUp,
}

func init() {
	upCmd.Flags().StringVar(&upInstanceName, "name", "", "Instance name (auto-generated if omitted)")
	upCmd.Flags().StringVarP(&upConfigPath, "config", "c", "factory.yml", "Path to the factory configuration file")
	rootCmd.AddCommand(upCmd)
}

func runUp(cmd *cobra.Command, args []string) error {
	ctx := context.Background()

	// Phase 1: Configuration Validation
	cfg, err := config.Load(upConfigPath)
	if err != nil {
		return fmt.Errorf(`%s not found or invalid

No valid configuration file found.

Initialize your project first:
  factory init

Then retry: factory up

Error details: %w`, upConfigPath, err)
	}

	// Create Docker client
	cli, err := dockerpkg.NewClient(ctx)
	if err != nil {
		return err
	}
	defer cli.Close()

	// Phase 2: Instance Name Determination
	targetInstanceName := upInstanceName
	if targetInstanceName == "" {
		// Auto-generate default-N name
		targetInstanceName, err = instance.GenerateDefaultName(ctx, cli)
		if err != nil {
			return fmt.Errorf("failed to generate instance name: %w", err)
		}
	}

	// Validate instance name
	if err := instance.ValidateName(targetInstanceName); err != nil {
		return err
	}

	// Check for name collision
	nameCollision, err := instance.CheckNameCollision(ctx, cli, targetInstanceName)
	if err != nil {
		return err
	}
	if nameCollision {
		return fmt.Errorf(`instance '%s' already exists

Found existing containers with this instance name.

Either:
  1. Stop the existing instance: factory down --name %s
  2. Choose a different name: factory up --name other-name`, targetInstanceName, targetInstanceName)
	}

	// Phase 3: Resource Creation
	runID := dockerpkg.GenerateRunID()
	redisPort, err := createInstance(ctx, cli, targetInstanceName, runID)
	if err != nil {
		// Attempt rollback on failure
		fmt.Printf("\nResource creation failed. Rolling back...\n")
		if rollbackErr := rollbackInstance(ctx, cli, targetInstanceName); rollbackErr != nil {
			fmt.Printf("Warning: rollback encountered errors: %v\n", rollbackErr)
		}
		return fmt.Errorf("failed to create instance: %w", err)
	}

	// Phase 4: Schema Registration
	if err := registerSchemas(ctx, cfg, targetInstanceName, redisPort); err != nil {
		fmt.Printf("\nSchema registration failed. Rolling back...\n")
		if rollbackErr := rollbackInstance(ctx, cli, targetInstanceName); rollbackErr != nil {
			fmt.Printf("Warning: rollback encountered errors: %v\n", rollbackErr)
		}
		return fmt.Errorf("failed to register evidence schemas: %w", err)
	}

	// Success message
	printUpSuccess(targetInstanceName, redisPort, cfg)

	return nil
}

func createInstance(ctx context.Context, cli *client.Client, instanceName, runID string) (int, error) {
	// Step 1: Allocate Redis port
	redisPort, err := instance.FindNextAvailablePort(ctx, cli)
	if err != nil {
		return 0, fmt.Errorf("failed to allocate Redis port: %w", err)
	}

	fmt.Printf("✓ Allocated Redis port: %d\n", redisPort)

	// Step 2: Create isolated network
	networkName := dockerpkg.NetworkName(instanceName)
	networkLabels := dockerpkg.BuildLabels(instanceName, runID, "")

	_, err = cli.NetworkCreate(ctx, networkName, types.NetworkCreate{
		Driver: "bridge",
		Labels: networkLabels,
	})
	if err != nil {
		return 0, fmt.Errorf("failed to create network '%s': %w", networkName, err)
	}

	fmt.Printf("✓ Created network: %s\n", networkName)

	// Step 3: Create named volume for queue persistence.
	// VolumeCreate returns the existing volume when the name is already
	// taken, so a down/up cycle reattaches the previous queue state.
	volumeName := dockerpkg.RedisVolumeName(instanceName)
	_, err = cli.VolumeCreate(ctx, volume.CreateOptions{
		Name:   volumeName,
		Labels: dockerpkg.BuildLabels(instanceName, runID, "redis-data"),
	})
	if err != nil {
		return 0, fmt.Errorf("failed to create volume '%s': %w", volumeName, err)
	}

	fmt.Printf("✓ Created volume: %s\n", volumeName)

	// Step 4: Pull Redis image if not present locally
	if err := ensureImage(ctx, cli, redisImage); err != nil {
		return 0, fmt.Errorf("failed to pull image '%s': %w", redisImage, err)
	}

	// Step 5: Start Redis container with AOF persistence and port mapping
	redisName := dockerpkg.RedisContainerName(instanceName)
	redisLabels := dockerpkg.BuildLabels(instanceName, runID, "redis")
	// Add Redis port label
	redisLabels[dockerpkg.LabelRedisPort] = fmt.Sprintf("%d", redisPort)

	redisResp, err := cli.ContainerCreate(ctx, &container.Config{
		Image:  redisImage,
		Cmd:    []string{"redis-server", "--appendonly", "yes", "--dir", "/data"},
		Labels: redisLabels,
		ExposedPorts: nat.PortSet{
			"6379/tcp": struct{}{},
		},
	}, &container.HostConfig{
		NetworkMode: container.NetworkMode(networkName),
		Binds: []string{
			fmt.Sprintf("%s:/data", volumeName),
		},
		PortBindings: nat.PortMap{
			"6379/tcp": []nat.PortBinding{
				{
					HostIP:   "127.0.0.1",
					HostPort: fmt.Sprintf("%d", redisPort),
				},
			},
		},
	}, nil, nil, redisName)
	if err != nil {
		return 0, fmt.Errorf("failed to create Redis container: %w", err)
	}

	if err := cli.ContainerStart(ctx, redisResp.ID, container.StartOptions{}); err != nil {
		return 0, fmt.Errorf("failed to start Redis container: %w", err)
	}

	fmt.Printf("✓ Started Redis container: %s (port %d)\n", redisName, redisPort)

	return redisPort, nil
}

// ensureImage pulls the image when it is not available locally.
func ensureImage(ctx context.Context, cli *client.Client, image string) error {
	_, _, err := cli.ImageInspectWithRaw(ctx, image)
	if err == nil {
		return nil
	}

	fmt.Printf("Pulling image %s...\n", image)
	reader, err := cli.ImagePull(ctx, image, types.ImagePullOptions{})
	if err != nil {
		return err
	}
	defer reader.Close()

	// Wait for the pull to complete
	if _, err := io.Copy(io.Discard, reader); err != nil {
		return err
	}

	fmt.Printf("✓ Pulled image: %s\n", image)
	return nil
}

// registerSchemas waits for Redis to accept connections, then writes the
// evidence schemas from the configuration into the new instance.
func registerSchemas(ctx context.Context, cfg *config.FactoryConfig, instanceName string, redisPort int) error {
	redisOpts, err := redis.ParseURL(instance.GetRedisURL(redisPort))
	if err != nil {
		return fmt.Errorf("failed to parse Redis URL: %w", err)
	}

	registry, err := pipeline.NewRegistry(cfg.Schemas(), cfg.MaxAttempts())
	if err != nil {
		return fmt.Errorf("invalid stage configuration: %w", err)
	}

	pipelineClient, err := pipeline.NewClient(redisOpts, instanceName, registry)
	if err != nil {
		return fmt.Errorf("failed to create pipeline client: %w", err)
	}
	defer pipelineClient.Close()

	// Redis needs a moment to accept connections after the container starts
	deadline := time.Now().Add(10 * time.Second)
	for {
		pingCtx, cancel := context.WithTimeout(ctx, time.Second)
		err = pipelineClient.Ping(pingCtx)
		cancel()
		if err == nil {
			break
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("redis did not become ready: %w", err)
		}
		time.Sleep(250 * time.Millisecond)
	}

	if err := pipelineClient.RegisterSchemas(ctx); err != nil {
		return err
	}

	fmt.Printf("✓ Registered evidence schemas for %d stage(s)\n", len(cfg.Stages))
	return nil
}

func rollbackInstance(ctx context.Context, cli *client.Client, instanceName string) error {
	timeout := 10

	// Find all containers for this instance
	containers, err := cli.ContainerList(ctx, container.ListOptions{
		All: true,
		Filters: filters.NewArgs(
			filters.Arg("label", fmt.Sprintf("%s=%s", dockerpkg.LabelInstance, instanceName)),
		),
	})
	if err != nil {
		return fmt.Errorf("failed to list containers: %w", err)
	}

	// Stop and remove containers
	for _, c := range containers {
		fmt.Printf("  Stopping %s...\n", c.Names[0])
		_ = cli.ContainerStop(ctx, c.ID, container.StopOptions{Timeout: &timeout})

		fmt.Printf("  Removing %s...\n", c.Names[0])
		if err := cli.ContainerRemove(ctx, c.ID, container.RemoveOptions{Force: true}); err != nil {
			fmt.Printf("  Warning: failed to remove %s: %v\n", c.Names[0], err)
		}
	}

	// Remove network. The data volume is left in place: 'factory down
	// --destroy-data' is the explicit path for discarding queue state.
	networks, err := cli.NetworkList(ctx, types.NetworkListOptions{
		Filters: filters.NewArgs(
			filters.Arg("label", fmt.Sprintf("%s=%s", dockerpkg.LabelInstance, instanceName)),
		),
	})
	if err != nil {
		return fmt.Errorf("failed to list networks: %w", err)
	}

	for _, net := range networks {
		fmt.Printf("  Removing network %s...\n", net.Name)
		if err := cli.NetworkRemove(ctx, net.ID); err != nil {
			fmt.Printf("  Warning: failed to remove network %s: %v\n", net.Name, err)
		}
	}

	return nil
}

func printUpSuccess(instanceName string, redisPort int, cfg *config.FactoryConfig) {
	fmt.Printf("\n✓ Instance '%s' started successfully\n\n", instanceName)
	fmt.Printf("Containers:\n")
	fmt.Printf("  • %s (running)\n", dockerpkg.RedisContainerName(instanceName))
	fmt.Printf("\n")
	fmt.Printf("Network:\n")
	fmt.Printf("  • %s\n", dockerpkg.NetworkName(instanceName))
	fmt.Printf("\n")
	fmt.Printf("Data volume:\n")
	fmt.Printf("  • %s (kept across 'factory down')\n", dockerpkg.RedisVolumeName(instanceName))
	fmt.Printf("\n")
	fmt.Printf("Redis: localhost:%d\n", redisPort)
	fmt.Printf("\n")
	fmt.Printf("Next steps:\n")
	fmt.Printf("  1. Start the supervisor (runs the configured worker pools):\n")
	fmt.Printf("       FACTORY_INSTANCE_NAME=%s REDIS_URL=redis://localhost:%d supervisor -config factory.yml\n", instanceName, redisPort)
	fmt.Printf("  2. Queue your first item:\n")
	fmt.Printf("       factory enqueue --title \"First work item\"\n")
	fmt.Printf("  3. Watch it move:\n")
	fmt.Printf("       factory watch --name %s\n", instanceName)
	fmt.Printf("\n")
	fmt.Printf("Need more throughput on one stage? Add a standalone pool:\n")
	fmt.Printf("  FACTORY_INSTANCE_NAME=%s REDIS_URL=redis://localhost:%d worker -stage %s -workers 4 -config factory.yml\n", instanceName, redisPort, cfg.Stages[0].Name)
}
