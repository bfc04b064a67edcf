package commands

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/mirqtio/LeadFactory-v1-sub006/internal/config"
	dockerpkg "github.com/mirqtio/LeadFactory-v1-sub006/internal/docker"
	"github.com/mirqtio/LeadFactory-v1-sub006/internal/instance"
	"github.com/mirqtio/LeadFactory-v1-sub006/internal/printer"
	"github.com/mirqtio/LeadFactory-v1-sub006/pkg/pipeline"
)

// pipelineConn bundles what a data command needs to talk to one factory
// instance: the pipeline client, the loaded configuration, and the resolved
// instance name.
type pipelineConn struct {
	Client       *pipeline.Client
	Config       *config.FactoryConfig
	InstanceName string
}

// Close releases the underlying Redis connection.
func (p *pipelineConn) Close() error {
	return p.Client.Close()
}

// firstStage returns the entry stage of the configured pipeline.
// Load guarantees at least one stage, so indexing is safe.
func (p *pipelineConn) firstStage() string {
	return p.Config.Stages[0].Name
}

// connectPipeline resolves the target instance, loads the stage
// configuration, and returns a verified pipeline connection.
//
// The Redis address comes from REDIS_URL when set; otherwise the instance's
// Redis container is discovered through Docker labels. The connection is
// pinged before being handed to a command.
func connectPipeline(ctx context.Context, nameFlag, configPath string) (*pipelineConn, error) {
	// Phase 1: Instance resolution (flag > FACTORY_INSTANCE_NAME > default)
	targetInstanceName, err := instance.Resolve(nameFlag)
	if err != nil {
		return nil, err
	}

	// Phase 2: Configuration (the client needs the stage registry)
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, printer.Error(
			fmt.Sprintf("%s not found or invalid", configPath),
			fmt.Sprintf("Error: %v", err),
			[]string{
				"Initialize a project first:\n  factory init",
				"Point at a config elsewhere:\n  factory <command> --config path/to/factory.yml",
			},
		)
	}

	// Phase 3: Redis address (env override, else Docker label discovery)
	redisURL := os.Getenv("REDIS_URL")
	if redisURL == "" {
		cli, err := dockerpkg.NewClient(ctx)
		if err != nil {
			return nil, err
		}
		defer cli.Close()

		if err := instance.VerifyInstanceRunning(ctx, cli, targetInstanceName); err != nil {
			return nil, printer.Error(
				fmt.Sprintf("instance '%s' is not running", targetInstanceName),
				fmt.Sprintf("Error: %v", err),
				[]string{
					fmt.Sprintf("Start the instance:\n  factory up --name %s", targetInstanceName),
					"Target a non-Docker Redis directly:\n  REDIS_URL=redis://localhost:6379 factory <command>",
				},
			)
		}

		redisPort, err := instance.GetInstanceRedisPort(ctx, cli, targetInstanceName)
		if err != nil {
			return nil, printer.Error(
				"Redis port not found",
				fmt.Sprintf("Instance '%s' exists but its Redis port label is missing.", targetInstanceName),
				[]string{fmt.Sprintf("Restart the instance:\n  factory down --name %s\n  factory up --name %s", targetInstanceName, targetInstanceName)},
			)
		}
		redisURL = instance.GetRedisURL(redisPort)
	}

	redisOpts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse Redis URL: %w", err)
	}

	// Phase 4: Pipeline client
	registry, err := pipeline.NewRegistry(cfg.Schemas(), cfg.MaxAttempts())
	if err != nil {
		return nil, fmt.Errorf("invalid stage configuration: %w", err)
	}
	client, err := pipeline.NewClient(redisOpts, targetInstanceName, registry)
	if err != nil {
		return nil, fmt.Errorf("failed to create pipeline client: %w", err)
	}

	// Verify Redis connectivity
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx); err != nil {
		client.Close()
		return nil, printer.Error(
			"Redis connection failed",
			fmt.Sprintf("Could not connect to Redis at %s", redisURL),
			[]string{
				fmt.Sprintf("Check the Redis container:\n  docker logs %s", dockerpkg.RedisContainerName(targetInstanceName)),
				fmt.Sprintf("Restart if needed:\n  factory down --name %s\n  factory up --name %s", targetInstanceName, targetInstanceName),
			},
		)
	}

	return &pipelineConn{
		Client:       client,
		Config:       cfg,
		InstanceName: targetInstanceName,
	}, nil
}
