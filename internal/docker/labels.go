package docker

import (
	"fmt"

	"github.com/google/uuid"
)

// Label keys used for factory resources
const (
	LabelProject   = "factory.project"
	LabelInstance  = "factory.instance"
	LabelRole      = "factory.role"
	LabelRunID     = "factory.run_id"
	LabelRedisPort = "factory.redis.port"
)

// BuildLabels creates the standard label set for all factory resources.
// Role is resource-specific and may be empty for shared resources like
// the network.
func BuildLabels(instanceName, runID, role string) map[string]string {
	labels := map[string]string{
		LabelProject:  "true",
		LabelInstance: instanceName,
		LabelRunID:    runID,
	}

	if role != "" {
		labels[LabelRole] = role
	}

	return labels
}

// GenerateRunID creates a new UUID for an instance run.
// Each invocation of `factory up` gets a unique run ID.
func GenerateRunID() string {
	return uuid.New().String()
}

// Resource naming conventions for factory components

// NetworkName returns the Docker network name for an instance
func NetworkName(instanceName string) string {
	return fmt.Sprintf("factory-network-%s", instanceName)
}

// RedisContainerName returns the Redis container name for an instance
func RedisContainerName(instanceName string) string {
	return fmt.Sprintf("factory-redis-%s", instanceName)
}

// RedisVolumeName returns the named volume holding an instance's Redis
// data. The volume outlives `factory down` so queue state survives
// restarts; `factory down --destroy-data` removes it.
func RedisVolumeName(instanceName string) string {
	return fmt.Sprintf("factory-redis-data-%s", instanceName)
}
