// Package instance manages factory instance identity: name validation and
// generation, Redis port allocation, and discovery of running instances
// through Docker labels.
package instance

import (
	"context"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/client"

	dockerpkg "github.com/mirqtio/LeadFactory-v1-sub006/internal/docker"
)

const (
	// DefaultName is the instance name used when none is given
	DefaultName = "default"

	// MaxNameLength is the maximum length for an instance name (DNS-compatible)
	MaxNameLength = 63
)

var (
	// NamePattern is the regex pattern for valid instance names
	// Must be DNS-compatible: lowercase alphanumeric, hyphens allowed (but not at start/end)
	// Allows single character or multiple characters with optional hyphens in between
	NamePattern = regexp.MustCompile(`^[a-z0-9]([-a-z0-9]*[a-z0-9])?$`)
)

// ValidateName checks if an instance name is valid according to DNS naming rules.
func ValidateName(name string) error {
	if name == "" {
		return fmt.Errorf("instance name cannot be empty")
	}

	if len(name) > MaxNameLength {
		return fmt.Errorf("instance name too long: %d characters (max: %d)", len(name), MaxNameLength)
	}

	if !NamePattern.MatchString(name) {
		return fmt.Errorf("invalid instance name '%s': must be lowercase alphanumeric with hyphens (not at start/end)", name)
	}

	return nil
}

// GenerateDefaultName picks the next free default instance name: "default"
// if it is unused, otherwise "default-2", "default-3", and so on. It queries
// Docker for existing factory containers to see which names are taken.
func GenerateDefaultName(ctx context.Context, cli *client.Client) (string, error) {
	filter := filters.NewArgs()
	filter.Add("label", fmt.Sprintf("%s=true", dockerpkg.LabelProject))

	containers, err := cli.ContainerList(ctx, types.ContainerListOptions{
		All:     true,
		Filters: filter,
	})
	if err != nil {
		return "", fmt.Errorf("failed to list containers: %w", err)
	}

	names := make([]string, 0, len(containers))
	for _, container := range containers {
		names = append(names, container.Labels[dockerpkg.LabelInstance])
	}

	return nextDefaultName(names), nil
}

// nextDefaultName finds the highest default-N already in use and returns the
// next one. A bare "default" counts as 1, so the sequence runs default,
// default-2, default-3, ...
func nextDefaultName(existing []string) string {
	highestN := 0
	for _, name := range existing {
		if name == DefaultName {
			if highestN < 1 {
				highestN = 1
			}
			continue
		}
		if strings.HasPrefix(name, DefaultName+"-") {
			numStr := strings.TrimPrefix(name, DefaultName+"-")
			if n, err := strconv.Atoi(numStr); err == nil && n > highestN {
				highestN = n
			}
		}
	}

	if highestN == 0 {
		return DefaultName
	}
	return fmt.Sprintf("%s-%d", DefaultName, highestN+1)
}

// CheckNameCollision checks if an instance with the given name already exists.
// Returns true if a collision exists (name is in use).
func CheckNameCollision(ctx context.Context, cli *client.Client, instanceName string) (bool, error) {
	filter := filters.NewArgs()
	filter.Add("label", fmt.Sprintf("%s=%s", dockerpkg.LabelInstance, instanceName))

	containers, err := cli.ContainerList(ctx, types.ContainerListOptions{
		All:     true,
		Filters: filter,
	})
	if err != nil {
		return false, fmt.Errorf("failed to check for name collision: %w", err)
	}

	return len(containers) > 0, nil
}
