package instance

import (
	"context"
	"fmt"
	"net"
	"testing"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/client"
	"github.com/stretchr/testify/require"

	dockerpkg "github.com/mirqtio/LeadFactory-v1-sub006/internal/docker"
)

func TestFindNextAvailablePort(t *testing.T) {
	// Skip if Docker not available
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		t.Skip("Docker not available")
	}
	defer cli.Close()

	ctx := context.Background()
	if _, err := cli.Ping(ctx); err != nil {
		t.Skip("Docker daemon not running")
	}

	t.Run("skips ports used by factory containers", func(t *testing.T) {
		pullImageIfNeeded(t, cli, ctx, "busybox:latest")

		// Create a dummy container claiming 6379 via its port label
		labels := map[string]string{
			dockerpkg.LabelProject:   "true",
			dockerpkg.LabelInstance:  "ports-test",
			dockerpkg.LabelRole:      "redis",
			dockerpkg.LabelRedisPort: "6379",
		}

		resp, err := cli.ContainerCreate(ctx, &container.Config{
			Image:  "busybox:latest",
			Cmd:    []string{"sleep", "1"},
			Labels: labels,
		}, nil, nil, nil, "")
		require.NoError(t, err)
		defer cli.ContainerRemove(ctx, resp.ID, container.RemoveOptions{Force: true})

		port, err := FindNextAvailablePort(ctx, cli)
		require.NoError(t, err)
		require.GreaterOrEqual(t, port, 6380)
	})

	t.Run("skips ports that are already bound", func(t *testing.T) {
		// Bind a stretch of the range so the allocator has to walk past it
		listeners := []net.Listener{}
		for port := 6379; port < 6390; port++ {
			if listener, err := net.Listen("tcp", fmt.Sprintf("localhost:%d", port)); err == nil {
				listeners = append(listeners, listener)
			}
		}
		defer func() {
			for _, l := range listeners {
				l.Close()
			}
		}()

		port, err := FindNextAvailablePort(ctx, cli)
		require.NoError(t, err)
		require.GreaterOrEqual(t, port, 6390)
		require.LessOrEqual(t, port, 6478)
	})
}

func TestIsPortBindable(t *testing.T) {
	t.Run("returns true for available port", func(t *testing.T) {
		// Find an available high port
		listener, err := net.Listen("tcp", "localhost:0")
		require.NoError(t, err)
		port := listener.Addr().(*net.TCPAddr).Port
		listener.Close()

		require.True(t, isPortBindable(port))
	})

	t.Run("returns false for port in use", func(t *testing.T) {
		// Bind a port
		listener, err := net.Listen("tcp", "localhost:0")
		require.NoError(t, err)
		defer listener.Close()

		port := listener.Addr().(*net.TCPAddr).Port
		require.False(t, isPortBindable(port))
	})
}
