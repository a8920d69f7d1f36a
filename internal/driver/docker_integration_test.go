//go:build integration

package driver

import (
	"context"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"

	"modelplane/internal/apperr"
)

// TestVLLMDriverAgainstRealDaemon exercises VLLMDriver end to end
// against a real Docker daemon. testcontainers-go resolves its daemon
// from the environment (DOCKER_HOST), while the driver's own client
// always dials /var/run/docker.sock, so both must point at the same
// daemon. It
// stands in for a real vLLM image with a throwaway HTTP-echo container
// so the suite doesn't need GPU hardware or multi-gigabyte model
// weights to validate create/inspect/logs/remove wiring.
//
// Run with `go test -tags=integration ./internal/driver/...`; skipped
// otherwise so the default test run never needs a live daemon.
func TestVLLMDriverAgainstRealDaemon(t *testing.T) {
	ctx := context.Background()

	req := testcontainers.ContainerRequest{
		Image:        "hashicorp/http-echo:latest",
		Cmd:          []string{"-listen=:8000", "-text=modelplane-integration"},
		ExposedPorts: []string{"8000/tcp"},
		WaitingFor:   nil,
	}
	echo, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	require.NoError(t, err)
	defer func() { _ = echo.Terminate(ctx) }()

	containerID := echo.GetContainerID()
	require.NotEmpty(t, containerID)

	log := logrus.New()
	log.SetLevel(logrus.WarnLevel)
	cli, err := newClient("/var/run/docker.sock")
	require.NoError(t, err)
	drv := &VLLMDriver{dockerDriver: dockerDriver{cli: cli, log: log, prefix: "vllm", internalPort: vllmInternalPort}}

	require.Eventually(t, func() bool {
		res, err := drv.Inspect(ctx, containerID)
		return err == nil && res.Running
	}, 15*time.Second, 500*time.Millisecond)

	logs, err := drv.Logs(ctx, containerID, 50)
	require.NoError(t, err)
	require.NotEmpty(t, logs)

	require.NoError(t, drv.Stop(ctx, containerID))
	res, err := drv.Inspect(ctx, containerID)
	require.NoError(t, err)
	require.False(t, res.Running)

	require.NoError(t, drv.Remove(ctx, containerID))

	// Remove is idempotent (§4.4): a second call against the now-absent
	// container must also succeed rather than surfacing apperr.Gone.
	require.NoError(t, drv.Remove(ctx, containerID))

	_, err = drv.Inspect(ctx, containerID)
	require.Equal(t, apperr.KindGone, apperr.KindOf(err))
}
