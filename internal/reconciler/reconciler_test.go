package reconciler

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"modelplane/internal/driver"
)

func TestGpuIDFromDeviceRequests(t *testing.T) {
	id := gpuIDFromDeviceRequests([]driver.DeviceRequestInfo{
		{Driver: "nvidia", DeviceIDs: []string{"0"}},
	})
	require.NotNil(t, id)
	assert.Equal(t, "0", *id)

	assert.Nil(t, gpuIDFromDeviceRequests(nil))
	assert.Nil(t, gpuIDFromDeviceRequests([]driver.DeviceRequestInfo{{Driver: "other"}}))
}

func TestStatusFromDaemonState(t *testing.T) {
	assert.Equal(t, "running", string(statusFromDaemonState("running")))
	assert.Equal(t, "stopped", string(statusFromDaemonState("exited")))
}
