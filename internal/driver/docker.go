package driver

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/api/types/volume"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
	"github.com/sirupsen/logrus"

	"modelplane/internal/apperr"
)

// namePattern matches the container-naming wire format (§6):
// {prefix}-{name}-{uuid}, uuid in canonical 8-4-4-4-12 hex form.
var namePattern = regexp.MustCompile(`^([a-z0-9]+)-(.+)-([0-9a-f]{8}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{12})$`)

// FormatContainerName builds the wire-format name (§6). Inverse of
// ParseContainerName (testable property 10).
func FormatContainerName(prefix, name, id string) string {
	return fmt.Sprintf("%s-%s-%s", prefix, name, id)
}

// ParseContainerName recovers (prefix, name, id) from a wire-format
// container name, or ok=false if it doesn't match.
func ParseContainerName(containerName string) (prefix, name, id string, ok bool) {
	m := namePattern.FindStringSubmatch(strings.TrimPrefix(containerName, "/"))
	if m == nil {
		return "", "", "", false
	}
	return m[1], m[2], m[3], true
}

// dockerDriver holds the bits common to both engine variants: the
// client, the engine prefix, and the container's internal port.
type dockerDriver struct {
	cli          *client.Client
	log          *logrus.Logger
	prefix       string // "vllm" or "ollama"
	internalPort int    // 8000 for vLLM, 11434 for Ollama
}

func newClient(socketPath string) (*client.Client, error) {
	return client.NewClientWithOpts(
		client.WithHost("unix://"+socketPath),
		client.WithAPIVersionNegotiation(),
	)
}

func deviceRequests(gpuID *string, allGPUs bool) []container.DeviceRequest {
	if gpuID == nil && !allGPUs {
		return nil
	}
	req := container.DeviceRequest{
		Driver:       "nvidia",
		Capabilities: [][]string{{"gpu"}},
	}
	if allGPUs || gpuID == nil {
		req.Count = -1
	} else {
		req.DeviceIDs = []string{*gpuID}
	}
	return []container.DeviceRequest{req}
}

func deviceVisibilityEnv(gpuID *string, allGPUs bool) string {
	if allGPUs || gpuID == nil {
		return "all"
	}
	return *gpuID
}

func envSlice(m map[string]string) []string {
	out := make([]string, 0, len(m))
	for k, v := range m {
		out = append(out, fmt.Sprintf("%s=%s", k, v))
	}
	return out
}

func (d *dockerDriver) createAndStart(ctx context.Context, containerName string, cfg *container.Config, hostCfg *container.HostConfig) (string, error) {
	cctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	created, err := d.cli.ContainerCreate(cctx, cfg, hostCfg, &network.NetworkingConfig{}, nil, containerName)
	if err != nil {
		return "", apperr.Driver(err)
	}

	if err := d.cli.ContainerStart(cctx, created.ID, container.StartOptions{}); err != nil {
		// Never leave a container without a record: clean up the
		// half-started container before surfacing the error (§4.6 step 6).
		_ = d.cli.ContainerRemove(context.Background(), created.ID, container.RemoveOptions{Force: true})
		return "", apperr.Driver(err)
	}

	return created.ID, nil
}

func (d *dockerDriver) Start(ctx context.Context, containerID string) error {
	cctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	if err := d.cli.ContainerStart(cctx, containerID, container.StartOptions{}); err != nil {
		if client.IsErrNotFound(err) {
			return apperr.Gone("container no longer exists")
		}
		return apperr.Driver(err)
	}
	return nil
}

func (d *dockerDriver) Stop(ctx context.Context, containerID string) error {
	cctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	timeout := 30
	if err := d.cli.ContainerStop(cctx, containerID, container.StopOptions{Timeout: &timeout}); err != nil {
		if client.IsErrNotFound(err) {
			// normalized to success on stop (§4.4 Failure semantics)
			return nil
		}
		return apperr.Driver(err)
	}
	return nil
}

func (d *dockerDriver) Restart(ctx context.Context, containerID string) error {
	cctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	timeout := 30
	if err := d.cli.ContainerRestart(cctx, containerID, container.StopOptions{Timeout: &timeout}); err != nil {
		if client.IsErrNotFound(err) {
			return apperr.Gone("container no longer exists")
		}
		return apperr.Driver(err)
	}
	return nil
}

func (d *dockerDriver) Remove(ctx context.Context, containerID string) error {
	cctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	if err := d.cli.ContainerRemove(cctx, containerID, container.RemoveOptions{Force: true}); err != nil {
		if client.IsErrNotFound(err) {
			// idempotent: remove on an absent container is success
			return nil
		}
		return apperr.Driver(err)
	}
	return nil
}

func (d *dockerDriver) Inspect(ctx context.Context, containerID string) (InspectResult, error) {
	cctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	info, err := d.cli.ContainerInspect(cctx, containerID)
	if err != nil {
		if client.IsErrNotFound(err) {
			return InspectResult{}, apperr.Gone("container no longer exists")
		}
		return InspectResult{}, apperr.Driver(err)
	}

	res := InspectResult{Running: info.State.Running}
	if info.State != nil {
		res.Status = info.State.Status
		if t, err := time.Parse(time.RFC3339Nano, info.State.StartedAt); err == nil {
			res.StartedAt = t
		}
		if t, err := time.Parse(time.RFC3339Nano, info.State.FinishedAt); err == nil {
			res.FinishedAt = t
		}
	}
	return res, nil
}

func (d *dockerDriver) Logs(ctx context.Context, containerID string, tail int) ([]byte, error) {
	cctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	rc, err := d.cli.ContainerLogs(cctx, containerID, container.LogsOptions{
		ShowStdout: true,
		ShowStderr: true,
		Tail:       strconv.Itoa(tail),
	})
	if err != nil {
		if client.IsErrNotFound(err) {
			return nil, apperr.Gone("container no longer exists")
		}
		return nil, apperr.Driver(err)
	}
	defer rc.Close()

	var stdout, stderr bytes.Buffer
	if _, err := stdcopy.StdCopy(&stdout, &stderr, rc); err != nil && err != io.EOF {
		return nil, apperr.Driver(err)
	}
	return append(stdout.Bytes(), stderr.Bytes()...), nil
}

func (d *dockerDriver) listOwned(ctx context.Context) ([]container.Summary, error) {
	cctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	return d.cli.ContainerList(cctx, container.ListOptions{All: true})
}

// inspectDetail recovers the command/env/device-request detail a plain
// ContainerList summary omits, needed by the reconciler to recover
// model_ref and gpu_id from an orphan (§4.5).
func (d *dockerDriver) inspectDetail(ctx context.Context, containerID string) (cmd, env []string, deviceRequests []DeviceRequestInfo) {
	cctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	info, err := d.cli.ContainerInspect(cctx, containerID)
	if err != nil {
		d.log.WithError(err).WithField("container", containerID).Warn("reconciler: failed to inspect owned container")
		return nil, nil, nil
	}
	if info.Config != nil {
		cmd = info.Config.Cmd
		env = info.Config.Env
	}
	if info.HostConfig != nil {
		for _, r := range info.HostConfig.Resources.DeviceRequests {
			deviceRequests = append(deviceRequests, DeviceRequestInfo{
				Driver: r.Driver, Count: r.Count, DeviceIDs: r.DeviceIDs,
			})
		}
	}
	return cmd, env, deviceRequests
}

func ensureVolume(ctx context.Context, cli *client.Client, name string) error {
	_, err := cli.VolumeInspect(ctx, name)
	if err == nil {
		return nil
	}
	_, err = cli.VolumeCreate(ctx, volume.CreateOptions{Name: name})
	if err != nil {
		return apperr.Driver(err)
	}
	return nil
}
