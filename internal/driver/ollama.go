package driver

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/go-connections/nat"
	"github.com/sirupsen/logrus"

	"modelplane/internal/apperr"
)

const (
	ollamaInternalPort = 11434
	ollamaVolumeName   = "modelplane-ollama-models"
)

// OllamaDriver implements Driver for the Ollama engine variant (§4.4).
// Unlike vLLM, Ollama instances are logical: every instance attaches to
// the single shared Ollama container on the host, backed by one
// persistent volume so pulled models survive instance churn.
type OllamaDriver struct {
	dockerDriver
	image string
}

func NewOllamaDriver(socketPath, image string, log *logrus.Logger) (*OllamaDriver, error) {
	cli, err := newClient(socketPath)
	if err != nil {
		return nil, fmt.Errorf("failed to build docker client: %w", err)
	}
	return &OllamaDriver{
		dockerDriver: dockerDriver{cli: cli, log: log, prefix: "ollama", internalPort: ollamaInternalPort},
		image:        image,
	}, nil
}

// CreateAndStart attaches to the shared Ollama container, creating it
// first if this is the first Ollama instance on the host (§4.4). The
// returned CreateResult's ContainerID is always the shared container's
// id, regardless of instance.
func (d *OllamaDriver) CreateAndStart(ctx context.Context, spec Spec) (CreateResult, error) {
	if err := ensureVolume(ctx, d.cli, ollamaVolumeName); err != nil {
		return CreateResult{}, err
	}

	existing, err := d.findSharedContainer(ctx)
	if err != nil {
		return CreateResult{}, err
	}
	if existing != "" {
		if err := d.Start(ctx, existing); err != nil {
			return CreateResult{}, err
		}
		// The caller allocated spec.HostPort before knowing we'd attach
		// to an already-running shared container, so it's almost
		// certainly not the port this container is actually bound to.
		// Report the real one so the caller can reconcile.
		hostPort, err := d.hostPortOf(ctx, existing)
		if err != nil {
			return CreateResult{}, err
		}
		return CreateResult{ContainerID: existing, HostPort: hostPort, DeviceInfo: sharedDeviceInfo(spec), GPUID: spec.GPUID}, nil
	}

	name := FormatContainerName(d.prefix, "shared", spec.InstanceID)

	portKey := nat.Port(fmt.Sprintf("%d/tcp", ollamaInternalPort))
	cfg := &container.Config{
		Image: d.image,
		Env:   envSlice(map[string]string{"NVIDIA_VISIBLE_DEVICES": deviceVisibilityEnv(spec.GPUID, spec.AllGPUs)}),
		ExposedPorts: nat.PortSet{
			portKey: struct{}{},
		},
		Labels: map[string]string{"modelplane.kind": "ollama"},
	}

	hostCfg := &container.HostConfig{
		PortBindings: nat.PortMap{
			portKey: []nat.PortBinding{{HostIP: "0.0.0.0", HostPort: strconv.Itoa(spec.HostPort)}},
		},
		Binds: []string{ollamaVolumeName + ":/root/.ollama"},
		Resources: container.Resources{
			DeviceRequests: deviceRequests(spec.GPUID, spec.AllGPUs),
		},
		RestartPolicy: container.RestartPolicy{Name: container.RestartPolicyUnlessStopped},
	}

	id, err := d.createAndStart(ctx, name, cfg, hostCfg)
	if err != nil {
		return CreateResult{}, err
	}

	return CreateResult{ContainerID: id, HostPort: spec.HostPort, DeviceInfo: sharedDeviceInfo(spec), GPUID: spec.GPUID}, nil
}

func sharedDeviceInfo(spec Spec) string {
	if spec.GPUID != nil {
		return "gpu:" + *spec.GPUID
	}
	if spec.AllGPUs {
		return "gpu:all"
	}
	return "cpu"
}

// findSharedContainer returns the id of the running-or-stopped shared
// Ollama container, or "" if none exists yet.
func (d *OllamaDriver) findSharedContainer(ctx context.Context) (string, error) {
	summaries, err := d.listOwned(ctx)
	if err != nil {
		return "", apperr.Driver(err)
	}
	for _, s := range summaries {
		for _, n := range s.Names {
			nm := strings.TrimPrefix(n, "/")
			prefix, name, _, ok := ParseContainerName(nm)
			if ok && prefix == d.prefix && name == "shared" {
				return s.ID, nil
			}
		}
	}
	return "", nil
}

// hostPortOf returns the host port currently bound to containerID's
// internal listener, reusing the same summary-parsing logic
// ListOwnedContainers uses for orphan detection.
func (d *OllamaDriver) hostPortOf(ctx context.Context, containerID string) (int, error) {
	summaries, err := d.listOwned(ctx)
	if err != nil {
		return 0, apperr.Driver(err)
	}
	for _, s := range summaries {
		if s.ID == containerID {
			return hostPortFromSummary(s.Ports, ollamaInternalPort), nil
		}
	}
	return 0, nil
}

// Stop is a no-op for Ollama: the shared container stays up as long as
// any instance references it. The Instance Manager decides when the
// last instance is gone and calls Remove instead (§4.6).
func (d *OllamaDriver) Stop(ctx context.Context, containerID string) error {
	return nil
}

func (d *OllamaDriver) ListOwnedContainers(ctx context.Context) ([]OwnedContainer, error) {
	summaries, err := d.listOwned(ctx)
	if err != nil {
		return nil, apperr.Driver(err)
	}

	var out []OwnedContainer
	for _, s := range summaries {
		nm := ""
		if len(s.Names) > 0 {
			nm = strings.TrimPrefix(s.Names[0], "/")
		}
		prefix, _, _, ok := ParseContainerName(nm)
		if !ok || prefix != d.prefix {
			continue
		}
		cmd, env, deviceRequests := d.inspectDetail(ctx, s.ID)
		out = append(out, OwnedContainer{
			ContainerID:    s.ID,
			Name:           nm,
			State:          s.State,
			Created:        time.Unix(s.Created, 0).UTC(),
			HostPort:       hostPortFromSummary(s.Ports, ollamaInternalPort),
			Command:        cmd,
			Env:            env,
			DeviceRequests: deviceRequests,
		})
	}
	return out, nil
}
