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

const vllmInternalPort = 8000

// VLLMDriver implements Driver for the vLLM engine variant (§4.4). Every
// instance gets its own container.
type VLLMDriver struct {
	dockerDriver
	image string
}

func NewVLLMDriver(socketPath, image string, log *logrus.Logger) (*VLLMDriver, error) {
	cli, err := newClient(socketPath)
	if err != nil {
		return nil, fmt.Errorf("failed to build docker client: %w", err)
	}
	return &VLLMDriver{
		dockerDriver: dockerDriver{cli: cli, log: log, prefix: "vllm", internalPort: vllmInternalPort},
		image:        image,
	}, nil
}

func (d *VLLMDriver) CreateAndStart(ctx context.Context, spec Spec) (CreateResult, error) {
	name := FormatContainerName(d.prefix, spec.Name, spec.InstanceID)

	cmd := buildVLLMArgs(spec.VLLM)

	env := map[string]string{
		"NVIDIA_VISIBLE_DEVICES": deviceVisibilityEnv(spec.GPUID, spec.AllGPUs),
	}
	if spec.VLLM.HuggingFaceToken != "" {
		env["HUGGING_FACE_HUB_TOKEN"] = spec.VLLM.HuggingFaceToken
	}
	for k, v := range spec.ExtraEnv {
		env[k] = v
	}

	portKey := nat.Port(fmt.Sprintf("%d/tcp", vllmInternalPort))
	cfg := &container.Config{
		Image: d.image,
		Cmd:   cmd,
		Env:   envSlice(env),
		ExposedPorts: nat.PortSet{
			portKey: struct{}{},
		},
		Labels: map[string]string{"modelplane.kind": "vllm"},
	}

	hostCfg := &container.HostConfig{
		PortBindings: nat.PortMap{
			portKey: []nat.PortBinding{{HostIP: "0.0.0.0", HostPort: strconv.Itoa(spec.HostPort)}},
		},
		Resources: container.Resources{
			DeviceRequests: deviceRequests(spec.GPUID, spec.AllGPUs),
		},
		RestartPolicy: container.RestartPolicy{Name: container.RestartPolicyUnlessStopped},
		ShmSize:       1 << 30, // vLLM needs shared memory for tensor-parallel IPC
	}

	id, err := d.createAndStart(ctx, name, cfg, hostCfg)
	if err != nil {
		return CreateResult{}, err
	}

	info := "cpu"
	if spec.GPUID != nil {
		info = "gpu:" + *spec.GPUID
	} else if spec.AllGPUs {
		info = "gpu:all"
	}

	return CreateResult{ContainerID: id, HostPort: spec.HostPort, DeviceInfo: info, GPUID: spec.GPUID}, nil
}

// buildVLLMArgs derives the vllm serve flags per §4.4's exact rules.
// --model, --port, --host, --gpu-memory-utilization and --max-num-seqs
// are always present; the rest are conditional on the config carrying a
// non-zero-value override.
func buildVLLMArgs(cfg VLLMSpec) []string {
	args := []string{
		"--model", cfg.ModelRef,
		"--port", strconv.Itoa(vllmInternalPort),
		"--host", "0.0.0.0",
	}

	if cfg.APIKey != "" {
		args = append(args, "--api-key", cfg.APIKey)
	}

	args = append(args,
		"--gpu-memory-utilization", strconv.FormatFloat(cfg.GPUMemoryUtilization, 'f', -1, 64),
		"--max-num-seqs", strconv.Itoa(cfg.MaxNumSeqs),
	)

	if cfg.MaxContextLength > 0 {
		args = append(args, "--max-model-len", strconv.Itoa(cfg.MaxContextLength))
	}
	if cfg.TrustRemoteCode {
		args = append(args, "--trust-remote-code")
	}
	if cfg.Quantization != "" {
		args = append(args, "--quantization", cfg.Quantization)
	}
	if cfg.TensorParallelSize > 1 {
		args = append(args, "--tensor-parallel-size", strconv.Itoa(cfg.TensorParallelSize))
	}

	return args
}

func (d *VLLMDriver) ListOwnedContainers(ctx context.Context) ([]OwnedContainer, error) {
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
		if _, _, _, ok := ParseContainerName(nm); !ok || !strings.HasPrefix(nm, d.prefix+"-") {
			continue
		}
		cmd, env, deviceRequests := d.inspectDetail(ctx, s.ID)
		out = append(out, OwnedContainer{
			ContainerID:    s.ID,
			Name:           nm,
			State:          s.State,
			Created:        time.Unix(s.Created, 0).UTC(),
			HostPort:       hostPortFromSummary(s.Ports, vllmInternalPort),
			Command:        cmd,
			Env:            env,
			DeviceRequests: deviceRequests,
		})
	}
	return out, nil
}

// hostPortFromSummary finds the host port bound to internalPort/tcp in a
// container listing, or 0 if none is bound.
func hostPortFromSummary(ports []container.Port, internalPort int) int {
	for _, p := range ports {
		if int(p.PrivatePort) == internalPort && p.Type == "tcp" {
			return int(p.PublicPort)
		}
	}
	return 0
}
