// Package driver implements the Engine Driver (§4.4): translating a
// validated instance specification into a container specification for
// the local Docker Engine, and driving the container through its
// lifecycle.
package driver

import (
	"context"
	"time"
)

// Spec is the input to CreateAndStart, already defaulted and validated
// by the Instance Manager.
type Spec struct {
	InstanceID   string
	Name         string // human label; container name derives from this + id
	HostPort     int    // host-allocated port (§4.2)
	GPUID        *string
	AllGPUs      bool // true when the effective GPU preference spans every device

	// vLLM-only fields; ignored by the Ollama driver.
	VLLM VLLMSpec

	// Env common to both drivers beyond what the spec.md flags dictate
	// (e.g. the model-registry access token).
	ExtraEnv map[string]string
}

// VLLMSpec carries the vLLM command-line-flag inputs (§4.4).
type VLLMSpec struct {
	ModelRef             string
	APIKey               string // already normalized with its stable prefix; empty if auth not required
	GPUMemoryUtilization float64
	MaxNumSeqs           int
	MaxContextLength     int
	TrustRemoteCode      bool
	Quantization         string
	TensorParallelSize   int
	HuggingFaceToken     string
}

// CreateResult is what the driver reports back after a successful
// create+start (§4.4 Operations).
type CreateResult struct {
	ContainerID string
	// HostPort is the port actually bound to the container's internal
	// listener. For vLLM this always equals Spec.HostPort. For Ollama it
	// equals Spec.HostPort only when a new shared container was created;
	// when an instance attaches to an already-running shared container,
	// HostPort reports that container's real bound port instead, which
	// may differ from the port the caller speculatively allocated before
	// knowing whether attachment would happen.
	HostPort   int
	DeviceInfo string // human-readable device summary, e.g. "gpu:0" or "cpu"
	GPUID      *string
}

// InspectResult is the driver's view of daemon-observed container state
// (§4.4 Operations).
type InspectResult struct {
	Status     string // daemon's raw status string, e.g. "running", "exited"
	Running    bool
	StartedAt  time.Time
	FinishedAt time.Time
}

// OwnedContainer is one row of listOwnedContainers (§4.4).
type OwnedContainer struct {
	ContainerID     string
	Name            string
	State           string
	Created         time.Time
	HostPort        int // 0 if not parseable
	Env             []string
	Command         []string
	DeviceRequests  []DeviceRequestInfo
}

// DeviceRequestInfo mirrors the subset of a Docker device request the
// reconciler needs to recover gpu_id (§4.5).
type DeviceRequestInfo struct {
	Driver    string
	Count     int // -1 means "all"
	DeviceIDs []string
}

// Driver is the interface shared by the vLLM and Ollama variants (§4.4,
// §9: "model as a tagged variant with one driver interface").
type Driver interface {
	// CreateAndStart creates and starts a container for spec. On error
	// the caller is responsible for releasing the allocated port; the
	// driver itself never leaves a half-created container (a create
	// failure mid-flight is cleaned up before returning).
	CreateAndStart(ctx context.Context, spec Spec) (CreateResult, error)

	Start(ctx context.Context, containerID string) error
	Stop(ctx context.Context, containerID string) error
	Restart(ctx context.Context, containerID string) error
	// Remove is idempotent: removing an absent container is success.
	Remove(ctx context.Context, containerID string) error

	Inspect(ctx context.Context, containerID string) (InspectResult, error)
	// Logs returns up to tail lines from both stdout and stderr.
	Logs(ctx context.Context, containerID string, tail int) ([]byte, error)

	// ListOwnedContainers returns every container whose name carries
	// this engine's prefix, for orphan detection (§4.5).
	ListOwnedContainers(ctx context.Context) ([]OwnedContainer, error)
}
