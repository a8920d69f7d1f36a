package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Kind discriminates the engine family an Instance runs under.
type Kind string

const (
	KindVLLM   Kind = "vllm"
	KindOllama Kind = "ollama"
)

// Status is the lifecycle state of an Instance (§3, §4.6).
type Status string

const (
	StatusCreating Status = "creating"
	StatusRunning  Status = "running"
	StatusStopped  Status = "stopped"
	StatusError    Status = "error"
	StatusRemoved  Status = "removed"
)

// GPUAuto is the sentinel meaning "let GPU Inventory pick".
const GPUAuto = "auto"

// DefaultGPUMemoryUtilization is vLLM's own --gpu-memory-utilization
// default, used both as the process-wide Settings fallback (server
// startup) and when reconstructing config for an imported vLLM orphan
// that carried no explicit override.
const DefaultGPUMemoryUtilization = 0.85

// ImportMeta marks an Instance as having been created by orphan import
// (§4.5) rather than by a normal create call. It is carried as part of
// the engine-specific Config blob rather than as a separate column,
// since Config is the only instance field that actually round-trips
// through the store. VLLMConfig and OllamaConfig hold it under the
// "import" key, so the marker serializes as config.import.imported=true;
// Config has no top-level "imported" key.
type ImportMeta struct {
	Imported     bool      `json:"imported"`
	OriginalName string    `json:"original_container_name,omitempty"`
	ImportedAt   time.Time `json:"imported_at,omitempty"`
}

// VLLMConfig is the engine-specific structured configuration for a vLLM
// instance (§4.4).
type VLLMConfig struct {
	ModelRef               string `json:"model_ref"`
	RequireAuth            bool   `json:"require_auth"`
	GPUMemoryUtilization   float64 `json:"gpu_memory_utilization,omitempty"`
	MaxNumSeqs             int    `json:"max_num_seqs,omitempty"`
	MaxContextLength       int    `json:"max_context_length,omitempty"`
	TrustRemoteCode        bool   `json:"trust_remote_code,omitempty"`
	Quantization           string `json:"quantization,omitempty"`
	TensorParallelSize     int    `json:"tensor_parallel_size,omitempty"`
	Import                 *ImportMeta `json:"import,omitempty"`
}

// OllamaConfig is the engine-specific structured configuration for an
// Ollama instance. Ollama instances carry no model_ref at instance
// scope; models are pulled separately (§4.7).
type OllamaConfig struct {
	RequireAuth bool        `json:"require_auth"`
	Import      *ImportMeta `json:"import,omitempty"`
}

// Instance is the primary entity (§3).
type Instance struct {
	ID          uuid.UUID       `json:"id"`
	Kind        Kind            `json:"kind"`
	Name        string          `json:"name"`
	Hostname    string          `json:"hostname"`
	Port        *int            `json:"port,omitempty"`
	ContainerID *string         `json:"container_id,omitempty"`
	Status      Status          `json:"status"`
	APIKeyHash  *string         `json:"-"`
	HasAuth     bool            `json:"require_auth"`
	GPUID       *string         `json:"gpu_id,omitempty"`
	Config      json.RawMessage `json:"config,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
	UpdatedAt   time.Time       `json:"updated_at"`

	// LastSeenRunning is a persisted hint set the first time a driver
	// inspect confirms the container running; it never reverts to false,
	// so it distinguishes "never started" from "was running, now down"
	// for a stopped or errored instance.
	LastSeenRunning bool `json:"last_seen_running"`

	// Running is a derived, non-persisted field populated by the
	// driver on read paths (§4.6 Listing).
	Running bool `json:"running"`
}

// VLLMConfig decodes the polymorphic Config field. Returns the zero
// value if Kind is not vLLM or Config is empty.
func (i *Instance) VLLMConfig() (VLLMConfig, error) {
	var c VLLMConfig
	if i.Kind != KindVLLM || len(i.Config) == 0 {
		return c, nil
	}
	err := json.Unmarshal(i.Config, &c)
	return c, err
}

// OllamaConfig decodes the polymorphic Config field for an Ollama
// instance.
func (i *Instance) OllamaConfig() (OllamaConfig, error) {
	var c OllamaConfig
	if len(i.Config) == 0 {
		return c, nil
	}
	err := json.Unmarshal(i.Config, &c)
	return c, err
}

// ImportMeta decodes the import marker carried inside Config, if any,
// regardless of Kind. Returns nil, nil when the instance wasn't
// imported.
func (i *Instance) ImportMeta() (*ImportMeta, error) {
	if len(i.Config) == 0 {
		return nil, nil
	}
	var aux struct {
		Import *ImportMeta `json:"import,omitempty"`
	}
	if err := json.Unmarshal(i.Config, &aux); err != nil {
		return nil, err
	}
	return aux.Import, nil
}

// Prepare assigns an id if unset and defaults a fresh instance's status,
// mirroring the teacher's DatabaseInstance.Prepare.
func (i *Instance) Prepare() {
	if i.ID == uuid.Nil {
		i.ID = uuid.New()
	}
	if i.Status == "" {
		i.Status = StatusCreating
	}
}
