package models

import (
	"time"

	"github.com/google/uuid"
)

// ModelStatus is the lifecycle of a pulled Ollama model (§3).
type ModelStatus string

const (
	ModelDownloading ModelStatus = "downloading"
	ModelReady       ModelStatus = "ready"
	ModelFailed      ModelStatus = "failed"
)

// OllamaModel is a model record scoped to an Ollama instance (§3).
type OllamaModel struct {
	ID         uuid.UUID   `json:"id"`
	InstanceID uuid.UUID   `json:"instance_id"`
	Name       string      `json:"name"`
	Status     ModelStatus `json:"status"`
	Size       int64       `json:"size,omitempty"`
	Digest     string      `json:"digest,omitempty"`
	ModifiedAt time.Time   `json:"modified_at,omitempty"`
}
