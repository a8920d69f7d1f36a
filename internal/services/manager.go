// Package services holds the collaborators the Instance Manager (§4.6)
// is built from: API-key derivation, per-instance serialization, and
// the manager itself. It lives alongside apikey.go/keyedlock.go rather
// than behind its own package because deriveAPIKey and keyedLock are
// unexported collaborators the manager calls directly.
package services

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"modelplane/internal/apperr"
	"modelplane/internal/driver"
	"modelplane/internal/gpu"
	"modelplane/internal/metrics"
	"modelplane/internal/models"
	"modelplane/internal/portalloc"
	"modelplane/internal/reconciler"
	"modelplane/internal/repositories"
)

// Defaults holds the process-wide fallbacks §4.6 step 1 merges into a
// create request when the caller doesn't override them (SPEC_FULL §3
// Settings record).
type Defaults struct {
	Hostname             string
	GPUMemoryUtilization float64
	MaxNumSeqs           int
	HuggingFaceToken     string
}

// InstanceManager is the Instance Manager (§4.6): the state machine for
// an Instance, sequencing creation/update/lifecycle/removal across the
// Store, Port Allocator, GPU Inventory and Engine Driver, with rollback
// and error mapping.
type InstanceManager struct {
	log         *logrus.Logger
	instances   *repositories.InstanceRepository
	models      *repositories.OllamaModelRepository
	settings    *repositories.SettingsRepository
	ports       *portalloc.Allocator
	gpuInv      *gpu.Inventory
	reconciler  *reconciler.Reconciler
	recomputer  *metrics.Recomputer
	drivers     map[models.Kind]driver.Driver
	locks       *keyedLock
	keySource   KeySource
	defaults    Defaults
}

func NewInstanceManager(
	log *logrus.Logger,
	instances *repositories.InstanceRepository,
	ollamaModels *repositories.OllamaModelRepository,
	settings *repositories.SettingsRepository,
	ports *portalloc.Allocator,
	gpuInv *gpu.Inventory,
	rc *reconciler.Reconciler,
	recomputer *metrics.Recomputer,
	vllm, ollama driver.Driver,
	defaults Defaults,
) *InstanceManager {
	return &InstanceManager{
		log:        log,
		instances:  instances,
		models:     ollamaModels,
		settings:   settings,
		ports:      ports,
		gpuInv:     gpuInv,
		reconciler: rc,
		recomputer: recomputer,
		drivers: map[models.Kind]driver.Driver{
			models.KindVLLM:   vllm,
			models.KindOllama: ollama,
		},
		locks:     newKeyedLock(),
		keySource: DefaultKeySource(),
		defaults:  defaults,
	}
}

// recompute best-effort refreshes the Prometheus gauges after a
// mutation; a failure here never fails the caller's operation (§6:
// metrics are observability, not correctness).
func (m *InstanceManager) recompute(ctx context.Context) {
	if m.recomputer == nil {
		return
	}
	if err := m.recomputer.Recompute(ctx); err != nil {
		m.log.WithError(err).Warn("manager: failed to recompute metrics after mutation")
	}
}

// CreateRequest is the validated, already-parsed input to Create (§4.8:
// handlers validate input before delegating here).
type CreateRequest struct {
	Kind        models.Kind
	Name        string
	Hostname    string
	ModelRef    string // vLLM only
	RequestedAPIKey string
	RequireAuth bool
	GPUPreference gpu.Preference

	MaxContextLength     int
	GPUMemoryUtilization float64
	MaxNumSeqs           int
	TrustRemoteCode      bool
	Quantization         string
	TensorParallelSize   int
}

// CreateResult carries the plaintext API key back to the caller exactly
// once (§9 Auth-key synthesis): it is never stored, only hashed.
type CreateResult struct {
	Instance        *models.Instance
	PlaintextAPIKey string
}

// Create implements §4.6's create sequence: merge defaults, resolve
// GPU, allocate a port, ask the driver to create+start, then persist
// the record. Every failure path after port allocation releases what
// it acquired; no container is ever left without a record.
func (m *InstanceManager) Create(ctx context.Context, req CreateRequest) (*CreateResult, error) {
	unlockRC := m.reconciler.Lock()
	defer unlockRC()

	drv, ok := m.drivers[req.Kind]
	if !ok {
		return nil, apperr.Validation("unknown engine kind %q", req.Kind)
	}
	if req.Kind == models.KindVLLM && req.ModelRef == "" {
		return nil, apperr.Validation("modelName is required")
	}
	if req.Name == "" {
		return nil, apperr.Validation("name is required")
	}

	hostname := req.Hostname
	if hostname == "" {
		hostname = m.defaults.Hostname
	}
	gpuMemUtil := req.GPUMemoryUtilization
	if gpuMemUtil == 0 {
		gpuMemUtil = m.defaults.GPUMemoryUtilization
	}
	maxNumSeqs := req.MaxNumSeqs
	if maxNumSeqs == 0 {
		maxNumSeqs = m.defaults.MaxNumSeqs
	}

	plaintext, hash, err := deriveAPIKey(req.RequestedAPIKey, req.RequireAuth, m.keySource)
	if err != nil {
		return nil, apperr.Internal(err)
	}

	gpuID, allGPUs, err := m.resolveGPU(ctx, req.GPUPreference, req.TensorParallelSize)
	if err != nil {
		return nil, err
	}

	inst := &models.Instance{
		Kind:     req.Kind,
		Name:     req.Name,
		Hostname: hostname,
		Status:   models.StatusCreating,
		GPUID:    gpuID,
		HasAuth:  req.RequireAuth,
	}
	if hash != "" {
		inst.APIKeyHash = &hash
	}
	inst.Prepare()

	port, err := m.ports.Allocate(ctx, inst.ID)
	if err != nil {
		return nil, err
	}
	inst.Port = &port

	specGPUID := gpuID
	if allGPUs {
		specGPUID = nil
	}

	spec := driver.Spec{
		InstanceID: inst.ID.String(),
		Name:       req.Name,
		HostPort:   port,
		GPUID:      specGPUID,
		AllGPUs:    allGPUs,
	}
	if req.Kind == models.KindVLLM {
		spec.VLLM = driver.VLLMSpec{
			ModelRef:             req.ModelRef,
			APIKey:               plaintext,
			GPUMemoryUtilization: gpuMemUtil,
			MaxNumSeqs:           maxNumSeqs,
			MaxContextLength:     req.MaxContextLength,
			TrustRemoteCode:      req.TrustRemoteCode,
			Quantization:         req.Quantization,
			TensorParallelSize:   m.effectiveTensorParallelSize(req.TensorParallelSize, allGPUs),
			HuggingFaceToken:     m.defaults.HuggingFaceToken,
		}
	}

	result, err := drv.CreateAndStart(ctx, spec)
	if err != nil {
		if relErr := m.ports.Release(ctx, port); relErr != nil {
			m.log.WithError(relErr).WithField("port", port).Warn("manager: failed to release port after create failure")
		}
		return nil, err
	}

	effectivePort := port
	if result.HostPort != 0 && result.HostPort != port {
		// The driver attached to an already-running container (Ollama's
		// shared-container case) instead of binding the port we
		// speculatively allocated. Give that port back and record the
		// container's real one so callers like the model puller can
		// actually reach it.
		if relErr := m.ports.Release(ctx, port); relErr != nil {
			m.log.WithError(relErr).WithField("port", port).Warn("manager: failed to release unused port after attaching to existing container")
		}
		effectivePort = result.HostPort
	}

	inst.ContainerID = &result.ContainerID
	inst.Status = models.StatusRunning
	inst.Port = &effectivePort
	inst.Config = marshalConfig(req)

	if err := m.instances.Create(ctx, inst); err != nil {
		// Never leave a container without a record (§4.6 step 6). For a
		// shared Ollama container this must not tear down or free the
		// port out from under a sibling instance created earlier, so
		// both the container and the port reservation are only touched
		// when this instance was the container's only reference.
		removeContainer := m.shouldRemoveContainer(ctx, inst)
		if removeContainer {
			if remErr := drv.Remove(ctx, result.ContainerID); remErr != nil {
				m.log.WithError(remErr).WithField("container", result.ContainerID).Warn("manager: failed to remove container after record-write failure")
			}
		}
		if inst.Kind != models.KindOllama || removeContainer {
			if relErr := m.ports.Release(ctx, effectivePort); relErr != nil {
				m.log.WithError(relErr).WithField("port", effectivePort).Warn("manager: failed to release port after record-write failure")
			}
		}
		return nil, err
	}

	m.recompute(ctx)
	return &CreateResult{Instance: inst, PlaintextAPIKey: plaintext}, nil
}

// resolveGPU implements §4.3 selection plus the tensor-parallel "auto
// over multiple devices" case (§4.4): when the request wants tensor
// parallelism across more than one GPU and the preference is auto/
// least_used, it bypasses single-device selection and returns the
// models.GPUAuto sentinel with allGPUs=true instead.
func (m *InstanceManager) resolveGPU(ctx context.Context, pref gpu.Preference, tensorParallelSize int) (gpuID *string, allGPUs bool, err error) {
	wantsMulti := tensorParallelSize >= 2 && (pref.Mode == "auto" || pref.Mode == "least_used" || pref.Mode == "")
	if wantsMulti && !m.gpuInv.CPUOnly() {
		auto := models.GPUAuto
		return &auto, true, nil
	}
	gpuID, err = m.gpuInv.Select(ctx, pref, m.instances.CountRunningByGPU)
	return gpuID, false, err
}

// effectiveTensorParallelSize implements §4.4's "k = min(requested,
// #GPUs)" rule, returning 0 (no --tensor-parallel-size flag at all)
// unless tensor parallelism across >=2 devices actually applies.
func (m *InstanceManager) effectiveTensorParallelSize(requested int, allGPUs bool) int {
	if requested < 2 && !allGPUs {
		return 0
	}
	n := len(m.gpuInv.Devices())
	if n < 2 {
		return 0
	}
	k := requested
	if allGPUs && k < 2 {
		k = n
	}
	if k > n {
		k = n
	}
	if k < 2 {
		return 0
	}
	return k
}

func marshalConfig(req CreateRequest) json.RawMessage {
	var cfg interface{}
	if req.Kind == models.KindVLLM {
		cfg = models.VLLMConfig{
			ModelRef:             req.ModelRef,
			RequireAuth:          req.RequireAuth,
			GPUMemoryUtilization: req.GPUMemoryUtilization,
			MaxNumSeqs:           req.MaxNumSeqs,
			MaxContextLength:     req.MaxContextLength,
			TrustRemoteCode:      req.TrustRemoteCode,
			Quantization:         req.Quantization,
			TensorParallelSize:   req.TensorParallelSize,
		}
	} else {
		cfg = models.OllamaConfig{RequireAuth: req.RequireAuth}
	}
	b, _ := json.Marshal(cfg)
	return b
}

// UpdateRequest is the input to Update (§4.6 "replace"): an alias of
// CreateRequest. Update ignores its Kind, Name and Hostname fields; the
// instance keeps its existing kind, name, hostname and id.
type UpdateRequest = CreateRequest

// Update implements §4.6's "replace" semantics: stop+remove the
// container, create a new one with the same id and port, update the
// record in place. Rollback to the prior configuration is best-effort
// only; a catastrophic failure leaves the instance in error with no
// live container, matching the spec's explicit allowance.
func (m *InstanceManager) Update(ctx context.Context, id uuid.UUID, req UpdateRequest) (*models.Instance, error) {
	unlockRC := m.reconciler.Lock()
	defer unlockRC()
	unlock := m.locks.Lock(id.String())
	defer unlock()

	inst, err := m.instances.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if inst == nil {
		return nil, apperr.NotFound("instance %s not found", id)
	}
	drv, ok := m.drivers[inst.Kind]
	if !ok {
		return nil, apperr.Internal(fmt.Errorf("no driver for kind %q", inst.Kind))
	}
	if inst.Port == nil {
		return nil, apperr.Internal(fmt.Errorf("instance %s has no allocated port", id))
	}

	if inst.ContainerID != nil {
		if err := drv.Stop(ctx, *inst.ContainerID); err != nil && apperr.KindOf(err) != apperr.KindGone {
			m.log.WithError(err).WithField("instance", id).Warn("manager: failed to stop container before replace")
		}
		if err := drv.Remove(ctx, *inst.ContainerID); err != nil && apperr.KindOf(err) != apperr.KindGone {
			return nil, err
		}
	}

	plaintext, hash, err := deriveAPIKey(req.RequestedAPIKey, req.RequireAuth, m.keySource)
	if err != nil {
		return nil, apperr.Internal(err)
	}
	gpuID, allGPUs, err := m.resolveGPU(ctx, req.GPUPreference, req.TensorParallelSize)
	if err != nil {
		return nil, err
	}

	specGPUID := gpuID
	if allGPUs {
		specGPUID = nil
	}
	spec := driver.Spec{
		InstanceID: inst.ID.String(),
		Name:       inst.Name,
		HostPort:   *inst.Port,
		GPUID:      specGPUID,
		AllGPUs:    allGPUs,
	}
	if inst.Kind == models.KindVLLM {
		spec.VLLM = driver.VLLMSpec{
			ModelRef:             req.ModelRef,
			APIKey:               plaintext,
			GPUMemoryUtilization: req.GPUMemoryUtilization,
			MaxNumSeqs:           req.MaxNumSeqs,
			MaxContextLength:     req.MaxContextLength,
			TrustRemoteCode:      req.TrustRemoteCode,
			Quantization:         req.Quantization,
			TensorParallelSize:   m.effectiveTensorParallelSize(req.TensorParallelSize, allGPUs),
			HuggingFaceToken:     m.defaults.HuggingFaceToken,
		}
	}

	result, err := drv.CreateAndStart(ctx, spec)
	if err != nil {
		errStatus := models.StatusError
		var nilContainerID *string
		patch := repositories.InstancePatch{Status: &errStatus, ContainerID: &nilContainerID}
		if uErr := m.instances.Update(ctx, id, patch); uErr != nil {
			m.log.WithError(uErr).WithField("instance", id).Warn("manager: failed to mark instance error after replace failure")
		}
		return nil, err
	}

	newStatus := models.StatusRunning
	newContainerID := &result.ContainerID
	newGPUID := gpuID
	newConfig := marshalConfig(req)
	var newHash *string
	if hash != "" {
		newHash = &hash
	}
	hasAuth := req.RequireAuth

	patch := repositories.InstancePatch{
		Status:      &newStatus,
		ContainerID: &newContainerID,
		GPUID:       &newGPUID,
		Config:      &newConfig,
		APIKeyHash:  &newHash,
		HasAuth:     &hasAuth,
	}
	if result.HostPort != 0 && result.HostPort != *inst.Port {
		// Same attach-to-existing-shared-container case Create handles:
		// the container we just recreated bound to a different real
		// port than the one this instance previously held.
		if relErr := m.ports.Release(ctx, *inst.Port); relErr != nil {
			m.log.WithError(relErr).WithField("port", *inst.Port).Warn("manager: failed to release stale port after replace")
		}
		newPort := &result.HostPort
		patch.Port = &newPort
	}
	if err := m.instances.Update(ctx, id, patch); err != nil {
		return nil, err
	}

	updated, err := m.instances.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	m.recompute(ctx)
	return updated, nil
}

// Start proxies to the driver and updates status. A successful driver
// call is never undone by a failing store write (§4.6 Start/Stop/
// Restart): the write failure is logged and left for reconciliation.
func (m *InstanceManager) Start(ctx context.Context, id uuid.UUID) (*models.Instance, error) {
	return m.lifecycle(ctx, id, models.StatusRunning, func(drv driver.Driver, containerID string) error {
		return drv.Start(ctx, containerID)
	})
}

func (m *InstanceManager) Stop(ctx context.Context, id uuid.UUID) (*models.Instance, error) {
	return m.lifecycle(ctx, id, models.StatusStopped, func(drv driver.Driver, containerID string) error {
		return drv.Stop(ctx, containerID)
	})
}

func (m *InstanceManager) Restart(ctx context.Context, id uuid.UUID) (*models.Instance, error) {
	return m.lifecycle(ctx, id, models.StatusRunning, func(drv driver.Driver, containerID string) error {
		return drv.Restart(ctx, containerID)
	})
}

func (m *InstanceManager) lifecycle(ctx context.Context, id uuid.UUID, nextStatus models.Status, op func(driver.Driver, string) error) (*models.Instance, error) {
	unlock := m.locks.Lock(id.String())
	defer unlock()

	inst, err := m.instances.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if inst == nil {
		return nil, apperr.NotFound("instance %s not found", id)
	}
	drv, ok := m.drivers[inst.Kind]
	if !ok {
		return nil, apperr.Internal(fmt.Errorf("no driver for kind %q", inst.Kind))
	}
	if inst.ContainerID == nil {
		return nil, apperr.Gone("instance has no container")
	}

	if err := op(drv, *inst.ContainerID); err != nil {
		return nil, err
	}

	if err := m.instances.Update(ctx, id, repositories.InstancePatch{Status: &nextStatus}); err != nil {
		m.log.WithError(err).WithField("instance", id).Warn("manager: driver succeeded but store update failed, will reconcile later")
	}

	updated, err := m.instances.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	m.augmentLiveStatus(ctx, updated)
	m.recompute(ctx)
	return updated, nil
}

// Remove implements §4.6 Remove: ask the driver to remove (idempotent),
// release the port, delete the record. For Ollama, the shared container
// is only actually removed once no other live instance references it
// (§4.4: Ollama instances are logical attachments to one container).
func (m *InstanceManager) Remove(ctx context.Context, id uuid.UUID) error {
	unlockRC := m.reconciler.Lock()
	defer unlockRC()
	unlock := m.locks.Lock(id.String())
	defer unlock()

	inst, err := m.instances.Get(ctx, id)
	if err != nil {
		return err
	}
	if inst == nil {
		return apperr.NotFound("instance %s not found", id)
	}
	drv, ok := m.drivers[inst.Kind]
	if !ok {
		return apperr.Internal(fmt.Errorf("no driver for kind %q", inst.Kind))
	}

	removeContainer := inst.ContainerID != nil && m.shouldRemoveContainer(ctx, inst)
	if removeContainer {
		if err := drv.Remove(ctx, *inst.ContainerID); err != nil && apperr.KindOf(err) != apperr.KindGone {
			return err
		}
	}

	// A shared Ollama container's port reservation belongs to whichever
	// instance holds the row in allocated_ports; only release it when
	// this instance was the container's last live reference, or (vLLM)
	// it always owns its own port outright.
	if inst.Port != nil && (inst.Kind != models.KindOllama || removeContainer) {
		if err := m.ports.Release(ctx, *inst.Port); err != nil {
			m.log.WithError(err).WithField("port", *inst.Port).Warn("manager: failed to release port on remove")
		}
	}
	if inst.Kind == models.KindOllama {
		if err := m.models.DeleteByInstance(ctx, inst.ID); err != nil {
			m.log.WithError(err).WithField("instance", id).Warn("manager: failed to delete model records on remove")
		}
	}

	if err := m.instances.Delete(ctx, id); err != nil {
		return err
	}
	m.recompute(ctx)
	return nil
}

// shouldRemoveContainer reports whether removing inst's container is
// safe: true for vLLM (one container per instance) and for Ollama only
// when no other live instance shares the same container id.
func (m *InstanceManager) shouldRemoveContainer(ctx context.Context, inst *models.Instance) bool {
	if inst.Kind != models.KindOllama || inst.ContainerID == nil {
		return true
	}
	ollamaKind := models.KindOllama
	siblings, err := m.instances.List(ctx, &ollamaKind, nil)
	if err != nil {
		m.log.WithError(err).Warn("manager: failed to list ollama siblings, removing container defensively")
		return true
	}
	for _, s := range siblings {
		if s.ID == inst.ID || s.Status == models.StatusRemoved {
			continue
		}
		if s.ContainerID != nil && *s.ContainerID == *inst.ContainerID {
			return false
		}
	}
	return true
}

// Get returns a single instance augmented with live driver status
// (§4.6 Listing).
func (m *InstanceManager) Get(ctx context.Context, id uuid.UUID) (*models.Instance, error) {
	inst, err := m.instances.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if inst == nil {
		return nil, apperr.NotFound("instance %s not found", id)
	}
	m.augmentLiveStatus(ctx, inst)
	return inst, nil
}

// List returns stored records for kind, each augmented with a live
// status pulled from the driver; a per-record driver error maps to
// status=error, running=false without failing the whole call (§4.6).
func (m *InstanceManager) List(ctx context.Context, kind *models.Kind) ([]*models.Instance, error) {
	insts, err := m.instances.List(ctx, kind, nil)
	if err != nil {
		return nil, err
	}
	for _, inst := range insts {
		m.augmentLiveStatus(ctx, inst)
	}
	return insts, nil
}

// ListWithReconcile runs §4.5 reconciliation, bounded so a slow or
// stuck daemon never blocks the response indefinitely, then lists.
// Reconciliation failures never fail the read: the response carries
// stale data plus a warning (§4.5, §7).
func (m *InstanceManager) ListWithReconcile(ctx context.Context, kind *models.Kind) ([]*models.Instance, string, error) {
	warning := ""
	rctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if _, err := m.reconciler.Run(rctx); err != nil {
		m.log.WithError(err).Warn("manager: reconciliation pass failed during list-with-reconcile")
		warning = "reconciliation failed; showing possibly stale data"
	} else if rctx.Err() != nil {
		warning = "reconciliation timed out; showing possibly stale data"
	}

	insts, err := m.List(ctx, kind)
	return insts, warning, err
}

// Logs returns up to tail lines of combined stdout/stderr for an
// instance's container (§4.4).
func (m *InstanceManager) Logs(ctx context.Context, id uuid.UUID, tail int) ([]byte, error) {
	inst, err := m.instances.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if inst == nil {
		return nil, apperr.NotFound("instance %s not found", id)
	}
	if inst.ContainerID == nil {
		return nil, apperr.NotFound("instance %s has no container", id)
	}
	drv, ok := m.drivers[inst.Kind]
	if !ok {
		return nil, apperr.Internal(fmt.Errorf("no driver for kind %q", inst.Kind))
	}
	return drv.Logs(ctx, *inst.ContainerID, tail)
}

// augmentLiveStatus populates inst.Running/inst.Status from the
// driver's current view, without persisting the observed status: the
// stored status remains the last value a lifecycle operation or the
// reconciler observed (§3 invariant 6: eventually consistent, never
// strictly so). The only write is the last_seen_running hint, persisted
// the first time the container is seen running.
func (m *InstanceManager) augmentLiveStatus(ctx context.Context, inst *models.Instance) {
	if inst.ContainerID == nil {
		return
	}
	drv, ok := m.drivers[inst.Kind]
	if !ok {
		return
	}
	res, err := drv.Inspect(ctx, *inst.ContainerID)
	if err != nil {
		inst.Status = models.StatusError
		inst.Running = false
		return
	}
	inst.Running = res.Running
	if res.Running {
		inst.Status = models.StatusRunning
		if !inst.LastSeenRunning {
			inst.LastSeenRunning = true
			seen := true
			if err := m.instances.Update(ctx, inst.ID, repositories.InstancePatch{LastSeenRunning: &seen}); err != nil {
				m.log.WithError(err).WithField("instance", inst.ID).Warn("manager: failed to persist last_seen_running hint")
			}
		}
	} else if inst.Status == models.StatusRunning {
		inst.Status = models.StatusStopped
	}
}
