// Package reconciler implements the Reconciler (§4.5): reconciling the
// store's view of instances against what the Docker daemon actually
// runs, importing orphaned containers, and clearing stale port
// reservations.
package reconciler

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"modelplane/internal/driver"
	"modelplane/internal/models"
	"modelplane/internal/portalloc"
	"modelplane/internal/repositories"
)

// Reconciler owns one Driver per engine kind plus the repositories it
// needs to compare daemon state against store state.
//
// mu guards against reconciliation racing with an in-flight
// create/update/remove: Run takes the exclusive side while the
// Instance Manager takes the shared side around its own daemon calls
// (Lock), so a container imported or marked gone mid-mutation can't
// observe or produce an inconsistent record.
type Reconciler struct {
	log        *logrus.Logger
	vllm       driver.Driver
	ollama     driver.Driver
	instances  *repositories.InstanceRepository
	ports      *repositories.PortRepository
	portAlloc  *portalloc.Allocator
	mu         sync.RWMutex
}

func New(log *logrus.Logger, vllm, ollama driver.Driver, instances *repositories.InstanceRepository, ports *repositories.PortRepository, portAlloc *portalloc.Allocator) *Reconciler {
	return &Reconciler{log: log, vllm: vllm, ollama: ollama, instances: instances, ports: ports, portAlloc: portAlloc}
}

// Report summarizes one reconciliation pass, returned so the caller
// (typically the startup path, §4.5) can log it.
type Report struct {
	Imported        int
	ReservationsFreed int
	InstancesMarkedGone int
}

// Lock acquires the shared side of mu, blocking a concurrent Run until
// the returned unlock function is called. The Instance Manager holds
// this around Create/Update/Remove so reconciliation never imports or
// marks-gone a container one of those is mid-mutation on.
func (rc *Reconciler) Lock() func() {
	rc.mu.RLock()
	return rc.mu.RUnlock
}

// Run performs a single reconciliation pass: import orphans, then
// prune reservations whose port isn't backed by any live instance.
func (rc *Reconciler) Run(ctx context.Context) (Report, error) {
	rc.mu.Lock()
	defer rc.mu.Unlock()

	var report Report

	for _, kind := range []models.Kind{models.KindVLLM, models.KindOllama} {
		d := rc.driverFor(kind)
		owned, err := d.ListOwnedContainers(ctx)
		if err != nil {
			rc.log.WithError(err).WithField("kind", kind).Warn("reconciler: failed to list owned containers")
			continue
		}
		imported, err := rc.importOrphans(ctx, kind, owned)
		if err != nil {
			return report, err
		}
		report.Imported += imported
	}

	gone, err := rc.markGoneContainers(ctx)
	if err != nil {
		return report, err
	}
	report.InstancesMarkedGone = gone

	freed, err := rc.pruneStaleReservations(ctx)
	if err != nil {
		return report, err
	}
	report.ReservationsFreed = freed

	return report, nil
}

// driverFor returns the Driver backing kind.
func (rc *Reconciler) driverFor(kind models.Kind) driver.Driver {
	if kind == models.KindOllama {
		return rc.ollama
	}
	return rc.vllm
}

// OrphanCandidate describes a container this system owns that no
// Instance record claims yet, as surfaced by DetectOrphans without
// importing it (§6 GET /containers/orphans).
type OrphanCandidate struct {
	ContainerID string
	Name        string
	ParsedName  string
	ParsedID    string
	State       string
	Kind        models.Kind
}

// DetectOrphans lists, without importing, every container of kind that
// this system owns but that no Instance record claims.
func (rc *Reconciler) DetectOrphans(ctx context.Context, kind models.Kind) ([]OrphanCandidate, error) {
	owned, err := rc.driverFor(kind).ListOwnedContainers(ctx)
	if err != nil {
		return nil, err
	}

	var out []OrphanCandidate
	for _, oc := range owned {
		existing, err := rc.instances.GetByContainerID(ctx, oc.ContainerID)
		if err != nil {
			return nil, err
		}
		if existing != nil {
			continue
		}
		_, name, id, ok := driver.ParseContainerName(oc.Name)
		if !ok {
			continue
		}
		out = append(out, OrphanCandidate{
			ContainerID: oc.ContainerID, Name: oc.Name,
			ParsedName: name, ParsedID: id, State: oc.State, Kind: kind,
		})
	}
	return out, nil
}

// ImportByContainerIDs imports a named subset of orphans (§6 POST
// /containers/orphans/import), reusing the same per-container import
// path as a full Run.
func (rc *Reconciler) ImportByContainerIDs(ctx context.Context, kind models.Kind, containerIDs []string) (int, error) {
	rc.mu.Lock()
	defer rc.mu.Unlock()

	owned, err := rc.driverFor(kind).ListOwnedContainers(ctx)
	if err != nil {
		return 0, err
	}

	want := make(map[string]bool, len(containerIDs))
	for _, id := range containerIDs {
		want[id] = true
	}

	var selected []driver.OwnedContainer
	for _, oc := range owned {
		if want[oc.ContainerID] {
			selected = append(selected, oc)
		}
	}
	return rc.importOrphans(ctx, kind, selected)
}

// importOrphans creates an imported instance row (§4.5 Orphan import)
// for each container in owned that the store doesn't already know
// about. Idempotent: a second pass over the same containers finds them
// all already tracked by container_id and imports nothing new.
func (rc *Reconciler) importOrphans(ctx context.Context, kind models.Kind, owned []driver.OwnedContainer) (int, error) {
	imported := 0
	for _, oc := range owned {
		existing, err := rc.instances.GetByContainerID(ctx, oc.ContainerID)
		if err != nil {
			return imported, err
		}
		if existing != nil {
			continue
		}

		_, name, id, ok := driver.ParseContainerName(oc.Name)
		if !ok {
			rc.log.WithField("name", oc.Name).Warn("reconciler: found unparseable container name owned by us, skipping import")
			continue
		}

		if oc.HostPort > 0 {
			conflict, err := rc.hasLivePortConflict(ctx, oc.HostPort)
			if err != nil {
				return imported, err
			}
			if conflict {
				rc.log.WithFields(logrus.Fields{"container": oc.Name, "port": oc.HostPort}).
					Warn("reconciler: skipping orphan import, port conflict")
				continue
			}
		}

		gpuID := gpuIDFromDeviceRequests(oc.DeviceRequests)

		imp := &models.ImportMeta{
			Imported:     true,
			OriginalName: oc.Name,
			ImportedAt:   time.Now().UTC(),
		}
		cfg, _ := json.Marshal(defaultConfigFor(kind, oc, imp))

		inst := &models.Instance{
			Kind:        kind,
			Name:        name,
			Hostname:    "localhost",
			ContainerID: strPtr(oc.ContainerID),
			Status:      statusFromDaemonState(oc.State),
			GPUID:       gpuID,
			Config:      cfg,
		}
		inst.Prepare()
		if oc.HostPort > 0 {
			inst.Port = &oc.HostPort
			if err := rc.portAlloc.ReserveKnown(ctx, oc.HostPort, inst.ID); err != nil {
				rc.log.WithError(err).WithField("container", id).Warn("reconciler: failed to reserve imported port, skipping import")
				continue
			}
		}

		if err := rc.instances.Create(ctx, inst); err != nil {
			rc.log.WithError(err).WithField("container", oc.Name).Warn("reconciler: failed to import orphan")
			if inst.Port != nil {
				if relErr := rc.portAlloc.Release(ctx, *inst.Port); relErr != nil {
					rc.log.WithError(relErr).WithField("port", *inst.Port).Warn("reconciler: failed to release port after failed import")
				}
			}
			continue
		}
		imported++
	}
	return imported, nil
}

// markGoneContainers flips any instance whose recorded container_id no
// longer exists in either engine's live listing to status=error, so a
// container removed out-of-band (docker rm) doesn't linger as
// phantom "running" state.
func (rc *Reconciler) markGoneContainers(ctx context.Context) (int, error) {
	live := make(map[string]struct{})
	for _, d := range []driver.Driver{rc.vllm, rc.ollama} {
		owned, err := d.ListOwnedContainers(ctx)
		if err != nil {
			continue
		}
		for _, oc := range owned {
			live[oc.ContainerID] = struct{}{}
		}
	}

	running := models.StatusRunning
	instances, err := rc.instances.List(ctx, nil, &running)
	if err != nil {
		return 0, err
	}

	marked := 0
	for _, inst := range instances {
		if inst.ContainerID == nil {
			continue
		}
		if _, ok := live[*inst.ContainerID]; ok {
			continue
		}
		errStatus := models.StatusError
		if err := rc.instances.Update(ctx, inst.ID, repositories.InstancePatch{Status: &errStatus}); err != nil {
			rc.log.WithError(err).WithField("instance", inst.ID).Warn("reconciler: failed to mark instance gone")
			continue
		}
		marked++
	}
	return marked, nil
}

// pruneStaleReservations releases any port reservation whose owning
// instance no longer exists or has been removed (§4.5, invariant 6).
func (rc *Reconciler) pruneStaleReservations(ctx context.Context) (int, error) {
	reservations, err := rc.ports.List(ctx)
	if err != nil {
		return 0, err
	}

	freed := 0
	for _, res := range reservations {
		inst, err := rc.instances.Get(ctx, res.InstanceID)
		if err != nil {
			return freed, err
		}
		if inst != nil && inst.Status != models.StatusRemoved {
			continue
		}
		if err := rc.ports.Release(ctx, res.Port); err != nil {
			rc.log.WithError(err).WithField("port", res.Port).Warn("reconciler: failed to release stale reservation")
			continue
		}
		freed++
	}
	return freed, nil
}

// hasLivePortConflict implements §4.5 step 1-2: drop any reservation on
// port whose owning instance no longer exists in the store, then report
// whether a live instance still holds it.
func (rc *Reconciler) hasLivePortConflict(ctx context.Context, port int) (bool, error) {
	reservations, err := rc.ports.List(ctx)
	if err != nil {
		return false, err
	}
	for _, res := range reservations {
		if res.Port != port {
			continue
		}
		owner, err := rc.instances.Get(ctx, res.InstanceID)
		if err != nil {
			return false, err
		}
		if owner == nil || owner.Status == models.StatusRemoved {
			if err := rc.ports.Release(ctx, port); err != nil {
				rc.log.WithError(err).WithField("port", port).Warn("reconciler: failed to drop stale reservation")
			}
			return false, nil
		}
		return true, nil
	}
	return false, nil
}

func statusFromDaemonState(state string) models.Status {
	if state == "running" {
		return models.StatusRunning
	}
	return models.StatusStopped
}

func defaultConfigFor(kind models.Kind, oc driver.OwnedContainer, imp *models.ImportMeta) interface{} {
	if kind == models.KindVLLM {
		return models.VLLMConfig{
			ModelRef:             modelRefFromOwned(oc),
			GPUMemoryUtilization: models.DefaultGPUMemoryUtilization,
			MaxNumSeqs:           256,
			Import:               imp,
		}
	}
	return models.OllamaConfig{Import: imp}
}

// modelRefFromOwned recovers model_ref for an imported vLLM orphan
// (§4.5): the first positional value after --model, or a MODEL_NAME=
// environment variable fallback.
func modelRefFromOwned(oc driver.OwnedContainer) string {
	for i, arg := range oc.Command {
		if arg == "--model" && i+1 < len(oc.Command) {
			return oc.Command[i+1]
		}
	}
	for _, e := range oc.Env {
		if v, ok := strings.CutPrefix(e, "MODEL_NAME="); ok {
			return v
		}
	}
	return ""
}

// gpuIDFromDeviceRequests recovers gpu_id from a container's device
// requests (§4.5): a specific device id, or the sentinel "auto" when the
// request spans every device (Count == -1, i.e. NVIDIA_VISIBLE_DEVICES=all).
func gpuIDFromDeviceRequests(reqs []driver.DeviceRequestInfo) *string {
	for _, r := range reqs {
		if r.Driver != "nvidia" {
			continue
		}
		if len(r.DeviceIDs) > 0 {
			return strPtr(r.DeviceIDs[0])
		}
		if r.Count == -1 {
			auto := models.GPUAuto
			return &auto
		}
	}
	return nil
}

func strPtr(s string) *string { return &s }
