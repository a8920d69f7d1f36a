// Package metrics exposes the control plane's Prometheus gauges
// (SPEC_FULL §6 "/metrics"), grounded on the pack's own model-daemon
// metrics wiring (internal/httpapi/metrics.go): package-level vectors
// registered once, recomputed on demand rather than updated inline on
// every mutation, since instance/GPU counts are cheap to recompute
// from the Store and the GPU Usage View.
package metrics

import (
	"context"

	"github.com/prometheus/client_golang/prometheus"

	"modelplane/internal/models"
	"modelplane/internal/repositories"
)

var (
	instancesTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "control",
			Name:      "instances_total",
			Help:      "Number of instances by kind and status",
		},
		[]string{"kind", "status"},
	)

	gpuUsage = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "control",
			Name:      "gpu_usage",
			Help:      "Running instance count per GPU id",
		},
		[]string{"gpu_id"},
	)
)

func init() {
	prometheus.MustRegister(instancesTotal, gpuUsage)
}

// Recomputer recomputes the gauges from current Store state. It's a
// struct rather than a bare func so the registration and the recompute
// logic that reads the Store travel together (mirrors the teacher's
// repo/service injection pattern elsewhere in this codebase).
type Recomputer struct {
	instances *repositories.InstanceRepository
}

func NewRecomputer(instances *repositories.InstanceRepository) *Recomputer {
	return &Recomputer{instances: instances}
}

// Recompute rebuilds both gauges from scratch. The Instance Manager
// calls it after every lifecycle mutation (services.InstanceManager),
// and server.New additionally starts a background ticker that runs it
// once a minute, so a mutation-path call this process missed (a crash
// mid-request, a reconciler-driven change nothing in-process called
// into) is never more than one tick stale.
func (r *Recomputer) Recompute(ctx context.Context) error {
	instancesTotal.Reset()
	gpuUsage.Reset()

	kinds := []models.Kind{models.KindVLLM, models.KindOllama}
	statuses := []models.Status{models.StatusCreating, models.StatusRunning, models.StatusStopped, models.StatusError, models.StatusRemoved}

	for _, k := range kinds {
		insts, err := r.instances.List(ctx, &k, nil)
		if err != nil {
			return err
		}
		counts := make(map[models.Status]int, len(statuses))
		for _, inst := range insts {
			counts[inst.Status]++
		}
		for _, s := range statuses {
			instancesTotal.WithLabelValues(string(k), string(s)).Set(float64(counts[s]))
		}
	}

	usage, err := r.instances.CountRunningByGPU(ctx)
	if err != nil {
		return err
	}
	for gpuID, n := range usage {
		gpuUsage.WithLabelValues(gpuID).Set(float64(n))
	}

	return nil
}
