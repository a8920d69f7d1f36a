// Package gpu implements the GPU Inventory (§4.3): discovery via the
// NVIDIA query utility, cached topology, and the selection policy.
package gpu

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"modelplane/internal/apperr"
	"modelplane/internal/models"
)

// Preference is the user-facing GPU selection knob (§4.3).
type Preference struct {
	Mode string // "auto", "cpu", "first", "least_used", "specific"
	ID   string // populated when Mode == "specific"
}

func Auto() Preference        { return Preference{Mode: "auto"} }
func CPU() Preference         { return Preference{Mode: "cpu"} }
func First() Preference       { return Preference{Mode: "first"} }
func LeastUsed() Preference   { return Preference{Mode: "least_used"} }
func Specific(id string) Preference { return Preference{Mode: "specific", ID: id} }

// CountFunc returns the current count of running instances per GPU id
// (the GPU Usage View, §3), supplied by the instance repository.
type CountFunc func(ctx context.Context) (map[string]int, error)

// Inventory discovers and caches local GPU topology and answers
// selection queries.
type Inventory struct {
	mu        sync.Mutex
	devices   []models.GPU
	cpuOnly   bool
	discovered bool
	log       *logrus.Logger
	queryBin  string
}

func New(log *logrus.Logger) *Inventory {
	return &Inventory{log: log, queryBin: "nvidia-smi"}
}

// Discover invokes nvidia-smi and caches the result. Safe to call
// concurrently; only the first caller actually shells out until Refresh
// is called.
func (inv *Inventory) Discover(ctx context.Context) error {
	inv.mu.Lock()
	defer inv.mu.Unlock()
	return inv.discoverLocked(ctx)
}

// Refresh forces rediscovery (§6 POST /system/refresh-gpu).
func (inv *Inventory) Refresh(ctx context.Context) error {
	inv.mu.Lock()
	defer inv.mu.Unlock()
	inv.discovered = false
	return inv.discoverLocked(ctx)
}

func (inv *Inventory) discoverLocked(ctx context.Context) error {
	if inv.discovered {
		return nil
	}

	qctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	cmd := exec.CommandContext(qctx, inv.queryBin,
		"--query-gpu=index,uuid,name,memory.total,memory.used,utilization.gpu",
		"--format=csv,noheader,nounits")

	var stdout bytes.Buffer
	cmd.Stdout = &stdout
	if err := cmd.Run(); err != nil {
		inv.log.WithError(err).Warn("gpu discovery: nvidia-smi unavailable, entering CPU-only mode")
		inv.devices = nil
		inv.cpuOnly = true
		inv.discovered = true
		return nil
	}

	devices, err := parseQueryGPUOutput(&stdout)
	if err != nil {
		return fmt.Errorf("failed to parse nvidia-smi output: %w", err)
	}

	inv.devices = devices
	inv.cpuOnly = len(devices) == 0
	inv.discovered = true
	return nil
}

func parseQueryGPUOutput(r *bytes.Buffer) ([]models.GPU, error) {
	var devices []models.GPU
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		fields := strings.Split(line, ",")
		if len(fields) < 6 {
			continue
		}
		for i := range fields {
			fields[i] = strings.TrimSpace(fields[i])
		}

		index, err := strconv.Atoi(fields[0])
		if err != nil {
			return nil, fmt.Errorf("bad gpu index %q: %w", fields[0], err)
		}
		memTotal, _ := strconv.ParseInt(fields[3], 10, 64)
		memUsed, _ := strconv.ParseInt(fields[4], 10, 64)
		util, _ := strconv.Atoi(fields[5])

		devices = append(devices, models.GPU{
			Index:              index,
			UUID:               fields[1],
			Name:               fields[2],
			MemoryTotalMB:      memTotal,
			MemoryUsedMB:       memUsed,
			UtilizationPercent: util,
		})
	}
	return devices, scanner.Err()
}

// Devices returns the cached topology snapshot.
func (inv *Inventory) Devices() []models.GPU {
	inv.mu.Lock()
	defer inv.mu.Unlock()
	out := make([]models.GPU, len(inv.devices))
	copy(out, inv.devices)
	return out
}

// CPUOnly reports whether no GPU was detected.
func (inv *Inventory) CPUOnly() bool {
	inv.mu.Lock()
	defer inv.mu.Unlock()
	return inv.cpuOnly
}

// Select applies the §4.3 selection policy. running is the current GPU
// Usage View. Returns a nil id for CPU selection, which the caller
// stores as a null gpu_id.
func (inv *Inventory) Select(ctx context.Context, pref Preference, running CountFunc) (gpuID *string, err error) {
	if err := inv.Discover(ctx); err != nil {
		return nil, err
	}

	devices := inv.Devices()

	if pref.Mode == "cpu" || inv.CPUOnly() {
		return nil, nil
	}

	switch pref.Mode {
	case "specific":
		for _, d := range devices {
			if indexStr(d.Index) == pref.ID || d.UUID == pref.ID {
				id := indexStr(d.Index)
				return &id, nil
			}
		}
		return nil, apperr.Validation("gpu %q not found", pref.ID)

	case "first":
		for _, d := range devices {
			if d.Index == 0 {
				id := indexStr(0)
				return &id, nil
			}
		}
		return nil, apperr.Validation("no gpu at index 0")

	case "auto", "least_used", "":
		counts, err := running(ctx)
		if err != nil {
			return nil, err
		}

		sorted := make([]models.GPU, len(devices))
		copy(sorted, devices)
		sortGPUsByLoad(sorted, counts)

		if len(sorted) == 0 {
			return nil, nil
		}
		id := indexStr(sorted[0].Index)
		return &id, nil

	default:
		return nil, apperr.Validation("unknown gpu selection preference %q", pref.Mode)
	}
}

// sortGPUsByLoad orders ascending by running-instance count then
// descending by free memory, ties broken by lowest id (§4.3).
func sortGPUsByLoad(devices []models.GPU, counts map[string]int) {
	sort.Slice(devices, func(i, j int) bool {
		a, b := devices[i], devices[j]
		ca, cb := counts[indexStr(a.Index)], counts[indexStr(b.Index)]
		if ca != cb {
			return ca < cb
		}
		if a.MemoryFreeMB() != b.MemoryFreeMB() {
			return a.MemoryFreeMB() > b.MemoryFreeMB()
		}
		return a.Index < b.Index
	})
}

func indexStr(i int) string {
	return strconv.Itoa(i)
}
