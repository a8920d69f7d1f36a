package models

// GPU describes one locally discovered device, shaped after the pack's
// GPU telemetry domain type (uuid/index/model-name/memory fields),
// trimmed to what §4.3 selection needs.
type GPU struct {
	Index              int    `json:"index"`
	UUID               string `json:"uuid"`
	Name               string `json:"name"`
	MemoryTotalMB      int64  `json:"memory_total_mb"`
	MemoryUsedMB       int64  `json:"memory_used_mb"`
	UtilizationPercent int    `json:"utilization_percent"`
}

// MemoryFreeMB is the free-memory hint used by the least_used tie-break.
func (g GPU) MemoryFreeMB() int64 {
	free := g.MemoryTotalMB - g.MemoryUsedMB
	if free < 0 {
		return 0
	}
	return free
}

// GPUUsage is the derived GPU Usage View (§3): running-instance count per
// GPU id.
type GPUUsage struct {
	GPUID         string `json:"gpu_id"`
	RunningCount  int    `json:"running_count"`
}
