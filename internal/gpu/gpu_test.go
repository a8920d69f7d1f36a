package gpu

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"modelplane/internal/models"
)

func TestParseQueryGPUOutput(t *testing.T) {
	csv := "0, GPU-aaa, NVIDIA A100, 40960, 1024, 5\n1, GPU-bbb, NVIDIA A100, 40960, 20480, 80\n"
	devices, err := parseQueryGPUOutput(bytes.NewBufferString(csv))
	require.NoError(t, err)
	require.Len(t, devices, 2)

	assert.Equal(t, 0, devices[0].Index)
	assert.Equal(t, "GPU-aaa", devices[0].UUID)
	assert.Equal(t, int64(40960), devices[0].MemoryTotalMB)
	assert.Equal(t, int64(1024), devices[0].MemoryUsedMB)
	assert.Equal(t, 5, devices[0].UtilizationPercent)

	assert.Equal(t, 1, devices[1].Index)
}

func TestParseQueryGPUOutputSkipsBlankLines(t *testing.T) {
	csv := "0, GPU-aaa, NVIDIA A100, 40960, 1024, 5\n\n"
	devices, err := parseQueryGPUOutput(bytes.NewBufferString(csv))
	require.NoError(t, err)
	assert.Len(t, devices, 1)
}

// sortGPUsByLoad orders ascending by running count, then descending by
// free memory, ties broken by lowest index (§4.3).
func TestSortGPUsByLoadPrefersLeastUsed(t *testing.T) {
	devices := []models.GPU{
		{Index: 0, MemoryTotalMB: 40000, MemoryUsedMB: 10000}, // free 30000
		{Index: 1, MemoryTotalMB: 40000, MemoryUsedMB: 0},     // free 40000
	}
	counts := map[string]int{"0": 2, "1": 0}

	sortGPUsByLoad(devices, counts)

	assert.Equal(t, 1, devices[0].Index, "gpu with fewer running instances must sort first")
}

func TestSortGPUsByLoadTieBreaksOnFreeMemoryThenIndex(t *testing.T) {
	devices := []models.GPU{
		{Index: 1, MemoryTotalMB: 40000, MemoryUsedMB: 30000}, // free 10000
		{Index: 0, MemoryTotalMB: 40000, MemoryUsedMB: 10000}, // free 30000
	}
	counts := map[string]int{"0": 1, "1": 1}

	sortGPUsByLoad(devices, counts)

	assert.Equal(t, 0, devices[0].Index, "equal load breaks on more free memory")
}

func TestSortGPUsByLoadTieBreaksOnLowestIndex(t *testing.T) {
	devices := []models.GPU{
		{Index: 2, MemoryTotalMB: 40000, MemoryUsedMB: 10000},
		{Index: 1, MemoryTotalMB: 40000, MemoryUsedMB: 10000},
	}
	counts := map[string]int{"1": 0, "2": 0}

	sortGPUsByLoad(devices, counts)

	assert.Equal(t, 1, devices[0].Index)
}
