package driver

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestContainerNameRoundTrip(t *testing.T) {
	cases := []struct {
		prefix, name string
	}{
		{"vllm", "llama-3-70b"},
		{"ollama", "shared"},
		{"vllm", "my-fine-tuned-model"},
	}

	for _, c := range cases {
		id := uuid.New().String()
		formatted := FormatContainerName(c.prefix, c.name, id)

		prefix, name, gotID, ok := ParseContainerName(formatted)
		require.True(t, ok, "expected %q to parse", formatted)
		assert.Equal(t, c.prefix, prefix)
		assert.Equal(t, c.name, name)
		assert.Equal(t, id, gotID)
	}
}

func TestParseContainerNameRejectsGarbage(t *testing.T) {
	_, _, _, ok := ParseContainerName("not-a-container-name")
	assert.False(t, ok)

	_, _, _, ok = ParseContainerName("vllm-model-not-a-uuid")
	assert.False(t, ok)
}

func TestParseContainerNameStripsLeadingSlash(t *testing.T) {
	id := uuid.New().String()
	prefix, name, gotID, ok := ParseContainerName("/vllm-mymodel-" + id)
	require.True(t, ok)
	assert.Equal(t, "vllm", prefix)
	assert.Equal(t, "mymodel", name)
	assert.Equal(t, id, gotID)
}

func TestBuildVLLMArgsConditionalFlags(t *testing.T) {
	minimal := buildVLLMArgs(VLLMSpec{
		ModelRef:             "meta-llama/Llama-3-8b",
		GPUMemoryUtilization: 0.9,
		MaxNumSeqs:           256,
	})
	assert.Contains(t, minimal, "--model")
	assert.Contains(t, minimal, "--port")
	assert.Contains(t, minimal, "--host")
	assert.NotContains(t, minimal, "--api-key")
	assert.NotContains(t, minimal, "--trust-remote-code")
	assert.NotContains(t, minimal, "--quantization")
	assert.NotContains(t, minimal, "--tensor-parallel-size")

	full := buildVLLMArgs(VLLMSpec{
		ModelRef:             "meta-llama/Llama-3-8b",
		APIKey:               "sk-abc123",
		GPUMemoryUtilization: 0.85,
		MaxNumSeqs:           128,
		MaxContextLength:     8192,
		TrustRemoteCode:      true,
		Quantization:         "awq",
		TensorParallelSize:   2,
	})
	assert.Contains(t, full, "--api-key")
	assert.Contains(t, full, "--max-model-len")
	assert.Contains(t, full, "--trust-remote-code")
	assert.Contains(t, full, "--quantization")
	assert.Contains(t, full, "--tensor-parallel-size")
}
